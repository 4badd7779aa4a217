package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chat-vault/internal/mocks"
	"chat-vault/internal/telemetry"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(pub, "audit_logs", "chat-vault", "test")
	uid := "u-1"

	pub.On("Publish", mock.Anything, "audit_logs", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.EventType == "audit_log" &&
			env.Service == "chat-vault" &&
			env.Environment == "test" &&
			env.RequestID == "req-9" &&
			env.UserID != nil && *env.UserID == "u-1" &&
			env.Payload.Level == "INFO" &&
			env.Payload.Text == "user signed in"
	})).Return(nil).Once()

	emitter.Emit(context.Background(), "INFO", "user signed in", "req-9", &uid)
	pub.AssertExpectations(t)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(pub, "audit_logs", "chat-vault", "test")
	pub.On("Publish", mock.Anything, "audit_logs", mock.Anything).Return(assert.AnError).Once()

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "WARN", "sign in failed", "req-1", nil)
	})
	pub.AssertExpectations(t)
}

func TestNilEmitterIsSafe(t *testing.T) {
	var emitter *telemetry.AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "x", "", nil)
	})
}
