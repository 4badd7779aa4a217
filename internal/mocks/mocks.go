package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-vault/internal/models"
	"chat-vault/internal/repositories"
)

type ConversationStoreMock struct {
	mock.Mock
}

func (m *ConversationStoreMock) SendMessage(ctx context.Context, sender models.Principal, recipientID, plaintext string) (models.Message, error) {
	args := m.Called(ctx, sender, recipientID, plaintext)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ConversationStoreMock) SubscribeThread(ctx context.Context, a, b string, fn func(models.ThreadSnapshot)) (func(), error) {
	args := m.Called(ctx, a, b, fn)
	var unsubscribe func()
	if val := args.Get(0); val != nil {
		unsubscribe = val.(func())
	}
	return unsubscribe, args.Error(1)
}

func (m *ConversationStoreMock) ThreadMessages(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, a, b, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ConversationStoreMock) MarkThreadRead(ctx context.Context, a, b, viewerID string) (int, error) {
	args := m.Called(ctx, a, b, viewerID)
	return args.Int(0), args.Error(1)
}

func (m *ConversationStoreMock) Counterparts(ctx context.Context, principalID string) ([]string, error) {
	args := m.Called(ctx, principalID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *ConversationStoreMock) LatestMessage(ctx context.Context, a, b string) (*models.Message, error) {
	args := m.Called(ctx, a, b)
	var msg *models.Message
	if val := args.Get(0); val != nil {
		msg = val.(*models.Message)
	}
	return msg, args.Error(1)
}

type ProfileRepositoryMock struct {
	mock.Mock
}

func (m *ProfileRepositoryMock) CreateProfile(ctx context.Context, profile models.UserProfile) error {
	args := m.Called(ctx, profile)
	return args.Error(0)
}

func (m *ProfileRepositoryMock) GetProfile(ctx context.Context, uid string) (models.UserProfile, error) {
	args := m.Called(ctx, uid)
	var profile models.UserProfile
	if val := args.Get(0); val != nil {
		profile = val.(models.UserProfile)
	}
	return profile, args.Error(1)
}

func (m *ProfileRepositoryMock) GetProfiles(ctx context.Context, uids []string) (map[string]models.UserProfile, error) {
	args := m.Called(ctx, uids)
	var profiles map[string]models.UserProfile
	if val := args.Get(0); val != nil {
		profiles = val.(map[string]models.UserProfile)
	}
	return profiles, args.Error(1)
}

func (m *ProfileRepositoryMock) FindByUsername(ctx context.Context, username string) (models.UserProfile, error) {
	args := m.Called(ctx, username)
	var profile models.UserProfile
	if val := args.Get(0); val != nil {
		profile = val.(models.UserProfile)
	}
	return profile, args.Error(1)
}

func (m *ProfileRepositoryMock) SearchByUsername(ctx context.Context, query, excludeUID string, limit int) ([]models.UserProfile, error) {
	args := m.Called(ctx, query, excludeUID, limit)
	var profiles []models.UserProfile
	if val := args.Get(0); val != nil {
		profiles = val.([]models.UserProfile)
	}
	return profiles, args.Error(1)
}

func (m *ProfileRepositoryMock) UpdateUsername(ctx context.Context, uid, username string) error {
	args := m.Called(ctx, uid, username)
	return args.Error(0)
}

func (m *ProfileRepositoryMock) UpdateAvatar(ctx context.Context, uid string, avatar *string) error {
	args := m.Called(ctx, uid, avatar)
	return args.Error(0)
}

var _ repositories.ConversationStore = (*ConversationStoreMock)(nil)
var _ repositories.ProfileRepository = (*ProfileRepositoryMock)(nil)
