package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/docstore"
	"chat-vault/internal/identity"
	"chat-vault/internal/models"
	"chat-vault/internal/repositories"
)

func newProvider(t *testing.T) *identity.Provider {
	t.Helper()
	store := docstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })
	return identity.NewProvider(store, repositories.NewUserRepo(store), identity.Config{
		Password: identity.PasswordParams{Time: 1, Memory: 64, Threads: 1},
	})
}

func signUp(t *testing.T, p *identity.Provider, email, username string) (string, models.Principal) {
	t.Helper()
	token, principal, err := p.SignUp(context.Background(), identity.SignUpRequest{
		Email:           email,
		Password:        "secret123",
		ConfirmPassword: "secret123",
		Username:        username,
		DateOfBirth:     time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return token, principal
}

type changeLog struct {
	mu      sync.Mutex
	changes []bool
	last    models.Principal
}

func (c *changeLog) record(p models.Principal, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ok)
	c.last = p
}

func (c *changeLog) snapshot() ([]bool, models.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.changes...), c.last
}

func TestOpenResolvesPrincipal(t *testing.T) {
	p := newProvider(t)
	r := NewResolver(p)
	defer r.Close()
	token, principal := signUp(t, p, "alice@example.com", "alice")

	s, err := r.Open(context.Background(), token)
	require.NoError(t, err)
	current, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, principal, current)

	_, err = r.Open(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestUpdateRefreshesEverySessionOfUser(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	r := NewResolver(p)
	defer r.Close()
	token, alice := signUp(t, p, "alice@example.com", "alice")
	second, _, err := p.SignIn(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	bobToken, _ := signUp(t, p, "bob@example.com", "bob")

	s1, err := r.Open(ctx, token)
	require.NoError(t, err)
	s2, err := r.Open(ctx, second)
	require.NoError(t, err)
	bob, err := r.Open(ctx, bobToken)
	require.NoError(t, err)

	var log1, bobLog changeLog
	s1.OnChange(log1.record)
	bob.OnChange(bobLog.record)

	_, err = p.UpdateUsername(ctx, alice.ID, "alicia")
	require.NoError(t, err)

	for _, s := range []*Session{s1, s2} {
		current, ok := s.Current()
		require.True(t, ok)
		assert.Equal(t, "alicia", current.DisplayName)
	}
	changes, last := log1.snapshot()
	assert.Equal(t, []bool{true}, changes)
	assert.Equal(t, "alicia", last.DisplayName)

	bobChanges, _ := bobLog.snapshot()
	assert.Empty(t, bobChanges)
	current, _ := bob.Current()
	assert.Equal(t, "bob", current.DisplayName)
}

func TestSignOutClearsOnlyThatToken(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	r := NewResolver(p)
	defer r.Close()
	token, _ := signUp(t, p, "alice@example.com", "alice")
	other, _, err := p.SignIn(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)

	s1, err := r.Open(ctx, token)
	require.NoError(t, err)
	s2, err := r.Open(ctx, other)
	require.NoError(t, err)
	var log1 changeLog
	s1.OnChange(log1.record)

	require.NoError(t, p.SignOut(ctx, token))

	_, ok := s1.Current()
	assert.False(t, ok)
	changes, _ := log1.snapshot()
	assert.Equal(t, []bool{false}, changes)

	_, ok = s2.Current()
	assert.True(t, ok)
	assert.Equal(t, 1, r.count())
}

func TestClosedSessionStopsReceiving(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	r := NewResolver(p)
	defer r.Close()
	token, alice := signUp(t, p, "alice@example.com", "alice")

	s, err := r.Open(ctx, token)
	require.NoError(t, err)
	var log changeLog
	unsubscribe := s.OnChange(log.record)
	unsubscribe()
	unsubscribe()

	_, err = p.UpdateUsername(ctx, alice.ID, "alicia")
	require.NoError(t, err)
	changes, _ := log.snapshot()
	assert.Empty(t, changes)

	s.OnChange(log.record)
	s.Close()
	s.Close()
	assert.Equal(t, 0, r.count())

	_, err = p.UpdateUsername(ctx, alice.ID, "alice")
	require.NoError(t, err)
	changes, _ = log.snapshot()
	assert.Empty(t, changes)
}

func TestResolverCloseStopsFanOut(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	r := NewResolver(p)
	token, alice := signUp(t, p, "alice@example.com", "alice")
	s, err := r.Open(ctx, token)
	require.NoError(t, err)

	r.Close()
	_, err = p.UpdateUsername(ctx, alice.ID, "alicia")
	require.NoError(t, err)

	current, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, "alice", current.DisplayName)
}
