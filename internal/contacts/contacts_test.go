package contacts

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/cipher"
	"chat-vault/internal/docstore"
	"chat-vault/internal/mocks"
	"chat-vault/internal/models"
	"chat-vault/internal/repositories"
)

func names(contacts []models.Contact) []string {
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.DisplayName)
	}
	return out
}

func TestListContactsOrdersByRecency(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore(nil)
	defer store.Close()

	c, err := cipher.NewFromKey(bytes.Repeat([]byte{3}, cipher.KeySize))
	require.NoError(t, err)
	messages := repositories.NewMessageRepo(store, c)
	profiles := repositories.NewUserRepo(store)
	for _, uid := range []string{"alice", "bob", "carol"} {
		require.NoError(t, profiles.CreateProfile(ctx, models.UserProfile{UID: uid, Username: uid}))
	}

	alice := models.Principal{ID: "alice", DisplayName: "alice"}
	carol := models.Principal{ID: "carol", DisplayName: "carol"}
	_, err = messages.SendMessage(ctx, carol, "alice", "T1 from carol")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = messages.SendMessage(ctx, alice, "bob", "T2 to bob")
	require.NoError(t, err)

	agg := NewAggregator(NewDirectory(messages, profiles), profiles)
	list, err := agg.ListContacts(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, names(list))

	assert.Equal(t, "T2 to bob", list[0].LastMessage)
	assert.True(t, list[0].LastMessageFromPrincipal)
	assert.False(t, list[0].Unread)
	assert.Equal(t, "T1 from carol", list[1].LastMessage)
	assert.True(t, list[1].Unread)

	_, err = messages.MarkThreadRead(ctx, "alice", "carol", "alice")
	require.NoError(t, err)
	list, err = agg.ListContacts(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, list[1].Unread)
}

func profile(uid string) models.UserProfile {
	return models.UserProfile{UID: uid, Username: uid}
}

func messageAt(sender string, at time.Time) *models.Message {
	return &models.Message{SenderID: sender, Text: "hi from " + sender, CreatedAt: at}
}

func TestContactsWithoutMessagesSortLast(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	profiles := new(mocks.ProfileRepositoryMock)
	agg := NewAggregator(NewDirectory(conv, profiles), profiles)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	conv.On("Counterparts", mock.Anything, "alice").Return([]string{"zed", "bob", "carol"}, nil).Once()
	profiles.On("GetProfiles", mock.Anything, []string{"bob", "carol", "zed"}).Return(map[string]models.UserProfile{
		"zed": profile("zed"), "bob": profile("bob"), "carol": profile("carol"),
	}, nil).Once()
	conv.On("LatestMessage", mock.Anything, "alice", "zed").Return(nil, nil).Once()
	conv.On("LatestMessage", mock.Anything, "alice", "bob").Return(messageAt("bob", t0), nil).Once()
	conv.On("LatestMessage", mock.Anything, "alice", "carol").Return(messageAt("carol", t0.Add(time.Minute)), nil).Once()

	list, err := agg.ListContacts(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "bob", "zed"}, names(list))
	assert.Nil(t, list[2].LastMessageAt)
	assert.Empty(t, list[2].LastMessage)

	conv.AssertExpectations(t)
	profiles.AssertExpectations(t)
	profiles.AssertNumberOfCalls(t, "GetProfiles", 1)
	profiles.AssertNotCalled(t, "GetProfile", mock.Anything, mock.Anything)
}

func TestFailedLookupsExcludeOnlyThatCounterpart(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	profiles := new(mocks.ProfileRepositoryMock)
	agg := NewAggregator(NewDirectory(conv, profiles), profiles)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	conv.On("Counterparts", mock.Anything, "alice").Return([]string{"bob", "carol", "dave"}, nil).Once()
	profiles.On("GetProfiles", mock.Anything, []string{"bob", "carol", "dave"}).Return(map[string]models.UserProfile{
		"bob": profile("bob"), "dave": profile("dave"),
	}, nil).Once()
	conv.On("LatestMessage", mock.Anything, "alice", "bob").Return(messageAt("bob", t0), nil).Once()
	conv.On("LatestMessage", mock.Anything, "alice", "dave").Return(nil, apperrors.Store("failed to load messages", assert.AnError)).Once()

	list, err := agg.ListContacts(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, names(list))

	conv.AssertExpectations(t)
	profiles.AssertExpectations(t)
}

func TestProfileBatchFailureAbortsList(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	profiles := new(mocks.ProfileRepositoryMock)
	agg := NewAggregator(NewDirectory(conv, profiles), profiles)

	conv.On("Counterparts", mock.Anything, "alice").Return([]string{"bob"}, nil).Once()
	profiles.On("GetProfiles", mock.Anything, []string{"bob"}).Return(nil, apperrors.Store("failed to load profiles", assert.AnError)).Once()

	_, err := agg.ListContacts(context.Background(), "alice")
	assert.Equal(t, apperrors.CodeStoreOperation, apperrors.CodeOf(err))
	conv.AssertNotCalled(t, "LatestMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestCounterpartFailureAbortsList(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	agg := NewAggregator(NewDirectory(conv, new(mocks.ProfileRepositoryMock)), nil)
	conv.On("Counterparts", mock.Anything, "alice").Return(nil, assert.AnError).Once()

	_, err := agg.ListContacts(context.Background(), "alice")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSearch(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	profiles := new(mocks.ProfileRepositoryMock)
	agg := NewAggregator(NewDirectory(conv, profiles), profiles)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	profiles.On("SearchByUsername", mock.Anything, "ca", "alice", SearchLimit).
		Return([]models.UserProfile{profile("cara"), profile("carol")}, nil).Once()
	conv.On("LatestMessage", mock.Anything, "alice", "cara").Return(nil, nil).Once()
	conv.On("LatestMessage", mock.Anything, "alice", "carol").Return(messageAt("alice", t0), nil).Once()

	list, err := agg.Search(context.Background(), "alice", "  ca ")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "cara"}, names(list))
	assert.True(t, list[0].LastMessageFromPrincipal)

	conv.AssertExpectations(t)
	profiles.AssertExpectations(t)
}

func TestEmptySearchListsContacts(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	profiles := new(mocks.ProfileRepositoryMock)
	agg := NewAggregator(NewDirectory(conv, profiles), profiles)

	conv.On("Counterparts", mock.Anything, "alice").Return([]string{}, nil).Once()

	list, err := agg.Search(context.Background(), "alice", "   ")
	require.NoError(t, err)
	assert.Empty(t, list)
	profiles.AssertNotCalled(t, "SearchByUsername", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
