package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/contacts"
	"chat-vault/internal/mocks"
	"chat-vault/internal/models"
)

var _ ContactLister = (*contacts.Aggregator)(nil)

func setupChatRouter(handler *ChatHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withPrincipal(alice, "tok-1"))
	r.GET("/contacts", handler.ListContacts)
	r.GET("/users/search", handler.SearchUsers)
	r.GET("/threads/:peer_id/messages", handler.GetThreadMessages)
	r.POST("/threads/:peer_id/messages", handler.PostThreadMessage)
	r.POST("/threads/:peer_id/read", handler.MarkThreadRead)
	return r
}

func TestListContactsSuccess(t *testing.T) {
	lister := new(mocks.ContactListerMock)
	router := setupChatRouter(NewChatHandler(nil, lister))
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	lister.On("ListContacts", mock.Anything, "alice-uid").Return([]models.Contact{
		{Principal: models.Principal{ID: "bob-uid", DisplayName: "bob"}, LastMessage: "hi", LastMessageAt: &at, Unread: true},
	}, nil).Once()

	rec := doJSON(router, http.MethodGet, "/contacts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)["contacts"].([]any)
	require.Len(t, list, 1)
	contact := list[0].(map[string]any)
	assert.Equal(t, "bob", contact["display_name"])
	assert.Equal(t, "hi", contact["last_message"])
	assert.Equal(t, true, contact["unread"])
	assert.Contains(t, contact["avatar_url"], "username=bob")
	lister.AssertExpectations(t)
}

func TestListContactsStoreError(t *testing.T) {
	lister := new(mocks.ContactListerMock)
	router := setupChatRouter(NewChatHandler(nil, lister))
	lister.On("ListContacts", mock.Anything, "alice-uid").Return(nil, apperrors.Store("failed to load messages", assert.AnError)).Once()

	rec := doJSON(router, http.MethodGet, "/contacts", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "STORE_OPERATION", decodeBody(t, rec)["code"])
}

func TestSearchUsersPassesQuery(t *testing.T) {
	lister := new(mocks.ContactListerMock)
	router := setupChatRouter(NewChatHandler(nil, lister))
	lister.On("Search", mock.Anything, "alice-uid", "car").Return([]models.Contact{}, nil).Once()

	rec := doJSON(router, http.MethodGet, "/users/search?q=car", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["users"])
	lister.AssertExpectations(t)
}

func TestGetThreadMessages(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	router := setupChatRouter(NewChatHandler(conv, nil))

	conv.On("ThreadMessages", mock.Anything, "alice-uid", "bob-uid", defaultThreadLimit).
		Return([]models.Message{{ID: "m2", Text: "second"}, {ID: "m1", Undecryptable: true}}, nil).Once()
	conv.On("ThreadMessages", mock.Anything, "alice-uid", "bob-uid", maxThreadLimit).Return(nil, nil).Once()

	rec := doJSON(router, http.MethodGet, "/threads/bob-uid/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody(t, rec)["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, true, msgs[1].(map[string]any)["undecryptable"])

	rec = doJSON(router, http.MethodGet, "/threads/bob-uid/messages?limit=10000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeBody(t, rec)["messages"])

	rec = doJSON(router, http.MethodGet, "/threads/bob-uid/messages?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	conv.AssertExpectations(t)
}

func TestPostThreadMessage(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	router := setupChatRouter(NewChatHandler(conv, nil))

	conv.On("SendMessage", mock.Anything, alice, "bob-uid", "hello").
		Return(models.Message{ID: "m1", SenderID: "alice-uid", Text: "hello"}, nil).Once()
	conv.On("SendMessage", mock.Anything, alice, "bob-uid", "   ").
		Return(nil, apperrors.ErrEmptyMessage).Once()

	rec := doJSON(router, http.MethodPost, "/threads/bob-uid/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "m1", decodeBody(t, rec)["id"])

	rec = doJSON(router, http.MethodPost, "/threads/bob-uid/messages", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "message text cannot be empty", decodeBody(t, rec)["error"])

	conv.AssertExpectations(t)
}

func TestMarkThreadRead(t *testing.T) {
	conv := new(mocks.ConversationStoreMock)
	router := setupChatRouter(NewChatHandler(conv, nil))
	conv.On("MarkThreadRead", mock.Anything, "alice-uid", "bob-uid", "alice-uid").Return(3, nil).Once()
	conv.On("MarkThreadRead", mock.Anything, "alice-uid", "bad_id", "alice-uid").Return(0, apperrors.ErrInvalidParticipant).Once()

	rec := doJSON(router, http.MethodPost, "/threads/bob-uid/read", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeBody(t, rec)["updated"])

	rec = doJSON(router, http.MethodPost, "/threads/bad_id/read", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	conv.AssertExpectations(t)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var healthy bool
	r := gin.New()
	r.GET("/healthz", Healthz(pingerFunc(func(context.Context) error {
		if healthy {
			return nil
		}
		return assert.AnError
	})))

	rec := doJSON(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	healthy = true
	rec = doJSON(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(apperrors.Cipher("cannot open", assert.AnError)))
	assert.Equal(t, http.StatusNotFound, statusFor(apperrors.ErrUserNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(apperrors.AlreadyExists("exists")))
	assert.Equal(t, http.StatusUnauthorized, statusFor(apperrors.ErrInvalidToken))
}
