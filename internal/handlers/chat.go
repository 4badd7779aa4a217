package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-vault/internal/middleware"
	"chat-vault/internal/models"
	"chat-vault/internal/repositories"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 200
)

// ContactLister builds the contact list and the user search results.
type ContactLister interface {
	ListContacts(ctx context.Context, principalID string) ([]models.Contact, error)
	Search(ctx context.Context, principalID, query string) ([]models.Contact, error)
}

// ChatHandler serves one-to-one threads and the contact list.
type ChatHandler struct {
	conversations repositories.ConversationStore
	contacts      ContactLister
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(conversations repositories.ConversationStore, contacts ContactLister) *ChatHandler {
	return &ChatHandler{conversations: conversations, contacts: contacts}
}

// ListContacts returns the counterparts of the caller, most recent first.
func (h *ChatHandler) ListContacts(c *gin.Context) {
	contacts, err := h.contacts.ListContacts(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err, "failed to load contacts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": withAvatars(contacts)})
}

// SearchUsers finds users by username substring.
func (h *ChatHandler) SearchUsers(c *gin.Context) {
	results, err := h.contacts.Search(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Query("q"))
	if err != nil {
		respondError(c, err, "failed to search users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": withAvatars(results)})
}

// GetThreadMessages returns the newest messages exchanged with peer_id.
func (h *ChatHandler) GetThreadMessages(c *gin.Context) {
	limit := defaultThreadLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxThreadLimit)
	}

	msgs, err := h.conversations.ThreadMessages(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Param("peer_id"), limit)
	if err != nil {
		respondError(c, err, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostThreadMessage encrypts and stores a message for peer_id. Open
// websocket subscriptions pick it up from the store.
func (h *ChatHandler) PostThreadMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal, _ := middleware.PrincipalFromContext(c)
	msg, err := h.conversations.SendMessage(c.Request.Context(), principal, c.Param("peer_id"), req.Text)
	if err != nil {
		respondError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkThreadRead marks the messages received from peer_id as read.
func (h *ChatHandler) MarkThreadRead(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	updated, err := h.conversations.MarkThreadRead(c.Request.Context(), userID, c.Param("peer_id"), userID)
	if err != nil {
		respondError(c, err, "failed to mark thread read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func withAvatars(contacts []models.Contact) []models.Contact {
	out := make([]models.Contact, 0, len(contacts))
	for _, contact := range contacts {
		contact.AvatarURL = contact.Avatar()
		out = append(out, contact)
	}
	return out
}
