package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-vault/internal/cipher"
	"chat-vault/internal/conversation"
	"chat-vault/internal/docstore"
	"chat-vault/internal/identity"
	"chat-vault/internal/models"
	"chat-vault/internal/repositories"
	"chat-vault/internal/session"
)

type testServer struct {
	url      string
	hub      *Hub
	provider *identity.Provider
	messages *repositories.MessageRepo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := docstore.NewMemoryStore(nil)
	c, err := cipher.NewFromKey(bytes.Repeat([]byte{5}, cipher.KeySize))
	require.NoError(t, err)

	provider := identity.NewProvider(store, repositories.NewUserRepo(store), identity.Config{
		Password: identity.PasswordParams{Time: 1, Memory: 64, Threads: 1},
	})
	resolver := session.NewResolver(provider)
	messages := repositories.NewMessageRepo(store, c)
	hub := NewHub()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/threads/:peer_id", NewThreadWebSocketHandler(hub, messages, resolver).Handle)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		resolver.Close()
		store.Close()
	})
	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:      hub,
		provider: provider,
		messages: messages,
	}
}

func (s *testServer) signUp(t *testing.T, username string) (string, models.Principal) {
	t.Helper()
	token, principal, err := s.provider.SignUp(context.Background(), identity.SignUpRequest{
		Email:           username + "@example.com",
		Password:        "secret123",
		ConfirmPassword: "secret123",
		Username:        username,
		DateOfBirth:     time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return token, principal
}

func (s *testServer) dial(t *testing.T, token, peerID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"/ws/threads/"+peerID, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type     string           `json:"type"`
	Messages []models.Message `json:"messages"`
	Message  *models.Message  `json:"message"`
	Updated  int              `json:"updated"`
	Error    string           `json:"error"`
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if match(f) {
			return f
		}
	}
}

func snapshotWith(n int) func(frame) bool {
	return func(f frame) bool { return f.Type == "snapshot" && len(f.Messages) == n }
}

func TestThreadStreamsSnapshotsAndCommands(t *testing.T) {
	srv := newTestServer(t)
	aliceToken, alice := srv.signUp(t, "alice")
	_, bob := srv.signUp(t, "bob")

	conn := srv.dial(t, aliceToken, bob.ID)
	readUntil(t, conn, snapshotWith(0))
	require.Eventually(t, func() bool {
		return srv.hub.Count(conversation.DeriveID(alice.ID, bob.ID)) == 1
	}, time.Second, 10*time.Millisecond)

	_, err := srv.messages.SendMessage(context.Background(), bob, alice.ID, "hi alice")
	require.NoError(t, err)
	snap := readUntil(t, conn, snapshotWith(1))
	assert.Equal(t, "hi alice", snap.Messages[0].Text)
	assert.False(t, snap.Messages[0].IsRead)

	require.NoError(t, conn.WriteJSON(models.ThreadCommand{Type: "send", Text: "hi bob"}))
	// The ack and the resulting snapshot may arrive in either order.
	var sent *models.Message
	readUntil(t, conn, func(f frame) bool {
		switch {
		case f.Type == "sent":
			sent = f.Message
		case snapshotWith(2)(f):
			snap = f
		}
		return sent != nil && len(snap.Messages) == 2
	})
	assert.Equal(t, alice.ID, sent.SenderID)
	assert.Equal(t, "hi bob", snap.Messages[0].Text)

	require.NoError(t, conn.WriteJSON(models.ThreadCommand{Type: "read"}))
	read := readUntil(t, conn, func(f frame) bool { return f.Type == "read" })
	assert.Equal(t, 1, read.Updated)

	require.NoError(t, conn.WriteJSON(models.ThreadCommand{Type: "send", Text: "  "}))
	failed := readUntil(t, conn, func(f frame) bool { return f.Type == "error" })
	assert.Equal(t, "message text cannot be empty", failed.Error)

	require.NoError(t, conn.WriteJSON(models.ThreadCommand{Type: "shout"}))
	unknown := readUntil(t, conn, func(f frame) bool { return f.Type == "error" })
	assert.Equal(t, "unknown command", unknown.Error)
}

func TestThreadRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t)
	token, _ := srv.signUp(t, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(srv.url+"/ws/threads/bob", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(srv.url+"/ws/threads/a_b?token="+token, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryTokenIsAccepted(t *testing.T) {
	srv := newTestServer(t)
	token, _ := srv.signUp(t, "alice")

	conn, _, err := websocket.DefaultDialer.Dial(srv.url+"/ws/threads/someone?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, snapshotWith(0))
}

func TestSignOutClosesConnection(t *testing.T) {
	srv := newTestServer(t)
	token, alice := srv.signUp(t, "alice")
	_, bob := srv.signUp(t, "bob")

	conn := srv.dial(t, token, bob.ID)
	readUntil(t, conn, snapshotWith(0))

	require.NoError(t, srv.provider.SignOut(context.Background(), token))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, CloseSignedOut), "got %v", err)
	require.Eventually(t, func() bool {
		return srv.hub.Count(conversation.DeriveID(alice.ID, bob.ID)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCloseAll(t *testing.T) {
	srv := newTestServer(t)
	token, _ := srv.signUp(t, "alice")
	conn := srv.dial(t, token, "bob")
	readUntil(t, conn, snapshotWith(0))

	srv.hub.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestHubAddAndRemove(t *testing.T) {
	hub := NewHub()
	c := &client{}

	hub.add("a_b", c)
	assert.Equal(t, 1, hub.Count("a_b"))

	hub.remove("a_b", c)
	hub.remove("a_b", c)
	assert.Equal(t, 0, hub.Count("a_b"))
	assert.Empty(t, hub.rooms)
}
