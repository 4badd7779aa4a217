package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/conversation"
	"chat-vault/internal/models"
	"chat-vault/internal/observability"
	"chat-vault/internal/repositories"
	"chat-vault/internal/session"
)

// SessionOpener opens a live session for a bearer token.
type SessionOpener interface {
	Open(ctx context.Context, token string) (*session.Session, error)
}

// ThreadWebSocketHandler streams a one-to-one thread to a client and
// accepts send and read commands from it.
type ThreadWebSocketHandler struct {
	hub           *Hub
	conversations repositories.ConversationStore
	sessions      SessionOpener
}

// NewThreadWebSocketHandler constructs a ThreadWebSocketHandler.
func NewThreadWebSocketHandler(hub *Hub, conversations repositories.ConversationStore, sessions SessionOpener) *ThreadWebSocketHandler {
	return &ThreadWebSocketHandler{hub: hub, conversations: conversations, sessions: sessions}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and subscribes it to the thread with
// peer_id.
func (h *ThreadWebSocketHandler) Handle(c *gin.Context) {
	peerID := c.Param("peer_id")
	if !conversation.ValidParticipantID(peerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	ctx, span := otel.Tracer("chat-vault/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	sess, err := h.sessions.Open(ctx, tokenFromRequest(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	principal, ok := sess.Current()
	if !ok {
		sess.Close()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	conversationID := conversation.DeriveID(principal.ID, peerID)
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sess.Close()
		return
	}
	traceID := span.SpanContext().TraceID().String()
	meta := observability.ClientFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      principal.ID,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	cl := newClient(conn, info)
	h.hub.add(conversationID, cl)

	observability.IncWSActive(kindThread)
	publishWSEvent(ctx, "ws_connect", conversationID, info, "")

	// The request context ends when Handle returns.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go h.serve(connCtx, cancel, cl, sess, peerID, conversationID)
}

func (h *ThreadWebSocketHandler) serve(ctx context.Context, cancel context.CancelFunc, cl *client, sess *session.Session, peerID, conversationID string) {
	var closeReason string
	offChange := sess.OnChange(func(_ models.Principal, ok bool) {
		if !ok {
			cancel()
			cl.closeWith(CloseSignedOut, "signed out")
		}
	})

	unsubscribe, err := h.conversations.SubscribeThread(ctx, cl.info.UserID, peerID, func(snap models.ThreadSnapshot) {
		var werr error
		if snap.Err != nil {
			werr = cl.writeJSON(models.ThreadEvent{Type: "error", ConversationID: conversationID, Error: apperrors.MessageOf(snap.Err, "failed to load messages")})
		} else {
			msgs := snap.Messages
			if msgs == nil {
				msgs = []models.Message{}
			}
			werr = cl.writeJSON(models.SnapshotEvent{Type: "snapshot", ConversationID: conversationID, Messages: msgs})
		}
		if werr != nil {
			log.Debug().Err(werr).Str("conn_id", cl.info.ConnID).Msg("websocket snapshot write failed")
			cancel()
		}
	})
	if err != nil {
		_ = cl.writeJSON(models.ThreadEvent{Type: "error", ConversationID: conversationID, Error: apperrors.MessageOf(err, "failed to subscribe")})
		unsubscribe = func() {}
		closeReason = "subscribe failed"
		cl.closeWith(websocket.CloseInternalServerErr, closeReason)
	}

	defer func() {
		cancel()
		unsubscribe()
		offChange()
		sess.Close()
		h.hub.remove(conversationID, cl)
		observability.DecWSActive(kindThread)
		publishWSEvent(context.WithoutCancel(ctx), "ws_disconnect", conversationID, cl.info, closeReason)
		cl.closeWith(websocket.CloseNormalClosure, "")
	}()

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if closeReason == "" {
				closeReason = err.Error()
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				publishWSEvent(ctx, "ws_error", conversationID, cl.info, closeReason)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var cmd models.ThreadCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = cl.writeJSON(models.ThreadEvent{Type: "error", Error: "invalid command"})
			continue
		}
		h.dispatch(ctx, cl, sess, peerID, conversationID, cmd)
	}
}

func (h *ThreadWebSocketHandler) dispatch(ctx context.Context, cl *client, sess *session.Session, peerID, conversationID string, cmd models.ThreadCommand) {
	principal, ok := sess.Current()
	if !ok {
		cl.closeWith(CloseSignedOut, "signed out")
		return
	}

	switch cmd.Type {
	case "send":
		msg, err := h.conversations.SendMessage(ctx, principal, peerID, cmd.Text)
		if err != nil {
			_ = cl.writeJSON(models.ThreadEvent{Type: "error", ConversationID: conversationID, Error: apperrors.MessageOf(err, "failed to send message")})
			return
		}
		_ = cl.writeJSON(models.ThreadEvent{Type: "sent", ConversationID: conversationID, Message: &msg})
	case "read":
		updated, err := h.conversations.MarkThreadRead(ctx, principal.ID, peerID, principal.ID)
		if err != nil {
			_ = cl.writeJSON(models.ThreadEvent{Type: "error", ConversationID: conversationID, Error: apperrors.MessageOf(err, "failed to mark thread read")})
			return
		}
		_ = cl.writeJSON(models.ThreadEvent{Type: "read", ConversationID: conversationID, Updated: updated})
	default:
		_ = cl.writeJSON(models.ThreadEvent{Type: "error", ConversationID: conversationID, Error: "unknown command"})
	}
}
