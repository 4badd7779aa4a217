package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chat-vault/internal/observability"
)

const (
	kindThread   = "thread"
	writeTimeout = 10 * time.Second

	// CloseSignedOut is sent when the session behind a connection ends.
	CloseSignedOut = 4401
)

// client is one websocket connection. Writes are serialized because
// gorilla/websocket allows a single concurrent writer.
type client struct {
	conn *websocket.Conn
	info ConnInfo

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, info ConnInfo) *client {
	return &client{conn: conn, info: info}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// closeWith sends a close frame and closes the socket. Only the first call
// has an effect.
func (c *client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

// Hub tracks open thread connections by conversation id.
type Hub struct {
	rooms map[string]map[*client]struct{}
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*client]struct{})}
}

func (h *Hub) add(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
}

func (h *Hub) remove(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Count returns the open connections of a conversation.
func (h *Hub) Count(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// CloseAll closes every connection with a going-away frame.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*client
	for _, conns := range h.rooms {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	if len(all) > 0 {
		log.Info().Int("connections", len(all)).Msg("closed websocket connections")
	}
}

func publishWSEvent(ctx context.Context, event, conversationID string, info ConnInfo, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":            kindThread,
			"conversation_id": conversationID,
			"event":           event,
			"conn_id":         info.ConnID,
			"duration_ms":     time.Since(info.ConnectedAt).Milliseconds(),
			"reason":          reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(ctx, "ws_events.threads", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers)
	observability.IncWSEvent(kindThread, event)
}
