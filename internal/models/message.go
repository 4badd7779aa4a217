package models

import "time"

// MessageRecord is the persisted shape of a document in the "chats"
// collection. Text holds ciphertext only.
type MessageRecord struct {
	ID             string     `json:"_id"`
	CreatedAt      Timestamp  `json:"createdAt"`
	Text           string     `json:"text"`
	User           RecordUser `json:"user"`
	Participants   []string   `json:"participants"`
	ConversationID string     `json:"conversationId"`
	IsRead         bool       `json:"isRead"`
}

// RecordUser identifies the sender inside a MessageRecord.
type RecordUser struct {
	ID     string `json:"_id"`
	Avatar string `json:"avatar"`
}

// Message is a decrypted chat message. Undecryptable is set, and Text left
// empty, when the stored body could not be opened with the current key.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderAvatar   string    `json:"sender_avatar,omitempty"`
	Participants   []string  `json:"participants"`
	Text           string    `json:"text"`
	Undecryptable  bool      `json:"undecryptable,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// ThreadSnapshot is one push of a live thread subscription: the full,
// newest-first message list, or Err when the store failed to produce it.
type ThreadSnapshot struct {
	ConversationID string
	Messages       []Message
	Err            error
}

// ThreadEvent is written to websocket clients: "sent", "read" and "error".
type ThreadEvent struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        *Message `json:"message,omitempty"`
	Updated        int      `json:"updated,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// SnapshotEvent carries the full current thread, newest first.
type SnapshotEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// ThreadCommand is read from websocket clients.
type ThreadCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
