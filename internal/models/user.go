package models

import (
	"net/url"
	"time"
)

// DefaultAvatarBase renders an avatar from a username when the user has not
// set one.
const DefaultAvatarBase = "https://avatar.iran.liara.run/username"

// Principal is the authenticated user as seen by the rest of the service.
type Principal struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Avatar returns the principal's avatar or the generated fallback.
func (p Principal) Avatar() string {
	if p.AvatarURL != "" {
		return p.AvatarURL
	}
	return DefaultAvatarBase + "?username=" + url.QueryEscape(p.DisplayName)
}

// UserProfile is the persisted shape of a document in the "users"
// collection.
type UserProfile struct {
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Avatar    *string   `json:"avatar"`
	CreatedAt Timestamp `json:"createdAt"`
}

// Principal projects a stored profile onto a Principal.
func (u UserProfile) Principal() Principal {
	p := Principal{ID: u.UID, Email: u.Email, DisplayName: u.Username}
	if u.Avatar != nil {
		p.AvatarURL = *u.Avatar
	}
	return p
}

// Contact is a counterparty with whom the principal has a conversation,
// with the latest message of that conversation.
type Contact struct {
	Principal
	LastMessage              string     `json:"last_message"`
	LastMessageAt            *time.Time `json:"last_message_at,omitempty"`
	LastMessageUndecryptable bool       `json:"last_message_undecryptable,omitempty"`
	LastMessageFromPrincipal bool       `json:"last_message_from_me,omitempty"`
	Unread                   bool       `json:"unread,omitempty"`
}
