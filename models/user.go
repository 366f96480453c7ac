package models

import "time"

// Identity is the current user as seen by the session layer. The auth
// layer that produces it is outside this module.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// TypingUser is a participant who recently sent a typing indicator.
type TypingUser struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	LastTypingAt time.Time `json:"last_typing_at"`
}

// Conversation is an opaque handle for scoping message history. The core
// never mutates it beyond the unread counter.
type Conversation struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
	UnreadCount  int      `json:"unread_count"`
}
