package models

import "time"

// DeliveryStatus tracks how far a message has progressed toward the server
// and other participants.
type DeliveryStatus int

const (
	StatusSending DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

// String returns the string representation of a DeliveryStatus.
func (s DeliveryStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReplyRef is a value copy of the message being replied to. Copying the
// fields instead of holding a pointer keeps the reference valid even if
// the original message is deleted later.
type ReplyRef struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  string `json:"author"`
}

// Message represents a chat message in the session.
type Message struct {
	ID             string              `json:"id"`
	Content        string              `json:"content"`
	AuthorID       string              `json:"author_id"`
	AuthorDisplay  string              `json:"author_display"`
	CreatedAt      time.Time           `json:"created_at"`
	DeliveryStatus DeliveryStatus      `json:"delivery_status"`
	Reactions      map[string][]string `json:"reactions,omitempty"` // emoji -> reacting user IDs
	IsPinned       bool                `json:"is_pinned"`
	IsEdited       bool                `json:"is_edited"`
	RepliedTo      *ReplyRef           `json:"replied_to,omitempty"`
}

// ToggleReaction adds userID to the emoji's reactor set, or removes it if
// already present. The emoji key is dropped once its set becomes empty.
// Returns true if the reaction is present after the call.
func (m *Message) ToggleReaction(emoji, userID string) bool {
	for i, id := range m.Reactions[emoji] {
		if id == userID {
			users := append(m.Reactions[emoji][:i], m.Reactions[emoji][i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return false
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (m *Message) Clone() Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			c.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	if m.RepliedTo != nil {
		ref := *m.RepliedTo
		c.RepliedTo = &ref
	}
	return c
}

// MessagePage is one page of message history returned by the history API.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
