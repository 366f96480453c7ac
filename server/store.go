package server

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"relaychat/models"
)

// Store persists messages so the history API can page through them.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed creates) the sqlite database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		reply_to TEXT DEFAULT '',
		is_pinned INTEGER NOT NULL DEFAULT 0,
		is_edited INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage inserts a message.
func (s *Store) SaveMessage(conversationID string, msg models.Message, replyTo string) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, user_id, display_name, content, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.AuthorID, msg.AuthorDisplay, msg.Content, replyTo, msg.CreatedAt,
	)
	return err
}

// UpdateMessage rewrites a message's content and marks it edited.
func (s *Store) UpdateMessage(id, content string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET content = ?, is_edited = 1 WHERE id = ?`, content, id)
	return err
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// TogglePin flips a message's pinned flag.
func (s *Store) TogglePin(id string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET is_pinned = CASE is_pinned WHEN 0 THEN 1 ELSE 0 END WHERE id = ?`, id)
	return err
}

// GetMessages returns one page of a conversation's history, newest
// first, and whether older pages remain.
func (s *Store) GetMessages(conversationID string, page, limit int) ([]models.Message, bool, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	// Fetch one extra row to learn whether another page exists.
	rows, err := s.db.Query(
		`SELECT id, user_id, display_name, content, is_pinned, is_edited, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?`,
		conversationID, limit+1, offset,
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var pinned, edited int
		var created time.Time
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.AuthorDisplay, &m.Content, &pinned, &edited, &created); err != nil {
			return nil, false, err
		}
		m.IsPinned = pinned != 0
		m.IsEdited = edited != 0
		m.CreatedAt = created
		m.DeliveryStatus = models.StatusDelivered
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	return messages, hasMore, nil
}

// Conversations lists the conversations that have messages.
func (s *Store) Conversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, COUNT(*) FROM messages GROUP BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var count int
		if err := rows.Scan(&c.ID, &count); err != nil {
			return nil, err
		}
		c.Title = c.ID
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}
