package archive

import (
	"time"
)

// Message is an archived message row. CreatedAt is unix milliseconds.
type Message struct {
	RowID          int64
	ConversationID int64
	MessageID      int64
	SenderID       int64
	SenderName     string
	Content        string
	CreatedAt      int64
}

// Conversation is an archived conversation row.
type Conversation struct {
	ID                 int64
	Type               string
	Name               string
	LastMessageAt      int64
	LastMessagePreview string
}

// SearchResult holds an archived message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// UpsertConversation inserts or refreshes a conversation row. The newest
// last_message_at wins so replayed history cannot roll the preview back.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, conversation_type, name, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_type = CASE WHEN excluded.conversation_type != '' THEN excluded.conversation_type ELSE conversations.conversation_type END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Type, c.Name, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// UpsertMessage inserts a message row, updating content and sender name on
// replay. Idempotent per (conversation_id, message_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, message_id, sender_id, sender_name, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content`,
		m.ConversationID, m.MessageID, m.SenderID, m.SenderName, m.Content, m.CreatedAt)
	return err
}

// ListMessages returns archived messages for a conversation, newest first.
func (db *DB) ListMessages(conversationID int64, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, message_id, sender_id, sender_name, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ConversationID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns how many messages the archive holds for a conversation.
func (db *DB) CountMessages(conversationID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
