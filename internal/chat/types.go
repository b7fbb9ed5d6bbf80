package chat

import "time"

// ConversationType distinguishes direct chats from group chats.
type ConversationType string

const (
	OneToOne ConversationType = "one_to_one"
	Group    ConversationType = "group"
)

// User is a chat participant as the platform reports it. The chat subsystem
// never mutates users; the identity service owns them.
type User struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Mobile      string `json:"mobile"`
	AccountType string `json:"account_type"`
}

// Message is a single chat message. The delivery flags are tri-state:
// nil means the server did not report them.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation"`
	Sender         User       `json:"sender"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	IsDelivered    *bool      `json:"is_delivered,omitempty"`
	IsRead         *bool      `json:"is_read,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Conversation is a chat thread. LastMessage is a denormalized pointer owned
// by the conversation and overwritten on new arrivals.
type Conversation struct {
	ID           int64            `json:"id"`
	Type         ConversationType `json:"conversation_type"`
	Name         string           `json:"name,omitempty"`
	CreatedBy    int64            `json:"created_by"`
	Participants []User           `json:"participants"`
	LastMessage  *Message         `json:"last_message,omitempty"`
	UnreadCount  int              `json:"unread_count"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
