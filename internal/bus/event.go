package bus

import "time"

// Event kinds published by the chat subsystem. Subscribers filter by
// namespace prefix, e.g. "chat." for everything the store emits or
// "chat.message_" for message-level changes only.
const (
	KindConversationsReplaced = "chat.conversations_replaced"
	KindConversationUpserted  = "chat.conversation_upserted"
	KindConversationRemoved   = "chat.conversation_removed"
	KindMessageAppended       = "chat.message_appended"
	KindMessageWindowReplaced = "chat.message_window_replaced"
	KindMessageStatusChanged  = "chat.message_status_changed"
	KindUnreadChanged         = "chat.unread_changed"
	KindChannelStateChanged   = "channel.state_changed"
	KindChannelUnavailable    = "channel.unavailable"
)

// Event is a domain event delivered to bus subscribers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
