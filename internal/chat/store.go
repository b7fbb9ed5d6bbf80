package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mentorchat/internal/bus"
)

// API is the REST collaborator the store talks to. Implemented by
// transport.Client; tests substitute a fake.
type API interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string, out any) error
}

// Channels is the live-channel collaborator. Connect and Disconnect never
// fail from the store's perspective; lifecycle trouble is handled inside the
// manager. Send reports whether the frame went out on an open channel.
type Channels interface {
	Connect(conversationID int64)
	Disconnect(conversationID int64)
	DisconnectAll()
	IsConnected(conversationID int64) bool
	Send(conversationID int64, frame any) bool
}

// CreateConversationRequest is the payload for CreateConversation.
type CreateConversationRequest struct {
	Type           ConversationType `json:"conversation_type"`
	OtherUserID    *int64           `json:"other_user_id,omitempty"`
	Name           string           `json:"name,omitempty"`
	ParticipantIDs []int64          `json:"participant_ids,omitempty"`
}

func (r *CreateConversationRequest) validate() error {
	switch r.Type {
	case OneToOne:
		if r.OtherUserID == nil {
			return errors.New("one_to_one conversation requires other_user_id")
		}
	case Group:
		if r.Name == "" || len(r.ParticipantIDs) == 0 {
			return errors.New("group conversation requires name and participant_ids")
		}
	default:
		return fmt.Errorf("unknown conversation type %q", r.Type)
	}
	return nil
}

// Store holds the authoritative in-memory conversation list and the message
// window for the active conversation. It mediates between the REST API and
// the live-channel manager, and publishes change events on the bus so
// presentation layers can subscribe instead of polling.
//
// A Store is constructed explicitly and passed by reference; there is no
// package-level instance.
type Store struct {
	api      API
	channels Channels
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   int64
	pageSize int

	mu            sync.Mutex
	conversations []*Conversation
	window        []*Message
	activeID      int64
	totalMessages int
	currentOffset int
}

// NewStore creates a store bound to its collaborators. selfID is the local
// user's id, used to decide when an inbound message needs a read receipt.
// pageSize is the message page size; 0 means 50.
func NewStore(api API, channels Channels, b *bus.Bus, logger *zap.Logger, selfID int64, pageSize int) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Store{
		api:      api,
		channels: channels,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
		pageSize: pageSize,
	}
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// LoadConversations replaces the conversation list wholesale from the server.
// On failure the list is cleared and the error returned; there is no retry.
func (s *Store) LoadConversations(ctx context.Context) error {
	var convs []*Conversation
	err := s.api.Get(ctx, "/api/chat/conversations/", nil, &convs)

	s.mu.Lock()
	if err != nil {
		s.conversations = nil
		s.mu.Unlock()
		s.publish(bus.KindConversationsReplaced, 0)
		return fmt.Errorf("load conversations: %w", err)
	}
	s.conversations = convs
	n := len(convs)
	s.mu.Unlock()

	s.publish(bus.KindConversationsReplaced, n)
	return nil
}

// CreateConversation creates a conversation on the server, upserts it into
// the list (new conversations surface first) and opens its live channel.
func (s *Store) CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var conv Conversation
	if err := s.api.Post(ctx, "/api/chat/conversations/create/", &req, &conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.mu.Lock()
	replaced := false
	for i, c := range s.conversations {
		if c.ID == conv.ID {
			s.conversations[i] = &conv
			replaced = true
			break
		}
	}
	if !replaced {
		s.conversations = append([]*Conversation{&conv}, s.conversations...)
	}
	s.mu.Unlock()

	s.publish(bus.KindConversationUpserted, conv.ID)
	s.channels.Connect(conv.ID)
	return &conv, nil
}

// LoadMessages makes the conversation active and replaces the message window
// with one server page, reversed to oldest-first. On failure the window keeps
// its prior contents and the error is returned; a failed first load therefore
// looks like an empty conversation, so callers must check the error.
func (s *Store) LoadMessages(ctx context.Context, conversationID int64, limit, offset int) error {
	if limit <= 0 {
		limit = s.pageSize
	}

	s.mu.Lock()
	s.activeID = conversationID
	s.mu.Unlock()

	raw, err := s.fetchPage(ctx, conversationID, limit, offset)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	msgs, total, err := decodeMessagePage(raw)
	if err != nil {
		return fmt.Errorf("load messages: decode page: %w", err)
	}
	reverseMessages(msgs)

	s.mu.Lock()
	s.window = msgs
	if total > 0 {
		s.totalMessages = total
	} else {
		s.totalMessages = len(msgs)
	}
	s.currentOffset = offset + len(msgs)
	snapshot := append([]*Message(nil), msgs...)
	s.mu.Unlock()

	s.publish(bus.KindMessageWindowReplaced, snapshot)

	if !s.channels.IsConnected(conversationID) {
		s.channels.Connect(conversationID)
	}
	return nil
}

// LoadMoreMessages prepends the next older page to the window and returns
// how many messages were added. Once the window holds everything the server
// has, it keeps returning 0 without error.
func (s *Store) LoadMoreMessages(ctx context.Context, conversationID int64) (int, error) {
	s.mu.Lock()
	offset := s.currentOffset
	s.mu.Unlock()

	raw, err := s.fetchPage(ctx, conversationID, s.pageSize, offset)
	if err != nil {
		return 0, fmt.Errorf("load more messages: %w", err)
	}
	older, total, err := decodeMessagePage(raw)
	if err != nil {
		return 0, fmt.Errorf("load more messages: decode page: %w", err)
	}
	reverseMessages(older)

	s.mu.Lock()
	if total > 0 {
		s.totalMessages = total
	}
	s.currentOffset += len(older)
	s.window = append(older, s.window...)
	s.mu.Unlock()

	if len(older) > 0 {
		s.publish(bus.KindMessageWindowReplaced, append([]*Message(nil), older...))
	}
	return len(older), nil
}

func (s *Store) fetchPage(ctx context.Context, conversationID int64, limit, offset int) (json.RawMessage, error) {
	query := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	var raw json.RawMessage
	path := fmt.Sprintf("/api/chat/conversations/%d/messages/", conversationID)
	if err := s.api.Get(ctx, path, query, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SendMessage sends content over the live channel when one is open, otherwise
// falls back to REST. The live path is fire-and-forget and returns (nil, nil):
// the message arrives back through the channel with server-assigned fields.
// The REST path returns the created message.
func (s *Store) SendMessage(ctx context.Context, conversationID int64, content string) (*Message, error) {
	if s.channels.Send(conversationID, OutboundFrame{Type: "message", Content: content}) {
		return nil, nil
	}

	var msg Message
	path := fmt.Sprintf("/api/chat/conversations/%d/messages/send/", conversationID)
	if err := s.api.Post(ctx, path, map[string]string{"content": content}, &msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	// Sent but not yet delivered or read.
	f := false
	msg.IsDelivered = &f
	msg.IsRead = &f

	s.mu.Lock()
	appended := false
	if s.activeID == conversationID {
		s.window = append(s.window, &msg)
		appended = true
	}
	if conv := s.findLocked(conversationID); conv != nil {
		conv.LastMessage = &msg
		conv.UpdatedAt = msg.CreatedAt
	}
	s.mu.Unlock()

	if appended {
		s.publish(bus.KindMessageAppended, &msg)
	}
	s.publish(bus.KindConversationUpserted, conversationID)
	return &msg, nil
}

// SendTyping pushes a typing indicator onto the live channel. Dropped
// silently when no channel is open.
func (s *Store) SendTyping(conversationID int64, typing bool) {
	s.channels.Send(conversationID, OutboundFrame{Type: "typing", Typing: &typing})
}

// MarkAsRead posts a read receipt and zeroes the local unread count. Best
// effort: failures are logged, never returned, so they cannot block the
// read-receipt UX.
func (s *Store) MarkAsRead(ctx context.Context, conversationID int64) {
	path := fmt.Sprintf("/api/chat/conversations/%d/read/", conversationID)
	if err := s.api.Post(ctx, path, nil, nil); err != nil {
		s.logger.Warn("mark as read failed",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	if conv := s.findLocked(conversationID); conv != nil {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()

	s.publish(bus.KindUnreadChanged, conversationID)
}

// DeleteConversation deletes remotely, then removes local state and closes
// the conversation's channel. On failure local state is untouched.
func (s *Store) DeleteConversation(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/api/chat/conversations/%d/", conversationID)
	if err := s.api.Delete(ctx, path, nil); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.mu.Lock()
	kept := s.conversations[:0]
	for _, c := range s.conversations {
		if c.ID != conversationID {
			kept = append(kept, c)
		}
	}
	s.conversations = kept
	if s.activeID == conversationID {
		s.activeID = 0
		s.window = nil
	}
	s.mu.Unlock()

	s.channels.Disconnect(conversationID)
	s.publish(bus.KindConversationRemoved, conversationID)
	return nil
}

// ConnectToConversation opens the live channel for a conversation. No-op when
// live channels are disabled, unavailable or already connected.
func (s *Store) ConnectToConversation(conversationID int64) {
	s.channels.Connect(conversationID)
}

// DisconnectFromConversation closes the conversation's channel. Idempotent.
func (s *Store) DisconnectFromConversation(conversationID int64) {
	s.channels.Disconnect(conversationID)
}

// DisconnectAll closes every open channel.
func (s *Store) DisconnectAll() {
	s.channels.DisconnectAll()
}

// IsConnected reports whether a live channel is open for the conversation.
func (s *Store) IsConnected(conversationID int64) bool {
	return s.channels.IsConnected(conversationID)
}

func (s *Store) findLocked(conversationID int64) *Conversation {
	for _, c := range s.conversations {
		if c.ID == conversationID {
			return c
		}
	}
	return nil
}
