package chat

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"mentorchat/internal/bus"
)

// HandleFrame dispatches one inbound live-channel frame for a conversation.
// Frames are either a status receipt, a full message, or noise; noise is
// logged and dropped without touching the connection.
func (s *Store) HandleFrame(conversationID int64, data []byte) {
	var status statusFrame
	if err := json.Unmarshal(data, &status); err != nil {
		s.logger.Warn("undecodable frame",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}
	if status.Type == "message_status" && status.MessageID != 0 {
		s.updateMessageStatus(status.MessageID, status.IsRead, status.IsDelivered)
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err == nil && msg.ID != 0 && msg.Content != "" && msg.Sender.ID != 0 {
		s.handleNewMessage(conversationID, &msg)
		return
	}

	s.logger.Warn("unrecognized frame shape", zap.Int64("conversation_id", conversationID))
}

// handleNewMessage applies an inbound message: dedup-append into the active
// window, denormalized last_message update, unread accounting, and a
// self-healing list reload when the conversation is unknown locally.
func (s *Store) handleNewMessage(conversationID int64, msg *Message) {
	s.mu.Lock()
	appended := false
	needRead := false
	if s.activeID == conversationID {
		t := true
		msg.IsDelivered = &t

		duplicate := false
		for _, m := range s.window {
			if m.ID == msg.ID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			s.window = append(s.window, msg)
			appended = true
			if msg.Sender.ID != s.selfID {
				needRead = true
			}
		}
	}

	reload := false
	conv := s.findLocked(conversationID)
	if conv != nil {
		conv.LastMessage = msg
		conv.UpdatedAt = msg.CreatedAt
		if s.activeID != conversationID {
			conv.UnreadCount++
		} else {
			conv.UnreadCount = 0
		}
	} else {
		reload = true
	}
	s.mu.Unlock()

	if appended {
		s.publish(bus.KindMessageAppended, msg)
	}
	if conv != nil {
		s.publish(bus.KindUnreadChanged, conversationID)
	}

	// Both calls leave the frame-delivery path immediately: the receipt is
	// best effort and the reload is self-healing for conversations created
	// out of band.
	if needRead {
		go s.MarkAsRead(context.Background(), conversationID)
	}
	if reload {
		go func() {
			if err := s.LoadConversations(context.Background()); err != nil {
				s.logger.Warn("conversation reload after unknown frame failed", zap.Error(err))
			}
		}()
	}
}

// updateMessageStatus applies read/delivery flags to the message in the
// window and to any conversation's denormalized last_message. Each flag is
// applied independently of the other.
func (s *Store) updateMessageStatus(messageID int64, isRead, isDelivered *bool) {
	s.mu.Lock()
	for _, m := range s.window {
		if m.ID == messageID {
			if isRead != nil {
				m.IsRead = isRead
			}
			if isDelivered != nil {
				m.IsDelivered = isDelivered
			}
			break
		}
	}
	for _, conv := range s.conversations {
		if conv.LastMessage != nil && conv.LastMessage.ID == messageID {
			if isRead != nil {
				conv.LastMessage.IsRead = isRead
			}
			if isDelivered != nil {
				conv.LastMessage.IsDelivered = isDelivered
			}
		}
	}
	s.mu.Unlock()

	s.publish(bus.KindMessageStatusChanged, messageID)
}
