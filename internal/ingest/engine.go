// Package ingest mirrors messages flowing through the store into the local
// archive. It is decoupled from the store via the bus: the store publishes,
// the engine subscribes, and a slow disk never stalls frame dispatch.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mentorchat/internal/archive"
	"mentorchat/internal/bus"
	"mentorchat/internal/chat"
)

const previewLen = 100

// Engine subscribes to chat.message_* events and archives them idempotently.
type Engine struct {
	db     *archive.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates an ingestion engine.
func NewEngine(db *archive.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, bus: b, logger: logger}
}

// Start subscribes to message events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("chat.message_", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageAppended:
		msg, ok := evt.Payload.(*chat.Message)
		if !ok {
			return
		}
		if err := e.ArchiveMessage(msg); err != nil {
			e.logger.Error("failed to archive message", zap.Error(err), zap.Int64("message_id", msg.ID))
		}
	case bus.KindMessageWindowReplaced:
		msgs, ok := evt.Payload.([]*chat.Message)
		if !ok {
			return
		}
		if err := e.ArchiveBatch(msgs); err != nil {
			e.logger.Error("failed to archive message batch", zap.Error(err), zap.Int("count", len(msgs)))
		}
	}
}

// ArchiveMessage stores a single message and refreshes its conversation row.
// Idempotent per (conversation, message id).
func (e *Engine) ArchiveMessage(msg *chat.Message) error {
	if err := e.db.UpsertConversation(&archive.Conversation{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.CreatedAt.UnixMilli(),
		LastMessagePreview: truncate(msg.Content, previewLen),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := e.db.UpsertMessage(toRow(msg)); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// ArchiveBatch stores a page of messages in one transaction.
func (e *Engine) ArchiveBatch(msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, msg := range msgs {
		row := toRow(msg)
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, message_id, sender_id, sender_name, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, message_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				content = excluded.content`,
			row.ConversationID, row.MessageID, row.SenderID, row.SenderName, row.Content, row.CreatedAt); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func toRow(msg *chat.Message) *archive.Message {
	return &archive.Message{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.Sender.ID,
		SenderName:     msg.Sender.Name,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.UnixMilli(),
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
