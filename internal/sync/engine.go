package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// HistoryBatch is the payload for remote.history_batch events.
type HistoryBatch struct {
	ChatID   string
	Messages []chat.Inbound
}

// Engine handles idempotent ingestion of messages authored elsewhere.
// It subscribes to "remote." events on the bus and applies them to the store.
type Engine struct {
	store  *chat.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new ingestion engine.
func NewEngine(s *chat.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  s,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("remote.", 256)

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
	case bus.KindRemoteMessage:
		in, ok := evt.Payload.(chat.Inbound)
		if !ok {
			return
		}
		if _, err := e.IngestMessage(in); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", in.ID))
		}
	case bus.KindRemoteHistoryBatch:
		batch, ok := evt.Payload.(HistoryBatch)
		if !ok {
			return
		}
		n, err := e.IngestHistoryBatch(batch.ChatID, batch.Messages)
		if err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(batch.Messages)))
		} else {
			e.logger.Info("history batch ingested", zap.Int("messages", n))
		}
	}
}

// IngestMessage appends one inbound message (idempotent). A message for an
// unknown chat opens a direct chat with its author.
func (e *Engine) IngestMessage(in chat.Inbound) (bool, error) {
	if err := e.ensureChat(in.ChatID, in.AuthorID); err != nil {
		return false, err
	}
	_, added, err := e.store.Ingest(in)
	if err != nil {
		return added, fmt.Errorf("ingest: %w", err)
	}
	return added, nil
}

// IngestHistoryBatch appends a batch of older messages to one chat and returns
// how many were new.
func (e *Engine) IngestHistoryBatch(chatID string, msgs []chat.Inbound) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := e.ensureChat(chatID, msgs[0].AuthorID); err != nil {
		return 0, err
	}
	n, err := e.store.IngestBatch(chatID, msgs)
	if err != nil {
		return n, fmt.Errorf("ingest batch: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindHistoryBatch,
		Timestamp: time.Now(),
		Payload: map[string]int{
			"messages_count": n,
			"received_count": len(msgs),
		},
	})
	return n, nil
}

func (e *Engine) ensureChat(chatID, authorID string) error {
	if _, ok := e.store.MessageCount(chatID); ok {
		return nil
	}
	self := e.store.UserID()
	if authorID == "" || authorID == self {
		return fmt.Errorf("ingest into %q: %w", chatID, chat.ErrChatNotFound)
	}
	_, err := e.store.CreateConversation(chat.Conversation{
		ID:           chatID,
		Kind:         chat.KindDirect,
		Name:         authorID,
		Participants: []chat.Participant{{UserID: self}, {UserID: authorID}},
	})
	if err != nil && !errors.Is(err, chat.ErrChatExists) && !errors.Is(err, chat.ErrNotDurable) {
		return fmt.Errorf("open chat %q: %w", chatID, err)
	}
	e.logger.Info("opened chat for inbound message", zap.String("chat_id", chatID), zap.String("author", authorID))
	return nil
}
