package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	csync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannelPrefix namespaces per-conversation relay channels.
const DefaultChannelPrefix = "channel:conversation:"

// Envelope is the JSON document published on a conversation channel.
type Envelope struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	AuthorID  string `json:"author_id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

// RedisRelay delivers messages by publishing them on a Redis channel per
// conversation and turns messages published by other devices into inbound
// events.
type RedisRelay struct {
	client *redis.Client
	prefix string
	maxLen int
	logger *zap.Logger
}

// NewRedisClient creates a client for addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedisRelay creates a relay over client. maxTextLength <= 0 disables
// rejection.
func NewRedisRelay(client *redis.Client, prefix string, maxTextLength int, logger *zap.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, prefix: prefix, maxLen: maxTextLength, logger: logger}
}

// Channel returns the relay channel of a conversation.
func (r *RedisRelay) Channel(chatID string) string {
	return r.prefix + chatID
}

// Close releases the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// AttemptDelivery publishes m. Messages the relay refuses to carry are
// rejected permanently; a publish error is transient.
func (r *RedisRelay) AttemptDelivery(ctx context.Context, m chat.Message) (csync.Outcome, error) {
	if tooLong(m.Text, r.maxLen) || m.ChatID == "" {
		return csync.RejectedPermanently, nil
	}
	payload, err := json.Marshal(Envelope{
		ID:        m.ID,
		ChatID:    m.ChatID,
		AuthorID:  m.AuthorID,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return csync.RejectedPermanently, nil
	}
	if err := r.client.Publish(ctx, r.Channel(m.ChatID), payload).Err(); err != nil {
		return 0, fmt.Errorf("publish %s: %w", m.ID, err)
	}
	return csync.Accepted, nil
}

// Listen subscribes to every conversation channel and publishes messages from
// other authors on b as remote.message events until ctx ends.
func (r *RedisRelay) Listen(ctx context.Context, b *bus.Bus, self string) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer func() { _ = sub.Close() }()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		in, ok := r.decode(msg.Channel, msg.Payload)
		if !ok || in.AuthorID == self {
			continue
		}
		b.Publish(bus.Event{
			Kind:      bus.KindRemoteMessage,
			Timestamp: time.Now(),
			Payload:   in,
		})
	}
}

func (r *RedisRelay) decode(channel, payload string) (chat.Inbound, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("dropping malformed relay message", zap.String("channel", channel), zap.Error(err))
		return chat.Inbound{}, false
	}
	chatID := strings.TrimPrefix(channel, r.prefix)
	if env.ChatID != "" && env.ChatID != chatID {
		r.logger.Warn("relay message on foreign channel", zap.String("channel", channel), zap.String("chat_id", env.ChatID))
		return chat.Inbound{}, false
	}
	if env.ID == "" {
		return chat.Inbound{}, false
	}
	in := chat.Inbound{ID: env.ID, ChatID: chatID, AuthorID: env.AuthorID, Text: env.Text}
	if env.CreatedAt > 0 {
		in.CreatedAt = time.UnixMilli(env.CreatedAt)
	}
	return in, true
}
