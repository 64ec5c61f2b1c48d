// Package delivery provides implementations of the remote delivery capability.
package delivery

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/chat"
	csync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Wait blocks for d or until ctx ends.
type Wait func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Simulated accepts every message after a fixed delay, except messages longer
// than the configured limit, which are rejected permanently.
type Simulated struct {
	delay  time.Duration
	maxLen int
	wait   Wait
	logger *zap.Logger
}

// NewSimulated creates a simulated capability. maxTextLength <= 0 disables
// rejection.
func NewSimulated(delay time.Duration, maxTextLength int, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{delay: delay, maxLen: maxTextLength, wait: sleep, logger: logger}
}

// WithWait replaces the delay function, e.g. with one that returns at once.
func (s *Simulated) WithWait(w Wait) *Simulated {
	s.wait = w
	return s
}

func (s *Simulated) AttemptDelivery(ctx context.Context, m chat.Message) (csync.Outcome, error) {
	if err := s.wait(ctx, s.delay); err != nil {
		return 0, err
	}
	if tooLong(m.Text, s.maxLen) {
		s.logger.Debug("simulated rejection", zap.String("msg_id", m.ID), zap.Int("runes", utf8.RuneCountInString(m.Text)))
		return csync.RejectedPermanently, nil
	}
	return csync.Accepted, nil
}

func tooLong(text string, limit int) bool {
	return limit > 0 && utf8.RuneCountInString(text) > limit
}
