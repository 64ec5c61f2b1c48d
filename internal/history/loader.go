// Package history exposes a bounded, backward-expanding window over a chat's
// message sequence for the view that renders it.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSize is the number of messages revealed per step.
const DefaultSize = 15

// Source is the message sequence the loader reads from. *chat.Store implements it.
type Source interface {
	MessageCount(chatID string) (int, bool)
	MessagesRange(chatID string, from, to int) ([]chat.Message, bool)
}

// Delay models the asynchronous fetch. It returns early with ctx's error when
// the load is abandoned.
type Delay func(ctx context.Context) error

// Sleep returns a Delay that waits d.
func Sleep(d time.Duration) Delay {
	return func(ctx context.Context) error {
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
}

// Window is the visible suffix messages[Start:Total] of a chat.
type Window struct {
	ChatID   string
	Start    int
	Total    int
	Messages []chat.Message
}

// HasMore reports whether older messages remain hidden.
func (w Window) HasMore() bool { return w.Start > 0 }

// Expansion is the payload for history.window_expanded events.
type Expansion struct {
	ChatID string
	From   int
	To     int
	Total  int
}

type view struct {
	epoch  uint64
	start  int
	ctx    context.Context
	cancel context.CancelFunc
}

// Loader tracks the visible window of each open chat.
type Loader struct {
	src    Source
	size   int
	delay  Delay
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.Mutex
	open  map[string]*view
	epoch uint64

	group singleflight.Group
}

// NewLoader creates a loader revealing size messages per step. A nil delay
// resolves immediately.
func NewLoader(src Source, size int, delay Delay, b *bus.Bus, logger *zap.Logger) *Loader {
	if size <= 0 {
		size = DefaultSize
	}
	if delay == nil {
		delay = Sleep(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		src:    src,
		size:   size,
		delay:  delay,
		bus:    b,
		logger: logger,
		open:   make(map[string]*view),
	}
}

// InitialWindow returns the most recent messages of a chat without opening it.
func (l *Loader) InitialWindow(chatID string) Window {
	total, ok := l.src.MessageCount(chatID)
	if !ok {
		return Window{}
	}
	return l.read(chatID, max(total-l.size, 0))
}

// Open starts tracking a chat and returns its initial window. Reopening an
// open chat resets its window and abandons in-flight loads.
func (l *Loader) Open(chatID string) (Window, error) {
	total, ok := l.src.MessageCount(chatID)
	if !ok {
		return Window{}, fmt.Errorf("open %q: %w", chatID, chat.ErrChatNotFound)
	}

	l.mu.Lock()
	if old, ok := l.open[chatID]; ok {
		old.cancel()
	}
	l.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	v := &view{epoch: l.epoch, start: max(total-l.size, 0), ctx: ctx, cancel: cancel}
	l.open[chatID] = v
	start := v.start
	l.mu.Unlock()

	return l.read(chatID, start), nil
}

// Close stops tracking a chat. Loads still in flight are abandoned and their
// results discarded.
func (l *Loader) Close(chatID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.open[chatID]; ok {
		v.cancel()
		delete(l.open, chatID)
	}
}

// Window returns the current window of an open chat. Messages appended since
// the chat was opened are included.
func (l *Loader) Window(chatID string) (Window, bool) {
	l.mu.Lock()
	v, ok := l.open[chatID]
	var start int
	if ok {
		start = v.start
	}
	l.mu.Unlock()
	if !ok {
		return Window{}, false
	}
	return l.read(chatID, start), true
}

// LoadMore extends the window of an open chat backward by one step after the
// fetch delay. Concurrent calls for the same chat share one expansion. Once
// history is exhausted it returns the full window immediately. A chat that is
// not open yields an empty window and no error.
//
// ctx only bounds the wait. A caller that gives up returns ctx.Err(), but the
// shared expansion runs on under the chat's own lifetime and still moves the
// window back; only Close or a reopen discards it.
func (l *Loader) LoadMore(ctx context.Context, chatID string) (Window, error) {
	l.mu.Lock()
	v, ok := l.open[chatID]
	if !ok {
		l.mu.Unlock()
		return Window{}, nil
	}
	epoch, start := v.epoch, v.start
	l.mu.Unlock()

	if start == 0 {
		return l.read(chatID, 0), nil
	}

	key := fmt.Sprintf("%s#%d", chatID, epoch)
	ch := l.group.DoChan(key, func() (any, error) {
		return l.expand(v, chatID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Window{}, res.Err
		}
		return res.Val.(Window), nil
	case <-ctx.Done():
		return Window{}, ctx.Err()
	}
}

func (l *Loader) expand(v *view, chatID string) (Window, error) {
	if err := l.delay(v.ctx); err != nil {
		l.logger.Debug("load abandoned", zap.String("chat_id", chatID), zap.Error(err))
		return Window{}, nil
	}

	l.mu.Lock()
	cur, ok := l.open[chatID]
	if !ok || cur.epoch != v.epoch {
		l.mu.Unlock()
		l.logger.Debug("discarding stale load", zap.String("chat_id", chatID))
		return Window{}, nil
	}
	from := cur.start
	cur.start = max(cur.start-l.size, 0)
	to := cur.start
	l.mu.Unlock()

	w := l.read(chatID, to)
	l.bus.Publish(bus.Event{
		Kind:      bus.KindWindowExpanded,
		Timestamp: time.Now(),
		Payload:   Expansion{ChatID: chatID, From: from, To: to, Total: w.Total},
	})
	return w, nil
}

func (l *Loader) read(chatID string, start int) Window {
	total, ok := l.src.MessageCount(chatID)
	if !ok {
		return Window{}
	}
	start = min(start, total)
	msgs, _ := l.src.MessagesRange(chatID, start, total)
	// Appends between the two reads are dropped rather than miscounted.
	return Window{ChatID: chatID, Start: start, Total: start + len(msgs), Messages: msgs}
}
