package outbox

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Entry is a queued outgoing message. It references the message by id only;
// the message itself is owned by the conversation store.
type Entry struct {
	MessageID  string
	ChatID     string
	Position   int64
	EnqueuedAt time.Time
}

// Checkpointer persists the entry list. *store.DB implements it.
type Checkpointer interface {
	ReplaceOutbox(entries []store.OutboxEntry) error
	LoadOutbox() ([]store.OutboxEntry, error)
	DeleteOutboxEntry(messageID string) error
}

// Queue is an ordered set of pending outgoing messages keyed by message id.
// The in-memory queue is authoritative. Delete settles one entry durably;
// Persist writes the whole list out and is reserved for repair.
type Queue struct {
	mu      sync.Mutex
	entries map[string]Entry
	next    int64
	cp      Checkpointer
	now     func() time.Time
	logger  *zap.Logger
}

// NewQueue creates an empty queue. cp may be nil, in which case Persist and
// Restore are no-ops.
func NewQueue(cp Checkpointer, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		entries: make(map[string]Entry),
		next:    1,
		cp:      cp,
		now:     time.Now,
		logger:  logger,
	}
}

// Enqueue appends a message to the tail of the queue. Enqueueing an id that is
// already queued returns the existing entry and false.
func (q *Queue) Enqueue(messageID, chatID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[messageID]; ok {
		return e, false
	}
	e := Entry{
		MessageID:  messageID,
		ChatID:     chatID,
		Position:   q.next,
		EnqueuedAt: q.now(),
	}
	q.next++
	q.entries[messageID] = e
	return e, true
}

// Drain returns the entries queued at call time in enqueue order. The sequence
// is lazy and can be ranged over more than once; it never mutates the queue,
// so removals made while ranging do not disturb iteration.
func (q *Queue) Drain() iter.Seq[Entry] {
	snapshot := q.Entries()
	return func(yield func(Entry) bool) {
		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// Remove deletes an entry. It reports whether the entry was present.
func (q *Queue) Remove(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[messageID]; !ok {
		return false
	}
	delete(q.entries, messageID)
	return true
}

// Delete removes an entry and its persisted row. The in-memory removal stands
// even when the row could not be deleted; Restore repairs the leftover row.
func (q *Queue) Delete(messageID string) (bool, error) {
	if !q.Remove(messageID) {
		return false, nil
	}
	if q.cp == nil {
		return true, nil
	}
	if err := q.cp.DeleteOutboxEntry(messageID); err != nil {
		q.logger.Warn("outbox delete failed", zap.String("msg_id", messageID), zap.Error(err))
		return true, fmt.Errorf("delete outbox entry: %w", err)
	}
	return true, nil
}

// HasChat reports whether any entry of the chat is queued.
func (q *Queue) HasChat(chatID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ChatID == chatID {
			return true
		}
	}
	return false
}

// Reset replaces the in-memory queue with entries, keeping their positions.
func (q *Queue) Reset(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]Entry, len(entries))
	q.next = 1
	for _, e := range entries {
		q.entries[e.MessageID] = e
		if e.Position >= q.next {
			q.next = e.Position + 1
		}
	}
}

// Contains reports whether the message is queued.
func (q *Queue) Contains(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[messageID]
	return ok
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries in enqueue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Position < b.Position:
			return -1
		case a.Position > b.Position:
			return 1
		}
		return 0
	})
	return out
}

// Persist replaces the durable entry list with the current queue contents.
// On failure the in-memory queue is left untouched.
func (q *Queue) Persist() error {
	if q.cp == nil {
		return nil
	}
	entries := q.Entries()
	rows := make([]store.OutboxEntry, len(entries))
	for i, e := range entries {
		rows[i] = ToRow(e)
	}
	if err := q.cp.ReplaceOutbox(rows); err != nil {
		q.logger.Warn("outbox persist failed", zap.Error(err), zap.Int("entries", len(rows)))
		return fmt.Errorf("persist outbox: %w", err)
	}
	return nil
}

// Restore replaces the in-memory queue with the durable entry list.
func (q *Queue) Restore() error {
	if q.cp == nil {
		return nil
	}
	rows, err := q.cp.LoadOutbox()
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]Entry, len(rows))
	q.next = 1
	for _, r := range rows {
		e := FromRow(r)
		q.entries[e.MessageID] = e
		if e.Position >= q.next {
			q.next = e.Position + 1
		}
	}
	q.logger.Debug("outbox restored", zap.Int("entries", len(rows)))
	return nil
}

// ToRow converts an entry into its persisted form.
func ToRow(e Entry) store.OutboxEntry {
	return store.OutboxEntry{
		MessageID:  e.MessageID,
		ChatID:     e.ChatID,
		Position:   e.Position,
		EnqueuedAt: e.EnqueuedAt.UnixMilli(),
	}
}

// FromRow converts a persisted row into an entry.
func FromRow(r store.OutboxEntry) Entry {
	return Entry{
		MessageID:  r.MessageID,
		ChatID:     r.ChatID,
		Position:   r.Position,
		EnqueuedAt: time.UnixMilli(r.EnqueuedAt),
	}
}
