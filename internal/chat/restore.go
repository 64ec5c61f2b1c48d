package chat

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Restore reloads conversations and the outbox from the database and repairs
// them against each other: entries whose message is missing or no longer
// pending are dropped, pending messages missing from the outbox are queued
// again, and each chat's entries are put back in seq order. It replaces any in-memory state and should run before the
// store is shared.
func (s *Store) Restore() (RestoreReport, error) {
	var report RestoreReport
	if s.db == nil {
		return report, nil
	}

	convs, err := s.db.ListConversations()
	if err != nil {
		return report, fmt.Errorf("load conversations: %w", err)
	}

	chats := make(map[string]*Conversation, len(convs))
	order := make([]string, 0, len(convs))
	index := make(map[string]msgRef)
	for _, row := range convs {
		c := fromConversationRow(row)
		msgs, err := s.db.ListMessages(c.ID)
		if err != nil {
			return report, fmt.Errorf("load messages %q: %w", c.ID, err)
		}
		c.Messages = make([]Message, 0, len(msgs))
		for _, mr := range msgs {
			m := fromMessageRow(mr)
			index[m.ID] = msgRef{chatID: c.ID, pos: len(c.Messages)}
			c.Messages = append(c.Messages, m)
			if m.Status == StatusPending {
				report.Pending++
			}
		}
		chats[c.ID] = &c
		order = append(order, c.ID)
		report.Messages += len(c.Messages)
	}
	report.Conversations = len(chats)

	if err := s.outbox.Restore(); err != nil {
		return report, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats = chats
	s.order = order
	s.index = index

	queued := make(map[string]bool)
	for e := range s.outbox.Drain() {
		ref, ok := index[e.MessageID]
		if !ok || chats[ref.chatID].Messages[ref.pos].Status != StatusPending {
			s.outbox.Remove(e.MessageID)
			report.DroppedEntries++
			continue
		}
		queued[e.MessageID] = true
	}

	var orphans []Message
	for _, id := range order {
		for _, m := range chats[id].Messages {
			if m.Status == StatusPending && !queued[m.ID] {
				orphans = append(orphans, m)
			}
		}
	}
	slices.SortStableFunc(orphans, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	for _, m := range orphans {
		s.outbox.Enqueue(m.ID, m.ChatID)
		report.Requeued++
	}
	report.Reordered = s.orderBySeqLocked()

	s.logger.Info("store restored",
		zap.Int("conversations", report.Conversations),
		zap.Int("messages", report.Messages),
		zap.Int("pending", report.Pending),
		zap.Int("dropped_entries", report.DroppedEntries),
		zap.Int("requeued", report.Requeued),
		zap.Int("reordered", report.Reordered))

	if report.DroppedEntries > 0 || report.Requeued > 0 || report.Reordered > 0 {
		if err := s.outbox.Persist(); err != nil {
			return report, s.persistFailed("repair_outbox", "", "", err)
		}
	}
	return report, nil
}

// orderBySeqLocked reassigns each chat's outbox slots so that the chat's
// messages occupy them in seq order. Slots of other chats are untouched.
func (s *Store) orderBySeqLocked() int {
	entries := s.outbox.Entries()
	slots := make(map[string][]int)
	for i, e := range entries {
		slots[e.ChatID] = append(slots[e.ChatID], i)
	}

	seq := func(e outbox.Entry) int64 {
		ref := s.index[e.MessageID]
		return s.chats[ref.chatID].Messages[ref.pos].Seq
	}
	out := slices.Clone(entries)
	moved := 0
	for _, idx := range slots {
		group := make([]outbox.Entry, len(idx))
		for i, j := range idx {
			group[i] = entries[j]
		}
		slices.SortStableFunc(group, func(a, b outbox.Entry) int {
			return cmp.Compare(seq(a), seq(b))
		})
		for i, j := range idx {
			if group[i].MessageID != entries[j].MessageID {
				moved++
			}
			e := group[i]
			e.Position = entries[j].Position
			out[j] = e
		}
	}
	if moved > 0 {
		s.outbox.Reset(out)
	}
	return moved
}

func toConversationRow(c *Conversation, created time.Time) *store.Conversation {
	row := &store.Conversation{
		ID:            c.ID,
		Kind:          string(c.Kind),
		Name:          c.Name,
		LastMessage:   c.LastMessage,
		UnreadCount:   c.Unread,
		CreatedAt:     created.UnixMilli(),
		LastMessageAt: unixMilli(c.LastMessageTime),
	}
	for _, p := range c.Participants {
		row.Participants = append(row.Participants, store.Participant{UserID: p.UserID, Role: string(p.Role)})
	}
	return row
}

func fromConversationRow(row store.Conversation) Conversation {
	c := Conversation{
		ID:          row.ID,
		Kind:        Kind(row.Kind),
		Name:        row.Name,
		LastMessage: row.LastMessage,
		Unread:      row.UnreadCount,
	}
	if row.LastMessageAt != 0 {
		c.LastMessageTime = time.UnixMilli(row.LastMessageAt)
	}
	for _, p := range row.Participants {
		c.Participants = append(c.Participants, Participant{UserID: p.UserID, Role: Role(p.Role)})
	}
	return c
}

func toMessageRow(m Message) store.Message {
	return store.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Seq:       m.Seq,
		AuthorID:  m.AuthorID,
		Body:      m.Text,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}

func fromMessageRow(r store.Message) Message {
	return Message{
		ID:        r.ID,
		ChatID:    r.ChatID,
		AuthorID:  r.AuthorID,
		Text:      r.Body,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		Status:    Status(r.Status),
		Seq:       r.Seq,
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
