package chat

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrChatExists          = errors.New("chat already exists")
	ErrEmptyText           = errors.New("message text is empty")
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrInvalidConversation = errors.New("invalid conversation")
	// ErrNotDurable is returned alongside a successful in-memory mutation
	// whose durable write failed. The change may not survive a restart.
	ErrNotDurable = errors.New("change not persisted")
)

// Persister is the durable side of the store. *store.DB implements it.
type Persister interface {
	UpsertConversation(c *store.Conversation) error
	ListConversations() ([]store.Conversation, error)
	AppendMessage(m *store.Message, tail store.Tail, queued *store.OutboxEntry) error
	UpdateMessageStatus(id, status string) error
	ListMessages(chatID string) ([]store.Message, error)
	UpdateParticipantRole(chatID, userID, role string) error
	UpdateUnread(chatID string, unread int) error
}

// Connectivity reports the current online state.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

type msgRef struct {
	chatID string
	pos    int
}

// Options configures a Store.
type Options struct {
	// UserID is the local user; it authors every message created by Send.
	UserID       string
	Outbox       *outbox.Queue
	Connectivity Connectivity
	DB           Persister
	Bus          *bus.Bus
	Logger       *zap.Logger
	Now          func() time.Time
	NewID        func() string
}

// Store is the single owner of all conversation state. Every mutation runs
// under one mutex and readers receive deep copies.
type Store struct {
	mu    sync.Mutex
	chats map[string]*Conversation
	order []string
	index map[string]msgRef

	self   string
	outbox *outbox.Queue
	conn   Connectivity
	db     Persister
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	onEnqueue func()
}

// NewStore creates an empty store. Without a Connectivity the store behaves as
// always online; without a DB nothing is persisted.
func NewStore(opts Options) *Store {
	s := &Store{
		chats:  make(map[string]*Conversation),
		index:  make(map[string]msgRef),
		self:   opts.UserID,
		outbox: opts.Outbox,
		conn:   opts.Connectivity,
		db:     opts.DB,
		bus:    opts.Bus,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.conn == nil {
		s.conn = alwaysOnline{}
	}
	if s.outbox == nil {
		s.outbox = outbox.NewQueue(nil, s.logger)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// UserID returns the local user id.
func (s *Store) UserID() string { return s.self }

// Outbox returns the queue of pending outgoing messages.
func (s *Store) Outbox() *outbox.Queue { return s.outbox }

// CreateConversation registers a new conversation. An empty ID is replaced by a
// fresh one. Direct conversations need exactly two participants and no roles;
// group participants without a role become plain participants.
func (s *Store) CreateConversation(c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = s.newID()
	}
	if err := normalize(&c); err != nil {
		return Conversation{}, err
	}
	c.Messages = nil
	c.LastMessage = ""
	c.LastMessageTime = time.Time{}
	c.Unread = 0

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[c.ID]; ok {
		return Conversation{}, fmt.Errorf("create %q: %w", c.ID, ErrChatExists)
	}
	stored := clone(&c)
	s.chats[c.ID] = &stored
	s.order = append(s.order, c.ID)

	s.bus.Emit(bus.KindChatCreated, map[string]string{"chat_id": c.ID, "kind": string(c.Kind)})

	if s.db != nil {
		row := toConversationRow(&stored, s.now())
		if err := s.db.UpsertConversation(row); err != nil {
			return clone(&stored), s.persistFailed("create_conversation", c.ID, "", err)
		}
	}
	return clone(&stored), nil
}

func normalize(c *Conversation) error {
	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID == "" || seen[p.UserID] {
			return fmt.Errorf("participant %q: %w", p.UserID, ErrInvalidConversation)
		}
		seen[p.UserID] = true
	}

	switch c.Kind {
	case KindDirect:
		if len(c.Participants) != 2 {
			return fmt.Errorf("direct chat needs 2 participants, got %d: %w", len(c.Participants), ErrInvalidConversation)
		}
		for _, p := range c.Participants {
			if p.Role != "" {
				return fmt.Errorf("direct chat participant %q has role %q: %w", p.UserID, p.Role, ErrInvalidConversation)
			}
		}
	case KindGroup:
		if len(c.Participants) == 0 {
			return fmt.Errorf("group chat without participants: %w", ErrInvalidConversation)
		}
		ps := make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			if p.Role == "" {
				p.Role = RoleParticipant
			}
			if !p.Role.Valid() {
				return fmt.Errorf("participant %q role %q: %w", p.UserID, p.Role, ErrInvalidRole)
			}
			ps[i] = p
		}
		c.Participants = ps
	default:
		return fmt.Errorf("kind %q: %w", c.Kind, ErrInvalidConversation)
	}
	return nil
}

// Send appends a message authored by the local user. The message is sent when
// the device is online and the chat has nothing queued; otherwise it is pending
// and queued in the outbox behind the chat's earlier entries. The online check,
// the append and the enqueue happen atomically.
//
// When the durable write fails the message is still returned, together with an
// error wrapping ErrNotDurable.
func (s *Store) Send(chatID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}

	var notify func()
	defer func() {
		if notify != nil {
			notify()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Message{}, fmt.Errorf("send to %q: %w", chatID, ErrChatNotFound)
	}

	online := s.conn.Online() && !s.outbox.HasChat(chatID)
	m := Message{
		ID:        s.newID(),
		ChatID:    chatID,
		AuthorID:  s.self,
		Text:      text,
		CreatedAt: s.now(),
		Status:    StatusSent,
	}
	if !online {
		m.Status = StatusPending
	}
	m = s.appendLocked(c, m)

	var queued *outbox.Entry
	if !online {
		e, _ := s.outbox.Enqueue(m.ID, chatID)
		queued = &e
		notify = s.onEnqueue
	}

	s.logger.Debug("message appended",
		zap.String("chat_id", chatID),
		zap.String("msg_id", m.ID),
		zap.String("status", string(m.Status)))

	if err := s.persistAppendLocked(c, m, queued); err != nil {
		return m, err
	}
	return m, nil
}

// Ingest appends a message authored elsewhere. It is idempotent by message id:
// a repeated id returns the stored message and false.
func (s *Store) Ingest(in Inbound) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestLocked(in)
}

// IngestBatch appends a batch of inbound messages to one chat in order and
// returns how many were new.
func (s *Store) IngestBatch(chatID string, batch []Inbound) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return 0, fmt.Errorf("ingest into %q: %w", chatID, ErrChatNotFound)
	}
	added := 0
	var firstErr error
	for _, in := range batch {
		in.ChatID = chatID
		_, ok, err := s.ingestLocked(in)
		if ok {
			added++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return added, firstErr
}

func (s *Store) ingestLocked(in Inbound) (Message, bool, error) {
	if in.ID == "" {
		in.ID = s.newID()
	}
	if ref, ok := s.index[in.ID]; ok {
		return s.chats[ref.chatID].Messages[ref.pos], false, nil
	}
	c, ok := s.chats[in.ChatID]
	if !ok {
		return Message{}, false, fmt.Errorf("ingest into %q: %w", in.ChatID, ErrChatNotFound)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now()
	}
	m := s.appendLocked(c, Message{
		ID:        in.ID,
		ChatID:    in.ChatID,
		AuthorID:  in.AuthorID,
		Text:      in.Text,
		CreatedAt: in.CreatedAt,
		Status:    StatusSent,
	})
	if m.AuthorID != s.self {
		c.Unread++
	}
	if err := s.persistAppendLocked(c, m, nil); err != nil {
		return m, true, err
	}
	return m, true, nil
}

// appendLocked appends m to c, updates the tail fields and the id index.
func (s *Store) appendLocked(c *Conversation, m Message) Message {
	m.Seq = 1
	if n := len(c.Messages); n > 0 {
		m.Seq = c.Messages[n-1].Seq + 1
	}
	s.index[m.ID] = msgRef{chatID: c.ID, pos: len(c.Messages)}
	c.Messages = append(c.Messages, m)
	c.LastMessage = m.Text
	c.LastMessageTime = m.CreatedAt

	s.bus.Emit(bus.KindMessageAppended, map[string]string{
		"chat_id": c.ID,
		"msg_id":  m.ID,
		"status":  string(m.Status),
	})
	return m
}

func (s *Store) persistAppendLocked(c *Conversation, m Message, queued *outbox.Entry) error {
	if s.db == nil {
		return nil
	}
	row := toMessageRow(m)
	tail := store.Tail{
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageTime.UnixMilli(),
		UnreadCount:   c.Unread,
	}
	var entry *store.OutboxEntry
	if queued != nil {
		r := outbox.ToRow(*queued)
		entry = &r
	}
	if err := s.db.AppendMessage(&row, tail, entry); err != nil {
		return s.persistFailed("append_message", c.ID, m.ID, err)
	}
	return nil
}

// UpdateStatus moves a message to a new status. Re-applying the current status
// is a no-op without an event. Leaving a terminal status is refused and an
// unknown id is ignored; both are logged and reported as unchanged.
func (s *Store) UpdateStatus(messageID string, to Status) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("status %q: %w", to, ErrInvalidStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(messageID, to)
}

// Settle records the delivery outcome of a queued message and removes its
// outbox entry, both under the store lock. to must be sent or failed.
func (s *Store) Settle(messageID string, to Status) (bool, error) {
	if to != StatusSent && to != StatusFailed {
		return false, fmt.Errorf("settle as %q: %w", to, ErrInvalidStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.updateStatusLocked(messageID, to)
	if _, derr := s.outbox.Delete(messageID); derr != nil {
		err = errors.Join(err, s.persistFailed("settle_outbox", s.index[messageID].chatID, messageID, derr))
	}
	return changed, err
}

// ClearEntry removes an outbox entry whose message is gone or no longer
// pending. An entry that still backs a pending message is kept.
func (s *Store) ClearEntry(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.index[messageID]
	if ok && s.chats[ref.chatID].Messages[ref.pos].Status == StatusPending {
		return false, nil
	}
	removed, err := s.outbox.Delete(messageID)
	if err != nil {
		return removed, s.persistFailed("clear_outbox", ref.chatID, messageID, err)
	}
	return removed, nil
}

// OnEnqueue registers fn to run after Send queues a message, outside the
// store lock. A nil fn unregisters.
func (s *Store) OnEnqueue(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnqueue = fn
}

func (s *Store) updateStatusLocked(messageID string, to Status) (bool, error) {
	ref, ok := s.index[messageID]
	if !ok {
		s.logger.Info("status update for unknown message", zap.String("msg_id", messageID), zap.String("status", string(to)))
		return false, nil
	}
	m := &s.chats[ref.chatID].Messages[ref.pos]
	from := m.Status
	if from == to {
		return false, nil
	}
	if from.Terminal() || to == StatusPending {
		s.logger.Warn("refusing status regression",
			zap.String("msg_id", messageID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false, nil
	}
	m.Status = to

	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatusChanged,
		Timestamp: s.now(),
		Payload:   StatusChange{MessageID: messageID, ChatID: ref.chatID, From: from, To: to},
	})

	if s.db != nil {
		if err := s.db.UpdateMessageStatus(messageID, string(to)); err != nil {
			return true, s.persistFailed("update_status", ref.chatID, messageID, err)
		}
	}
	return true, nil
}

// UpdateParticipantRole assigns a role to a group participant. It is a no-op
// for direct chats, for users that are not participants and for a role the
// user already holds.
func (s *Store) UpdateParticipantRole(chatID, userID string, role Role) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("role %q: %w", role, ErrInvalidRole)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return false, fmt.Errorf("role change in %q: %w", chatID, ErrChatNotFound)
	}
	if c.Kind != KindGroup {
		return false, nil
	}
	idx := -1
	for i, p := range c.Participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 || c.Participants[idx].Role == role {
		return false, nil
	}
	from := c.Participants[idx].Role
	c.Participants[idx].Role = role

	s.logger.Info("participant role changed",
		zap.String("chat_id", chatID),
		zap.String("user_id", userID),
		zap.String("role", string(role)))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindParticipantRoleChanged,
		Timestamp: s.now(),
		Payload: RoleChange{
			ChatID: chatID,
			UserID: userID,
			From:   from,
			To:     role,
			Notice: fmt.Sprintf("User %s has been assigned the role of %s", userID, role),
		},
	})

	if s.db != nil {
		if err := s.db.UpdateParticipantRole(chatID, userID, string(role)); err != nil {
			return true, s.persistFailed("update_role", chatID, "", err)
		}
	}
	return true, nil
}

// MarkRead resets the unread counter and returns its previous value.
func (s *Store) MarkRead(chatID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return 0, fmt.Errorf("mark read %q: %w", chatID, ErrChatNotFound)
	}
	prev := c.Unread
	if prev == 0 {
		return 0, nil
	}
	c.Unread = 0
	s.bus.Emit(bus.KindChatRead, map[string]string{"chat_id": chatID})

	if s.db != nil {
		if err := s.db.UpdateUnread(chatID, 0); err != nil {
			return prev, s.persistFailed("mark_read", chatID, "", err)
		}
	}
	return prev, nil
}

func (s *Store) persistFailed(op, chatID, msgID string, err error) error {
	s.logger.Warn("persist failed; change may not survive restart",
		zap.String("op", op),
		zap.String("chat_id", chatID),
		zap.String("msg_id", msgID),
		zap.Error(err))
	s.bus.Emit(bus.KindPersistFailed, PersistFailure{Op: op, ChatID: chatID, MessageID: msgID, Err: err.Error()})
	return fmt.Errorf("%s: %w: %w", op, ErrNotDurable, err)
}

// Conversation returns a deep copy of one conversation.
func (s *Store) Conversation(chatID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Conversation{}, false
	}
	return clone(c), true
}

// Conversations returns every conversation in creation order, without messages.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		c := s.chats[id]
		summary := *c
		summary.Messages = nil
		summary.Participants = append([]Participant(nil), c.Participants...)
		out = append(out, summary)
	}
	return out
}

// Message returns a message by id.
func (s *Store) Message(messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.index[messageID]
	if !ok {
		return Message{}, false
	}
	return s.chats[ref.chatID].Messages[ref.pos], true
}

// MessageCount returns the number of messages in a chat.
func (s *Store) MessageCount(chatID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return 0, false
	}
	return len(c.Messages), true
}

// MessagesRange returns a copy of messages[from:to] of a chat, clamped to the
// available range.
func (s *Store) MessagesRange(chatID string, from, to int) ([]Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, false
	}
	n := len(c.Messages)
	from = min(max(from, 0), n)
	to = min(max(to, from), n)
	return append([]Message(nil), c.Messages[from:to]...), true
}

// Drain returns the outbox contents in enqueue order. The snapshot is taken
// under the store lock, so it never observes a message without its entry.
func (s *Store) Drain() iter.Seq[outbox.Entry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox.Drain()
}

// Stats summarizes the store contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Conversations: len(s.chats), Messages: len(s.index), Queued: s.outbox.Len()}
	for _, c := range s.chats {
		for _, m := range c.Messages {
			if m.Status == StatusPending {
				st.Pending++
			}
		}
	}
	return st
}

func clone(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}
