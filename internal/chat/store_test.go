package chat

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// idSeq is shared so stores reopened over the same database never reuse ids.
var idSeq atomic.Int64

type fakeConn struct{ online atomic.Bool }

func (f *fakeConn) Online() bool { return f.online.Load() }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// failingDB wraps a real database and fails appends and status updates on demand.
type failingDB struct {
	*store.DB
	fail atomic.Bool
}

func (f *failingDB) AppendMessage(m *store.Message, tail store.Tail, queued *store.OutboxEntry) error {
	if f.fail.Load() {
		return errors.New("disk I/O error")
	}
	return f.DB.AppendMessage(m, tail, queued)
}

func (f *failingDB) UpdateMessageStatus(id, status string) error {
	if f.fail.Load() {
		return errors.New("disk I/O error")
	}
	return f.DB.UpdateMessageStatus(id, status)
}

func newTestStore(t *testing.T, conn Connectivity, db Persister, b *bus.Bus) *Store {
	t.Helper()
	var cp outbox.Checkpointer
	if c, ok := db.(outbox.Checkpointer); ok {
		cp = c
	}
	return NewStore(Options{
		UserID:       "me",
		Outbox:       outbox.NewQueue(cp, zap.NewNop()),
		Connectivity: conn,
		DB:           db,
		Bus:          b,
		Logger:       zap.NewNop(),
		NewID:        func() string { return fmt.Sprintf("m%d", idSeq.Add(1)) },
	})
}

func mustGroup(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.CreateConversation(Conversation{
		ID:   id,
		Kind: KindGroup,
		Name: "Project Alpha",
		Participants: []Participant{
			{UserID: "me", Role: RoleAdmin},
			{UserID: "bob", Role: RoleModerator},
			{UserID: "carol"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSendOfflineQueuesPendingMessage(t *testing.T) {
	conn := &fakeConn{}
	s := newTestStore(t, conn, nil, nil)
	mustGroup(t, s, "c1")

	m, err := s.Send("c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusPending {
		t.Errorf("status = %s, want pending", m.Status)
	}
	if s.Outbox().Len() != 1 || !s.Outbox().Contains(m.ID) {
		t.Errorf("outbox len = %d, want 1 containing %s", s.Outbox().Len(), m.ID)
	}

	c, _ := s.Conversation("c1")
	if c.LastMessage != "hi" || !c.LastMessageTime.Equal(m.CreatedAt) {
		t.Errorf("tail = %q@%v, want hi@%v", c.LastMessage, c.LastMessageTime, m.CreatedAt)
	}
}

func TestSendOnlineIsSentWithoutOutbox(t *testing.T) {
	conn := &fakeConn{}
	conn.online.Store(true)
	s := newTestStore(t, conn, nil, nil)
	mustGroup(t, s, "c1")

	m, err := s.Send("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}
	if s.Outbox().Len() != 0 {
		t.Errorf("outbox len = %d, want 0", s.Outbox().Len())
	}
}

func TestSendOnlineQueuesBehindPendingEntries(t *testing.T) {
	conn := &fakeConn{}
	s := newTestStore(t, conn, testDB(t), nil)
	mustGroup(t, s, "c1")
	mustGroup(t, s, "c2")

	first, _ := s.Send("c1", "queued while offline")
	conn.online.Store(true)

	second, err := s.Send("c1", "typed after reconnect")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusPending {
		t.Errorf("status = %s, want pending while %s is queued", second.Status, first.ID)
	}
	got := s.Outbox().Entries()
	if len(got) != 2 || got[0].MessageID != first.ID || got[1].MessageID != second.ID {
		t.Errorf("outbox = %+v, want [%s %s]", got, first.ID, second.ID)
	}

	other, _ := s.Send("c2", "other chat")
	if other.Status != StatusSent {
		t.Errorf("c2 status = %s, want sent", other.Status)
	}
}

func TestOnEnqueueRunsOutsideLock(t *testing.T) {
	conn := &fakeConn{}
	s := newTestStore(t, conn, nil, nil)
	mustGroup(t, s, "c1")

	calls := 0
	s.OnEnqueue(func() {
		calls++
		// Reading the store would deadlock if the hook ran under the lock.
		_ = s.Stats()
	})

	_, _ = s.Send("c1", "offline")
	conn.online.Store(true)
	_, _ = s.Send("c1", "behind the queue")
	if calls != 2 {
		t.Errorf("hook ran %d times, want 2", calls)
	}

	s.OnEnqueue(nil)
	_, _ = s.Send("c1", "unhooked")
	if calls != 2 {
		t.Errorf("hook ran after unregister: %d calls", calls)
	}
}

func TestSendWithoutConnectivityIsAlwaysOnline(t *testing.T) {
	s := newTestStore(t, nil, nil, nil)
	mustGroup(t, s, "c1")

	m, err := s.Send("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}
}

func TestSendErrors(t *testing.T) {
	s := newTestStore(t, nil, nil, nil)
	mustGroup(t, s, "c1")

	if _, err := s.Send("nope", "hi"); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("Send to unknown chat err = %v, want ErrChatNotFound", err)
	}
	if _, err := s.Send("c1", "   "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Send blank err = %v, want ErrEmptyText", err)
	}
}

func TestSendKeepsInsertionOrder(t *testing.T) {
	s := newTestStore(t, &fakeConn{}, nil, nil)
	mustGroup(t, s, "c1")

	for i := range 5 {
		if _, err := s.Send("c1", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := s.Conversation("c1")
	for i, m := range c.Messages {
		if m.Seq != int64(i+1) {
			t.Errorf("messages[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
		if m.Text != fmt.Sprintf("msg %d", i) {
			t.Errorf("messages[%d] = %q", i, m.Text)
		}
	}

	var queued []string
	for e := range s.Drain() {
		queued = append(queued, e.MessageID)
	}
	for i, id := range queued {
		if id != c.Messages[i].ID {
			t.Errorf("outbox[%d] = %s, want %s", i, id, c.Messages[i].ID)
		}
	}
}

// Sends racing connectivity flips must leave every pending message queued
// exactly once, no sent message queued, and no sent message after a pending
// one.
func TestSendRacingConnectivityFlip(t *testing.T) {
	conn := &fakeConn{}
	s := newTestStore(t, conn, nil, nil)
	mustGroup(t, s, "c1")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				conn.online.Store(!conn.online.Load())
			}
		}
	}()
	for i := range 200 {
		if _, err := s.Send("c1", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	c, _ := s.Conversation("c1")
	pending := 0
	for _, m := range c.Messages {
		queued := s.Outbox().Contains(m.ID)
		switch m.Status {
		case StatusPending:
			pending++
			if !queued {
				t.Errorf("pending message %s not queued", m.ID)
			}
		case StatusSent:
			if queued {
				t.Errorf("sent message %s queued", m.ID)
			}
			if pending > 0 {
				t.Errorf("sent message %s (seq %d) overtook a pending one", m.ID, m.Seq)
			}
		}
	}
	if s.Outbox().Len() != pending {
		t.Errorf("outbox len = %d, want %d", s.Outbox().Len(), pending)
	}
}

func TestUpdateStatusIsMonotonic(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.status", 10)
	defer unsub()

	s := newTestStore(t, &fakeConn{}, nil, b)
	mustGroup(t, s, "c1")
	m, _ := s.Send("c1", "hi")

	changed, err := s.UpdateStatus(m.ID, StatusSent)
	if err != nil || !changed {
		t.Fatalf("first UpdateStatus = %v, %v; want true, nil", changed, err)
	}
	changed, err = s.UpdateStatus(m.ID, StatusSent)
	if err != nil || changed {
		t.Fatalf("second UpdateStatus = %v, %v; want false, nil", changed, err)
	}
	changed, _ = s.UpdateStatus(m.ID, StatusFailed)
	if changed {
		t.Error("sent -> failed should be refused")
	}
	changed, _ = s.UpdateStatus(m.ID, StatusPending)
	if changed {
		t.Error("sent -> pending should be refused")
	}

	if len(ch) != 1 {
		t.Errorf("got %d status events, want 1", len(ch))
	}
	evt := <-ch
	sc, ok := evt.Payload.(StatusChange)
	if !ok || sc.From != StatusPending || sc.To != StatusSent {
		t.Errorf("payload = %+v", evt.Payload)
	}

	got, _ := s.Message(m.ID)
	if got.Status != StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestUpdateStatusUnknownAndInvalid(t *testing.T) {
	s := newTestStore(t, nil, nil, nil)

	changed, err := s.UpdateStatus("ghost", StatusSent)
	if err != nil || changed {
		t.Errorf("UpdateStatus(ghost) = %v, %v; want false, nil", changed, err)
	}
	if _, err := s.UpdateStatus("ghost", Status("delivered")); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("err = %v, want ErrInvalidStatus", err)
	}
}

func TestUpdateParticipantRole(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("chat.participant", 10)
	defer unsub()

	s := newTestStore(t, nil, nil, b)
	mustGroup(t, s, "g1")
	if _, err := s.CreateConversation(Conversation{ID: "d1", Kind: KindDirect,
		Participants: []Participant{{UserID: "me"}, {UserID: "bob"}}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		chatID  string
		userID  string
		role    Role
		changed bool
		err     error
	}{
		{"promote", "g1", "carol", RoleModerator, true, nil},
		{"same role", "g1", "carol", RoleModerator, false, nil},
		{"not participant", "g1", "dave", RoleAdmin, false, nil},
		{"direct chat", "d1", "bob", RoleAdmin, false, nil},
		{"invalid role", "g1", "carol", Role("owner"), false, ErrInvalidRole},
		{"unknown chat", "zz", "carol", RoleAdmin, false, ErrChatNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := s.UpdateParticipantRole(tt.chatID, tt.userID, tt.role)
			if changed != tt.changed {
				t.Errorf("changed = %v, want %v", changed, tt.changed)
			}
			if tt.err == nil && err != nil {
				t.Errorf("err = %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
		})
	}

	if len(ch) != 1 {
		t.Fatalf("got %d role events, want 1", len(ch))
	}
	rc := (<-ch).Payload.(RoleChange)
	if rc.Notice != "User carol has been assigned the role of moderator" {
		t.Errorf("notice = %q", rc.Notice)
	}
	if rc.From != RoleParticipant {
		t.Errorf("from = %s, want participant", rc.From)
	}
}

func TestCreateConversationValidation(t *testing.T) {
	s := newTestStore(t, nil, nil, nil)

	tests := []struct {
		name string
		conv Conversation
		err  error
	}{
		{"direct with three", Conversation{Kind: KindDirect, Participants: []Participant{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}}, ErrInvalidConversation},
		{"direct with role", Conversation{Kind: KindDirect, Participants: []Participant{{UserID: "a", Role: RoleAdmin}, {UserID: "b"}}}, ErrInvalidConversation},
		{"duplicate user", Conversation{Kind: KindGroup, Participants: []Participant{{UserID: "a"}, {UserID: "a"}}}, ErrInvalidConversation},
		{"bad role", Conversation{Kind: KindGroup, Participants: []Participant{{UserID: "a", Role: "king"}}}, ErrInvalidRole},
		{"bad kind", Conversation{Kind: "channel", Participants: []Participant{{UserID: "a"}}}, ErrInvalidConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateConversation(tt.conv); !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
		})
	}

	mustGroup(t, s, "g1")
	if _, err := s.CreateConversation(Conversation{ID: "g1", Kind: KindGroup, Participants: []Participant{{UserID: "me"}}}); !errors.Is(err, ErrChatExists) {
		t.Errorf("duplicate create err = %v, want ErrChatExists", err)
	}
	c, _ := s.Conversation("g1")
	if c.Participants[2].Role != RoleParticipant {
		t.Errorf("default role = %q, want participant", c.Participants[2].Role)
	}
}

func TestIngestIsIdempotentAndCountsUnread(t *testing.T) {
	s := newTestStore(t, nil, nil, nil)
	mustGroup(t, s, "c1")

	in := Inbound{ID: "r1", ChatID: "c1", AuthorID: "bob", Text: "yo", CreatedAt: time.UnixMilli(5000)}
	if _, added, err := s.Ingest(in); err != nil || !added {
		t.Fatalf("Ingest = %v, %v", added, err)
	}
	if _, added, err := s.Ingest(in); err != nil || added {
		t.Fatalf("repeated Ingest = %v, %v; want false, nil", added, err)
	}
	added, err := s.IngestBatch("c1", []Inbound{
		{ID: "r1", AuthorID: "bob", Text: "yo"},
		{ID: "r2", AuthorID: "carol", Text: "hey"},
		{ID: "r3", AuthorID: "me", Text: "echo"},
	})
	if err != nil || added != 2 {
		t.Fatalf("IngestBatch = %d, %v; want 2, nil", added, err)
	}

	c, _ := s.Conversation("c1")
	if len(c.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(c.Messages))
	}
	if c.Unread != 2 {
		t.Errorf("unread = %d, want 2", c.Unread)
	}
	for _, m := range c.Messages {
		if m.Status != StatusSent {
			t.Errorf("inbound %s status = %s, want sent", m.ID, m.Status)
		}
	}

	prev, err := s.MarkRead("c1")
	if err != nil || prev != 2 {
		t.Errorf("MarkRead = %d, %v; want 2, nil", prev, err)
	}
	c, _ = s.Conversation("c1")
	if c.Unread != 0 {
		t.Errorf("unread after MarkRead = %d", c.Unread)
	}
}

func TestReadersGetCopies(t *testing.T) {
	s := newTestStore(t, nil, nil, nil)
	mustGroup(t, s, "c1")
	if _, err := s.Send("c1", "hi"); err != nil {
		t.Fatal(err)
	}

	c, _ := s.Conversation("c1")
	c.Messages[0].Text = "tampered"
	c.Participants[0].Role = RoleParticipant

	again, _ := s.Conversation("c1")
	if again.Messages[0].Text != "hi" || again.Participants[0].Role != RoleAdmin {
		t.Error("mutating a returned conversation changed the store")
	}
}

func TestMessagesRangeClamps(t *testing.T) {
	s := newTestStore(t, nil, nil, nil)
	mustGroup(t, s, "c1")
	for i := range 5 {
		_, _ = s.Send("c1", fmt.Sprintf("%d", i))
	}

	msgs, ok := s.MessagesRange("c1", -3, 2)
	if !ok || len(msgs) != 2 || msgs[0].Text != "0" {
		t.Errorf("range(-3,2) = %v", msgs)
	}
	msgs, _ = s.MessagesRange("c1", 3, 99)
	if len(msgs) != 2 || msgs[1].Text != "4" {
		t.Errorf("range(3,99) = %v", msgs)
	}
	if _, ok := s.MessagesRange("nope", 0, 1); ok {
		t.Error("range on unknown chat reported ok")
	}
}

func TestPersistFailureReturnsMessageAndWarns(t *testing.T) {
	db := &failingDB{DB: testDB(t)}
	b := bus.New()
	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()

	s := newTestStore(t, &fakeConn{}, db, b)
	mustGroup(t, s, "c1")

	db.fail.Store(true)
	m, err := s.Send("c1", "hi")
	if !errors.Is(err, ErrNotDurable) {
		t.Fatalf("err = %v, want ErrNotDurable", err)
	}
	if m.ID == "" || m.Status != StatusPending {
		t.Errorf("message = %+v, want pending message", m)
	}
	if !s.Outbox().Contains(m.ID) {
		t.Error("in-memory outbox lost the entry")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindPersistFailed {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no persist_failed event")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	db := testDB(t)
	conn := &fakeConn{}

	s := newTestStore(t, conn, db, nil)
	mustGroup(t, s, "c1")
	p1, _ := s.Send("c1", "one")
	p2, _ := s.Send("c1", "two")
	if _, _, err := s.Ingest(Inbound{ID: "r1", ChatID: "c1", AuthorID: "bob", Text: "three"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateParticipantRole("c1", "carol", RoleAdmin); err != nil {
		t.Fatal(err)
	}

	restored := newTestStore(t, conn, db, nil)
	report, err := restored.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if report.Conversations != 1 || report.Messages != 3 || report.Pending != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.DroppedEntries != 0 || report.Requeued != 0 {
		t.Errorf("unexpected repair: %+v", report)
	}

	c, ok := restored.Conversation("c1")
	if !ok {
		t.Fatal("c1 not restored")
	}
	if c.LastMessage != "three" || c.Unread != 1 {
		t.Errorf("tail = %q unread %d", c.LastMessage, c.Unread)
	}
	if c.Participants[2].Role != RoleAdmin {
		t.Errorf("carol role = %s, want admin", c.Participants[2].Role)
	}
	var queued []string
	for e := range restored.Drain() {
		queued = append(queued, e.MessageID)
	}
	if len(queued) != 2 || queued[0] != p1.ID || queued[1] != p2.ID {
		t.Errorf("queued = %v, want [%s %s]", queued, p1.ID, p2.ID)
	}

	// Appends continue the persisted sequence.
	m, err := restored.Send("c1", "four")
	if err != nil {
		t.Fatal(err)
	}
	if m.Seq != 4 {
		t.Errorf("seq = %d, want 4", m.Seq)
	}
}

func TestRestoreRepairsOutbox(t *testing.T) {
	db := testDB(t)
	conn := &fakeConn{}

	s := newTestStore(t, conn, db, nil)
	mustGroup(t, s, "c1")
	p1, _ := s.Send("c1", "one")
	p2, _ := s.Send("c1", "two")

	// p1 settled but its entry was never removed; p2 lost its entry; a stray
	// entry points to a message that does not exist.
	if err := db.UpdateMessageStatus(p1.ID, "sent"); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceOutbox([]store.OutboxEntry{
		{MessageID: p1.ID, ChatID: "c1", Position: 1},
		{MessageID: "ghost", ChatID: "c1", Position: 2},
	}); err != nil {
		t.Fatal(err)
	}

	restored := newTestStore(t, conn, db, nil)
	report, err := restored.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if report.DroppedEntries != 2 || report.Requeued != 1 {
		t.Errorf("report = %+v, want 2 dropped, 1 requeued", report)
	}
	q := restored.Outbox()
	if q.Len() != 1 || !q.Contains(p2.ID) {
		t.Errorf("outbox = %+v, want [%s]", q.Entries(), p2.ID)
	}

	rows, err := db.LoadOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].MessageID != p2.ID {
		t.Errorf("persisted outbox = %+v", rows)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t, &fakeConn{}, nil, nil)
	mustGroup(t, s, "c1")
	_, _ = s.Send("c1", "a")
	_, _ = s.Send("c1", "b")
	_, _, _ = s.Ingest(Inbound{ID: "r", ChatID: "c1", AuthorID: "bob", Text: "c"})

	st := s.Stats()
	want := Stats{Conversations: 1, Messages: 3, Pending: 2, Queued: 2}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
}

func TestSettleUpdatesStatusAndDeletesEntry(t *testing.T) {
	db := testDB(t)
	s := newTestStore(t, &fakeConn{}, db, nil)
	mustGroup(t, s, "c1")
	a, _ := s.Send("c1", "a")
	b, _ := s.Send("c1", "b")

	changed, err := s.Settle(a.ID, StatusSent)
	if err != nil || !changed {
		t.Fatalf("Settle(a) = %v, %v; want true, nil", changed, err)
	}
	changed, err = s.Settle(b.ID, StatusFailed)
	if err != nil || !changed {
		t.Fatalf("Settle(b) = %v, %v; want true, nil", changed, err)
	}
	if _, err := s.Settle(b.ID, StatusPending); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Settle(pending) err = %v, want ErrInvalidStatus", err)
	}

	if s.Outbox().Len() != 0 {
		t.Errorf("outbox len = %d, want 0", s.Outbox().Len())
	}
	rows, err := db.LoadOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("persisted outbox = %+v, want empty", rows)
	}
	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != "sent" || msgs[1].Status != "failed" {
		t.Errorf("persisted statuses = %s, %s", msgs[0].Status, msgs[1].Status)
	}
}

// A send racing a settle must never lose its outbox row.
func TestSettleKeepsConcurrentSendRows(t *testing.T) {
	db := testDB(t)
	s := newTestStore(t, &fakeConn{}, db, nil)
	mustGroup(t, s, "c1")

	var first []string
	for i := range 20 {
		m, _ := s.Send("c1", fmt.Sprintf("old%d", i))
		first = append(first, m.ID)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, id := range first {
			if _, err := s.Settle(id, StatusSent); err != nil {
				t.Error(err)
			}
		}
	}()
	var later []string
	for i := range 20 {
		m, _ := s.Send("c1", fmt.Sprintf("new%d", i))
		later = append(later, m.ID)
	}
	wg.Wait()

	rows, err := db.LoadOutbox()
	if err != nil {
		t.Fatal(err)
	}
	persisted := make(map[string]bool, len(rows))
	for _, r := range rows {
		persisted[r.MessageID] = true
	}
	for _, id := range later {
		if !persisted[id] {
			t.Errorf("row for %s lost", id)
		}
	}
	if len(rows) != len(later) {
		t.Errorf("persisted %d rows, want %d", len(rows), len(later))
	}
}

func TestClearEntryKeepsPendingMessages(t *testing.T) {
	db := testDB(t)
	s := newTestStore(t, &fakeConn{}, db, nil)
	mustGroup(t, s, "c1")
	pending, _ := s.Send("c1", "still pending")
	settled, _ := s.Send("c1", "settled elsewhere")
	_, _ = s.UpdateStatus(settled.ID, StatusSent)
	s.Outbox().Enqueue("vanished", "c1")

	for _, tc := range []struct {
		id   string
		want bool
	}{
		{pending.ID, false},
		{settled.ID, true},
		{"vanished", true},
		{"never-queued", false},
	} {
		got, err := s.ClearEntry(tc.id)
		if err != nil {
			t.Errorf("ClearEntry(%s) err = %v", tc.id, err)
		}
		if got != tc.want {
			t.Errorf("ClearEntry(%s) = %v, want %v", tc.id, got, tc.want)
		}
	}
	if got := s.Outbox().Entries(); len(got) != 1 || got[0].MessageID != pending.ID {
		t.Errorf("outbox = %+v, want [%s]", got, pending.ID)
	}
}

func TestRestoreOrdersEntriesBySeq(t *testing.T) {
	db := testDB(t)
	s := newTestStore(t, &fakeConn{}, db, nil)
	mustGroup(t, s, "c1")
	mustGroup(t, s, "c2")
	a1, _ := s.Send("c1", "a1")
	b1, _ := s.Send("c2", "b1")
	a2, _ := s.Send("c1", "a2")

	// c1's entries persisted out of seq order around c2's entry.
	if err := db.ReplaceOutbox([]store.OutboxEntry{
		{MessageID: a2.ID, ChatID: "c1", Position: 1},
		{MessageID: b1.ID, ChatID: "c2", Position: 2},
		{MessageID: a1.ID, ChatID: "c1", Position: 3},
	}); err != nil {
		t.Fatal(err)
	}

	restored := newTestStore(t, &fakeConn{}, db, nil)
	report, err := restored.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if report.Reordered != 2 {
		t.Errorf("reordered = %d, want 2", report.Reordered)
	}

	var got []string
	for e := range restored.Drain() {
		got = append(got, e.MessageID)
	}
	want := []string{a1.ID, b1.ID, a2.ID}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("drain = %v, want %v", got, want)
	}

	rows, err := db.LoadOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].MessageID != a1.ID || rows[2].MessageID != a2.ID {
		t.Errorf("persisted outbox = %+v", rows)
	}
}
