package store

// Conversation is a persisted conversation row with its participants.
type Conversation struct {
	ID            string
	Kind          string // direct, group
	Name          string
	LastMessage   string
	LastMessageAt int64 // unix millis
	UnreadCount   int
	CreatedAt     int64
	Participants  []Participant
}

// Participant is a member of a conversation. Role is empty for direct chats.
type Participant struct {
	UserID string
	Role   string
}

// Message is a persisted message row.
type Message struct {
	ID        string
	ChatID    string
	Seq       int64
	AuthorID  string
	Body      string
	Status    string // pending, sent, failed
	CreatedAt int64 // unix millis
}

// Tail carries the denormalized conversation fields updated on append.
type Tail struct {
	LastMessage   string
	LastMessageAt int64
	UnreadCount   int
}

// OutboxEntry is a persisted outbox row; it references a message by id.
type OutboxEntry struct {
	MessageID  string
	ChatID     string
	Position   int64
	EnqueuedAt int64
}
