package chat

import "time"

// Status is the delivery state of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Kind distinguishes one-to-one chats from groups.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Role is a group participant's role. Direct chats carry no role.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

// Valid reports whether r is an assignable group role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleParticipant:
		return true
	}
	return false
}

// Message is one entry in a conversation. ID is assigned by the client at
// creation time and never reused. Seq increases by one per append within a chat, starting at 1.
type Message struct {
	ID        string
	ChatID    string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	Status    Status
	Seq       int64
}

// Participant is a conversation member.
type Participant struct {
	UserID string
	Role   Role
}

// Conversation is a chat with its ordered message sequence and the
// denormalized tail fields derived from the last appended message.
type Conversation struct {
	ID              string
	Kind            Kind
	Name            string
	Participants    []Participant
	Messages        []Message
	LastMessage     string
	LastMessageTime time.Time
	Unread          int
}

// Inbound is a message authored elsewhere, delivered live or in a history batch.
type Inbound struct {
	ID        string
	ChatID    string
	AuthorID  string
	Text      string
	CreatedAt time.Time
}

// StatusChange is the payload for message.status_changed events.
type StatusChange struct {
	MessageID string
	ChatID    string
	From      Status
	To        Status
}

// RoleChange is the payload for chat.participant_role_changed events.
// Notice is the system line shown in the conversation.
type RoleChange struct {
	ChatID string
	UserID string
	From   Role
	To     Role
	Notice string
}

// PersistFailure is the payload for store.persist_failed events.
type PersistFailure struct {
	Op        string
	ChatID    string
	MessageID string
	Err       string
}

// Stats summarizes the store contents.
type Stats struct {
	Conversations int
	Messages      int
	Pending       int
	Queued        int
}

// RestoreReport describes what Restore loaded and repaired.
type RestoreReport struct {
	Conversations  int
	Messages       int
	Pending        int
	DroppedEntries int
	Requeued       int
	Reordered      int
}
