package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by prefix,
// e.g. "message." receives both message kinds.
const (
	KindChatCreated            = "chat.created"
	KindChatRead               = "chat.read"
	KindParticipantRoleChanged = "chat.participant_role_changed"

	KindMessageAppended      = "message.appended"
	KindMessageStatusChanged = "message.status_changed"

	KindConnectivityChanged = "connectivity.changed"

	KindPersistFailed = "store.persist_failed"

	KindWindowExpanded = "history.window_expanded"

	KindReconcileCompleted = "sync.reconcile_completed"
	KindHistoryBatch       = "sync.history_batch"

	KindRemoteMessage      = "remote.message"
	KindRemoteHistoryBatch = "remote.history_batch"
)
