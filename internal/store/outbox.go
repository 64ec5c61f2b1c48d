package store

import "fmt"

// ReplaceOutbox overwrites the persisted outbox with the given entries.
// The outbox is checkpointed as a whole so the durable copy never holds a
// half-applied removal.
func (db *DB) ReplaceOutbox(entries []OutboxEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(`
			INSERT INTO outbox (message_id, chat_id, position, enqueued_at)
			VALUES (?, ?, ?, ?)`,
			e.MessageID, e.ChatID, e.Position, e.EnqueuedAt); err != nil {
			return fmt.Errorf("insert outbox %q: %w", e.MessageID, err)
		}
	}
	return tx.Commit()
}

// LoadOutbox returns the persisted outbox entries in enqueue order.
func (db *DB) LoadOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT message_id, chat_id, position, enqueued_at
		FROM outbox ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.MessageID, &e.ChatID, &e.Position, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutboxEntry removes one persisted entry. Deleting an absent entry is
// not an error.
func (db *DB) DeleteOutboxEntry(messageID string) error {
	if _, err := db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete outbox %q: %w", messageID, err)
	}
	return nil
}
