package store

import (
	"fmt"
	"time"
)

// AppendMessage writes a message, the conversation tail and, when queued is
// non-nil, its outbox row in a single transaction. Either all three are
// durable or none is.
func (db *DB) AppendMessage(m *Message, tail Tail, queued *OutboxEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, chat_id, seq, author_id, body, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ChatID, m.Seq, m.AuthorID, m.Body, m.Status, m.CreatedAt); err != nil {
		return fmt.Errorf("insert message %q: %w", m.ID, err)
	}

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		UPDATE conversations SET
			last_message = ?,
			last_message_at = ?,
			unread_count = ?,
			updated_at = ?
		WHERE id = ?`,
		tail.LastMessage, tail.LastMessageAt, tail.UnreadCount, now, m.ChatID)
	if err != nil {
		return fmt.Errorf("update tail %q: %w", m.ChatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update tail: conversation %q not persisted", m.ChatID)
	}

	if queued != nil {
		if _, err := tx.Exec(`
			INSERT INTO outbox (message_id, chat_id, position, enqueued_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id) DO NOTHING`,
			queued.MessageID, queued.ChatID, queued.Position, queued.EnqueuedAt); err != nil {
			return fmt.Errorf("queue outbox %q: %w", queued.MessageID, err)
		}
	}
	return tx.Commit()
}

// UpdateMessageStatus sets the delivery status of a message.
func (db *DB) UpdateMessageStatus(id, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	return err
}

// ListMessages returns all messages of a conversation in insertion order.
func (db *DB) ListMessages(chatID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, seq, author_id, body, status, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.AuthorID, &m.Body, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
