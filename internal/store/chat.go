package store

import (
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation and replaces its participant list.
func (db *DB) UpsertConversation(c *Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, kind, name, last_message, last_message_at, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, c.LastMessage, c.LastMessageAt, c.UnreadCount, c.CreatedAt, now); err != nil {
		return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM participants WHERE chat_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear participants %q: %w", c.ID, err)
	}
	for i, p := range c.Participants {
		if _, err := tx.Exec(`
			INSERT INTO participants (chat_id, user_id, role, position) VALUES (?, ?, ?, ?)`,
			c.ID, p.UserID, p.Role, i); err != nil {
			return fmt.Errorf("insert participant %q: %w", p.UserID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns every conversation with its participants, in creation order.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, kind, name, last_message, last_message_at, unread_count, created_at
		FROM conversations
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	index := make(map[string]int)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		index[c.ID] = len(convs)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := db.Query(`SELECT chat_id, user_id, role FROM participants ORDER BY chat_id, position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = prows.Close() }()

	for prows.Next() {
		var chatID string
		var p Participant
		if err := prows.Scan(&chatID, &p.UserID, &p.Role); err != nil {
			return nil, err
		}
		if i, ok := index[chatID]; ok {
			convs[i].Participants = append(convs[i].Participants, p)
		}
	}
	return convs, prows.Err()
}

// UpdateParticipantRole sets the role of one participant.
func (db *DB) UpdateParticipantRole(chatID, userID, role string) error {
	_, err := db.Exec(`UPDATE participants SET role = ? WHERE chat_id = ? AND user_id = ?`, role, chatID, userID)
	return err
}

// UpdateUnread stores the unread counter of a conversation.
func (db *DB) UpdateUnread(chatID string, unread int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`, unread, now, chatID)
	return err
}
