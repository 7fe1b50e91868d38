package store

import (
	"database/sql"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (msg_id, target_id, kind, sender_id, sender_name, body, status, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(target_id, kind, msg_id) DO UPDATE SET
		sender_name = excluded.sender_name,
		body = excluded.body,
		status = excluded.status,
		timestamp = excluded.timestamp`

// UpsertMessage inserts or updates a message (idempotent on target_id + kind + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertMessageSQL,
		m.MsgID, m.TargetID, m.Kind, m.SenderID, m.SenderName, m.Body, m.Status, m.Timestamp, now)
	return err
}

// UpsertMessages bulk-upserts a batch in a single transaction. Either the
// whole batch becomes visible or none of it does.
func (db *DB) UpsertMessages(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(upsertMessageSQL)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := stmt.Exec(m.MsgID, m.TargetID, m.Kind, m.SenderID, m.SenderName, m.Body, m.Status, m.Timestamp, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceBatch deletes the given message ids from a conversation and upserts
// msgs in the same transaction, so no reader observes the deletes without the
// inserts and a crash cannot lose a message mid-swap.
func (db *DB) ReplaceBatch(key Key, deleteIDs []string, msgs []*Message) error {
	if len(deleteIDs) == 0 && len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range deleteIDs {
		if _, err := tx.Exec(`DELETE FROM messages WHERE target_id = ? AND kind = ? AND msg_id = ?`,
			key.TargetID, key.Kind, id); err != nil {
			return err
		}
	}
	if len(msgs) > 0 {
		stmt, err := tx.Prepare(upsertMessageSQL)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		now := time.Now().UnixMilli()
		for _, m := range msgs {
			if _, err := stmt.Exec(m.MsgID, m.TargetID, m.Kind, m.SenderID, m.SenderName, m.Body, m.Status, m.Timestamp, now); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// MessagesFor returns all messages for a conversation key in ascending
// timestamp order. Equal timestamps tie-break on msg_id so the ordering is
// deterministic across calls.
func (db *DB) MessagesFor(key Key) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, msg_id, target_id, kind, sender_id, sender_name, body, status, timestamp
		FROM messages
		WHERE target_id = ? AND kind = ?
		ORDER BY timestamp ASC, msg_id ASC`, key.TargetID, key.Kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MsgID, &m.TargetID, &m.Kind, &m.SenderID, &m.SenderName, &m.Body, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of cached messages for a conversation key.
func (db *DB) CountMessages(key Key) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE target_id = ? AND kind = ?`,
		key.TargetID, key.Kind).Scan(&n)
	return n, err
}

// DeleteMessage removes one message from a conversation.
func (db *DB) DeleteMessage(key Key, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE target_id = ? AND kind = ? AND msg_id = ?`,
		key.TargetID, key.Kind, msgID)
	return err
}

// DeleteOldest removes the n oldest messages (by timestamp, msg_id) from a
// conversation. Used by the retention policy when a conversation overflows.
func (db *DB) DeleteOldest(key Key, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := db.Exec(`
		DELETE FROM messages WHERE target_id = ? AND kind = ? AND msg_id IN (
			SELECT msg_id FROM messages
			WHERE target_id = ? AND kind = ?
			ORDER BY timestamp ASC, msg_id ASC
			LIMIT ?
		)`, key.TargetID, key.Kind, key.TargetID, key.Kind, n)
	return err
}

// HasMessage reports whether a message id is already cached for a conversation.
func (db *DB) HasMessage(key Key, msgID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE target_id = ? AND kind = ? AND msg_id = ?`,
		key.TargetID, key.Kind, msgID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateStatus sets the delivery status of a single message.
func (db *DB) UpdateStatus(key Key, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE target_id = ? AND kind = ? AND msg_id = ?`,
		status, key.TargetID, key.Kind, msgID)
	return err
}

// Clear removes every cached message. Used on logout.
func (db *DB) Clear() error {
	_, err := db.Exec(`DELETE FROM messages`)
	return err
}
