package store

import "database/sql"

// Conversation summaries are always derived from the message log. There is no
// separate summary table to keep in sync, so a summary can never disagree
// with the messages it describes.

// MarkAllRead flips every delivered message in a conversation to read.
// Returns the number of messages updated.
func (db *DB) MarkAllRead(key Key) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE target_id = ? AND kind = ? AND status = ?`,
		StatusRead, key.TargetID, key.Kind, StatusDelivered)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCount returns the number of delivered-unread messages for a conversation.
func (db *DB) UnreadCount(key Key) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE target_id = ? AND kind = ? AND status = ?`,
		key.TargetID, key.Kind, StatusDelivered).Scan(&n)
	return n, err
}

// AllUnreadCounts returns unread counts for every conversation that has at
// least one delivered-unread message.
func (db *DB) AllUnreadCounts() (map[Key]int, error) {
	rows, err := db.Query(`
		SELECT target_id, kind, COUNT(*) FROM messages
		WHERE status = ?
		GROUP BY target_id, kind`, StatusDelivered)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Key]int)
	for rows.Next() {
		var key Key
		var n int
		if err := rows.Scan(&key.TargetID, &key.Kind, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// LastMessage returns the newest message for a conversation, or nil if the
// conversation has no cached messages.
func (db *DB) LastMessage(key Key) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, msg_id, target_id, kind, sender_id, sender_name, body, status, timestamp
		FROM messages
		WHERE target_id = ? AND kind = ?
		ORDER BY timestamp DESC, msg_id DESC
		LIMIT 1`, key.TargetID, key.Kind).
		Scan(&m.ID, &m.MsgID, &m.TargetID, &m.Kind, &m.SenderID, &m.SenderName, &m.Body, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Summarize computes the derived conversation metadata from the message log.
func (db *DB) Summarize(key Key) (*Summary, error) {
	last, err := db.LastMessage(key)
	if err != nil {
		return nil, err
	}
	unread, err := db.UnreadCount(key)
	if err != nil {
		return nil, err
	}
	s := &Summary{UnreadCount: unread}
	if last != nil {
		s.LastBody = last.Body
		s.LastSenderName = last.SenderName
		s.LastTimestamp = last.Timestamp
	}
	return s, nil
}
