package store

import (
	"database/sql"
	"fmt"
)

func appendHistory(tx *sql.Tx, conversationID, msgID, action string, oldBody, newBody *string, sessionID string, now int64) error {
	if _, err := tx.Exec(`
		INSERT INTO message_history (conversation_id, msg_id, action, old_body, new_body, recorded_at, scan_session)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, msgID, action, oldBody, newBody, now, sessionID); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func scanHistoryRows(rows *sql.Rows) ([]HistoryEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var oldBody, newBody sql.NullString
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MsgID, &e.Action,
			&oldBody, &newBody, &e.RecordedAt, &e.ScanSession); err != nil {
			return nil, err
		}
		if oldBody.Valid {
			b := oldBody.String
			e.OldBody = &b
		}
		if newBody.Valid {
			b := newBody.String
			e.NewBody = &b
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HistoryForMessage returns the full audit chain for one message, oldest
// first.
func (db *DB) HistoryForMessage(conversationID, msgID string) ([]HistoryEntry, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, action, old_body, new_body, recorded_at, scan_session
		FROM message_history
		WHERE conversation_id = ? AND msg_id = ?
		ORDER BY id ASC`, conversationID, msgID)
	if err != nil {
		return nil, err
	}
	return scanHistoryRows(rows)
}

// HistoryForConversation returns a conversation's audit entries, newest
// first.
func (db *DB) HistoryForConversation(conversationID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, action, old_body, new_body, recorded_at, scan_session
		FROM message_history
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanHistoryRows(rows)
}

// ChangesBetween returns audit entries in [since, until] unix millis, newest
// first, optionally filtered by action. Zero bounds are open.
func (db *DB) ChangesBetween(since, until int64, action string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id, conversation_id, msg_id, action, old_body, new_body, recorded_at, scan_session
		FROM message_history
		WHERE 1=1`
	var args []any
	if since > 0 {
		query += ` AND recorded_at >= ?`
		args = append(args, since)
	}
	if until > 0 {
		query += ` AND recorded_at <= ?`
		args = append(args, until)
	}
	if action != "" {
		query += ` AND action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanHistoryRows(rows)
}

// MostEditedMessages returns the messages with the most 'edited' entries.
func (db *DB) MostEditedMessages(limit int) ([]EditedMessageStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.Query(`
		SELECT mh.conversation_id, mh.msg_id, COUNT(*) AS edit_count,
		       m.body, MAX(mh.recorded_at) AS last_edit
		FROM message_history mh
		JOIN messages m ON mh.conversation_id = m.conversation_id AND mh.msg_id = m.msg_id
		WHERE mh.action = 'edited'
		GROUP BY mh.conversation_id, mh.msg_id
		ORDER BY edit_count DESC, last_edit DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []EditedMessageStat
	for rows.Next() {
		var s EditedMessageStat
		var body sql.NullString
		if err := rows.Scan(&s.ConversationID, &s.MsgID, &s.EditCount, &body, &s.LastEditAt); err != nil {
			return nil, err
		}
		if body.Valid {
			b := body.String
			s.CurrentBody = &b
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// MostChangedConversations returns the conversations with the most audit
// entries.
func (db *DB) MostChangedConversations(limit int) ([]ConversationChangeStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.Query(`
		SELECT mh.conversation_id, COALESCE(c.name, ''), COUNT(*) AS change_count
		FROM message_history mh
		LEFT JOIN conversations c ON mh.conversation_id = c.id
		GROUP BY mh.conversation_id
		ORDER BY change_count DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []ConversationChangeStat
	for rows.Next() {
		var s ConversationChangeStat
		if err := rows.Scan(&s.ConversationID, &s.Name, &s.ChangeCount); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// GetConversationStats returns one conversation's message and audit counters.
func (db *DB) GetConversationStats(conversationID string) (*ConversationStats, error) {
	s := ConversationStats{ConversationID: conversationID}
	if err := db.QueryRow(`
		SELECT COUNT(*), COUNT(CASE WHEN deleted = 1 THEN 1 END)
		FROM messages
		WHERE conversation_id = ?`, conversationID).Scan(&s.Messages, &s.DeletedMessages); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT action, COUNT(*), MAX(recorded_at)
		FROM message_history
		WHERE conversation_id = ?
		GROUP BY action`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var action string
		var count, last int64
		if err := rows.Scan(&action, &count, &last); err != nil {
			return nil, err
		}
		switch action {
		case ActionCreated:
			s.Created = count
		case ActionEdited:
			s.Edited = count
		case ActionDeleted:
			s.Deleted = count
		}
		if last > s.LastChangeAt {
			s.LastChangeAt = last
		}
	}
	return &s, rows.Err()
}

// TotalsSnapshot returns whole-database counters for the stats surface.
func (db *DB) TotalsSnapshot() (*Totals, error) {
	var t Totals
	if err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&t.Conversations); err != nil {
		return nil, err
	}
	if err := db.QueryRow(`
		SELECT COUNT(*), COUNT(CASE WHEN deleted = 1 THEN 1 END)
		FROM messages`).Scan(&t.Messages, &t.DeletedMessages); err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT action, COUNT(*) FROM message_history GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		switch action {
		case ActionCreated:
			t.Created = count
		case ActionEdited:
			t.Edited = count
		case ActionDeleted:
			t.Deleted = count
		}
	}
	return &t, rows.Err()
}
