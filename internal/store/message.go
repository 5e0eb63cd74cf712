package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetMessage returns the current state of a message, or nil if never seen.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	var m Message
	var body, senderID sql.NullString
	err := db.QueryRow(`
		SELECT conversation_id, msg_id, sender_id, body, attachment_kind,
		       reply_to_id, views, forwards, sent_at, deleted
		FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID).
		Scan(&m.ConversationID, &m.MsgID, &senderID, &body, &m.AttachmentKind,
			&m.ReplyToID, &m.Views, &m.Forwards, &m.SentAt, &m.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.SenderID = senderID.String
	if body.Valid {
		b := body.String
		m.Body = &b
	}
	return &m, nil
}

// InsertMessageWithHistory inserts a new message row and its 'created'
// history entry as one transaction.
func (db *DB) InsertMessageWithHistory(m *Message, sessionID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, body, attachment_kind,
		                      reply_to_id, views, forwards, sent_at, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ConversationID, m.MsgID, nullStr(m.SenderID), m.Body, m.AttachmentKind,
		m.ReplyToID, m.Views, m.Forwards, m.SentAt, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := appendHistory(tx, m.ConversationID, m.MsgID, ActionCreated, nil, m.Body, sessionID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateMessageWithHistory updates a message to its observed state and
// appends an 'edited' history entry as one transaction. oldBody is the body
// being replaced, preserving edit-chain consistency.
func (db *DB) UpdateMessageWithHistory(m *Message, oldBody *string, sessionID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		UPDATE messages SET
			body = ?, attachment_kind = ?, reply_to_id = ?,
			views = ?, forwards = ?, sent_at = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		m.Body, m.AttachmentKind, m.ReplyToID,
		m.Views, m.Forwards, m.SentAt,
		m.ConversationID, m.MsgID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if err := appendHistory(tx, m.ConversationID, m.MsgID, ActionEdited, oldBody, m.Body, sessionID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateMessageVolatile refreshes counters without touching the audit trail.
// Counters are not content, so they generate no history noise.
func (db *DB) UpdateMessageVolatile(m *Message) error {
	_, err := db.Exec(`
		UPDATE messages SET views = ?, forwards = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		m.Views, m.Forwards, m.ConversationID, m.MsgID)
	return err
}

// TombstoneMessage marks a message deleted and appends a 'deleted' history
// entry as one transaction. The row itself is kept so history stays
// attributable.
func (db *DB) TombstoneMessage(conversationID, msgID string, oldBody *string, sessionID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		UPDATE messages SET deleted = 1
		WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID); err != nil {
		return fmt.Errorf("tombstone message: %w", err)
	}
	if err := appendHistory(tx, conversationID, msgID, ActionDeleted, oldBody, nil, sessionID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkMissingDeleted tombstones every live message in the conversation whose
// id is absent from observedIDs and appends a 'deleted' entry for each, all
// in one transaction. Deletions are inferred from absence because the
// platform's pull API does not report them directly; callers must only use
// this after observing the conversation's full id set. The live set is
// selected whole and diffed here rather than bound into the query, so the
// observed set's size never hits SQLite's bound-variable limit.
func (db *DB) MarkMissingDeleted(conversationID string, observedIDs []string, sessionID string) (int, error) {
	observed := make(map[string]struct{}, len(observedIDs))
	for _, id := range observedIDs {
		observed[id] = struct{}{}
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT msg_id, body FROM messages
		WHERE conversation_id = ? AND deleted = 0`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("select live messages: %w", err)
	}
	type victim struct {
		id   string
		body *string
	}
	var victims []victim
	for rows.Next() {
		var id string
		var body sql.NullString
		if err := rows.Scan(&id, &body); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if _, ok := observed[id]; ok {
			continue
		}
		v := victim{id: id}
		if body.Valid {
			b := body.String
			v.body = &b
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	now := time.Now().UnixMilli()
	for _, v := range victims {
		if _, err := tx.Exec(`
			UPDATE messages SET deleted = 1
			WHERE conversation_id = ? AND msg_id = ?`,
			conversationID, v.id); err != nil {
			return 0, fmt.Errorf("tombstone %s: %w", v.id, err)
		}
		if err := appendHistory(tx, conversationID, v.id, ActionDeleted, v.body, nil, sessionID, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(victims), nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first. Tombstoned messages are included so the UI can
// show deletions in place.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, body, attachment_kind,
		       reply_to_id, views, forwards, sent_at, deleted
		FROM messages
		WHERE conversation_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var body, senderID sql.NullString
		if err := rows.Scan(&m.ConversationID, &m.MsgID, &senderID, &body, &m.AttachmentKind,
			&m.ReplyToID, &m.Views, &m.Forwards, &m.SentAt, &m.Deleted); err != nil {
			return nil, err
		}
		m.SenderID = senderID.String
		if body.Valid {
			b := body.String
			m.Body = &b
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
