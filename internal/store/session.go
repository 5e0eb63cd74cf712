package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// OpenSession creates a new scan session and returns its id. Every history
// entry written during the run carries it for provenance.
func (db *DB) OpenSession() (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO scan_sessions (id, started_at)
		VALUES (?, ?)`, id, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return id, nil
}

// CloseSession records the end time and final counters for a session.
// Called both on normal completion and on interruption.
func (db *DB) CloseSession(id string, totals SessionTotals) error {
	_, err := db.Exec(`
		UPDATE scan_sessions SET
			ended_at = ?,
			total_conversations = ?,
			total_messages = ?,
			changes_detected = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), totals.Conversations, totals.Messages, totals.ChangesDetected, id)
	return err
}

// GetSession returns a scan session by id, or nil if unknown.
func (db *DB) GetSession(id string) (*ScanSession, error) {
	var s ScanSession
	var ended sql.NullInt64
	err := db.QueryRow(`
		SELECT id, started_at, ended_at, total_conversations, total_messages, changes_detected
		FROM scan_sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.StartedAt, &ended, &s.TotalConversations, &s.TotalMessages, &s.ChangesDetected)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.EndedAt = ended.Int64
	return &s, nil
}

// RecentSessions returns the latest scan sessions, newest first.
func (db *DB) RecentSessions(limit int) ([]ScanSession, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.Query(`
		SELECT id, started_at, ended_at, total_conversations, total_messages, changes_detected
		FROM scan_sessions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []ScanSession
	for rows.Next() {
		var s ScanSession
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &s.StartedAt, &ended, &s.TotalConversations, &s.TotalMessages, &s.ChangesDetected); err != nil {
			return nil, err
		}
		s.EndedAt = ended.Int64
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecentlyAudited reports whether the conversation had any audit activity
// within the window. Used to skip conversations whose changes were checked
// recently.
func (db *DB) RecentlyAudited(conversationID string, window time.Duration) (bool, error) {
	var last sql.NullInt64
	err := db.QueryRow(`
		SELECT MAX(recorded_at) FROM message_history
		WHERE conversation_id = ?`, conversationID).Scan(&last)
	if err != nil {
		return false, err
	}
	if !last.Valid {
		return false, nil
	}
	cutoff := time.Now().Add(-window).UnixMilli()
	return last.Int64 >= cutoff, nil
}
