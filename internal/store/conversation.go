package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation (last-write-wins).
// first_seen_at is preserved on update.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, kind, unread_count, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Kind, c.UnreadCount, now, now)
	return err
}

// EnsureConversation inserts a bare conversation row if absent, so message
// writes observed before an enumeration never violate the foreign key.
func (db *DB) EnsureConversation(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, first_seen_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, now, now)
	return err
}

// GetConversation returns a conversation by id, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var lastSynced sql.NullInt64
	err := db.QueryRow(`
		SELECT id, name, kind, unread_count, last_synced_at, cached_message_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Kind, &c.UnreadCount, &lastSynced, &c.CachedMessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastSyncedAt = lastSynced.Int64
	return &c, nil
}

// ListConversations returns all conversations ordered by last sync time.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, name, kind, unread_count, last_synced_at, cached_message_count
		FROM conversations
		ORDER BY last_synced_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var lastSynced sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &c.Kind, &c.UnreadCount, &lastSynced, &c.CachedMessageCount); err != nil {
			return nil, err
		}
		c.LastSyncedAt = lastSynced.Int64
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// TouchConversationSynced records a completed sync pass: refreshes the
// last-sync timestamp and the cached count of live messages.
func (db *DB) TouchConversationSynced(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_synced_at = ?,
			cached_message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND deleted = 0),
			updated_at = ?
		WHERE id = ?`,
		now, id, now, id)
	return err
}

// CachedMessageCount returns the number of live (non-tombstoned) messages
// stored for a conversation.
func (db *DB) CachedMessageCount(conversationID string) (int64, error) {
	var count int64
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND deleted = 0`, conversationID).Scan(&count)
	return count, err
}

// LastObservedTimestamp returns the newest live message timestamp for a
// conversation in unix millis, or 0 when none exists. Drives the
// incremental-pull decision.
func (db *DB) LastObservedTimestamp(conversationID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`
		SELECT MAX(sent_at) FROM messages
		WHERE conversation_id = ? AND deleted = 0`, conversationID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}
