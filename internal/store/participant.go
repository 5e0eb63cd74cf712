package store

import (
	"database/sql"
	"time"
)

// UpsertParticipantIfAbsent records a participant the first time they are
// observed. Existing rows are never overwritten: identity metadata is stable
// enough not to need edit tracking.
func (db *DB) UpsertParticipantIfAbsent(p *Participant) error {
	_, err := db.Exec(`
		INSERT INTO participants (id, first_name, last_name, handle, first_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		p.ID, p.FirstName, p.LastName, p.Handle, time.Now().UnixMilli())
	return err
}

// GetParticipant returns a participant by id, or nil if unknown.
func (db *DB) GetParticipant(id string) (*Participant, error) {
	var p Participant
	err := db.QueryRow(`
		SELECT id, first_name, last_name, handle
		FROM participants WHERE id = ?`, id).
		Scan(&p.ID, &p.FirstName, &p.LastName, &p.Handle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
