package status

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Progress is the progress block of the run record.
type Progress struct {
	TotalUnits     int     `json:"total_units"`
	ProcessedUnits int     `json:"processed_units"`
	ETASeconds     float64 `json:"eta_seconds"`
}

// Snapshot is the single current-run record. It always describes the latest
// run: there is no history here, only current state. History lives in the
// scan_sessions table.
type Snapshot struct {
	IsActive              bool     `json:"is_active"`
	Phase                 Phase    `json:"phase"`
	CurrentOperation      string   `json:"current_operation"`
	CurrentConversation   string   `json:"current_conversation,omitempty"`
	SessionID             string   `json:"session_id,omitempty"`
	Progress              Progress `json:"progress"`
	InterruptionRequested bool     `json:"interruption_requested"`
	LastError             string   `json:"last_error,omitempty"`
	LastUpdate            int64    `json:"last_update"` // unix millis
}

// Register holds the current-run record in memory and mirrors every update
// to a JSON file so external processes can read progress without talking to
// the daemon. Writes replace the whole record; partial updates do not exist.
type Register struct {
	mu   sync.Mutex
	path string
	snap Snapshot
}

// NewRegister creates a register mirrored to path. An existing file is
// loaded so interruption state survives a daemon restart; a missing or
// corrupt file starts clean.
func NewRegister(path string) (*Register, error) {
	r := &Register{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.snap = Snapshot{Phase: Idle}
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &r.snap); err != nil {
		r.snap = Snapshot{Phase: Idle}
	}
	// A run recorded as active did not survive the previous process.
	r.snap.IsActive = false
	return r, nil
}

// Get returns a copy of the current record.
func (r *Register) Get() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Update applies fn to the record and persists the result. fn runs under the
// register lock and must not block.
func (r *Register) Update(fn func(*Snapshot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.snap)
	r.snap.LastUpdate = time.Now().UnixMilli()
	return r.persist()
}

// RequestInterruption flips the interruption flag. The orchestrator observes
// it between message units; nothing is cancelled mid-write.
func (r *Register) RequestInterruption() error {
	return r.Update(func(s *Snapshot) {
		s.InterruptionRequested = true
	})
}

// InterruptionRequested reports whether an interruption is pending.
func (r *Register) InterruptionRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.InterruptionRequested
}

// persist writes the record via temp file + rename so readers never see a
// torn record. Caller holds the lock.
func (r *Register) persist() error {
	data, err := json.MarshalIndent(r.snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Read loads a status record straight from disk. Used by the control CLI
// when the daemon is unreachable.
func Read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
