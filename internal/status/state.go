// Package status tracks the engine's run lifecycle: a phase machine
// enforcing valid run transitions and a file-backed register external
// processes read for progress.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chatwatch/chatwatch/internal/bus"
)

// Phase represents one stage of an orchestrated run.
type Phase string

const (
	Idle           Phase = "IDLE"
	Deciding       Phase = "DECIDING"
	Fetching       Phase = "FETCHING"
	Reconciling    Phase = "RECONCILING"
	MarkingDeleted Phase = "MARKING_DELETED"
	Done           Phase = "DONE"
	Interrupted    Phase = "INTERRUPTED"
)

// validTransitions defines allowed phase transitions. Fetching and
// Reconciling alternate per conversation; any active phase may be
// interrupted.
var validTransitions = map[Phase][]Phase{
	Idle:           {Deciding},
	Deciding:       {Fetching, Done, Interrupted},
	Fetching:       {Reconciling, Deciding, Done, Interrupted},
	Reconciling:    {Fetching, MarkingDeleted, Deciding, Done, Interrupted},
	MarkingDeleted: {Deciding, Done, Interrupted},
	Done:           {Deciding},
	Interrupted:    {Deciding},
}

// Machine tracks and enforces run phase transitions.
type Machine struct {
	mu      sync.RWMutex
	current Phase
	bus     *bus.Bus
}

// NewMachine creates a new phase machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new phase. Returns error if the
// transition is invalid.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "scan.phase_changed",
			Timestamp: time.Now(),
			Payload: PhaseChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// PhaseChange is the payload for phase change events.
type PhaseChange struct {
	From Phase
	To   Phase
}
