package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/chatwatch/chatwatch/internal/bus"
)

func TestMachineStartsIdle(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial phase = %s, want IDLE", m.Current())
	}
}

func TestMachineValidRun(t *testing.T) {
	m := NewMachine(nil)
	for _, to := range []Phase{Deciding, Fetching, Reconciling, Fetching, Reconciling, MarkingDeleted, Done} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.Current() != Done {
		t.Errorf("final phase = %s, want DONE", m.Current())
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(MarkingDeleted); err == nil {
		t.Error("IDLE -> MARKING_DELETED should be rejected")
	}
	if m.Current() != Idle {
		t.Errorf("phase after rejected transition = %s, want IDLE", m.Current())
	}
}

func TestMachineInterruptFromAnyActivePhase(t *testing.T) {
	for _, from := range []Phase{Deciding, Fetching, Reconciling, MarkingDeleted} {
		m := NewMachine(nil)
		_ = m.Transition(Deciding)
		switch from {
		case Fetching:
			_ = m.Transition(Fetching)
		case Reconciling:
			_ = m.Transition(Fetching)
			_ = m.Transition(Reconciling)
		case MarkingDeleted:
			_ = m.Transition(Fetching)
			_ = m.Transition(Reconciling)
			_ = m.Transition(MarkingDeleted)
		}
		if err := m.Transition(Interrupted); err != nil {
			t.Errorf("%s -> INTERRUPTED: %v", from, err)
		}
	}
}

func TestMachinePublishesPhaseChanges(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe("scan.phase_changed", 4)
	defer cancel()

	m := NewMachine(b)
	if err := m.Transition(Deciding); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change := evt.Payload.(PhaseChange)
		if change.From != Idle || change.To != Deciding {
			t.Errorf("change = %+v", change)
		}
	default:
		t.Error("no phase change event published")
	}
}

func registerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "status.json")
}

func TestRegisterUpdatePersists(t *testing.T) {
	path := registerPath(t)
	r, err := NewRegister(path)
	if err != nil {
		t.Fatal(err)
	}

	err = r.Update(func(s *Snapshot) {
		s.IsActive = true
		s.Phase = Fetching
		s.CurrentOperation = "full scan"
		s.CurrentConversation = "c1"
		s.Progress = Progress{TotalUnits: 100, ProcessedUnits: 40, ETASeconds: 12.5}
	})
	if err != nil {
		t.Fatal(err)
	}

	// The file on disk matches the in-memory record.
	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsActive || got.Phase != Fetching || got.Progress.ProcessedUnits != 40 {
		t.Errorf("file record = %+v", got)
	}
	if got.LastUpdate == 0 {
		t.Error("last_update not stamped")
	}
}

func TestRegisterInterruptionFlag(t *testing.T) {
	r, err := NewRegister(registerPath(t))
	if err != nil {
		t.Fatal(err)
	}
	if r.InterruptionRequested() {
		t.Error("fresh register should not have interruption pending")
	}
	if err := r.RequestInterruption(); err != nil {
		t.Fatal(err)
	}
	if !r.InterruptionRequested() {
		t.Error("interruption flag not set")
	}
}

func TestRegisterReloadClearsActive(t *testing.T) {
	path := registerPath(t)
	r, err := NewRegister(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Update(func(s *Snapshot) { s.IsActive = true; s.Phase = Fetching }); err != nil {
		t.Fatal(err)
	}

	// A new register over the same file represents a restarted daemon: the
	// old run cannot still be active.
	r2, err := NewRegister(path)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Get().IsActive {
		t.Error("reloaded register should not report an active run")
	}
	if r2.Get().Phase != Fetching {
		t.Errorf("phase = %s, want FETCHING preserved", r2.Get().Phase)
	}
}

func TestRegisterCorruptFileStartsClean(t *testing.T) {
	path := registerPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := NewRegister(path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Get().Phase != Idle {
		t.Errorf("phase = %s, want IDLE", r.Get().Phase)
	}
}

func TestRegisterFileIsWholeRecord(t *testing.T) {
	path := registerPath(t)
	r, err := NewRegister(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Update(func(s *Snapshot) { s.LastError = "boom" }); err != nil {
		t.Fatal(err)
	}
	if err := r.Update(func(s *Snapshot) { s.LastError = "" }); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["last_error"]; ok {
		t.Error("cleared field still present: file is not a whole-record replace")
	}
}
