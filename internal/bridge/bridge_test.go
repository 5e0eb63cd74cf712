package bridge

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/platform"
	"github.com/chatwatch/chatwatch/internal/reconcile"
	"github.com/chatwatch/chatwatch/internal/store"
)

func strp(s string) *string { return &s }

func testBridge(t *testing.T, allow []string) (*Bridge, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	rec := reconcile.New(db, b, zap.NewNop())
	br := New(b, rec, allow, zap.NewNop())
	t.Cleanup(func() {
		if br.Running() {
			br.Stop()
		}
	})
	return br, db, b
}

func seedMessage(t *testing.T, db *store.DB, convID, msgID, body string) {
	t.Helper()
	if err := db.EnsureConversation(convID); err != nil {
		t.Fatal(err)
	}
	m := &store.Message{ConversationID: convID, MsgID: msgID, Body: strp(body), SentAt: 1000}
	if err := db.InsertMessageWithHistory(m, "seed"); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls until cond holds or the deadline passes. Bridge delivery is
// asynchronous, so tests wait instead of sleeping a fixed amount.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func pushEdit(b *bus.Bus, convID, msgID, body string) {
	m := platform.MessageRef{
		ConversationID: convID,
		MessageID:      msgID,
		Body:           strp(body),
		Timestamp:      time.Now(),
	}
	b.Publish(bus.Event{
		Kind:      platform.KindPushEdited,
		Timestamp: time.Now(),
		Payload: platform.PushEvent{
			Kind:           platform.PushEdited,
			ConversationID: convID,
			MessageID:      msgID,
			Message:        &m,
			Timestamp:      time.Now(),
		},
	})
}

func pushDelete(b *bus.Bus, convID, msgID string) {
	b.Publish(bus.Event{
		Kind:      platform.KindPushDeleted,
		Timestamp: time.Now(),
		Payload: platform.PushEvent{
			Kind:           platform.PushDeleted,
			ConversationID: convID,
			MessageID:      msgID,
			Timestamp:      time.Now(),
		},
	})
}

func TestBridgeAppliesEdit(t *testing.T) {
	br, db, b := testBridge(t, nil)
	seedMessage(t, db, "c1", "m1", "v1")
	br.Start()

	pushEdit(b, "c1", "m1", "v2")
	waitFor(t, func() bool { return br.Stats().EditsApplied == 1 })

	m, err := db.GetMessage("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Body == nil || *m.Body != "v2" {
		t.Errorf("body = %v, want v2", m.Body)
	}
	chain, _ := db.HistoryForMessage("c1", "m1")
	if len(chain) != 2 || chain[1].ScanSession != "live" {
		t.Errorf("chain = %+v, want live edited entry", chain)
	}
}

func TestBridgeAppliesDelete(t *testing.T) {
	br, db, b := testBridge(t, nil)
	seedMessage(t, db, "c1", "m1", "bye")
	br.Start()

	pushDelete(b, "c1", "m1")
	waitFor(t, func() bool { return br.Stats().DeletesApplied == 1 })

	m, _ := db.GetMessage("c1", "m1")
	if !m.Deleted {
		t.Error("message not tombstoned")
	}
}

func TestBridgeAllowList(t *testing.T) {
	br, db, b := testBridge(t, []string{"c1"})
	seedMessage(t, db, "c1", "m1", "in")
	seedMessage(t, db, "c2", "m1", "out")
	br.Start()

	pushEdit(b, "c2", "m1", "changed")
	pushEdit(b, "c1", "m1", "changed")
	waitFor(t, func() bool {
		s := br.Stats()
		return s.EditsApplied == 1 && s.Ignored == 1
	})

	m, _ := db.GetMessage("c2", "m1")
	if m.Body == nil || *m.Body != "out" {
		t.Error("allow-listed bridge must not touch other conversations")
	}
}

func TestBridgeStartStopIdempotent(t *testing.T) {
	br, _, _ := testBridge(t, nil)

	br.Stop() // not running: warn, no panic
	br.Start()
	br.Start() // running: warn, no second consumer
	if !br.Running() {
		t.Error("bridge should be running")
	}
	br.Stop()
	if br.Running() {
		t.Error("bridge should be stopped")
	}
	br.Stop()

	// Restartable after a stop.
	br.Start()
	if !br.Running() {
		t.Error("bridge should restart")
	}
	br.Stop()
}

func TestBridgeIgnoresForeignPayloads(t *testing.T) {
	br, _, b := testBridge(t, nil)
	br.Start()

	b.Publish(bus.Event{Kind: "platform.other", Timestamp: time.Now(), Payload: "not a push event"})
	// Nothing to wait for; just make sure the loop survives.
	time.Sleep(20 * time.Millisecond)
	if s := br.Stats(); s.EditsApplied != 0 || s.DeletesApplied != 0 {
		t.Errorf("stats = %+v, want untouched", s)
	}
}
