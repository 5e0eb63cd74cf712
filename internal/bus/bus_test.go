package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("change.", 10)
	defer unsub()

	b.Publish(Event{Kind: "change.edited", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "change.edited" {
			t.Errorf("got kind %q, want change.edited", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("change.", 10)
	defer unsub()

	b.Publish(Event{Kind: "scan.phase_changed"})
	b.Publish(Event{Kind: "change.created"})

	select {
	case evt := <-ch:
		if evt.Kind != "change.created" {
			t.Errorf("got kind %q, want change.created", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the scan event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("change.", 10)
	unsub()

	b.Publish(Event{Kind: "change.deleted"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestRecentFiltersAndLimits(t *testing.T) {
	b := New()
	b.Publish(Event{Kind: "scan.progress"})
	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: "change.edited", Payload: i})
	}

	recent := b.Recent("change.", 3)
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3", len(recent))
	}
	// Oldest first, keeping the newest three.
	if recent[0].Payload != 2 || recent[2].Payload != 4 {
		t.Errorf("recent payloads = %v %v %v, want 2..4", recent[0].Payload, recent[1].Payload, recent[2].Payload)
	}
}

func TestRecentBufferBounded(t *testing.T) {
	b := New()
	for i := 0; i < recentCap*2; i++ {
		b.Publish(Event{Kind: fmt.Sprintf("change.%d", i)})
	}
	recent := b.Recent("change.", 0)
	if len(recent) != recentCap {
		t.Errorf("got %d buffered events, want %d", len(recent), recentCap)
	}
}
