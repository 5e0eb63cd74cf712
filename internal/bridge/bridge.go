// Package bridge routes realtime push notifications into the reconciler.
// The platform adapter publishes normalized push events on the bus; the
// bridge consumes them so live edits and deletions land in the snapshot
// between scans.
package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/platform"
	"github.com/chatwatch/chatwatch/internal/reconcile"
)

// liveSession tags history entries written outside an orchestrated run.
const liveSession = "live"

// Stats are the bridge's session counters.
type Stats struct {
	EditsApplied   int64 `json:"edits_applied"`
	DeletesApplied int64 `json:"deletes_applied"`
	Ignored        int64 `json:"ignored"`
}

// Bridge subscribes to push events and applies them through the reconciler.
type Bridge struct {
	bus   *bus.Bus
	rec   *reconcile.Reconciler
	log   *zap.Logger
	allow map[string]struct{}

	mu      sync.Mutex
	running bool
	stop    func()
	done    chan struct{}

	edits   int64
	deletes int64
	ignored int64
}

// New creates a bridge. conversations is an allow-list of conversation ids;
// empty means everything is monitored.
func New(b *bus.Bus, rec *reconcile.Reconciler, conversations []string, log *zap.Logger) *Bridge {
	var allow map[string]struct{}
	if len(conversations) > 0 {
		allow = make(map[string]struct{}, len(conversations))
		for _, id := range conversations {
			allow[id] = struct{}{}
		}
	}
	return &Bridge{
		bus:   b,
		rec:   rec,
		log:   log.Named("bridge"),
		allow: allow,
	}
}

// Start begins consuming push events. Starting an active bridge is a no-op
// with a warning, not an error.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		b.log.Warn("bridge already running")
		return
	}

	ch, cancel := b.bus.Subscribe("platform.", 64)
	b.stop = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.loop(ch, b.done)
	b.log.Info("bridge started", zap.Int("allow_list", len(b.allow)))
}

// Stop stops consuming. Stopping an idle bridge is a no-op with a warning.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		b.log.Warn("bridge not running")
		return
	}
	b.running = false
	stop, done := b.stop, b.done
	b.mu.Unlock()

	stop()
	close(done)
	b.log.Info("bridge stopped")
}

// Running reports whether the bridge is consuming events.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Stats returns the session counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		EditsApplied:   b.edits,
		DeletesApplied: b.deletes,
		Ignored:        b.ignored,
	}
}

func (b *Bridge) loop(ch <-chan bus.Event, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.handle(evt)
		}
	}
}

func (b *Bridge) handle(evt bus.Event) {
	push, ok := evt.Payload.(platform.PushEvent)
	if !ok {
		return
	}
	if b.allow != nil {
		if _, ok := b.allow[push.ConversationID]; !ok {
			b.mu.Lock()
			b.ignored++
			b.mu.Unlock()
			return
		}
	}

	switch push.Kind {
	case platform.PushEdited:
		out, err := b.rec.ApplyPushEdit(push, liveSession)
		if err != nil {
			b.log.Error("apply push edit",
				zap.String("conversation_id", push.ConversationID),
				zap.String("msg_id", push.MessageID),
				zap.Error(err))
			return
		}
		if out == reconcile.OutcomeEdited || out == reconcile.OutcomeCreated {
			b.mu.Lock()
			b.edits++
			b.mu.Unlock()
			b.log.Info("live edit applied",
				zap.String("conversation_id", push.ConversationID),
				zap.String("msg_id", push.MessageID))
		}
	case platform.PushDeleted:
		out, err := b.rec.ApplyPushDelete(push, liveSession)
		if err != nil {
			b.log.Error("apply push delete",
				zap.String("conversation_id", push.ConversationID),
				zap.String("msg_id", push.MessageID),
				zap.Error(err))
			return
		}
		if out == reconcile.OutcomeDeleted {
			b.mu.Lock()
			b.deletes++
			b.mu.Unlock()
			b.log.Info("live deletion applied",
				zap.String("conversation_id", push.ConversationID),
				zap.String("msg_id", push.MessageID))
		}
	}
}
