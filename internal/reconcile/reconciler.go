// Package reconcile classifies observed remote messages against the local
// snapshot and applies the resulting writes. It is the single write path for
// message state: the scan engine and the realtime bridge both feed
// observations through it, never the store directly, so pull and push can
// never interleave partial writes for the same message.
package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/platform"
	"github.com/chatwatch/chatwatch/internal/store"
)

// Outcome classifies one observation.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeEdited    Outcome = "edited"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDeleted   Outcome = "deleted"
	// OutcomeAnomaly marks a resurrection-style invariant violation: a
	// tombstoned message observed again. Logged, never written.
	OutcomeAnomaly Outcome = "anomaly"
)

// Reconciler owns the compare-and-write step between observed remote state
// and the local snapshot.
type Reconciler struct {
	store *store.DB
	bus   *bus.Bus
	log   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Reconciler writing through the given store and publishing
// change events on the given bus.
func New(db *store.DB, b *bus.Bus, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store: db,
		bus:   b,
		log:   log.Named("reconcile"),
		locks: make(map[string]*sync.Mutex),
	}
}

// convLock returns the per-conversation mutex, creating it on first use.
// Serializing per conversation is enough: observations for different
// conversations never touch the same rows.
func (r *Reconciler) convLock(conversationID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[conversationID] = l
	}
	return l
}

// Observe reconciles one pulled message against the snapshot and returns how
// it was classified. Sender identity is recorded as a side effect.
func (r *Reconciler) Observe(ref platform.MessageRef, sessionID string) (Outcome, error) {
	l := r.convLock(ref.ConversationID)
	l.Lock()
	defer l.Unlock()

	if ref.SenderID != "" {
		p := &store.Participant{
			ID:        ref.SenderID,
			FirstName: ref.SenderName,
			Handle:    ref.SenderHandle,
		}
		if err := r.store.UpsertParticipantIfAbsent(p); err != nil {
			return "", err
		}
	}

	current, err := r.store.GetMessage(ref.ConversationID, ref.MessageID)
	if err != nil {
		return "", err
	}

	observed := refToMessage(ref)

	if current == nil {
		if err := r.store.InsertMessageWithHistory(observed, sessionID); err != nil {
			return "", err
		}
		r.publish(bus.KindChangeCreated, store.ActionCreated, observed.ConversationID, observed.MsgID, nil, observed.Body)
		return OutcomeCreated, nil
	}

	if current.Deleted {
		// A message reappearing after a tombstone means our deletion
		// inference was wrong or the platform resurrected it. Either way the
		// snapshot must not change on its say-so: the tombstone and its
		// history chain stand, the observation is only logged.
		r.log.Warn("tombstoned message reappeared",
			zap.String("conversation_id", ref.ConversationID),
			zap.String("msg_id", ref.MessageID),
			zap.String("session_id", sessionID))
		return OutcomeAnomaly, nil
	}

	if bodyChanged(current.Body, observed.Body) {
		if err := r.store.UpdateMessageWithHistory(observed, current.Body, sessionID); err != nil {
			return "", err
		}
		r.publish(bus.KindChangeEdited, store.ActionEdited, observed.ConversationID, observed.MsgID, current.Body, observed.Body)
		return OutcomeEdited, nil
	}

	// Same content: refresh volatile counters only, no history entry.
	if current.Views != observed.Views || current.Forwards != observed.Forwards {
		if err := r.store.UpdateMessageVolatile(observed); err != nil {
			return "", err
		}
	}
	return OutcomeUnchanged, nil
}

// ApplyPushEdit reconciles an edit notification. Push payloads can be
// partial, so the snapshot's counters are kept when the payload carries
// zeroes.
func (r *Reconciler) ApplyPushEdit(evt platform.PushEvent, sessionID string) (Outcome, error) {
	if evt.Message == nil {
		r.log.Warn("edit push without message payload",
			zap.String("conversation_id", evt.ConversationID),
			zap.String("msg_id", evt.MessageID))
		return OutcomeUnchanged, nil
	}

	l := r.convLock(evt.ConversationID)
	l.Lock()
	defer l.Unlock()

	current, err := r.store.GetMessage(evt.ConversationID, evt.MessageID)
	if err != nil {
		return "", err
	}

	observed := refToMessage(*evt.Message)
	if current == nil {
		// Edit for a message we never pulled: record it as a creation so
		// the next scan has something to compare against.
		if err := r.store.EnsureConversation(evt.ConversationID); err != nil {
			return "", err
		}
		if err := r.store.InsertMessageWithHistory(observed, sessionID); err != nil {
			return "", err
		}
		r.publish(bus.KindChangeCreated, store.ActionCreated, observed.ConversationID, observed.MsgID, nil, observed.Body)
		return OutcomeCreated, nil
	}

	if current.Deleted {
		r.log.Warn("edit push for tombstoned message ignored",
			zap.String("conversation_id", evt.ConversationID),
			zap.String("msg_id", evt.MessageID))
		return OutcomeAnomaly, nil
	}

	if observed.Views == 0 && observed.Forwards == 0 {
		observed.Views = current.Views
		observed.Forwards = current.Forwards
	}
	if observed.SentAt == 0 {
		observed.SentAt = current.SentAt
	}

	if !bodyChanged(current.Body, observed.Body) {
		return OutcomeUnchanged, nil
	}
	if err := r.store.UpdateMessageWithHistory(observed, current.Body, sessionID); err != nil {
		return "", err
	}
	r.publish(bus.KindChangeEdited, store.ActionEdited, observed.ConversationID, observed.MsgID, current.Body, observed.Body)
	return OutcomeEdited, nil
}

// ApplyPushDelete reconciles an explicit deletion notification by
// tombstoning the message. Unknown messages are ignored: there is nothing to
// tombstone and nothing to attribute the history entry to.
func (r *Reconciler) ApplyPushDelete(evt platform.PushEvent, sessionID string) (Outcome, error) {
	l := r.convLock(evt.ConversationID)
	l.Lock()
	defer l.Unlock()

	current, err := r.store.GetMessage(evt.ConversationID, evt.MessageID)
	if err != nil {
		return "", err
	}
	if current == nil || current.Deleted {
		return OutcomeUnchanged, nil
	}

	if err := r.store.TombstoneMessage(evt.ConversationID, evt.MessageID, current.Body, sessionID); err != nil {
		return "", err
	}
	r.publish(bus.KindChangeDeleted, store.ActionDeleted, evt.ConversationID, evt.MessageID, current.Body, nil)
	return OutcomeDeleted, nil
}

// MarkMissing tombstones every live message in the conversation absent from
// observedIDs, publishing one change event per inferred deletion.
func (r *Reconciler) MarkMissing(conversationID string, observedIDs []string, sessionID string) (int, error) {
	l := r.convLock(conversationID)
	l.Lock()
	defer l.Unlock()

	n, err := r.store.MarkMissingDeleted(conversationID, observedIDs, sessionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("inferred deletions",
			zap.String("conversation_id", conversationID),
			zap.Int("count", n))
		// The per-message detail lives in history; the feed gets one event
		// per victim from the history rows just written.
		entries, err := r.store.HistoryForConversation(conversationID, n)
		if err == nil {
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				if e.Action == store.ActionDeleted && e.ScanSession == sessionID {
					r.publish(bus.KindChangeDeleted, store.ActionDeleted, e.ConversationID, e.MsgID, e.OldBody, nil)
				}
			}
		}
	}
	return n, nil
}

func (r *Reconciler) publish(kind, action, conversationID, msgID string, oldBody, newBody *string) {
	r.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: bus.ChangeEvent{
			Action:         action,
			ConversationID: conversationID,
			MessageID:      msgID,
			OldBody:        oldBody,
			NewBody:        newBody,
			Timestamp:      time.Now(),
		},
	})
}

func refToMessage(ref platform.MessageRef) *store.Message {
	return &store.Message{
		ConversationID: ref.ConversationID,
		MsgID:          ref.MessageID,
		SenderID:       ref.SenderID,
		Body:           ref.Body,
		AttachmentKind: ref.AttachmentKind,
		ReplyToID:      ref.ReplyToID,
		Views:          ref.Views,
		Forwards:       ref.Forwards,
		SentAt:         ref.Timestamp.UnixMilli(),
	}
}

// bodyChanged compares nullable bodies. nil and empty string are distinct:
// media-only versus cleared text.
func bodyChanged(a, b *string) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return *a != *b
}
