package wa

import (
	"sort"
	"sync"

	"github.com/chatwatch/chatwatch/internal/platform"
)

// Registry buffers conversations and messages received from the WhatsApp
// event stream. WhatsApp delivers history as pushed batches rather than an
// on-demand API, so the registry is what makes the engine's pull contract
// answerable: history-sync and live events fill it, ListConversations and
// FetchMessages read from it.
type Registry struct {
	mu    sync.RWMutex
	convs map[string]*convRecord
}

type convRecord struct {
	ref  platform.ConversationRef
	msgs map[string]platform.MessageRef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{convs: make(map[string]*convRecord)}
}

// Upsert registers a conversation, keeping an existing name when the new ref
// has none. History-sync batches often carry bare JIDs.
func (r *Registry) Upsert(ref platform.ConversationRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.convs[ref.ID]
	if !ok {
		r.convs[ref.ID] = &convRecord{
			ref:  ref,
			msgs: make(map[string]platform.MessageRef),
		}
		return
	}
	if ref.Name != "" {
		rec.ref.Name = ref.Name
	}
	if ref.Kind != "" {
		rec.ref.Kind = ref.Kind
	}
	rec.ref.Unread = ref.Unread
}

// Record buffers a message, creating its conversation if needed. A message
// seen twice keeps the latest observation.
func (r *Registry) Record(msg platform.MessageRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.convs[msg.ConversationID]
	if !ok {
		rec = &convRecord{
			ref:  platform.ConversationRef{ID: msg.ConversationID, Kind: kindFromJID(msg.ConversationID)},
			msgs: make(map[string]platform.MessageRef),
		}
		r.convs[msg.ConversationID] = rec
	}
	rec.msgs[msg.MessageID] = msg
}

// Apply updates a buffered message in place after an edit push. Unknown
// messages are buffered as-is so the next scan observes them.
func (r *Registry) Apply(evt platform.PushEvent) {
	switch evt.Kind {
	case platform.PushEdited:
		if evt.Message != nil {
			r.Record(*evt.Message)
		}
	case platform.PushDeleted:
		r.mu.Lock()
		if rec, ok := r.convs[evt.ConversationID]; ok {
			delete(rec.msgs, evt.MessageID)
		}
		r.mu.Unlock()
	}
}

// List returns the known conversations, sorted by id for stable iteration.
func (r *Registry) List() []platform.ConversationRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]platform.ConversationRef, 0, len(r.convs))
	for _, rec := range r.convs {
		out = append(out, rec.ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stream delivers buffered messages for a conversation through fn, oldest
// first, bounded by opts. A non-nil error from fn aborts the stream.
func (r *Registry) Stream(conversationID string, opts platform.FetchOptions, fn func(platform.MessageRef) error) error {
	r.mu.RLock()
	rec, ok := r.convs[conversationID]
	var msgs []platform.MessageRef
	if ok {
		msgs = make([]platform.MessageRef, 0, len(rec.msgs))
		for _, m := range rec.msgs {
			msgs = append(msgs, m)
		}
	}
	r.mu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	sent := 0
	for _, m := range msgs {
		if !opts.Since.IsZero() && !m.Timestamp.After(opts.Since) {
			continue
		}
		if opts.Limit > 0 && sent >= opts.Limit {
			return nil
		}
		if err := fn(m); err != nil {
			return err
		}
		sent++
	}
	return nil
}

// Len returns the number of buffered messages for a conversation.
func (r *Registry) Len(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.convs[conversationID]; ok {
		return len(rec.msgs)
	}
	return 0
}

// kindFromJID infers the conversation kind from the JID server part.
func kindFromJID(jid string) string {
	switch {
	case len(jid) > 5 && jid[len(jid)-5:] == "@g.us":
		return "group"
	case len(jid) > 10 && jid[len(jid)-10:] == "@broadcast":
		return "channel"
	default:
		return "direct"
	}
}
