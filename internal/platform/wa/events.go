package wa

import (
	"time"

	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/platform"
)

// EventHandler processes whatsmeow events: history batches and live
// messages fill the registry, protocol edits and revokes become normalized
// push events on the bus. It never touches the snapshot itself — the bridge
// subscribes to the bus independently.
type EventHandler struct {
	bus      *bus.Bus
	registry *Registry
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(b *bus.Bus, registry *Registry, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:      b,
		registry: registry,
		logger:   logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.bus.Publish(bus.Event{Kind: "session.connected", Timestamp: time.Now()})
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.bus.Publish(bus.Event{Kind: "session.disconnected", Timestamp: time.Now()})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.bus.Publish(bus.Event{Kind: "session.logged_out", Timestamp: time.Now(), Payload: evt.Reason.String()})
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if push, ok := protocolPush(evt); ok {
		h.registry.Apply(push)
		kind := platform.KindPushEdited
		if push.Kind == platform.PushDeleted {
			kind = platform.KindPushDeleted
		}
		h.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: time.Now(),
			Payload:   push,
		})
		return
	}

	parsed := ParseLiveMessage(evt)
	if parsed.MsgID == "" {
		return
	}
	h.registry.Record(parsed.ToRef())
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	total := 0
	for _, conv := range data.GetConversations() {
		chatJID := conv.GetID()
		if chatJID == "" {
			continue
		}
		h.registry.Upsert(platform.ConversationRef{
			ID:     chatJID,
			Name:   conv.GetName(),
			Kind:   kindFromJID(chatJID),
			Unread: int(conv.GetUnreadCount()),
		})
		for _, hm := range conv.GetMessages() {
			parsed := ParseHistoryMessage(chatJID, hm.GetMessage())
			if parsed == nil || parsed.MsgID == "" {
				continue
			}
			h.registry.Record(parsed.ToRef())
			total++
		}
	}

	if total > 0 {
		h.logger.Info("history batch buffered",
			zap.Int("messages", total),
			zap.Int("conversations", len(data.GetConversations())))
		h.bus.Publish(bus.Event{
			Kind:      "session.history_batch",
			Timestamp: time.Now(),
			Payload:   total,
		})
	}
}
