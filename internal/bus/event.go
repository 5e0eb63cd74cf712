package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Change event kinds published by the reconciler.
const (
	KindChangeCreated = "change.created"
	KindChangeEdited  = "change.edited"
	KindChangeDeleted = "change.deleted"
)

// ChangeEvent is the payload for change.* events: a transient notification
// derived from an accepted history write. It is broadcast and discarded,
// never persisted beyond the history row that produced it.
type ChangeEvent struct {
	Action         string    `json:"action"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	OldBody        *string   `json:"old_body,omitempty"`
	NewBody        *string   `json:"new_body,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
