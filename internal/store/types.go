package store

// History actions. A message's history chain starts with exactly one
// 'created' entry and ends with at most one 'deleted' entry.
const (
	ActionCreated = "created"
	ActionEdited  = "edited"
	ActionDeleted = "deleted"
)

// Conversation is a synced remote conversation. Rows are upserted on every
// enumeration and never deleted.
type Conversation struct {
	ID                 string
	Name               string
	Kind               string // direct, group, channel
	UnreadCount        int
	LastSyncedAt       int64 // unix millis, 0 = never synced
	CachedMessageCount int64
}

// Participant is a message author. Identity metadata is written once and
// never overwritten.
type Participant struct {
	ID        string
	FirstName string
	LastName  string
	Handle    string
}

// Message is the current state of a remote message. Exactly one row per
// (conversation, msg id); edits mutate it in place, deletions tombstone it.
// Body is nil for messages without text content.
type Message struct {
	ConversationID string
	MsgID          string
	SenderID       string
	Body           *string
	AttachmentKind string
	ReplyToID      string
	Views          int
	Forwards       int
	SentAt         int64 // unix millis
	Deleted        bool
}

// HistoryEntry is one immutable audit record for a message.
type HistoryEntry struct {
	ID             int64
	ConversationID string
	MsgID          string
	Action         string
	OldBody        *string
	NewBody        *string
	RecordedAt     int64 // unix millis
	ScanSession    string
}

// ScanSession brackets one orchestrated run for provenance.
type ScanSession struct {
	ID                 string
	StartedAt          int64
	EndedAt            int64 // 0 while the session is open
	TotalConversations int
	TotalMessages      int
	ChangesDetected    int
}

// SessionTotals are the final counters recorded when a session closes.
type SessionTotals struct {
	Conversations   int
	Messages        int
	ChangesDetected int
}

// EditedMessageStat is a "most edited" aggregation row.
type EditedMessageStat struct {
	ConversationID string
	MsgID          string
	EditCount      int
	CurrentBody    *string
	LastEditAt     int64
}

// ConversationChangeStat is a "most changed" aggregation row.
type ConversationChangeStat struct {
	ConversationID string
	Name           string
	ChangeCount    int
}

// ConversationStats are per-conversation counters for the audit surface.
type ConversationStats struct {
	ConversationID  string `json:"conversation_id"`
	Messages        int64  `json:"messages"`
	DeletedMessages int64  `json:"deleted_messages"`
	Created         int64  `json:"history_created"`
	Edited          int64  `json:"history_edited"`
	Deleted         int64  `json:"history_deleted"`
	LastChangeAt    int64  `json:"last_change_at"`
}

// Totals is a whole-database snapshot for the stats surface.
type Totals struct {
	Conversations   int64 `json:"conversations"`
	Messages        int64 `json:"messages"`
	DeletedMessages int64 `json:"deleted_messages"`
	Created         int64 `json:"history_created"`
	Edited          int64 `json:"history_edited"`
	Deleted         int64 `json:"history_deleted"`
}
