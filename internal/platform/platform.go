// Package platform defines the remote chat-platform capability the engine
// consumes, plus the error taxonomy remote calls are classified into. The
// engine never talks to a platform SDK directly; adapters normalize their
// platform's wire shapes into these types at the boundary.
package platform

import (
	"context"
	"time"
)

// ConversationRef identifies a remote conversation.
type ConversationRef struct {
	ID     string
	Name   string
	Kind   string // direct, group, channel
	Unread int
}

// MessageRef is a normalized observation of a remote message. Body is nil for
// messages with no text content (media-only), which is distinct from an empty
// string body.
type MessageRef struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	SenderHandle   string
	Body           *string
	AttachmentKind string
	ReplyToID      string
	Views          int
	Forwards       int
	Timestamp      time.Time
}

// Bus event kinds for push notifications published by adapters. Payload is
// always a PushEvent.
const (
	KindPushEdited  = "platform.edited"
	KindPushDeleted = "platform.deleted"
)

// PushKind discriminates push notification payloads.
type PushKind string

const (
	PushEdited  PushKind = "edited"
	PushDeleted PushKind = "deleted"
)

// PushEvent is a normalized push notification. For PushEdited, Message holds
// the observed post-edit state (possibly partial: zero counters when the
// payload omitted them). For PushDeleted only the ids are meaningful.
type PushEvent struct {
	Kind           PushKind
	ConversationID string
	MessageID      string
	Message        *MessageRef
	Timestamp      time.Time
}

// FetchOptions bounds a message pull.
type FetchOptions struct {
	// Limit caps the number of messages streamed. 0 means no cap.
	Limit int
	// Since restricts the pull to messages newer than the given time.
	// Zero means the full history.
	Since time.Time
}

// Client is the remote chat-platform capability. Implementations are not
// required to be safe for concurrent pulls: the orchestrator issues calls
// strictly sequentially against one authenticated session.
type Client interface {
	// ListConversations enumerates the account's conversations.
	ListConversations(ctx context.Context) ([]ConversationRef, error)

	// FetchMessages streams messages for a conversation through fn, newest
	// first or oldest first at the adapter's discretion, bounded by opts.
	// A non-nil error from fn aborts the stream and is returned as-is.
	FetchMessages(ctx context.Context, conversationID string, opts FetchOptions, fn func(MessageRef) error) error

	// CheckAccount verifies the authenticated session is usable. Returns
	// ErrAccountRestricted when the account itself is restricted.
	CheckAccount(ctx context.Context) error
}
