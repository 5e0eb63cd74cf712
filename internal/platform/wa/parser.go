package wa

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/chatwatch/chatwatch/internal/platform"
)

// ParsedMessage is a normalized WhatsApp message ready for the engine.
type ParsedMessage struct {
	ChatJID        string
	MsgID          string
	SenderJID      string
	SenderName     string
	Body           string
	HasText        bool
	AttachmentKind string
	ReplyToID      string
	FromMe         bool
	Timestamp      time.Time
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	body := extractTextBody(evt.Message)
	return &ParsedMessage{
		ChatJID:        evt.Info.Chat.String(),
		MsgID:          evt.Info.ID,
		SenderJID:      evt.Info.Sender.ToNonAD().String(),
		SenderName:     evt.Info.PushName,
		Body:           body,
		HasText:        hasText(evt.Message),
		AttachmentKind: detectAttachmentKind(evt.Message),
		ReplyToID:      extractReplyTo(evt.Message),
		FromMe:         evt.Info.IsFromMe,
		Timestamp:      evt.Info.Timestamp,
	}
}

// ParseHistoryMessage normalizes one message from a history sync batch.
// Returns nil for entries without payload.
func ParseHistoryMessage(chatJID string, wmsg *waWeb.WebMessageInfo) *ParsedMessage {
	if wmsg == nil || wmsg.GetMessage() == nil {
		return nil
	}
	msg := wmsg.GetMessage()
	sender := wmsg.GetKey().GetParticipant()
	if sender == "" && !wmsg.GetKey().GetFromMe() {
		sender = chatJID
	}
	return &ParsedMessage{
		ChatJID:        chatJID,
		MsgID:          wmsg.GetKey().GetID(),
		SenderJID:      sender,
		Body:           extractTextBody(msg),
		HasText:        hasText(msg),
		AttachmentKind: detectAttachmentKind(msg),
		ReplyToID:      extractReplyTo(msg),
		FromMe:         wmsg.GetKey().GetFromMe(),
		Timestamp:      time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
	}
}

// ToRef converts a parsed message to the engine's message shape. Body is nil
// for media-only messages: no text is not the same as empty text.
func (p *ParsedMessage) ToRef() platform.MessageRef {
	ref := platform.MessageRef{
		ConversationID: p.ChatJID,
		MessageID:      p.MsgID,
		SenderID:       p.SenderJID,
		SenderName:     p.SenderName,
		AttachmentKind: p.AttachmentKind,
		ReplyToID:      p.ReplyToID,
		Timestamp:      p.Timestamp,
	}
	if p.HasText {
		body := p.Body
		ref.Body = &body
	}
	return ref
}

// protocolPush translates a protocol message (edit or revoke) into a push
// event. Returns false for protocol types the engine does not track.
func protocolPush(evt *events.Message) (platform.PushEvent, bool) {
	prot := evt.Message.GetProtocolMessage()
	if prot == nil {
		return platform.PushEvent{}, false
	}
	chat := evt.Info.Chat.String()
	target := prot.GetKey().GetID()
	if target == "" {
		return platform.PushEvent{}, false
	}

	switch prot.GetType() {
	case waE2E.ProtocolMessage_MESSAGE_EDIT:
		edited := prot.GetEditedMessage()
		ref := platform.MessageRef{
			ConversationID: chat,
			MessageID:      target,
			SenderID:       evt.Info.Sender.ToNonAD().String(),
			SenderName:     evt.Info.PushName,
			AttachmentKind: detectAttachmentKind(edited),
			Timestamp:      evt.Info.Timestamp,
		}
		if hasText(edited) {
			body := extractTextBody(edited)
			ref.Body = &body
		}
		return platform.PushEvent{
			Kind:           platform.PushEdited,
			ConversationID: chat,
			MessageID:      target,
			Message:        &ref,
			Timestamp:      evt.Info.Timestamp,
		}, true
	case waE2E.ProtocolMessage_REVOKE:
		return platform.PushEvent{
			Kind:           platform.PushDeleted,
			ConversationID: chat,
			MessageID:      target,
			Timestamp:      evt.Info.Timestamp,
		}, true
	}
	return platform.PushEvent{}, false
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

// hasText reports whether the message carries any text content at all.
// Distinguishes "no text" from "empty text" for the engine's nullable body.
func hasText(msg *waE2E.Message) bool {
	if msg == nil {
		return false
	}
	switch {
	case msg.Conversation != nil:
		return true
	case msg.GetExtendedTextMessage() != nil:
		return true
	case msg.GetImageMessage() != nil && msg.GetImageMessage().Caption != nil:
		return true
	case msg.GetVideoMessage() != nil && msg.GetVideoMessage().Caption != nil:
		return true
	}
	return false
}

func detectAttachmentKind(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return ""
	}
}

func extractReplyTo(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		if ctx := ext.GetContextInfo(); ctx != nil {
			return ctx.GetStanzaID()
		}
	}
	return ""
}
