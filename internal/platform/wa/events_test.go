package wa

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/platform"
)

func newHandler() (*EventHandler, *Registry, *bus.Bus) {
	b := bus.New()
	reg := NewRegistry()
	return NewEventHandler(b, reg, zap.NewNop()), reg, b
}

func liveMessage(chat, id, body string, ts time.Time) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			ID:        id,
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: chat, Server: "g.us"},
				Sender: types.JID{User: "sender", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String(body)},
	}
}

func TestHandleLiveMessageFillsRegistry(t *testing.T) {
	h, reg, _ := newHandler()

	h.Handle(liveMessage("chat", "m1", "hello", time.Now()))

	if reg.Len("chat@g.us") != 1 {
		t.Fatalf("buffered = %d, want 1", reg.Len("chat@g.us"))
	}
	convs := reg.List()
	if len(convs) != 1 || convs[0].Kind != "group" {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestHandleHistorySync(t *testing.T) {
	h, reg, b := newHandler()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	msgTS := uint64(time.Now().Unix())
	h.Handle(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID:   proto.String("chat@g.us"),
					Name: proto.String("Team"),
					Messages: []*waHistorySync.HistorySyncMsg{
						{
							Message: &waWeb.WebMessageInfo{
								Key: &waCommon.MessageKey{
									ID:        proto.String("hm1"),
									FromMe:    proto.Bool(false),
									RemoteJID: proto.String("chat@g.us"),
								},
								MessageTimestamp: &msgTS,
								Message:          &waE2E.Message{Conversation: proto.String("history msg")},
							},
						},
						{
							// No payload: skipped, not fatal.
							Message: &waWeb.WebMessageInfo{},
						},
					},
				},
			},
		},
	})

	if reg.Len("chat@g.us") != 1 {
		t.Errorf("buffered = %d, want 1", reg.Len("chat@g.us"))
	}
	convs := reg.List()
	if len(convs) != 1 || convs[0].Name != "Team" {
		t.Errorf("conversations = %+v", convs)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "session.history_batch" {
			t.Errorf("event kind = %q, want session.history_batch", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for history batch event")
	}
}

func TestHandleEditPublishesPushEvent(t *testing.T) {
	h, reg, b := newHandler()
	h.Handle(liveMessage("chat", "m1", "original", time.Now()))

	ch, unsub := b.Subscribe("platform.", 10)
	defer unsub()

	h.Handle(&events.Message{
		Info: types.MessageInfo{
			ID:        "EDIT1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "chat", Server: "g.us"},
				Sender: types.JID{User: "sender", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{
			ProtocolMessage: &waE2E.ProtocolMessage{
				Type:          waE2E.ProtocolMessage_MESSAGE_EDIT.Enum(),
				Key:           &waCommon.MessageKey{ID: proto.String("m1"), RemoteJID: proto.String("chat@g.us")},
				EditedMessage: &waE2E.Message{Conversation: proto.String("fixed")},
			},
		},
	})

	select {
	case evt := <-ch:
		if evt.Kind != platform.KindPushEdited {
			t.Fatalf("event kind = %q, want %s", evt.Kind, platform.KindPushEdited)
		}
		push := evt.Payload.(platform.PushEvent)
		if push.MessageID != "m1" || push.Message == nil || *push.Message.Body != "fixed" {
			t.Errorf("push = %+v", push)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for push event")
	}

	// The registry buffer reflects the edit so the next pull observes it.
	var got *platform.MessageRef
	_ = reg.Stream("chat@g.us", platform.FetchOptions{}, func(m platform.MessageRef) error {
		if m.MessageID == "m1" {
			got = &m
		}
		return nil
	})
	if got == nil || got.Body == nil || *got.Body != "fixed" {
		t.Errorf("buffered message = %+v", got)
	}
}

func TestHandleRevokePublishesAndRemoves(t *testing.T) {
	h, reg, b := newHandler()
	h.Handle(liveMessage("chat", "m1", "doomed", time.Now()))

	ch, unsub := b.Subscribe("platform.", 10)
	defer unsub()

	h.Handle(&events.Message{
		Info: types.MessageInfo{
			ID:        "REVOKE1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat: types.JID{User: "chat", Server: "g.us"},
			},
		},
		Message: &waE2E.Message{
			ProtocolMessage: &waE2E.ProtocolMessage{
				Type: waE2E.ProtocolMessage_REVOKE.Enum(),
				Key:  &waCommon.MessageKey{ID: proto.String("m1"), RemoteJID: proto.String("chat@g.us")},
			},
		},
	})

	select {
	case evt := <-ch:
		if evt.Kind != platform.KindPushDeleted {
			t.Fatalf("event kind = %q, want %s", evt.Kind, platform.KindPushDeleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for push event")
	}
	if reg.Len("chat@g.us") != 0 {
		t.Error("revoked message still buffered")
	}
}

func TestRegistryStreamBounds(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"a", "b", "c", "d"} {
		reg.Record(platform.MessageRef{
			ConversationID: "chat@g.us",
			MessageID:      id,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
	}

	var ids []string
	err := reg.Stream("chat@g.us", platform.FetchOptions{Since: base.Add(30 * time.Second)}, func(m platform.MessageRef) error {
		ids = append(ids, m.MessageID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "b" {
		t.Errorf("since filter ids = %v, want [b c d]", ids)
	}

	ids = nil
	_ = reg.Stream("chat@g.us", platform.FetchOptions{Limit: 2}, func(m platform.MessageRef) error {
		ids = append(ids, m.MessageID)
		return nil
	})
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("limited ids = %v, want [a b]", ids)
	}
}

func TestCheckAccountUnavailable(t *testing.T) {
	// A bare adapter with no device credentials must report restriction,
	// not a generic failure, so the engine halts instead of retrying.
	var a Adapter
	a.loggedOut.Store(true)
	if err := a.CheckAccount(context.Background()); err != platform.ErrAccountRestricted {
		t.Errorf("err = %v, want ErrAccountRestricted", err)
	}
}
