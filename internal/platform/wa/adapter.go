// Package wa adapts WhatsApp, via whatsmeow, to the engine's platform
// contract. WhatsApp has no on-demand history API: the server pushes history
// batches after pairing, so the adapter buffers them in a registry and
// serves pulls from it.
package wa

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/platform"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and serves the engine's pull contract
// from the event-fed registry.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	registry  *Registry
	bus       *bus.Bus
	logger    *zap.Logger

	loggedOut atomic.Bool
}

// NewAdapter creates a WhatsApp adapter with credentials stored at dbPath.
func NewAdapter(ctx context.Context, dbPath string, registry *Registry, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("chatwatch", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credentials store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		registry:  registry,
		bus:       b,
		logger:    logger,
	}
	a.client.AddEventHandler(a.trackSession)
	return a, nil
}

// trackSession watches session-level events the pull contract depends on.
func (a *Adapter) trackSession(rawEvt any) {
	switch rawEvt.(type) {
	case *events.LoggedOut:
		a.loggedOut.Store(true)
	case *events.Connected:
		a.loggedOut.Store(false)
	}
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// GetQRChannel returns the QR channel for pairing. Must be called before
// Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// ListConversations serves the engine's conversation enumeration from the
// registry, enriching missing names from the device's contact store.
func (a *Adapter) ListConversations(ctx context.Context) ([]platform.ConversationRef, error) {
	if err := a.CheckAccount(ctx); err != nil {
		return nil, err
	}

	refs := a.registry.List()
	for i := range refs {
		if refs[i].Name != "" {
			continue
		}
		refs[i].Name = a.contactName(ctx, refs[i].ID)
	}
	return refs, nil
}

// FetchMessages streams buffered messages for a conversation, oldest first.
func (a *Adapter) FetchMessages(ctx context.Context, conversationID string, opts platform.FetchOptions, fn func(platform.MessageRef) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.registry.Stream(conversationID, opts, fn)
}

// CheckAccount verifies the session is usable. A logged-out device cannot
// issue any call, which is the closest WhatsApp comes to an account
// restriction signal.
func (a *Adapter) CheckAccount(_ context.Context) error {
	if a.loggedOut.Load() || !a.IsLoggedIn() {
		return platform.ErrAccountRestricted
	}
	return nil
}

// contactName resolves a JID to a display name via the device store. Empty
// when unknown; the engine falls back to the JID.
func (a *Adapter) contactName(ctx context.Context, jid string) string {
	contacts, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Debug("contact lookup failed", zap.Error(err))
		return ""
	}
	for cjid, info := range contacts {
		if cjid.ToNonAD().String() == jid {
			if info.FullName != "" {
				return info.FullName
			}
			return info.PushName
		}
	}
	return ""
}
