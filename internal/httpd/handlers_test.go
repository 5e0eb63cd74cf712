package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bridge"
	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/config"
	"github.com/chatwatch/chatwatch/internal/governor"
	"github.com/chatwatch/chatwatch/internal/platform"
	"github.com/chatwatch/chatwatch/internal/reconcile"
	"github.com/chatwatch/chatwatch/internal/scan"
	"github.com/chatwatch/chatwatch/internal/status"
	"github.com/chatwatch/chatwatch/internal/store"
)

type stubClient struct{}

func (stubClient) ListConversations(context.Context) ([]platform.ConversationRef, error) {
	return nil, nil
}
func (stubClient) FetchMessages(context.Context, string, platform.FetchOptions, func(platform.MessageRef) error) error {
	return nil
}
func (stubClient) CheckAccount(context.Context) error { return nil }

type fixture struct {
	server   *Server
	store    *store.DB
	bus      *bus.Bus
	register *status.Register
	rec      *reconcile.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	log := zap.NewNop()
	reg, err := status.NewRegister(filepath.Join(t.TempDir(), "status.json"))
	require.NoError(t, err)

	gov := governor.New(governor.Options{MinDelay: time.Nanosecond}, log)
	rec := reconcile.New(db, b, log)
	machine := status.NewMachine(b)
	cfg := config.Default()
	cfg.Rate.DelayBetweenChats = 0
	engine := scan.New(stubClient{}, db, rec, gov, machine, reg, cfg, log)
	br := bridge.New(b, rec, nil, log)

	srv := New(Deps{
		Store:    db,
		Bus:      b,
		Register: reg,
		Machine:  machine,
		Engine:   engine,
		Governor: gov,
		Bridge:   br,
		Logger:   log,
	})
	return &fixture{server: srv, store: db, bus: b, register: reg, rec: rec}
}

func (f *fixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.UpsertConversation(&store.Conversation{ID: "c1", Name: "Team", Kind: "group"}))
	body := "v1"
	m := platform.MessageRef{
		ConversationID: "c1",
		MessageID:      "m1",
		SenderID:       "u1",
		Body:           &body,
		Timestamp:      time.Unix(1700000000, 0),
	}
	_, err := f.rec.Observe(m, "s1")
	require.NoError(t, err)
	body2 := "v2"
	m.Body = &body2
	_, err = f.rec.Observe(m, "s1")
	require.NoError(t, err)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	out := decode(t, w)
	assert.Equal(t, "IDLE", out["phase"])
	assert.Equal(t, false, out["bridge_running"])
}

func TestPostInterrupt(t *testing.T) {
	f := newFixture(t)

	// No active run: nothing to interrupt.
	w := f.request(t, http.MethodPost, "/api/interrupt", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, f.register.Update(func(s *status.Snapshot) { s.IsActive = true }))
	w = f.request(t, http.MethodPost, "/api/interrupt", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, f.register.InterruptionRequested())
}

func TestPostScanStartsRun(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodPost, "/api/scan", `{"force_full": true}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	out := decode(t, w)
	assert.Equal(t, true, out["started"])

	w = f.request(t, http.MethodPost, "/api/scan", `{"force_full": not-json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetConversations(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.request(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)

	out := decode(t, w)
	convs := out["conversations"].([]any)
	require.Len(t, convs, 1)
	assert.Equal(t, "Team", convs[0].(map[string]any)["name"])
}

func TestGetConversationMessagesAndHistory(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.request(t, http.MethodGet, "/api/conversations/c1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2", msgs[0].(map[string]any)["body"])

	w = f.request(t, http.MethodGet, "/api/conversations/c1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	assert.Len(t, entries, 2)

	w = f.request(t, http.MethodGet, "/api/messages/c1/m1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries = decode(t, w)["entries"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "created", entries[0].(map[string]any)["action"])
	assert.Equal(t, "edited", entries[1].(map[string]any)["action"])
}

func TestGetConversationStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.request(t, http.MethodGet, "/api/conversations/c1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	out := decode(t, w)
	assert.Equal(t, "c1", out["conversation_id"])
	assert.Equal(t, float64(1), out["messages"])
	assert.Equal(t, float64(1), out["history_created"])
	assert.Equal(t, float64(1), out["history_edited"])
}

func TestGetHistoryActionFilter(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.request(t, http.MethodGet, "/api/history?action=edited", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "v1", entries[0].(map[string]any)["old_body"])
}

func TestGetTopAggregations(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.request(t, http.MethodGet, "/api/history/top-messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, float64(1), msgs[0].(map[string]any)["edit_count"])

	w = f.request(t, http.MethodGet, "/api/history/top-conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	convs := decode(t, w)["conversations"].([]any)
	require.Len(t, convs, 1)
	assert.Equal(t, float64(2), convs[0].(map[string]any)["change_count"])
}

func TestGetRecentChanges(t *testing.T) {
	f := newFixture(t)
	f.seed(t) // reconciler publishes change events on the bus

	w := f.request(t, http.MethodGet, "/api/changes/recent", "")
	require.Equal(t, http.StatusOK, w.Code)
	changes := decode(t, w)["changes"].([]any)
	require.Len(t, changes, 2)
	assert.Equal(t, "edited", changes[1].(map[string]any)["action"])
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.request(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	out := decode(t, w)
	totals := out["totals"].(map[string]any)
	assert.Equal(t, float64(1), totals["messages"])
	assert.Equal(t, float64(1), totals["history_edited"])
	assert.Contains(t, out, "governor")
	assert.Contains(t, out, "bridge")
}

func TestGetSessions(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.OpenSession()
	require.NoError(t, err)
	require.NoError(t, f.store.CloseSession(id, store.SessionTotals{Messages: 5}))

	w := f.request(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode(t, w)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, float64(5), sessions[0].(map[string]any)["total_messages"])
}

func TestGetFeedReplaysRecent(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/feed?replay=10", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.server.Handler().ServeHTTP(w, req)
		close(done)
	}()

	// Give the handler a moment to write the replay preamble, then hang up.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("feed handler did not stop on disconnect")
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "created", first["action"])
}
