package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/fin-sync/internal/autosync"
	"github.com/alexjbarnes/fin-sync/internal/bulk"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/alexjbarnes/fin-sync/internal/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	mu     sync.Mutex
	state  models.ConnectionState
	resets int
}

func (f *fakeStream) ConnectionState() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

func (f *fakeStream) ResetConnection() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

type fakeSyncAll struct {
	out autosync.Outcome
	err error
}

func (f *fakeSyncAll) SyncAll(context.Context) (autosync.Outcome, error) {
	return f.out, f.err
}

type fakeBulk struct {
	action models.BulkAction
	items  []bulk.Item
}

func (f *fakeBulk) Run(_ context.Context, action models.BulkAction, items []bulk.Item) (models.BulkOperationResult, error) {
	f.action = action
	f.items = items

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.EntityID)
	}

	return models.BulkOperationResult{
		Action:    action,
		Total:     len(items),
		Succeeded: ids,
		Failed:    []models.BulkFailure{},
		Status:    models.BulkDone,
	}, nil
}

func (f *fakeBulk) Status() models.BulkStatus { return models.BulkIdle }

type fixture struct {
	store  *store.Store
	stream *fakeStream
	bulk   *fakeBulk
	srv    *httptest.Server
}

func newFixture(t *testing.T, apiKey string, syncAll SyncAller) *fixture {
	t.Helper()

	st := store.New(quietLogger())
	w := summary.NewWatcher(st)
	t.Cleanup(w.Close)

	f := &fixture{
		store:  st,
		stream: &fakeStream{state: models.ConnectionState{Phase: models.PhaseOpen, Connected: true}},
		bulk:   &fakeBulk{},
	}

	mux := NewMux(MuxConfig{
		Store:   st,
		Summary: w,
		Stream:  f.stream,
		SyncAll: syncAll,
		Bulk:    f.bulk,
		APIKey:  apiKey,
		Logger:  quietLogger(),
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

// --- Auth ---

func TestBearerAuth(t *testing.T) {
	f := newFixture(t, "secret", nil)

	resp := f.do(t, http.MethodGet, "/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp = f.do(t, http.MethodGet, "/status", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")

	resp = f.do(t, http.MethodGet, "/status", "", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerAuth_DisabledWithoutKey(t *testing.T) {
	f := newFixture(t, "", nil)

	resp := f.do(t, http.MethodGet, "/status", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// --- Status and entities ---

func TestStatus_ReportsSummaryAndConnection(t *testing.T) {
	f := newFixture(t, "", nil)
	require.NoError(t, f.store.Upsert("w1", models.KindWallet, models.StatusQueued))
	require.NoError(t, f.store.ApplyEvent(models.Event{
		EntityID: "w1", Status: models.StatusSyncingAssets, Progress: 40,
	}))

	resp := f.do(t, http.MethodGet, "/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[statusResponse](t, resp)
	assert.Equal(t, 1, got.Summary.QueuedOrActive)
	assert.Equal(t, 40, got.Summary.AverageProgress)
	assert.True(t, got.Summary.HasActiveSync)
	assert.True(t, got.Connection.Connected)
	assert.Equal(t, models.BulkIdle, got.Bulk)
}

func TestEntities_FilterByStatus(t *testing.T) {
	f := newFixture(t, "", nil)
	require.NoError(t, f.store.Upsert("w1", models.KindWallet, models.StatusQueued))
	require.NoError(t, f.store.Upsert("b1", models.KindBankAccount, models.StatusIdle))

	all := decode[[]models.SyncState](t, f.do(t, http.MethodGet, "/entities", "", ""))
	assert.Len(t, all, 2)

	queued := decode[[]models.SyncState](t, f.do(t, http.MethodGet, "/entities?status=queued", "", ""))
	require.Len(t, queued, 1)
	assert.Equal(t, "w1", queued[0].EntityID)

	resp := f.do(t, http.MethodGet, "/entities?status=PAUSED", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Controls ---

func TestConnectionReset(t *testing.T) {
	f := newFixture(t, "", nil)

	resp := f.do(t, http.MethodPost, "/connection/reset", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, f.stream.resets)

	resp = f.do(t, http.MethodGet, "/connection/reset", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t, "", &fakeSyncAll{out: autosync.Outcome{Triggered: true, GateClosed: true}})

	resp := f.do(t, http.MethodPost, "/sync-all", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[autosync.Outcome](t, resp)
	assert.True(t, out.Triggered)
}

func TestSyncAll_SkippedIsConflict(t *testing.T) {
	f := newFixture(t, "", &fakeSyncAll{out: autosync.Outcome{Skipped: autosync.SkipCooldown}})

	resp := f.do(t, http.MethodPost, "/sync-all", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	out := decode[autosync.Outcome](t, resp)
	assert.Equal(t, autosync.SkipCooldown, out.Skipped)
}

func TestSyncAll_Disabled(t *testing.T) {
	f := newFixture(t, "", nil)

	resp := f.do(t, http.MethodPost, "/sync-all", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// --- Bulk ---

func TestBulk_KindFromBody(t *testing.T) {
	f := newFixture(t, "", nil)

	resp := f.do(t, http.MethodPost, "/bulk/delete", `{"ids":["a","b"],"kind":"bank_account"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[models.BulkOperationResult](t, resp)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, models.ActionDelete, f.bulk.action)
	assert.Equal(t, []bulk.Item{
		{EntityID: "a", Kind: models.KindBankAccount},
		{EntityID: "b", Kind: models.KindBankAccount},
	}, f.bulk.items)
}

func TestBulk_KindFromStore(t *testing.T) {
	f := newFixture(t, "", nil)
	require.NoError(t, f.store.Upsert("w1", models.KindWallet, models.StatusIdle))

	resp := f.do(t, http.MethodPost, "/bulk/sync", `{"ids":["w1","ghost"]}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []bulk.Item{
		{EntityID: "w1", Kind: models.KindWallet},
		{EntityID: "ghost"},
	}, f.bulk.items)
}

func TestBulk_BadRequests(t *testing.T) {
	f := newFixture(t, "", nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown action", "/bulk/archive", `{"ids":["a"]}`, http.StatusNotFound},
		{"bad json", "/bulk/sync", `{"ids":`, http.StatusBadRequest},
		{"no ids", "/bulk/sync", `{"ids":[]}`, http.StatusBadRequest},
		{"bad kind", "/bulk/sync", `{"ids":["a"],"kind":"card"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

// --- Bulk item resolution ---

func TestBulkItems(t *testing.T) {
	st := store.New(quietLogger())
	require.NoError(t, st.Upsert("b1", models.KindBankAccount, models.StatusIdle))

	items, err := BulkItems(st, []string{"b1", "ghost"}, "")
	require.NoError(t, err)
	assert.Equal(t, []bulk.Item{
		{EntityID: "b1", Kind: models.KindBankAccount},
		{EntityID: "ghost"},
	}, items)

	items, err = BulkItems(st, []string{"b1"}, "wallet")
	require.NoError(t, err)
	assert.Equal(t, models.KindWallet, items[0].Kind)

	_, err = BulkItems(st, []string{"b1"}, "card")
	assert.Error(t, err)
}

// --- MCP mount ---

func TestMCPMountedBehindAuth(t *testing.T) {
	st := store.New(quietLogger())
	w := summary.NewWatcher(st)
	t.Cleanup(w.Close)

	mux := NewMux(MuxConfig{
		Store:   st,
		Summary: w,
		Stream:  &fakeStream{},
		Bulk:    &fakeBulk{},
		APIKey:  "secret",
		Logger:  quietLogger(),
		MCP: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer secret")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
