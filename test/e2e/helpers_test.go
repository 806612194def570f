package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/fin-sync/internal/api"
	"github.com/alexjbarnes/fin-sync/internal/autosync"
	"github.com/alexjbarnes/fin-sync/internal/bulk"
	"github.com/alexjbarnes/fin-sync/internal/mcpserver"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/server"
	"github.com/alexjbarnes/fin-sync/internal/state"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/alexjbarnes/fin-sync/internal/stream"
	"github.com/alexjbarnes/fin-sync/internal/summary"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "e2e-backend-token"
	testAPIKey = "e2e-status-key"
)

// backend fakes the finance server: REST seed and item endpoints plus the
// websocket event stream.
type backend struct {
	srv *httptest.Server

	mu         sync.Mutex
	seedCalls  int
	streamAuth []string
	deleted    []string

	conns chan *websocket.Conn
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{conns: make(chan *websocket.Conn, 8)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/wallets/sync", func(w http.ResponseWriter, r *http.Request) {
		b.countSeed()
		writeJobs(w, "w1", "w2")
	})
	mux.HandleFunc("POST /api/bank-accounts/sync", func(w http.ResponseWriter, r *http.Request) {
		b.countSeed()
		writeJobs(w, "b1")
	})
	mux.HandleFunc("POST /api/wallets/{id}/sync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "job-" + r.PathValue("id")})
	})
	mux.HandleFunc("DELETE /api/wallets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if strings.HasPrefix(id, "locked") {
			http.Error(w, "wallet is locked", http.StatusConflict)
			return
		}

		b.mu.Lock()
		b.deleted = append(b.deleted, id)
		b.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.streamAuth = append(b.streamAuth, r.Header.Get("Authorization"))
		b.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		done := conn.CloseRead(context.Background())
		b.conns <- conn
		<-done.Done()
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func writeJobs(w http.ResponseWriter, ids ...string) {
	jobs := make([]models.JobHandle, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, models.JobHandle{EntityID: id, JobID: "job-" + id})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jobs": jobs})
}

func (b *backend) countSeed() {
	b.mu.Lock()
	b.seedCalls++
	b.mu.Unlock()
}

func (b *backend) seeds() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seedCalls
}

func (b *backend) streamURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/stream"
}

// nextConn waits for the client to open a stream connection.
func (b *backend) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case c := <-b.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect to the event stream")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, ev map[string]any) {
	t.Helper()

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// harness wires the orchestrator the way cmd/fin-sync does, against the
// fake backend.
type harness struct {
	backend *backend
	state   *state.State
	store   *store.Store
	summary *summary.Watcher
	stream  *stream.Client
	coord   *autosync.Coordinator
	bulk    *bulk.Runner
	status  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	be := newBackend(t)

	appState, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { appState.Close() })

	st := store.New(logger)
	untrack := appState.Track(st, logger)
	t.Cleanup(untrack)

	w := summary.NewWatcher(st)
	t.Cleanup(w.Close)

	client := api.NewClient(api.Config{BaseURL: be.srv.URL, Token: testToken, Timeout: 2 * time.Second})

	events := stream.New(stream.Config{
		URL:        be.streamURL(),
		Token:      testToken,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	}, st, logger)

	coord := autosync.New(autosync.Config{
		Debounce: 10 * time.Millisecond,
		Location: time.UTC,
	}, appState, client, st, logger)

	runner := bulk.NewRunner(client, st, 2, logger)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		events.Listen(ctx)
	}()

	require.NoError(t, coord.Mount(ctx))

	t.Cleanup(func() {
		coord.Unmount()
		cancel()
		wg.Wait()
	})

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "fin-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Store:   st,
		Summary: w,
		Stream:  events,
		SyncAll: coord,
		Bulk:    runner,
	})

	mux := server.NewMux(server.MuxConfig{
		Store:   st,
		Summary: w,
		Stream:  events,
		SyncAll: coord,
		Bulk:    runner,
		APIKey:  testAPIKey,
		Logger:  logger,
		MCP: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
	})

	status := httptest.NewServer(mux)
	t.Cleanup(status.Close)

	return &harness{
		backend: be,
		state:   appState,
		store:   st,
		summary: w,
		stream:  events,
		coord:   coord,
		bulk:    runner,
		status:  status,
	}
}

func (h *harness) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) statusOf(id string) models.SyncStatus {
	s, ok := h.store.Get(id)
	if !ok {
		return ""
	}

	return s.Status
}

func (h *harness) doStatusAPI(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, h.status.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// bearerTransport adds the status API key to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (b *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)

	return b.base.RoundTrip(req)
}

// mcpSession connects an MCP client to the status server's /mcp endpoint.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:   h.status.URL + "/mcp",
		HTTPClient: &http.Client{Transport: &bearerTransport{token: testAPIKey, base: http.DefaultTransport}},
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)

	session, err := client.Connect(context.Background(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}
