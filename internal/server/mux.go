// Package server exposes the local status and control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/fin-sync/internal/autosync"
	"github.com/alexjbarnes/fin-sync/internal/bulk"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/alexjbarnes/fin-sync/internal/summary"
)

const (
	// maxBodyBytes caps request bodies; bulk id lists are small.
	maxBodyBytes = 1 << 20

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// SummarySource yields the latest aggregate view.
type SummarySource interface {
	Latest() summary.Summary
}

// ConnectionSource is the event stream as seen by the API.
type ConnectionSource interface {
	ConnectionState() models.ConnectionState
	ResetConnection()
}

// SyncAller starts a manual "sync everything" run.
type SyncAller interface {
	SyncAll(ctx context.Context) (autosync.Outcome, error)
}

// BulkRunner executes bulk actions.
type BulkRunner interface {
	Run(ctx context.Context, action models.BulkAction, items []bulk.Item) (models.BulkOperationResult, error)
	Status() models.BulkStatus
}

// MuxConfig holds dependencies for building the HTTP mux. SyncAll may be
// nil when auto-sync is disabled.
type MuxConfig struct {
	Store   *store.Store
	Summary SummarySource
	Stream  ConnectionSource
	SyncAll SyncAller
	Bulk    BulkRunner
	APIKey  string
	Logger  *slog.Logger

	// MCP, when set, is mounted at /mcp behind the same bearer check.
	MCP http.Handler
}

type statusResponse struct {
	Summary    summary.Summary        `json:"summary"`
	Connection models.ConnectionState `json:"connection"`
	Bulk       models.BulkStatus      `json:"bulk"`
}

type bulkRequest struct {
	IDs  []string `json:"ids"`
	Kind string   `json:"kind"`
}

// NewMux builds the status API. Everything except /healthz sits behind
// the bearer middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	protect := BearerAuth(cfg.APIKey, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /status", protect(handleStatus(cfg)))
	mux.Handle("GET /entities", protect(handleEntities(cfg)))
	mux.Handle("POST /connection/reset", protect(handleReset(cfg)))
	mux.Handle("POST /sync-all", protect(handleSyncAll(cfg)))
	mux.Handle("POST /bulk/{action}", protect(handleBulk(cfg)))

	if cfg.MCP != nil {
		mux.Handle("/mcp", protect(cfg.MCP))
	}

	return mux
}

func handleStatus(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Summary:    cfg.Summary.Latest(),
			Connection: cfg.Stream.ConnectionState(),
			Bulk:       cfg.Bulk.Status(),
		})
	}
}

func handleEntities(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("status")
		if raw == "" {
			writeJSON(w, http.StatusOK, cfg.Store.Snapshot())
			return
		}

		want, err := models.ParseSyncStatus(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, cfg.Store.ListByStatus(func(s models.SyncStatus) bool {
			return s == want
		}))
	}
}

func handleReset(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		cfg.Stream.ResetConnection()
		cfg.Logger.Info("event stream reset via status api")
		writeJSON(w, http.StatusAccepted, map[string]bool{"reset": true})
	}
}

func handleSyncAll(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.SyncAll == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "auto-sync is disabled")
			return
		}

		out, err := cfg.SyncAll.SyncAll(r.Context())
		if err != nil {
			cfg.Logger.Warn("manual sync failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "sync could not be started")

			return
		}

		status := http.StatusOK
		if out.Skipped != "" {
			status = http.StatusConflict
		}

		writeJSON(w, status, out)
	}
}

func handleBulk(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := models.BulkAction(r.PathValue("action"))
		switch action {
		case models.ActionSync, models.ActionDisconnect, models.ActionDelete:
		default:
			writeJSONError(w, http.StatusNotFound, "unknown bulk action")
			return
		}

		var req bulkRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if len(req.IDs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "ids is required")
			return
		}

		items, err := BulkItems(cfg.Store, req.IDs, req.Kind)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Batches are not cancellable mid-flight; detach from the request.
		res, err := cfg.Bulk.Run(context.WithoutCancel(r.Context()), action, items)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

// BulkItems pairs ids with a kind. An empty kind is looked up per entity
// in the store; unknown entities are left kindless and fail validation in
// the runner.
func BulkItems(st *store.Store, ids []string, kind string) ([]bulk.Item, error) {
	var k models.EntityKind
	if kind != "" {
		parsed, err := models.ParseEntityKind(kind)
		if err != nil {
			return nil, err
		}

		k = parsed
	}

	items := make([]bulk.Item, 0, len(ids))
	for _, id := range ids {
		it := bulk.Item{EntityID: id, Kind: k}
		if it.Kind == "" {
			if cur, ok := st.Get(id); ok {
				it.Kind = cur.Kind
			}
		}

		items = append(items, it)
	}

	return items, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("status api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	}
}
