package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/fin-sync/internal/api"
	"github.com/alexjbarnes/fin-sync/internal/autosync"
	"github.com/alexjbarnes/fin-sync/internal/bulk"
	"github.com/alexjbarnes/fin-sync/internal/config"
	"github.com/alexjbarnes/fin-sync/internal/gate"
	"github.com/alexjbarnes/fin-sync/internal/logging"
	"github.com/alexjbarnes/fin-sync/internal/mcpserver"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/server"
	"github.com/alexjbarnes/fin-sync/internal/state"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/alexjbarnes/fin-sync/internal/stream"
	"github.com/alexjbarnes/fin-sync/internal/summary"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("fin-sync starting",
		slog.String("version", Version),
		slog.Bool("autosync", cfg.AutoSyncEnabled),
		slog.String("gate", cfg.GateBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	st := store.New(logger)

	restored, err := appState.RestoreInto(st)
	if err != nil {
		logger.Warn("restoring entity snapshots", slog.String("error", err.Error()))
	}

	logger.Info("entity snapshots restored", slog.Int("count", restored))

	untrack := appState.Track(st, logger)
	defer untrack()

	watcher := summary.NewWatcher(st)
	defer watcher.Close()

	watcher.OnChange(func(s summary.Summary) {
		logger.Debug("sync summary",
			slog.Int("active", s.QueuedOrActive),
			slog.Int("completed", s.Completed),
			slog.Int("failed", s.Failed),
			slog.Int("avg_progress", s.AverageProgress),
		)
	})

	client := api.NewClient(api.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.HTTPTimeout,
	})

	events := stream.New(stream.Config{
		URL:        cfg.StreamURL,
		Token:      cfg.APIToken,
		BackoffMin: cfg.StreamBackoffMin,
		BackoffMax: cfg.StreamBackoffMax,
		StaleAfter: cfg.StreamStaleAfter,
		QueueSize:  cfg.StreamQueueSize,
	}, st, logger.With(slog.String("service", "stream")))

	events.OnConnectionChange(func(cs models.ConnectionState) {
		if cs.Phase == models.PhaseError {
			logger.Warn("event stream disconnected",
				slog.String("error", cs.LastError),
				slog.Int("retry_count", cs.RetryCount),
			)
		}
	})

	runner := bulk.NewRunner(client, st, cfg.BulkParallelism, logger.With(slog.String("service", "bulk")))

	g, gctx := errgroup.WithContext(ctx)

	var syncAll server.SyncAller

	if cfg.AutoSyncEnabled {
		coords, err := mountCoordinators(gctx, cfg, appState, client, st, logger)
		if err != nil {
			return err
		}

		defer func() {
			for _, c := range coords {
				if err := c.Unmount(); err != nil {
					logger.Warn("unmounting coordinator", slog.String("error", err.Error()))
				}
			}
		}()

		for _, c := range coords {
			g.Go(func() error {
				return c.Run(gctx)
			})
		}

		syncAll = coords[0]
	}

	g.Go(func() error {
		return events.Listen(gctx)
	})

	if cfg.StatusListenAddr != "" {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "fin-sync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
			Store:   st,
			Summary: watcher,
			Stream:  events,
			SyncAll: syncAll,
			Bulk:    runner,
		})

		mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)

		mux := server.NewMux(server.MuxConfig{
			Store:   st,
			Summary: watcher,
			Stream:  events,
			SyncAll: syncAll,
			Bulk:    runner,
			APIKey:  cfg.StatusAPIKey,
			Logger:  logger.With(slog.String("service", "status")),
			MCP:     mcpHandler,
		})

		g.Go(func() error {
			return server.ListenAndServe(gctx, cfg.StatusListenAddr, mux, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("fin-sync stopped")
		return nil
	}

	return err
}

// mountCoordinators mounts the configured number of auto-sync instances
// against one gate. The API token is configured up front, so every
// instance is authenticated as soon as it mounts.
func mountCoordinators(ctx context.Context, cfg *config.Config, appState *state.State, seeder autosync.Seeder, st *store.Store, logger *slog.Logger) ([]*autosync.Coordinator, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var gs autosync.GateStore = appState
	if cfg.GateBackend == config.GateFile {
		fg, err := gate.NewFile(cfg.GateFile, logger)
		if err != nil {
			return nil, fmt.Errorf("opening gate file: %w", err)
		}

		gs = fg
	}

	acfg := autosync.Config{
		Cooldown:      cfg.AutoSyncCooldown,
		Debounce:      cfg.AutoSyncDebounce,
		CheckInterval: cfg.AutoSyncCheckInterval,
		LeaseTTL:      cfg.AutoSyncLeaseTTL,
		StaleRun:      cfg.AutoSyncStaleRun,
		Location:      loc,
	}

	coords := make([]*autosync.Coordinator, 0, cfg.AutoSyncInstances)

	for range cfg.AutoSyncInstances {
		c := autosync.New(acfg, gs, seeder, st, logger.With(slog.String("service", "autosync")))
		if err := c.Mount(ctx); err != nil {
			for _, m := range coords {
				_ = m.Unmount()
			}

			return nil, fmt.Errorf("mounting auto-sync coordinator: %w", err)
		}

		c.SetAuthenticated(true)
		coords = append(coords, c)
	}

	return coords, nil
}
