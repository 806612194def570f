// Package bulk applies one action to many entities and reports per-item
// results. A failing item never stops the batch.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	syncerr "github.com/alexjbarnes/fin-sync/internal/errors"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"golang.org/x/sync/errgroup"
)

const defaultParallelism = 4

// Actions are the per-entity server calls a batch can make.
type Actions interface {
	SyncEntity(ctx context.Context, kind models.EntityKind, entityID string) (models.JobHandle, error)
	Disconnect(ctx context.Context, kind models.EntityKind, entityID string) error
	Delete(ctx context.Context, kind models.EntityKind, entityID string) error
}

// Item is one entity in a batch.
type Item struct {
	EntityID string
	Kind     models.EntityKind
}

// Runner executes batches. Starting a sync is idempotent, so sync batches
// run in parallel up to the configured limit; disconnect and delete run
// one item at a time.
type Runner struct {
	actions     Actions
	store       *store.Store
	parallelism int
	logger      *slog.Logger

	mu     sync.Mutex
	status models.BulkStatus
	last   models.BulkOperationResult
}

// NewRunner creates a runner. parallelism <= 0 uses the default.
func NewRunner(actions Actions, st *store.Store, parallelism int, logger *slog.Logger) *Runner {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	return &Runner{
		actions:     actions,
		store:       st,
		parallelism: parallelism,
		logger:      logger,
		status:      models.BulkIdle,
	}
}

// Status reports the state of the most recent batch.
func (r *Runner) Status() models.BulkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Last returns the result of the most recent finished batch.
func (r *Runner) Last() models.BulkOperationResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last
}

// Run applies action to every item. Only an unknown action is an error;
// item failures are collected in the result.
func (r *Runner) Run(ctx context.Context, action models.BulkAction, items []Item) (models.BulkOperationResult, error) {
	var sequential bool

	switch action {
	case models.ActionSync:
	case models.ActionDisconnect, models.ActionDelete:
		sequential = true
	default:
		return models.BulkOperationResult{}, fmt.Errorf("%w: unknown bulk action %q", syncerr.ErrAPIRequest, action)
	}

	r.mu.Lock()
	r.status = models.BulkRunning
	r.mu.Unlock()

	errs := make([]error, len(items))

	if sequential {
		for i, it := range items {
			errs[i] = r.apply(ctx, action, it)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(r.parallelism)

		for i, it := range items {
			g.Go(func() error {
				errs[i] = r.apply(ctx, action, it)
				return nil
			})
		}

		_ = g.Wait()
	}

	res := models.BulkOperationResult{
		Action:    action,
		Total:     len(items),
		Succeeded: make([]string, 0, len(items)),
		Failed:    []models.BulkFailure{},
		Status:    models.BulkDone,
	}

	for i, it := range items {
		if errs[i] != nil {
			res.Failed = append(res.Failed, models.BulkFailure{EntityID: it.EntityID, Reason: errs[i].Error()})
			continue
		}

		res.Succeeded = append(res.Succeeded, it.EntityID)
	}

	if len(res.Failed) > 0 {
		res.Status = models.BulkPartialFailure
	}

	r.mu.Lock()
	r.status = res.Status
	r.last = res
	r.mu.Unlock()

	r.logger.Info("bulk operation finished",
		slog.String("action", string(action)),
		slog.Int("total", res.Total),
		slog.Int("succeeded", len(res.Succeeded)),
		slog.Int("failed", len(res.Failed)),
	)

	return res, nil
}

func (r *Runner) apply(ctx context.Context, action models.BulkAction, it Item) error {
	if it.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", syncerr.ErrInvalidEvent)
	}

	if !it.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", syncerr.ErrInvalidEvent, it.Kind)
	}

	var err error

	switch action {
	case models.ActionSync:
		var job models.JobHandle

		job, err = r.actions.SyncEntity(ctx, it.Kind, it.EntityID)
		if err == nil {
			if uerr := r.store.UpsertJob(it.EntityID, it.Kind, models.StatusQueued, job.JobID); uerr != nil {
				r.logger.Warn("queueing synced entity",
					slog.String("entity_id", it.EntityID),
					slog.String("error", uerr.Error()),
				)
			}
		}
	case models.ActionDisconnect:
		err = r.actions.Disconnect(ctx, it.Kind, it.EntityID)
		if err == nil {
			r.store.Remove(it.EntityID)
		}
	case models.ActionDelete:
		err = r.actions.Delete(ctx, it.Kind, it.EntityID)
		if err == nil {
			r.store.Remove(it.EntityID)
		}
	}

	if err != nil {
		r.logger.Warn("bulk item failed",
			slog.String("action", string(action)),
			slog.String("entity_id", it.EntityID),
			slog.String("error", err.Error()),
		)
	}

	return err
}
