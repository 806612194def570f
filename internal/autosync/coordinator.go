// Package autosync fires the "refresh everything" seed requests at most
// once per calendar day. Several coordinators may be mounted against the
// same durable gate; one of them is elected controller and only the
// controller triggers automatically.
package autosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCooldown      = 30 * time.Second
	defaultDebounce      = 2 * time.Second
	defaultCheckInterval = time.Minute
	defaultLeaseTTL      = 5 * time.Minute
	defaultStaleRun      = time.Hour
)

// GateStore is the durable auto-sync gate. UpdateGate must run fn and the
// write as one atomic step for every coordinator sharing the store.
type GateStore interface {
	LoadGate() (models.GateRecord, error)
	UpdateGate(fn func(*models.GateRecord) bool) (models.GateRecord, bool, error)
}

// gateWatcher is implemented by gates that can report writes made by
// other processes.
type gateWatcher interface {
	WatchGate(ctx context.Context, onChange func(models.GateRecord)) error
}

// Seeder starts server-side sync jobs for every entity of a kind.
type Seeder interface {
	SeedWallets(ctx context.Context) ([]models.JobHandle, error)
	SeedBankAccounts(ctx context.Context) ([]models.JobHandle, error)
}

// Config tunes the coordinator's timing.
type Config struct {
	Cooldown      time.Duration
	Debounce      time.Duration
	CheckInterval time.Duration
	LeaseTTL      time.Duration
	// StaleRun bounds the in-flight check: runs started longer ago than
	// this no longer hold back a trigger.
	StaleRun time.Duration
	// Location decides where a calendar day starts. Nil means time.Local.
	Location *time.Location
}

// SkipReason says why a trigger attempt did nothing.
type SkipReason string

const (
	SkipNotController    SkipReason = "not_controller"
	SkipNotAuthenticated SkipReason = "not_authenticated"
	SkipCooldown         SkipReason = "cooldown"
	SkipAlreadyToday     SkipReason = "already_triggered_today"
	SkipInFlight         SkipReason = "sync_in_flight"
)

// SeedResult is the outcome of one seed request.
type SeedResult struct {
	Jobs  int    `json:"jobs"`
	Error string `json:"error,omitempty"`
}

// Outcome reports what a trigger attempt did.
type Outcome struct {
	Triggered    bool       `json:"triggered"`
	Skipped      SkipReason `json:"skipped,omitempty"`
	Wallets      SeedResult `json:"wallets"`
	BankAccounts SeedResult `json:"bankAccounts"`
	// GateClosed is true when the day was recorded as done.
	GateClosed bool `json:"gateClosed"`
}

// Coordinator is one mounted auto-sync instance.
type Coordinator struct {
	id     string
	cfg    Config
	gate   GateStore
	seeder Seeder
	store  *store.Store
	logger *slog.Logger

	now func() time.Time

	mu            sync.Mutex
	mountCtx      context.Context
	mounted       bool
	authenticated bool
	controller    bool
	debounce      *time.Timer

	triggering atomic.Bool
}

// New creates an unmounted coordinator with a fresh instance id.
func New(cfg Config, gate GateStore, seeder Seeder, st *store.Store, logger *slog.Logger) *Coordinator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}

	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}

	if cfg.StaleRun <= 0 {
		cfg.StaleRun = defaultStaleRun
	}

	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	id := instanceID()

	return &Coordinator{
		id:     id,
		cfg:    cfg,
		gate:   gate,
		seeder: seeder,
		store:  st,
		logger: logger.With(slog.String("instance", id)),
		now:    time.Now,
	}
}

func instanceID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}

	return uuid.NewString()
}

// ID returns the instance id written to the gate when this coordinator
// is controller.
func (c *Coordinator) ID() string { return c.id }

// IsController reports whether this instance holds the controller role.
func (c *Coordinator) IsController() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.controller
}

// Mount registers the instance and tries to become controller. ctx bounds
// the lifetime of debounced checks; Unmount must still be called.
func (c *Coordinator) Mount(ctx context.Context) error {
	c.mu.Lock()
	c.mountCtx = ctx
	c.mounted = true
	c.mu.Unlock()

	_, err := c.claim()

	return err
}

// claim takes the controller role when nobody live holds it, or renews
// the lease when this instance already does.
func (c *Coordinator) claim() (bool, error) {
	now := c.now()

	rec, _, err := c.gate.UpdateGate(func(rec *models.GateRecord) bool {
		if rec.ControllerID != c.id && rec.ControllerLive(now, c.cfg.LeaseTTL) {
			return false
		}

		rec.ControllerID = c.id
		rec.ControllerSeenAt = now

		return true
	})
	if err != nil {
		return false, fmt.Errorf("claiming controller: %w", err)
	}

	won := rec.ControllerID == c.id

	c.mu.Lock()
	was := c.controller
	c.controller = won && c.mounted
	c.mu.Unlock()

	switch {
	case won && !was:
		c.logger.Info("auto-sync controller elected")
	case !won && was:
		c.logger.Warn("auto-sync controller role lost", slog.String("controller", rec.ControllerID))
	}

	return won, nil
}

// SetAuthenticated records whether the session is ready for API calls.
// Becoming ready schedules a debounced trigger check; any pending check
// is cancelled first.
func (c *Coordinator) SetAuthenticated(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authenticated = ready

	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}

	if !ready || !c.mounted {
		return
	}

	ctx := c.mountCtx
	c.debounce = time.AfterFunc(c.cfg.Debounce, func() {
		if ctx.Err() != nil {
			return
		}

		c.check(ctx)
	})
}

func (c *Coordinator) check(ctx context.Context) {
	out, err := c.Trigger(ctx)
	if err != nil {
		c.logger.Warn("auto-sync check failed", slog.String("error", err.Error()))
		return
	}

	if out.Skipped != "" {
		c.logger.Debug("auto-sync skipped", slog.String("reason", string(out.Skipped)))
	}
}

// Trigger runs the daily auto-sync check and, if every condition holds,
// fires both seed requests. Seed failures are reported in the Outcome;
// the returned error is only for gate storage failures.
func (c *Coordinator) Trigger(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	controller, authenticated := c.controller, c.authenticated
	c.mu.Unlock()

	if !controller {
		return Outcome{Skipped: SkipNotController}, nil
	}

	if !authenticated {
		return Outcome{Skipped: SkipNotAuthenticated}, nil
	}

	return c.run(ctx, false)
}

// SyncAll fires both seed requests on demand. It ignores the daily gate
// and the controller role but honours the cooldown and in-flight checks.
// A successful manual run still marks today as done.
func (c *Coordinator) SyncAll(ctx context.Context) (Outcome, error) {
	return c.run(ctx, true)
}

func (c *Coordinator) run(ctx context.Context, manual bool) (Outcome, error) {
	if !c.triggering.CompareAndSwap(false, true) {
		return Outcome{Skipped: SkipInFlight}, nil
	}
	defer c.triggering.Store(false)

	now := c.now()
	today := models.DateOf(now, c.cfg.Location)

	var skip SkipReason

	_, _, err := c.gate.UpdateGate(func(rec *models.GateRecord) bool {
		switch {
		case !manual && rec.ControllerID != c.id:
			skip = SkipNotController
		case !rec.LastTriggerInstant.IsZero() && now.Sub(rec.LastTriggerInstant) < c.cfg.Cooldown:
			skip = SkipCooldown
		case !manual && rec.LastTriggeredDate == today:
			skip = SkipAlreadyToday
		case c.store.AnyInFlightSince(now.Add(-c.cfg.StaleRun)):
			skip = SkipInFlight
		default:
			rec.LastTriggerInstant = now
			return true
		}

		return false
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("checking auto-sync gate: %w", err)
	}

	if skip != "" {
		return Outcome{Skipped: skip}, nil
	}

	c.logger.Info("auto-sync triggering", slog.Bool("manual", manual), slog.String("date", string(today)))

	out := Outcome{Triggered: true}

	var (
		wallets, banks []models.JobHandle
		wErr, bErr     error
		g              errgroup.Group
	)

	g.Go(func() error {
		wallets, wErr = c.seeder.SeedWallets(ctx)
		return nil
	})
	g.Go(func() error {
		banks, bErr = c.seeder.SeedBankAccounts(ctx)
		return nil
	})
	_ = g.Wait()

	out.Wallets = c.seed(models.KindWallet, wallets, wErr)
	out.BankAccounts = c.seed(models.KindBankAccount, banks, bErr)

	if wErr != nil && bErr != nil {
		c.logger.Warn("auto-sync seed failed, gate left open",
			slog.String("wallets_error", wErr.Error()),
			slog.String("bank_accounts_error", bErr.Error()),
		)

		return out, nil
	}

	_, _, err = c.gate.UpdateGate(func(rec *models.GateRecord) bool {
		rec.LastTriggeredDate = today
		return true
	})
	if err != nil {
		return out, fmt.Errorf("closing auto-sync gate: %w", err)
	}

	out.GateClosed = true

	return out, nil
}

// seed registers QUEUED entries for the jobs one request returned.
func (c *Coordinator) seed(kind models.EntityKind, jobs []models.JobHandle, err error) SeedResult {
	if err != nil {
		c.logger.Warn("seed request failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)

		return SeedResult{Error: err.Error()}
	}

	n := 0

	for _, j := range jobs {
		if uerr := c.store.UpsertJob(j.EntityID, kind, models.StatusQueued, j.JobID); uerr != nil {
			c.logger.Warn("seeding entity",
				slog.String("entity_id", j.EntityID),
				slog.String("error", uerr.Error()),
			)

			continue
		}

		n++
	}

	c.logger.Info("seed request accepted", slog.String("kind", string(kind)), slog.Int("jobs", n))

	return SeedResult{Jobs: n}
}

// Run keeps the controller lease fresh, lets a passive instance take over
// a released or expired lease, and re-checks the daily gate so a day
// rollover triggers without a restart. It returns ctx's error.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if w, ok := c.gate.(gateWatcher); ok {
		g.Go(func() error {
			err := w.WatchGate(gctx, func(rec models.GateRecord) {
				if rec.ControllerID == c.id || rec.ControllerLive(c.now(), c.cfg.LeaseTTL) {
					return
				}

				c.tick(gctx)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				// Lease polling still covers takeover.
				c.logger.Warn("gate watch stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				c.tick(gctx)
			}
		}
	})

	return g.Wait()
}

func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	mounted := c.mounted
	c.mu.Unlock()

	if !mounted {
		return
	}

	won, err := c.claim()
	if err != nil {
		c.logger.Warn("renewing controller lease", slog.String("error", err.Error()))
		return
	}

	if won {
		c.check(ctx)
	}
}

// Unmount cancels any pending check and releases the controller role so
// another instance can take over.
func (c *Coordinator) Unmount() error {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}

	c.mounted = false
	wasController := c.controller
	c.controller = false
	c.mu.Unlock()

	if !wasController {
		return nil
	}

	_, _, err := c.gate.UpdateGate(func(rec *models.GateRecord) bool {
		if rec.ControllerID != c.id {
			return false
		}

		rec.ControllerID = ""
		rec.ControllerSeenAt = time.Time{}

		return true
	})
	if err != nil {
		return fmt.Errorf("releasing controller: %w", err)
	}

	c.logger.Info("auto-sync controller released")

	return nil
}
