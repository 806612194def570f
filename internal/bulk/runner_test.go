package bulk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeActions struct {
	mu       sync.Mutex
	fail     map[string]error
	attempts []string
	active   int
	peak     int
	delay    time.Duration
}

func (f *fakeActions) enter(id string) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, id)
	f.active++
	f.peak = max(f.peak, f.active)
	err := f.fail[id]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	return err
}

func (f *fakeActions) SyncEntity(_ context.Context, _ models.EntityKind, id string) (models.JobHandle, error) {
	if err := f.enter(id); err != nil {
		return models.JobHandle{}, err
	}

	return models.JobHandle{EntityID: id, JobID: "job-" + id}, nil
}

func (f *fakeActions) Disconnect(_ context.Context, _ models.EntityKind, id string) error {
	return f.enter(id)
}

func (f *fakeActions) Delete(_ context.Context, _ models.EntityKind, id string) error {
	return f.enter(id)
}

func (f *fakeActions) tried() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.attempts...)
}

func wallets(ids ...string) []Item {
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, Item{EntityID: id, Kind: models.KindWallet})
	}

	return items
}

// --- Partial failure ---

func TestRun_DeleteContinuesPastFailure(t *testing.T) {
	st := store.New(quietLogger())
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5"} {
		require.NoError(t, st.Upsert(id, models.KindWallet, models.StatusIdle))
	}

	acts := &fakeActions{fail: map[string]error{"w3": errors.New("locked")}}
	r := NewRunner(acts, st, 2, quietLogger())

	res, err := r.Run(context.Background(), models.ActionDelete, wallets("w1", "w2", "w3", "w4", "w5"))
	require.NoError(t, err)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, []string{"w1", "w2", "w4", "w5"}, res.Succeeded)
	assert.Equal(t, []models.BulkFailure{{EntityID: "w3", Reason: "locked"}}, res.Failed)
	assert.Equal(t, models.BulkPartialFailure, res.Status)

	// Sequential actions run in input order.
	assert.Equal(t, []string{"w1", "w2", "w3", "w4", "w5"}, acts.tried())

	assert.Equal(t, 1, st.Len())
	_, ok := st.Get("w3")
	assert.True(t, ok)

	assert.Equal(t, models.BulkPartialFailure, r.Status())
	assert.Equal(t, res, r.Last())
}

func TestRun_SyncParallelPartialFailure(t *testing.T) {
	st := store.New(quietLogger())
	acts := &fakeActions{
		fail:  map[string]error{"w3": errors.New("rate limited")},
		delay: 5 * time.Millisecond,
	}
	r := NewRunner(acts, st, 3, quietLogger())

	res, err := r.Run(context.Background(), models.ActionSync, wallets("w1", "w2", "w3", "w4", "w5"))
	require.NoError(t, err)

	assert.Equal(t, []string{"w1", "w2", "w4", "w5"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "w3", res.Failed[0].EntityID)
	assert.Equal(t, models.BulkPartialFailure, res.Status)

	assert.ElementsMatch(t, []string{"w1", "w2", "w3", "w4", "w5"}, acts.tried())
	assert.LessOrEqual(t, acts.peak, 3)

	w1, ok := st.Get("w1")
	require.True(t, ok)
	assert.Equal(t, models.StatusQueued, w1.Status)
	assert.Equal(t, "job-w1", w1.JobID)

	_, ok = st.Get("w3")
	assert.False(t, ok)
}

func TestRun_AllSucceed(t *testing.T) {
	st := store.New(quietLogger())
	require.NoError(t, st.Upsert("b1", models.KindBankAccount, models.StatusIdle))

	r := NewRunner(&fakeActions{}, st, 0, quietLogger())

	res, err := r.Run(context.Background(), models.ActionDisconnect, []Item{{EntityID: "b1", Kind: models.KindBankAccount}})
	require.NoError(t, err)

	assert.Equal(t, models.BulkDone, res.Status)
	assert.Empty(t, res.Failed)
	assert.Zero(t, st.Len())
}

func TestRun_EmptyBatch(t *testing.T) {
	r := NewRunner(&fakeActions{}, store.New(quietLogger()), 2, quietLogger())
	assert.Equal(t, models.BulkIdle, r.Status())

	res, err := r.Run(context.Background(), models.ActionSync, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BulkDone, res.Status)
	assert.Zero(t, res.Total)
	assert.NotNil(t, res.Succeeded)
	assert.NotNil(t, res.Failed)
}

func TestRun_InvalidItemsFailIndividually(t *testing.T) {
	acts := &fakeActions{}
	r := NewRunner(acts, store.New(quietLogger()), 2, quietLogger())

	res, err := r.Run(context.Background(), models.ActionDelete, []Item{
		{EntityID: "", Kind: models.KindWallet},
		{EntityID: "x", Kind: "CARD"},
		{EntityID: "w1", Kind: models.KindWallet},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"w1"}, res.Succeeded)
	assert.Len(t, res.Failed, 2)
	assert.Equal(t, []string{"w1"}, acts.tried())
}

func TestRun_UnknownAction(t *testing.T) {
	r := NewRunner(&fakeActions{}, store.New(quietLogger()), 2, quietLogger())

	_, err := r.Run(context.Background(), models.BulkAction("archive"), wallets("w1"))
	require.Error(t, err)
	assert.Equal(t, models.BulkIdle, r.Status())
}
