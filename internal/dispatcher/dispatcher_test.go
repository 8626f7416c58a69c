package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/clock/system"
	"github.com/JakeFAU/archive-pipeline/internal/coordinator"
	"github.com/JakeFAU/archive-pipeline/internal/health"
	"github.com/JakeFAU/archive-pipeline/internal/id/uuid"
)

type scriptedCoordinator struct {
	mu      sync.Mutex
	results []claimResult
	claims  []int
}

type claimResult struct {
	items []string
	err   error
}

func (c *scriptedCoordinator) Claim(_ context.Context, n int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = append(c.claims, n)
	if len(c.results) == 0 {
		return nil, coordinator.ErrNoItems
	}
	next := c.results[0]
	c.results = c.results[1:]
	return next.items, next.err
}

func (c *scriptedCoordinator) UploadTarget(context.Context, *archive.Batch) (string, error) {
	return "", errors.New("not used")
}

func (c *scriptedCoordinator) Complete(context.Context, *archive.Batch) error {
	return errors.New("not used")
}

type recordingRunner struct {
	mu      sync.Mutex
	batches []*archive.Batch
	ctxErrs []error
}

func (r *recordingRunner) Run(ctx context.Context, batch *archive.Batch) (archive.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return archive.StateCompleted, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) Check(ctx context.Context) error { return f(ctx) }

func healthy(context.Context) error { return nil }

func newDispatcher(t *testing.T, coord archive.Coordinator, runner BatchRunner, checker HealthChecker, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.IdleDelay == 0 {
		cfg.IdleDelay = time.Millisecond
	}
	d, err := New(coord, runner, checker, uuid.New(), system.Fixed{At: time.Unix(0, 0)}, cfg, zap.NewNop())
	require.NoError(t, err)
	return d
}

func runWithTimeout(t *testing.T, d *Dispatcher, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
		return nil
	}
}

func TestRunProcessesClaimedBatches(t *testing.T) {
	t.Parallel()

	coord := &scriptedCoordinator{results: []claimResult{
		{items: []string{"ch-discussions:UC1", "ch-discussions:UC1", "ch-discussions:UC2"}},
		{items: []string{"ch-discussions:UC3"}},
	}}
	runner := &recordingRunner{}
	d := newDispatcher(t, coord, runner, checkerFunc(healthy), Config{
		Loops: 1, MultiItemSize: 200, MaxBatches: 2, Downloader: "tester", Version: "20211011.01",
	})

	require.NoError(t, runWithTimeout(t, d, context.Background()))

	require.Equal(t, 2, runner.count())
	first := runner.batches[0]
	assert.Equal(t, []string{"ch-discussions:UC1", "ch-discussions:UC2"}, first.Identity)
	assert.Equal(t, "tester", first.Downloader)
	assert.Equal(t, "20211011.01", first.PipelineVersion)
	_, err := uuid.Parse(first.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, runner.batches[1].RunID)
	assert.Equal(t, []int{200, 200}, coord.claims)
}

func TestRunRetriesAfterEmptyClaims(t *testing.T) {
	t.Parallel()

	coord := &scriptedCoordinator{results: []claimResult{
		{err: coordinator.ErrNoItems},
		{err: fmt.Errorf("claim: %w", coordinator.ErrRateLimited)},
		{err: errors.New("connection reset")},
		{items: []string{" ", ""}},
		{items: []string{"ch-discussions:UC1"}},
	}}
	runner := &recordingRunner{}
	d := newDispatcher(t, coord, runner, checkerFunc(healthy), Config{Loops: 1, MaxBatches: 1})

	require.NoError(t, runWithTimeout(t, d, context.Background()))
	require.Equal(t, 1, runner.count())
	assert.Equal(t, []string{"ch-discussions:UC1"}, runner.batches[0].Identity)
	assert.Len(t, coord.claims, 5)
}

func TestRunPacesClaims(t *testing.T) {
	t.Parallel()

	coord := &scriptedCoordinator{results: []claimResult{
		{items: []string{"ch-discussions:UC1"}},
		{items: []string{"ch-discussions:UC2"}},
		{items: []string{"ch-discussions:UC3"}},
	}}
	runner := &recordingRunner{}
	d := newDispatcher(t, coord, runner, checkerFunc(healthy), Config{Loops: 3, MaxBatches: 3, ClaimsPerSecond: 20})

	start := time.Now()
	require.NoError(t, runWithTimeout(t, d, context.Background()))
	assert.Equal(t, 3, runner.count())
	// One claim is allowed immediately, the next two wait 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRunStopsOnInterference(t *testing.T) {
	t.Parallel()

	coord := &scriptedCoordinator{results: []claimResult{{items: []string{"ch-discussions:UC1"}}}}
	runner := &recordingRunner{}
	checker := checkerFunc(func(context.Context) error {
		return fmt.Errorf("check: %w", health.ErrInterference)
	})
	d := newDispatcher(t, coord, runner, checker, Config{Loops: 3})

	err := runWithTimeout(t, d, context.Background())
	require.ErrorIs(t, err, health.ErrInterference)
	assert.Zero(t, runner.count())
	assert.Empty(t, coord.claims)
}

func TestRunKeepsGoingAfterResolveFailure(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	checker := checkerFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("resolve twitter.com: no such host")
		}
		return nil
	})
	coord := &scriptedCoordinator{results: []claimResult{{items: []string{"ch-discussions:UC1"}}}}
	runner := &recordingRunner{}
	d := newDispatcher(t, coord, runner, checker, Config{Loops: 1, MaxBatches: 1})

	require.NoError(t, runWithTimeout(t, d, context.Background()))
	assert.Equal(t, 1, runner.count())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	coord := &scriptedCoordinator{}
	runner := &recordingRunner{}
	d := newDispatcher(t, coord, runner, checkerFunc(healthy), Config{Loops: 2, IdleDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	require.NoError(t, runWithTimeout(t, d, ctx))
	assert.Zero(t, runner.count())
}

func TestRunDetachesBatchesFromShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	coord := &scriptedCoordinator{results: []claimResult{{items: []string{"ch-discussions:UC1"}}}}
	runner := &recordingRunner{}
	cancelling := checkerFunc(func(context.Context) error { return nil })
	d := newDispatcher(t, coord, runnerFunc(func(rctx context.Context, b *archive.Batch) (archive.State, error) {
		cancel()
		return runner.Run(rctx, b)
	}), cancelling, Config{Loops: 1, MaxBatches: 1})

	require.NoError(t, runWithTimeout(t, d, ctx))
	require.Equal(t, 1, runner.count())
	assert.NoError(t, runner.ctxErrs[0])
}

type runnerFunc func(ctx context.Context, batch *archive.Batch) (archive.State, error)

func (f runnerFunc) Run(ctx context.Context, batch *archive.Batch) (archive.State, error) {
	return f(ctx, batch)
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func TestRunLogsItemsDroppedAfterClaim(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	coord := &scriptedCoordinator{results: []claimResult{
		{items: []string{"ch-discussions:UC1", "ch-discussions:UC2"}},
		{items: []string{}},
	}}
	runner := &recordingRunner{}
	d, err := New(coord, runner, checkerFunc(healthy), failingIDs{}, system.Fixed{At: time.Unix(0, 0)}, Config{
		Loops: 1, IdleDelay: time.Millisecond,
	}, zap.New(core))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool {
		return logs.FilterMessage("dropping claimed items").Len() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, runner.count())
	entries := logs.FilterMessage("dropping claimed items").All()
	assert.Equal(t, []any{"ch-discussions:UC1", "ch-discussions:UC2"}, entries[0].ContextMap()["items"])
	assert.Contains(t, entries[0].ContextMap()["error"], "entropy exhausted")
	assert.Contains(t, entries[1].ContextMap()["error"], "no sub-items")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &recordingRunner{}, checkerFunc(healthy), uuid.New(), system.New(), Config{}, nil)
	require.Error(t, err)

	d, err := New(&scriptedCoordinator{}, &recordingRunner{}, checkerFunc(healthy), uuid.New(), system.New(), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.cfg.Loops)
	assert.Equal(t, DefaultMultiItemSize, d.cfg.MultiItemSize)
	assert.Equal(t, DefaultIdleDelay, d.cfg.IdleDelay)
}
