// Package dispatcher runs the claim loops that feed batches into the pipeline.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/coordinator"
	"github.com/JakeFAU/archive-pipeline/internal/health"
	"github.com/JakeFAU/archive-pipeline/internal/metrics"
)

// Defaults applied by New.
const (
	DefaultMultiItemSize = 200
	DefaultIdleDelay     = 30 * time.Second
)

// HealthChecker gates every claim.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// BatchRunner executes one batch to a terminal state.
type BatchRunner interface {
	Run(ctx context.Context, batch *archive.Batch) (archive.State, error)
}

// Config controls the claim loops.
type Config struct {
	// Loops is the number of batches processed concurrently.
	Loops int
	// MultiItemSize is the number of sub-items claimed per batch.
	MultiItemSize int
	// IdleDelay is the pause after an empty claim or a transient error.
	IdleDelay time.Duration
	// MaxBatches stops the dispatcher after this many batches. Zero is unlimited.
	MaxBatches int
	// ClaimsPerSecond paces claims across all loops. Zero is unpaced.
	ClaimsPerSecond float64
	Downloader      string
	Version         string
}

// Dispatcher fans claimed batches out to a fixed number of loops.
type Dispatcher struct {
	coord   archive.Coordinator
	runner  BatchRunner
	checker HealthChecker
	ids     archive.IDGenerator
	clock   archive.Clock
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	started atomic.Int64
}

// New creates a Dispatcher.
func New(
	coord archive.Coordinator,
	runner BatchRunner,
	checker HealthChecker,
	ids archive.IDGenerator,
	clock archive.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if coord == nil || runner == nil || checker == nil || ids == nil || clock == nil {
		return nil, errors.New("dispatcher requires coordinator, runner, health checker, id generator and clock")
	}
	if cfg.Loops <= 0 {
		cfg.Loops = 1
	}
	if cfg.MultiItemSize <= 0 {
		cfg.MultiItemSize = DefaultMultiItemSize
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.ClaimsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ClaimsPerSecond), 1)
	}
	return &Dispatcher{
		limiter: limiter,
		coord:   coord,
		runner:  runner,
		checker: checker,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}, nil
}

// Run starts the loops and blocks until ctx ends, MaxBatches is reached, or
// the health check detects DNS interference. Batches already in the pipeline
// run to completion; only claiming stops. The interference error is returned
// so the caller can exit non-zero.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for i := range d.cfg.Loops {
		wg.Add(1)
		go func(loop int) {
			defer wg.Done()
			d.loop(ctx, cancel, loop)
		}(i)
	}
	wg.Wait()

	if cause := context.Cause(ctx); errors.Is(cause, health.ErrInterference) {
		return cause
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, stop context.CancelCauseFunc, loop int) {
	logger := d.logger.With(zap.Int("loop", loop))
	for ctx.Err() == nil {
		if !d.reserve() {
			return
		}
		batch, err := d.next(ctx)
		if err != nil {
			d.release()
			switch {
			case errors.Is(err, health.ErrInterference):
				logger.Error("stopping: network interference detected", zap.Error(err))
				stop(err)
				return
			case errors.Is(err, coordinator.ErrNoItems):
				logger.Debug("no items available")
			case errors.Is(err, coordinator.ErrRateLimited):
				logger.Info("rate limited by coordinator")
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("claim failed", zap.Error(err))
			}
			d.sleep(ctx)
			continue
		}

		// Stages are not cancelled by shutdown; the batch finishes first.
		state, err := d.runner.Run(context.WithoutCancel(ctx), batch)
		if err != nil {
			logger.Warn("batch ended", zap.String("run_id", batch.RunID), zap.String("state", string(state)), zap.Error(err))
			continue
		}
		logger.Info("batch ended", zap.String("run_id", batch.RunID), zap.String("state", string(state)))
	}
}

// next runs the health check and claims one batch.
func (d *Dispatcher) next(ctx context.Context) (*archive.Batch, error) {
	if err := d.checker.Check(ctx); err != nil {
		if errors.Is(err, health.ErrInterference) {
			metrics.ObserveHealthCheck("interference")
		} else {
			metrics.ObserveHealthCheck("error")
		}
		return nil, err
	}
	metrics.ObserveHealthCheck("ok")
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	items, err := d.coord.Claim(ctx, d.cfg.MultiItemSize)
	if err != nil {
		return nil, err
	}
	// Past this point the tracker has handed the items out; name them on failure.
	batch, err := archive.NewBatch(items, d.cfg.Downloader, d.cfg.Version, d.clock.Now())
	if err != nil {
		d.logger.Error("dropping claimed items", zap.Strings("items", items), zap.Error(err))
		return nil, fmt.Errorf("build batch: %w", err)
	}
	runID, err := d.ids.NewID()
	if err != nil {
		d.logger.Error("dropping claimed items", zap.Strings("items", items), zap.Error(err))
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	batch.RunID = runID
	return batch, nil
}

func (d *Dispatcher) reserve() bool {
	if d.cfg.MaxBatches <= 0 {
		return true
	}
	if d.started.Add(1) > int64(d.cfg.MaxBatches) {
		d.started.Add(-1)
		return false
	}
	return true
}

func (d *Dispatcher) release() {
	if d.cfg.MaxBatches > 0 {
		d.started.Add(-1)
	}
}

func (d *Dispatcher) sleep(ctx context.Context) {
	timer := time.NewTimer(d.cfg.IdleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
