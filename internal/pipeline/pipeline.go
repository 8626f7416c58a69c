// Package pipeline drives one claimed batch through the archive stages as an
// explicit state machine. Each state has exactly one stage; a successful stage
// advances to the next state and a failed one moves the batch to aborted.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/logging"
	"github.com/JakeFAU/archive-pipeline/internal/metrics"
	"github.com/JakeFAU/archive-pipeline/internal/plan"
	"github.com/JakeFAU/archive-pipeline/internal/storage/memory"
	"github.com/JakeFAU/archive-pipeline/internal/upload"
	"github.com/JakeFAU/archive-pipeline/internal/workspace"
)

const tracerName = "github.com/JakeFAU/archive-pipeline/internal/pipeline"

// Deps are the collaborators used by the stages.
type Deps struct {
	Workspace   *workspace.Manager
	Planner     *plan.Builder
	Fetcher     archive.Fetcher
	Coordinator archive.Coordinator
	Uploader    *upload.Uploader
	// Audit defaults to an in-memory ledger.
	Audit archive.AuditStore
	// Publisher is optional.
	Publisher archive.Publisher
	Clock     archive.Clock
}

// Status describes a batch currently in the pipeline.
type Status struct {
	RunID       string        `json:"run_id"`
	Fingerprint string        `json:"fingerprint"`
	State       archive.State `json:"state"`
	Items       string        `json:"items"`
	Remaining   int           `json:"remaining"`
	Since       time.Time     `json:"since"`
}

// Runner executes batches. It is safe for concurrent use; each call to Run
// owns its batch exclusively.
type Runner struct {
	env    *Env
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	active map[*archive.Batch]*Status
}

// NewRunner validates collaborators and returns a Runner.
func NewRunner(env *Env, deps Deps, logger *zap.Logger) (*Runner, error) {
	switch {
	case env == nil:
		return nil, errors.New("pipeline env is required")
	case deps.Workspace == nil:
		return nil, errors.New("workspace manager is required")
	case deps.Planner == nil:
		return nil, errors.New("plan builder is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Coordinator == nil:
		return nil, errors.New("coordinator is required")
	case deps.Uploader == nil:
		return nil, errors.New("uploader is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Uploader.Gate() != env.Gate {
		return nil, errors.New("uploader must share the env upload gate")
	}
	if deps.Audit == nil {
		deps.Audit = memory.NewAuditStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		env:    env,
		deps:   deps,
		logger: logger.Named("pipeline"),
		active: make(map[*archive.Batch]*Status),
	}, nil
}

// Env returns the shared stage environment.
func (r *Runner) Env() *Env {
	return r.env
}

// Run drives batch from claimed to a terminal state and returns that state.
// An aborted batch also returns a *StageError naming the failed stage.
func (r *Runner) Run(ctx context.Context, batch *archive.Batch) (archive.State, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "batch",
		trace.WithAttributes(
			attribute.String("archive.run_id", batch.RunID),
			attribute.Int("archive.items", len(batch.Identity)),
		))
	defer span.End()

	x := &execution{batch: batch}
	r.track(batch)
	metrics.IncActiveBatches()
	defer func() {
		metrics.DecActiveBatches()
		r.untrack(batch)
	}()

	state := archive.StateClaimed
	var runErr error
	for !state.Terminal() {
		st, ok := stages[state]
		if !ok {
			runErr = &StageError{Stage: state, Err: errors.New("no stage for state")}
			r.transition(ctx, batch, state, archive.StateAborted, false, runErr, 0)
			state = archive.StateAborted
			break
		}
		start := time.Now()
		stageCtx, stageSpan := otel.Tracer(tracerName).Start(ctx, string(st.to))
		skipped, err := st.run(stageCtx, r, x)
		elapsed := time.Since(start)
		stageSpan.SetAttributes(attribute.Bool("archive.skipped", skipped))
		stageSpan.End()
		if err != nil {
			runErr = &StageError{Stage: st.to, Err: err}
			r.transition(ctx, batch, state, archive.StateAborted, false, runErr, elapsed)
			state = archive.StateAborted
			break
		}
		r.transition(ctx, batch, state, st.to, skipped, nil, elapsed)
		state = st.to
	}

	span.SetAttributes(
		attribute.String("archive.fingerprint", batch.Fingerprint),
		attribute.String("archive.state", string(state)),
		attribute.Int("archive.remaining", len(batch.Identity)),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	metrics.ObserveBatch(string(state))
	r.publish(ctx, batch, state, runErr)
	return state, runErr
}

// Active lists batches currently in the pipeline, oldest first.
func (r *Runner) Active() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.active))
	for _, st := range r.active {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

func (r *Runner) track(batch *archive.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[batch] = &Status{
		RunID:     batch.RunID,
		State:     archive.StateClaimed,
		Items:     batch.Display,
		Remaining: len(batch.Identity),
		Since:     r.deps.Clock.Now(),
	}
}

func (r *Runner) untrack(batch *archive.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, batch)
}

func (r *Runner) transition(ctx context.Context, batch *archive.Batch, from, to archive.State, skipped bool, err error, elapsed time.Duration) {
	r.mu.Lock()
	if st, ok := r.active[batch]; ok {
		st.State = to
		st.Fingerprint = batch.Fingerprint
		st.Items = batch.Display
		st.Remaining = len(batch.Identity)
	}
	r.mu.Unlock()

	fields := append(logging.BatchFields(batch),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Duration("elapsed", elapsed),
	)
	switch {
	case err != nil:
		r.logger.Error("batch aborted", append(fields, zap.Error(err))...)
	case skipped:
		r.logger.Warn("stage skipped", fields...)
	default:
		r.logger.Info("batch advanced", fields...)
	}
	metrics.ObserveTransition(string(to), skipped, elapsed)

	tr := archive.Transition{
		RunID:       batch.RunID,
		Fingerprint: batch.Fingerprint,
		ItemName:    batch.OriginalItemName(),
		From:        from,
		To:          to,
		Skipped:     skipped,
		At:          r.deps.Clock.Now(),
	}
	if err != nil {
		tr.Error = err.Error()
	}
	if auditErr := r.deps.Audit.RecordTransition(ctx, tr); auditErr != nil {
		r.logger.Warn("record transition failed", append(fields, zap.Error(auditErr))...)
	}
}

func (r *Runner) publish(ctx context.Context, batch *archive.Batch, state archive.State, runErr error) {
	if r.deps.Publisher == nil || r.env.Config.EventTopic == "" {
		return
	}
	event := archive.CompletionEvent{
		RunID:     batch.RunID,
		Item:      batch.ItemName(),
		Original:  batch.OriginalItemName(),
		State:     state,
		Artifacts: batch.Artifacts,
		Bytes:     batch.Stats.TotalBytes(),
		Timestamp: r.deps.Clock.Now(),
	}
	var stageErr *StageError
	if errors.As(runErr, &stageErr) {
		event.Stage = stageErr.Stage
		event.Error = stageErr.Err.Error()
	}
	msgID, err := r.deps.Publisher.Publish(ctx, r.env.Config.EventTopic, event)
	if err != nil {
		r.logger.Warn("publish completion event failed", append(logging.BatchFields(batch), zap.Error(err))...)
		return
	}
	r.logger.Debug("published completion event", zap.String("message_id", msgID), zap.String("run_id", batch.RunID))
}
