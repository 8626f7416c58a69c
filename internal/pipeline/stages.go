package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/logging"
	"github.com/JakeFAU/archive-pipeline/internal/metrics"
	"github.com/JakeFAU/archive-pipeline/internal/plan"
	"github.com/JakeFAU/archive-pipeline/internal/reconcile"
)

// execution carries per-batch values between stages.
type execution struct {
	batch   *archive.Batch
	plan    *plan.Plan
	outcome archive.FetchOutcome
}

type stageFunc func(ctx context.Context, r *Runner, x *execution) (skipped bool, err error)

type stage struct {
	to  archive.State
	run stageFunc
}

// stages maps each non-terminal state to the stage that leaves it.
var stages = map[archive.State]stage{
	archive.StateClaimed:    {to: archive.StatePrepared, run: prepareStage},
	archive.StatePrepared:   {to: archive.StatePlanned, run: planStage},
	archive.StatePlanned:    {to: archive.StateFetched, run: fetchStage},
	archive.StateFetched:    {to: archive.StateReconciled, run: reconcileStage},
	archive.StateReconciled: {to: archive.StateStatsReady, run: statsStage},
	archive.StateStatsReady: {to: archive.StateFinalized, run: finalizeStage},
	archive.StateFinalized:  {to: archive.StateUploaded, run: uploadStage},
	archive.StateUploaded:   {to: archive.StateCompleted, run: completeStage},
}

func prepareStage(_ context.Context, r *Runner, x *execution) (bool, error) {
	if err := r.deps.Workspace.Prepare(x.batch); err != nil {
		return false, err
	}
	return false, nil
}

func planStage(_ context.Context, r *Runner, x *execution) (bool, error) {
	p, err := r.deps.Planner.Build(x.batch)
	if err != nil {
		return false, err
	}
	if err := p.WriteAudit(x.batch.WorkFile(archive.RequestAuditSuffix)); err != nil {
		return false, err
	}
	x.plan = p
	return false, nil
}

func fetchStage(ctx context.Context, r *Runner, x *execution) (bool, error) {
	outcome, err := r.deps.Fetcher.Fetch(ctx, x.batch, x.plan.Requests)
	if outcome.ExitCode >= 0 {
		metrics.ObserveFetchExit(outcome.ExitCode)
	}
	if err != nil {
		return false, err
	}
	x.outcome = outcome
	if outcome.Status != archive.FetchSucceeded {
		r.logger.Warn("fetcher reported failures",
			append(logging.BatchFields(x.batch),
				zap.String("status", string(outcome.Status)),
				zap.Int("exit_code", outcome.ExitCode))...)
	}
	return false, nil
}

func reconcileStage(_ context.Context, r *Runner, x *execution) (bool, error) {
	path := x.outcome.BadItemsPath
	if path == "" {
		path = x.batch.WorkFile(archive.BadItemsSuffix)
	}
	removed, err := reconcile.ApplyFile(x.batch, path)
	if err != nil {
		return false, err
	}
	metrics.ObserveReconciled(len(removed))
	for _, item := range removed {
		r.logger.Warn("sub-item aborted", append(logging.BatchFields(x.batch), zap.String("item", item))...)
	}
	return false, nil
}

func statsStage(_ context.Context, r *Runner, x *execution) (bool, error) {
	info, err := os.Stat(x.batch.WorkFile(archive.CaptureSuffix))
	if err != nil {
		return false, fmt.Errorf("size capture: %w", err)
	}
	id := make(map[string]string, len(r.env.Config.StatsID))
	for k, v := range r.env.Config.StatsID {
		id[k] = v
	}
	x.batch.Stats = &archive.Stats{
		Downloader: x.batch.Downloader,
		Version:    x.batch.PipelineVersion,
		Items:      append([]string{}, x.batch.Identity...),
		Bytes:      map[string]int64{"data": info.Size()},
		ID:         id,
	}
	return false, nil
}

func finalizeStage(_ context.Context, r *Runner, x *execution) (bool, error) {
	if err := r.deps.Workspace.Finalize(x.batch); err != nil {
		return false, err
	}
	return false, nil
}

// uploadStage is skipped without any network call when reconciliation
// removed every sub-item, unless the run keeps output of aborted batches.
// The target request and the transfer share one gate slot; skipped batches
// never queue for it.
func uploadStage(ctx context.Context, r *Runner, x *execution) (bool, error) {
	if x.batch.Empty() && !r.env.Config.KeepOnAbort {
		if err := r.deps.Workspace.Discard(x.batch); err != nil {
			r.logger.Warn("discard artifacts failed", append(logging.BatchFields(x.batch), zap.Error(err))...)
		}
		return true, nil
	}

	defer func() { metrics.SetUploadGate(r.env.Gate.Ceiling(), r.env.Gate.InFlight()) }()
	target, refs, err := r.deps.Uploader.Upload(ctx, x.batch, r.deps.Coordinator.UploadTarget, r.deps.Workspace.ArtifactPaths(x.batch))
	if target != "" {
		x.batch.UploadTarget = target
	}
	if err != nil {
		return false, err
	}
	x.batch.Artifacts = refs
	for _, ref := range refs {
		metrics.ObserveUpload(ref.Bytes)
	}
	return false, nil
}

// completeStage never reports an empty batch to the coordinator.
func completeStage(ctx context.Context, r *Runner, x *execution) (bool, error) {
	if x.batch.Empty() {
		return true, nil
	}
	if x.batch.Stats == nil {
		return false, errors.New("batch has no stats")
	}
	if err := r.deps.Coordinator.Complete(ctx, x.batch); err != nil {
		return false, err
	}
	return false, nil
}
