package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edulytics/backfill/pkg/core"
	"github.com/edulytics/backfill/pkg/engine"
	"github.com/edulytics/backfill/pkg/jobctx"
)

// Runner claims pending jobs and executes their item streams.
type Runner struct {
	engine *engine.Engine
	config RunnerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a new runner for the given engine.
func NewRunner(e *engine.Engine, opts ...RunnerOption) *Runner {
	config := RunnerConfig{
		PollInterval:       250 * time.Millisecond,
		MaxConcurrent:      4,
		MaxItemRetries:     2,
		ItemRetryBackoff:   500 * time.Millisecond,
		CheckpointEvery:    1,
		CheckpointInterval: 5 * time.Second,
	}

	for _, opt := range opts {
		opt.ApplyRunner(&config)
	}

	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}

	return &Runner{
		engine: e,
		config: config,
		logger: slog.Default(),
	}
}

// Start begins claiming and executing pending jobs. Blocks until the context
// is cancelled. Jobs left in running at that point are orphans the recovery
// service picks up on the next startup.
func (r *Runner) Start(ctx context.Context) error {
	if r.config.EnableScheduler {
		go r.runScheduler(ctx)
	}

	slots := make(chan struct{}, r.config.MaxConcurrent)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			select {
			case slots <- struct{}{}:
			default:
				continue // all slots busy
			}

			job, err := r.claimWithRetry(ctx)
			if err != nil || job == nil {
				<-slots
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					r.logger.Error("failed to claim job after retries", "error", err)
				}
				continue
			}

			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer func() { <-slots }()

				r.engine.CallStartHooks(ctx, job)
				r.engine.Emit(&core.JobStarted{Job: job, Timestamp: time.Now()})

				if err := r.Execute(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Error("job execution error", "job_id", job.ID, "error", err)
				}
			}()
		}
	}
}

// claimWithRetry attempts to claim a pending job with backoff on failure.
func (r *Runner) claimWithRetry(ctx context.Context) (*core.BackfillJob, error) {
	var job *core.BackfillJob
	err := retryWithBackoff(ctx, *r.config.StorageRetry, func() error {
		var claimErr error
		job, claimErr = r.engine.Storage().ClaimPending(ctx)
		return claimErr
	})
	return job, err
}

// Execute runs one claimed job (status running) to a terminal state. When a
// checkpoint exists, iteration restarts at its offset and already-consumed
// items are never reprocessed. Safe to call from the claim loop and from the
// recovery service.
func (r *Runner) Execute(ctx context.Context, job *core.BackfillJob) error {
	store := r.engine.Storage()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.engine.RegisterRunningJob(job.ID, cancel)
	defer r.engine.UnregisterRunningJob(job.ID)

	proc, ok := r.engine.GetProcessor(job.Type)
	if !ok {
		return r.failJob(ctx, job, core.ErrNoProcessor)
	}

	items, err := proc.Enumerate(runCtx, job)
	if err != nil {
		if runCtx.Err() != nil {
			return r.handleInterrupt(ctx, runCtx, job, nil)
		}
		return r.failJob(ctx, job, fmt.Errorf("enumerate items: %w", err))
	}

	cp, err := store.GetCheckpoint(ctx, job.ID)
	if err != nil {
		return r.failJob(ctx, job, fmt.Errorf("read checkpoint: %w", err))
	}
	if cp != nil && cp.Offset > len(items) {
		return r.failJob(ctx, job, &core.ResumeError{JobID: job.ID, Reason: "checkpoint offset past end of item stream"})
	}

	tracker := newProgressTracker(job, cp, r.config.CheckpointEvery, r.config.CheckpointInterval)
	tracker.setTotal(len(items))

	itemCtx := jobctx.WithJob(runCtx, job)

	for i := tracker.offset; i < len(items); i++ {
		if runCtx.Err() != nil {
			return r.handleInterrupt(ctx, runCtx, job, tracker)
		}

		// Cooperative cancellation, observed between items only.
		flagged, flagErr := store.IsCancelRequested(ctx, job.ID)
		if flagErr != nil {
			r.logger.Warn("cancel flag check failed", "job_id", job.ID, "error", flagErr)
		}
		if flagged {
			return r.finishCancelled(ctx, job, tracker)
		}

		if fatal := r.processItem(itemCtx, job, proc, items[i], tracker); fatal != nil {
			return r.failJob(ctx, job, fatal)
		}

		if runCtx.Err() != nil {
			// Interrupted mid-item; the item is not counted.
			return r.handleInterrupt(ctx, runCtx, job, tracker)
		}

		if tracker.shouldFlush() {
			if err := r.flushWithRetry(ctx, tracker); err != nil {
				return r.failJob(ctx, job, fmt.Errorf("persist checkpoint: %w", err))
			}
			r.engine.Emit(&core.CheckpointSaved{JobID: job.ID, Offset: tracker.offset, Timestamp: time.Now()})
		}
	}

	return r.completeJob(ctx, job, tracker)
}

// processItem runs one item through the processor with bounded local
// retries. Retries are in-memory only; a crash mid-retry replays the item
// from the last checkpoint, which never includes it. The returned error is
// non-nil only for job-fatal conditions; ordinary item failures are recorded
// and swallowed so the job continues.
func (r *Runner) processItem(ctx context.Context, job *core.BackfillJob, proc core.Processor, item core.Item, tracker *progressTracker) error {
	backoff := r.config.ItemRetryBackoff
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxItemRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		res, err := proc.Process(ctx, job, item)
		if err == nil {
			if res != nil && res.Skipped {
				tracker.recordSkipped()
			} else {
				snapshotID := ""
				if res != nil {
					snapshotID = res.SnapshotID
				}
				tracker.recordProcessed(snapshotID)
			}
			return nil
		}

		if ctx.Err() != nil {
			return nil // interrupted, not an item failure
		}
		if core.IsFatal(err) {
			return err
		}
		lastErr = err
	}

	tracker.recordFailed(item.ID, lastErr.Error())
	r.logger.Warn("item failed after retries", "job_id", job.ID, "item_id", item.ID, "error", lastErr)
	r.engine.Emit(&core.ItemFailed{JobID: job.ID, ItemID: item.ID, Error: lastErr, Timestamp: time.Now()})
	return nil
}

// handleInterrupt distinguishes a process shutdown from a force cancel.
// On shutdown the job stays running (an orphan for recovery) after a best
// effort checkpoint flush; on force cancel the metadata is already terminal
// and there is nothing left to write.
func (r *Runner) handleInterrupt(ctx context.Context, runCtx context.Context, job *core.BackfillJob, tracker *progressTracker) error {
	if ctx.Err() != nil {
		if tracker != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracker.flush(flushCtx, r.engine.Storage()); err != nil {
				r.logger.Warn("shutdown flush failed", "job_id", job.ID, "error", err)
			}
		}
		return ctx.Err()
	}
	r.logger.Info("job force-cancelled during execution", "job_id", job.ID)
	return runCtx.Err()
}

func (r *Runner) finishCancelled(ctx context.Context, job *core.BackfillJob, tracker *progressTracker) error {
	if err := r.flushWithRetry(ctx, tracker); err != nil {
		r.logger.Warn("final flush before cancel failed", "job_id", job.ID, "error", err)
	}
	moved, err := r.engine.Storage().FinishCancelled(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if !moved {
		// A force cancel got there first.
		return nil
	}
	r.logger.Info("job cancelled", "job_id", job.ID, "processed", tracker.progress.ProcessedItems)
	if cancelled, getErr := r.engine.Storage().GetJob(ctx, job.ID); getErr == nil && cancelled != nil {
		r.engine.CallCancelHooks(ctx, cancelled)
		r.engine.Emit(&core.JobCancelled{Job: cancelled, Forced: false, Timestamp: time.Now()})
	}
	return nil
}

func (r *Runner) completeJob(ctx context.Context, job *core.BackfillJob, tracker *progressTracker) error {
	if err := retryWithBackoff(ctx, *r.config.StorageRetry, func() error {
		return r.engine.Storage().SaveProgress(ctx, job.ID, &tracker.progress)
	}); err != nil {
		return r.failJob(ctx, job, fmt.Errorf("persist final progress: %w", err))
	}

	duration := time.Duration(0)
	if job.StartedAt != nil {
		duration = time.Since(*job.StartedAt)
	}
	result := tracker.result(duration)

	var moved bool
	err := retryWithBackoff(ctx, *r.config.StorageRetry, func() error {
		var completeErr error
		moved, completeErr = r.engine.Storage().CompleteJob(ctx, job.ID, result)
		return completeErr
	})
	if err != nil {
		r.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", err)
		return err
	}
	if !moved {
		// Force-cancelled between the last item and the terminal write.
		return nil
	}

	r.logger.Info("job completed",
		"job_id", job.ID,
		"processed", result.ItemsProcessed,
		"skipped", result.ItemsSkipped,
		"failed", result.ItemsFailed,
		"duration", duration)

	if done, getErr := r.engine.Storage().GetJob(ctx, job.ID); getErr == nil && done != nil {
		r.engine.CallCompleteHooks(ctx, done)
		r.engine.Emit(&core.JobCompleted{Job: done, Result: result, Duration: duration, Timestamp: time.Now()})
	}
	return nil
}

// failJob terminates a job with a fatal error. Per-item failures never come
// through here; only conditions that prevent continuation do.
func (r *Runner) failJob(ctx context.Context, job *core.BackfillJob, cause error) error {
	var moved bool
	err := retryWithBackoff(ctx, *r.config.StorageRetry, func() error {
		var failErr error
		moved, failErr = r.engine.Storage().FailJob(ctx, job.ID, core.StatusRunning, cause.Error())
		return failErr
	})
	if err != nil {
		r.logger.Error("failed to mark job as failed after retries", "job_id", job.ID, "error", err)
		return err
	}
	if !moved {
		return nil // already moved by force cancel
	}

	r.logger.Error("job failed", "job_id", job.ID, "error", cause)
	if failed, getErr := r.engine.Storage().GetJob(ctx, job.ID); getErr == nil && failed != nil {
		r.engine.CallFailHooks(ctx, failed, cause)
		r.engine.Emit(&core.JobFailed{Job: failed, Error: cause, Timestamp: time.Now()})
	}
	return nil
}

func (r *Runner) flushWithRetry(ctx context.Context, tracker *progressTracker) error {
	return retryWithBackoff(ctx, *r.config.StorageRetry, func() error {
		return tracker.flush(ctx, r.engine.Storage())
	})
}

// runScheduler starts due recurring backfills through the admission
// controller. A target that already has an active job loses the tick and is
// retried on the next due time.
func (r *Runner) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduled := r.engine.GetScheduledBackfills()
			if scheduled == nil {
				continue
			}

			now := time.Now()
			for name, sb := range scheduled {
				nextRun := sb.Schedule.Next(lastRun[name])
				if now.After(nextRun) || now.Equal(nextRun) {
					_, err := r.engine.StartJob(ctx, sb.TargetKey, sb.Type, sb.Config)
					switch {
					case errors.Is(err, core.ErrTargetConflict):
						r.logger.Debug("scheduled backfill skipped, target busy", "name", name, "target", sb.TargetKey)
						lastRun[name] = now
					case err != nil:
						r.logger.Error("failed to start scheduled backfill", "name", name, "error", err)
					default:
						lastRun[name] = now
					}
				}
			}
		}
	}
}
