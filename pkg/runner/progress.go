package runner

import (
	"context"
	"time"

	"github.com/edulytics/backfill/pkg/core"
	"github.com/edulytics/backfill/pkg/security"
)

// progressTracker keeps a running job's per-item accounting in memory and
// flushes it to the job store and checkpoint store at bounded intervals.
// Counters only ever increase; a resume seeds them from the checkpoint
// rather than resetting.
type progressTracker struct {
	jobID     string
	progress  core.Progress
	offset    int // next item index; equals items attempted
	snapshots []string

	flushEvery    int
	flushInterval time.Duration
	lastFlush     time.Time
	sinceFlush    int
}

// newProgressTracker seeds a tracker for a claimed job. When a checkpoint
// exists (resume), its counters win over the job record's: the checkpoint is
// what the offset was derived from.
func newProgressTracker(job *core.BackfillJob, cp *core.Checkpoint, flushEvery int, flushInterval time.Duration) *progressTracker {
	t := &progressTracker{
		jobID:         job.ID,
		progress:      job.Progress(),
		flushEvery:    flushEvery,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
	}
	if cp != nil {
		t.offset = cp.Offset
		t.progress.ProcessedItems = cp.ProcessedItems
		t.progress.SkippedItems = cp.SkippedItems
		t.progress.FailedItems = cp.FailedItems
	}
	return t
}

func (t *progressTracker) setTotal(n int) {
	t.progress.TotalItems = n
}

func (t *progressTracker) recordProcessed(snapshotID string) {
	t.progress.ProcessedItems++
	t.offset++
	t.sinceFlush++
	if snapshotID != "" {
		t.snapshots = append(t.snapshots, snapshotID)
	}
}

func (t *progressTracker) recordSkipped() {
	t.progress.SkippedItems++
	t.offset++
	t.sinceFlush++
}

func (t *progressTracker) recordFailed(itemID, message string) {
	t.progress.FailedItems++
	t.progress.ErrorCount++
	t.offset++
	t.sinceFlush++
	if len(t.progress.Errors) < security.MaxRetainedItemErrors {
		t.progress.Errors = append(t.progress.Errors, core.ItemError{
			ItemID:  itemID,
			Message: security.SanitizeErrorMessage(message),
		})
	}
}

// shouldFlush reports whether enough items or time have accumulated since
// the last flush to warrant a write.
func (t *progressTracker) shouldFlush() bool {
	if t.sinceFlush == 0 {
		return false
	}
	if t.sinceFlush >= t.flushEvery {
		return true
	}
	return time.Since(t.lastFlush) >= t.flushInterval
}

// flush persists progress to the job record and upserts the checkpoint.
// Both writes are ordered through the owning runner, so a checkpoint never
// moves backwards.
func (t *progressTracker) flush(ctx context.Context, store core.Storage) error {
	if err := store.SaveProgress(ctx, t.jobID, &t.progress); err != nil {
		return err
	}
	err := store.SaveCheckpoint(ctx, &core.Checkpoint{
		JobID:          t.jobID,
		Offset:         t.offset,
		ProcessedItems: t.progress.ProcessedItems,
		SkippedItems:   t.progress.SkippedItems,
		FailedItems:    t.progress.FailedItems,
	})
	if err != nil {
		return err
	}
	t.sinceFlush = 0
	t.lastFlush = time.Now()
	return nil
}

// result assembles the terminal result for a completed job.
func (t *progressTracker) result(duration time.Duration) *core.Result {
	return &core.Result{
		ItemsProcessed: t.progress.ProcessedItems,
		ItemsSkipped:   t.progress.SkippedItems,
		ItemsFailed:    t.progress.FailedItems,
		Duration:       duration,
		SnapshotIDs:    t.snapshots,
	}
}
