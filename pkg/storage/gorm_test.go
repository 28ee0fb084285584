package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulytics/backfill/pkg/core"
)

// newTestStorage creates a fresh migrated storage instance for each test.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// newTestJob builds a minimal valid job for insertion in tests.
func newTestJob(targetKey string) *core.BackfillJob {
	return &core.BackfillJob{
		Type:      core.JobTypeDataCollection,
		TargetKey: targetKey,
		Config:    []byte(`{"start_date":"2025-01-01","end_date":"2025-01-03"}`),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Constructor / detection
// ──────────────────────────────────────────────────────────────────────────────

func TestNewGormStorage_DB(t *testing.T) {
	db := openTestDB(t)
	s := NewGormStorage(db)
	assert.Same(t, db, s.DB())
}

// ──────────────────────────────────────────────────────────────────────────────
// Admission
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJob_Defaults(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("district-1")
	require.NoError(t, s.CreateJob(ctx, job))

	assert.NotEmpty(t, job.ID, "should assign an ID")
	assert.Equal(t, core.StatusPending, job.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, "district-1", got.TargetKey)
}

func TestCreateJob_TargetConflict(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newTestJob("district-1")))

	err := s.CreateJob(ctx, newTestJob("district-1"))
	assert.ErrorIs(t, err, core.ErrTargetConflict)
}

func TestCreateJob_ConflictSpansRunningAndRecovering(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first := newTestJob("district-1")
	require.NoError(t, s.CreateJob(ctx, first))

	claimed, err := s.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = s.CreateJob(ctx, newTestJob("district-1"))
	assert.ErrorIs(t, err, core.ErrTargetConflict, "running job still blocks admission")

	moved, err := s.MarkRecovering(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, moved)

	err = s.CreateJob(ctx, newTestJob("district-1"))
	assert.ErrorIs(t, err, core.ErrTargetConflict, "recovering job still blocks admission")
}

func TestCreateJob_TerminalJobFreesTarget(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first := newTestJob("district-1")
	require.NoError(t, s.CreateJob(ctx, first))

	moved, err := s.CancelPending(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, moved)

	assert.NoError(t, s.CreateJob(ctx, newTestJob("district-1")),
		"cancelled job should not block a new one")
}

func TestCreateJob_DifferentTargetsCoexist(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newTestJob("district-1")))
	require.NoError(t, s.CreateJob(ctx, newTestJob("district-2")))
}

// The unique index makes the admission decision inside the database, so
// concurrent creates for one target resolve to exactly one winner on either
// backend; every loser sees the conflict sentinel.
func TestCreateJob_ConcurrentSameTarget(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.CreateJob(ctx, newTestJob("district-contended"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, core.ErrTargetConflict,
				"losers must see the conflict sentinel")
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent create may win")
}

// Even a write that sidesteps CreateJob cannot produce a second active job
// for a target: the partial unique index rejects it at the database level.
func TestCreateJob_ActiveTargetIndexEnforced(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newTestJob("district-1")))

	dup := newTestJob("district-1")
	dup.ID = uuid.New().String()
	dup.Status = core.StatusPending
	err := s.DB().WithContext(ctx).Create(dup).Error
	require.Error(t, err, "direct insert of a second active job must fail")
	assert.True(t, isActiveTargetViolation(err), "violation maps to the admission conflict: %v", err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Claiming
// ──────────────────────────────────────────────────────────────────────────────

func TestClaimPending_OldestFirst(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	old := newTestJob("district-1")
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateJob(ctx, old))

	recent := newTestJob("district-2")
	require.NoError(t, s.CreateJob(ctx, recent))

	claimed, err := s.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, old.ID, claimed.ID, "oldest pending job claims first")
	assert.Equal(t, core.StatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)
}

func TestClaimPending_Empty(t *testing.T) {
	s := newTestStorage(t)

	claimed, err := s.ClaimPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, claimed, "no pending jobs means nil, nil")
}

func TestClaimPending_SkipsNonPending(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("district-1")
	require.NoError(t, s.CreateJob(ctx, job))

	first, err := s.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.ClaimPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, second, "already-running job is not claimable")
}

// ──────────────────────────────────────────────────────────────────────────────
// Progress and checkpoints
// ──────────────────────────────────────────────────────────────────────────────

// claimTestJob creates and claims a job so progress writes are valid.
func claimTestJob(t *testing.T, s *GormStorage, targetKey string) *core.BackfillJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newTestJob(targetKey)))
	job, err := s.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestSaveProgress_RoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	p := &core.Progress{
		ProcessedItems: 2,
		SkippedItems:   1,
		FailedItems:    1,
		TotalItems:     10,
		ErrorCount:     1,
		Errors:         []core.ItemError{{ItemID: "2025-01-02", Message: "upstream 503"}},
	}
	require.NoError(t, s.SaveProgress(ctx, job.ID, p))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	progress := got.Progress()
	assert.Equal(t, 2, progress.ProcessedItems)
	assert.Equal(t, 1, progress.SkippedItems)
	assert.Equal(t, 1, progress.FailedItems)
	assert.Equal(t, 10, progress.TotalItems)
	assert.Equal(t, 4, progress.Attempted())
	require.Len(t, progress.Errors, 1)
	assert.Equal(t, "2025-01-02", progress.Errors[0].ItemID)
}

func TestSaveProgress_IgnoredAfterTerminal(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.CompleteJob(ctx, job.ID, &core.Result{ItemsProcessed: 3})
	require.NoError(t, err)
	require.True(t, moved)

	require.NoError(t, s.SaveProgress(ctx, job.ID, &core.Progress{ProcessedItems: 99}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ProcessedItems, "terminal record must not be resurrected")
}

func TestSaveCheckpoint_Upsert(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: job.ID, Offset: 1, ProcessedItems: 1}))
	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: job.ID, Offset: 2, ProcessedItems: 2}))

	cp, err := s.GetCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Offset, "second save overwrites, one row per job")
	assert.Equal(t, 2, cp.ProcessedItems)
}

func TestSaveCheckpoint_SkippedAfterForceCancel(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.ForceCancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: job.ID, Offset: 5}))

	cp, err := s.GetCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, cp, "a straggling flush must not recreate a deleted checkpoint")
}

func TestGetCheckpoint_Missing(t *testing.T) {
	s := newTestStorage(t)

	cp, err := s.GetCheckpoint(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

// ──────────────────────────────────────────────────────────────────────────────
// Terminal transitions
// ──────────────────────────────────────────────────────────────────────────────

func TestCompleteJob_DeletesCheckpoint(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: job.ID, Offset: 3, ProcessedItems: 3}))

	moved, err := s.CompleteJob(ctx, job.ID, &core.Result{ItemsProcessed: 3, SnapshotIDs: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.True(t, moved)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	result, err := got.DecodeResult()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 3, result.ItemsProcessed)
	assert.Equal(t, []string{"a", "b", "c"}, result.SnapshotIDs)

	cp, err := s.GetCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, cp, "terminal transition deletes the checkpoint")
}

func TestCompleteJob_GuardedOnRunning(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("district-1")
	require.NoError(t, s.CreateJob(ctx, job))

	moved, err := s.CompleteJob(ctx, job.ID, &core.Result{})
	require.NoError(t, err)
	assert.False(t, moved, "pending job cannot complete")
}

func TestFailJob_FromRunning(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.FailJob(ctx, job.ID, core.StatusRunning, "enumeration failed: boom")
	require.NoError(t, err)
	require.True(t, moved)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, "enumeration failed: boom", got.Error)
}

func TestFailJob_WrongFromStatus(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.FailJob(ctx, job.ID, core.StatusRecovering, "stale claim")
	require.NoError(t, err)
	assert.False(t, moved, "job is running, not recovering")
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────────────────────────────────

func TestCancelPending(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("district-1")
	require.NoError(t, s.CreateJob(ctx, job))

	moved, err := s.CancelPending(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
	assert.Empty(t, got.Error, "graceful cancel carries no error message")
}

func TestRequestCancel_Flag(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	flag, err := s.IsCancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, flag)

	set, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, set)

	flag, err = s.IsCancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, flag)
}

func TestRequestCancel_OnlyWhileRunning(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("district-1")
	require.NoError(t, s.CreateJob(ctx, job))

	set, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, set, "pending jobs are cancelled directly, not flagged")
}

func TestFinishCancelled(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	set, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, set)

	moved, err := s.FinishCancelled(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
}

func TestForceCancel_StampsErrorAndDeletesCheckpoint(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: job.ID, Offset: 2, ProcessedItems: 2}))

	moved, err := s.ForceCancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
	assert.Equal(t, core.ForceCancelledError, got.Error)

	cp, err := s.GetCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestForceCancel_TerminalJobUnaffected(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.CompleteJob(ctx, job.ID, &core.Result{})
	require.NoError(t, err)
	require.True(t, moved)

	moved, err = s.ForceCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status, "completed result is preserved")
}

// ──────────────────────────────────────────────────────────────────────────────
// Recovery transitions
// ──────────────────────────────────────────────────────────────────────────────

func TestMarkRecovering_ClaimOnce(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.MarkRecovering(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.MarkRecovering(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, moved, "second claim loses")
}

func TestResumeRecovered_StampsResumedAt(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.MarkRecovering(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	moved, err = s.ResumeRecovered(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	assert.NotNil(t, got.ResumedAt)
}

func TestResumeRecovered_LosesToForceCancel(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	job := claimTestJob(t, s, "district-1")

	moved, err := s.MarkRecovering(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	moved, err = s.ForceCancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, moved)

	moved, err = s.ResumeRecovered(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, moved, "cancelled job stays cancelled")
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

func TestGetJob_Missing(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.GetJob(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetJobsByStatus(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateJob(ctx, newTestJob(fmt.Sprintf("district-%d", i))))
	}
	_, err := s.ClaimPending(ctx)
	require.NoError(t, err)

	pending, err := s.GetJobsByStatus(ctx, core.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	running, err := s.GetJobsByStatus(ctx, core.StatusRunning, 0)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestListJobs_FilterAndTotal(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := newTestJob(fmt.Sprintf("district-%d", i))
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateJob(ctx, job))
	}
	claimed, err := s.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	all, total, err := s.ListJobs(ctx, core.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.EqualValues(t, 5, total)

	pending, total, err := s.ListJobs(ctx, core.ListFilter{Statuses: []core.Status{core.StatusPending}})
	require.NoError(t, err)
	assert.Len(t, pending, 4)
	assert.EqualValues(t, 4, total)
}

func TestListJobs_Pagination(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		job := newTestJob(fmt.Sprintf("district-%d", i))
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateJob(ctx, job))
	}

	page1, total, err := s.ListJobs(ctx, core.ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.EqualValues(t, 5, total, "total reflects the full filtered set")

	page2, _, err := s.ListJobs(ctx, core.ListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page2, 2)

	page3, _, err := s.ListJobs(ctx, core.ListFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page3, 1)

	// Newest first, no overlap between pages.
	seen := map[string]bool{}
	for _, j := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[j.ID], "job %s appeared twice", j.ID)
		seen[j.ID] = true
	}
	assert.True(t, page1[0].CreatedAt.After(page3[0].CreatedAt))
}

func TestGetStatusCounts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newTestJob("district-1")))
	require.NoError(t, s.CreateJob(ctx, newTestJob("district-2")))
	_, err := s.ClaimPending(ctx)
	require.NoError(t, err)

	counts, err := s.GetStatusCounts(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1, "both jobs share one type")

	assert.Equal(t, core.JobTypeDataCollection, counts[0].Type)
	assert.EqualValues(t, 1, counts[0].Pending)
	assert.EqualValues(t, 1, counts[0].Running)
}
