package core

import (
	"context"
)

// Starter is the interface for starting runners.
type Starter interface {
	Start(ctx context.Context) error
}

// ListFilter selects a page of jobs for the query service.
// An empty Statuses slice matches every status.
type ListFilter struct {
	Statuses []Status
	Limit    int
	Offset   int
}

// Storage defines the persistence layer for jobs and checkpoints.
//
// Every status mutation is conditional on the expected prior status
// (optimistic concurrency): methods returning (bool, error) report false
// with a nil error when the guard did not match, so a racing writer that
// lost simply observes that someone else moved the job first.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// CreateJob inserts a new pending job. At most one non-terminal job may
	// exist per target key; ErrTargetConflict reports an admission conflict.
	CreateJob(ctx context.Context, job *BackfillJob) error

	// ClaimPending atomically claims the oldest pending job, moving it to
	// running and stamping StartedAt. Returns (nil, nil) when none are due.
	ClaimPending(ctx context.Context) (*BackfillJob, error)

	// SaveProgress flushes progress counters and the bounded error list
	// for a job that is still running or recovering.
	SaveProgress(ctx context.Context, jobID string, p *Progress) error

	// Terminal transitions. Each deletes the job's checkpoint in the same
	// transaction and stamps CompletedAt.
	CompleteJob(ctx context.Context, jobID string, result *Result) (bool, error)
	FailJob(ctx context.Context, jobID string, from Status, errMsg string) (bool, error)

	// Graceful cancellation.
	CancelPending(ctx context.Context, jobID string) (bool, error)
	RequestCancel(ctx context.Context, jobID string) (bool, error)
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	FinishCancelled(ctx context.Context, jobID string) (bool, error)

	// ForceCancel unconditionally terminates a force-cancellable job and
	// deletes its checkpoint, regardless of any live runner.
	ForceCancel(ctx context.Context, jobID string) (bool, error)

	// Recovery claims. MarkRecovering guards on running; ResumeRecovered
	// guards on recovering and stamps ResumedAt.
	MarkRecovering(ctx context.Context, jobID string) (bool, error)
	ResumeRecovered(ctx context.Context, jobID string) (bool, error)

	// Checkpointing. SaveCheckpoint is an atomic single-row upsert; terminal
	// transitions delete the row themselves, so there is no standalone
	// checkpoint delete.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)

	// Queries.
	GetJob(ctx context.Context, jobID string) (*BackfillJob, error)
	GetJobsByStatus(ctx context.Context, status Status, limit int) ([]*BackfillJob, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*BackfillJob, int64, error)
}
