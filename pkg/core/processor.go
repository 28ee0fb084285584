package core

import "context"

// Item is one unit of work in a job's item stream. The ID must be stable
// across enumerations of the same config (resume identifies items by position,
// operators identify them by ID in error reports).
type Item struct {
	ID string
}

// ItemResult reports the outcome of processing a single item.
type ItemResult struct {
	// Skipped marks an item that needed no work (e.g. a date with no data).
	Skipped bool

	// SnapshotID, when non-empty, is collected into Result.SnapshotIDs.
	SnapshotID string
}

// Processor is the external collaborator invoked once per unit of work.
//
// Enumerate derives the item stream from the job's immutable config and must
// be deterministic: resuming a job re-enumerates the stream and restarts at
// the checkpoint offset. Process errors are per-item failures unless wrapped
// with Fatal; the runner retries them locally and then moves on.
type Processor interface {
	Enumerate(ctx context.Context, job *BackfillJob) ([]Item, error)
	Process(ctx context.Context, job *BackfillJob, item Item) (*ItemResult, error)
}

// ProcessorFuncs adapts plain functions to the Processor interface.
type ProcessorFuncs struct {
	EnumerateFunc func(ctx context.Context, job *BackfillJob) ([]Item, error)
	ProcessFunc   func(ctx context.Context, job *BackfillJob, item Item) (*ItemResult, error)
}

func (p ProcessorFuncs) Enumerate(ctx context.Context, job *BackfillJob) ([]Item, error) {
	return p.EnumerateFunc(ctx, job)
}

func (p ProcessorFuncs) Process(ctx context.Context, job *BackfillJob, item Item) (*ItemResult, error) {
	return p.ProcessFunc(ctx, job, item)
}
