package core

import "time"

// Event is the interface for all engine events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when the runner claims a pending job.
type JobStarted struct {
	Job       *BackfillJob
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobResumed is emitted when recovery hands a job back to the runner.
type JobResumed struct {
	Job       *BackfillJob
	Offset    int
	Timestamp time.Time
}

func (*JobResumed) eventMarker() {}

// JobCompleted is emitted when a job's item stream is exhausted.
type JobCompleted struct {
	Job       *BackfillJob
	Result    *Result
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job terminates with a fatal error.
type JobFailed struct {
	Job       *BackfillJob
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobCancelled is emitted on both graceful and force cancellation.
type JobCancelled struct {
	Job       *BackfillJob
	Forced    bool
	Timestamp time.Time
}

func (*JobCancelled) eventMarker() {}

// ItemFailed is emitted when an item exhausts its local retries.
type ItemFailed struct {
	JobID     string
	ItemID    string
	Error     error
	Timestamp time.Time
}

func (*ItemFailed) eventMarker() {}

// CheckpointSaved is emitted when the runner flushes a checkpoint.
type CheckpointSaved struct {
	JobID     string
	Offset    int
	Timestamp time.Time
}

func (*CheckpointSaved) eventMarker() {}
