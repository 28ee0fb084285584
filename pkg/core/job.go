package core

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a backfill job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRecovering Status = "recovering" // Transient: orphan being resumed after a restart
)

// Terminal reports whether a job in this status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobType identifies what kind of work a backfill job performs.
type JobType string

const (
	JobTypeDataCollection      JobType = "data-collection"
	JobTypeAnalyticsGeneration JobType = "analytics-generation"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeDataCollection || t == JobTypeAnalyticsGeneration
}

// ForceCancelledError is the terminal error message stamped by a force cancel.
const ForceCancelledError = "force-cancelled"

// BackfillJob represents one durable backfill over a target key.
type BackfillJob struct {
	ID        string  `gorm:"primaryKey;size:36"`
	Type      JobType `gorm:"index;size:32;not null"`
	TargetKey string  `gorm:"index;size:255;not null"`
	Config    []byte  `gorm:"type:bytes"` // JSON, job-type specific, immutable
	Status    Status  `gorm:"index;size:20;default:'pending'"`

	// CancelRequested is the cooperative cancellation flag observed by the
	// runner between items. Only meaningful while running.
	CancelRequested bool `gorm:"default:false"`

	// Progress counters. Monotonically non-decreasing within a job lifetime;
	// a resume continues them from the checkpoint.
	ProcessedItems int `gorm:"default:0"`
	SkippedItems   int `gorm:"default:0"`
	FailedItems    int `gorm:"default:0"`
	TotalItems     int `gorm:"default:0"`

	// ItemErrors holds a bounded JSON-encoded []ItemError; ErrorCount is the
	// accurate total even when the retained list is truncated.
	ItemErrors []byte `gorm:"type:bytes"`
	ErrorCount int    `gorm:"default:0"`

	// Result is a JSON-encoded Result, present only for completed jobs.
	Result []byte `gorm:"type:bytes"`

	// Error is the top-level fatal error, set for failed and force-cancelled jobs.
	Error string `gorm:"type:text"`

	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	ResumedAt   *time.Time
}

// TableName returns the database table name for BackfillJob.
func (BackfillJob) TableName() string {
	return "backfill_jobs"
}

// Progress assembles the job's progress counters and decoded item errors.
func (j *BackfillJob) Progress() Progress {
	p := Progress{
		ProcessedItems: j.ProcessedItems,
		SkippedItems:   j.SkippedItems,
		FailedItems:    j.FailedItems,
		TotalItems:     j.TotalItems,
		ErrorCount:     j.ErrorCount,
	}
	if len(j.ItemErrors) > 0 {
		_ = json.Unmarshal(j.ItemErrors, &p.Errors)
	}
	return p
}

// DecodeResult decodes the terminal result, or returns nil if absent.
func (j *BackfillJob) DecodeResult() (*Result, error) {
	if len(j.Result) == 0 {
		return nil, nil
	}
	var r Result
	if err := json.Unmarshal(j.Result, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Progress is the point-in-time view of a job's per-item accounting.
type Progress struct {
	ProcessedItems int         `json:"processed_items"`
	SkippedItems   int         `json:"skipped_items"`
	FailedItems    int         `json:"failed_items"`
	TotalItems     int         `json:"total_items"`
	ErrorCount     int         `json:"error_count"`
	Errors         []ItemError `json:"errors,omitempty"`
}

// Attempted returns how many items have been consumed from the stream.
func (p Progress) Attempted() int {
	return p.ProcessedItems + p.SkippedItems + p.FailedItems
}

// ItemError records a single per-item failure.
type ItemError struct {
	ItemID  string `json:"item_id"`
	Message string `json:"message"`
}

// Result summarizes a completed job. ItemsFailed distinguishes a partial
// outcome from full success.
type Result struct {
	ItemsProcessed int           `json:"items_processed"`
	ItemsSkipped   int           `json:"items_skipped"`
	ItemsFailed    int           `json:"items_failed"`
	Duration       time.Duration `json:"duration"`
	SnapshotIDs    []string      `json:"snapshot_ids,omitempty"`
}

// Checkpoint is the durable resume position for a non-terminal job.
// It is deleted on every terminal transition and on force cancel.
type Checkpoint struct {
	JobID          string    `gorm:"primaryKey;size:36"`
	Offset         int       `gorm:"not null;default:0"` // Next item index; equals items attempted
	ProcessedItems int       `gorm:"default:0"`
	SkippedItems   int       `gorm:"default:0"`
	FailedItems    int       `gorm:"default:0"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the database table name for Checkpoint.
func (Checkpoint) TableName() string {
	return "backfill_checkpoints"
}
