// Package backfill provides a durable, resumable execution engine for
// long-running backfill jobs over date ranges: data collection and
// analytics generation, tracked per item, checkpointed, and safe to cancel.
//
// This is the main package users should import. It re-exports all public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and engine
//	db, _ := gorm.Open(sqlite.Open("backfill.db"), &gorm.Config{})
//	store := backfill.NewGormStorage(db)
//	store.Migrate(context.Background())
//	engine := backfill.New(store)
//
//	// Register an item processor
//	engine.RegisterProcessor(backfill.JobTypeDataCollection, collector)
//
//	// Resume anything orphaned by the last shutdown, then run
//	runner := backfill.NewRunner(engine)
//	backfill.NewRecoveryService(engine, runner).Recover(ctx)
//	go runner.Start(ctx)
//
//	// Start a backfill
//	jobID, err := engine.StartJob(ctx, "district-42",
//	    backfill.JobTypeDataCollection,
//	    backfill.CollectionConfig{StartDate: "2025-01-01", EndDate: "2025-01-31"})
package backfill

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/edulytics/backfill/pkg/core"
	"github.com/edulytics/backfill/pkg/engine"
	"github.com/edulytics/backfill/pkg/jobctx"
	"github.com/edulytics/backfill/pkg/recovery"
	"github.com/edulytics/backfill/pkg/runner"
	"github.com/edulytics/backfill/pkg/schedule"
	"github.com/edulytics/backfill/pkg/security"
	"github.com/edulytics/backfill/pkg/storage"
)

func init() {
	// Register the runner factory to enable engine.NewRunner()
	engine.RunnerFactory = func(e *engine.Engine, opts ...any) core.Starter {
		runnerOpts := make([]runner.RunnerOption, 0, len(opts))
		for _, opt := range opts {
			if ro, ok := opt.(runner.RunnerOption); ok {
				runnerOpts = append(runnerOpts, ro)
			}
		}
		return runner.NewRunner(e, runnerOpts...)
	}
}

// Type aliases re-exported from pkg/
type (
	// BackfillJob is the durable record of one backfill over a target key.
	BackfillJob = core.BackfillJob

	// Checkpoint is the persisted resume position for a non-terminal job.
	Checkpoint = core.Checkpoint

	// Status represents the current state of a job.
	Status = core.Status

	// JobType identifies what kind of work a job performs.
	JobType = core.JobType

	// Progress is the point-in-time view of a job's per-item accounting.
	Progress = core.Progress

	// ItemError records a single per-item failure.
	ItemError = core.ItemError

	// Result summarizes a completed job.
	Result = core.Result

	// Item is one unit of work in a job's item stream.
	Item = core.Item

	// ItemResult reports the outcome of processing a single item.
	ItemResult = core.ItemResult

	// Processor is the collaborator invoked once per unit of work.
	Processor = core.Processor

	// ProcessorFuncs adapts plain functions to the Processor interface.
	ProcessorFuncs = core.ProcessorFuncs

	// CollectionConfig parameterizes a data-collection job.
	CollectionConfig = core.CollectionConfig

	// AnalyticsConfig parameterizes an analytics-generation job.
	AnalyticsConfig = core.AnalyticsConfig

	// ListFilter selects a page of jobs for the query service.
	ListFilter = core.ListFilter

	// Storage defines the persistence layer for jobs and checkpoints.
	Storage = core.Storage

	// Event is the interface for all engine events.
	Event = core.Event

	// JobStarted is emitted when the runner claims a pending job.
	JobStarted = core.JobStarted

	// JobResumed is emitted when recovery hands a job back to the runner.
	JobResumed = core.JobResumed

	// JobCompleted is emitted when a job's item stream is exhausted.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job terminates with a fatal error.
	JobFailed = core.JobFailed

	// JobCancelled is emitted on both graceful and force cancellation.
	JobCancelled = core.JobCancelled

	// ItemFailed is emitted when an item exhausts its local retries.
	ItemFailed = core.ItemFailed

	// CheckpointSaved is emitted when the runner flushes a checkpoint.
	CheckpointSaved = core.CheckpointSaved

	// ResumeError reports a checkpoint that cannot anchor a resume.
	ResumeError = core.ResumeError

	// FatalError marks an error that must terminate the whole job.
	FatalError = core.FatalError

	// Engine coordinates admission, cancellation, and queries.
	Engine = engine.Engine

	// ScheduledBackfill holds configuration for a recurring backfill.
	ScheduledBackfill = engine.ScheduledBackfill

	// Runner claims pending jobs and executes their item streams.
	Runner = runner.Runner

	// RunnerOption configures a Runner.
	RunnerOption = runner.RunnerOption

	// RunnerConfig holds runner configuration.
	RunnerConfig = runner.RunnerConfig

	// RecoveryService resumes or fails jobs orphaned by an unclean shutdown.
	RecoveryService = recovery.Service

	// Schedule defines when a recurring backfill should next start.
	Schedule = schedule.Schedule

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// StatusCounts holds per-job-type counts grouped by status.
	StatusCounts = storage.StatusCounts
)

// Status constants
const (
	StatusPending    = core.StatusPending
	StatusRunning    = core.StatusRunning
	StatusCompleted  = core.StatusCompleted
	StatusFailed     = core.StatusFailed
	StatusCancelled  = core.StatusCancelled
	StatusRecovering = core.StatusRecovering
)

// Job type constants
const (
	JobTypeDataCollection      = core.JobTypeDataCollection
	JobTypeAnalyticsGeneration = core.JobTypeAnalyticsGeneration
)

// Limits
const (
	MaxTargetKeyLength    = security.MaxTargetKeyLength
	MaxConfigSize         = security.MaxConfigSize
	MaxItemRetriesLimit   = security.MaxItemRetries
	MaxErrorMessageLength = security.MaxErrorMessageLength
	MaxRetainedItemErrors = security.MaxRetainedItemErrors
)

// Error variables
var (
	ErrTargetConflict    = core.ErrTargetConflict
	ErrJobNotFound       = core.ErrJobNotFound
	ErrInvalidTransition = core.ErrInvalidTransition
	ErrNoProcessor       = core.ErrNoProcessor
	ErrInvalidJobType    = core.ErrInvalidJobType
	ErrInvalidTargetKey  = core.ErrInvalidTargetKey
	ErrInvalidDateRange  = core.ErrInvalidDateRange
)

// New creates a new Engine with the given storage backend.
func New(s Storage) *Engine {
	return engine.New(s)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewRunner creates a new runner for the given engine.
func NewRunner(e *Engine, opts ...RunnerOption) *Runner {
	return runner.NewRunner(e, opts...)
}

// NewRecoveryService creates the startup recovery service. Resumed jobs are
// handed to r as if freshly claimed, starting at their checkpoint offset.
func NewRecoveryService(e *Engine, r *Runner) *RecoveryService {
	return recovery.NewService(e, r)
}

// Fatal wraps a processor error so the runner fails the whole job instead of
// recording a per-item failure and continuing.
func Fatal(err error) error {
	return core.Fatal(err)
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	return core.CanTransition(from, to)
}

// DateRange enumerates one Item per calendar day from start through end
// inclusive, in "2006-01-02" form.
func DateRange(start, end string) ([]Item, error) {
	return core.DateRange(start, end)
}

// DecodeCollectionConfig decodes a data-collection job's config bytes.
func DecodeCollectionConfig(raw []byte) (CollectionConfig, error) {
	return core.DecodeCollectionConfig(raw)
}

// DecodeAnalyticsConfig decodes an analytics-generation job's config bytes.
func DecodeAnalyticsConfig(raw []byte) (AnalyticsConfig, error) {
	return core.DecodeAnalyticsConfig(raw)
}

// Runner option functions

// MaxConcurrent caps how many jobs the runner executes at once.
func MaxConcurrent(n int) RunnerOption {
	return runner.MaxConcurrent(n)
}

// MaxItemRetries sets the per-item local retry budget.
func MaxItemRetries(n int) RunnerOption {
	return runner.MaxItemRetries(n)
}

// PollInterval sets how often the claim loop polls for pending jobs.
func PollInterval(d time.Duration) RunnerOption {
	return runner.PollInterval(d)
}

// CheckpointEvery flushes the checkpoint after every n items.
func CheckpointEvery(n int) RunnerOption {
	return runner.CheckpointEvery(n)
}

// CheckpointInterval flushes the checkpoint at least this often.
func CheckpointInterval(d time.Duration) RunnerOption {
	return runner.CheckpointInterval(d)
}

// WithScheduler enables the recurring-backfill scheduler in the runner.
func WithScheduler(enabled bool) RunnerOption {
	return runner.WithScheduler(enabled)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day (UTC).
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each week (UTC).
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// Cron creates a schedule from a standard five-field cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// Validation helpers

// ValidateTargetKey validates a target key.
func ValidateTargetKey(key string) error {
	return security.ValidateTargetKey(key)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// JobFromContext returns the current BackfillJob from context, or nil if not
// inside a processor invocation.
func JobFromContext(ctx context.Context) *BackfillJob {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string
// if not inside a processor invocation.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}
