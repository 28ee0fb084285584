package core

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced synchronously to callers.
var (
	// ErrTargetConflict is returned by StartJob when a non-terminal job
	// already exists for the same target key.
	ErrTargetConflict = errors.New("backfill: active job already exists for target")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("backfill: job not found")

	// ErrInvalidTransition is returned when a cancel or force-cancel is
	// requested against a job whose status does not permit it.
	ErrInvalidTransition = errors.New("backfill: status does not permit transition")

	// ErrNoProcessor is returned when no processor is registered for a job type.
	ErrNoProcessor = errors.New("backfill: no processor registered for job type")

	// ErrInvalidJobType is returned for unknown job type values.
	ErrInvalidJobType = errors.New("backfill: invalid job type")

	// ErrInvalidTargetKey is returned for malformed or oversized target keys.
	ErrInvalidTargetKey = errors.New("backfill: invalid target key")

	// ErrConfigTooLarge is returned when a job config exceeds the size limit.
	ErrConfigTooLarge = errors.New("backfill: job config exceeds size limit")

	// ErrInvalidDateRange is returned when a config's end date precedes its start date.
	ErrInvalidDateRange = errors.New("backfill: end date precedes start date")
)

// ResumeError indicates a checkpoint could not be used to resume a job.
// Recovery fails the job rather than silently restarting from zero.
type ResumeError struct {
	JobID  string
	Reason string
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("backfill: cannot resume job %s: %s", e.JobID, e.Reason)
}

// FatalError marks a job-level failure that must terminate the job,
// as opposed to a per-item failure that only increments counters.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps an error so the runner fails the whole job instead of
// recording a per-item error and continuing.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries job-fatal semantics.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
