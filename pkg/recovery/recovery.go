// Package recovery provides the startup service that finds jobs orphaned by
// an unclean shutdown and either resumes them from their checkpoint or fails
// them.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/edulytics/backfill/pkg/core"
	"github.com/edulytics/backfill/pkg/engine"
)

// Executor runs an already-claimed job to a terminal state. Implemented by
// runner.Runner.
type Executor interface {
	Execute(ctx context.Context, job *core.BackfillJob) error
}

// Service scans for orphaned running jobs at process startup. A live process
// holds no external lock a running job could legitimately still be executing
// under, so status running at startup is the orphan signature. Every claim
// here is still a conditional write, so in a multi-process deployment a
// runner that is in fact alive always wins the race.
type Service struct {
	engine   *engine.Engine
	executor Executor
	logger   *slog.Logger
}

// NewService creates a recovery service that hands resumed jobs to executor.
func NewService(e *engine.Engine, executor Executor) *Service {
	return &Service{
		engine:   e,
		executor: executor,
		logger:   slog.Default(),
	}
}

// Recover finds all orphaned running jobs and processes each one: claim it
// as recovering, validate its checkpoint, and either hand it back to the
// executor (resumed, in a goroutine) or fail it. Returns the ids of the jobs
// it resumed.
func (s *Service) Recover(ctx context.Context) ([]string, error) {
	store := s.engine.Storage()

	orphans, err := store.GetJobsByStatus(ctx, core.StatusRunning, 0)
	if err != nil {
		return nil, err
	}

	var resumed []string
	for _, job := range orphans {
		ok, err := s.recoverJob(ctx, job)
		if err != nil {
			s.logger.Error("recovery failed", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			resumed = append(resumed, job.ID)
		}
	}
	return resumed, nil
}

// recoverJob attempts to resume one orphan. Reports true when the job was
// handed back to the executor.
func (s *Service) recoverJob(ctx context.Context, job *core.BackfillJob) (bool, error) {
	store := s.engine.Storage()

	// Conditional claim: if the status already changed, another worker owns
	// this job and recovery abandons it.
	claimed, err := store.MarkRecovering(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		s.logger.Debug("recovery claim lost, job already owned", "job_id", job.ID)
		return false, nil
	}

	cp, err := store.GetCheckpoint(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if reason := s.validateCheckpoint(job, cp); reason != "" {
		return false, s.failUnresumable(ctx, job, reason)
	}

	// Hand the job back to the runner as if freshly claimed, iteration
	// starting at the checkpoint offset.
	moved, err := store.ResumeRecovered(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !moved {
		// Force-cancelled while we were validating.
		return false, nil
	}

	current, err := store.GetJob(ctx, job.ID)
	if err != nil || current == nil {
		return false, err
	}

	s.logger.Info("resuming orphaned job",
		"job_id", current.ID,
		"target", current.TargetKey,
		"offset", cp.Offset)
	s.engine.Emit(&core.JobResumed{Job: current, Offset: cp.Offset, Timestamp: time.Now()})

	go func() {
		if err := s.executor.Execute(ctx, current); err != nil {
			s.logger.Error("resumed job execution error", "job_id", current.ID, "error", err)
		}
	}()
	return true, nil
}

// validateCheckpoint returns a non-empty reason when the checkpoint cannot
// anchor an unambiguous resume. Restarting from zero instead would double
// side effects, so an invalid checkpoint fails the job.
func (s *Service) validateCheckpoint(job *core.BackfillJob, cp *core.Checkpoint) string {
	if cp == nil {
		return "checkpoint missing"
	}
	if cp.Offset < 0 {
		return "checkpoint offset negative"
	}
	if cp.Offset != cp.ProcessedItems+cp.SkippedItems+cp.FailedItems {
		return "checkpoint offset inconsistent with counters"
	}
	if job.TotalItems > 0 && cp.Offset > job.TotalItems {
		return "checkpoint offset past end of item stream"
	}
	return ""
}

func (s *Service) failUnresumable(ctx context.Context, job *core.BackfillJob, reason string) error {
	resumeErr := &core.ResumeError{JobID: job.ID, Reason: reason}

	moved, err := s.engine.Storage().FailJob(ctx, job.ID, core.StatusRecovering, resumeErr.Error())
	if err != nil {
		return err
	}
	if !moved {
		return nil // force-cancelled while recovering
	}

	s.logger.Warn("orphaned job unresumable, marked failed", "job_id", job.ID, "reason", reason)
	if failed, getErr := s.engine.Storage().GetJob(ctx, job.ID); getErr == nil && failed != nil {
		s.engine.CallFailHooks(ctx, failed, resumeErr)
		s.engine.Emit(&core.JobFailed{Job: failed, Error: resumeErr, Timestamp: time.Now()})
	}
	return nil
}
