package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/edulytics/backfill/pkg/core"
	"github.com/edulytics/backfill/pkg/security"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the underlying dialect is SQLite.
func (s *GormStorage) IsSQLite() bool {
	if s.db == nil {
		return false
	}
	return s.db.Dialector.Name() == "sqlite"
}

// activeTargetIndex enforces the single-active-job-per-target invariant at
// the database level: a partial unique index on target_key over non-terminal
// statuses. SQLite and PostgreSQL both support partial indexes, and under
// either backend two concurrent inserts for the same target cannot both
// commit.
const activeTargetIndex = "idx_backfill_jobs_active_target"

// Migrate creates the necessary tables and the active-target unique index.
func (s *GormStorage) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&core.BackfillJob{}, &core.Checkpoint{}); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS " + activeTargetIndex +
			" ON backfill_jobs (target_key)" +
			" WHERE status IN ('pending','running','recovering')",
	).Error
}

// CreateJob inserts a new pending job. Admission is enforced by the partial
// unique index, not by a read-then-write, so it holds under READ COMMITTED
// on PostgreSQL; a uniqueness violation surfaces as ErrTargetConflict.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.BackfillJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}

	err := s.db.WithContext(ctx).Create(job).Error
	if isActiveTargetViolation(err) {
		return core.ErrTargetConflict
	}
	return err
}

// isActiveTargetViolation reports whether err is a uniqueness violation on
// the active-target index. Message matching covers both backends (SQLite
// names the index, PostgreSQL names the constraint); gorm.ErrDuplicatedKey
// covers connections opened with TranslateError.
func isActiveTargetViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, activeTargetIndex) || strings.Contains(msg, "target_key")
}

// ClaimPending atomically claims the oldest pending job and moves it to running.
func (s *GormStorage) ClaimPending(ctx context.Context) (*core.BackfillJob, error) {
	var job core.BackfillJob
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("status = ?", core.StatusPending).
			Order("created_at ASC, id ASC").
			First(&job)

		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		res := tx.Model(&core.BackfillJob{}).
			Where("id = ? AND status = ?", job.ID, core.StatusPending).
			Updates(map[string]any{
				"status":     core.StatusRunning,
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another process claimed or cancelled it first.
			job = core.BackfillJob{}
			return nil
		}

		job.Status = core.StatusRunning
		job.StartedAt = &now
		return nil
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// SaveProgress flushes progress counters and the bounded item error list.
// The write is guarded on non-terminal status so a force-cancelled job's
// record is never resurrected by a straggling runner flush.
func (s *GormStorage) SaveProgress(ctx context.Context, jobID string, p *core.Progress) error {
	retained := security.BoundItemErrors(p.Errors)
	errsJSON, err := json.Marshal(retained)
	if err != nil {
		return err
	}
	if len(retained) == 0 {
		errsJSON = nil
	}

	return s.db.WithContext(ctx).
		Model(&core.BackfillJob{}).
		Where("id = ?", jobID).
		Where("status IN ?", []core.Status{core.StatusRunning, core.StatusRecovering}).
		Updates(map[string]any{
			"processed_items": p.ProcessedItems,
			"skipped_items":   p.SkippedItems,
			"failed_items":    p.FailedItems,
			"total_items":     p.TotalItems,
			"error_count":     p.ErrorCount,
			"item_errors":     errsJSON,
		}).Error
}

// CompleteJob transitions running -> completed, stores the result, and
// deletes the checkpoint.
func (s *GormStorage) CompleteJob(ctx context.Context, jobID string, result *core.Result) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	return s.terminal(ctx, jobID, []core.Status{core.StatusRunning}, map[string]any{
		"status": core.StatusCompleted,
		"result": resultJSON,
	})
}

// FailJob transitions from -> failed with a sanitized fatal error message
// and deletes the checkpoint. from is running for runner failures and
// recovering for unresumable jobs.
func (s *GormStorage) FailJob(ctx context.Context, jobID string, from core.Status, errMsg string) (bool, error) {
	return s.terminal(ctx, jobID, []core.Status{from}, map[string]any{
		"status": core.StatusFailed,
		"error":  security.SanitizeErrorMessage(errMsg),
	})
}

// CancelPending transitions pending -> cancelled before any runner claims the job.
func (s *GormStorage) CancelPending(ctx context.Context, jobID string) (bool, error) {
	return s.terminal(ctx, jobID, []core.Status{core.StatusPending}, map[string]any{
		"status": core.StatusCancelled,
	})
}

// RequestCancel sets the cooperative cancellation flag on a running job.
func (s *GormStorage) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.BackfillJob{}).
		Where("id = ? AND status = ?", jobID, core.StatusRunning).
		Update("cancel_requested", true)
	return result.RowsAffected > 0, result.Error
}

// IsCancelRequested reads the cooperative cancellation flag.
func (s *GormStorage) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	err := s.db.WithContext(ctx).
		Model(&core.BackfillJob{}).
		Where("id = ?", jobID).
		Pluck("cancel_requested", &flag).Error
	return flag, err
}

// FinishCancelled transitions running -> cancelled after the runner observed
// the cancellation flag between items.
func (s *GormStorage) FinishCancelled(ctx context.Context, jobID string) (bool, error) {
	return s.terminal(ctx, jobID, []core.Status{core.StatusRunning}, map[string]any{
		"status": core.StatusCancelled,
	})
}

// ForceCancel unconditionally terminates a force-cancellable job. The
// checkpoint is deleted in the same transaction; resume is forfeited.
func (s *GormStorage) ForceCancel(ctx context.Context, jobID string) (bool, error) {
	return s.terminal(ctx, jobID,
		[]core.Status{core.StatusPending, core.StatusRunning, core.StatusRecovering},
		map[string]any{
			"status": core.StatusCancelled,
			"error":  core.ForceCancelledError,
		})
}

// terminal performs a conditional terminal transition and checkpoint delete
// in one transaction. Returns false when the status guard did not match.
func (s *GormStorage) terminal(ctx context.Context, jobID string, from []core.Status, updates map[string]any) (bool, error) {
	updates["completed_at"] = time.Now()
	moved := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.BackfillJob{}).
			Where("id = ? AND status IN ?", jobID, from).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		moved = true
		return tx.Where("job_id = ?", jobID).Delete(&core.Checkpoint{}).Error
	})

	return moved, err
}

// MarkRecovering claims an orphaned running job for recovery. The guard on
// running means a live runner (or another recovery process) that already
// moved the job wins, and this claim reports false.
func (s *GormStorage) MarkRecovering(ctx context.Context, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.BackfillJob{}).
		Where("id = ? AND status = ?", jobID, core.StatusRunning).
		Update("status", core.StatusRecovering)
	return result.RowsAffected > 0, result.Error
}

// ResumeRecovered transitions recovering -> running and stamps ResumedAt.
func (s *GormStorage) ResumeRecovered(ctx context.Context, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.BackfillJob{}).
		Where("id = ? AND status = ?", jobID, core.StatusRecovering).
		Updates(map[string]any{
			"status":     core.StatusRunning,
			"resumed_at": time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// SaveCheckpoint upserts the job's single checkpoint row. Jobs already in a
// terminal state are skipped so a straggling flush cannot recreate a
// checkpoint that force-cancel deleted. The job row is locked for the
// duration of the transaction, which serializes the flush against a
// concurrent force-cancel on PostgreSQL; SQLite transactions take a single
// writer lock anyway, so no row lock is needed there.
func (s *GormStorage) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		read := tx.Model(&core.BackfillJob{})
		if !s.IsSQLite() {
			read = read.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rawStatus string
		err := read.
			Where("id = ?", cp.JobID).
			Pluck("status", &rawStatus).Error
		if err != nil {
			return err
		}
		if core.Status(rawStatus).Terminal() {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			UpdateAll: true,
		}).Create(cp).Error
	})
}

// GetCheckpoint retrieves a job's checkpoint, or nil if none exists.
func (s *GormStorage) GetCheckpoint(ctx context.Context, jobID string) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	err := s.db.WithContext(ctx).First(&cp, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetJob retrieves a job by ID, or nil if it does not exist.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.BackfillJob, error) {
	var job core.BackfillJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobsByStatus retrieves jobs in a single status, oldest first.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, status core.Status, limit int) ([]*core.BackfillJob, error) {
	var jobList []*core.BackfillJob
	q := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobList).Error
	return jobList, err
}

// ListJobs returns a page of jobs newest first, with the full filtered count.
// Equal timestamps tie-break by id descending so pagination is deterministic.
func (s *GormStorage) ListJobs(ctx context.Context, filter core.ListFilter) ([]*core.BackfillJob, int64, error) {
	q := s.db.WithContext(ctx).Model(&core.BackfillJob{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobList []*core.BackfillJob
	q = q.Order("created_at DESC, id DESC").Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&jobList).Error; err != nil {
		return nil, 0, err
	}
	return jobList, total, nil
}
