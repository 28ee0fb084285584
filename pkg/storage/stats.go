package storage

import (
	"context"

	"github.com/edulytics/backfill/pkg/core"
)

// StatusCounts holds per-job-type counts grouped by status, as rendered by
// the job-history dashboard.
type StatusCounts struct {
	Type       core.JobType
	Pending    int64
	Running    int64
	Completed  int64
	Failed     int64
	Cancelled  int64
	Recovering int64
}

// GetStatusCounts returns job counts grouped by type and status.
func (s *GormStorage) GetStatusCounts(ctx context.Context) ([]*StatusCounts, error) {
	type row struct {
		Type   string
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.BackfillJob{}).
		Select("type, status, count(*) as count").
		Group("type, status").
		Order("type").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byType := make(map[string]*StatusCounts)
	var out []*StatusCounts
	for _, r := range rows {
		sc, ok := byType[r.Type]
		if !ok {
			sc = &StatusCounts{Type: core.JobType(r.Type)}
			byType[r.Type] = sc
			out = append(out, sc)
		}
		switch core.Status(r.Status) {
		case core.StatusPending:
			sc.Pending = r.Count
		case core.StatusRunning:
			sc.Running = r.Count
		case core.StatusCompleted:
			sc.Completed = r.Count
		case core.StatusFailed:
			sc.Failed = r.Count
		case core.StatusCancelled:
			sc.Cancelled = r.Count
		case core.StatusRecovering:
			sc.Recovering = r.Count
		}
	}
	return out, nil
}
