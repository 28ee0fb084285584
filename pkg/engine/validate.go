package engine

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edulytics/backfill/pkg/core"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateConfig checks a job config at admission time, per job type.
// A job with a bad config must never reach running.
func validateConfig(jobType core.JobType, raw []byte) error {
	switch jobType {
	case core.JobTypeDataCollection:
		cfg, err := core.DecodeCollectionConfig(raw)
		if err != nil {
			return fmt.Errorf("backfill: invalid data-collection config: %w", err)
		}
		if err := validate.Struct(cfg); err != nil {
			return fmt.Errorf("backfill: invalid data-collection config: %w", err)
		}
		return validateRange(cfg.StartDate, cfg.EndDate)
	case core.JobTypeAnalyticsGeneration:
		cfg, err := core.DecodeAnalyticsConfig(raw)
		if err != nil {
			return fmt.Errorf("backfill: invalid analytics-generation config: %w", err)
		}
		if err := validate.Struct(cfg); err != nil {
			return fmt.Errorf("backfill: invalid analytics-generation config: %w", err)
		}
		return validateRange(cfg.StartDate, cfg.EndDate)
	}
	return core.ErrInvalidJobType
}

// validateRange rejects a range whose end precedes its start. The range is
// optional as a whole, but a half-open range is rejected too: resume needs
// the stream to be deterministically re-enumerable from config alone.
func validateRange(start, end string) error {
	if start == "" && end == "" {
		return nil
	}
	if start == "" || end == "" {
		return core.ErrInvalidDateRange
	}
	from, err := time.Parse(core.DateLayout, start)
	if err != nil {
		return err
	}
	to, err := time.Parse(core.DateLayout, end)
	if err != nil {
		return err
	}
	if to.Before(from) {
		return core.ErrInvalidDateRange
	}
	return nil
}
