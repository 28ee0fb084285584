// Package schedule decides when a recurring backfill is next due. Fixed
// intervals suit steady re-syncs, wall-clock schedules suit nightly or
// weekly windows after upstream data lands, and Cron covers everything else.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule defines when a recurring backfill should next start.
type Schedule interface {
	// Next returns the next start time after from.
	Next(from time.Time) time.Time
}

// interval re-runs a backfill a fixed duration after each start.
type interval time.Duration

// Every creates a schedule that fires at fixed intervals.
func Every(d time.Duration) Schedule {
	return interval(d)
}

func (iv interval) Next(from time.Time) time.Time {
	return from.Add(time.Duration(iv))
}

// wallClock fires at a fixed UTC time of day, either every day or on one
// weekday per week.
type wallClock struct {
	weekday *time.Weekday
	hour    int
	minute  int
}

// Daily creates a schedule that fires at the given UTC time each day.
func Daily(hour, minute int) Schedule {
	return &wallClock{hour: hour, minute: minute}
}

// Weekly creates a schedule that fires at the given UTC time on one weekday
// each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return &wallClock{weekday: &day, hour: hour, minute: minute}
}

func (s *wallClock) Next(from time.Time) time.Time {
	from = from.UTC()

	day := from.Day()
	step := 1
	if s.weekday != nil {
		until := int(*s.weekday - from.Weekday())
		if until < 0 {
			until += 7
		}
		day += until
		step = 7
	}

	next := time.Date(from.Year(), from.Month(), day, s.hour, s.minute, 0, 0, time.UTC)
	if !next.After(from) {
		next = next.AddDate(0, 0, step)
	}
	return next
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

// Cron creates a schedule from a standard five-field cron expression.
// Panics on an invalid expression; schedules are registered at startup.
func Cron(expr string) Schedule {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		panic("backfill: invalid cron expression: " + err.Error())
	}
	return &cronSchedule{schedule: schedule}
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}
