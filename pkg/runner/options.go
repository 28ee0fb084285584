// Package runner provides the Runner: it claims pending backfill jobs,
// streams their items through the registered processor, tracks progress,
// flushes checkpoints at bounded intervals, and yields to cancellation
// between items.
package runner

import (
	"time"

	"github.com/edulytics/backfill/pkg/security"
)

// RunnerOption configures a Runner.
type RunnerOption interface {
	ApplyRunner(*RunnerConfig)
}

type runnerOptionFunc func(*RunnerConfig)

func (f runnerOptionFunc) ApplyRunner(c *RunnerConfig) { f(c) }

// RunnerConfig holds runner configuration.
type RunnerConfig struct {
	// PollInterval is how often the claim loop looks for pending jobs.
	PollInterval time.Duration

	// MaxConcurrent caps how many jobs run at once. Jobs for different
	// target keys may run concurrently; admission already guarantees at
	// most one job per target.
	MaxConcurrent int

	// MaxItemRetries is how many local retries an item gets before it is
	// counted as failed and the job moves on.
	MaxItemRetries int

	// ItemRetryBackoff is the initial delay between item attempts,
	// doubling per attempt.
	ItemRetryBackoff time.Duration

	// CheckpointEvery flushes progress and checkpoint after this many
	// items; CheckpointInterval flushes when this much time has passed
	// since the last flush, whichever comes first.
	CheckpointEvery    int
	CheckpointInterval time.Duration

	// EnableScheduler runs the recurring-backfill scheduler loop.
	EnableScheduler bool

	// StorageRetry governs retry-with-backoff on transient store failures.
	StorageRetry *RetryConfig
}

// MaxConcurrent caps how many jobs the runner executes at once.
func MaxConcurrent(n int) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		if n < 1 {
			n = 1
		}
		c.MaxConcurrent = n
	})
}

// MaxItemRetries sets the per-item local retry budget.
// Values are clamped to [0, security.MaxItemRetries].
func MaxItemRetries(n int) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.MaxItemRetries = security.ClampRetries(n)
	})
}

// PollInterval sets how often the claim loop polls for pending jobs.
func PollInterval(d time.Duration) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.PollInterval = d
	})
}

// CheckpointEvery flushes the checkpoint after every n items.
func CheckpointEvery(n int) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		if n < 1 {
			n = 1
		}
		c.CheckpointEvery = n
	})
}

// CheckpointInterval flushes the checkpoint at least this often while items
// are being processed.
func CheckpointInterval(d time.Duration) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.CheckpointInterval = d
	})
}

// WithScheduler enables the recurring-backfill scheduler in the runner.
func WithScheduler(enabled bool) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.EnableScheduler = enabled
	})
}
