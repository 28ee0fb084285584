// Package jobctx provides access to the current job from a processor's context.
package jobctx

import (
	"context"

	"github.com/edulytics/backfill/pkg/core"
)

type jobKey struct{}

// WithJob returns a context carrying the job. The runner attaches the
// current job before invoking the processor.
func WithJob(ctx context.Context, job *core.BackfillJob) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the current BackfillJob from context, or nil when
// not inside a processor invocation. Use this to tag logs or side effects
// with the owning job.
func JobFromContext(ctx context.Context) *core.BackfillJob {
	if job, ok := ctx.Value(jobKey{}).(*core.BackfillJob); ok {
		return job
	}
	return nil
}

// JobIDFromContext returns the current job ID from context, or empty string
// when not inside a processor invocation.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}
