package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edulytics/backfill/pkg/core"
	"github.com/edulytics/backfill/pkg/schedule"
	"github.com/edulytics/backfill/pkg/security"
)

// Engine coordinates backfill jobs: it admits start requests, registers
// item processors, exposes cancellation and queries, and carries the hook
// and event plumbing runners emit through.
type Engine struct {
	storage    core.Storage
	processors map[core.JobType]core.Processor
	scheduled  map[string]*ScheduledBackfill
	mu         sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.BackfillJob)
	onComplete []func(context.Context, *core.BackfillJob)
	onFail     []func(context.Context, *core.BackfillJob, error)
	onCancel   []func(context.Context, *core.BackfillJob)

	// Event stream
	eventSubs []chan core.Event

	// Running job cancellation registry (runners register cancel funcs so
	// force-cancel can abort an in-process run promptly)
	runningJobs   map[string]context.CancelFunc
	runningJobsMu sync.Mutex
}

// ScheduledBackfill holds configuration for a recurring backfill.
type ScheduledBackfill struct {
	Name      string
	TargetKey string
	Type      core.JobType
	Config    any
	Schedule  schedule.Schedule
}

// New creates a new Engine with the given storage backend.
func New(s core.Storage) *Engine {
	return &Engine{
		storage:     s,
		processors:  make(map[core.JobType]core.Processor),
		runningJobs: make(map[string]context.CancelFunc),
	}
}

// RegisterProcessor registers the item processor for a job type.
func (e *Engine) RegisterProcessor(jobType core.JobType, p core.Processor) {
	if !jobType.Valid() {
		panic(fmt.Sprintf("backfill: invalid job type %q", jobType))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processors[jobType] = p
}

// GetProcessor returns the processor for a job type.
func (e *Engine) GetProcessor(jobType core.JobType) (core.Processor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.processors[jobType]
	return p, ok
}

// StartJob admits a new backfill job for targetKey and returns its id.
// At most one non-terminal job may exist per target key; a second start for
// the same target fails with core.ErrTargetConflict. The existence check and
// insert are a single transaction in storage, so concurrent starts race
// safely.
func (e *Engine) StartJob(ctx context.Context, targetKey string, jobType core.JobType, config any) (string, error) {
	if !jobType.Valid() {
		return "", core.ErrInvalidJobType
	}
	if err := security.ValidateTargetKey(targetKey); err != nil {
		return "", err
	}

	e.mu.RLock()
	_, ok := e.processors[jobType]
	e.mu.RUnlock()
	if !ok {
		return "", core.ErrNoProcessor
	}

	configBytes, err := marshalConfig(config)
	if err != nil {
		return "", err
	}
	if len(configBytes) > security.MaxConfigSize {
		return "", core.ErrConfigTooLarge
	}
	if err := validateConfig(jobType, configBytes); err != nil {
		return "", err
	}

	job := &core.BackfillJob{
		Type:      jobType,
		TargetKey: targetKey,
		Config:    configBytes,
		Status:    core.StatusPending,
	}
	if err := e.storage.CreateJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func marshalConfig(config any) ([]byte, error) {
	if config == nil {
		return nil, nil
	}
	if raw, ok := config.([]byte); ok {
		return raw, nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("backfill: failed to marshal config: %w", err)
	}
	return b, nil
}

// GetJob returns a job by id, or core.ErrJobNotFound.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*core.BackfillJob, error) {
	job, err := e.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, core.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns a page of jobs newest first and the full filtered count.
func (e *Engine) ListJobs(ctx context.Context, filter core.ListFilter) ([]*core.BackfillJob, int64, error) {
	return e.storage.ListJobs(ctx, filter)
}

// CancelJob requests a graceful cancel. A pending job is cancelled before
// any runner claims it; a running job gets its cooperative flag set and the
// runner stops between items. Any other status is core.ErrInvalidTransition.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !core.Cancellable(job.Status) {
		return core.ErrInvalidTransition
	}

	// Pending first: the job may never have been claimed.
	moved, err := e.storage.CancelPending(ctx, jobID)
	if err != nil {
		return err
	}
	if moved {
		if cancelled, getErr := e.storage.GetJob(ctx, jobID); getErr == nil && cancelled != nil {
			e.CallCancelHooks(ctx, cancelled)
			e.Emit(&core.JobCancelled{Job: cancelled, Forced: false, Timestamp: time.Now()})
		}
		return nil
	}

	// It was claimed in the meantime, or was already running: set the flag.
	flagged, err := e.storage.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if !flagged {
		// Moved to a non-cancellable status between the check and the writes.
		return core.ErrInvalidTransition
	}
	return nil
}

// ForceCancelJob immediately and unconditionally terminates a stuck job:
// status becomes cancelled, completedAt is stamped, the fatal error reads
// "force-cancelled", and the checkpoint is deleted. This is destructive --
// the job can never be resumed -- and is the only way to release the target
// key when the owning process died. Eligibility follows the transition
// table: pending, running, or recovering.
func (e *Engine) ForceCancelJob(ctx context.Context, jobID string) error {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !core.ForceCancellable(job.Status) {
		return core.ErrInvalidTransition
	}

	moved, err := e.storage.ForceCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if !moved {
		return core.ErrInvalidTransition
	}

	// If a live in-process runner still holds this job, abort it too. The
	// metadata write above is the source of truth either way.
	e.runningJobsMu.Lock()
	cancel, found := e.runningJobs[jobID]
	e.runningJobsMu.Unlock()
	if found {
		cancel()
	}

	if cancelled, getErr := e.storage.GetJob(ctx, jobID); getErr == nil && cancelled != nil {
		e.CallCancelHooks(ctx, cancelled)
		e.Emit(&core.JobCancelled{Job: cancelled, Forced: true, Timestamp: time.Now()})
	}
	return nil
}

// Storage returns the underlying storage.
func (e *Engine) Storage() core.Storage {
	return e.storage
}

// ScheduleBackfill registers a recurring backfill started through the
// admission controller whenever the schedule fires. A start that loses to
// an already-active job for the target is skipped until the next tick.
func (e *Engine) ScheduleBackfill(name string, targetKey string, jobType core.JobType, config any, sched schedule.Schedule) {
	e.mu.Lock()
	if e.scheduled == nil {
		e.scheduled = make(map[string]*ScheduledBackfill)
	}
	e.scheduled[name] = &ScheduledBackfill{
		Name:      name,
		TargetKey: targetKey,
		Type:      jobType,
		Config:    config,
		Schedule:  sched,
	}
	e.mu.Unlock()
}

// GetScheduledBackfills returns a snapshot of the scheduled backfills (for
// the runner's scheduler loop). A copy is returned so callers can iterate
// without holding the lock while ScheduleBackfill mutates the registry.
func (e *Engine) GetScheduledBackfills() map[string]*ScheduledBackfill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*ScheduledBackfill, len(e.scheduled))
	for name, sb := range e.scheduled {
		out[name] = sb
	}
	return out
}

// --- Running Job Registry ---

// RegisterRunningJob registers a cancel function for a running job. Runners
// call this when they start executing a job so ForceCancelJob can abort a
// live run via context cancellation.
func (e *Engine) RegisterRunningJob(jobID string, cancel context.CancelFunc) {
	e.runningJobsMu.Lock()
	e.runningJobs[jobID] = cancel
	e.runningJobsMu.Unlock()
}

// UnregisterRunningJob removes a job from the running registry.
func (e *Engine) UnregisterRunningJob(jobID string) {
	e.runningJobsMu.Lock()
	delete(e.runningJobs, jobID)
	e.runningJobsMu.Unlock()
}

// --- Hooks ---

// OnJobStart registers a callback for when a job starts.
func (e *Engine) OnJobStart(fn func(context.Context, *core.BackfillJob)) {
	e.mu.Lock()
	e.onStart = append(e.onStart, fn)
	e.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes.
func (e *Engine) OnJobComplete(fn func(context.Context, *core.BackfillJob)) {
	e.mu.Lock()
	e.onComplete = append(e.onComplete, fn)
	e.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails fatally.
func (e *Engine) OnJobFail(fn func(context.Context, *core.BackfillJob, error)) {
	e.mu.Lock()
	e.onFail = append(e.onFail, fn)
	e.mu.Unlock()
}

// OnJobCancel registers a callback for when a job is cancelled.
func (e *Engine) OnJobCancel(fn func(context.Context, *core.BackfillJob)) {
	e.mu.Lock()
	e.onCancel = append(e.onCancel, fn)
	e.mu.Unlock()
}

// CallStartHooks calls all registered start hooks.
func (e *Engine) CallStartHooks(ctx context.Context, job *core.BackfillJob) {
	for _, fn := range e.copyStartHooks() {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (e *Engine) CallCompleteHooks(ctx context.Context, job *core.BackfillJob) {
	e.mu.RLock()
	hooks := make([]func(context.Context, *core.BackfillJob), len(e.onComplete))
	copy(hooks, e.onComplete)
	e.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (e *Engine) CallFailHooks(ctx context.Context, job *core.BackfillJob, err error) {
	e.mu.RLock()
	hooks := make([]func(context.Context, *core.BackfillJob, error), len(e.onFail))
	copy(hooks, e.onFail)
	e.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallCancelHooks calls all registered cancel hooks.
func (e *Engine) CallCancelHooks(ctx context.Context, job *core.BackfillJob) {
	e.mu.RLock()
	hooks := make([]func(context.Context, *core.BackfillJob), len(e.onCancel))
	copy(hooks, e.onCancel)
	e.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

func (e *Engine) copyStartHooks() []func(context.Context, *core.BackfillJob) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hooks := make([]func(context.Context, *core.BackfillJob), len(e.onStart))
	copy(hooks, e.onStart)
	return hooks
}

// --- Events ---

// Events returns a channel for receiving engine events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (e *Engine) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	e.mu.Lock()
	e.eventSubs = append(e.eventSubs, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling
// Unsubscribe. After it returns, no further events are sent to the channel.
func (e *Engine) Unsubscribe(ch <-chan core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.eventSubs {
		if sub == ch {
			e.eventSubs = append(e.eventSubs[:i], e.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers.
func (e *Engine) Emit(ev core.Event) {
	e.mu.RLock()
	subs := make([]chan core.Event, len(e.eventSubs))
	copy(subs, e.eventSubs)
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop if full - this prevents blocking on slow consumers
		}
	}
}

// RunnerFactory is set by the root package to create runners.
// This avoids import cycles between engine and runner packages.
var RunnerFactory func(e *Engine, opts ...any) core.Starter

// NewRunner creates a new runner for this engine.
// Options should be runner.RunnerOption values.
func (e *Engine) NewRunner(opts ...any) core.Starter {
	if RunnerFactory == nil {
		panic("backfill: RunnerFactory not initialized - import github.com/edulytics/backfill to initialize")
	}
	return RunnerFactory(e, opts...)
}
