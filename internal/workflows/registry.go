// Package workflows is the workflow registry and cron dispatcher. Durable
// workflow rows are the source of truth; the registry keeps an in-memory job
// handle per active cron workflow and rebuilds those handles from the store
// at startup.
package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/donna/internal/runner"
	"github.com/haasonsaas/donna/pkg/models"
)

// ErrNotFound indicates an unknown workflow id where the caller required one.
var ErrNotFound = errors.New("workflow not found")

// DefaultTickInterval is the scheduler cadence.
const DefaultTickInterval = time.Second

// Store persists workflows. Get returns (nil, nil) for unknown ids; absence
// is a result at this boundary, not an error.
type Store interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	Update(ctx context.Context, workflow *models.Workflow) error
	// List returns workflows, optionally filtered by trigger type. Archived
	// workflows are included only when includeArchived is set.
	List(ctx context.Context, triggerType models.TriggerType, includeArchived bool) ([]*models.Workflow, error)
	// ListByEvent returns active webhook workflows bound to plugin.action.
	ListByEvent(ctx context.Context, plugin, action string) ([]*models.Workflow, error)
	// Delete removes a workflow and, by ownership, its executions.
	Delete(ctx context.Context, id string) error
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
	Update(ctx context.Context, exec *models.Execution) error
	// ListByWorkflow returns a workflow's executions, newest first.
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error)
}

// Escalator is notified of failed executions. Implementations must not block
// the scheduler tick.
type Escalator interface {
	OnFailure(workflow *models.Workflow, triggeredBy models.TriggerType, runErr string, payload json.RawMessage)
}

// Notifier delivers post-run messages to a workflow's notify target.
type Notifier interface {
	Notify(ctx context.Context, target models.NotifyTarget, text string) error
}

// Observer receives scheduler metrics events.
type Observer interface {
	WorkflowRun(trigger, status string)
	WorkflowOverlapSkip()
}

type nopObserver struct{}

func (nopObserver) WorkflowRun(trigger, status string) {}
func (nopObserver) WorkflowOverlapSkip()               {}

// job is the in-memory handle for one active cron workflow.
type job struct {
	schedule cron.Schedule
	nextRun  time.Time
	// running is held for the duration of a fire; an overlapping tick that
	// cannot take it is skipped, not queued.
	running sync.Mutex
}

// Registry owns workflow lifecycle, validation, and cron dispatch.
type Registry struct {
	store     Store
	execs     ExecutionStore
	runner    runner.Runner
	escalator Escalator
	notifier  Notifier
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	tick      time.Duration

	mu   sync.Mutex
	jobs map[string]*job

	stop chan struct{}
	done chan struct{}
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEscalator sets the failure escalator.
func WithEscalator(escalator Escalator) Option {
	return func(r *Registry) {
		r.escalator = escalator
	}
}

// WithNotifier sets the post-run notifier.
func WithNotifier(notifier Notifier) Option {
	return func(r *Registry) {
		r.notifier = notifier
	}
}

// WithObserver registers a metrics observer.
func WithObserver(observer Observer) Option {
	return func(r *Registry) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTickInterval overrides the scheduler cadence.
func WithTickInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.tick = d
		}
	}
}

// NewRegistry creates a registry over the given stores and runner.
func NewRegistry(store Store, execs ExecutionStore, run runner.Runner, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		execs:    execs,
		runner:   run,
		observer: nopObserver{},
		logger:   slog.Default().With("component", "workflows"),
		now:      time.Now,
		tick:     DefaultTickInterval,
		jobs:     map[string]*job{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetEscalator installs the failure escalator after construction. The
// escalator runs agent turns and the engine needs the registry first, so
// wiring closes this loop before Start.
func (r *Registry) SetEscalator(escalator Escalator) {
	r.escalator = escalator
}

// Start rebuilds job handles from the store and begins ticking.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild schedules: %w", err)
	}
	go r.run(ctx)
	r.logger.Info("scheduler started", "jobs", r.jobCount(), "tick", r.tick)
	return nil
}

// Stop halts the scheduler loop. In-flight runs finish on their own.
func (r *Registry) Stop(ctx context.Context) error {
	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	return nil
}

// rebuild registers a handle for every active cron workflow. Workflows whose
// stored expression no longer parses are logged and skipped, not fatal.
func (r *Registry) rebuild(ctx context.Context) error {
	stored, err := r.store.List(ctx, models.TriggerCron, false)
	if err != nil {
		return err
	}
	for _, wf := range stored {
		if wf.Status != models.WorkflowActive {
			continue
		}
		if err := r.Register(ctx, wf); err != nil {
			r.logger.Error("stored workflow has invalid schedule", "id", wf.ID, "cron", wf.CronExpr, "error", err)
		}
	}
	return nil
}

// Register validates a workflow's schedule and installs its job handle,
// replacing any previous handle for the same id.
func (r *Registry) Register(ctx context.Context, wf *models.Workflow) error {
	schedule, err := cron.ParseStandard(wf.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", wf.CronExpr, err)
	}
	next := schedule.Next(r.now())

	r.mu.Lock()
	if existing, ok := r.jobs[wf.ID]; ok {
		// Keep the handle so an in-flight run's lock still guards overlap.
		existing.schedule = schedule
		existing.nextRun = next
	} else {
		r.jobs[wf.ID] = &job{schedule: schedule, nextRun: next}
	}
	r.mu.Unlock()

	wf.NextRunAt = next
	if err := r.store.Update(ctx, wf); err != nil {
		r.logger.Warn("next run persist failed", "id", wf.ID, "error", err)
	}
	r.logger.Info("workflow scheduled", "id", wf.ID, "name", wf.Name, "next_run", next)
	return nil
}

// Unregister removes a job handle. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

func (r *Registry) jobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

// runDue fires every job whose next run time has passed. A job still running
// from a previous tick is skipped, and the skip is counted; the missed tick
// is not queued.
func (r *Registry) runDue(ctx context.Context) {
	now := r.now()

	type due struct {
		id string
		j  *job
	}
	var fire []due
	r.mu.Lock()
	for id, j := range r.jobs {
		if !j.nextRun.After(now) {
			j.nextRun = j.schedule.Next(now)
			fire = append(fire, due{id: id, j: j})
		}
	}
	r.mu.Unlock()

	for _, d := range fire {
		if !d.j.running.TryLock() {
			r.logger.Warn("skipping overlapping run", "id", d.id)
			r.observer.WorkflowOverlapSkip()
			continue
		}
		wf, err := r.store.Get(ctx, d.id)
		if err != nil || wf == nil || wf.Status != models.WorkflowActive {
			d.j.running.Unlock()
			if err != nil {
				r.logger.Error("workflow load failed", "id", d.id, "error", err)
			}
			continue
		}
		go func(d due, wf *models.Workflow) {
			defer d.j.running.Unlock()
			if _, err := r.RunWorkflow(ctx, wf, models.TriggerCron, nil); err != nil {
				r.logger.Error("cron run failed", "id", wf.ID, "error", err)
			}
		}(d, wf)
	}
}

// RunWorkflow executes one workflow now. It creates the execution record in
// the running state, runs the code, stamps lastRunAt unconditionally,
// terminates the record exactly once, escalates failures, and notifies the
// workflow's target when one is set.
func (r *Registry) RunWorkflow(ctx context.Context, wf *models.Workflow, triggeredBy models.TriggerType, payload json.RawMessage) (*models.Execution, error) {
	exec := &models.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		Status:         models.ExecutionRunning,
		TriggeredBy:    triggeredBy,
		TriggerPayload: payload,
		StartedAt:      r.now(),
	}
	if err := r.execs.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	result, runErr := r.runner.Run(ctx, wf.Code, payload)

	// lastRunAt records the attempt, not the success.
	wf.LastRunAt = r.now()
	if err := r.store.Update(ctx, wf); err != nil {
		r.logger.Warn("last run persist failed", "id", wf.ID, "error", err)
	}

	exec.FinishedAt = r.now()
	switch {
	case runErr != nil:
		exec.Status = models.ExecutionFailed
		exec.Error = runErr.Error()
	case !result.Success:
		exec.Status = models.ExecutionFailed
		exec.Error = result.Error
	default:
		exec.Status = models.ExecutionSuccess
		exec.Result = result.Output
	}
	if err := r.execs.Update(ctx, exec); err != nil {
		r.logger.Error("execution terminate failed", "execution_id", exec.ID, "error", err)
	}
	r.observer.WorkflowRun(string(triggeredBy), string(exec.Status))

	if exec.Status == models.ExecutionFailed {
		r.logger.Error("workflow run failed", "id", wf.ID, "name", wf.Name, "error", exec.Error)
		if r.escalator != nil {
			r.escalator.OnFailure(wf, triggeredBy, exec.Error, payload)
		}
	}
	r.notify(ctx, wf, exec)

	return exec, nil
}

// RunByID runs a stored workflow on demand.
func (r *Registry) RunByID(ctx context.Context, id string, triggeredBy models.TriggerType, payload json.RawMessage) (*models.Execution, error) {
	wf, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf == nil || wf.Status == models.WorkflowArchived {
		return nil, ErrNotFound
	}
	return r.RunWorkflow(ctx, wf, triggeredBy, payload)
}

func (r *Registry) notify(ctx context.Context, wf *models.Workflow, exec *models.Execution) {
	if r.notifier == nil || wf.Notify == nil {
		return
	}
	var text string
	if exec.Status == models.ExecutionSuccess {
		text = fmt.Sprintf("Workflow %q ran successfully.", wf.Name)
		if exec.Result != "" {
			text += "\n" + exec.Result
		}
	} else {
		text = fmt.Sprintf("Workflow %q failed. I'm looking into it.", wf.Name)
	}
	if err := r.notifier.Notify(ctx, *wf.Notify, text); err != nil {
		r.logger.Warn("notify failed", "id", wf.ID, "channel", wf.Notify.Channel, "error", err)
	}
}

// Get returns one workflow, or (nil, nil) when the id is unknown.
func (r *Registry) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return r.store.Get(ctx, id)
}

// List returns non-archived workflows, optionally filtered by trigger type.
func (r *Registry) List(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error) {
	return r.store.List(ctx, triggerType, false)
}

// ListByEvent returns active webhook workflows bound to plugin.action.
func (r *Registry) ListByEvent(ctx context.Context, plugin, action string) ([]*models.Workflow, error) {
	return r.store.ListByEvent(ctx, plugin, action)
}

// Executions returns a workflow's run records, newest first.
func (r *Registry) Executions(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	return r.execs.ListByWorkflow(ctx, workflowID, limit)
}

// validate re-checks a workflow's code and trigger before acceptance: the
// code must type-check and export exactly one entry point, and a cron
// trigger needs a parseable expression.
func (r *Registry) validate(ctx context.Context, wf *models.Workflow) error {
	if strings.TrimSpace(wf.Name) == "" {
		return fmt.Errorf("workflow name is required")
	}
	if strings.TrimSpace(wf.Code) == "" {
		return fmt.Errorf("workflow code is required")
	}

	check, err := r.runner.Typecheck(ctx, wf.Code)
	if err != nil {
		return fmt.Errorf("typecheck: %w", err)
	}
	if !check.Valid {
		return fmt.Errorf("workflow code is invalid: %s", strings.Join(check.Errors, "; "))
	}
	entries, err := r.runner.EntryPoints(ctx, wf.Code)
	if err != nil {
		return fmt.Errorf("entry points: %w", err)
	}
	if len(entries) != 1 {
		return fmt.Errorf("workflow code must export exactly one entry point, found %d", len(entries))
	}

	switch wf.TriggerType {
	case models.TriggerCron:
		if _, err := cron.ParseStandard(wf.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", wf.CronExpr, err)
		}
	case models.TriggerWebhook:
		if wf.EventPlugin == "" || wf.EventAction == "" {
			return fmt.Errorf("webhook workflows need event plugin and action")
		}
	case models.TriggerManual:
	default:
		return fmt.Errorf("unknown trigger type %q", wf.TriggerType)
	}
	return nil
}

// CreateWorkflow validates and stores a new workflow, scheduling it when it
// is cron-triggered and active.
func (r *Registry) CreateWorkflow(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	if err := r.validate(ctx, wf); err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Status == "" {
		wf.Status = models.WorkflowActive
	}
	now := r.now()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := r.store.Create(ctx, wf); err != nil {
		return nil, err
	}
	if wf.TriggerType == models.TriggerCron && wf.Status == models.WorkflowActive {
		if err := r.Register(ctx, wf); err != nil {
			return nil, err
		}
	}
	r.logger.Info("workflow created", "id", wf.ID, "name", wf.Name, "trigger", wf.TriggerType)
	return wf, nil
}

// UpdateWorkflow applies the non-zero fields of patch to a stored workflow,
// re-validating before acceptance. Returns (nil, nil) for unknown ids.
func (r *Registry) UpdateWorkflow(ctx context.Context, patch *models.Workflow) (*models.Workflow, error) {
	wf, err := r.store.Get(ctx, patch.ID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, nil
	}

	if patch.Name != "" {
		wf.Name = patch.Name
	}
	if patch.Code != "" {
		wf.Code = patch.Code
	}
	if patch.TriggerType != "" {
		wf.TriggerType = patch.TriggerType
		wf.CronExpr = patch.CronExpr
		wf.EventPlugin = patch.EventPlugin
		wf.EventAction = patch.EventAction
	} else {
		if patch.CronExpr != "" {
			wf.CronExpr = patch.CronExpr
		}
		if patch.EventPlugin != "" {
			wf.EventPlugin = patch.EventPlugin
		}
		if patch.EventAction != "" {
			wf.EventAction = patch.EventAction
		}
	}
	if patch.Status != "" {
		wf.Status = patch.Status
	}
	if patch.Notify != nil {
		wf.Notify = patch.Notify
	}

	if err := r.validate(ctx, wf); err != nil {
		return nil, err
	}
	wf.UpdatedAt = r.now()
	if err := r.store.Update(ctx, wf); err != nil {
		return nil, err
	}

	if wf.TriggerType == models.TriggerCron && wf.Status == models.WorkflowActive {
		if err := r.Register(ctx, wf); err != nil {
			return nil, err
		}
	} else {
		r.Unregister(wf.ID)
	}
	r.logger.Info("workflow updated", "id", wf.ID, "name", wf.Name)
	return wf, nil
}

// ArchiveWorkflow soft-deletes a workflow and drops its schedule. Returns
// (false, nil) for unknown ids; archiving an archived workflow is a no-op
// success.
func (r *Registry) ArchiveWorkflow(ctx context.Context, id string) (bool, error) {
	wf, err := r.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if wf == nil {
		return false, nil
	}
	if wf.Status != models.WorkflowArchived {
		wf.Status = models.WorkflowArchived
		wf.UpdatedAt = r.now()
		if err := r.store.Update(ctx, wf); err != nil {
			return false, err
		}
	}
	r.Unregister(id)
	r.logger.Info("workflow archived", "id", id)
	return true, nil
}

// ListWorkflows adapts List for the agent tool surface.
func (r *Registry) ListWorkflows(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error) {
	return r.List(ctx, triggerType)
}
