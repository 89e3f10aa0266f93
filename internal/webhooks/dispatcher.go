// Package webhooks fans inbound plugin events out to the workflows bound to
// them. The HTTP receive path acknowledges immediately; the runs happen
// asynchronously and independently of each other.
package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/haasonsaas/donna/pkg/models"
)

// Registry is the slice of the workflow registry the dispatcher drives.
type Registry interface {
	ListByEvent(ctx context.Context, plugin, action string) ([]*models.Workflow, error)
	RunWorkflow(ctx context.Context, workflow *models.Workflow, triggeredBy models.TriggerType, payload json.RawMessage) (*models.Execution, error)
}

// Dispatcher routes events to matching workflows.
type Dispatcher struct {
	registry Registry
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher over the workflow registry.
func NewDispatcher(registry Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default().With("component", "webhooks"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnEvent matches plugin.action against the active webhook workflows and
// starts one independent run per match. It returns the match count as soon
// as the runs are launched; callers acknowledge without waiting. A failing
// run never affects the others, and the runs outlive the request context.
func (d *Dispatcher) OnEvent(ctx context.Context, plugin, action string, payload json.RawMessage) (int, error) {
	matched, err := d.registry.ListByEvent(ctx, plugin, action)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		d.logger.Debug("event matched no workflows", "plugin", plugin, "action", action)
		return 0, nil
	}

	runCtx := context.WithoutCancel(ctx)
	for _, workflow := range matched {
		d.wg.Add(1)
		go func(workflow *models.Workflow) {
			defer d.wg.Done()
			if _, err := d.registry.RunWorkflow(runCtx, workflow, models.TriggerWebhook, payload); err != nil {
				d.logger.Error("webhook run failed", "id", workflow.ID, "plugin", plugin, "action", action, "error", err)
			}
		}(workflow)
	}

	d.logger.Info("event dispatched", "plugin", plugin, "action", action, "workflows", len(matched))
	return len(matched), nil
}

// Wait blocks until all in-flight runs finish. Used on shutdown and in
// tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
