// Package escalation turns failed workflow runs into diagnostic agent turns.
// Each escalation is an independent, fire-and-forget engine run; its own
// failures are logged and never re-escalated.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/donna/internal/agent"
	"github.com/haasonsaas/donna/pkg/models"
)

const systemAddendum = `A stored workflow just failed. Your job, in order:
1. Diagnose the failure from the code, the error, and the trigger payload.
2. Perform the missed action now with a one-off corrective run where that is safe.
3. Patch the workflow code and re-store it with manage_workflows update so the next scheduled run succeeds.
Do not create a new workflow for this; update the existing one by its id.`

// Engine runs the diagnostic turn.
type Engine interface {
	RunTurn(ctx context.Context, req *agent.TurnRequest) (agent.Outcome, error)
}

// Observer counts escalation runs.
type Observer interface {
	EscalationStarted()
}

type nopObserver struct{}

func (nopObserver) EscalationStarted() {}

// Trigger starts escalation runs. It satisfies the workflow registry's
// Escalator contract.
type Trigger struct {
	engine   Engine
	logger   *slog.Logger
	observer Observer
	wg       sync.WaitGroup
}

// Option configures the trigger.
type Option func(*Trigger)

// WithLogger sets the trigger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trigger) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(observer Observer) Option {
	return func(t *Trigger) {
		if observer != nil {
			t.observer = observer
		}
	}
}

// NewTrigger creates an escalation trigger over the turn engine.
func NewTrigger(engine Engine, opts ...Option) *Trigger {
	t := &Trigger{
		engine:   engine,
		logger:   slog.Default().With("component", "escalation"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnFailure launches one diagnostic run for a failed execution and returns
// immediately. The run does not inherit the scheduler tick's context.
func (t *Trigger) OnFailure(workflow *models.Workflow, triggeredBy models.TriggerType, runErr string, payload json.RawMessage) {
	t.observer.EscalationStarted()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("escalation panicked", "workflow_id", workflow.ID, "panic", r)
			}
		}()

		outcome, err := t.engine.RunTurn(context.Background(), &agent.TurnRequest{
			Prompt: diagnosticPrompt(workflow, triggeredBy, runErr, payload),
			System: systemAddendum,
		})
		if err != nil {
			t.logger.Error("escalation run failed", "workflow_id", workflow.ID, "error", err)
			return
		}
		t.logger.Info("escalation finished", "workflow_id", workflow.ID, "summary", outcome.Summary())
	}()
}

// Wait blocks until in-flight escalations finish. Used on shutdown and in
// tests.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func diagnosticPrompt(workflow *models.Workflow, triggeredBy models.TriggerType, runErr string, payload json.RawMessage) string {
	prompt := fmt.Sprintf(
		"Workflow %q (id %s, trigger %s) failed.\n\nError:\n%s\n\nCurrent code:\n%s",
		workflow.Name, workflow.ID, triggeredBy, runErr, workflow.Code,
	)
	if len(payload) > 0 {
		prompt += fmt.Sprintf("\n\nTrigger payload:\n%s", payload)
	}
	return prompt
}
