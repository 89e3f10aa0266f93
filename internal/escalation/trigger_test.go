package escalation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/donna/internal/agent"
	"github.com/haasonsaas/donna/pkg/models"
)

type recordingEngine struct {
	mu   sync.Mutex
	reqs []*agent.TurnRequest
	err  error
}

func (r *recordingEngine) RunTurn(ctx context.Context, req *agent.TurnRequest) (agent.Outcome, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return agent.Done{Text: "patched"}, nil
}

func TestOnFailureRunsDiagnosticTurn(t *testing.T) {
	engine := &recordingEngine{}
	trigger := NewTrigger(engine)

	wf := &models.Workflow{ID: "wf-1", Name: "sync", Code: "the code"}
	trigger.OnFailure(wf, models.TriggerCron, "connection refused", []byte(`{"ref":"main"}`))
	trigger.Wait()

	if len(engine.reqs) != 1 {
		t.Fatalf("turns = %d, want 1", len(engine.reqs))
	}
	req := engine.reqs[0]
	for _, want := range []string{"wf-1", "connection refused", "the code", `"ref":"main"`} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.Prompt)
		}
	}
	if !strings.Contains(req.System, "manage_workflows update") {
		t.Errorf("system addendum missing repair instruction: %s", req.System)
	}
}

func TestEscalationFailureIsLoggedNotReEscalated(t *testing.T) {
	engine := &recordingEngine{err: errors.New("model unavailable")}
	trigger := NewTrigger(engine)

	trigger.OnFailure(&models.Workflow{ID: "wf-1", Name: "sync"}, models.TriggerWebhook, "boom", nil)
	trigger.Wait()

	if len(engine.reqs) != 1 {
		t.Errorf("turns = %d, a failed escalation must not retry or chain", len(engine.reqs))
	}
}
