package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/donna/internal/agent"
	"github.com/haasonsaas/donna/internal/auth"
	"github.com/haasonsaas/donna/internal/permissions"
	"github.com/haasonsaas/donna/internal/sessions"
	"github.com/haasonsaas/donna/internal/workflows"
	"github.com/haasonsaas/donna/pkg/models"
)

type fakeAgent struct {
	outcomes []agent.Outcome
	runs     []*agent.TurnRequest
	resumes  []*agent.ResumeRequest
}

func (f *fakeAgent) next() agent.Outcome {
	if len(f.outcomes) == 0 {
		return agent.Done{Text: "ok"}
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out
}

func (f *fakeAgent) RunTurn(ctx context.Context, req *agent.TurnRequest) (agent.Outcome, error) {
	f.runs = append(f.runs, req)
	return f.next(), nil
}

func (f *fakeAgent) Resume(ctx context.Context, req *agent.ResumeRequest) (agent.Outcome, error) {
	f.resumes = append(f.resumes, req)
	return f.next(), nil
}

type fakeRegistry struct {
	workflows map[string]*models.Workflow
	createErr error
	execs     []*models.Execution
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{workflows: map[string]*models.Workflow{}}
}

func (f *fakeRegistry) List(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error) {
	var out []*models.Workflow
	for _, wf := range f.workflows {
		if triggerType == "" || wf.TriggerType == triggerType {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return f.workflows[id], nil
}

func (f *fakeRegistry) CreateWorkflow(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if wf.ID == "" {
		wf.ID = "wf-created"
	}
	f.workflows[wf.ID] = wf
	return wf, nil
}

func (f *fakeRegistry) UpdateWorkflow(ctx context.Context, patch *models.Workflow) (*models.Workflow, error) {
	wf, ok := f.workflows[patch.ID]
	if !ok {
		return nil, nil
	}
	if patch.Name != "" {
		wf.Name = patch.Name
	}
	return wf, nil
}

func (f *fakeRegistry) ArchiveWorkflow(ctx context.Context, id string) (bool, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return false, nil
	}
	wf.Status = models.WorkflowArchived
	return true, nil
}

func (f *fakeRegistry) RunByID(ctx context.Context, id string, triggeredBy models.TriggerType, payload json.RawMessage) (*models.Execution, error) {
	if _, ok := f.workflows[id]; !ok {
		return nil, workflows.ErrNotFound
	}
	exec := &models.Execution{ID: "ex-1", WorkflowID: id, Status: models.ExecutionSuccess, TriggeredBy: triggeredBy}
	f.execs = append(f.execs, exec)
	return exec, nil
}

func (f *fakeRegistry) Executions(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	return f.execs, nil
}

type fakeEvents struct {
	matched int
	plugins []string
}

func (f *fakeEvents) OnEvent(ctx context.Context, plugin, action string, payload json.RawMessage) (int, error) {
	f.plugins = append(f.plugins, plugin+"."+action)
	return f.matched, nil
}

type testEnv struct {
	server   *Server
	agent    *fakeAgent
	sessions *sessions.Manager
	broker   *permissions.Broker
	registry *fakeRegistry
	events   *fakeEvents
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		agent:    &fakeAgent{},
		sessions: sessions.NewManager(sessions.NewMemoryStore()),
		broker:   permissions.NewBroker(permissions.NewMemoryStore()),
		registry: newFakeRegistry(),
		events:   &fakeEvents{},
	}
	env.server = NewServer(env.agent, env.sessions, env.broker, env.registry, env.events, opts...)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestTriggerCreatesWebThread(t *testing.T) {
	env := newTestEnv(t)
	env.agent.outcomes = []agent.Outcome{agent.Done{Text: "hello there"}}

	rec := env.do(t, http.MethodPost, "/api/trigger", map[string]any{"prompt": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	sessionID, _ := resp["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("response carries no session id: %v", resp)
	}
	outcome := resp["outcome"].(map[string]any)
	if outcome["type"] != "done" || outcome["text"] != "hello there" {
		t.Errorf("outcome = %v", outcome)
	}

	// Both sides of the exchange are on the record.
	history, err := env.sessions.History(context.Background(), sessionID, "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Content != "hi" || history[1].Content != "hello there" {
		t.Errorf("history = %+v", history)
	}
}

func TestTriggerRejectsMissingPrompt(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/trigger", map[string]any{"sessionId": "s1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(env.agent.runs) != 0 {
		t.Errorf("turn ran despite invalid body")
	}
}

func TestTriggerUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/trigger", map[string]any{"sessionId": "ghost", "prompt": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestResumeWithoutPendingIsConflict(t *testing.T) {
	env := newTestEnv(t)
	session, err := env.sessions.CreateWeb(context.Background())
	if err != nil {
		t.Fatalf("CreateWeb: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/resume", map[string]any{"sessionId": session.ID, "answer": "Paris"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestResumeAnswersParkedTurn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.agent.outcomes = []agent.Outcome{agent.Done{Text: "booked"}}

	session, _ := env.sessions.CreateWeb(ctx)
	cont := &models.Continuation{
		History:    []models.TurnMessage{{Role: models.RoleUser, Content: "book a flight"}},
		ToolCallID: "tc-1",
		ToolName:   "ask_human",
	}
	if _, err := env.sessions.RecordAssistant(ctx, session.ID, "which city?", nil, cont); err != nil {
		t.Fatalf("RecordAssistant: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/resume", map[string]any{"sessionId": session.ID, "answer": "Paris"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(env.agent.resumes) != 1 {
		t.Fatalf("resumes = %d, want 1", len(env.agent.resumes))
	}
	resume := env.agent.resumes[0]
	if resume.Answer != "Paris" || resume.Continuation.ToolCallID != "tc-1" {
		t.Errorf("resume request = %+v", resume)
	}

	// The continuation is consumed: answering twice conflicts.
	rec = env.do(t, http.MethodPost, "/api/resume", map[string]any{"sessionId": session.ID, "answer": "Paris"})
	if rec.Code != http.StatusConflict {
		t.Errorf("second resume status = %d, want 409", rec.Code)
	}
}

func TestPermissionResolveLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	req, err := env.broker.Request(ctx, "email.send", json.RawMessage(`{"to":"a@b.c"}`), "send email", "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/permissions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if requests := resp["requests"].([]any); len(requests) != 1 {
		t.Fatalf("pending requests = %v", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/permissions/"+req.ID+"/resolve", map[string]any{"approve": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %s", rec.Code, rec.Body.String())
	}
	if decodeResponse(t, rec)["status"] != string(models.PermissionGranted) {
		t.Errorf("resolved body = %s", rec.Body.String())
	}

	// Already resolved and unknown ids are distinct failures.
	rec = env.do(t, http.MethodPost, "/api/permissions/"+req.ID+"/resolve", map[string]any{"approve": false})
	if rec.Code != http.StatusConflict {
		t.Errorf("re-resolve status = %d, want 409", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/permissions/ghost/resolve", map[string]any{"approve": true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestPermissionResolveRequiresValidToken(t *testing.T) {
	ctx := context.Background()
	tokens := auth.NewApprovalTokens("secret", time.Hour)
	env := newTestEnv(t, WithApprovalTokens(tokens))
	req, _ := env.broker.Request(ctx, "email.send", nil, "", "")

	rec := env.do(t, http.MethodPost, "/api/permissions/"+req.ID+"/resolve", map[string]any{"approve": true})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("tokenless resolve status = %d, want 403", rec.Code)
	}

	other, _ := tokens.Generate("some-other-request")
	rec = env.do(t, http.MethodPost, "/api/permissions/"+req.ID+"/resolve", map[string]any{"approve": true, "token": other})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched token status = %d, want 403", rec.Code)
	}

	token, err := tokens.Generate(req.ID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/api/permissions/"+req.ID+"/resolve", map[string]any{"approve": true, "token": token})
	if rec.Code != http.StatusOK {
		t.Fatalf("token resolve status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestPermissionGetByID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	req, err := env.broker.Request(ctx, "email.send", json.RawMessage(`{"to":"a@b.c"}`), "send email", "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/permissions/"+req.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp["id"] != req.ID || resp["status"] != string(models.PermissionPending) {
		t.Errorf("body = %v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/permissions/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestPermissionResolveAcceptsActionBody(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	declined, _ := env.broker.Request(ctx, "files.delete", nil, "", "")
	rec := env.do(t, http.MethodPost, "/api/permissions/"+declined.ID+"/resolve", map[string]any{"action": "decline"})
	if rec.Code != http.StatusOK {
		t.Fatalf("decline status = %d, body %s", rec.Code, rec.Body.String())
	}
	if decodeResponse(t, rec)["status"] != string(models.PermissionDeclined) {
		t.Errorf("decline body = %s", rec.Body.String())
	}

	granted, _ := env.broker.Request(ctx, "email.send", nil, "", "")
	rec = env.do(t, http.MethodPost, "/api/permissions/"+granted.ID+"/resolve", map[string]any{"action": "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", rec.Code, rec.Body.String())
	}
	if decodeResponse(t, rec)["status"] != string(models.PermissionGranted) {
		t.Errorf("approve body = %s", rec.Body.String())
	}

	// A body carrying neither shape, or an unknown action, is rejected.
	other, _ := env.broker.Request(ctx, "chat.post", nil, "", "")
	rec = env.do(t, http.MethodPost, "/api/permissions/"+other.ID+"/resolve", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/permissions/"+other.ID+"/resolve", map[string]any{"action": "maybe"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad action status = %d, want 400", rec.Code)
	}
}

func TestPendingListTokenAuthorizesResolve(t *testing.T) {
	ctx := context.Background()
	tokens := auth.NewApprovalTokens("secret", time.Hour)
	env := newTestEnv(t, WithApprovalTokens(tokens))
	env.broker = permissions.NewBroker(permissions.NewMemoryStore(), permissions.WithTokenIssuer(tokens))
	env.server = NewServer(env.agent, env.sessions, env.broker, env.registry, env.events, WithApprovalTokens(tokens))

	req, err := env.broker.Request(ctx, "email.send", nil, "", "")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/permissions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending status = %d", rec.Code)
	}
	listed := decodeResponse(t, rec)["requests"].([]any)
	if len(listed) != 1 {
		t.Fatalf("pending = %v", listed)
	}
	token, _ := listed[0].(map[string]any)["approval_token"].(string)
	if token == "" {
		t.Fatal("pending request carries no approval token")
	}

	// The token from the listing is all the approver needs.
	rec = env.do(t, http.MethodPost, "/api/permissions/"+req.ID+"/resolve", map[string]any{"action": "approve", "token": token})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %s", rec.Code, rec.Body.String())
	}
	if decodeResponse(t, rec)["status"] != string(models.PermissionGranted) {
		t.Errorf("resolve body = %s", rec.Body.String())
	}
}

func TestWorkflowCreateAndValidationFailure(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name": "digest", "code": "export async function run() {}", "triggerType": "cron", "cronExpr": "0 9 * * *",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Shape errors are caught by the schema before the registry sees them.
	rec = env.do(t, http.MethodPost, "/api/workflows", map[string]any{"name": "x", "triggerType": "cron"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("schema reject status = %d, want 400", rec.Code)
	}

	// Semantic rejections from the registry are unprocessable.
	env.registry.createErr = errors.New("invalid cron expression")
	rec = env.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name": "digest", "code": "x", "triggerType": "cron", "cronExpr": "bad",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid create status = %d, want 422", rec.Code)
	}
}

func TestWorkflowArchiveAndRun(t *testing.T) {
	env := newTestEnv(t)
	env.registry.workflows["wf-1"] = &models.Workflow{ID: "wf-1", Name: "digest", Status: models.WorkflowActive}

	rec := env.do(t, http.MethodPost, "/api/workflows/wf-1/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run status = %d", rec.Code)
	}
	if len(env.registry.execs) != 1 || env.registry.execs[0].TriggeredBy != models.TriggerManual {
		t.Errorf("execs = %+v, want one manual run", env.registry.execs)
	}

	rec = env.do(t, http.MethodDelete, "/api/workflows/wf-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("archive status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/workflows/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("archive unknown status = %d, want 404", rec.Code)
	}
}

func TestWebhookAcksMatchedCount(t *testing.T) {
	env := newTestEnv(t)
	env.events.matched = 2

	rec := env.do(t, http.MethodPost, "/webhooks/github/push", map[string]any{"ref": "main"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeResponse(t, rec)["matched"] != float64(2) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if len(env.events.plugins) != 1 || env.events.plugins[0] != "github.push" {
		t.Errorf("dispatched = %v", env.events.plugins)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
