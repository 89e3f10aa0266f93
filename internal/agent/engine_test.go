package agent

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/donna/internal/llm"
	"github.com/haasonsaas/donna/internal/runner"
	"github.com/haasonsaas/donna/pkg/models"
)

type scriptedProvider struct {
	responses []*llm.Response
	requests  []*llm.Request
}

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	frozen := *req
	frozen.Messages = append([]models.TurnMessage(nil), req.Messages...)
	p.requests = append(p.requests, &frozen)

	if len(p.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

type fakeRunner struct {
	typechecks []*runner.TypecheckResult // popped per call; valid when empty
	runs       []*runner.RunResult
	entries    [][]string
	ranCode    []string
}

func (f *fakeRunner) Typecheck(ctx context.Context, code string) (*runner.TypecheckResult, error) {
	if len(f.typechecks) == 0 {
		return &runner.TypecheckResult{Valid: true}, nil
	}
	res := f.typechecks[0]
	f.typechecks = f.typechecks[1:]
	return res, nil
}

func (f *fakeRunner) Run(ctx context.Context, code string, eventPayload json.RawMessage) (*runner.RunResult, error) {
	f.ranCode = append(f.ranCode, code)
	if len(f.runs) == 0 {
		return &runner.RunResult{Success: true, Output: "ok"}, nil
	}
	res := f.runs[0]
	f.runs = f.runs[1:]
	return res, nil
}

func (f *fakeRunner) EntryPoints(ctx context.Context, code string) ([]string, error) {
	if len(f.entries) == 0 {
		return []string{"main"}, nil
	}
	entries := f.entries[0]
	f.entries = f.entries[1:]
	return entries, nil
}

type fakeWorkflows struct {
	created  []*models.Workflow
	archived []string
}

func (f *fakeWorkflows) ListWorkflows(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error) {
	return nil, nil
}

func (f *fakeWorkflows) CreateWorkflow(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	f.created = append(f.created, workflow)
	return workflow, nil
}

func (f *fakeWorkflows) UpdateWorkflow(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	return nil, nil
}

func (f *fakeWorkflows) ArchiveWorkflow(ctx context.Context, id string) (bool, error) {
	f.archived = append(f.archived, id)
	return false, nil
}

type fakePermissions struct {
	requested []*models.PermissionRequest
	grants    map[string]string // endpoint -> grant id
	consumed  []string
}

func (f *fakePermissions) Request(ctx context.Context, endpoint string, args json.RawMessage, description, sessionID string) (*models.PermissionRequest, error) {
	req := &models.PermissionRequest{ID: "perm-1", Endpoint: endpoint, Args: args, Description: description, SessionID: sessionID}
	f.requested = append(f.requested, req)
	return req, nil
}

func (f *fakePermissions) CheckGranted(ctx context.Context, endpoint string, args json.RawMessage) (string, error) {
	return f.grants[endpoint], nil
}

func (f *fakePermissions) Consume(ctx context.Context, grantID string) error {
	f.consumed = append(f.consumed, grantID)
	for endpoint, id := range f.grants {
		if id == grantID {
			delete(f.grants, endpoint)
		}
	}
	return nil
}

func newTestEngine(provider llm.Provider, run runner.Runner, opts ...Option) (*Engine, *fakeWorkflows, *fakePermissions) {
	workflows := &fakeWorkflows{}
	permissions := &fakePermissions{}
	return NewEngine(provider, run, workflows, permissions, opts...), workflows, permissions
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Text: text, StopReason: llm.StopEndTurn}
}

func toolResponse(text string, calls ...models.ToolCall) *llm.Response {
	return &llm.Response{Text: text, ToolCalls: calls, StopReason: llm.StopToolUse}
}

func TestRunTurnPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{textResponse("hello there")}}
	engine, _, _ := newTestEngine(provider, &fakeRunner{})

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	done, ok := outcome.(Done)
	if !ok {
		t.Fatalf("outcome = %T, want Done", outcome)
	}
	if done.Text != "hello there" {
		t.Errorf("text = %q", done.Text)
	}
}

func TestAskHumanPausesBeforeExecutingAnything(t *testing.T) {
	call := models.ToolCall{ID: "tc-ask", Name: "ask_human", Input: json.RawMessage(`{"question":"which city?"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{toolResponse("", call)}}
	fr := &fakeRunner{}
	engine, _, _ := newTestEngine(provider, fr)

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "book a flight"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	needs, ok := outcome.(NeedsInput)
	if !ok {
		t.Fatalf("outcome = %T, want NeedsInput", outcome)
	}
	if needs.Question != "which city?" {
		t.Errorf("question = %q", needs.Question)
	}
	if needs.ToolCallID != "tc-ask" || needs.ToolName != "ask_human" {
		t.Errorf("parked call = %s/%s", needs.ToolCallID, needs.ToolName)
	}
	if needs.Continuation == nil || len(needs.Continuation.History) != 2 {
		t.Fatalf("continuation history = %+v, want prompt + assistant message", needs.Continuation)
	}
	if len(fr.ranCode) != 0 {
		t.Error("runner executed code during a pausing round")
	}
}

func TestResumeReplaysHistoryPlusOneToolResult(t *testing.T) {
	ask := models.ToolCall{ID: "tc-ask", Name: "ask_human", Input: json.RawMessage(`{"question":"which city?"}`)}
	pauseProvider := &scriptedProvider{responses: []*llm.Response{toolResponse("", ask)}}
	engine, _, _ := newTestEngine(pauseProvider, &fakeRunner{})

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "book a flight"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	needs := outcome.(NeedsInput)

	resumeProvider := &scriptedProvider{responses: []*llm.Response{textResponse("booked for Lisbon")}}
	resumed, _, _ := newTestEngine(resumeProvider, &fakeRunner{})
	if _, err := resumed.Resume(context.Background(), &ResumeRequest{Continuation: needs.Continuation, Answer: "Lisbon"}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	seen := resumeProvider.requests[0].Messages
	if len(seen) != len(needs.Continuation.History)+1 {
		t.Fatalf("resumed transcript length = %d, want history + exactly one injected message", len(seen))
	}
	if !reflect.DeepEqual(seen[:len(needs.Continuation.History)], needs.Continuation.History) {
		t.Error("resumed transcript prefix differs from the history captured at pause time")
	}
	last := seen[len(seen)-1]
	if last.Role != models.RoleUser || len(last.ToolResults) != 1 {
		t.Fatalf("injected message = %+v, want a single tool result", last)
	}
	if last.ToolResults[0].ToolCallID != "tc-ask" || last.ToolResults[0].Content != "Lisbon" {
		t.Errorf("injected result = %+v", last.ToolResults[0])
	}
}

func TestTypecheckFailureFeedsErrorsBackForSelfCorrection(t *testing.T) {
	first := models.ToolCall{ID: "tc-1", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"bad code"}`)}
	second := models.ToolCall{ID: "tc-2", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"good code"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", first),
		toolResponse("", second),
		textResponse("done, sent the email"),
	}}
	fr := &fakeRunner{typechecks: []*runner.TypecheckResult{
		{Valid: false, Errors: []string{"line 1: unknown name 'sned'"}},
		{Valid: true},
	}}
	engine, _, _ := newTestEngine(provider, fr)

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "send the email"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// Round two saw the type errors as an error tool result.
	round2 := provider.requests[1].Messages
	result := round2[len(round2)-1].ToolResults[0]
	if !result.IsError || !strings.Contains(result.Content, "sned") {
		t.Errorf("self-correction result = %+v, want error carrying the type errors", result)
	}
	if len(fr.ranCode) != 1 || fr.ranCode[0] != "good code" {
		t.Errorf("ran code = %v, want only the corrected program", fr.ranCode)
	}

	script, ok := outcome.(Script)
	if !ok {
		t.Fatalf("outcome = %T, want Script", outcome)
	}
	if script.Code != "good code" || script.Text != "done, sent the email" {
		t.Errorf("script = %+v", script)
	}
}

func TestWorkflowModeRequiresExactlyOneEntryPoint(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"x","mode":"workflow"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", call),
		textResponse("that code exports too much"),
	}}
	fr := &fakeRunner{entries: [][]string{{"daily", "hourly"}}}
	engine, workflows, _ := newTestEngine(provider, fr)

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "save this"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	round2 := provider.requests[1].Messages
	result := round2[len(round2)-1].ToolResults[0]
	if !result.IsError || !strings.Contains(result.Content, "exactly one") {
		t.Errorf("result = %+v, want multiple-entry-point error", result)
	}
	if len(workflows.created) != 0 {
		t.Error("workflow stored despite invalid entry points")
	}
	if _, ok := outcome.(Done); !ok {
		t.Errorf("outcome = %T, want Done", outcome)
	}
}

func TestPermissionBlockedRunRequestsApproval(t *testing.T) {
	runCall := models.ToolCall{ID: "tc-1", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"send()"}`)}
	permCall := models.ToolCall{ID: "tc-2", Name: "request_permission", Input: json.RawMessage(`{"endpoint":"email.send","args":{"to":"a@b.c"},"description":"send email"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", runCall),
		toolResponse("", permCall),
		textResponse("waiting for your approval to send the email"),
	}}
	fr := &fakeRunner{runs: []*runner.RunResult{
		{Success: false, Error: `[PERMISSION_REQUIRED] {"endpoint":"email.send","args":{"to":"a@b.c"}}`},
	}}
	engine, _, permissions := newTestEngine(provider, fr)

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "email bob", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(permissions.requested) != 1 {
		t.Fatalf("permission requests = %d, want 1", len(permissions.requested))
	}
	req := permissions.requested[0]
	if req.Endpoint != "email.send" || req.SessionID != "sess-1" {
		t.Errorf("request = %+v", req)
	}
	if _, ok := outcome.(Script); !ok {
		t.Errorf("outcome = %T, want Script carrying the blocked run", outcome)
	}
}

func TestGrantedPermissionIsConsumedAndRunRetried(t *testing.T) {
	runCall := models.ToolCall{ID: "tc-1", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"send()"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", runCall),
		textResponse("sent the email"),
	}}
	fr := &fakeRunner{runs: []*runner.RunResult{
		{Success: false, Error: `[PERMISSION_REQUIRED] {"endpoint":"email.send","args":{"to":"a@b.c"}}`},
		{Success: true, Output: "sent"},
	}}
	engine, _, permissions := newTestEngine(provider, fr)
	permissions.grants = map[string]string{"email.send": "grant-1"}

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "email bob", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(fr.ranCode) != 2 {
		t.Fatalf("runs = %d, want the blocked attempt plus the authorized retry", len(fr.ranCode))
	}
	if len(permissions.consumed) != 1 || permissions.consumed[0] != "grant-1" {
		t.Errorf("consumed = %v, want exactly grant-1", permissions.consumed)
	}
	if len(permissions.requested) != 0 {
		t.Errorf("new permission requested despite an existing grant: %+v", permissions.requested)
	}
	script, ok := outcome.(Script)
	if !ok {
		t.Fatalf("outcome = %T, want Script", outcome)
	}
	if script.Output != "sent" || script.Error != "" {
		t.Errorf("script = %+v, want the retried run's output", script)
	}
}

func TestConsumedGrantDoesNotAuthorizeTwice(t *testing.T) {
	runCall := models.ToolCall{ID: "tc-1", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"send()"}`)}
	blocked := `[PERMISSION_REQUIRED] {"endpoint":"email.send","args":{"to":"a@b.c"}}`
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", runCall),
		toolResponse("", runCall),
		textResponse("waiting for approval"),
	}}
	fr := &fakeRunner{runs: []*runner.RunResult{
		{Success: false, Error: blocked},
		{Success: true, Output: "sent"},
		{Success: false, Error: blocked},
	}}
	engine, _, permissions := newTestEngine(provider, fr)
	permissions.grants = map[string]string{"email.send": "grant-1"}

	if _, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "email bob twice"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// First blocked run redeems the grant; the second finds none and stays
	// blocked without another retry.
	if len(fr.ranCode) != 3 {
		t.Errorf("runs = %d, want two attempts plus one authorized retry", len(fr.ranCode))
	}
	if len(permissions.consumed) != 1 {
		t.Errorf("consumed = %v, want the grant redeemed once", permissions.consumed)
	}
}

func TestMostRecentSuccessfulExecutionWins(t *testing.T) {
	first := models.ToolCall{ID: "tc-1", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"v1"}`)}
	second := models.ToolCall{ID: "tc-2", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"v2"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", first),
		toolResponse("", second),
		textResponse("all done"),
	}}
	fr := &fakeRunner{runs: []*runner.RunResult{
		{Success: true, Output: "out-1"},
		{Success: true, Output: "out-2"},
	}}
	engine, _, _ := newTestEngine(provider, fr)

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "do it twice"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	script, ok := outcome.(Script)
	if !ok {
		t.Fatalf("outcome = %T, want Script", outcome)
	}
	if script.Code != "v2" || script.Output != "out-2" {
		t.Errorf("script = %+v, want the most recent successful run", script)
	}
}

func TestSavedWorkflowOutrankScript(t *testing.T) {
	validate := models.ToolCall{ID: "tc-1", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"wf code","mode":"workflow"}`)}
	store := models.ToolCall{ID: "tc-2", Name: "manage_workflows", Input: json.RawMessage(`{"action":"create","name":"daily digest","code":"wf code","cron":"0 9 * * *"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", validate),
		toolResponse("", store),
		textResponse("saved your daily digest"),
	}}
	engine, workflows, _ := newTestEngine(provider, &fakeRunner{})

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "digest every morning"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	saved, ok := outcome.(WorkflowSaved)
	if !ok {
		t.Fatalf("outcome = %T, want WorkflowSaved", outcome)
	}
	if saved.Name != "daily digest" || saved.CronExpr != "0 9 * * *" {
		t.Errorf("saved = %+v", saved)
	}
	if len(workflows.created) != 1 || workflows.created[0].TriggerType != models.TriggerCron {
		t.Errorf("created = %+v, want one cron workflow", workflows.created)
	}
}

func TestArchiveMissingWorkflowIsResultNotError(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "manage_workflows", Input: json.RawMessage(`{"action":"archive","id":"nope"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", call),
		textResponse("that workflow does not exist"),
	}}
	engine, workflows, _ := newTestEngine(provider, &fakeRunner{})

	if _, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "archive it"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(workflows.archived) != 1 {
		t.Fatalf("archive calls = %d", len(workflows.archived))
	}
	round2 := provider.requests[1].Messages
	result := round2[len(round2)-1].ToolResults[0]
	if result.IsError {
		t.Errorf("missing workflow surfaced as error result: %+v", result)
	}
	if !strings.Contains(result.Content, "No workflow") {
		t.Errorf("result content = %q", result.Content)
	}
}

func TestRoundCapYieldsDoneNotError(t *testing.T) {
	loop := models.ToolCall{ID: "tc-loop", Name: "write_and_execute_code", Input: json.RawMessage(`{"code":"x"}`)}
	provider := &scriptedProvider{responses: []*llm.Response{
		toolResponse("", loop),
		toolResponse("", loop),
		toolResponse("", loop),
		toolResponse("", loop),
	}}
	fr := &fakeRunner{runs: []*runner.RunResult{
		{Success: false, Error: "boom"},
		{Success: false, Error: "boom"},
		{Success: false, Error: "boom"},
	}}
	engine, _, _ := newTestEngine(provider, fr, WithMaxRounds(3))

	outcome, err := engine.RunTurn(context.Background(), &TurnRequest{Prompt: "loop forever"})
	if err != nil {
		t.Fatalf("round cap must not be an error, got %v", err)
	}
	if outcome == nil {
		t.Fatal("outcome is nil")
	}
	if len(provider.requests) != 3 {
		t.Errorf("model rounds = %d, want exactly the cap", len(provider.requests))
	}
}
