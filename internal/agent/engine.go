// Package agent drives one model-assisted turn to a terminal or pausing
// outcome. The engine owns the tool catalogue and the round loop; everything
// it touches (model, runner, workflow registry, permission broker) sits
// behind narrow interfaces.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/donna/internal/llm"
	"github.com/haasonsaas/donna/internal/runner"
	"github.com/haasonsaas/donna/pkg/models"
)

// DefaultMaxRounds bounds tool-use rounds per turn. Overflow is a terminal
// Done with an explanation, never a crash.
const DefaultMaxRounds = 10

const defaultSystemPrompt = `You are Donna, a personal automation assistant. You help the user by writing and running small programs against their connected services, and by storing some of those programs as recurring or event-triggered workflows.

Rules:
- Use write_and_execute_code to act. Fix type errors it reports and try again.
- When an execution is blocked on a missing permission, call request_permission with the exact endpoint and arguments, then tell the user what to approve. Do not retry until they have.
- To store a workflow, first validate the code with write_and_execute_code in workflow mode, then persist it with manage_workflows.
- Use ask_human only when you genuinely cannot proceed without an answer.
- Reply in plain language. Never show raw code, stack traces, or internal ids unless asked.`

// TurnRequest is one fresh turn: a prompt plus the caller's recent history
// window.
type TurnRequest struct {
	Prompt     string
	History    []models.TurnMessage
	System     string // appended to the base system prompt
	SessionID  string
	ExtraTools []Tool
}

// ResumeRequest continues a turn parked at a human-input boundary. The
// continuation history is replayed verbatim; Answer becomes the single
// synthetic tool result for the parked call.
type ResumeRequest struct {
	Continuation *models.Continuation
	Answer       string
	System       string
	SessionID    string
	ExtraTools   []Tool
}

// Engine runs agent turns.
type Engine struct {
	provider    llm.Provider
	runner      runner.Runner
	workflows   WorkflowManager
	permissions PermissionBroker
	logger      *slog.Logger
	maxRounds   int
	maxTokens   int
	system      string
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxRounds overrides the tool-use round cap.
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithMaxTokens sets the per-completion token limit.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithSystemPrompt replaces the base system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if prompt != "" {
			e.system = prompt
		}
	}
}

// NewEngine creates a turn engine over its collaborators.
func NewEngine(provider llm.Provider, run runner.Runner, workflows WorkflowManager, permissions PermissionBroker, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		runner:      run,
		workflows:   workflows,
		permissions: permissions,
		logger:      slog.Default().With("component", "agent"),
		maxRounds:   DefaultMaxRounds,
		maxTokens:   4096,
		system:      defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunTurn drives one turn from a prompt to an outcome.
func (e *Engine) RunTurn(ctx context.Context, req *TurnRequest) (Outcome, error) {
	if e.provider == nil {
		return nil, llm.ErrNoProvider
	}
	transcript := append([]models.TurnMessage(nil), req.History...)
	transcript = append(transcript, models.TurnMessage{
		Role:    models.RoleUser,
		Content: req.Prompt,
	})
	return e.loop(ctx, transcript, req.System, req.SessionID, req.ExtraTools)
}

// Resume continues a parked turn. The model sees exactly the transcript
// captured at pause time plus one injected tool result, never a
// reconstruction from the message log.
func (e *Engine) Resume(ctx context.Context, req *ResumeRequest) (Outcome, error) {
	if e.provider == nil {
		return nil, llm.ErrNoProvider
	}
	if req.Continuation == nil {
		return nil, fmt.Errorf("resume without a continuation")
	}
	transcript := append([]models.TurnMessage(nil), req.Continuation.History...)
	transcript = append(transcript, models.TurnMessage{
		Role: models.RoleUser,
		ToolResults: []models.ToolResult{{
			ToolCallID: req.Continuation.ToolCallID,
			Content:    req.Answer,
		}},
	})
	return e.loop(ctx, transcript, req.System, req.SessionID, req.ExtraTools)
}

func (e *Engine) loop(ctx context.Context, transcript []models.TurnMessage, extraSystem, sessionID string, extraTools []Tool) (Outcome, error) {
	state := &turnState{}
	catalogue := e.tools(sessionID, state, extraTools)
	defs := make([]llm.Tool, 0, len(catalogue))
	byName := make(map[string]Tool, len(catalogue))
	for _, tool := range catalogue {
		defs = append(defs, llm.Tool{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
		byName[tool.Name] = tool
	}

	system := e.system
	if extraSystem != "" {
		system += "\n\n" + extraSystem
	}

	finalText := ""
	for round := 0; round < e.maxRounds; round++ {
		resp, err := e.provider.Complete(ctx, &llm.Request{
			System:    system,
			Messages:  transcript,
			Tools:     defs,
			MaxTokens: e.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("model round %d: %w", round+1, err)
		}

		transcript = append(transcript, models.TurnMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Text != "" {
			finalText = resp.Text
		}
		if len(resp.ToolCalls) == 0 {
			return e.compose(state, finalText), nil
		}

		// A handler-less tool call is the pause signal. Detect it before
		// executing anything so the continuation snapshot stays replayable.
		for _, call := range resp.ToolCalls {
			tool, ok := byName[call.Name]
			if ok && tool.Handler == nil {
				return e.pause(transcript, call, resp.Text), nil
			}
		}

		results := make([]models.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, e.execute(ctx, byName, call))
		}
		transcript = append(transcript, models.TurnMessage{
			Role:        models.RoleUser,
			ToolResults: results,
		})
	}

	e.logger.Warn("turn hit round cap", "rounds", e.maxRounds, "session_id", sessionID)
	if outcome := e.compose(state, finalText); finalText != "" || state.lastSuccess != nil || state.savedWorkflow != nil {
		return outcome, nil
	}
	return Done{Text: "I couldn't finish this within my step limit. Please try again with a narrower request."}, nil
}

func (e *Engine) execute(ctx context.Context, byName map[string]Tool, call models.ToolCall) models.ToolResult {
	tool, ok := byName[call.Name]
	if !ok {
		return models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}
	content, err := tool.Handler(ctx, call.Input)
	if err != nil {
		e.logger.Debug("tool returned error", "tool", call.Name, "error", err)
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	return models.ToolResult{ToolCallID: call.ID, Content: content}
}

// pause snapshots the transcript, including the assistant message carrying
// the pausing call, into a continuation.
func (e *Engine) pause(transcript []models.TurnMessage, call models.ToolCall, assistantText string) Outcome {
	question := pauseQuestion(call, assistantText)
	history := append([]models.TurnMessage(nil), transcript...)
	return NeedsInput{
		Question:   question,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Continuation: &models.Continuation{
			History:    history,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		},
	}
}

func pauseQuestion(call models.ToolCall, assistantText string) string {
	var in struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(call.Input, &in); err == nil && in.Question != "" {
		return in.Question
	}
	if assistantText != "" {
		return assistantText
	}
	return "I need more information to continue. Could you clarify?"
}

// compose picks the terminal outcome shape. A stored workflow wins over a
// script run; the most recent successful execution wins over later
// commentary-only rounds.
func (e *Engine) compose(state *turnState, finalText string) Outcome {
	if state.savedWorkflow != nil {
		saved := *state.savedWorkflow
		saved.Text = finalText
		return saved
	}
	if state.lastSuccess != nil {
		script := *state.lastSuccess
		script.Text = finalText
		return script
	}
	if state.lastFailure != nil {
		script := *state.lastFailure
		script.Text = finalText
		return script
	}
	return Done{Text: finalText}
}
