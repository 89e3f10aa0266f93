package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/internal/runner"
	"github.com/haasonsaas/donna/pkg/models"
)

// ToolHandler executes one tool invocation and returns the text fed back to
// the model. A returned error becomes an error tool result, not a turn
// failure.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is one entry of the turn tool catalogue. A nil Handler marks a pausing
// tool: the engine parks the turn instead of executing it.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// WorkflowManager is the slice of the workflow registry the manage_workflows
// tool consumes. Not-found is a result, never an error: UpdateWorkflow
// returns (nil, nil) and ArchiveWorkflow returns (false, nil) for unknown
// ids.
type WorkflowManager interface {
	ListWorkflows(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error)
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error)
	ArchiveWorkflow(ctx context.Context, id string) (bool, error)
}

// PermissionBroker is the slice of the permission broker the tools consume:
// inserting pending requests and redeeming grants. Request never blocks on
// the human decision; CheckGranted returns an empty id when no grant matches.
type PermissionBroker interface {
	Request(ctx context.Context, endpoint string, args json.RawMessage, description, sessionID string) (*models.PermissionRequest, error)
	CheckGranted(ctx context.Context, endpoint string, args json.RawMessage) (string, error)
	Consume(ctx context.Context, grantID string) error
}

// turnState accumulates what the tool handlers produced across rounds so the
// engine can compose the terminal outcome.
type turnState struct {
	lastSuccess   *Script
	lastFailure   *Script
	savedWorkflow *WorkflowSaved
}

var writeAndExecuteSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"code": {"type": "string", "description": "Complete program text."},
		"mode": {"type": "string", "enum": ["script", "workflow"], "description": "script runs the code now; workflow only validates it for storage."}
	},
	"required": ["code"]
}`)

var manageWorkflowsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["list", "create", "update", "archive"]},
		"trigger_type": {"type": "string", "enum": ["manual", "cron", "webhook"]},
		"id": {"type": "string"},
		"name": {"type": "string"},
		"code": {"type": "string"},
		"cron": {"type": "string", "description": "Cron expression for scheduled workflows."},
		"event_plugin": {"type": "string"},
		"event_action": {"type": "string"},
		"status": {"type": "string", "enum": ["active", "paused", "archived"]}
	},
	"required": ["action"]
}`)

var requestPermissionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"endpoint": {"type": "string", "description": "Dotted plugin.operation path, e.g. email.send."},
		"args": {"type": "object", "description": "Exact arguments the call will be made with."},
		"description": {"type": "string", "description": "One sentence shown to the user on the approval page."}
	},
	"required": ["endpoint"]
}`)

var askHumanSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"question": {"type": "string", "description": "The question to ask the user."}
	},
	"required": ["question"]
}`)

// tools builds the per-turn catalogue: the built-in four plus any
// caller-injected extras.
func (e *Engine) tools(sessionID string, state *turnState, extra []Tool) []Tool {
	catalogue := []Tool{
		{
			Name:        "write_and_execute_code",
			Description: "Write a program and run it, or validate it for storage as a workflow. Always type-checks first; fix reported errors and call again.",
			InputSchema: writeAndExecuteSchema,
			Handler:     e.writeAndExecuteCode(state),
		},
		{
			Name:        "manage_workflows",
			Description: "List, create, update, or archive stored workflows. Creating requires name and code that already validated in workflow mode.",
			InputSchema: manageWorkflowsSchema,
			Handler:     e.manageWorkflows(state),
		},
		{
			Name:        "request_permission",
			Description: "Ask the user to approve a protected operation with these exact arguments. Returns a reference immediately; the approval happens out of band.",
			InputSchema: requestPermissionSchema,
			Handler:     e.requestPermission(sessionID),
		},
		{
			Name:        "ask_human",
			Description: "Ask the user a clarifying question. The conversation pauses until they answer.",
			InputSchema: askHumanSchema,
			Handler:     nil,
		},
	}
	return append(catalogue, extra...)
}

type writeAndExecuteInput struct {
	Code string `json:"code"`
	Mode string `json:"mode"`
}

func (e *Engine) writeAndExecuteCode(state *turnState) ToolHandler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var in writeAndExecuteInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("malformed input: %w", err)
		}
		if strings.TrimSpace(in.Code) == "" {
			return "", fmt.Errorf("code is required")
		}

		check, err := e.runner.Typecheck(ctx, in.Code)
		if err != nil {
			return "", fmt.Errorf("typecheck call failed: %w", err)
		}
		if !check.Valid {
			return "", fmt.Errorf("typecheck failed:\n%s", strings.Join(check.Errors, "\n"))
		}

		if in.Mode == "workflow" {
			entries, err := e.runner.EntryPoints(ctx, in.Code)
			if err != nil {
				return "", fmt.Errorf("entry point extraction failed: %w", err)
			}
			switch len(entries) {
			case 0:
				return "", fmt.Errorf("workflow code exports no entry point; export exactly one function")
			case 1:
				return fmt.Sprintf("Code is valid. Exported entry point: %s. Store it with manage_workflows.", entries[0]), nil
			default:
				return "", fmt.Errorf("workflow code exports %d entry points (%s); export exactly one", len(entries), strings.Join(entries, ", "))
			}
		}

		result, err := e.runner.Run(ctx, in.Code, nil)
		if err != nil {
			return "", fmt.Errorf("run call failed: %w", err)
		}
		if !result.Success && runner.IsPermissionRequired(result.Error) {
			retried, err := e.retryWithGrant(ctx, in.Code, result.Error)
			if err != nil {
				return "", err
			}
			if retried != nil {
				result = retried
			}
		}
		if !result.Success {
			state.lastFailure = &Script{Code: in.Code, Error: result.Error}
			if runner.IsPermissionRequired(result.Error) {
				return "", fmt.Errorf("execution blocked: %s\nUse request_permission with the exact endpoint and arguments, then tell the user to approve before retrying", result.Error)
			}
			return "", fmt.Errorf("execution failed: %s", result.Error)
		}

		state.lastSuccess = &Script{Code: in.Code, Output: result.Output}
		if result.Output == "" {
			return "Execution succeeded with no output.", nil
		}
		return "Execution succeeded. Output:\n" + result.Output, nil
	}
}

// retryWithGrant redeems an existing approval for a permission-blocked run.
// The grant is consumed immediately before the retry, so it authorizes at
// most one call. A nil result with nil error means no grant matched and the
// block stands.
func (e *Engine) retryWithGrant(ctx context.Context, code, blockErr string) (*runner.RunResult, error) {
	sig := runner.ParsePermissionSignal(blockErr)
	if sig == nil || sig.Endpoint == "" {
		return nil, nil
	}
	grantID, err := e.permissions.CheckGranted(ctx, sig.Endpoint, sig.Args)
	if err != nil {
		e.logger.Warn("grant lookup failed", "endpoint", sig.Endpoint, "error", err)
		return nil, nil
	}
	if grantID == "" {
		return nil, nil
	}
	if err := e.permissions.Consume(ctx, grantID); err != nil {
		e.logger.Warn("grant consume failed", "grant_id", grantID, "error", err)
		return nil, nil
	}
	e.logger.Info("grant consumed, retrying blocked run", "grant_id", grantID, "endpoint", sig.Endpoint)

	result, err := e.runner.Run(ctx, code, nil)
	if err != nil {
		return nil, fmt.Errorf("run call failed: %w", err)
	}
	return result, nil
}

type manageWorkflowsInput struct {
	Action      string `json:"action"`
	TriggerType string `json:"trigger_type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Cron        string `json:"cron"`
	EventPlugin string `json:"event_plugin"`
	EventAction string `json:"event_action"`
	Status      string `json:"status"`
}

func (e *Engine) manageWorkflows(state *turnState) ToolHandler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var in manageWorkflowsInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("malformed input: %w", err)
		}

		switch in.Action {
		case "list":
			workflows, err := e.workflows.ListWorkflows(ctx, models.TriggerType(in.TriggerType))
			if err != nil {
				return "", err
			}
			if len(workflows) == 0 {
				return "No workflows stored.", nil
			}
			var b strings.Builder
			for _, wf := range workflows {
				fmt.Fprintf(&b, "- %s (%s, %s, trigger=%s", wf.Name, wf.ID, wf.Status, wf.TriggerType)
				if wf.CronExpr != "" {
					fmt.Fprintf(&b, " %q", wf.CronExpr)
				}
				if wf.EventPlugin != "" {
					fmt.Fprintf(&b, " %s.%s", wf.EventPlugin, wf.EventAction)
				}
				b.WriteString(")\n")
			}
			return b.String(), nil

		case "create":
			if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Code) == "" {
				return "", fmt.Errorf("create requires both name and code")
			}
			workflow := &models.Workflow{
				ID:          uuid.NewString(),
				Name:        in.Name,
				Code:        in.Code,
				TriggerType: triggerTypeFor(in),
				CronExpr:    in.Cron,
				EventPlugin: in.EventPlugin,
				EventAction: in.EventAction,
				Status:      models.WorkflowActive,
			}
			created, err := e.workflows.CreateWorkflow(ctx, workflow)
			if err != nil {
				return "", err
			}
			state.savedWorkflow = &WorkflowSaved{
				ID:          created.ID,
				Name:        created.Name,
				CronExpr:    created.CronExpr,
				EventPlugin: created.EventPlugin,
				EventAction: created.EventAction,
			}
			return fmt.Sprintf("Workflow %q stored with id %s.", created.Name, created.ID), nil

		case "update":
			if in.ID == "" {
				return "", fmt.Errorf("update requires id")
			}
			workflow := &models.Workflow{
				ID:          in.ID,
				Name:        in.Name,
				Code:        in.Code,
				TriggerType: triggerTypeFor(in),
				CronExpr:    in.Cron,
				EventPlugin: in.EventPlugin,
				EventAction: in.EventAction,
				Status:      models.WorkflowStatus(in.Status),
			}
			updated, err := e.workflows.UpdateWorkflow(ctx, workflow)
			if err != nil {
				return "", err
			}
			if updated == nil {
				return fmt.Sprintf("No workflow with id %s.", in.ID), nil
			}
			return fmt.Sprintf("Workflow %q updated.", updated.Name), nil

		case "archive":
			if in.ID == "" {
				return "", fmt.Errorf("archive requires id")
			}
			found, err := e.workflows.ArchiveWorkflow(ctx, in.ID)
			if err != nil {
				return "", err
			}
			if !found {
				return fmt.Sprintf("No workflow with id %s.", in.ID), nil
			}
			return fmt.Sprintf("Workflow %s archived.", in.ID), nil

		default:
			return "", fmt.Errorf("unknown action %q", in.Action)
		}
	}
}

func triggerTypeFor(in manageWorkflowsInput) models.TriggerType {
	if in.TriggerType != "" {
		return models.TriggerType(in.TriggerType)
	}
	if in.Cron != "" {
		return models.TriggerCron
	}
	if in.EventPlugin != "" {
		return models.TriggerWebhook
	}
	return models.TriggerManual
}

type requestPermissionInput struct {
	Endpoint    string          `json:"endpoint"`
	Args        json.RawMessage `json:"args"`
	Description string          `json:"description"`
}

func (e *Engine) requestPermission(sessionID string) ToolHandler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var in requestPermissionInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("malformed input: %w", err)
		}
		req, err := e.permissions.Request(ctx, in.Endpoint, in.Args, in.Description, sessionID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Permission requested (id %s) for %s. The user must approve it before the call can run; tell them what you are waiting for.", req.ID, req.Endpoint), nil
	}
}
