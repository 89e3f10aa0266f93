// Package runner is the client for the external sandboxed code runner.
// The runner type-checks and executes user-authored automation programs;
// this package only speaks its narrow HTTP contract and never interprets
// the program text itself.
package runner

import (
	"context"
	"encoding/json"
	"strings"
)

// TypecheckResult is the outcome of static validation.
type TypecheckResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// RunResult is the outcome of one program execution.
type RunResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Runner is the narrow contract the orchestration core consumes.
type Runner interface {
	// Typecheck statically validates program text.
	Typecheck(ctx context.Context, code string) (*TypecheckResult, error)

	// Run executes program text, optionally passing a webhook event payload.
	Run(ctx context.Context, code string, eventPayload json.RawMessage) (*RunResult, error)

	// EntryPoints returns the exported entry-point names of a workflow
	// program. Storing a workflow requires exactly one.
	EntryPoints(ctx context.Context, code string) ([]string, error)
}

// permissionRequiredMarker is the sentinel the runner emits when a protected
// call was attempted without a matching grant. The remainder of the error
// line is a JSON object carrying the endpoint and the exact arguments.
const permissionRequiredMarker = "[PERMISSION_REQUIRED]"

// PermissionSignal is the parsed form of a permission-required runner error.
type PermissionSignal struct {
	Endpoint    string          `json:"endpoint"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ParsePermissionSignal extracts a permission-required signal from a runner
// error string. Returns nil when the error is not a permission signal.
func ParsePermissionSignal(errText string) *PermissionSignal {
	idx := strings.Index(errText, permissionRequiredMarker)
	if idx < 0 {
		return nil
	}
	payload := strings.TrimSpace(errText[idx+len(permissionRequiredMarker):])
	sig := &PermissionSignal{}
	if err := json.Unmarshal([]byte(payload), sig); err != nil || sig.Endpoint == "" {
		// Marker present but payload unusable; still surface the signal so
		// the turn engine can ask the model to retry with request_permission.
		return &PermissionSignal{Description: payload}
	}
	return sig
}

// IsPermissionRequired reports whether a runner error carries the
// permission-required marker.
func IsPermissionRequired(errText string) bool {
	return strings.Contains(errText, permissionRequiredMarker)
}
