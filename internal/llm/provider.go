// Package llm abstracts the language model behind the narrow contract the
// turn engine consumes: system prompt + transcript + tool catalogue in,
// text and/or tool invocations out.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/donna/pkg/models"
)

// ErrNoProvider indicates no model provider is configured.
var ErrNoProvider = errors.New("no llm provider configured")

// Tool describes one declared tool in the catalogue.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object describing the tool input.
	InputSchema json.RawMessage
}

// Request is one completion call.
type Request struct {
	System    string
	Messages  []models.TurnMessage
	Tools     []Tool
	MaxTokens int
}

// StopReason mirrors why the model stopped producing output.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Response is the model's next step: final text, tool invocations, or both.
type Response struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason StopReason
}

// Provider is the black-box model call.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
