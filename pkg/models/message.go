package models

import (
	"encoding/json"
	"time"
)

// Source identifies where a conversation originates.
type Source string

const (
	SourceWeb      Source = "web"
	SourceTelegram Source = "telegram"
	SourceWhatsApp Source = "whatsapp"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Completed bool            `json:"completed,omitempty"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// TurnMessage is one entry of the model-visible transcript. It is the unit
// the turn engine feeds to the model and the unit a continuation preserves.
type TurnMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Continuation is the serialized state of a turn parked at a human-input
// boundary. History is the exact transcript captured at pause time; resuming
// replays it verbatim plus one synthetic tool result for ToolCallID.
type Continuation struct {
	History    []TurnMessage `json:"history"`
	ToolCallID string        `json:"tool_call_id"`
	ToolName   string        `json:"tool_name"`
}

// Session represents a durable conversation identity.
type Session struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	ExternalID string    `json:"external_id,omitempty"` // channel chat id; empty for web threads
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is one stored entry of a session's history.
type Message struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	Continuation *Continuation `json:"continuation,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// InboundMessage is one raw inbound channel row awaiting dispatch.
// Processed is the poller's at-most-once flag: it is set before the agent
// turn starts, so a crash mid-turn never re-delivers the row.
type InboundMessage struct {
	ID        string    `json:"id"`
	Channel   Source    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	IsGroup   bool      `json:"is_group"`
	FromSelf  bool      `json:"from_self"`
	SentAt    time.Time `json:"sent_at"`
	Processed bool      `json:"processed"`
}
