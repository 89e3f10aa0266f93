package models

import (
	"encoding/json"
	"time"
)

// TriggerType identifies how a workflow is started.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
)

// WorkflowStatus is the lifecycle state of a stored workflow.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowArchived WorkflowStatus = "archived"
)

// NotifyTarget is where post-run notifications are delivered.
type NotifyTarget struct {
	Channel Source `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// Workflow is a stored, re-triggerable program.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Code        string         `json:"code"`
	TriggerType TriggerType    `json:"trigger_type"`
	CronExpr    string         `json:"cron_expr,omitempty"`     // cron triggers
	EventPlugin string         `json:"event_plugin,omitempty"`  // webhook triggers
	EventAction string         `json:"event_action,omitempty"`  // webhook triggers
	Status      WorkflowStatus `json:"status"`
	NextRunAt   time.Time      `json:"next_run_at,omitempty"`
	LastRunAt   time.Time      `json:"last_run_at,omitempty"`
	Notify      *NotifyTarget  `json:"notify,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ExecutionStatus is the state of one workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is one concrete run record of a workflow. It is created in the
// running state at dispatch time and terminated exactly once.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         ExecutionStatus `json:"status"`
	TriggeredBy    TriggerType     `json:"triggered_by"`
	TriggerPayload json.RawMessage `json:"trigger_payload,omitempty"` // webhook only
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at,omitempty"`
}
