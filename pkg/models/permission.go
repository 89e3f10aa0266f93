package models

import (
	"encoding/json"
	"time"
)

// PermissionStatus is the lifecycle state of a permission request.
type PermissionStatus string

const (
	PermissionPending   PermissionStatus = "pending"
	PermissionGranted   PermissionStatus = "granted"
	PermissionDeclined  PermissionStatus = "declined"
	PermissionCompleted PermissionStatus = "completed"
)

// PermissionRequest is a single-use approval for one exact protected call.
// Args are stored in canonical JSON form; matching requires exact equality,
// never a superset or subset of keys.
type PermissionRequest struct {
	ID          string           `json:"id"`
	Endpoint    string           `json:"endpoint"` // dotted plugin.operation path
	Plugin      string           `json:"plugin"`
	Operation   string           `json:"operation"`
	Args        json.RawMessage  `json:"args,omitempty"`
	Description string           `json:"description,omitempty"`
	Status      PermissionStatus `json:"status"`

	// Weak references used only to route the resume after resolution.
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	ConsumedAt time.Time `json:"consumed_at,omitempty"`

	// ApprovalToken authenticates the approval page's resolve call. Issued
	// when a pending request is surfaced to the approver, never persisted.
	ApprovalToken string `json:"approval_token,omitempty"`
}
