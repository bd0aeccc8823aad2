package models

import (
	"strings"
)

// ClientType identifies the caller surface that originated a tool call.
type ClientType string

const (
	ClientTypeChat ClientType = "chat"
	ClientTypeCLI  ClientType = "cli"
	ClientTypeTest ClientType = "test"
)

// ToolCallStatus is the status of a single tool call.
type ToolCallStatus string

const (
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusFailed    ToolCallStatus = "failed"
	ToolCallStatusPending   ToolCallStatus = "pending"
)

// ToolCallRequest asks the dispatcher to execute one named capability.
type ToolCallRequest struct {
	// ToolName is the registered capability name.
	ToolName string `json:"tool_name"`

	// Args is the argument mapping passed to the tool.
	Args map[string]any `json:"args,omitempty"`

	// ToolCallID is unique per attempt. Duplicate IDs return the cached
	// result instead of re-executing side effects.
	ToolCallID string `json:"tool_call_id"`

	// RunID groups calls belonging to one request.
	RunID string `json:"run_id"`

	// ClientType identifies the originating surface.
	ClientType ClientType `json:"client_type"`

	// Identity is the authorization context for tool-level permission
	// checks (optional for internal calls).
	Identity *Identity `json:"auth_context,omitempty"`
}

// Validate checks if the tool call request is valid.
func (r *ToolCallRequest) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(r.ToolName) == "" {
		validation.AddMessage("tool_name", "tool name is required")
	}
	if strings.TrimSpace(r.ToolCallID) == "" {
		validation.AddMessage("tool_call_id", "tool call id is required")
	}
	if strings.TrimSpace(r.RunID) == "" {
		validation.AddMessage("run_id", "run id is required")
	}
	return validation.Err()
}

// ToolCallResult is the outcome of one tool call.
type ToolCallResult struct {
	// ToolCallID echoes the request's call identifier.
	ToolCallID string `json:"tool_call_id"`

	// Status is completed, failed, or pending.
	Status ToolCallStatus `json:"status"`

	// Result is the tool payload. Present only when Status is completed.
	Result any `json:"result,omitempty"`

	// Error is a human-readable message. Present only when Status is failed.
	Error string `json:"error,omitempty"`
}
