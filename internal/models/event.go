package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Request events
	EventTypeRequestReceived  EventType = "request.received"
	EventTypeRequestDenied    EventType = "request.denied"
	EventTypeRequestCompleted EventType = "request.completed"
	EventTypeRequestFailed    EventType = "request.failed"
	EventTypeRequestReplayed  EventType = "request.replayed"

	// Tool events
	EventTypeToolDispatched EventType = "tool.dispatched"
	EventTypeToolFailed     EventType = "tool.failed"
	EventTypeToolDeduped    EventType = "tool.deduped"

	// Quota events
	EventTypeQuotaExceeded   EventType = "quota.exceeded"
	EventTypeLedgerRepaired  EventType = "ledger.repaired"
	EventTypeBucketCompacted EventType = "bucket.compacted"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeRun    EntityType = "run"
	EntityTypeUser   EntityType = "user"
	EntityTypeTool   EntityType = "tool"
	EntityTypeSystem EntityType = "system"
)

// Event represents an append-only log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// RequestDeniedPayload is the payload for request.denied events.
type RequestDeniedPayload struct {
	Outcome Outcome `json:"outcome"`
	Band    Band    `json:"band,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// RequestCompletedPayload is the payload for request.completed events.
type RequestCompletedPayload struct {
	Band     Band   `json:"band"`
	ToolName string `json:"tool_name"`
	Duration string `json:"duration"`
}

// RequestFailedPayload is the payload for request.failed events.
type RequestFailedPayload struct {
	Band  Band   `json:"band,omitempty"`
	Error string `json:"error"`
}

// ToolDispatchedPayload is the payload for tool.dispatched events.
type ToolDispatchedPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Status     ToolCallStatus `json:"status"`
	Duration   string         `json:"duration,omitempty"`
}

// QuotaExceededPayload is the payload for quota.exceeded events.
type QuotaExceededPayload struct {
	Lane  Lane  `json:"lane"`
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// LedgerRepairedPayload is the payload for ledger.repaired events.
type LedgerRepairedPayload struct {
	OldStatus ProfileStatus `json:"old_status"`
	NewStatus ProfileStatus `json:"new_status"`
}

// BucketCompactedPayload is the payload for bucket.compacted events.
type BucketCompactedPayload struct {
	Before  string `json:"before"`
	Dropped int64  `json:"dropped"`
}