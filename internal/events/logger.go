// Package events provides helper functions for logging Courier events.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/courier/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Create(ctx context.Context, event *models.Event) error
}

func log(ctx context.Context, repo Repository, eventType models.EventType, entityType models.EntityType, entityID string, payload any) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		raw = data
	}

	return repo.Create(ctx, &models.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    raw,
	})
}

// LogRequestReceived records the arrival of a new run.
func LogRequestReceived(ctx context.Context, repo Repository, runID string) error {
	return log(ctx, repo, models.EventTypeRequestReceived, models.EntityTypeRun, runID, nil)
}

// LogRequestReplayed records a duplicate request served from the
// idempotency cache.
func LogRequestReplayed(ctx context.Context, repo Repository, runID string) error {
	return log(ctx, repo, models.EventTypeRequestReplayed, models.EntityTypeRun, runID, nil)
}

// LogRequestDenied records a denied request for a run.
func LogRequestDenied(ctx context.Context, repo Repository, runID string, payload models.RequestDeniedPayload) error {
	return log(ctx, repo, models.EventTypeRequestDenied, models.EntityTypeRun, runID, payload)
}

// LogRequestCompleted records a successfully completed run.
func LogRequestCompleted(ctx context.Context, repo Repository, runID string, payload models.RequestCompletedPayload) error {
	return log(ctx, repo, models.EventTypeRequestCompleted, models.EntityTypeRun, runID, payload)
}

// LogRequestFailed records a failed run.
func LogRequestFailed(ctx context.Context, repo Repository, runID string, payload models.RequestFailedPayload) error {
	return log(ctx, repo, models.EventTypeRequestFailed, models.EntityTypeRun, runID, payload)
}

// LogToolDispatched records a tool call outcome.
func LogToolDispatched(ctx context.Context, repo Repository, toolName string, payload models.ToolDispatchedPayload) error {
	return log(ctx, repo, models.EventTypeToolDispatched, models.EntityTypeTool, toolName, payload)
}

// LogToolDeduped records a duplicate tool call served from the result cache.
func LogToolDeduped(ctx context.Context, repo Repository, toolCallID string) error {
	return log(ctx, repo, models.EventTypeToolDeduped, models.EntityTypeTool, toolCallID, nil)
}

// LogToolFailed records a failed tool call.
func LogToolFailed(ctx context.Context, repo Repository, toolName string, payload models.ToolDispatchedPayload) error {
	return log(ctx, repo, models.EventTypeToolFailed, models.EntityTypeTool, toolName, payload)
}

// LogQuotaExceeded records a budget rejection for a user.
func LogQuotaExceeded(ctx context.Context, repo Repository, userID string, payload models.QuotaExceededPayload) error {
	return log(ctx, repo, models.EventTypeQuotaExceeded, models.EntityTypeUser, userID, payload)
}

// LogLedgerRepaired records a consolidation self-repair for a user.
func LogLedgerRepaired(ctx context.Context, repo Repository, userID string, payload models.LedgerRepairedPayload) error {
	return log(ctx, repo, models.EventTypeLedgerRepaired, models.EntityTypeUser, userID, payload)
}

// LogBucketCompacted records a retention compaction pass.
func LogBucketCompacted(ctx context.Context, repo Repository, payload models.BucketCompactedPayload) error {
	return log(ctx, repo, models.EventTypeBucketCompacted, models.EntityTypeSystem, "ledger", payload)
}
