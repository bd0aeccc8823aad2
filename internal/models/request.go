// Package models defines the core data types for Courier.
package models

import (
	"strings"
)

// Provider identifies the chat platform an identity originates from.
type Provider string

const (
	ProviderDiscord  Provider = "discord"
	ProviderTelegram Provider = "telegram"
	ProviderSlack    Provider = "slack"
	ProviderWeb      Provider = "web"
)

// ValidProviders lists every recognized identity provider.
var ValidProviders = []Provider{
	ProviderDiscord,
	ProviderTelegram,
	ProviderSlack,
	ProviderWeb,
}

// Valid reports whether the provider is one of the fixed enumeration.
func (p Provider) Valid() bool {
	for _, v := range ValidProviders {
		if p == v {
			return true
		}
	}
	return false
}

// Identity is the caller identity attached to an inbound request.
type Identity struct {
	// Provider is the platform the identity originates from.
	Provider Provider `json:"provider"`

	// ID is the stable platform-scoped identifier.
	ID string `json:"id"`

	// DisplayName is a display hint. It is never trusted for authorization.
	DisplayName string `json:"display_name,omitempty"`
}

// Key returns the provider-qualified user key used for ledger bookkeeping.
func (i Identity) Key() string {
	return string(i.Provider) + ":" + i.ID
}

// MinIdempotencyKeyLength is the minimum accepted idempotency key length.
const MinIdempotencyKeyLength = 8

// Attachment is an opaque reference to content attached to a request.
type Attachment struct {
	// Kind categorizes the attachment (image, audio, file).
	Kind string `json:"kind"`

	// URL locates the attachment content.
	URL string `json:"url"`
}

// Request is a single inbound user message to be routed.
type Request struct {
	// ConversationID groups requests belonging to one conversation (optional).
	ConversationID string `json:"conversation_id,omitempty"`

	// Identity is the caller identity.
	Identity Identity `json:"user_identity"`

	// Content is the message text. Must be non-empty.
	Content string `json:"content"`

	// Attachments are opaque references to attached content.
	Attachments []Attachment `json:"attachments,omitempty"`

	// IdempotencyKey deduplicates retried deliveries of the same logical
	// attempt. Same key within the retention window yields the same outcome.
	IdempotencyKey string `json:"idempotency_key"`
}

// Validate checks if the request is valid.
func (r *Request) Validate() error {
	validation := &ValidationErrors{}
	if !r.Identity.Provider.Valid() {
		validation.AddMessage("user_identity.provider", "unknown provider")
	}
	if strings.TrimSpace(r.Identity.ID) == "" {
		validation.AddMessage("user_identity.id", "user id is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		validation.AddMessage("content", "content must be non-empty")
	}
	if len(r.IdempotencyKey) < MinIdempotencyKeyLength {
		validation.AddMessage("idempotency_key", "idempotency key too short")
	}
	return validation.Err()
}

// RequestStatus is the terminal status of a processed request.
type RequestStatus string

const (
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusFailed    RequestStatus = "failed"
	RequestStatusDenied    RequestStatus = "denied"
)

// Outcome classifies how a request resolved.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomeValidationError    Outcome = "validation_error"
	OutcomePermissionDenied   Outcome = "permission_denied"
	OutcomeToolNotFound       Outcome = "tool_not_found"
	OutcomeToolExecutionError Outcome = "tool_execution_error"
	OutcomeQuotaExceeded      Outcome = "quota_exceeded"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
)

// Response is the terminal result of routing one request.
type Response struct {
	// ConversationID echoes the request's conversation.
	ConversationID string `json:"conversation_id"`

	// MessageID is the unique identifier assigned to the response.
	MessageID string `json:"message_id"`

	// RunID groups all work performed for this request.
	RunID string `json:"run_id"`

	// Status is the terminal request status.
	Status RequestStatus `json:"status"`

	// Outcome classifies the resolution.
	Outcome Outcome `json:"outcome"`

	// Band is the handling tier the request was classified into.
	Band Band `json:"band,omitempty"`

	// Result carries the tool result payload when Status is completed.
	Result any `json:"result,omitempty"`

	// Error carries a human-readable message when the request did not complete.
	Error string `json:"error,omitempty"`
}
