// Package tools provides the capability registry and dispatcher for Courier.
package tools

import (
	"context"

	"github.com/opencode-ai/courier/internal/ledger"
	"github.com/opencode-ai/courier/internal/memory"
	"github.com/opencode-ai/courier/internal/models"
	"github.com/opencode-ai/courier/internal/permissions"
)

// Env carries the request-scoped dependencies handed to every tool
// invocation. Tools receive their collaborators explicitly instead of
// reaching for ambient process state.
type Env struct {
	// Identity is the authenticated caller.
	Identity models.Identity

	// Band is the tier the request was classified into.
	Band models.Band

	// Gate performs permission checks.
	Gate *permissions.Gate

	// Ledger reads and records metered usage.
	Ledger *ledger.Service

	// Memory searches long-term context. May be nil.
	Memory memory.Provider

	// Recall holds context snippets pre-fetched for this request.
	Recall []string
}

// Tool is a named capability with a fixed contract: argument schema hint,
// its own minimum permission level, and an Execute that returns a payload
// or an error. Tools never partially construct results; the dispatcher maps
// errors to failed ToolCallResults.
type Tool interface {
	// Name is the registry key.
	Name() string

	// Description is a short human-readable summary.
	Description() string

	// ArgsHint describes the expected argument mapping, for operators and
	// chat-client surfaces.
	ArgsHint() string

	// RequiredLevel is the minimum permission level to invoke the tool,
	// checked at dispatch in addition to the band gate.
	RequiredLevel() models.PermissionLevel

	// Execute runs the tool. The returned payload becomes the completed
	// result; an error becomes a failed result.
	Execute(ctx context.Context, env *Env, args map[string]any) (any, error)
}
