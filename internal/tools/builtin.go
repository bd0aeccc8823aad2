package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencode-ai/courier/internal/memory"
	"github.com/opencode-ai/courier/internal/models"
)

// RegisterBuiltins adds the built-in capabilities to the registry.
func RegisterBuiltins(registry *Registry) error {
	for _, tool := range []Tool{
		&EchoTool{},
		&RecallTool{},
		&UsageReportTool{},
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool returns its text argument unchanged. Useful for wiring checks
// and as the cheapest possible capability.
type EchoTool struct{}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "returns the given text unchanged" }
func (t *EchoTool) ArgsHint() string    { return `{"text": string}` }

func (t *EchoTool) RequiredLevel() models.PermissionLevel { return models.LevelMember }

func (t *EchoTool) Execute(_ context.Context, _ *Env, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return nil, fmt.Errorf("text argument is required")
	}
	return map[string]any{"text": text}, nil
}

// RecallTool searches the caller's long-term memory for context snippets.
type RecallTool struct{}

func (t *RecallTool) Name() string        { return "recall" }
func (t *RecallTool) Description() string { return "searches long-term memory" }
func (t *RecallTool) ArgsHint() string    { return `{"query": string, "limit": number?}` }

func (t *RecallTool) RequiredLevel() models.PermissionLevel { return models.LevelMember }

func (t *RecallTool) Execute(ctx context.Context, env *Env, args map[string]any) (any, error) {
	if env.Memory == nil {
		return map[string]any{"snippets": []string{}}, nil
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query argument is required")
	}

	limit := 5
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	snippets, err := env.Memory.Search(ctx, memory.Query{
		Query:  query,
		UserID: env.Identity.Key(),
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	if snippets == nil {
		snippets = []string{}
	}

	return map[string]any{"snippets": snippets}, nil
}

// UsageReportTool reports a user's windowed usage for a lane. Moderation
// capability, so it requires sub_admin.
type UsageReportTool struct{}

func (t *UsageReportTool) Name() string        { return "usage_report" }
func (t *UsageReportTool) Description() string { return "reports windowed usage for a user and lane" }
func (t *UsageReportTool) ArgsHint() string {
	return `{"user_id": string?, "lane": string, "window_days": number?}`
}

func (t *UsageReportTool) RequiredLevel() models.PermissionLevel { return models.LevelSubAdmin }

func (t *UsageReportTool) Execute(ctx context.Context, env *Env, args map[string]any) (any, error) {
	if env.Ledger == nil {
		return nil, fmt.Errorf("ledger is unavailable")
	}

	userID, _ := args["user_id"].(string)
	if userID == "" {
		userID = env.Identity.Key()
	}

	laneStr, _ := args["lane"].(string)
	if laneStr == "" {
		return nil, fmt.Errorf("lane argument is required")
	}

	windowDays := 7
	if n, ok := args["window_days"].(float64); ok && n > 0 {
		windowDays = int(n)
	}

	summary, err := env.Ledger.GetUsage(ctx, userID, models.Lane(laneStr), windowDays)
	if err != nil {
		return nil, fmt.Errorf("usage lookup failed: %w", err)
	}

	return summary, nil
}
