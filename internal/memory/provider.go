// Package memory defines the context-enrichment collaborator consumed by
// the dispatch pipeline. Implementations live outside this core.
package memory

import (
	"context"
)

// Query is a single memory search.
type Query struct {
	// Query is the search text.
	Query string

	// UserID scopes the search to one user.
	UserID string

	// GuildID optionally scopes the search to one guild/server.
	GuildID string

	// Limit caps the number of returned snippets.
	Limit int
}

// Provider searches long-term memory for context snippets. Failures are
// non-fatal to request handling; callers degrade to empty context.
type Provider interface {
	Search(ctx context.Context, q Query) ([]string, error)
}

// Noop is a Provider that remembers nothing.
type Noop struct{}

// Search implements Provider.
func (Noop) Search(context.Context, Query) ([]string, error) {
	return nil, nil
}
