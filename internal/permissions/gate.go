// Package permissions authorizes caller identities against band and tool
// requirements.
package permissions

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/courier/internal/logging"
	"github.com/opencode-ai/courier/internal/models"
)

// ErrCheckerUnavailable is returned when the permission lookup collaborator
// cannot answer.
var ErrCheckerUnavailable = errors.New("permission checker unavailable")

// Checker is the external permission lookup collaborator.
type Checker interface {
	// CheckPermission reports whether the user holds at least the given
	// level.
	CheckPermission(ctx context.Context, userID string, level models.PermissionLevel) (bool, error)
}

// BandLevel returns the minimum permission level required to enter a band.
func BandLevel(band models.Band) models.PermissionLevel {
	if band == models.BandAgent {
		return models.LevelAdmin
	}
	return models.LevelMember
}

// Gate authorizes identities. Display names are never consulted; only the
// provider-qualified stable identifier is.
type Gate struct {
	checker      Checker
	devUIEnabled bool
	logger       zerolog.Logger
}

// NewGate creates a Gate over the given checker. devUIEnabled allows
// agent-band entry without a verified admin identity.
func NewGate(checker Checker, devUIEnabled bool) *Gate {
	return &Gate{
		checker:      checker,
		devUIEnabled: devUIEnabled,
		logger:       logging.Component("permissions"),
	}
}

// Authorize reports whether the identity holds at least the required level.
func (g *Gate) Authorize(ctx context.Context, identity models.Identity, required models.PermissionLevel) (bool, error) {
	if g.checker == nil {
		return false, ErrCheckerUnavailable
	}
	ok, err := g.checker.CheckPermission(ctx, identity.Key(), required)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// AuthorizeBand reports whether the identity may enter the band. Agent-band
// entry requires a verified admin or the dev UI override; lower bands admit
// any recognized member.
func (g *Gate) AuthorizeBand(ctx context.Context, identity models.Identity, band models.Band) (bool, error) {
	if band == models.BandAgent && g.devUIEnabled {
		g.logger.Debug().Str("user_id", identity.Key()).Msg("agent band entered via dev ui override")
		return true, nil
	}
	return g.Authorize(ctx, identity, BandLevel(band))
}

// StaticChecker is an in-memory Checker backed by a fixed level map.
// Unlisted users hold the member level.
type StaticChecker struct {
	mu     sync.RWMutex
	levels map[string]models.PermissionLevel
}

// NewStaticChecker creates a StaticChecker from a user → level map.
func NewStaticChecker(levels map[string]models.PermissionLevel) *StaticChecker {
	if levels == nil {
		levels = make(map[string]models.PermissionLevel)
	}
	return &StaticChecker{levels: levels}
}

// SetLevel assigns a level to a user.
func (c *StaticChecker) SetLevel(userID string, level models.PermissionLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels[userID] = level
}

// CheckPermission implements Checker.
func (c *StaticChecker) CheckPermission(_ context.Context, userID string, level models.PermissionLevel) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	held, ok := c.levels[userID]
	if !ok {
		held = models.LevelMember
	}
	return held.AtLeast(level), nil
}
