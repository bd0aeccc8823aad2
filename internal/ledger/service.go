// Package ledger tracks metered usage per user and lane in day buckets.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/courier/internal/db"
	"github.com/opencode-ai/courier/internal/events"
	"github.com/opencode-ai/courier/internal/logging"
	"github.com/opencode-ai/courier/internal/models"
)

// Ledger errors.
var (
	ErrInvalidAmount   = errors.New("usage amount must be positive")
	ErrWritesExhausted = errors.New("ledger write retries exhausted")
	ErrEmptyTraits     = errors.New("consolidation requires a non-empty trait set")
)

// Config contains ledger configuration.
type Config struct {
	// BudgetWindowDays is the trailing window budget checks aggregate over.
	// Default: 1 (current day).
	BudgetWindowDays int

	// RetentionDays is the compaction horizon. Default: 90.
	RetentionDays int

	// MaxWriteRetries bounds retry attempts for a failed bucket write.
	// Default: 5.
	MaxWriteRetries uint64

	// WriteRetryInterval is the initial backoff interval. Default: 50ms.
	WriteRetryInterval time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BudgetWindowDays:   1,
		RetentionDays:      90,
		MaxWriteRetries:    5,
		WriteRetryInterval: 50 * time.Millisecond,
	}
}

// Repository is the persistence surface the ledger writes through.
// *db.LedgerRepository is the production implementation.
type Repository interface {
	IncrementBucket(ctx context.Context, userID string, lane models.Lane, day string, amount int64) error
	SumWindow(ctx context.Context, userID string, lane models.Lane, sinceDay, untilDay string) (total int64, buckets int64, err error)
	ListBuckets(ctx context.Context, userID string, lane models.Lane, limit int) ([]*models.UsageBucket, error)
	TopUsers(ctx context.Context, lane models.Lane, sinceDay string, limit int) ([]*models.UsageSummary, error)
	DeleteBucketsBefore(ctx context.Context, day string, limit int) (int64, error)
	GetProfile(ctx context.Context, userID string) (*models.LedgerProfile, error)
	EnsureProfile(ctx context.Context, userID string) (*models.LedgerProfile, error)
	UpdateProfileCAS(ctx context.Context, userID string, expectedVersion int64, status models.ProfileStatus, traits map[string]string) error
}

// Service is the quota ledger. All bucket mutations go through it; writes to
// the same (user, lane, day) key are serialized by a per-key lock so the
// final bucket value is the exact sum of recorded amounts.
type Service struct {
	repo      Repository
	eventRepo events.Repository
	config    Config
	keys      *keyMutex
	logger    zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates a ledger Service. eventRepo may be nil, in which case
// repair and compaction events are only logged.
func NewService(repo Repository, eventRepo events.Repository, config Config) *Service {
	def := DefaultConfig()
	if config.BudgetWindowDays <= 0 {
		config.BudgetWindowDays = def.BudgetWindowDays
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = def.RetentionDays
	}
	if config.MaxWriteRetries == 0 {
		config.MaxWriteRetries = def.MaxWriteRetries
	}
	if config.WriteRetryInterval <= 0 {
		config.WriteRetryInterval = def.WriteRetryInterval
	}

	return &Service{
		repo:      repo,
		eventRepo: eventRepo,
		config:    config,
		keys:      newKeyMutex(),
		logger:    logging.Component("ledger"),
		now:       time.Now,
	}
}

func bucketKey(userID string, lane models.Lane, day string) string {
	return userID + "|" + string(lane) + "|" + day
}

// RecordUsage adds amount to the (userID, lane, day) bucket. Transient write
// failures are retried with bounded exponential backoff; exhausting retries
// returns ErrWritesExhausted without affecting any other key.
func (s *Service) RecordUsage(ctx context.Context, userID string, lane models.Lane, amount int64, day time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	dayKey := models.DayOf(day)
	unlock := s.keys.Lock(bucketKey(userID, lane, dayKey))
	defer unlock()

	op := func() error {
		err := s.repo.IncrementBucket(ctx, userID, lane, dayKey, amount)
		if errors.Is(err, db.ErrInvalidUsage) || errors.Is(err, db.ErrInvalidDay) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.WriteRetryInterval
	bo.MaxInterval = 2 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.config.MaxWriteRetries), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		s.logger.Error().
			Err(err).
			Str("user_id", userID).
			Str("lane", string(lane)).
			Str("day", dayKey).
			Msg("ledger write retries exhausted")
		return fmt.Errorf("%w: %v", ErrWritesExhausted, err)
	}

	s.logger.Debug().
		Str("user_id", userID).
		Str("lane", string(lane)).
		Str("day", dayKey).
		Int64("amount", amount).
		Msg("usage recorded")

	return nil
}

// GetUsage sums the user's buckets for a lane over the trailing windowDays
// days, current day included. Buckets outside the window never contribute.
func (s *Service) GetUsage(ctx context.Context, userID string, lane models.Lane, windowDays int) (*models.UsageSummary, error) {
	if windowDays <= 0 {
		windowDays = 1
	}

	today := s.now().UTC()
	since := models.DayOf(today.AddDate(0, 0, -(windowDays - 1)))
	until := models.DayOf(today)

	total, buckets, err := s.repo.SumWindow(ctx, userID, lane, since, until)
	if err != nil {
		return nil, err
	}

	return &models.UsageSummary{
		UserID:      userID,
		Lane:        lane,
		WindowDays:  windowDays,
		Total:       total,
		BucketCount: buckets,
	}, nil
}

// CheckBudget reports whether the user has room for more usage in the lane,
// along with the window summary the decision was based on. It is a read-only
// pre-check; callers commit actual usage with RecordUsage after the work
// succeeds. A non-positive limit means unlimited and the summary is nil.
func (s *Service) CheckBudget(ctx context.Context, userID string, lane models.Lane, limit int64) (bool, *models.UsageSummary, error) {
	if limit <= 0 {
		return true, nil, nil
	}

	summary, err := s.GetUsage(ctx, userID, lane, s.config.BudgetWindowDays)
	if err != nil {
		return false, nil, err
	}
	return summary.Total < limit, summary, nil
}

// GetProfile returns the user's ledger profile, creating a fresh one on
// first access. A profile found consolidated without derived traits is an
// inconsistent prior write: it is transactionally reverted to fresh before
// being returned. The repair is idempotent; re-reading a repaired profile is
// a no-op.
func (s *Service) GetProfile(ctx context.Context, userID string) (*models.LedgerProfile, error) {
	profile, err := s.repo.EnsureProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !profile.Inconsistent() {
		return profile, nil
	}

	err = s.repo.UpdateProfileCAS(ctx, userID, profile.Version, models.ProfileStatusFresh, nil)
	if err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			// A concurrent reader already repaired (or a writer replaced)
			// the profile; the re-read reflects whichever write won.
			return s.repo.GetProfile(ctx, userID)
		}
		return nil, err
	}

	s.logger.Info().Str("user_id", userID).Msg("repaired inconsistent consolidation status")
	if s.eventRepo != nil {
		if err := events.LogLedgerRepaired(ctx, s.eventRepo, userID, models.LedgerRepairedPayload{
			OldStatus: models.ProfileStatusConsolidated,
			NewStatus: models.ProfileStatusFresh,
		}); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to record repair event")
		}
	}

	return s.repo.GetProfile(ctx, userID)
}

// Consolidate marks the user's profile consolidated with the given derived
// traits. An empty trait set is rejected: it would recreate exactly the
// inconsistency GetProfile repairs.
func (s *Service) Consolidate(ctx context.Context, userID string, traits map[string]string) error {
	if len(traits) == 0 {
		return ErrEmptyTraits
	}

	for {
		profile, err := s.repo.EnsureProfile(ctx, userID)
		if err != nil {
			return err
		}
		err = s.repo.UpdateProfileCAS(ctx, userID, profile.Version, models.ProfileStatusConsolidated, traits)
		if errors.Is(err, db.ErrVersionConflict) {
			continue
		}
		return err
	}
}

// Compact drops buckets older than the retention horizon. In-window
// aggregates are unaffected because only whole out-of-window buckets are
// removed.
func (s *Service) Compact(ctx context.Context) (int64, error) {
	horizon := models.DayOf(s.now().UTC().AddDate(0, 0, -s.config.RetentionDays))

	var dropped int64
	for {
		n, err := s.repo.DeleteBucketsBefore(ctx, horizon, 1000)
		if err != nil {
			return dropped, err
		}
		dropped += n
		if n == 0 {
			break
		}
	}

	if dropped > 0 {
		s.logger.Info().Str("before", horizon).Int64("dropped", dropped).Msg("compacted usage buckets")
		if s.eventRepo != nil {
			if err := events.LogBucketCompacted(ctx, s.eventRepo, models.BucketCompactedPayload{
				Before:  horizon,
				Dropped: dropped,
			}); err != nil {
				s.logger.Warn().Err(err).Msg("failed to record compaction event")
			}
		}
	}

	return dropped, nil
}

// ListBuckets returns the user's recent buckets for a lane.
func (s *Service) ListBuckets(ctx context.Context, userID string, lane models.Lane, limit int) ([]*models.UsageBucket, error) {
	return s.repo.ListBuckets(ctx, userID, lane, limit)
}

// TopUsers returns the heaviest consumers for a lane over the trailing
// windowDays days.
func (s *Service) TopUsers(ctx context.Context, lane models.Lane, windowDays, limit int) ([]*models.UsageSummary, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	since := models.DayOf(s.now().UTC().AddDate(0, 0, -(windowDays - 1)))
	return s.repo.TopUsers(ctx, lane, since, limit)
}
