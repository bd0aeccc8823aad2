package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencode-ai/courier/internal/models"
)

// Ledger repository errors.
var (
	ErrBucketNotFound  = errors.New("usage bucket not found")
	ErrProfileNotFound = errors.New("ledger profile not found")
	ErrVersionConflict = errors.New("profile version conflict")
	ErrInvalidUsage    = errors.New("invalid usage increment")
	ErrInvalidDay      = errors.New("invalid day key")
)

// LedgerRepository handles usage bucket and ledger profile persistence.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// IncrementBucket adds amount to the (userID, lane, day) bucket, creating it
// lazily on first use. The upsert makes the increment atomic at the storage
// layer regardless of caller interleaving.
func (r *LedgerRepository) IncrementBucket(ctx context.Context, userID string, lane models.Lane, day string, amount int64) error {
	if userID == "" || lane == "" {
		return ErrInvalidUsage
	}
	if amount <= 0 {
		return ErrInvalidUsage
	}
	if _, err := time.Parse(models.DayFormat, day); err != nil {
		return ErrInvalidDay
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_buckets (user_id, lane, day, count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, lane, day)
		DO UPDATE SET count = count + excluded.count, updated_at = excluded.updated_at
	`, userID, string(lane), day, amount, now)
	if err != nil {
		return fmt.Errorf("failed to increment usage bucket: %w", err)
	}

	return nil
}

// GetBucket retrieves one usage bucket.
func (r *LedgerRepository) GetBucket(ctx context.Context, userID string, lane models.Lane, day string) (*models.UsageBucket, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, lane, day, count, updated_at
		FROM usage_buckets WHERE user_id = ? AND lane = ? AND day = ?
	`, userID, string(lane), day)

	var bucket models.UsageBucket
	var laneStr, updatedAt string
	err := row.Scan(&bucket.UserID, &laneStr, &bucket.Day, &bucket.Count, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBucketNotFound
		}
		return nil, fmt.Errorf("failed to scan usage bucket: %w", err)
	}

	bucket.Lane = models.Lane(laneStr)
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		bucket.UpdatedAt = t
	}

	return &bucket, nil
}

// SumWindow sums bucket counts for a user and lane over [sinceDay, untilDay]
// inclusive. Buckets outside the window never contribute.
func (r *LedgerRepository) SumWindow(ctx context.Context, userID string, lane models.Lane, sinceDay, untilDay string) (total int64, buckets int64, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0), COUNT(*)
		FROM usage_buckets
		WHERE user_id = ? AND lane = ? AND day >= ? AND day <= ?
	`, userID, string(lane), sinceDay, untilDay).Scan(&total, &buckets)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum usage window: %w", err)
	}
	return total, buckets, nil
}

// ListBuckets returns a user's buckets for a lane, most recent day first.
func (r *LedgerRepository) ListBuckets(ctx context.Context, userID string, lane models.Lane, limit int) ([]*models.UsageBucket, error) {
	if limit <= 0 {
		limit = 30
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, lane, day, count, updated_at
		FROM usage_buckets
		WHERE user_id = ? AND lane = ?
		ORDER BY day DESC
		LIMIT ?
	`, userID, string(lane), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*models.UsageBucket
	for rows.Next() {
		var bucket models.UsageBucket
		var laneStr, updatedAt string
		if err := rows.Scan(&bucket.UserID, &laneStr, &bucket.Day, &bucket.Count, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage bucket: %w", err)
		}
		bucket.Lane = models.Lane(laneStr)
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			bucket.UpdatedAt = t
		}
		buckets = append(buckets, &bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage buckets: %w", err)
	}

	return buckets, nil
}

// TopUsers returns the heaviest consumers for a lane since sinceDay.
func (r *LedgerRepository) TopUsers(ctx context.Context, lane models.Lane, sinceDay string, limit int) ([]*models.UsageSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, COALESCE(SUM(count), 0), COUNT(*)
		FROM usage_buckets
		WHERE lane = ? AND day >= ?
		GROUP BY user_id
		ORDER BY SUM(count) DESC
		LIMIT ?
	`, string(lane), sinceDay, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top users: %w", err)
	}
	defer rows.Close()

	var summaries []*models.UsageSummary
	for rows.Next() {
		summary := &models.UsageSummary{Lane: lane}
		if err := rows.Scan(&summary.UserID, &summary.Total, &summary.BucketCount); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summaries: %w", err)
	}

	return summaries, nil
}

// DeleteBucketsBefore removes buckets with a day strictly before the given
// day key. Used by retention compaction.
func (r *LedgerRepository) DeleteBucketsBefore(ctx context.Context, day string, limit int) (int64, error) {
	if _, err := time.Parse(models.DayFormat, day); err != nil {
		return 0, ErrInvalidDay
	}
	if limit <= 0 {
		limit = 1000
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM usage_buckets WHERE rowid IN (
			SELECT rowid FROM usage_buckets WHERE day < ? ORDER BY day LIMIT ?
		)
	`, day, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old usage buckets: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return count, nil
}

// GetProfile retrieves a user's ledger profile.
func (r *LedgerRepository) GetProfile(ctx context.Context, userID string) (*models.LedgerProfile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, status, traits_json, version, updated_at
		FROM ledger_profiles WHERE user_id = ?
	`, userID)

	var profile models.LedgerProfile
	var status, updatedAt string
	var traitsJSON sql.NullString
	err := row.Scan(&profile.UserID, &status, &traitsJSON, &profile.Version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to scan ledger profile: %w", err)
	}

	profile.Status = models.ProfileStatus(status)
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		profile.UpdatedAt = t
	}
	if traitsJSON.Valid && traitsJSON.String != "" {
		if err := json.Unmarshal([]byte(traitsJSON.String), &profile.Traits); err != nil {
			r.db.logger.Warn().Err(err).Str("user_id", profile.UserID).Msg("failed to parse profile traits")
		}
	}

	return &profile, nil
}

// EnsureProfile returns the profile for userID, creating a fresh one if none
// exists yet.
func (r *LedgerRepository) EnsureProfile(ctx context.Context, userID string) (*models.LedgerProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_profiles (user_id, status, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, string(models.ProfileStatusFresh), now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure ledger profile: %w", err)
	}

	return r.GetProfile(ctx, userID)
}

// UpdateProfileCAS writes a new status and trait set, guarded by the version
// the caller previously read. Returns ErrVersionConflict if someone else
// wrote in between.
func (r *LedgerRepository) UpdateProfileCAS(ctx context.Context, userID string, expectedVersion int64, status models.ProfileStatus, traits map[string]string) error {
	var traitsJSON *string
	if traits != nil {
		data, err := json.Marshal(traits)
		if err != nil {
			return fmt.Errorf("failed to marshal traits: %w", err)
		}
		s := string(data)
		traitsJSON = &s
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, `
		UPDATE ledger_profiles
		SET status = ?, traits_json = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?
	`, string(status), traitsJSON, now, userID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update ledger profile: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}
