package db

import (
	"context"
	"errors"
	"testing"

	"github.com/opencode-ai/courier/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func TestLedgerRepositoryIncrementBucket(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))

	if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneChat, "2026-08-30", 2); err != nil {
		t.Fatalf("IncrementBucket: %v", err)
	}
	if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneChat, "2026-08-30", 3); err != nil {
		t.Fatalf("IncrementBucket: %v", err)
	}

	bucket, err := repo.GetBucket(ctx, "discord:u1", models.LaneChat, "2026-08-30")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if bucket.Count != 5 {
		t.Errorf("count = %d, want 5", bucket.Count)
	}
	if bucket.Lane != models.LaneChat {
		t.Errorf("lane = %v, want %v", bucket.Lane, models.LaneChat)
	}
}

func TestLedgerRepositoryIncrementBucketRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))

	if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneChat, "2026-08-30", 0); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("zero amount err = %v, want ErrInvalidUsage", err)
	}
	if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneChat, "2026-08-30", -1); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("negative amount err = %v, want ErrInvalidUsage", err)
	}
	if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneChat, "30/08/2026", 1); !errors.Is(err, ErrInvalidDay) {
		t.Errorf("bad day err = %v, want ErrInvalidDay", err)
	}
}

func TestLedgerRepositoryGetBucketNotFound(t *testing.T) {
	repo := NewLedgerRepository(openTestDB(t))

	_, err := repo.GetBucket(context.Background(), "discord:nobody", models.LaneChat, "2026-08-30")
	if !errors.Is(err, ErrBucketNotFound) {
		t.Errorf("err = %v, want ErrBucketNotFound", err)
	}
}

func TestLedgerRepositorySumWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))

	days := map[string]int64{
		"2026-08-27": 1,
		"2026-08-28": 2,
		"2026-08-29": 4,
		"2026-08-30": 8,
	}
	for day, amount := range days {
		if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneChat, day, amount); err != nil {
			t.Fatalf("IncrementBucket(%s): %v", day, err)
		}
	}
	// A different lane and user must not leak into the sum.
	if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneVoiceAudio, "2026-08-29", 100); err != nil {
		t.Fatalf("IncrementBucket voice: %v", err)
	}
	if err := repo.IncrementBucket(ctx, "discord:u2", models.LaneChat, "2026-08-29", 100); err != nil {
		t.Fatalf("IncrementBucket u2: %v", err)
	}

	total, buckets, err := repo.SumWindow(ctx, "discord:u1", models.LaneChat, "2026-08-28", "2026-08-30")
	if err != nil {
		t.Fatalf("SumWindow: %v", err)
	}
	if total != 14 {
		t.Errorf("total = %d, want 14", total)
	}
	if buckets != 3 {
		t.Errorf("buckets = %d, want 3", buckets)
	}
}

func TestLedgerRepositoryTopUsers(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))

	if err := repo.IncrementBucket(ctx, "discord:heavy", models.LaneChat, "2026-08-30", 50); err != nil {
		t.Fatalf("IncrementBucket: %v", err)
	}
	if err := repo.IncrementBucket(ctx, "discord:light", models.LaneChat, "2026-08-30", 5); err != nil {
		t.Fatalf("IncrementBucket: %v", err)
	}

	top, err := repo.TopUsers(ctx, models.LaneChat, "2026-08-24", 10)
	if err != nil {
		t.Fatalf("TopUsers: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("len = %d, want 2", len(top))
	}
	if top[0].UserID != "discord:heavy" || top[0].Total != 50 {
		t.Errorf("top[0] = %s/%d, want discord:heavy/50", top[0].UserID, top[0].Total)
	}
}

func TestLedgerRepositoryDeleteBucketsBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))

	for _, day := range []string{"2026-01-01", "2026-01-02", "2026-08-30"} {
		if err := repo.IncrementBucket(ctx, "discord:u1", models.LaneChat, day, 1); err != nil {
			t.Fatalf("IncrementBucket(%s): %v", day, err)
		}
	}

	deleted, err := repo.DeleteBucketsBefore(ctx, "2026-06-01", 100)
	if err != nil {
		t.Fatalf("DeleteBucketsBefore: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	if _, err := repo.GetBucket(ctx, "discord:u1", models.LaneChat, "2026-08-30"); err != nil {
		t.Errorf("recent bucket should survive compaction: %v", err)
	}
}

func TestLedgerRepositoryProfileLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))

	if _, err := repo.GetProfile(ctx, "discord:u1"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("err = %v, want ErrProfileNotFound", err)
	}

	profile, err := repo.EnsureProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if profile.Status != models.ProfileStatusFresh {
		t.Errorf("status = %v, want %v", profile.Status, models.ProfileStatusFresh)
	}

	// Ensure is idempotent and keeps the version.
	again, err := repo.EnsureProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("EnsureProfile again: %v", err)
	}
	if again.Version != profile.Version {
		t.Errorf("version changed on re-ensure: %d → %d", profile.Version, again.Version)
	}
}

func TestLedgerRepositoryUpdateProfileCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))

	profile, err := repo.EnsureProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}

	traits := map[string]string{"tone": "formal"}
	if err := repo.UpdateProfileCAS(ctx, "discord:u1", profile.Version, models.ProfileStatusConsolidated, traits); err != nil {
		t.Fatalf("UpdateProfileCAS: %v", err)
	}

	updated, err := repo.GetProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if updated.Status != models.ProfileStatusConsolidated {
		t.Errorf("status = %v, want %v", updated.Status, models.ProfileStatusConsolidated)
	}
	if updated.Version != profile.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, profile.Version+1)
	}
	if updated.Traits["tone"] != "formal" {
		t.Errorf("traits = %v, want tone=formal", updated.Traits)
	}

	// A stale version loses the race.
	err = repo.UpdateProfileCAS(ctx, "discord:u1", profile.Version, models.ProfileStatusFresh, nil)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale CAS err = %v, want ErrVersionConflict", err)
	}
}
