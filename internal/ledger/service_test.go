package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/opencode-ai/courier/internal/db"
	"github.com/opencode-ai/courier/internal/models"
)

func newTestService(t *testing.T) (*Service, *db.LedgerRepository) {
	t.Helper()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := db.NewLedgerRepository(database)
	service := NewService(repo, nil, DefaultConfig())
	return service, repo
}

func TestRecordUsageAndGetUsage(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 3, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 2, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	summary, err := service.GetUsage(ctx, "discord:u1", models.LaneChat, 1)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if summary.Total != 5 {
		t.Errorf("total = %d, want 5", summary.Total)
	}
	if summary.BucketCount != 1 {
		t.Errorf("buckets = %d, want 1", summary.BucketCount)
	}
}

func TestRecordUsageRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 0, time.Now()); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero err = %v, want ErrInvalidAmount", err)
	}
	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, -4, time.Now()); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative err = %v, want ErrInvalidAmount", err)
	}
}

// flakyLedgerRepo fails the first failures bucket writes before delegating
// to the real repository.
type flakyLedgerRepo struct {
	*db.LedgerRepository
	failures int
	attempts int
}

func (r *flakyLedgerRepo) IncrementBucket(ctx context.Context, userID string, lane models.Lane, day string, amount int64) error {
	r.attempts++
	if r.attempts <= r.failures {
		return errors.New("database is locked")
	}
	return r.LedgerRepository.IncrementBucket(ctx, userID, lane, day, amount)
}

func TestRecordUsageRetriesTransientWriteFailure(t *testing.T) {
	ctx := context.Background()
	service, repo := newTestService(t)

	flaky := &flakyLedgerRepo{LedgerRepository: repo, failures: 2}
	service.repo = flaky
	service.config.WriteRetryInterval = time.Millisecond

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 4, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if flaky.attempts != 3 {
		t.Errorf("attempts = %d, want 3 (two failures then success)", flaky.attempts)
	}

	summary, err := service.GetUsage(ctx, "discord:u1", models.LaneChat, 1)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if summary.Total != 4 {
		t.Errorf("total = %d, want 4", summary.Total)
	}
}

func TestRecordUsageExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	service, repo := newTestService(t)

	flaky := &flakyLedgerRepo{LedgerRepository: repo, failures: 100}
	service.repo = flaky
	service.config.MaxWriteRetries = 2
	service.config.WriteRetryInterval = time.Millisecond

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 4, now)
	if !errors.Is(err, ErrWritesExhausted) {
		t.Fatalf("err = %v, want ErrWritesExhausted", err)
	}
	if flaky.attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial try plus two retries)", flaky.attempts)
	}

	// The failed key holds no partial write.
	summary, err := service.GetUsage(ctx, "discord:u1", models.LaneChat, 1)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if summary.Total != 0 {
		t.Errorf("total = %d, want 0 after exhausted writes", summary.Total)
	}
}

// Validation failures are permanent and must not burn retries.
func TestRecordUsageDoesNotRetryPermanentFailure(t *testing.T) {
	ctx := context.Background()
	service, repo := newTestService(t)

	flaky := &flakyLedgerRepo{LedgerRepository: repo}
	service.repo = flaky
	service.config.WriteRetryInterval = time.Millisecond

	err := service.RecordUsage(ctx, "", models.LaneChat, 3, time.Now())
	if !errors.Is(err, db.ErrInvalidUsage) {
		t.Fatalf("err = %v, want db.ErrInvalidUsage", err)
	}
	if flaky.attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for invalid input)", flaky.attempts)
	}
}

// Concurrent writers against the same bucket must never lose an increment.
func TestRecordUsageConcurrentExactSum(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	const writers = 8
	const writesPerWriter = 25

	amounts := make([][]int64, writers)
	var want int64
	rng := rand.New(rand.NewSource(42))
	for i := range amounts {
		amounts[i] = make([]int64, writesPerWriter)
		for j := range amounts[i] {
			amounts[i][j] = rng.Int63n(5) + 1
			want += amounts[i][j]
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(mine []int64) {
			defer wg.Done()
			for _, amount := range mine {
				if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, amount, now); err != nil {
					errs <- err
					return
				}
			}
		}(amounts[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("RecordUsage: %v", err)
	}

	summary, err := service.GetUsage(ctx, "discord:u1", models.LaneChat, 1)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if summary.Total != want {
		t.Errorf("total = %d, want %d", summary.Total, want)
	}
}

func TestGetUsageWindowExcludesOldBuckets(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 10, now.AddDate(0, 0, -10)); err != nil {
		t.Fatalf("RecordUsage old: %v", err)
	}
	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 1, now); err != nil {
		t.Fatalf("RecordUsage today: %v", err)
	}

	summary, err := service.GetUsage(ctx, "discord:u1", models.LaneChat, 7)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if summary.Total != 1 {
		t.Errorf("total = %d, want 1 (old bucket outside window)", summary.Total)
	}
}

func TestCheckBudget(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ok, summary, err := service.CheckBudget(ctx, "discord:u1", models.LaneChat, 0)
	if err != nil || !ok {
		t.Errorf("non-positive limit should be unlimited: ok=%v err=%v", ok, err)
	}
	if summary != nil {
		t.Errorf("unlimited check returned summary %+v, want nil", summary)
	}

	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 2, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	ok, summary, err = service.CheckBudget(ctx, "discord:u1", models.LaneChat, 3)
	if err != nil {
		t.Fatalf("CheckBudget: %v", err)
	}
	if !ok {
		t.Error("usage 2 of 3 should be allowed")
	}
	if summary == nil || summary.Total != 2 {
		t.Errorf("summary = %+v, want total 2", summary)
	}

	ok, summary, err = service.CheckBudget(ctx, "discord:u1", models.LaneChat, 2)
	if err != nil {
		t.Fatalf("CheckBudget: %v", err)
	}
	if ok {
		t.Error("usage 2 of 2 should be rejected")
	}
	if summary == nil || summary.Total != 2 {
		t.Errorf("summary = %+v, want total 2", summary)
	}
}

// CheckBudget aggregates over the configured window, not just the current
// day: usage recorded yesterday still counts against a two-day window.
func TestCheckBudgetUsesConfiguredWindow(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	service.config.BudgetWindowDays = 2

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 1, now.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	ok, summary, err := service.CheckBudget(ctx, "discord:u1", models.LaneChat, 1)
	if err != nil {
		t.Fatalf("CheckBudget: %v", err)
	}
	if ok {
		t.Error("yesterday's usage fills a two-day window of 1")
	}
	if summary == nil || summary.Total != 1 || summary.WindowDays != 2 {
		t.Errorf("summary = %+v, want total 1 over 2 days", summary)
	}
}

func TestGetProfileCreatesFresh(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	profile, err := service.GetProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.Status != models.ProfileStatusFresh {
		t.Errorf("status = %v, want %v", profile.Status, models.ProfileStatusFresh)
	}
}

// A profile marked consolidated with no traits is a broken prior write; the
// next read repairs it, and a second read finds nothing to repair.
func TestGetProfileRepairsInconsistentStatus(t *testing.T) {
	ctx := context.Background()
	service, repo := newTestService(t)

	seeded, err := repo.EnsureProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if err := repo.UpdateProfileCAS(ctx, "discord:u1", seeded.Version, models.ProfileStatusConsolidated, nil); err != nil {
		t.Fatalf("seed inconsistent profile: %v", err)
	}

	repaired, err := service.GetProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if repaired.Status != models.ProfileStatusFresh {
		t.Errorf("status = %v, want %v after repair", repaired.Status, models.ProfileStatusFresh)
	}

	versionAfterRepair := repaired.Version
	again, err := service.GetProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("GetProfile again: %v", err)
	}
	if again.Version != versionAfterRepair {
		t.Errorf("second read rewrote the profile: version %d → %d", versionAfterRepair, again.Version)
	}
}

func TestGetProfileKeepsConsolidatedWithTraits(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	if err := service.Consolidate(ctx, "discord:u1", map[string]string{"tone": "casual"}); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	profile, err := service.GetProfile(ctx, "discord:u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.Status != models.ProfileStatusConsolidated {
		t.Errorf("status = %v, want %v", profile.Status, models.ProfileStatusConsolidated)
	}
	if profile.Traits["tone"] != "casual" {
		t.Errorf("traits = %v, want tone=casual", profile.Traits)
	}
}

func TestConsolidateRejectsEmptyTraits(t *testing.T) {
	service, _ := newTestService(t)

	if err := service.Consolidate(context.Background(), "discord:u1", nil); !errors.Is(err, ErrEmptyTraits) {
		t.Errorf("err = %v, want ErrEmptyTraits", err)
	}
	if err := service.Consolidate(context.Background(), "discord:u1", map[string]string{}); !errors.Is(err, ErrEmptyTraits) {
		t.Errorf("err = %v, want ErrEmptyTraits", err)
	}
}

func TestCompactDropsOnlyExpiredBuckets(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }
	service.config.RetentionDays = 30

	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 7, now.AddDate(0, 0, -60)); err != nil {
		t.Fatalf("RecordUsage old: %v", err)
	}
	if err := service.RecordUsage(ctx, "discord:u1", models.LaneChat, 3, now); err != nil {
		t.Fatalf("RecordUsage recent: %v", err)
	}

	dropped, err := service.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	summary, err := service.GetUsage(ctx, "discord:u1", models.LaneChat, 7)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if summary.Total != 3 {
		t.Errorf("in-window total = %d, want 3 after compaction", summary.Total)
	}
}
