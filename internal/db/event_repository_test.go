package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opencode-ai/courier/internal/models"
)

func TestEventRepositoryCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(openTestDB(t))

	payload, _ := json.Marshal(map[string]string{"band": "task"})
	event := &models.Event{
		Type:       models.EventTypeRequestCompleted,
		EntityType: models.EntityTypeRun,
		EntityID:   "run-1",
		Payload:    payload,
		Metadata:   map[string]string{"source": "test"},
	}

	if err := repo.Create(ctx, event); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if event.ID == "" {
		t.Error("expected ID to be set")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected Timestamp to be set")
	}

	retrieved, err := repo.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if retrieved.Type != models.EventTypeRequestCompleted {
		t.Errorf("type = %v, want %v", retrieved.Type, models.EventTypeRequestCompleted)
	}
	if retrieved.EntityID != "run-1" {
		t.Errorf("entity id = %q, want run-1", retrieved.EntityID)
	}
	if retrieved.Metadata["source"] != "test" {
		t.Errorf("metadata = %v, want source=test", retrieved.Metadata)
	}

	var decoded map[string]string
	if err := json.Unmarshal(retrieved.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["band"] != "task" {
		t.Errorf("payload = %v, want band=task", decoded)
	}
}

func TestEventRepositoryCreateInvalid(t *testing.T) {
	repo := NewEventRepository(openTestDB(t))

	err := repo.Create(context.Background(), &models.Event{})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestEventRepositoryGetNotFound(t *testing.T) {
	repo := NewEventRepository(openTestDB(t))

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, ErrEventNotFound) {
		t.Errorf("err = %v, want ErrEventNotFound", err)
	}
}

func TestEventRepositoryQueryFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(openTestDB(t))

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	seed := []*models.Event{
		{Type: models.EventTypeRequestReceived, EntityType: models.EntityTypeRun, EntityID: "run-1", Timestamp: base},
		{Type: models.EventTypeRequestCompleted, EntityType: models.EntityTypeRun, EntityID: "run-1", Timestamp: base.Add(time.Second)},
		{Type: models.EventTypeQuotaExceeded, EntityType: models.EntityTypeUser, EntityID: "discord:u1", Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range seed {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	et := models.EntityTypeRun
	page, err := repo.Query(ctx, EventQuery{EntityType: &et})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 2 {
		t.Errorf("run events = %d, want 2", len(page.Events))
	}

	typ := models.EventTypeQuotaExceeded
	page, err = repo.Query(ctx, EventQuery{Type: &typ})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].EntityID != "discord:u1" {
		t.Errorf("quota events = %v, want one for discord:u1", page.Events)
	}

	since := base.Add(time.Second)
	page, err = repo.Query(ctx, EventQuery{Since: &since})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Events) != 2 {
		t.Errorf("since-filtered events = %d, want 2", len(page.Events))
	}
}

func TestEventRepositoryQueryPagination(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(openTestDB(t))

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		event := &models.Event{
			Type:       models.EventTypeRequestReceived,
			EntityType: models.EntityTypeRun,
			EntityID:   "run-1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Create(ctx, event); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	first, err := repo.Query(ctx, EventQuery{Limit: 2})
	if err != nil {
		t.Fatalf("Query first page: %v", err)
	}
	if len(first.Events) != 2 {
		t.Fatalf("first page = %d events, want 2", len(first.Events))
	}
	if first.NextCursor == "" {
		t.Fatal("expected next cursor")
	}

	seen := map[string]bool{}
	for _, e := range first.Events {
		seen[e.ID] = true
	}

	second, err := repo.Query(ctx, EventQuery{Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("Query second page: %v", err)
	}
	if len(second.Events) != 2 {
		t.Fatalf("second page = %d events, want 2", len(second.Events))
	}
	for _, e := range second.Events {
		if seen[e.ID] {
			t.Errorf("event %s repeated across pages", e.ID)
		}
	}

	last, err := repo.Query(ctx, EventQuery{Limit: 2, Cursor: second.NextCursor})
	if err != nil {
		t.Fatalf("Query last page: %v", err)
	}
	if len(last.Events) != 1 {
		t.Errorf("last page = %d events, want 1", len(last.Events))
	}
	if last.NextCursor != "" {
		t.Errorf("unexpected cursor on final page: %q", last.NextCursor)
	}
}

func TestEventRepositoryListByEntity(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(openTestDB(t))

	for _, id := range []string{"run-1", "run-1", "run-2"} {
		event := &models.Event{
			Type:       models.EventTypeRequestReceived,
			EntityType: models.EntityTypeRun,
			EntityID:   id,
		}
		if err := repo.Create(ctx, event); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	events, err := repo.ListByEntity(ctx, models.EntityTypeRun, "run-1", 10)
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}
