package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestInMemoryRunStore_RoundTrip(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()

	run := &Run{ID: uuid.New(), Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, run); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	now := time.Now().UTC()
	run.Status = StatusCompleted
	run.FinishedAt = &now
	run.Observations = 42
	if err := store.Update(ctx, run); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.Observations != 42 {
		t.Fatalf("unexpected run: %+v", got)
	}

	// Stored copies must not alias caller state.
	run.Observations = 0
	got2, _ := store.Get(ctx, run.ID)
	if got2.Observations != 42 {
		t.Fatal("store must hold its own copy")
	}
}

func TestInMemoryRunStore_UpdateMissing(t *testing.T) {
	store := NewInMemoryRunStore()
	err := store.Update(context.Background(), &Run{ID: uuid.New()})
	if err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestInMemoryRunStore_ListNewestFirst(t *testing.T) {
	store := NewInMemoryRunStore()
	ctx := context.Background()

	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run := &Run{ID: uuid.New(), Status: StatusCompleted, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		ids = append(ids, run.ID)
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	runs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Fatal("expected newest-first ordering")
	}
}
