package store

import (
	"context"
	"testing"
	"time"

	"github.com/sr198/motion-by-aiselu/internal/conversation"
)

func sessionWith(t *testing.T, userText string) *conversation.Session {
	t.Helper()
	s := conversation.NewSession()
	s.AddUser(userText)
	return s
}

func TestMemoryStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := sessionWith(t, "Patient reports knee pain")
	id, err := store.Save(ctx, s)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != s.ID.String() {
		t.Errorf("expected id %s, got %s", s.ID, id)
	}

	got, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("expected id %s, got %s", s.ID, got.ID)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "Patient reports knee pain" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestMemoryStoreLoadNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Load(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := sessionWith(t, "original")
	id, _ := store.Save(ctx, s)

	first, _ := store.Load(ctx, id)
	first.Messages[0].Content = "mutated"

	second, _ := store.Load(ctx, id)
	if second.Messages[0].Content != "original" {
		t.Error("stored session was mutated through a loaded copy")
	}
}

func TestMemoryStoreUpdateOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := sessionWith(t, "first")
	id, _ := store.Save(ctx, s)

	s.AddUser("second")
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.Load(ctx, id)
	if len(got.Messages) != 2 {
		t.Errorf("expected 2 messages after update, got %d", len(got.Messages))
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := sessionWith(t, "to delete")
	id, _ := store.Save(ctx, s)

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, id); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := sessionWith(t, "Shoulder impingement follow-up")
	b := sessionWith(t, "Lower back assessment")
	store.Save(ctx, a)
	store.Save(ctx, b)

	results, err := store.Search(ctx, "SHOULDER")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != a.ID {
		t.Errorf("expected session %s, got %s", a.ID, results[0].ID)
	}

	results, _ = store.Search(ctx, "assessment")
	if len(results) != 1 || results[0].ID != b.ID {
		t.Errorf("expected only session %s, got %+v", b.ID, results)
	}

	results, _ = store.Search(ctx, "nonexistent")
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestMemoryStoreListAllOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	older := conversation.NewSession()
	older.AddUser("old conversation")
	older.UpdatedAt = time.Now().Add(-time.Hour)

	newer := sessionWith(t, "new conversation")

	store.Save(ctx, older)
	store.Save(ctx, newer)

	sums, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(sums))
	}
	if sums[0].ID != newer.ID {
		t.Errorf("expected most recently updated first, got %s", sums[0].ID)
	}
}
