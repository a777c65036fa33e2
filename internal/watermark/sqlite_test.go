package watermark

import (
	"context"
	"path/filepath"
	"testing"
)

func newSQLiteForTest(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watermarks.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, _ := newSQLiteForTest(t)
	ctx := context.Background()

	wm, err := store.Get(ctx, "public.orders")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if wm != nil {
		t.Fatalf("expected nil for unseen table, got %+v", wm)
	}

	if err := store.CompareAndAdvance(ctx, "public.orders", "2024-01-01", "2024-01-03"); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	wm, err = store.Get(ctx, "public.orders")
	if err != nil {
		t.Fatalf("Get after advance failed: %v", err)
	}
	if wm == nil || wm.Marker != "2024-01-03" {
		t.Fatalf("expected marker 2024-01-03, got %+v", wm)
	}
	if wm.UpdatedAt.IsZero() {
		t.Error("expected updatedAt to be set")
	}
}

func TestSQLiteStore_StaleAdvanceConflicts(t *testing.T) {
	store, _ := newSQLiteForTest(t)
	ctx := context.Background()

	if err := store.CompareAndAdvance(ctx, "t1", "0", "5"); err != nil {
		t.Fatalf("seed advance failed: %v", err)
	}

	err := store.CompareAndAdvance(ctx, "t1", "0", "7")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	wm, _ := store.Get(ctx, "t1")
	if wm.Marker != "5" {
		t.Fatalf("conflict must not mutate the marker, got %q", wm.Marker)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermarks.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.CompareAndAdvance(ctx, "t1", "0", "42"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	wm, err := reopened.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if wm == nil || wm.Marker != "42" {
		t.Fatalf("watermark must survive reopen, got %+v", wm)
	}
}
