package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/regdesk/regsync/internal/record"
)

// setupTestStore creates a temporary queue store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func docRecord(t *testing.T, owner string) *record.Record {
	t.Helper()
	return record.NewDocumentUpload(owner, "passport.pdf", "passport", "application/pdf", []byte("content"), 30)
}

func appRecord(t *testing.T, owner string) *record.Record {
	t.Helper()
	return record.NewApplicationSubmission(owner, "cipc", "za", map[string]string{"fullName": "Thabo Mthembu"})
}

func TestEnqueueAndListAll(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := docRecord(t, "+27821234567")
	second := appRecord(t, "+27821234567")

	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	records, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	// Insertion order must be preserved.
	if records[0].ID != first.ID || records[1].ID != second.ID {
		t.Errorf("order not preserved: got %s, %s", records[0].ID, records[1].ID)
	}
	if records[0].Document == nil || records[0].Document.Filename != "passport.pdf" {
		t.Errorf("document payload lost: %+v", records[0])
	}
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	rec := docRecord(t, "+2341234567890")
	if err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != rec.ID {
		t.Fatalf("record not durable across reopen: %+v", records)
	}
}

func TestClearBatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Enqueue(ctx, appRecord(t, "+250788123456")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	records, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}

	if err := store.ClearBatch(ctx, records); err != nil {
		t.Fatalf("ClearBatch failed: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty queue after ClearBatch, got %d", count)
	}
}

func TestClearBatchKeepsLaterRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, docRecord(t, "+254712345678")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Snapshot the batch, as a flush does before the network call.
	batch, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}

	// Another process enqueues while the batch is in flight.
	late := appRecord(t, "+254712345678")
	if err := store.Enqueue(ctx, late); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := store.ClearBatch(ctx, batch); err != nil {
		t.Fatalf("ClearBatch failed: %v", err)
	}

	remaining, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != late.ID {
		t.Fatalf("record enqueued during the flush was dropped: %+v", remaining)
	}
}

func TestClearBatchEmptyIsNoOp(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, docRecord(t, "+27821234567")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.ClearBatch(ctx, nil); err != nil {
		t.Fatalf("ClearBatch with empty batch failed: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("empty ClearBatch removed records: %d left", count)
	}
}

func TestCount(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}

	if err := store.Enqueue(ctx, docRecord(t, "+233241234567")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	count, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1, got %d", count)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := docRecord(t, "+2341234567890")
	if err := store.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err := store.Enqueue(ctx, rec)
	if err == nil {
		t.Fatal("expected error for duplicate ID")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestEnqueueInvalidRecord(t *testing.T) {
	store := setupTestStore(t)

	rec := docRecord(t, "+2341234567890")
	rec.Document = nil

	if err := store.Enqueue(context.Background(), rec); err == nil {
		t.Fatal("expected error for invalid record")
	}
}

func TestListAllEmpty(t *testing.T) {
	store := setupTestStore(t)

	records, err := store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}
