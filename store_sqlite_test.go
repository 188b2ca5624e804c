package fieldsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	cfg := DefaultLocalStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "fieldsync.db")
	store, err := OpenSQLiteStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestActionPersistenceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	action := &OfflineAction{
		ID:         "a1",
		Operation:  OpUpdate,
		Collection: "fowls",
		RecordID:   "f1",
		Payload:    map[string]any{"count": float64(12)},
		EnqueuedAt: time.Now(),
		MaxRetries: DefaultMaxRetries,
		Status:     StatusPending,
	}
	if err := store.InsertAction(ctx, action); err != nil {
		t.Fatalf("InsertAction: %v", err)
	}

	got, err := store.GetAction(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if got.Operation != OpUpdate || got.Collection != "fowls" || got.RecordID != "f1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Payload["count"] != float64(12) {
		t.Errorf("payload mismatch: %+v", got.Payload)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %v, want pending", got.Status)
	}
}

func TestPendingActionsOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"first", "second", "third"} {
		a := &OfflineAction{
			ID:         id,
			Operation:  OpCreate,
			Collection: "fowls",
			RecordID:   "f1",
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
			MaxRetries: DefaultMaxRetries,
			Status:     StatusPending,
		}
		if err := store.InsertAction(ctx, a); err != nil {
			t.Fatalf("InsertAction(%s): %v", id, err)
		}
	}

	actions, err := store.PendingActions(ctx)
	if err != nil {
		t.Fatalf("PendingActions: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("len = %d, want 3", len(actions))
	}
	for i, want := range []string{"first", "second", "third"} {
		if actions[i].ID != want {
			t.Errorf("actions[%d].ID = %s, want %s", i, actions[i].ID, want)
		}
	}
}

func TestIncrementActionRetryFlipsToFailed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := &OfflineAction{
		ID:         "r1",
		Operation:  OpCreate,
		Collection: "fowls",
		RecordID:   "f1",
		EnqueuedAt: time.Now(),
		MaxRetries: 3,
		Status:     StatusPending,
	}
	if err := store.InsertAction(ctx, a); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		got, err := store.IncrementActionRetry(ctx, "r1", "timeout")
		if err != nil {
			t.Fatalf("IncrementActionRetry #%d: %v", i, err)
		}
		if got.Status != StatusPending {
			t.Fatalf("after %d retries status = %v, want pending", i, got.Status)
		}
	}

	got, err := store.IncrementActionRetry(ctx, "r1", "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("after 3rd retry status = %v, want failed", got.Status)
	}
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}

	// The guard clause stops the counter at the budget.
	got, err = store.IncrementActionRetry(ctx, "r1", "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 3 {
		t.Errorf("retry count moved past budget: %d", got.RetryCount)
	}
}

func TestResetFailedAction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := &OfflineAction{
		ID: "r2", Operation: OpDelete, Collection: "fowls", RecordID: "f2",
		EnqueuedAt: time.Now(), MaxRetries: 1, Status: StatusPending,
	}
	if err := store.InsertAction(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := store.IncrementActionRetry(ctx, "r2", "boom"); err != nil {
		t.Fatal(err)
	}

	if err := store.ResetFailedAction(ctx, "r2"); err != nil {
		t.Fatalf("ResetFailedAction: %v", err)
	}
	got, err := store.GetAction(ctx, "r2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.RetryCount != 0 {
		t.Errorf("reset left status=%v retries=%d", got.Status, got.RetryCount)
	}

	// Resetting a non-failed action is a no-op error.
	if err := store.ResetFailedAction(ctx, "r2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSyncedBefore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := &OfflineAction{
		ID: "old", Operation: OpCreate, Collection: "c", RecordID: "1",
		EnqueuedAt: time.Now().Add(-48 * time.Hour), MaxRetries: 3, Status: StatusPending,
	}
	fresh := &OfflineAction{
		ID: "fresh", Operation: OpCreate, Collection: "c", RecordID: "2",
		EnqueuedAt: time.Now(), MaxRetries: 3, Status: StatusPending,
	}
	for _, a := range []*OfflineAction{old, fresh} {
		if err := store.InsertAction(ctx, a); err != nil {
			t.Fatal(err)
		}
		if err := store.UpdateActionStatus(ctx, a.ID, StatusSynced, ""); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.DeleteSyncedBefore(ctx, time.Now().Add(-SyncedRetention))
	if err != nil {
		t.Fatalf("DeleteSyncedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := store.GetAction(ctx, "fresh"); err != nil {
		t.Errorf("fresh synced action removed early: %v", err)
	}
}

func TestCacheEntryRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	entry := &CacheEntry{
		Key:       "flock:f1",
		Payload:   []byte(`{"breed":"leghorn"}`),
		Priority:  CachePriorityHigh,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		SizeBytes: 19,
	}
	if err := store.PutEntry(ctx, entry); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}

	got, err := store.GetEntry(ctx, "flock:f1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if string(got.Payload) != `{"breed":"leghorn"}` || got.Priority != CachePriorityHigh {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := store.GetEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpiredEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	expired := &CacheEntry{
		Key: "gone", Payload: []byte("x"), Priority: CachePriorityLow,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour), SizeBytes: 1,
	}
	alive := &CacheEntry{
		Key: "kept", Payload: []byte("y"), Priority: CachePriorityHigh,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), SizeBytes: 1,
	}
	for _, e := range []*CacheEntry{expired, alive} {
		if err := store.PutEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.DeleteExpiredEntries(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := store.GetEntry(ctx, "kept"); err != nil {
		t.Errorf("live entry removed: %v", err)
	}
}

func TestSyncState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	v, err := store.GetState(ctx, "last_sync_time")
	if err != nil || v != "" {
		t.Fatalf("unset state = %q, %v", v, err)
	}

	if err := store.SetState(ctx, "last_sync_time", "12345"); err != nil {
		t.Fatal(err)
	}
	v, err = store.GetState(ctx, "last_sync_time")
	if err != nil || v != "12345" {
		t.Fatalf("state = %q, %v; want 12345", v, err)
	}

	// Survives reopen.
	path := store.config.Path
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultLocalStoreConfig()
	cfg.Path = path
	reopened, err := OpenSQLiteStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	v, err = reopened.GetState(ctx, "last_sync_time")
	if err != nil || v != "12345" {
		t.Fatalf("state after reopen = %q, %v; want 12345", v, err)
	}
}
