package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/canonical/concierge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(stepID string, kind engine.StepKind, target string) *engine.InstallRecord {
	return &engine.InstallRecord{
		RunID:     "run-001",
		StepID:    stepID,
		Kind:      kind,
		Target:    target,
		Action:    engine.ActionInstall,
		CreatedAt: time.Now(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized before Init, got %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"install_records", "runs", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestRecordCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := record("provider/lxd", engine.StepKindProvider, "lxd")
	rec.Params = json.RawMessage(`{"channel":"5.21/stable"}`)
	rec.DependsOn = []string{"snap/lxd"}
	rec.PreExisting = true

	if err := store.AppendRecord(ctx, rec); err != nil {
		t.Fatalf("failed to append record: %v", err)
	}
	if rec.Seq == 0 {
		t.Error("expected a sequence number to be assigned")
	}

	got, err := store.GetRecord(ctx, "provider/lxd")
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record")
	}
	if got.Kind != engine.StepKindProvider || got.Target != "lxd" || got.Action != engine.ActionInstall {
		t.Errorf("unexpected record: %+v", got)
	}
	if string(got.Params) != `{"channel":"5.21/stable"}` {
		t.Errorf("expected params to round trip, got %s", got.Params)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "snap/lxd" {
		t.Errorf("expected dependencies to round trip, got %v", got.DependsOn)
	}
	if !got.PreExisting {
		t.Error("expected PreExisting to round trip")
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	if err := store.DeleteRecord(ctx, "provider/lxd"); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}
	got, err = store.GetRecord(ctx, "provider/lxd")
	if err != nil {
		t.Fatalf("failed to get deleted record: %v", err)
	}
	if got != nil {
		t.Errorf("expected no record after delete, got %+v", got)
	}
}

func TestGetRecord_Missing(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.GetRecord(context.Background(), "snap/absent")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestAppendRecord_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.AppendRecord(ctx, record("snap/jq", engine.StepKindSnap, "jq")); err != nil {
		t.Fatalf("failed to append record: %v", err)
	}
	err := store.AppendRecord(ctx, record("snap/jq", engine.StepKindSnap, "jq"))
	if !errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("expected ErrDuplicateRecord, got %v", err)
	}

	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
}

func TestDeleteRecord_Missing(t *testing.T) {
	store := setupTestStore(t)

	err := store.DeleteRecord(context.Background(), "snap/absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecords_InsertionOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected an empty store, got %d records", len(records))
	}

	ids := []string{"snap/lxd", "deb/make", "provider/lxd", "juju/juju", "bootstrap/lxd"}
	for _, id := range ids {
		if err := store.AppendRecord(ctx, record(id, engine.StepKindSnap, id)); err != nil {
			t.Fatalf("failed to append %s: %v", id, err)
		}
	}

	records, err = store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != len(ids) {
		t.Fatalf("expected %d records, got %d", len(ids), len(records))
	}
	for i, rec := range records {
		if rec.StepID != ids[i] {
			t.Errorf("records[%d] = %s, want %s", i, rec.StepID, ids[i])
		}
		if i > 0 && rec.Seq <= records[i-1].Seq {
			t.Errorf("expected increasing sequence numbers, got %d after %d", rec.Seq, records[i-1].Seq)
		}
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("snap/pkg-%02d", i)
			errs <- store.AppendRecord(ctx, record(id, engine.StepKindSnap, id))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent append failed: %v", err)
		}
	}
	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != n {
		t.Errorf("expected %d records, got %d", n, len(records))
	}
}

func TestRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Now()

	last, err := store.LastRun(ctx, engine.RunKindPrepare)
	if err != nil {
		t.Fatalf("failed to get last run: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no run, got %+v", last)
	}

	first := &engine.RunEntry{
		ID:        "run-001",
		Kind:      engine.RunKindPrepare,
		Status:    engine.RunStatusProvisioning,
		StartedAt: start,
		Config:    "providers:\n  lxd:\n    enable: true\n",
	}
	if err := store.SaveRun(ctx, first); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	done := start.Add(time.Minute)
	first.Status = engine.RunStatusSucceeded
	first.CompletedAt = &done
	first.Config = ""
	if err := store.SaveRun(ctx, first); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	restore := &engine.RunEntry{ID: "run-002", Kind: engine.RunKindRestore, Status: engine.RunStatusSucceeded, StartedAt: done}
	if err := store.SaveRun(ctx, restore); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	last, err = store.LastRun(ctx, engine.RunKindPrepare)
	if err != nil {
		t.Fatalf("failed to get last run: %v", err)
	}
	if last == nil || last.ID != "run-001" {
		t.Fatalf("expected run-001, got %+v", last)
	}
	if last.Status != engine.RunStatusSucceeded {
		t.Errorf("expected status %s, got %s", engine.RunStatusSucceeded, last.Status)
	}
	if last.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if last.Config == "" {
		t.Error("an update without config must keep the stored config")
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-002" {
		t.Errorf("expected newest run first, got %+v", runs)
	}

	if _, err := store.GetRun(ctx, "run-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []*engine.Event{
		{RunID: "run-001", Type: engine.EventTypeRunStarted, Message: "run started"},
		{RunID: "run-001", StepID: "snap/jq", Type: engine.EventTypeStepCompleted, Message: "step completed",
			Details: map[string]interface{}{"attempts": 2}},
		{RunID: "run-002", Type: engine.EventTypeRunStarted, Message: "run started"},
	}
	for _, e := range events {
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}

	got, err := store.ListEvents(ctx, "run-001", 100)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != string(engine.EventTypeRunStarted) || got[0].StepID != "" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].StepID != "snap/jq" || got[1].Details != `{"attempts":2}` {
		t.Errorf("unexpected second event: %+v", got[1])
	}
	if got[1].Timestamp.IsZero() {
		t.Error("expected a timestamp to be assigned")
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.AppendRecord(ctx, record("snap/jq", engine.StepKindSnap, "jq")); err != nil {
		t.Fatalf("failed to append record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRecord(ctx, "snap/jq")
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if got == nil {
		t.Error("expected the record to survive a reopen")
	}
}

func TestDefaultPath(t *testing.T) {
	if got := DefaultPath("/home/ubuntu"); got != "/home/ubuntu/.cache/concierge/state.db" {
		t.Errorf("unexpected default path: %s", got)
	}
}
