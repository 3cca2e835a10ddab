package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/canonical/concierge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements engine.StateStore and engine.EventPublisher on SQLite.
// A single connection is used so every write is serialized.
type SQLiteStore struct {
	mu          sync.Mutex
	db          *sql.DB
	path        string
	busyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	return &SQLiteStore{
		path:        cfg.Path,
		busyTimeout: cfg.BusyTimeout,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite",
		s.path, s.busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// one writer, and an in-memory database lives only as long as its connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.PingContext(ctx)
}

// AppendRecord implements engine.StateStore. It assigns record.Seq.
func (s *SQLiteStore) AppendRecord(ctx context.Context, record *engine.InstallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dependsOn, err := json.Marshal(nonNil(record.DependsOn))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM install_records WHERE step_id = ?`, record.StepID,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to check install record: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, record.StepID)
	}

	query := `
		INSERT INTO install_records (step_id, run_id, kind, target, action, params, depends_on, pre_existing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		record.StepID,
		record.RunID,
		string(record.Kind),
		record.Target,
		string(record.Action),
		nullJSON(record.Params),
		string(dependsOn),
		record.PreExisting,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append install record: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get record sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit install record: %w", err)
	}

	record.Seq = seq
	return nil
}

const recordColumns = `seq, step_id, run_id, kind, target, action, params, depends_on, pre_existing, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*engine.InstallRecord, error) {
	var (
		rec       engine.InstallRecord
		kind      string
		action    string
		params    sql.NullString
		dependsOn string
	)
	if err := row.Scan(
		&rec.Seq,
		&rec.StepID,
		&rec.RunID,
		&kind,
		&rec.Target,
		&action,
		&params,
		&dependsOn,
		&rec.PreExisting,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.Kind = engine.StepKind(kind)
	rec.Action = engine.Action(action)
	if params.Valid && params.String != "" {
		rec.Params = json.RawMessage(params.String)
	}
	if err := json.Unmarshal([]byte(dependsOn), &rec.DependsOn); err != nil {
		return nil, fmt.Errorf("invalid dependencies for %s: %w", rec.StepID, err)
	}
	if len(rec.DependsOn) == 0 {
		rec.DependsOn = nil
	}
	return &rec, nil
}

// GetRecord implements engine.StateStore.
func (s *SQLiteStore) GetRecord(ctx context.Context, stepID string) (*engine.InstallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM install_records WHERE step_id = ?`, stepID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get install record: %w", err)
	}
	return rec, nil
}

// ListRecords implements engine.StateStore.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]engine.InstallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM install_records ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list install records: %w", err)
	}
	defer rows.Close()

	records := []engine.InstallRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating install records: %w", err)
	}
	return records, nil
}

// DeleteRecord implements engine.StateStore.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM install_records WHERE step_id = ?`, stepID)
	if err != nil {
		return fmt.Errorf("failed to delete install record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("install record %s: %w", stepID, ErrNotFound)
	}
	return nil
}

// SaveRun implements engine.StateStore. An existing run is updated in place.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}

	query := `
		INSERT INTO runs (id, kind, status, started_at, completed_at, config)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			config = CASE WHEN excluded.config = '' THEN runs.config ELSE excluded.config END
	`
	if _, err := s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Kind),
		string(run.Status),
		run.StartedAt.UTC(),
		completedAt,
		run.Config,
	); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, kind, status, started_at, completed_at, config`

func scanRun(row rowScanner) (*engine.RunEntry, error) {
	var (
		run         engine.RunEntry
		kind        string
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &kind, &status, &run.StartedAt, &completedAt, &run.Config); err != nil {
		return nil, err
	}
	run.Kind = engine.RunKind(kind)
	run.Status = engine.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// LastRun implements engine.StateStore.
func (s *SQLiteStore) LastRun(ctx context.Context, kind engine.RunKind) (*engine.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE kind = ? ORDER BY rowid DESC LIMIT 1`, string(kind))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return run, nil
}

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]engine.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.RunEntry{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Publish implements engine.EventPublisher by appending the event to the timeline.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	var details any
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = string(raw)
	}
	var stepID any
	if event.StepID != "" {
		stepID = event.StepID
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO events (run_id, step_id, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		event.RunID, stepID, string(event.Type), event.Message, details, ts.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run in the order they were published.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]EventEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, run_id, step_id, type, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []EventEntry{}
	for rows.Next() {
		var (
			e       EventEntry
			stepID  sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.StepID = stepID.String
		e.Details = details.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var (
	_ engine.StateStore     = (*SQLiteStore)(nil)
	_ engine.EventPublisher = (*SQLiteStore)(nil)
)
