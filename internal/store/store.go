// Package store provides SQLite persistence for ManagerAgent state: plans
// and tasks, the event journal and delivery ledger, registered services,
// reports, and benchmarks.
//
// The database lives at <workspace>/.magent/manager.db, opened with WAL and
// a busy timeout. Schema changes go through versioned migrations applied in
// a transaction.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"manageragent/internal/logging"
)

// DBFileName is the SQLite file name under the state directory.
const DBFileName = "manager.db"

// Store manages the ManagerAgent database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the store in the given state directory.
func Open(stateDir string) (*Store, error) {
	dbPath := filepath.Join(stateDir, DBFileName)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Snapshot writes a consistent copy of the database to destPath using
// VACUUM INTO, so backups never capture a torn WAL state.
func (s *Store) Snapshot(destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear snapshot target: %w", err)
	}

	timer := logging.StartTimer(logging.CategoryStore, "Snapshot")
	defer timer.Stop()

	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("vacuum into failed: %w", err)
	}
	return nil
}

// migration is one versioned schema step.
type migration struct {
	version int
	sql     string
}

// migrations run in order inside a single transaction per migration.
var migrations = []migration{
	{1, `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		last_revision TEXT
	);

	CREATE TABLE IF NOT EXISTS phases (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		ord INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_phases_plan ON phases(plan_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		phase_id TEXT NOT NULL REFERENCES phases(id) ON DELETE CASCADE,
		plan_id TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		ord INTEGER NOT NULL,
		depends_on_json TEXT,
		attempts_json TEXT,
		last_error TEXT,
		next_retry_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`},
	{2, `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		source TEXT NOT NULL,
		payload BLOB,
		metadata_json TEXT,
		ts DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		pattern TEXT NOT NULL,
		name TEXT NOT NULL,
		durable INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		subscription_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at DATETIME,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);
	CREATE INDEX IF NOT EXISTS idx_deliveries_event ON deliveries(event_id);
	`},
	{3, `
	CREATE TABLE IF NOT EXISTS services (
		name TEXT NOT NULL,
		addr TEXT NOT NULL,
		ttl_ms INTEGER NOT NULL,
		registered_at DATETIME NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		PRIMARY KEY (name, addr)
	);
	`},
	{4, `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		generated_at DATETIME NOT NULL,
		title TEXT NOT NULL,
		markdown TEXT NOT NULL,
		data_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_generated ON reports(generated_at);

	CREATE TABLE IF NOT EXISTS benchmarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		total_ns INTEGER NOT NULL,
		mean_ns INTEGER NOT NULL,
		p50_ns INTEGER NOT NULL,
		p95_ns INTEGER NOT NULL,
		max_ns INTEGER NOT NULL,
		measured_at DATETIME NOT NULL
	);
	`},
}

// migrate applies any pending schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d bookkeeping failed: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		applied++
	}

	if applied > 0 {
		logging.Store("Applied %d schema migrations (now at v%d)", applied, migrations[len(migrations)-1].version)
	}
	return nil
}

// SchemaVersion returns the current applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
