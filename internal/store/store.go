// Package store is the local SQLite cache of streamed pipeline logs and job
// snapshots, used for offline review with `arca history`.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arca/internal/logging"
)

// ErrNotFound is returned when a cached row does not exist.
var ErrNotFound = errors.New("store: not found")

// CurrentSchemaVersion is the schema version written by this package.
// v1: log_entries, job_snapshots
// v2: log_entries.event_id, job_snapshots.filename
// v3: unique (job_id, event_id) for lines that carry an event id
const CurrentSchemaVersion = 3

// Store is a SQLite-backed cache.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	now    func() time.Time
}

// Open initializes the SQLite database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening cache at %s (driver %s)", path, driverName)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("%s failed: %v", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the tables and applies column migrations.
func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS log_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			level TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			raw TEXT NOT NULL DEFAULT '',
			received_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_job ON log_entries(job_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_received ON log_entries(received_at)`,
		`CREATE TABLE IF NOT EXISTS job_snapshots (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			progress REAL NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s.migrate()
}

type migration struct {
	version int
	table   string
	column  string
	def     string
}

var migrations = []migration{
	{2, "log_entries", "event_id", "TEXT NOT NULL DEFAULT ''"},
	{2, "job_snapshots", "filename", "TEXT NOT NULL DEFAULT ''"},
}

func (s *Store) migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= version || columnExists(s.db, m.table, m.column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
		logging.Store("Applied migration v%d: %s.%s", m.version, m.table, m.column)
	}
	if version < 3 {
		if err := s.dedupeEventIDs(); err != nil {
			return err
		}
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if _, err := s.db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("failed to reset schema version: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// dedupeEventIDs drops replayed copies of a stream event, keeping the first
// one received, then indexes (job_id, event_id) so replays are ignored.
func (s *Store) dedupeEventIDs() error {
	res, err := s.db.Exec(`
		DELETE FROM log_entries
		WHERE event_id != '' AND id NOT IN (
			SELECT MIN(id) FROM log_entries WHERE event_id != '' GROUP BY job_id, event_id
		)`)
	if err != nil {
		return fmt.Errorf("migration v3 dedupe failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Store("Applied migration v3: removed %d duplicate log lines", n)
	}
	if _, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_log_entries_event
		ON log_entries(job_id, event_id) WHERE event_id != ''`); err != nil {
		return fmt.Errorf("migration v3 index failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the recorded schema version, 0 for a fresh database.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
