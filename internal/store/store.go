package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store is the audit log of kernel runs: one row per run, plus the kernel
// events and authorization decisions recorded while it ran.
type Store struct {
	db *sql.DB
}

// pragmas are applied to every connection Open hands out. The log is written
// by a single recorder and read by trace while a run may still be going.
var pragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

// migration upgrades the schema from version-1 to version.
type migration struct {
	version int
	stmt    string
}

// migrations are applied in order on top of schema.sql. user_version records
// the last one applied.
var migrations = []migration{
	// trace --kind filters events by kind within a run.
	{1, `CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind)`},
	// run summaries count denials per reason.
	{2, `CREATE INDEX IF NOT EXISTS idx_decisions_run_verdict ON decisions(run_id, verdict, reason)`},
}

var currentSchemaVersion = migrations[len(migrations)-1].version

// Open opens the audit log at path, creating it if needed, and brings its
// schema up to date. Opening an existing log again is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: a second one would see an empty ":memory:" database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %s: %w", p.name, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the log. Closing a zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for read-only queries such as scenario audit
// assertions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	return value, nil
}
