// Package storage persists positions, trade history and the processed-message
// log in SQLite (default) or Postgres.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timestampLayout is fixed-width so text timestamps sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		message_id    TEXT NOT NULL DEFAULT '',
		ticker        TEXT NOT NULL,
		strike        NUMERIC NOT NULL,
		option_type   TEXT NOT NULL,
		action        TEXT NOT NULL,
		contracts     INTEGER NOT NULL,
		price         NUMERIC,
		option_symbol TEXT NOT NULL DEFAULT '',
		order_id      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT '',
		account_id    TEXT NOT NULL DEFAULT '',
		order_type    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_contract ON trades (ticker, strike, option_type)`,
	`CREATE TABLE IF NOT EXISTS positions (
		ticker          TEXT NOT NULL,
		strike          NUMERIC NOT NULL,
		option_type     TEXT NOT NULL,
		quantity        INTEGER NOT NULL CHECK (quantity > 0),
		avg_entry_price NUMERIC,
		last_updated    TEXT NOT NULL,
		PRIMARY KEY (ticker, strike, option_type)
	)`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
		id           TEXT PRIMARY KEY,
		processed_at TEXT NOT NULL
	)`,
}

// SQLStore implements Interface over database/sql via sqlx.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the store and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sqlx.Open(DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s store: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// openSQLite opens a single-connection SQLite handle with WAL and a busy timeout.
func openSQLite(path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	inMemory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !inMemory {
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	params := "_busy_timeout=5000&_foreign_keys=on"
	if !inMemory {
		params += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sqlx.Open(DriverSQLite, path+sep+params)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Driver returns the database driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", path, err)
	}
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	// legacy rows were written in looser ISO-8601 forms
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
