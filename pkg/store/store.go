// Package store is the durable state layer for the orchestrator. All state
// lives in a single embedded sqlite database; mutating operations serialize
// on a process-wide writer lock while readers use independent snapshots.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// Retention bounds enforced transactionally on insert.
const (
	MaxPublishHistory  = 5000
	MaxPlansPerDevice  = 200
	MaxOverrideListing = 200
)

// Store wraps the sqlite database with single-writer discipline.
type Store struct {
	db *sql.DB

	// mu serializes all mutating transactions. Reads go straight to the
	// database and rely on sqlite snapshot semantics.
	mu sync.Mutex
}

// Open opens (creating if necessary) the orchestrator database at path and
// applies the schema plus additive column migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, util.Internalf("creating data directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, util.Internalf("opening database", err)
	}
	if err := db.Ping(); err != nil {
		return nil, util.Internalf("pinging database", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, util.Internalf("initializing schema", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteTx runs fn inside a transaction under the writer lock.
func (s *Store) withWriteTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
	  device_id TEXT PRIMARY KEY,
	  last_checkin_epoch INTEGER NOT NULL DEFAULT 0,
	  next_wakeup_epoch INTEGER NOT NULL DEFAULT 0,
	  sleep_seconds INTEGER NOT NULL DEFAULT 0,
	  poll_interval_seconds INTEGER NOT NULL DEFAULT 3600,
	  failure_count INTEGER NOT NULL DEFAULT 0,
	  last_http_status INTEGER NOT NULL DEFAULT 0,
	  fetch_ok INTEGER NOT NULL DEFAULT 0,
	  image_changed INTEGER NOT NULL DEFAULT 0,
	  image_source TEXT NOT NULL DEFAULT 'daily',
	  last_error TEXT NOT NULL DEFAULT '',
	  battery_mv INTEGER NOT NULL DEFAULT -1,
	  battery_percent INTEGER NOT NULL DEFAULT -1,
	  charging INTEGER NOT NULL DEFAULT -1,
	  vbus_good INTEGER NOT NULL DEFAULT -1,
	  reported_config_json TEXT NOT NULL DEFAULT '{}',
	  reported_config_epoch INTEGER NOT NULL DEFAULT 0,
	  updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS overrides (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  device_id TEXT NOT NULL,
	  start_epoch INTEGER NOT NULL,
	  end_epoch INTEGER NOT NULL,
	  asset_name TEXT NOT NULL,
	  asset_sha256 TEXT NOT NULL,
	  note TEXT NOT NULL DEFAULT '',
	  created_epoch INTEGER NOT NULL,
	  enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_window
	  ON overrides (start_epoch, end_epoch);
	CREATE INDEX IF NOT EXISTS idx_overrides_device_window
	  ON overrides (device_id, start_epoch, end_epoch);

	CREATE TABLE IF NOT EXISTS publish_history (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  device_id TEXT NOT NULL,
	  issued_epoch INTEGER NOT NULL,
	  source TEXT NOT NULL,
	  image_url TEXT NOT NULL,
	  override_id INTEGER,
	  poll_after_seconds INTEGER NOT NULL,
	  valid_until_epoch INTEGER NOT NULL,
	  created_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_publish_history_device_epoch
	  ON publish_history (device_id, issued_epoch DESC);

	CREATE TABLE IF NOT EXISTS device_config_plans (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  device_id TEXT NOT NULL,
	  config_json TEXT NOT NULL,
	  note TEXT NOT NULL DEFAULT '',
	  created_epoch INTEGER NOT NULL,
	  created_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_device_config_plans_device_id
	  ON device_config_plans (device_id, id DESC);

	CREATE TABLE IF NOT EXISTS device_config_status (
	  device_id TEXT PRIMARY KEY,
	  last_query_epoch INTEGER NOT NULL DEFAULT 0,
	  last_seen_version INTEGER NOT NULL DEFAULT 0,
	  target_version INTEGER NOT NULL DEFAULT 0,
	  last_apply_epoch INTEGER NOT NULL DEFAULT 0,
	  applied_version INTEGER NOT NULL DEFAULT 0,
	  apply_ok INTEGER NOT NULL DEFAULT 0,
	  apply_error TEXT NOT NULL DEFAULT '',
	  updated_at INTEGER NOT NULL DEFAULT 0
	);
	`

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.applyMigrations()
}

// applyMigrations adds columns introduced after the initial schema. Additive
// only: existing databases gain missing columns with defaults, nothing else.
func (s *Store) applyMigrations() error {
	migrations := []struct {
		table, column, ddl string
	}{
		{"devices", "reported_config_json", "TEXT NOT NULL DEFAULT '{}'"},
		{"devices", "reported_config_epoch", "INTEGER NOT NULL DEFAULT 0"},
		{"devices", "battery_mv", "INTEGER NOT NULL DEFAULT -1"},
		{"devices", "battery_percent", "INTEGER NOT NULL DEFAULT -1"},
		{"devices", "charging", "INTEGER NOT NULL DEFAULT -1"},
		{"devices", "vbus_good", "INTEGER NOT NULL DEFAULT -1"},
	}
	for _, m := range migrations {
		if err := s.ensureColumn(m.table, m.column, m.ddl); err != nil {
			return fmt.Errorf("migrating %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (s *Store) ensureColumn(table, column, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return err
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl))
	return err
}

// NormalizeDeviceID maps a blank id to the "*" wildcard.
func NormalizeDeviceID(id string) string {
	if s := strings.TrimSpace(id); s != "" {
		return s
	}
	return "*"
}
