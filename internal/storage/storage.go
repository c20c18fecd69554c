// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the database file created in the data directory.
const DBFileName = "swapd.db"

// Storage provides persistent storage for the swap daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if needed) the database in cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	-- Known peers
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		last_connected INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- =========================================================================
	-- Swaps (one row per swap, never deleted)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swaps (
		uuid TEXT PRIMARY KEY,
		swap_type TEXT NOT NULL,
		version INTEGER NOT NULL,

		maker_coin TEXT NOT NULL,
		taker_coin TEXT NOT NULL,

		-- Volumes are decimal strings, never floats
		maker_volume TEXT NOT NULL,
		taker_volume TEXT NOT NULL,
		taker_premium TEXT NOT NULL DEFAULT '0',
		dex_fee TEXT NOT NULL DEFAULT '0',
		dex_fee_burn TEXT NOT NULL DEFAULT '0',

		started_at INTEGER NOT NULL,
		lock_duration INTEGER NOT NULL,

		maker_coin_confs INTEGER NOT NULL DEFAULT 0,
		maker_coin_nota INTEGER NOT NULL DEFAULT 0,
		taker_coin_confs INTEGER NOT NULL DEFAULT 0,
		taker_coin_nota INTEGER NOT NULL DEFAULT 0,

		-- Own secret and the hash published for it
		secret BLOB NOT NULL,
		secret_hash BLOB NOT NULL,
		secret_hash_algo INTEGER NOT NULL,

		-- Counterparty message key
		other_pubkey BLOB NOT NULL,

		-- Role specific parameters (JSON)
		params TEXT,

		is_finished INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_finished ON swaps(is_finished);
	CREATE INDEX IF NOT EXISTS idx_swaps_started ON swaps(started_at);

	-- Append-only event log
	CREATE TABLE IF NOT EXISTS swap_events (
		uuid TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		data TEXT NOT NULL,
		terminal INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,

		PRIMARY KEY (uuid, seq),
		FOREIGN KEY (uuid) REFERENCES swaps(uuid)
	);

	-- Reentrancy locks
	CREATE TABLE IF NOT EXISTS swap_locks (
		uuid TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations adds columns introduced after the first schema version.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE swaps ADD COLUMN finished_at INTEGER",
	}
	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}
	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZeroToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
