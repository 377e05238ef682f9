package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "history.db"
	// DefaultMaintenanceInterval controls WAL truncation and history pruning.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultHistoryRetention is how long finished transfers are kept.
	DefaultHistoryRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  ident               TEXT PRIMARY KEY,
  hostname            TEXT NOT NULL,
  display_name        TEXT NOT NULL DEFAULT '',
  user_name           TEXT NOT NULL DEFAULT '',
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_known_ip       TEXT,
  last_known_port     INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  peer_ident     TEXT NOT NULL,
  start_time     INTEGER NOT NULL,
  direction      TEXT NOT NULL CHECK(direction IN ('outbound','inbound')),
  sender_name    TEXT NOT NULL DEFAULT '',
  receiver_name  TEXT NOT NULL DEFAULT '',
  description    TEXT NOT NULL DEFAULT '',
  total_size     INTEGER NOT NULL DEFAULT 0,
  total_count    INTEGER NOT NULL DEFAULT 0,
  status         TEXT NOT NULL,
  error_msg      TEXT NOT NULL DEFAULT '',
  updated_at     INTEGER NOT NULL,
  PRIMARY KEY (peer_ident, start_time, direction)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_peer_time
ON transfers (peer_ident, start_time DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_updated_at
ON transfers (updated_at DESC);
`,
	`
ALTER TABLE transfers ADD COLUMN attempt INTEGER NOT NULL DEFAULT 1;
`,
	`
ALTER TABLE transfers ADD COLUMN bytes_transferred INTEGER NOT NULL DEFAULT 0;
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	maintenanceInterval time.Duration
	maintenanceStop     chan struct{}
	maintenanceWG       sync.WaitGroup
	historyRetention    time.Duration
	closeOnce           sync.Once
}

// Open opens (or creates) the history database under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                  db,
		maintenanceInterval: DefaultMaintenanceInterval,
		maintenanceStop:     make(chan struct{}),
		historyRetention:    DefaultHistoryRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.maintain(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.maintenanceStop != nil {
			close(s.maintenanceStop)
			s.maintenanceWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// SetHistoryRetention changes how long terminal transfers are kept. Zero or
// negative keeps them forever.
func (s *Store) SetHistoryRetention(retention time.Duration) {
	s.historyRetention = retention
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// maintain prunes expired history and truncates the WAL.
func (s *Store) maintain() error {
	if s.historyRetention > 0 {
		cutoff := time.Now().Add(-s.historyRetention).UnixMilli()
		if _, err := s.PruneTransfers(cutoff); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startMaintenanceLoop() {
	interval := s.maintenanceInterval
	if interval <= 0 || s.maintenanceStop == nil {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.maintain()
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
