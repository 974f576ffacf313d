// Package sqlite implements the storage interfaces on a single SQLite
// file under the storage directory.
//
// The file is shared by independent short-lived processes, so the store
// opens in WAL mode with a busy timeout and serializes every conflicting
// write with a storage-level transaction, never an in-process lock.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// DefaultDuplicateWindow bounds how far back Append looks for a
// near-identical event in the same session.
const DefaultDuplicateWindow = 5 * time.Minute

// Client implements storage.Ledger, storage.CitationStore,
// storage.Outbox, and storage.GraduationStore on SQLite.
type Client struct {
	db *sql.DB

	// dupWindow is the duplicate-detection window for Append.
	dupWindow time.Duration
}

// Config contains configuration for opening the SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// DuplicateWindow overrides DefaultDuplicateWindow when positive.
	DuplicateWindow time.Duration
}

// NewClient opens (or creates) the store at cfg.DBPath and migrates the
// schema.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("NewClient: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewClient: %w: %v", storage.ErrUnavailable, err)
	}

	dupWindow := cfg.DuplicateWindow
	if dupWindow <= 0 {
		dupWindow = DefaultDuplicateWindow
	}

	client := &Client{db: db, dupWindow: dupWindow}
	if err := client.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

func (c *Client) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY,
		session_id   TEXT NOT NULL,
		type         TEXT NOT NULL,
		timestamp    DATETIME NOT NULL,
		payload      TEXT NOT NULL,
		search_text  TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		level        INTEGER NOT NULL DEFAULT 0,
		created_at   DATETIME NOT NULL,
		embedded_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_events_dedup ON events(session_id, content_hash, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_level ON events(level, created_at);

	CREATE TABLE IF NOT EXISTS citations (
		citation_id TEXT PRIMARY KEY,
		event_id    INTEGER NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
		created_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS citation_usages (
		usage_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		citation_id   TEXT NOT NULL REFERENCES citations(citation_id) ON DELETE CASCADE,
		session_id    TEXT NOT NULL,
		used_at       DATETIME NOT NULL,
		context_query TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_usages_citation ON citation_usages(citation_id, used_at);
	CREATE INDEX IF NOT EXISTS idx_usages_used_at ON citation_usages(used_at);

	CREATE TABLE IF NOT EXISTS outbox (
		event_id     INTEGER PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
		enqueued_at  DATETIME NOT NULL,
		claimed_by   TEXT,
		claimed_at   DATETIME,
		processed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(processed_at, claimed_at);

	CREATE TABLE IF NOT EXISTS sweep_state (
		name   TEXT PRIMARY KEY,
		ran_at DATETIME NOT NULL
	);
	`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
