// Package store implements the local document cache: a per-collection JSON
// document table with sync metadata, a blob table for file attachments, a
// response-cache table for request memoization, and an FTS5 full-text index
// kept consistent by triggers.
//
// The database runs embedded (SQLite via ncruces/go-sqlite3) with WAL mode
// so reads stay concurrent with the sync layer's writes. The store is the
// only persisted representation of records; the network is never the sole
// source of truth at rest.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pocketcache/pocketcache/internal/schema"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TimeLayout is the wire format for record timestamps.
const TimeLayout = "2006-01-02 15:04:05.000Z"

// BaseFields are the columns that exist on the documents table itself.
// Filters and sorts on any other field go through JSON extraction.
var BaseFields = map[string]struct{}{
	"id":         {},
	"collection": {},
	"created":    {},
	"updated":    {},
}

// Store wraps the embedded SQLite database.
type Store struct {
	conn     *sql.DB
	path     string
	registry *schema.Registry
	logger   *log.Logger
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created along with the schema. Pass ":memory:"
// for an in-memory database (used by tests). The caller MUST call Close()
// when done.
func Open(path string, registry *schema.Registry, logger *log.Logger) (*Store, error) {
	if registry == nil {
		registry = schema.NewRegistry()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	connStr := "file:" + path
	if path == ":memory:" {
		connStr = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection serializes writes and keeps an in-memory
	// database from fragmenting across the pool.
	conn.SetMaxOpenConns(1)

	s := &Store{
		conn:     conn,
		path:     path,
		registry: registry,
		logger:   logger,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Schemas returns the registry the store validates against.
func (s *Store) Schemas() *schema.Registry {
	return s.registry
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// initSchema creates the tables, indexes, FTS index, and the triggers that
// keep the FTS index structurally tied 1:1 to document rows. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT NOT NULL,
		collection TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created TEXT,
		updated TEXT,
		PRIMARY KEY (id, collection)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(collection, updated);

	CREATE TABLE IF NOT EXISTS blobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		content BLOB NOT NULL,
		expiration TEXT,
		created TEXT NOT NULL,
		updated TEXT NOT NULL,
		UNIQUE (record_id, filename)
	);

	CREATE TABLE IF NOT EXISTS response_cache (
		request_key TEXT PRIMARY KEY,
		response TEXT NOT NULL,
		cached_at TEXT NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		id UNINDEXED,
		collection UNINDEXED,
		content
	);

	CREATE TRIGGER IF NOT EXISTS documents_fts_insert AFTER INSERT ON documents BEGIN
		INSERT INTO documents_fts(id, collection, content)
		VALUES (new.id, new.collection, new.data);
	END;

	-- Delete-then-reinsert on update, so the index never holds stale postings.
	CREATE TRIGGER IF NOT EXISTS documents_fts_update AFTER UPDATE ON documents BEGIN
		DELETE FROM documents_fts WHERE id = old.id AND collection = old.collection;
		INSERT INTO documents_fts(id, collection, content)
		VALUES (new.id, new.collection, new.data);
	END;

	CREATE TRIGGER IF NOT EXISTS documents_fts_delete AFTER DELETE ON documents BEGIN
		DELETE FROM documents_fts WHERE id = old.id AND collection = old.collection;
	END;
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns a 15-character lowercase-alphanumeric record id from a
// cryptographically secure source. The format matches server-generated ids,
// so a locally created record never needs id remapping after sync.
func NewID() string {
	buf := make([]byte, 15)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// NowString returns the current UTC time in the record wire format.
func NowString() string {
	return time.Now().UTC().Format(TimeLayout)
}
