// Package store owns the SQLite knowledge database: connection
// lifecycle, schema, input validation, and CRUD for the knowledge
// record types. Subsystems with their own tables (conductor, fraud,
// observer) share the connection through DB().
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
)

// Store manages the knowledge database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	log    *logging.Logger
}

// New creates or opens the knowledge store at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, hiveerr.Database("create database directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, hiveerr.Database("open database", err)
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
		log:    logging.Get(logging.CategoryStore),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, hiveerr.Database("initialize schema", err)
	}

	// The database may hold sensitive project knowledge.
	if err := os.Chmod(dbPath, 0o600); err != nil && !os.IsNotExist(err) {
		s.log.Warn("cannot restrict database permissions: %v", err)
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

// DB exposes the shared connection for subsystems that own their own
// tables. The schema for those tables still lives here.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction serialized against other local
// writers.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return hiveerr.Database("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return hiveerr.Database("commit transaction", err)
	}
	return nil
}

// Audit row statuses.
const (
	AuditSuccess = "success"
	AuditTimeout = "timeout"
	AuditError   = "error"
)

// AuditQuery records a knowledge query for usage analysis. Auditing is
// best-effort and never fails the caller.
func (s *Store) AuditQuery(queryType, domain, queryText string, resultCount int, durationMs int64, status string) {
	if status == "" {
		status = AuditSuccess
	}
	_, err := s.db.Exec(`
		INSERT INTO building_queries (query_type, domain, query_text, result_count, duration_ms, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		queryType, domain, queryText, resultCount, durationMs, status, nowISO())
	if err != nil {
		s.log.Warn("query audit failed: %v", err)
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
