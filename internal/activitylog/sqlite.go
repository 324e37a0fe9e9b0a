package activitylog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	sqliteReaderConns = 4

	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// SQLiteStore persists activity and log rows in a local SQLite file. It
// keeps two pools: a single-connection writer, which serializes inserts
// and avoids SQLITE_BUSY, and a small read-only pool that serves history
// queries concurrently via WAL snapshots.
type SQLiteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database file and initializes
// the schema.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	normalizedPath := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for a log table.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// Reader DSN: read-only mode; journal_mode and synchronous are
	// database-level settings established by the writer.
	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	s := &SQLiteStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('human-input', 'task', 'question', 'response', 'status', 'progress', 'error')),
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_activities_from_agent ON activities(from_agent);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		level TEXT NOT NULL CHECK (level IN ('debug', 'info', 'warn', 'error', 'fatal')),
		message TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_agent ON agent_logs(agent);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_created_at ON agent_logs(created_at DESC);
`

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

// RecordActivity appends an activity row, generating the id and timestamp
// when the caller left them zero.
func (s *SQLiteStore) RecordActivity(ctx context.Context, activity Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	payload := string(activity.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, from_agent, to_agent, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		activity.ID, activity.FromAgent, activity.ToAgent, activity.Type, payload, activity.CreatedAt)
	return err
}

// RecordLog appends an agent log row.
func (s *SQLiteStore) RecordLog(ctx context.Context, entry LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata := string(entry.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_logs (agent, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Agent, entry.Level, entry.Message, metadata, entry.CreatedAt)
	return err
}

// RecentActivity returns the newest activity rows, most recent first.
func (s *SQLiteStore) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	var activities []Activity
	err := s.ro.SelectContext(ctx, &activities, `
		SELECT id, from_agent, to_agent, type, payload, created_at
		FROM activities
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	return activities, err
}

// Ping verifies the writer connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes both the writer and reader pools.
func (s *SQLiteStore) Close() error {
	wErr := s.db.Close()
	if rErr := s.ro.Close(); rErr != nil && wErr == nil {
		return rErr
	}
	return wErr
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
