package activitylog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agorahq/agora/internal/common/config"
)

// PostgresStore persists activity and log rows in PostgreSQL. pgxpool
// handles pooling, so a single store serves reads and writes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres connects to the database named by cfg.URL, verifies the
// connection, and initializes the schema.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('human-input', 'task', 'question', 'response', 'status', 'progress', 'error')),
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_activities_from_agent ON activities(from_agent);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id BIGSERIAL PRIMARY KEY,
		agent TEXT NOT NULL,
		level TEXT NOT NULL CHECK (level IN ('debug', 'info', 'warn', 'error', 'fatal')),
		message TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_agent ON agent_logs(agent);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_created_at ON agent_logs(created_at DESC);
`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

// RecordActivity appends an activity row, generating the id and timestamp
// when the caller left them zero.
func (s *PostgresStore) RecordActivity(ctx context.Context, activity Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	payload := activity.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activities (id, from_agent, to_agent, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		activity.ID, activity.FromAgent, activity.ToAgent, activity.Type, payload, activity.CreatedAt)
	return err
}

// RecordLog appends an agent log row.
func (s *PostgresStore) RecordLog(ctx context.Context, entry LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_logs (agent, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.Agent, entry.Level, entry.Message, metadata, entry.CreatedAt)
	return err
}

// RecentActivity returns the newest activity rows, most recent first.
func (s *PostgresStore) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_agent, to_agent, type, payload, created_at
		FROM activities
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.FromAgent, &a.ToAgent, &a.Type, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// Ping verifies the pool is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
