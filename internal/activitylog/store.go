// Package activitylog persists the append-only activity and agent log
// tables backing the gateway's history and health endpoints.
//
// Writes on the bus path go through Async, which decouples callers from
// store latency: records are queued and written by a background drain
// goroutine, and a full queue drops records rather than blocking.
package activitylog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

// TypeHumanInput marks activity rows recorded from raw browser input,
// before the message becomes a bus envelope. All other activity types
// mirror the envelope type set.
const TypeHumanInput = "human-input"

// Activity is one append-only row describing a message that crossed the
// system: who sent it, who it was for, and its structured payload.
type Activity struct {
	ID        string          `db:"id" json:"id"`
	FromAgent string          `db:"from_agent" json:"from_agent"`
	ToAgent   string          `db:"to_agent" json:"to_agent"`
	Type      string          `db:"type" json:"type"`
	Payload   json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// LogEntry is one row in the agent_logs table. Level is constrained to
// the zap level names (debug, info, warn, error, fatal).
type LogEntry struct {
	ID        int64           `db:"id" json:"id"`
	Agent     string          `db:"agent" json:"agent"`
	Level     string          `db:"level" json:"level"`
	Message   string          `db:"message" json:"message"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Store persists activities and agent logs.
type Store interface {
	// RecordActivity appends an activity row. A zero ID or CreatedAt is
	// filled in by the store.
	RecordActivity(ctx context.Context, activity Activity) error
	// RecordLog appends an agent log row.
	RecordLog(ctx context.Context, entry LogEntry) error
	// RecentActivity returns the newest rows, most recent first. A
	// non-positive limit falls back to a default page size.
	RecentActivity(ctx context.Context, limit int) ([]Activity, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// ActivityFromEnvelope maps a bus envelope onto an activity row. The
// envelope id doubles as the row id so redelivered envelopes surface as
// constraint violations instead of duplicate history.
func ActivityFromEnvelope(env *envelope.Envelope) Activity {
	return Activity{
		ID:        env.ID,
		FromAgent: env.From,
		ToAgent:   env.To,
		Type:      string(env.Type),
		Payload:   env.Payload,
		CreatedAt: env.Timestamp,
	}
}

// New builds the store selected by cfg.Driver and wraps it in the async
// writer so bus-path callers never block on the database.
func New(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (Store, error) {
	var (
		backend Store
		err     error
	)
	switch cfg.Driver {
	case "postgres":
		backend, err = NewPostgres(ctx, cfg)
	case "sqlite", "":
		backend, err = NewSQLite(cfg.Path)
	case "none":
		backend = NewNop()
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewAsync(backend, cfg.QueueSize, log), nil
}
