// Package bus provides the channel-oriented publish/subscribe transport
// agora agents communicate over. Three drivers implement the same contract:
// redis (default), nats, and an in-memory bus used by tests and single
// process deployments.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

// ErrClosed is returned by operations on a bus that has been closed.
var ErrClosed = errors.New("bus is closed")

// Handler processes one inbound envelope. Handlers are invoked in
// per-channel delivery order and must return promptly: long work belongs on
// an internal queue, not in the handler. A returned error is logged by the
// bus and otherwise ignored (the bus is fire-and-forget).
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the transport contract shared by every agent.
type Bus interface {
	// Publish serializes the envelope and emits it on channel. It returns
	// once the transport has accepted the message or a terminal error has
	// occurred; transient transport errors are retried with backoff.
	Publish(ctx context.Context, channel string, env *envelope.Envelope) error

	// Subscribe registers handler for each inbound envelope on channel.
	// Malformed payloads are logged and discarded before the handler runs.
	Subscribe(channel string, handler Handler) (Subscription, error)

	// LatencyProbe issues a round-trip liveness check against the
	// transport and returns its duration.
	LatencyProbe(ctx context.Context) (time.Duration, error)

	// IsConnected reports whether the transport currently has a live
	// connection.
	IsConnected() bool

	// Close drains pending work where possible and releases all
	// connections.
	Close() error
}

// New builds the bus selected by cfg.Driver. The clientName identifies this
// process in transport-level logs and connection names.
func New(cfg config.BusConfig, clientName string, log *logger.Logger) (Bus, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedisBus(cfg, clientName, log)
	case "nats":
		return NewNATSBus(cfg, clientName, log)
	case "memory":
		return NewMemoryBus(log), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// reconnectDelay returns the wait before reconnect attempt n (1-based):
// attempt*50ms capped at 2s. The schedule has no attempt cap; callers
// retry until they succeed or are closed.
func reconnectDelay(attempt int) time.Duration {
	const (
		step    = 50 * time.Millisecond
		ceiling = 2 * time.Second
	)
	d := time.Duration(attempt) * step
	if d > ceiling {
		return ceiling
	}
	return d
}
