package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

// MemoryBus implements Bus with in-process dispatch. Handlers run inline on
// the publisher's goroutine in publish order, mirroring the network drivers
// where a single receive loop invokes handlers sequentially; per-channel
// ordering therefore holds by construction. No lock is held while handlers
// run, so a handler may itself publish. Envelopes are shared by reference
// and must be treated as read-only by handlers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	logger *logger.Logger
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryBus
	channel string
	handler Handler

	mu     sync.Mutex
	active bool
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySubscription),
		logger: log,
	}
}

// Publish delivers the envelope to every subscriber of channel, in order.
func (b *MemoryBus) Publish(ctx context.Context, channel string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySubscription(nil), b.subs[channel]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.IsValid() {
			continue
		}
		if err := sub.handler(ctx, env); err != nil {
			b.logger.Error("Bus handler failed",
				zap.String("channel", channel),
				zap.String("envelope_id", env.ID),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published envelope",
		zap.String("channel", channel),
		zap.String("envelope_id", env.ID),
		zap.String("envelope_type", string(env.Type)))
	return nil
}

// Subscribe registers handler for envelopes on channel.
func (b *MemoryBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		handler: handler,
		active:  true,
	}
	b.subs[channel] = append(b.subs[channel], sub)

	b.logger.Debug("Subscribed to channel", zap.String("channel", channel))
	return sub, nil
}

// LatencyProbe reports a near-zero duration while the bus is open.
func (b *MemoryBus) LatencyProbe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	return time.Since(start), nil
}

// IsConnected returns whether the bus is still open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close deactivates every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySubscription)

	b.logger.Info("Memory bus closed")
	return nil
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
