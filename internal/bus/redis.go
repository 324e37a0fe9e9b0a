package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

// RedisBus implements Bus over Redis pub/sub. It keeps two independent
// connections: one for publishing and arbitrary commands, one dedicated to
// subscriptions, because a Redis connection in subscriber mode cannot issue
// other commands.
type RedisBus struct {
	name   string
	client *redis.Client // publishes and issues commands
	sub    *redis.Client // dedicated subscriber connection
	pubsub *redis.PubSub
	logger *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]*redisSubscription
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

// redisOptions builds client options for one of the two connections.
// Command retries follow the reconnect schedule: 50 ms per attempt,
// capped at 2 s, and go-redis redials as long as commands keep coming.
func redisOptions(cfg config.BusConfig, name, role string, log *logger.Logger) *redis.Options {
	return &redis.Options{
		Addr:            cfg.URL,
		Password:        cfg.Password,
		ClientName:      fmt.Sprintf("%s-%s", name, role),
		DialTimeout:     5 * time.Second,
		MaxRetries:      10,
		MinRetryBackoff: reconnectDelay(1),
		MaxRetryBackoff: reconnectDelay(40),
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			log.Info("Redis connection established",
				zap.String("role", role),
				zap.String("addr", cfg.URL))
			return nil
		},
	}
}

// NewRedisBus connects both clients and starts the receive loop. A failed
// initial ping is returned to the caller; startup treats it as fatal.
func NewRedisBus(cfg config.BusConfig, name string, log *logger.Logger) (*RedisBus, error) {
	b := &RedisBus{
		name:     name,
		client:   redis.NewClient(redisOptions(cfg, name, "publisher", log)),
		sub:      redis.NewClient(redisOptions(cfg, name, "subscriber", log)),
		logger:   log,
		handlers: make(map[string][]*redisSubscription),
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		_ = b.client.Close()
		_ = b.sub.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.URL, err)
	}

	// Created with no channels; Subscribe adds them as agents register.
	// go-redis re-establishes the accumulated channel set itself after a
	// dropped subscriber connection.
	b.pubsub = b.sub.Subscribe(context.Background())
	go b.receiveLoop()

	log.Info("Connected to Redis", zap.String("addr", cfg.URL))
	return b, nil
}

// receiveLoop dispatches inbound messages in delivery order. Handlers run
// inline, so per-channel ordering is exactly wire ordering.
func (b *RedisBus) receiveLoop() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) dispatch(channel string, payload []byte) {
	env, err := envelope.Unmarshal(payload)
	if err != nil {
		b.logger.Error("Discarding malformed bus message",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}

	b.mu.RLock()
	subs := append([]*redisSubscription(nil), b.handlers[channel]...)
	b.mu.RUnlock()

	ctx := context.Background()
	for _, sub := range subs {
		if !sub.IsValid() {
			continue
		}
		if err := sub.handler(ctx, env); err != nil {
			b.logger.Error("Bus handler failed",
				zap.String("channel", channel),
				zap.String("envelope_id", env.ID),
				zap.String("envelope_type", string(env.Type)),
				zap.Error(err))
		}
	}
}

// Publish emits the envelope on channel. Validation runs first so malformed
// envelopes never reach the wire.
func (b *RedisBus) Publish(ctx context.Context, channel string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid envelope: %w", err)
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("Failed to publish envelope",
			zap.String("channel", channel),
			zap.String("envelope_type", string(env.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	b.logger.Debug("Published envelope",
		zap.String("channel", channel),
		zap.String("envelope_id", env.ID),
		zap.String("envelope_type", string(env.Type)))
	return nil
}

// Subscribe registers handler for channel. The transport SUBSCRIBE for a
// channel is issued once, on its first handler.
func (b *RedisBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &redisSubscription{bus: b, channel: channel, handler: handler, active: true}
	first := len(b.handlers[channel]) == 0
	b.handlers[channel] = append(b.handlers[channel], sub)
	b.mu.Unlock()

	if first {
		b.ensureSubscribed(channel)
	}
	b.logger.Debug("Subscribed to channel", zap.String("channel", channel))
	return sub, nil
}

// ensureSubscribed issues the transport SUBSCRIBE, retrying on the
// reconnect schedule until it succeeds or the bus closes.
func (b *RedisBus) ensureSubscribed(channel string) {
	if err := b.pubsub.Subscribe(context.Background(), channel); err == nil {
		return
	} else {
		b.logger.Warn("Subscribe failed, retrying",
			zap.String("channel", channel),
			zap.Error(err))
	}

	go func() {
		for attempt := 1; ; attempt++ {
			select {
			case <-b.done:
				return
			case <-time.After(reconnectDelay(attempt)):
			}
			if err := b.pubsub.Subscribe(context.Background(), channel); err == nil {
				b.logger.Info("Subscribed to channel after retry",
					zap.String("channel", channel),
					zap.Int("attempts", attempt+1))
				return
			}
			b.logger.Warn("Reconnecting subscriber",
				zap.String("channel", channel),
				zap.Int("attempt", attempt))
		}
	}()
}

// LatencyProbe measures a PING round trip on the command connection.
func (b *RedisBus) LatencyProbe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("redis ping failed: %w", err)
	}
	return time.Since(start), nil
}

// IsConnected reports whether the command connection answers a ping.
func (b *RedisBus) IsConnected() bool {
	select {
	case <-b.done:
		return false
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

// Close releases both connections.
func (b *RedisBus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)

		if err := b.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close pubsub: %w", err))
		}
		if err := b.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close subscriber connection: %w", err))
		}
		if err := b.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close publisher connection: %w", err))
		}
		b.logger.Info("Redis bus closed")
	})
	return errors.Join(errs...)
}

// redisSubscription is one registered handler on a RedisBus channel.
type redisSubscription struct {
	bus     *RedisBus
	channel string
	handler Handler

	mu     sync.Mutex
	active bool
}

// Unsubscribe detaches the handler; the transport UNSUBSCRIBE is issued
// when the last handler for the channel goes away.
func (s *redisSubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	b := s.bus
	b.mu.Lock()
	subs := b.handlers[s.channel]
	for i, sub := range subs {
		if sub == s {
			b.handlers[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(b.handlers[s.channel]) == 0
	if last {
		delete(b.handlers, s.channel)
	}
	closed := b.closed
	b.mu.Unlock()

	if last && !closed {
		if err := b.pubsub.Unsubscribe(context.Background(), s.channel); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", s.channel, err)
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *redisSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
