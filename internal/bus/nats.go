package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

// NATSBus implements Bus using NATS. Channel names map directly to subjects
// (":" is a legal subject character). NATS owns reconnection; handlers here
// only log the transitions.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus creates a NATS-backed bus with reconnection logic.
func NewNATSBus(cfg config.BusConfig, name string, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("channel", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish emits the envelope on channel.
func (b *NATSBus) Publish(ctx context.Context, channel string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid envelope: %w", err)
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.conn.Publish(channel, data); err != nil {
		b.logger.Error("Failed to publish envelope",
			zap.String("channel", channel),
			zap.String("envelope_type", string(env.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	b.logger.Debug("Published envelope",
		zap.String("channel", channel),
		zap.String("envelope_id", env.ID),
		zap.String("envelope_type", string(env.Type)),
	)
	return nil
}

// Subscribe registers handler for each inbound envelope on channel. NATS
// invokes the handler sequentially per subscription, preserving delivery
// order.
func (b *NATSBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(channel, b.createMsgHandler(channel, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b.logger.Debug("Subscribed to channel", zap.String("channel", channel))
	return &natsSubscription{sub: sub}, nil
}

// createMsgHandler adapts a Handler to a NATS message handler.
func (b *NATSBus) createMsgHandler(channel string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		env, err := envelope.Unmarshal(msg.Data)
		if err != nil {
			b.logger.Error("Discarding malformed bus message",
				zap.String("channel", channel),
				zap.Error(err),
			)
			return
		}

		if err := handler(context.Background(), env); err != nil {
			b.logger.Error("Bus handler failed",
				zap.String("channel", channel),
				zap.String("envelope_id", env.ID),
				zap.String("envelope_type", string(env.Type)),
				zap.Error(err),
			)
		}
	}
}

// LatencyProbe measures a server round trip.
func (b *NATSBus) LatencyProbe(ctx context.Context) (time.Duration, error) {
	rtt, err := b.conn.RTT()
	if err != nil {
		return 0, fmt.Errorf("nats rtt failed: %w", err)
	}
	return rtt, nil
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains pending messages before closing the connection.
func (b *NATSBus) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	b.logger.Info("NATS bus closed")
	return nil
}

// natsSubscription wraps a NATS subscription to implement the Subscription
// interface.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription from the server.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid returns whether the subscription is still active.
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
