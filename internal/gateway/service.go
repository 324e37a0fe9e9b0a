package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/activitylog"
	"github.com/agorahq/agora/internal/bus"
	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 200
)

// Service owns the gateway's HTTP surface and the bridges in both
// directions: inbound client frames become human-input envelopes, and
// envelopes on the forwarded bus channels become broadcast frames.
type Service struct {
	cfg     config.GatewayConfig
	bus     bus.Bus
	store   activitylog.Store
	hub     *Hub
	handler *Handler
	logger  *logger.Logger

	server   *http.Server
	listener net.Listener
	subs     []bus.Subscription
	started  time.Time
}

// NewService wires the hub and handler around the bus and store.
func NewService(cfg config.GatewayConfig, b bus.Bus, store activitylog.Store, log *logger.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		bus:     b,
		store:   store,
		logger:  log.WithFields(zap.String("component", "gateway")),
		started: time.Now(),
	}
	s.hub = NewHub(log)
	s.handler = NewHandler(s.hub, s.acceptInput, cfg.CORSOrigins, log)
	return s
}

// Start wires the bus subscriptions and background loops, then begins
// serving HTTP. The listener is bound before Start returns, so Addr
// reports the real port even when 0 was configured.
func (s *Service) Start(ctx context.Context) error {
	if err := s.wire(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	go func() {
		s.logger.Info("Gateway listening",
			zap.String("addr", ln.Addr().String()),
			zap.Strings("forward_channels", s.cfg.ForwardChannels))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, which differs from the
// configured one when port 0 was requested.
func (s *Service) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

// wire starts the hub, subscribes the forwarded channels, and launches
// the heartbeat loop. Split from Start so tests can serve the router
// without binding the configured port.
func (s *Service) wire(ctx context.Context) error {
	go s.hub.Run(ctx)

	for _, channel := range s.cfg.ForwardChannels {
		sub, err := s.bus.Subscribe(channel, s.forward(channel))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		s.subs = append(s.subs, sub)
	}

	go s.heartbeatLoop(ctx)
	return nil
}

// Shutdown unsubscribes from the bus and stops the HTTP server. Open
// WebSocket connections are closed by the hub when its context ends.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe forward channel", zap.Error(err))
		}
	}
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Router builds the gin engine with the gateway's endpoints.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))
	router.Use(otelTracing())
	router.Use(corsMiddleware(s.cfg.CORSOrigins))

	router.GET("/", s.handleRoot)
	router.GET("/stream", s.handler.HandleConnection)
	router.GET("/api/health", s.handleHealth)
	router.GET("/api/activity", s.handleActivity)
	return router
}

func (s *Service) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "agora-gateway",
		"status":  "ok",
	})
}

// handleActivity serves the most recent activity rows.
func (s *Service) handleActivity(c *gin.Context) {
	limit := defaultActivityLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	activities, err := s.store.RecentActivity(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read activity log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read activity log"})
		return
	}
	if activities == nil {
		activities = []activitylog.Activity{}
	}
	c.JSON(http.StatusOK, gin.H{
		"activities": activities,
		"count":      len(activities),
	})
}

// acceptInput stamps an inbound client frame, publishes it on the
// human-input channel, and records the activity row. The returned id is
// echoed to the client in the ack frame.
func (s *Service) acceptInput(ctx context.Context, clientID string, frame InboundFrame) (string, error) {
	userID := frame.UserID
	if userID == "" {
		userID = clientID
	}

	input := envelope.HumanInput{
		UserID:    userID,
		Content:   frame.Content,
		Timestamp: time.Now().UTC(),
		Source:    "websocket",
	}
	env, err := envelope.New(userID, envelope.AgentChatter, envelope.TypeQuestion, input)
	if err != nil {
		return "", fmt.Errorf("failed to build envelope: %w", err)
	}
	if err := s.bus.Publish(ctx, envelope.ChannelHumanInput, env); err != nil {
		return "", fmt.Errorf("failed to publish human input: %w", err)
	}

	// Store failures must not reach the client; Async logs and drops.
	_ = s.store.RecordActivity(ctx, activitylog.Activity{
		ID:        env.ID,
		FromAgent: userID,
		ToAgent:   envelope.AgentChatter,
		Type:      activitylog.TypeHumanInput,
		Payload:   env.Payload,
		CreatedAt: env.Timestamp,
	})

	s.logger.Info("Human input accepted",
		zap.String("user_id", userID),
		zap.String("client_id", clientID),
		zap.String("envelope_id", env.ID))
	return env.ID, nil
}

// forward returns the bus handler that relays one channel to every
// connected client.
func (s *Service) forward(channel string) bus.Handler {
	return func(ctx context.Context, env *envelope.Envelope) error {
		s.hub.Broadcast(ChannelFrame{
			Channel:   channel,
			Data:      env,
			Timestamp: time.Now().UTC(),
		})
		_ = s.store.RecordActivity(ctx, activitylog.ActivityFromEnvelope(env))
		return nil
	}
}

// heartbeatLoop sends application-level heartbeat frames so browser
// clients can detect a stalled gateway without protocol-level pings.
func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() > 0 {
				s.hub.Broadcast(newHeartbeatFrame())
			}
		}
	}
}
