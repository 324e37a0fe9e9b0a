package chatter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agorahq/agora/internal/bus"
	"github.com/agorahq/agora/internal/chatter/llm"
	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

const (
	defaultQueueSize     = 64
	defaultTurnWorkers   = 4
	defaultMaxIterations = 8
	maintainInterval     = time.Minute
)

// cappedReply is the final answer published when a turn exhausts the
// iteration cap without the model reaching a terminal reply.
const cappedReply = "I wasn't able to finish working through that request. Could you break it into smaller pieces and try again?"

// overloadedReply is published when the turn queue is full and an input has
// to be dropped.
const overloadedReply = "I encountered an error: too many requests are in flight right now, please try again in a moment."

// Service is the conversational orchestrator. It consumes human input from
// the bus, drives the model turn loop, executes tool calls, and publishes
// user-bound replies on the output channel.
type Service struct {
	cfg       config.ChatterConfig
	llmCfg    config.LLMConfig
	agentName string

	bus     bus.Bus
	client  llm.MessagesClient
	conv    *Conversations
	status  *StatusRegistry
	pending *bus.Pending
	tools   *toolbox
	roster  *Roster

	system  string
	catalog []llm.ToolDef
	maxIter int

	queue chan *turnRequest
	subs  []bus.Subscription
	group *errgroup.Group
	log   *logger.Logger
}

// turnRequest is one queued human input together with its originating
// envelope, which the reply correlates to.
type turnRequest struct {
	env   *envelope.Envelope
	input envelope.HumanInput
}

// NewService wires the orchestrator. A nil roster selects the compiled-in
// default.
func NewService(cfg config.ChatterConfig, llmCfg config.LLMConfig, b bus.Bus, client llm.MessagesClient, roster *Roster, log *logger.Logger) *Service {
	if roster == nil {
		roster = DefaultRoster()
	}
	agentName := cfg.AgentName
	if agentName == "" {
		agentName = envelope.AgentChatter
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	log = log.WithAgent(agentName)

	pending := bus.NewPending(log)
	status := NewStatusRegistry(defaultSiblingHeartbeat)
	return &Service{
		cfg:       cfg,
		llmCfg:    llmCfg,
		agentName: agentName,
		bus:       b,
		client:    client,
		conv:      NewConversations(cfg.HistoryCap, cfg.IdleTimeout(), log),
		status:    status,
		pending:   pending,
		tools:     newToolbox(agentName, b, pending, status, roster, cfg.ToolTimeout(), log),
		roster:    roster,
		system:    systemPrompt(roster),
		catalog:   catalog(),
		maxIter:   maxIter,
		queue:     make(chan *turnRequest, queueSize),
		log:       log,
	}
}

// Start subscribes the service to its channels and launches the turn
// workers and sweepers. It returns once the subscriptions are active.
func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(envelope.ChannelHumanInput, s.acceptInput)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", envelope.ChannelHumanInput, err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.bus.Subscribe(envelope.ChannelStatus, s.observeStatus)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", envelope.ChannelStatus, err)
	}
	s.subs = append(s.subs, sub)

	for _, channel := range s.roster.Channels() {
		sub, err = s.bus.Subscribe(channel, s.collectResponses(channel))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		s.subs = append(s.subs, sub)
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultTurnWorkers
	}
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
	group.Go(func() error {
		s.conv.Run(gctx)
		return nil
	})
	group.Go(func() error {
		s.maintain(gctx)
		return nil
	})
	s.group = group

	s.log.Info("Chatter service started",
		zap.Int("workers", workers),
		zap.Int("queue_size", cap(s.queue)),
		zap.Strings("siblings", s.roster.Names()))
	return nil
}

// Shutdown unsubscribes, waits for in-flight turns up to the ctx deadline,
// and rejects any still-pending consultations.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.group != nil {
		done := make(chan struct{})
		go func() {
			_ = s.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("Shutdown grace expired with turns still in flight")
		}
	}
	s.pending.Close()
	s.log.Info("Chatter service stopped")
	return nil
}

// acceptInput is the human-input handler. It validates the payload and hands
// the turn to a worker; the handler itself never blocks.
func (s *Service) acceptInput(ctx context.Context, env *envelope.Envelope) error {
	var input envelope.HumanInput
	if err := env.DecodePayload(&input); err != nil {
		return fmt.Errorf("decode human input %s: %w", env.ID, err)
	}
	if input.Content == "" {
		s.log.Warn("Discarding empty human input", zap.String("id", env.ID))
		return nil
	}
	if input.UserID == "" {
		input.UserID = env.From
	}
	select {
	case s.queue <- &turnRequest{env: env, input: input}:
		return nil
	default:
		s.log.Warn("Turn queue full, dropping input",
			zap.String("id", env.ID),
			zap.String("user_id", input.UserID))
		s.publishReply(ctx, env, input.UserID, overloadedReply, true)
		return nil
	}
}

// observeStatus feeds heartbeat envelopes into the status registry.
func (s *Service) observeStatus(_ context.Context, env *envelope.Envelope) error {
	if env.Type != envelope.TypeStatus {
		return nil
	}
	var report envelope.StatusReport
	if err := env.DecodePayload(&report); err != nil {
		return fmt.Errorf("decode status report %s: %w", env.ID, err)
	}
	s.status.Observe(report)
	return nil
}

// collectResponses returns the handler for one sibling channel. Response
// envelopes answering a tracked request are delivered to the correlation
// table; everything else on the channel is the sibling's own traffic and is
// ignored.
func (s *Service) collectResponses(channel string) bus.Handler {
	return func(_ context.Context, env *envelope.Envelope) error {
		if env.Type != envelope.TypeResponse || env.InResponseTo == "" {
			s.log.Debug("Ignoring envelope on sibling channel",
				zap.String("channel", channel),
				zap.String("type", string(env.Type)),
				zap.String("id", env.ID))
			return nil
		}
		if !s.pending.Deliver(env.InResponseTo, env.Payload) {
			s.log.Debug("Response matches no tracked request",
				zap.String("channel", channel),
				zap.String("in_response_to", env.InResponseTo))
		}
		return nil
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.turn(ctx, req)
		}
	}
}

// turn drives one human message to a published reply: call the model,
// execute requested tools in order, feed results back, repeat until the
// model stops asking for tools or the iteration cap is hit.
func (s *Service) turn(ctx context.Context, req *turnRequest) {
	userID := req.input.UserID
	log := s.log.WithUserID(userID)
	msgs := s.conv.Append(userID, llm.UserText(req.input.Content))

	for i := 0; i < s.maxIter; i++ {
		resp, err := s.client.CreateMessage(ctx, llm.Request{
			Model:     s.llmCfg.Model,
			MaxTokens: s.llmCfg.MaxTokens,
			System:    s.system,
			Messages:  msgs,
			Tools:     s.catalog,
		})
		if err != nil {
			if ctx.Err() != nil {
				log.Warn("Turn abandoned during shutdown", zap.String("id", req.env.ID))
				return
			}
			log.Error("Model call failed", zap.Error(err))
			s.publishReply(ctx, req.env, userID, fmt.Sprintf("I encountered an error: %v", err), true)
			return
		}

		calls := resp.ToolUses()
		if len(calls) == 0 {
			text := resp.Text()
			if text == "" {
				text = "I don't have a response for that."
			}
			s.conv.Append(userID, llm.AssistantText(text))
			s.publishReply(ctx, req.env, userID, text, false)
			log.Info("Turn complete",
				zap.String("id", req.env.ID),
				zap.Int("iterations", i+1),
				zap.Int64("input_tokens", resp.Usage.InputTokens),
				zap.Int64("output_tokens", resp.Usage.OutputTokens))
			return
		}

		results := make([]llm.ContentBlock, 0, len(calls))
		for _, call := range calls {
			log.Info("Executing tool",
				zap.String("tool", call.Name),
				zap.String("tool_use_id", call.ID))
			results = append(results, s.tools.execute(ctx, userID, call))
		}
		msgs = s.conv.Append(userID,
			llm.Message{Role: llm.RoleAssistant, Blocks: resp.Blocks},
			llm.Message{Role: llm.RoleUser, Blocks: results},
		)
	}

	log.Warn("Turn hit the iteration cap", zap.String("id", req.env.ID), zap.Int("cap", s.maxIter))
	s.conv.Append(userID, llm.AssistantText(cappedReply))
	s.publishReply(ctx, req.env, userID, cappedReply, false)
}

// publishReply wraps content as a user-bound response correlated to the
// originating envelope and publishes it on the output channel.
func (s *Service) publishReply(ctx context.Context, origin *envelope.Envelope, userID, content string, isErr bool) {
	out := envelope.ChatterOutput{
		UserID:    userID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Error:     isErr,
	}
	env, err := envelope.NewResponse(s.agentName, userID, out, origin.ID)
	if err != nil {
		s.log.Error("Failed to build reply envelope", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, envelope.ChannelChatterOutput, env); err != nil {
		s.log.Error("Failed to publish reply",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// maintain runs the periodic housekeeping: rejecting overdue consultations
// and expiring dead status entries.
func (s *Service) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.pending.Sweep(); n > 0 {
				s.log.Warn("Swept overdue consultations", zap.Int("count", n))
			}
			if n := s.status.Sweep(); n > 0 {
				s.log.Debug("Expired status entries", zap.Int("count", n))
			}
		}
	}
}
