// Package worker runs the local worker supervisor: it claims an agent
// identity on the bus, executes at most one task subprocess at a time inside
// a target repository, and reports progress and terminal state as envelopes.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/bus"
	"github.com/agorahq/agora/internal/common/config"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/internal/common/stringutil"
	"github.com/agorahq/agora/pkg/envelope"
)

// Worker states as reported in status heartbeats.
const (
	StatusStarting     = "starting"
	StatusIdle         = "idle"
	StatusWorking      = "working"
	StatusShuttingDown = "shutting-down"
	StatusOffline      = "offline"
)

const (
	versionProbeTimeout = 10 * time.Second
	latencyProbeTimeout = 2 * time.Second
	publishTimeout      = 5 * time.Second

	// maxLoggedLine caps how much of a tool output line lands in the
	// structured log. Full chunks still travel in progress envelopes.
	maxLoggedLine = 300
)

// currentTask is the one task the supervisor may be executing. Non-nil
// exactly while the state is working.
type currentTask struct {
	taskID    string
	requestID string
	requester string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Supervisor consumes task envelopes on its agent channel, runs each one as
// a subprocess via Runner, and publishes rejections, progress, terminal
// results, and periodic status heartbeats.
type Supervisor struct {
	cfg    config.WorkerConfig
	bus    bus.Bus
	runner *Runner
	logger *logger.Logger

	mu        sync.Mutex
	status    string
	current   *currentTask
	completed int64
	started   time.Time

	subs   []bus.Subscription
	taskWG sync.WaitGroup

	hbWG   sync.WaitGroup
	stopHB chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewSupervisor creates a supervisor for the agent identity named in cfg.
func NewSupervisor(cfg config.WorkerConfig, b bus.Bus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		bus:    b,
		runner: NewRunner(log),
		logger: log.WithAgent(cfg.AgentName),
		status: StatusStarting,
		stopHB: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the startup checks, subscribes to the agent and broadcast
// channels, and begins heartbeating. The supervisor is idle when Start
// returns nil.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("Worker supervisor starting",
		zap.String("repo_path", s.cfg.RepoPath),
		zap.String("tool", s.cfg.ToolPath))

	if err := s.startupChecks(ctx); err != nil {
		return err
	}

	own := envelope.AgentChannel(s.cfg.AgentName)
	sub, err := s.bus.Subscribe(own, s.handleEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", own, err)
	}
	s.subs = append(s.subs, sub)

	bsub, err := s.bus.Subscribe(envelope.ChannelBroadcast, s.handleBroadcast)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", envelope.ChannelBroadcast, err)
	}
	s.subs = append(s.subs, bsub)

	s.mu.Lock()
	s.status = StatusIdle
	s.started = time.Now()
	s.mu.Unlock()
	s.publishHeartbeat()

	s.hbWG.Add(1)
	go s.heartbeatLoop()

	s.logger.Info("Worker supervisor ready", zap.String("channel", own))
	return nil
}

// Shutdown drains the supervisor: intake stops, a running task gets up to
// the configured grace to finish naturally and is terminated after it, and
// a final offline heartbeat is published.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusOffline {
		s.mu.Unlock()
		return nil
	}
	hadTask := s.current != nil
	s.status = StatusShuttingDown
	s.mu.Unlock()

	s.logger.Info("Worker supervisor shutting down", zap.Bool("task_running", hadTask))
	s.publishHeartbeat()

	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}

	finished := make(chan struct{})
	go func() {
		s.taskWG.Wait()
		close(finished)
	}()
	if hadTask {
		grace := s.cfg.ShutdownGrace()
		select {
		case <-finished:
		case <-time.After(grace):
			s.logger.Warn("Task did not finish within the shutdown grace, terminating",
				zap.Duration("grace", grace))
			s.cancelCurrent()
			<-finished
		case <-ctx.Done():
			s.cancelCurrent()
			<-finished
		}
	} else {
		<-finished
	}

	close(s.stopHB)
	s.hbWG.Wait()

	s.mu.Lock()
	s.status = StatusOffline
	s.mu.Unlock()
	s.publishHeartbeat()

	s.logger.Info("Worker supervisor offline")
	return nil
}

// Done is closed once a shutdown command has been received on the broadcast
// channel. Callers treat it like a termination signal.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns the current worker state.
func (s *Supervisor) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CompletedCount returns how many tasks have reached a terminal state.
func (s *Supervisor) CompletedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// startupChecks verifies the external tool, the repository path, and bus
// liveness before the supervisor claims its channel.
func (s *Supervisor) startupChecks(ctx context.Context) error {
	toolPath, err := exec.LookPath(s.cfg.ToolPath)
	if err != nil {
		return fmt.Errorf("external tool %q is not invocable: %w", s.cfg.ToolPath, err)
	}
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	out, err := exec.CommandContext(probeCtx, toolPath, "--version").CombinedOutput()
	cancel()
	if err != nil {
		return fmt.Errorf("external tool %q failed the version probe: %w", s.cfg.ToolPath, err)
	}
	s.logger.Info("External tool ready",
		zap.String("tool", toolPath),
		zap.String("version", stringutil.FirstLine(string(out))))

	info, err := os.Stat(s.cfg.RepoPath)
	if err != nil {
		return fmt.Errorf("repository path %q is not usable: %w", s.cfg.RepoPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository path %q is not a directory", s.cfg.RepoPath)
	}

	latCtx, cancel := context.WithTimeout(ctx, latencyProbeTimeout)
	latency, err := s.bus.LatencyProbe(latCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bus liveness probe failed: %w", err)
	}
	s.logger.Info("Bus reachable", zap.Duration("latency", latency))
	return nil
}

// handleEnvelope filters the agent channel down to task envelopes. The
// supervisor's own responses echo back on this channel and are skipped.
func (s *Supervisor) handleEnvelope(ctx context.Context, env *envelope.Envelope) error {
	if env.Type != envelope.TypeTask {
		s.logger.Debug("Ignoring non-task envelope",
			zap.String("type", string(env.Type)),
			zap.String("envelope_id", env.ID))
		return nil
	}
	return s.handleTask(ctx, env)
}

// handleTask validates and either rejects or accepts one task envelope.
// Acceptance spawns the execution goroutine so the handler returns promptly.
func (s *Supervisor) handleTask(ctx context.Context, env *envelope.Envelope) error {
	var payload envelope.TaskPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logger.Warn("Discarding task with malformed payload",
			zap.String("envelope_id", env.ID),
			zap.Error(err))
		return nil
	}
	if payload.CommandFile == "" {
		s.logger.Warn("Discarding task without command_file",
			zap.String("envelope_id", env.ID),
			zap.String("from", env.From))
		return nil
	}
	taskID := payload.TaskID
	if taskID == "" {
		taskID = env.ID
	}

	s.mu.Lock()
	if s.status != StatusIdle {
		state := s.status
		runningID := ""
		if s.current != nil {
			runningID = s.current.taskID
		}
		s.mu.Unlock()
		s.logger.Warn("Rejecting task, worker is busy",
			zap.String("task_id", taskID),
			zap.String("from", env.From),
			zap.String("state", state),
			zap.String("running_task_id", runningID))
		s.reject(ctx, env)
		return nil
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	s.current = &currentTask{
		taskID:    taskID,
		requestID: env.ID,
		requester: env.From,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	s.status = StatusWorking
	s.mu.Unlock()

	s.logger.Info("Task accepted",
		zap.String("task_id", taskID),
		zap.String("from", env.From),
		zap.String("priority", payload.Priority))
	s.publishHeartbeat()

	s.taskWG.Add(1)
	go s.execute(taskCtx, env.ID, env.From, taskID, payload)
	return nil
}

// reject answers a task that arrived while another is running.
func (s *Supervisor) reject(ctx context.Context, env *envelope.Envelope) {
	payload := envelope.Rejection{Status: envelope.TaskRejected, Reason: "Worker is busy"}
	resp, err := envelope.NewResponse(s.cfg.AgentName, env.From, payload, env.ID)
	if err != nil {
		s.logger.Error("Failed to build rejection response", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, envelope.AgentChannel(s.cfg.AgentName), resp); err != nil {
		s.logger.Error("Failed to publish rejection", zap.Error(err))
	}
}

// execute materializes the command file, runs the tool, and publishes the
// terminal response. It owns the transition back to idle.
func (s *Supervisor) execute(ctx context.Context, requestID, requester, taskID string, payload envelope.TaskPayload) {
	defer s.taskWG.Done()

	log := s.logger.WithTaskID(taskID)
	start := time.Now()
	result := envelope.TaskResult{TaskID: taskID, Status: envelope.TaskFailed}

	scratch := filepath.Join(s.cfg.RepoPath, s.cfg.CommandFile)
	if err := os.WriteFile(scratch, []byte(payload.CommandFile), 0o644); err != nil {
		log.Error("Failed to write command file",
			zap.String("path", scratch),
			zap.Error(err))
		result.DurationMS = time.Since(start).Milliseconds()
		s.finishTask(requestID, requester, result, log)
		return
	}

	timeout := s.cfg.TaskTimeout()
	if payload.TimeoutMinutes > 0 {
		timeout = time.Duration(payload.TimeoutMinutes) * time.Minute
	}

	log.Info("Task started",
		zap.String("tool", s.cfg.ToolPath),
		zap.Duration("timeout", timeout))
	res, err := s.runner.Run(ctx, RunRequest{
		Tool:     s.cfg.ToolPath,
		Args:     []string{scratch},
		Dir:      s.cfg.RepoPath,
		Timeout:  timeout,
		OnOutput: s.streamOutput(taskID, log),
	})

	if rmErr := os.Remove(scratch); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Warn("Failed to remove command file",
			zap.String("path", scratch),
			zap.Error(rmErr))
	}

	if err != nil {
		log.Error("Task failed to run", zap.Error(err))
		result.DurationMS = time.Since(start).Milliseconds()
		s.finishTask(requestID, requester, result, log)
		return
	}

	result.Result = &envelope.ExecResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	result.DurationMS = res.Duration.Milliseconds()
	if res.ExitCode == 0 && !res.TimedOut {
		result.Status = envelope.TaskCompleted
	}
	if res.TimedOut {
		log.Warn("Task timed out", zap.Duration("timeout", timeout))
	}
	log.Info("Task finished",
		zap.String("status", result.Status),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))

	s.finishTask(requestID, requester, result, log)
}

// finishTask transitions back toward idle (a shutdown in progress keeps its
// state) and publishes the terminal response on the supervisor's own
// channel, where the requester listens for correlated replies.
func (s *Supervisor) finishTask(requestID, requester string, result envelope.TaskResult, log *logger.Logger) {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.completed++
	if s.status == StatusWorking {
		s.status = StatusIdle
	}
	s.mu.Unlock()
	if cur != nil && cur.cancel != nil {
		cur.cancel()
	}

	env, err := envelope.NewResponse(s.cfg.AgentName, requester, result, requestID)
	if err != nil {
		log.Error("Failed to build terminal response", zap.Error(err))
	} else {
		s.publish(envelope.AgentChannel(s.cfg.AgentName), env)
	}

	s.publishHeartbeat()
}

// streamOutput returns the Runner callback for one task: every chunk
// becomes a progress envelope, and each line is logged, stderr as warnings.
func (s *Supervisor) streamOutput(taskID string, log *logger.Logger) func(stream, chunk string) {
	return func(stream, chunk string) {
		progress := envelope.Progress{TaskID: taskID, Output: chunk}
		if stream == "stderr" {
			progress.Stream = stream
		}
		env, err := envelope.New(s.cfg.AgentName, envelope.Broadcast, envelope.TypeProgress, progress)
		if err != nil {
			log.Error("Failed to build progress envelope", zap.Error(err))
		} else {
			s.publish(envelope.ChannelProgress, env)
		}

		for _, line := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
			if line == "" {
				continue
			}
			line = stringutil.TruncateWithEllipsis(line, maxLoggedLine)
			if stream == "stderr" {
				log.Warn("Tool stderr", zap.String("line", line))
			} else {
				log.Info("Tool output", zap.String("line", line))
			}
		}
	}
}

// handleBroadcast watches the broadcast channel for shutdown commands.
func (s *Supervisor) handleBroadcast(_ context.Context, env *envelope.Envelope) error {
	var cmd envelope.SystemCommand
	if err := env.DecodePayload(&cmd); err != nil {
		s.logger.Debug("Ignoring undecodable broadcast",
			zap.String("envelope_id", env.ID),
			zap.Error(err))
		return nil
	}
	if cmd.Command != "shutdown" {
		return nil
	}
	s.logger.Info("Shutdown command received", zap.String("from", env.From))
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Supervisor) cancelCurrent() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil && cur.cancel != nil {
		cur.cancel()
	}
}

// heartbeatLoop publishes the periodic status report.
func (s *Supervisor) heartbeatLoop() {
	defer s.hbWG.Done()
	interval := s.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.publishHeartbeat()
		case <-s.stopHB:
			return
		}
	}
}

// publishHeartbeat emits one status report reflecting the state right now.
// Transitions call it directly so observers never wait a full interval.
func (s *Supervisor) publishHeartbeat() {
	report := s.snapshotStatus()
	env, err := envelope.New(s.cfg.AgentName, envelope.Broadcast, envelope.TypeStatus, report)
	if err != nil {
		s.logger.Error("Failed to build status report", zap.Error(err))
		return
	}
	s.publish(envelope.ChannelStatus, env)
}

func (s *Supervisor) snapshotStatus() envelope.StatusReport {
	probeCtx, cancel := context.WithTimeout(context.Background(), latencyProbeTimeout)
	latency, err := s.bus.LatencyProbe(probeCtx)
	cancel()
	latencyMS := float64(-1)
	if err == nil {
		latencyMS = float64(latency.Microseconds()) / 1000.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	report := envelope.StatusReport{
		Agent:          s.cfg.AgentName,
		Status:         s.status,
		CompletedCount: s.completed,
		BusLatencyMS:   latencyMS,
	}
	if !s.started.IsZero() {
		report.UptimeSeconds = time.Since(s.started).Seconds()
	}
	if s.current != nil {
		report.CurrentTaskID = s.current.taskID
	}
	return report
}

// publish emits env on channel with a bounded deadline, logging failures.
// Publishes never abort task handling.
func (s *Supervisor) publish(channel string, env *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, channel, env); err != nil {
		s.logger.Error("Failed to publish",
			zap.String("channel", channel),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}
