package chatter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/bus"
	"github.com/agorahq/agora/internal/chatter/llm"
	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/internal/common/stringutil"
	"github.com/agorahq/agora/pkg/envelope"
)

// Catalog tool names. The set is part of the observable contract; the model
// is prompted to choose among exactly these.
const (
	ToolConsultPlanner    = "consult-planner"
	ToolConsultResearcher = "consult-researcher"
	ToolAssignTask        = "assign-task"
	ToolCheckAgentStatus  = "check-agent-status"
	ToolEscalateToHuman   = "escalate-to-human"
)

// defaultToolTimeout bounds a consultation round-trip.
const defaultToolTimeout = 5 * time.Minute

// catalog returns the tool definitions advertised to the model.
func catalog() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        ToolConsultPlanner,
			Description: "Ask the planner agent for strategic breakdown, sequencing, or cross-team coordination. Blocks until the planner answers or the timeout passes.",
			InputSchema: objectSchema(map[string]any{
				"question": property("string", "The question for the planner."),
				"context":  property("string", "Relevant background the planner would not otherwise have."),
				"priority": enumProperty("How urgent the consultation is.", "low", "medium", "high"),
			}, "question"),
		},
		{
			Name:        ToolConsultResearcher,
			Description: "Ask the researcher agent to analyze the existing code snapshots. Blocks until the researcher answers or the timeout passes.",
			InputSchema: objectSchema(map[string]any{
				"question": property("string", "The question for the researcher."),
				"repos":    enumProperty("Which code snapshots to analyze.", "frontend", "backend", "both"),
				"focus_areas": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Specific files, packages, or concerns to concentrate on.",
				},
			}, "question", "repos"),
		},
		{
			Name:        ToolAssignTask,
			Description: "Hand an implementation job to a worker agent. Returns immediately with an acknowledgement; the worker streams progress and reports the result asynchronously.",
			InputSchema: objectSchema(map[string]any{
				"agent":        enumProperty("Which worker executes the task.", "frontend", "backend"),
				"command_file": property("string", "Full markdown instructions for the worker, written so it can act without further context."),
				"priority":     enumProperty("Scheduling hint for the worker.", "low", "medium", "high"),
				"estimated_duration": map[string]any{
					"type":        "integer",
					"description": "Expected runtime in minutes; used as the execution timeout.",
				},
			}, "agent", "command_file"),
		},
		{
			Name:        ToolCheckAgentStatus,
			Description: "Report an agent's liveness from its most recent heartbeat.",
			InputSchema: objectSchema(map[string]any{
				"agent": property("string", "Name of the agent to check."),
			}, "agent"),
		},
		{
			Name:        ToolEscalateToHuman,
			Description: "Put a decision in front of the human. The decision block is shown to them immediately and also returned to you so you can reference it in your reply.",
			InputSchema: objectSchema(map[string]any{
				"question": property("string", "The decision the human needs to make."),
				"context":  property("string", "Why the decision is needed now."),
				"options": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "The viable choices, if known.",
				},
				"recommendation": property("string", "Your recommended option and why."),
			}, "question", "context"),
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func property(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func enumProperty(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": description}
}

// toolbox executes catalog calls against the bus, the correlation table, and
// the status registry.
type toolbox struct {
	agentName string
	bus       bus.Bus
	pending   *bus.Pending
	status    *StatusRegistry
	roster    *Roster
	timeout   time.Duration
	log       *logger.Logger
}

func newToolbox(agentName string, b bus.Bus, pending *bus.Pending, status *StatusRegistry, roster *Roster, timeout time.Duration, log *logger.Logger) *toolbox {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &toolbox{
		agentName: agentName,
		bus:       b,
		pending:   pending,
		status:    status,
		roster:    roster,
		timeout:   timeout,
		log:       log,
	}
}

// execute runs one tool call and always returns a tool_result block.
// Failures are surfaced to the model via is_error, never as Go errors.
func (t *toolbox) execute(ctx context.Context, userID string, call llm.ContentBlock) llm.ContentBlock {
	out, err := t.dispatch(ctx, userID, call)
	if err != nil {
		t.log.Warn("Tool call failed",
			zap.String("tool", call.Name),
			zap.String("tool_use_id", call.ID),
			zap.Error(err))
		return llm.ToolResult(call.ID, err.Error(), true)
	}
	return llm.ToolResult(call.ID, out, false)
}

type consultPlannerInput struct {
	Question string `json:"question"`
	Context  string `json:"context"`
	Priority string `json:"priority"`
}

type consultResearcherInput struct {
	Question   string   `json:"question"`
	Repos      string   `json:"repos"`
	FocusAreas []string `json:"focus_areas"`
}

type assignTaskInput struct {
	Agent             string `json:"agent"`
	CommandFile       string `json:"command_file"`
	Priority          string `json:"priority"`
	EstimatedDuration int    `json:"estimated_duration"`
}

type checkStatusInput struct {
	Agent string `json:"agent"`
}

type escalateInput struct {
	Question       string   `json:"question"`
	Context        string   `json:"context"`
	Options        []string `json:"options"`
	Recommendation string   `json:"recommendation"`
}

func (t *toolbox) dispatch(ctx context.Context, userID string, call llm.ContentBlock) (string, error) {
	switch call.Name {
	case ToolConsultPlanner:
		var in consultPlannerInput
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		if in.Question == "" {
			return "", errors.New("question is required")
		}
		return t.consult(ctx, "planner", envelope.Question{
			Question: in.Question,
			Context:  in.Context,
			Priority: in.Priority,
		})

	case ToolConsultResearcher:
		var in consultResearcherInput
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		if in.Question == "" {
			return "", errors.New("question is required")
		}
		switch in.Repos {
		case "frontend", "backend", "both":
		default:
			return "", fmt.Errorf("repos must be frontend, backend, or both, got %q", in.Repos)
		}
		return t.consult(ctx, "researcher", envelope.Question{
			Question:   in.Question,
			Repos:      in.Repos,
			FocusAreas: in.FocusAreas,
		})

	case ToolAssignTask:
		var in assignTaskInput
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		return t.assignTask(ctx, in)

	case ToolCheckAgentStatus:
		var in checkStatusInput
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		if in.Agent == "" {
			return "", errors.New("agent is required")
		}
		return t.status.Describe(in.Agent), nil

	case ToolEscalateToHuman:
		var in escalateInput
		if err := decodeInput(call.Input, &in); err != nil {
			return "", err
		}
		return t.escalate(ctx, userID, in)

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

// consult publishes a correlated question to the target's channel and waits
// for the response envelope or the per-tool timeout.
func (t *toolbox) consult(ctx context.Context, target string, q envelope.Question) (string, error) {
	env, err := envelope.New(t.agentName, target, envelope.TypeQuestion, q)
	if err != nil {
		return "", err
	}
	wait := t.pending.Track(env.ID, target, t.timeout)
	if err := t.bus.Publish(ctx, t.roster.ChannelFor(target), env); err != nil {
		t.pending.Reject(env.ID, err)
		return "", fmt.Errorf("publish to %s: %w", target, err)
	}
	t.log.Info("Consulting agent",
		zap.String("agent", target),
		zap.String("request_id", env.ID),
		zap.String("question", stringutil.TruncateWithEllipsis(q.Question, 120)))
	select {
	case res := <-wait:
		if res.Err != nil {
			return "", res.Err
		}
		return renderAgentReply(res.Payload), nil
	case <-ctx.Done():
		t.pending.Reject(env.ID, ctx.Err())
		return "", ctx.Err()
	}
}

// renderAgentReply extracts a readable answer from a sibling's response
// payload: a bare JSON string, one of the conventional answer fields, and as
// a last resort the raw JSON document.
func renderAgentReply(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	var obj struct {
		Answer   string `json:"answer"`
		Response string `json:"response"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil {
		for _, v := range []string{obj.Answer, obj.Response, obj.Content} {
			if v != "" {
				return v
			}
		}
	}
	return string(payload)
}

// assignTask publishes a task envelope to the worker's channel and returns
// an immediate acknowledgement string. Completion arrives later as a
// response envelope; the orchestrator does not wait for it.
func (t *toolbox) assignTask(ctx context.Context, in assignTaskInput) (string, error) {
	switch in.Agent {
	case "frontend", "backend":
	default:
		return "", fmt.Errorf("agent must be frontend or backend, got %q", in.Agent)
	}
	if in.CommandFile == "" {
		return "", errors.New("command_file is required")
	}
	task := envelope.TaskPayload{
		TaskID:         uuid.New().String(),
		CommandFile:    in.CommandFile,
		Priority:       in.Priority,
		TimeoutMinutes: in.EstimatedDuration,
	}
	env, err := envelope.New(t.agentName, in.Agent, envelope.TypeTask, task)
	if err != nil {
		return "", err
	}
	if err := t.bus.Publish(ctx, t.roster.ChannelFor(in.Agent), env); err != nil {
		return "", fmt.Errorf("publish to %s: %w", in.Agent, err)
	}
	t.log.Info("Task assigned",
		zap.String("agent", in.Agent),
		zap.String("task_id", task.TaskID))
	return fmt.Sprintf("Task %s assigned to %s. The worker streams progress and reports the final result asynchronously.", task.TaskID, in.Agent), nil
}

// escalate publishes the decision block on the output channel so the human
// sees it immediately, and returns the same block as the tool result.
func (t *toolbox) escalate(ctx context.Context, userID string, in escalateInput) (string, error) {
	if in.Question == "" {
		return "", errors.New("question is required")
	}
	if in.Context == "" {
		return "", errors.New("context is required")
	}
	block := formatEscalation(in)
	out := envelope.ChatterOutput{
		UserID:    userID,
		Content:   block,
		Timestamp: time.Now().UTC(),
	}
	env, err := envelope.New(t.agentName, userID, envelope.TypeQuestion, out)
	if err != nil {
		return "", err
	}
	if err := t.bus.Publish(ctx, envelope.ChannelChatterOutput, env); err != nil {
		return "", fmt.Errorf("publish escalation: %w", err)
	}
	return block, nil
}

func formatEscalation(in escalateInput) string {
	var b strings.Builder
	b.WriteString("DECISION NEEDED\n")
	fmt.Fprintf(&b, "Question: %s\n", in.Question)
	fmt.Fprintf(&b, "Context: %s\n", in.Context)
	if len(in.Options) > 0 {
		b.WriteString("Options:\n")
		for i, opt := range in.Options {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, opt)
		}
	}
	if in.Recommendation != "" {
		fmt.Fprintf(&b, "Recommendation: %s\n", in.Recommendation)
	}
	return strings.TrimRight(b.String(), "\n")
}
