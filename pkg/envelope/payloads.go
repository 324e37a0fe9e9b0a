package envelope

import "time"

// Task outcome values carried in TaskResult.Status and Rejection.Status.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskRejected  = "rejected"
)

// HumanInput is the payload published on human-input for every message a
// browser client sends through the gateway.
type HumanInput struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// ChatterOutput is the payload published on chatter-output for every
// user-visible reply.
type ChatterOutput struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Error     bool      `json:"error,omitempty"`
}

// TaskPayload is the body of a task envelope handed to a worker.
type TaskPayload struct {
	TaskID         string `json:"task_id"`
	CommandFile    string `json:"command_file"`
	Priority       string `json:"priority,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
}

// ExecResult captures the observable outcome of a finished subprocess.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// TaskResult is the terminal response payload for a task. Status is
// TaskCompleted or TaskFailed.
type TaskResult struct {
	TaskID     string      `json:"task_id"`
	Status     string      `json:"status"`
	Result     *ExecResult `json:"result,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// Rejection is the response payload for a task refused without execution.
type Rejection struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Progress is one streamed chunk of subprocess output. Stream is "stdout"
// or "stderr".
type Progress struct {
	TaskID string `json:"task_id"`
	Output string `json:"output"`
	Stream string `json:"stream,omitempty"`
}

// StatusReport is the periodic heartbeat a supervisor publishes on
// agent:status.
type StatusReport struct {
	Agent          string  `json:"agent"`
	Status         string  `json:"status"`
	CurrentTaskID  string  `json:"current_task_id,omitempty"`
	CompletedCount int64   `json:"completed_count"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	BusLatencyMS   float64 `json:"bus_latency_ms,omitempty"`
}

// Question is the payload of a consultation request sent to a sibling
// agent's channel.
type Question struct {
	Question   string   `json:"question"`
	Context    string   `json:"context,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Repos      string   `json:"repos,omitempty"`
	FocusAreas []string `json:"focus_areas,omitempty"`
}

// SystemCommand is a control message published on the broadcast channel,
// e.g. {"command": "shutdown"}.
type SystemCommand struct {
	Command string `json:"command"`
}
