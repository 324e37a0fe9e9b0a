package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorahq/agora/internal/chatter"
	"github.com/agorahq/agora/internal/chatter/llm"
	"github.com/agorahq/agora/internal/worker"
	"github.com/agorahq/agora/pkg/envelope"
)

// statusAt returns when the first heartbeat reporting state was observed.
func statusAt(t *testing.T, rec *busRecorder, state string) (time.Time, bool) {
	t.Helper()
	for _, env := range rec.byType(envelope.TypeStatus) {
		var report envelope.StatusReport
		require.NoError(t, env.DecodePayload(&report))
		if report.Status == state {
			return rec.seenAt(env.ID)
		}
	}
	return time.Time{}, false
}

// Two assignments land on the same worker while the first is still
// running; the second is refused inside the 100 ms budget and the first
// finishes untouched.
func TestPlatform_BusyWorkerRejectsSecondTask(t *testing.T) {
	scripted := llm.NewScripted(
		llm.ToolUseResponse("tu-1", chatter.ToolAssignTask, map[string]any{
			"agent":        "frontend",
			"command_file": "Build the login page.",
		}),
		llm.TextResponse("The frontend worker is on it."),
		llm.ToolUseResponse("tu-2", chatter.ToolAssignTask, map[string]any{
			"agent":        "frontend",
			"command_file": "Build the signup page.",
		}),
		llm.TextResponse("Handed the second job off as well."),
	)
	ts := newTestStack(t, stackConfig{client: scripted})
	rec := recordChannel(t, ts.bus, envelope.AgentChannel("frontend"))
	sup := ts.startWorker("frontend", `cat "$1" >/dev/null
sleep 1`)

	conn := ts.dialStream(t)
	conn.send("dan", "build the login page")
	conn.awaitReply(3 * time.Second)
	waitFor(t, func() bool { return sup.Status() == worker.StatusWorking }, "worker never picked the first task up")

	conn.send("dan", "also build the signup page")
	conn.awaitReply(3 * time.Second)

	waitFor(t, func() bool { return len(rec.byType(envelope.TypeTask)) == 2 }, "second task never crossed the bus")
	tasks := rec.byType(envelope.TypeTask)
	first, second := tasks[0], tasks[1]

	waitFor(t, func() bool { return rec.responseTo(second.ID) != nil }, "no rejection for the second task")
	rejection := rec.responseTo(second.ID)
	var rej envelope.Rejection
	require.NoError(t, rejection.DecodePayload(&rej))
	assert.Equal(t, envelope.TaskRejected, rej.Status)
	assert.Equal(t, "Worker is busy", rej.Reason)

	taskAt, ok := rec.seenAt(second.ID)
	require.True(t, ok)
	rejAt, ok := rec.seenAt(rejection.ID)
	require.True(t, ok)
	assert.WithinDuration(t, taskAt, rejAt, 100*time.Millisecond)

	// The first task is unaffected by the refused one.
	waitFor(t, func() bool { return rec.responseTo(first.ID) != nil }, "first task never finished")
	var result envelope.TaskResult
	require.NoError(t, rec.responseTo(first.ID).DecodePayload(&result))
	assert.Equal(t, envelope.TaskCompleted, result.Status)
	assert.Equal(t, int64(1), sup.CompletedCount())
}

// Shutdown arrives mid-task: the supervisor waits for the child, reports
// the terminal result, and only then announces itself offline.
func TestPlatform_GracefulShutdownFinishesTaskFirst(t *testing.T) {
	ts := newTestStack(t, stackConfig{})
	rec := recordChannel(t, ts.bus, envelope.AgentChannel("frontend"))
	statuses := recordChannel(t, ts.bus, envelope.ChannelStatus)
	sup := ts.startWorker("frontend", `cat "$1" >/dev/null
sleep 1`)

	task, err := envelope.New("planner", "frontend", envelope.TypeTask, envelope.TaskPayload{
		TaskID:      "C-1",
		CommandFile: "Finish the release checklist.",
	})
	require.NoError(t, err)
	require.NoError(t, ts.bus.Publish(context.Background(), envelope.AgentChannel("frontend"), task))
	waitFor(t, func() bool { return sup.Status() == worker.StatusWorking }, "worker never started the task")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	start := time.Now()
	require.NoError(t, sup.Shutdown(shutdownCtx))
	assert.Less(t, time.Since(start), 5*time.Second)

	terminal := rec.responseTo(task.ID)
	require.NotNil(t, terminal, "no terminal envelope for the in-flight task")
	var result envelope.TaskResult
	require.NoError(t, terminal.DecodePayload(&result))
	assert.Equal(t, "C-1", result.TaskID)
	assert.Equal(t, envelope.TaskCompleted, result.Status)

	assert.Equal(t, worker.StatusOffline, sup.Status())

	_, sawShuttingDown := statusAt(t, statuses, worker.StatusShuttingDown)
	assert.True(t, sawShuttingDown, "shutdown intent was never announced")
	offlineAt, ok := statusAt(t, statuses, worker.StatusOffline)
	require.True(t, ok, "no offline heartbeat observed")
	terminalAt, ok := rec.seenAt(terminal.ID)
	require.True(t, ok)
	assert.False(t, offlineAt.Before(terminalAt), "offline was announced before the terminal envelope")
}
