package activitylog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agorahq/agora/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// capturingStore records everything written to it. When gate is non-nil,
// writes signal entered and then block until gate is closed, letting
// tests hold the drain goroutine mid-write.
type capturingStore struct {
	mu         sync.Mutex
	activities []Activity
	entries    []LogEntry
	closed     bool

	gate    chan struct{}
	entered chan struct{}

	failNext bool
	pingErr  error
}

func (c *capturingStore) RecordActivity(_ context.Context, activity Activity) error {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("store unavailable")
	}
	c.activities = append(c.activities, activity)
	return nil
}

func (c *capturingStore) RecordLog(_ context.Context, entry LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *capturingStore) RecentActivity(context.Context, int) ([]Activity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Activity, len(c.activities))
	copy(out, c.activities)
	return out, nil
}

func (c *capturingStore) Ping(context.Context) error { return c.pingErr }

func (c *capturingStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *capturingStore) activityCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activities)
}

func (c *capturingStore) entryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestAsync_RecordsFlowThrough(t *testing.T) {
	backend := &capturingStore{}
	async := NewAsync(backend, 16, newTestLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := async.RecordActivity(ctx, Activity{FromAgent: "chatter", ToAgent: "human", Type: "response"}); err != nil {
			t.Fatalf("record activity: %v", err)
		}
	}
	if err := async.RecordLog(ctx, LogEntry{Agent: "gateway", Level: "info", Message: "client connected"}); err != nil {
		t.Fatalf("record log: %v", err)
	}

	waitFor(t, func() bool { return backend.activityCount() == 3 && backend.entryCount() == 1 }, "records to drain")

	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := async.Dropped(); got != 0 {
		t.Errorf("expected no drops, got %d", got)
	}
}

func TestAsync_DropsWhenQueueFull(t *testing.T) {
	backend := &capturingStore{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 8),
	}
	async := NewAsync(backend, 1, newTestLogger(t))
	ctx := context.Background()

	// First record is picked up by the drain goroutine and held at the
	// gate; the second fills the queue; the rest must be dropped.
	_ = async.RecordActivity(ctx, Activity{FromAgent: "a", ToAgent: "b", Type: "status"})
	<-backend.entered
	_ = async.RecordActivity(ctx, Activity{FromAgent: "a", ToAgent: "b", Type: "status"})
	_ = async.RecordActivity(ctx, Activity{FromAgent: "a", ToAgent: "b", Type: "status"})
	_ = async.RecordActivity(ctx, Activity{FromAgent: "a", ToAgent: "b", Type: "status"})

	if got := async.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped records, got %d", got)
	}

	close(backend.gate)
	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := backend.activityCount(); got != 2 {
		t.Errorf("expected 2 records written, got %d", got)
	}
}

func TestAsync_CloseFlushesQueue(t *testing.T) {
	backend := &capturingStore{}
	async := NewAsync(backend, 32, newTestLogger(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = async.RecordActivity(ctx, Activity{FromAgent: "worker", ToAgent: "chatter", Type: "progress"})
	}
	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := backend.activityCount(); got != 10 {
		t.Errorf("expected all 10 records flushed on close, got %d", got)
	}
	if !backend.closed {
		t.Error("expected backend to be closed")
	}
}

func TestAsync_RecordAfterCloseIsDropped(t *testing.T) {
	backend := &capturingStore{}
	async := NewAsync(backend, 8, newTestLogger(t))

	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := async.RecordActivity(context.Background(), Activity{FromAgent: "a", ToAgent: "b", Type: "status"}); err != nil {
		t.Fatalf("record after close: %v", err)
	}

	if got := async.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped record, got %d", got)
	}
	if got := backend.activityCount(); got != 0 {
		t.Errorf("expected no records written, got %d", got)
	}
}

func TestAsync_WriteErrorDoesNotStopDrain(t *testing.T) {
	backend := &capturingStore{failNext: true}
	async := NewAsync(backend, 8, newTestLogger(t))
	defer async.Close()
	ctx := context.Background()

	_ = async.RecordActivity(ctx, Activity{FromAgent: "a", ToAgent: "b", Type: "status"})
	_ = async.RecordActivity(ctx, Activity{FromAgent: "a", ToAgent: "b", Type: "status"})

	waitFor(t, func() bool { return backend.activityCount() == 1 }, "drain to survive a write error")
}

func TestAsync_ReadsPassThrough(t *testing.T) {
	pingErr := errors.New("backend down")
	backend := &capturingStore{pingErr: pingErr}
	backend.activities = []Activity{{ID: "a1", FromAgent: "human", ToAgent: "chatter", Type: TypeHumanInput}}
	async := NewAsync(backend, 8, newTestLogger(t))
	defer async.Close()
	ctx := context.Background()

	recent, err := async.RecentActivity(ctx, 10)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "a1" {
		t.Fatalf("expected seeded activity, got %+v", recent)
	}

	if err := async.Ping(ctx); !errors.Is(err, pingErr) {
		t.Errorf("expected ping error to pass through, got %v", err)
	}
}
