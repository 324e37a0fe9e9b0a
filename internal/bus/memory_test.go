package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agorahq/agora/internal/common/logger"
	"github.com/agorahq/agora/pkg/envelope"
)

func newTestLogger(t *testing.T) *logger.Logger {
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

func testEnvelope(t *testing.T, typ envelope.Type, payload any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("test-sender", "test-receiver", typ, payload)
	if err != nil {
		t.Fatalf("Failed to build envelope: %v", err)
	}
	return env
}

func TestNewMemoryBus(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *envelope.Envelope, 1)

	sub, err := bus.Subscribe("agent:researcher", func(ctx context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	env := testEnvelope(t, envelope.TypeQuestion, envelope.Question{Question: "does auth exist?"})
	if err := bus.Publish(ctx, "agent:researcher", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != env.ID {
			t.Errorf("Expected envelope ID %s, got %s", env.ID, e.ID)
		}
		if e.Type != envelope.TypeQuestion {
			t.Errorf("Expected question type, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for envelope")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("agent:status", func(ctx context.Context, env *envelope.Envelope) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	env := testEnvelope(t, envelope.TypeStatus, envelope.StatusReport{Agent: "frontend", Status: "idle"})
	if err := bus.Publish(ctx, "agent:status", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("human-input", func(ctx context.Context, env *envelope.Envelope) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := testEnvelope(t, envelope.TypeQuestion, nil)
	if err := bus.Publish(ctx, "human-input", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "human-input", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

func TestMemoryBus_ChannelIsolation(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("agent:frontend", func(ctx context.Context, env *envelope.Envelope) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	env := testEnvelope(t, envelope.TypeTask, envelope.TaskPayload{TaskID: "t1", CommandFile: "do it"})
	if err := bus.Publish(ctx, "agent:frontend", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "agent:backend", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 envelope on agent:frontend, got %d", count)
	}
}

func TestMemoryBus_PublishValidates(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	bad := &envelope.Envelope{ID: "x", Type: envelope.TypeTask}
	if err := bus.Publish(context.Background(), "agent:frontend", bad); err == nil {
		t.Error("Expected error publishing an invalid envelope")
	}
}

func TestMemoryBus_HandlerMayPublish(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *envelope.Envelope, 1)

	// A responder that replies on its own channel, the way sibling agents
	// answer consultation requests.
	_, err := bus.Subscribe("agent:researcher", func(ctx context.Context, env *envelope.Envelope) error {
		if env.Type != envelope.TypeQuestion {
			return nil
		}
		resp, err := envelope.NewResponse("researcher", env.From, map[string]bool{"ok": true}, env.ID)
		if err != nil {
			return err
		}
		return bus.Publish(ctx, "agent:researcher", resp)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_, err = bus.Subscribe("agent:researcher", func(ctx context.Context, env *envelope.Envelope) error {
		if env.Type == envelope.TypeResponse {
			received <- env
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	q := testEnvelope(t, envelope.TypeQuestion, envelope.Question{Question: "ping"})
	if err := bus.Publish(ctx, "agent:researcher", q); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case resp := <-received:
		if resp.InResponseTo != q.ID {
			t.Errorf("Expected in_response_to=%s, got %s", q.ID, resp.InResponseTo)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for response")
	}
}

func TestMemoryBus_ConcurrentAccess(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var receivedCount int32
	var publishErrorCount int32
	var wg sync.WaitGroup

	sub, err := bus.Subscribe("agent:progress", func(ctx context.Context, env *envelope.Envelope) error {
		atomic.AddInt32(&receivedCount, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	numGoroutines := 10
	envelopesPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < envelopesPerGoroutine; j++ {
				env := testEnvelope(t, envelope.TypeProgress, envelope.Progress{TaskID: "t", Output: "x"})
				if err := bus.Publish(ctx, "agent:progress", env); err != nil {
					atomic.AddInt32(&publishErrorCount, 1)
				}
			}
		}()
	}

	wg.Wait()
	if publishErrorCount > 0 {
		t.Errorf("publish errors: %d", publishErrorCount)
	}

	expected := int32(numGoroutines * envelopesPerGoroutine)
	if atomic.LoadInt32(&receivedCount) != expected {
		t.Errorf("Expected %d envelopes, got %d", expected, receivedCount)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	env := testEnvelope(t, envelope.TypeStatus, nil)
	if err := bus.Publish(ctx, "agent:status", env); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}

	if _, err := bus.Subscribe("agent:status", func(ctx context.Context, env *envelope.Envelope) error {
		return nil
	}); err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}

	if _, err := bus.LatencyProbe(ctx); err == nil {
		t.Error("Expected probe error on closed bus")
	}
}

// TestMemoryBus_MessageOrdering verifies that envelopes are delivered to a
// handler in the exact order they are published. Streamed subprocess output
// depends on this: progress chunks must not overtake each other.
func TestMemoryBus_MessageOrdering(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	const numEnvelopes = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEnvelopes)

	sub, err := bus.Subscribe("agent:progress", func(ctx context.Context, env *envelope.Envelope) error {
		var p struct {
			Seq int `json:"seq"`
		}
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		mu.Lock()
		receivedOrder = append(receivedOrder, p.Seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEnvelopes; i++ {
		env := testEnvelope(t, envelope.TypeProgress, map[string]int{"seq": i})
		if err := bus.Publish(ctx, "agent:progress", env); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	// Dispatch is synchronous: every handler has completed by now.
	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEnvelopes {
		t.Fatalf("Expected %d envelopes, got %d", numEnvelopes, len(receivedOrder))
	}
	for i, seq := range receivedOrder {
		if seq != i {
			t.Fatalf("Ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

// TestMemoryBus_OrderingWithSlowHandler verifies ordering holds when handler
// execution time varies; with asynchronous dispatch, fast envelopes would
// overtake slow ones.
func TestMemoryBus_OrderingWithSlowHandler(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	const numEnvelopes = 50

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEnvelopes)

	sub, err := bus.Subscribe("chatter-output", func(ctx context.Context, env *envelope.Envelope) error {
		var p struct {
			Seq int `json:"seq"`
		}
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		// Earlier envelopes take longer, the worst case for overtaking.
		time.Sleep(time.Duration(numEnvelopes-p.Seq) * 100 * time.Microsecond)
		mu.Lock()
		receivedOrder = append(receivedOrder, p.Seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEnvelopes; i++ {
		env := testEnvelope(t, envelope.TypeProgress, map[string]int{"seq": i})
		if err := bus.Publish(ctx, "chatter-output", env); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEnvelopes {
		t.Fatalf("Expected %d envelopes, got %d", numEnvelopes, len(receivedOrder))
	}
	for i, seq := range receivedOrder {
		if seq != i {
			t.Errorf("Ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}
