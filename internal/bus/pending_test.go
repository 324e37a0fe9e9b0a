package bus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPending_TrackDeliver(t *testing.T) {
	p := NewPending(newTestLogger(t))
	defer p.Close()

	ch := p.Track("req-1", "researcher", time.Minute)

	if !p.Deliver("req-1", json.RawMessage(`{"auth_exists":false}`)) {
		t.Fatal("Deliver returned false for a tracked id")
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatalf("Expected payload, got error: %v", res.Err)
		}
		if string(res.Payload) != `{"auth_exists":false}` {
			t.Errorf("Unexpected payload: %s", res.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for result")
	}

	if p.Len() != 0 {
		t.Errorf("Expected empty table after delivery, got %d entries", p.Len())
	}
}

func TestPending_Timeout(t *testing.T) {
	p := NewPending(newTestLogger(t))
	defer p.Close()

	start := time.Now()
	ch := p.Track("req-2", "researcher", 50*time.Millisecond)

	select {
	case res := <-ch:
		elapsed := time.Since(start)
		if res.Err == nil {
			t.Fatal("Expected timeout error, got payload")
		}
		var te *TimeoutError
		if !errors.As(res.Err, &te) {
			t.Fatalf("Expected TimeoutError, got %T: %v", res.Err, res.Err)
		}
		if te.Agent != "researcher" {
			t.Errorf("TimeoutError agent = %q", te.Agent)
		}
		want := "Agent researcher did not respond within 50 ms"
		if res.Err.Error() != want {
			t.Errorf("Error text = %q, want %q", res.Err.Error(), want)
		}
		if elapsed < 50*time.Millisecond {
			t.Errorf("Rejected before the deadline: %v", elapsed)
		}
		if elapsed > 500*time.Millisecond {
			t.Errorf("Rejected far past the deadline: %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for rejection")
	}

	if p.Len() != 0 {
		t.Errorf("Expected empty table after timeout, got %d entries", p.Len())
	}
}

func TestPending_LateResponseDropped(t *testing.T) {
	p := NewPending(newTestLogger(t))
	defer p.Close()

	if p.Deliver("never-tracked", json.RawMessage(`{}`)) {
		t.Error("Deliver returned true for an unknown id")
	}
}

func TestPending_SingleDelivery(t *testing.T) {
	p := NewPending(newTestLogger(t))
	defer p.Close()

	ch := p.Track("req-3", "planner", time.Minute)

	if !p.Deliver("req-3", json.RawMessage(`{"n":1}`)) {
		t.Fatal("First delivery failed")
	}
	if p.Deliver("req-3", json.RawMessage(`{"n":2}`)) {
		t.Error("Second delivery succeeded; slots must resolve exactly once")
	}
	if p.Reject("req-3", errors.New("too late")) {
		t.Error("Reject succeeded after delivery")
	}

	res := <-ch
	if res.Err != nil || string(res.Payload) != `{"n":1}` {
		t.Errorf("Unexpected result: %+v", res)
	}

	select {
	case extra := <-ch:
		t.Errorf("Received a second result: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPending_Reject(t *testing.T) {
	p := NewPending(newTestLogger(t))
	defer p.Close()

	ch := p.Track("req-4", "frontend", time.Minute)
	cause := errors.New("agent went away")

	if !p.Reject("req-4", cause) {
		t.Fatal("Reject returned false for a tracked id")
	}

	res := <-ch
	if !errors.Is(res.Err, cause) {
		t.Errorf("Expected cause error, got %v", res.Err)
	}
}

func TestPending_DuplicateTrack(t *testing.T) {
	p := NewPending(newTestLogger(t))
	defer p.Close()

	_ = p.Track("req-5", "planner", time.Minute)
	ch := p.Track("req-5", "planner", time.Minute)

	res := <-ch
	if res.Err == nil {
		t.Error("Expected error tracking a duplicate id")
	}
}

func TestPending_Sweep(t *testing.T) {
	p := NewPending(newTestLogger(t))
	defer p.Close()

	ch := p.Track("req-6", "archivist", time.Hour)

	// Simulate a lost deadline timer: stop it and age the entry.
	p.mu.Lock()
	pr := p.requests["req-6"]
	pr.timer.Stop()
	pr.deadline = time.Now().Add(-time.Second)
	p.mu.Unlock()

	if cleared := p.Sweep(); cleared != 1 {
		t.Fatalf("Sweep cleared %d entries, want 1", cleared)
	}

	res := <-ch
	var te *TimeoutError
	if !errors.As(res.Err, &te) {
		t.Fatalf("Expected TimeoutError from sweep, got %v", res.Err)
	}

	if cleared := p.Sweep(); cleared != 0 {
		t.Errorf("Second sweep cleared %d entries, want 0", cleared)
	}
}

func TestPending_Close(t *testing.T) {
	p := NewPending(newTestLogger(t))

	ch := p.Track("req-7", "backend", time.Hour)
	p.Close()

	res := <-ch
	if !errors.Is(res.Err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", res.Err)
	}

	late := p.Track("req-8", "backend", time.Hour)
	if res := <-late; !errors.Is(res.Err, ErrClosed) {
		t.Errorf("Expected ErrClosed for Track after Close, got %v", res.Err)
	}
}
