package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/logger"
)

// Result is the outcome of a tracked request: a response payload or an
// error, never both.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// TimeoutError reports that a tracked request's deadline passed without a
// response from the target agent.
type TimeoutError struct {
	Agent string
	Wait  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Agent %s did not respond within %d ms", e.Agent, e.Wait.Milliseconds())
}

// pendingRequest is one outstanding slot in the correlation table.
type pendingRequest struct {
	id          string
	targetAgent string
	timeout     time.Duration
	deadline    time.Time
	ch          chan Result
	timer       *time.Timer
}

// Pending converts the fire-and-forget bus into a request/reply calling
// convention. Track a request id before publishing the request envelope,
// then receive exactly one Result on the returned channel: the matching
// response payload, or a TimeoutError once the deadline passes. Each slot
// resolves exactly once; late responses are logged and discarded.
type Pending struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	logger   *logger.Logger
	closed   bool
}

// NewPending creates an empty correlation table.
func NewPending(log *logger.Logger) *Pending {
	return &Pending{
		requests: make(map[string]*pendingRequest),
		logger:   log,
	}
}

// Track registers a slot for id and arms its deadline. It must be called
// before the request envelope is published, or a fast response can race the
// registration and be dropped.
func (p *Pending) Track(id, targetAgent string, timeout time.Duration) <-chan Result {
	ch := make(chan Result, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ch <- Result{Err: ErrClosed}
		return ch
	}
	if _, exists := p.requests[id]; exists {
		p.mu.Unlock()
		ch <- Result{Err: fmt.Errorf("request id %s is already tracked", id)}
		return ch
	}

	pr := &pendingRequest{
		id:          id,
		targetAgent: targetAgent,
		timeout:     timeout,
		deadline:    time.Now().Add(timeout),
		ch:          ch,
	}
	p.requests[id] = pr
	p.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		if p.Reject(id, &TimeoutError{Agent: targetAgent, Wait: timeout}) {
			p.logger.Warn("Tracked request timed out",
				zap.String("request_id", id),
				zap.String("target_agent", targetAgent),
				zap.Duration("timeout", timeout))
		}
	})

	return ch
}

// take removes and returns the slot for id, stopping its timer. It returns
// nil when the id is unknown or already resolved.
func (p *Pending) take(id string) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr, ok := p.requests[id]
	if !ok {
		return nil
	}
	delete(p.requests, id)
	if pr.timer != nil {
		pr.timer.Stop()
	}
	return pr
}

// Deliver resolves the slot for id with the response payload. It returns
// false when no slot matches, which happens for late or duplicate
// responses; those are logged and dropped.
func (p *Pending) Deliver(id string, payload json.RawMessage) bool {
	pr := p.take(id)
	if pr == nil {
		p.logger.Warn("Late response discarded", zap.String("request_id", id))
		return false
	}
	pr.ch <- Result{Payload: payload}
	p.logger.Debug("Response delivered",
		zap.String("request_id", id),
		zap.String("target_agent", pr.targetAgent))
	return true
}

// Reject resolves the slot for id with err. It returns false when no slot
// matches; a timer firing after a delivery is routine and stays silent.
func (p *Pending) Reject(id string, err error) bool {
	pr := p.take(id)
	if pr == nil {
		return false
	}
	pr.ch <- Result{Err: err}
	return true
}

// Sweep rejects entries that outlived their deadline without being
// resolved. Deadline timers normally fire first; the sweep catches slots
// whose timers were lost. It returns the number of entries cleared.
func (p *Pending) Sweep() int {
	now := time.Now()

	p.mu.Lock()
	var expired []*pendingRequest
	for _, pr := range p.requests {
		if now.After(pr.deadline) {
			expired = append(expired, pr)
		}
	}
	p.mu.Unlock()

	cleared := 0
	for _, pr := range expired {
		if p.Reject(pr.id, &TimeoutError{Agent: pr.targetAgent, Wait: pr.timeout}) {
			cleared++
		}
	}
	if cleared > 0 {
		p.logger.Warn("Swept expired tracked requests", zap.Int("count", cleared))
	}
	return cleared
}

// Len returns the number of outstanding slots.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Close rejects every outstanding slot with ErrClosed and refuses new
// tracking.
func (p *Pending) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	outstanding := make([]*pendingRequest, 0, len(p.requests))
	for _, pr := range p.requests {
		outstanding = append(outstanding, pr)
	}
	p.requests = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, pr := range outstanding {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.ch <- Result{Err: ErrClosed}
	}
}
