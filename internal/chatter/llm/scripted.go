package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Scripted is a MessagesClient for tests. It plays back canned responses in
// order and records every request it receives.
type Scripted struct {
	mu    sync.Mutex
	steps []*Response
	next  int
	err   error
	calls []Request
}

// NewScripted builds a fake that answers the nth call with steps[n].
func NewScripted(steps ...*Response) *Scripted {
	return &Scripted{steps: steps}
}

// FailWith makes every subsequent call return err.
func (s *Scripted) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// CreateMessage implements MessagesClient.
func (s *Scripted) CreateMessage(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.next >= len(s.steps) {
		return nil, fmt.Errorf("scripted client: no response scripted for call %d", s.next+1)
	}
	step := s.steps[s.next]
	s.next++
	return step, nil
}

// Calls returns a copy of the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// CallCount returns how many times CreateMessage has been invoked.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// TextResponse scripts a terminal text-only reply.
func TextResponse(text string) *Response {
	return &Response{Blocks: []ContentBlock{Text(text)}, StopReason: StopEndTurn}
}

// ToolUseResponse scripts a reply requesting a single tool call. The input
// is marshalled to JSON; it must not fail.
func ToolUseResponse(id, name string, input any) *Response {
	data, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Sprintf("scripted tool input: %v", err))
	}
	return &Response{Blocks: []ContentBlock{ToolUse(id, name, data)}, StopReason: StopToolUse}
}
