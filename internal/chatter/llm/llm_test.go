package llm

import (
	"context"
	"errors"
	"testing"
)

func TestResponseText_JoinsSegments(t *testing.T) {
	resp := &Response{Blocks: []ContentBlock{
		Text("first"),
		ToolUse("tu-1", "check-agent-status", nil),
		Text("second"),
	}}
	if got := resp.Text(); got != "first\n\nsecond" {
		t.Fatalf("unexpected text %q", got)
	}
	if got := len(resp.ToolUses()); got != 1 {
		t.Fatalf("expected 1 tool use, got %d", got)
	}
}

func TestScripted_PlaysStepsInOrder(t *testing.T) {
	fake := NewScripted(
		ToolUseResponse("tu-1", "consult-planner", map[string]any{"question": "plan?"}),
		TextResponse("done"),
	)

	first, err := fake.CreateMessage(context.Background(), Request{Messages: []Message{UserText("go")}})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if len(first.ToolUses()) != 1 || first.StopReason != StopToolUse {
		t.Fatalf("unexpected first response %+v", first)
	}

	second, err := fake.CreateMessage(context.Background(), Request{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Text() != "done" {
		t.Fatalf("unexpected second response %q", second.Text())
	}

	if _, err := fake.CreateMessage(context.Background(), Request{}); err == nil {
		t.Fatal("expected exhaustion error on third call")
	}
	if fake.CallCount() != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", fake.CallCount())
	}
}

func TestScripted_FailWith(t *testing.T) {
	fake := NewScripted(TextResponse("never"))
	boom := errors.New("boom")
	fake.FailWith(boom)

	if _, err := fake.CreateMessage(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected scripted failure, got %v", err)
	}
}
