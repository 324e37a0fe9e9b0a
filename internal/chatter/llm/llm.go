// Package llm defines the vendor-neutral model types the orchestrator turn
// loop operates on, an Anthropic-backed implementation, and a Scripted fake
// for tests. The turn loop never imports a provider SDK directly.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Message roles. System instructions travel in Request.System, not as a
// conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block kinds.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons reported by providers. StopToolUse means the model is waiting
// for tool results before it can finish the turn.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// MessagesClient is the single operation the turn loop needs from a model
// provider. Implementations must be safe for concurrent use.
type MessagesClient interface {
	CreateMessage(ctx context.Context, req Request) (*Response, error)
}

// Request is one model invocation: the conversation so far plus the fixed
// system directive and tool catalog.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []ToolDef
}

// Message is one conversation entry. Role is RoleUser or RoleAssistant.
type Message struct {
	Role   string
	Blocks []ContentBlock
}

// ContentBlock is a tagged union over the three block kinds. Type selects
// which fields are meaningful:
//
//	BlockText:       Text
//	BlockToolUse:    ID, Name, Input
//	BlockToolResult: ToolUseID, Content, IsError
type ContentBlock struct {
	Type string

	Text string

	ID    string
	Name  string
	Input json.RawMessage

	ToolUseID string
	Content   string
	IsError   bool
}

// ToolDef describes one catalog entry advertised to the model. InputSchema
// is a JSON Schema object ({"type": "object", ...}).
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Response is the model's reply: content blocks in provider order, the stop
// reason, and token usage when the provider reports it.
type Response struct {
	Blocks     []ContentBlock
	StopReason string
	Usage      Usage
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Text builds a text block.
func Text(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// ToolUse builds a tool_use block.
func ToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResult builds a tool_result block answering the tool_use with the
// given id.
func ToolResult(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// UserText builds a user message containing a single text block.
func UserText(s string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{Text(s)}}
}

// AssistantText builds an assistant message containing a single text block.
func AssistantText(s string) Message {
	return Message{Role: RoleAssistant, Blocks: []ContentBlock{Text(s)}}
}

// Text returns the response's text segments joined by blank lines.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ToolUses returns the tool_use blocks in provider order.
func (r *Response) ToolUses() []ContentBlock {
	var calls []ContentBlock
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}
