// Package chatter implements the conversational orchestrator: it turns each
// human message into a single synthesized reply, consulting sibling agents
// over the bus when the model asks for them.
package chatter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/chatter/llm"
	"github.com/agorahq/agora/internal/common/logger"
)

const (
	defaultHistoryCap  = 50
	defaultIdleTimeout = time.Hour
	sweepInterval      = time.Minute
)

// Conversations holds the per-user chat history. Histories are bounded at a
// fixed message cap and idle conversations are evicted by the sweeper.
type Conversations struct {
	mu    sync.Mutex
	users map[string]*conversation
	cap   int
	idle  time.Duration
	log   *logger.Logger
}

type conversation struct {
	messages []llm.Message
	last     time.Time
}

// NewConversations builds the conversation table. Non-positive arguments
// fall back to the defaults (50 messages, one hour idle).
func NewConversations(historyCap int, idle time.Duration, log *logger.Logger) *Conversations {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &Conversations{
		users: make(map[string]*conversation),
		cap:   historyCap,
		idle:  idle,
		log:   log,
	}
}

// Append adds msgs to userID's history, trims to the cap dropping the oldest
// entries, and returns a snapshot of the history after the append.
func (c *Conversations) Append(userID string, msgs ...llm.Message) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.users[userID]
	if conv == nil {
		conv = &conversation{}
		c.users[userID] = conv
	}
	conv.messages = append(conv.messages, msgs...)
	if drop := len(conv.messages) - c.cap; drop > 0 {
		conv.messages = append([]llm.Message(nil), conv.messages[drop:]...)
	}
	// After a trim the history must still open with a plain user message;
	// providers reject a tool_result whose tool_use was dropped.
	for len(conv.messages) > 0 && !opensConversation(conv.messages[0]) {
		conv.messages = conv.messages[1:]
	}
	conv.last = time.Now()
	return append([]llm.Message(nil), conv.messages...)
}

func opensConversation(m llm.Message) bool {
	if m.Role != llm.RoleUser {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type == llm.BlockToolResult {
			return false
		}
	}
	return true
}

// History returns a snapshot of userID's messages without touching the
// idle clock.
func (c *Conversations) History(userID string) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.users[userID]
	if conv == nil {
		return nil
	}
	return append([]llm.Message(nil), conv.messages...)
}

// Active returns the number of conversations currently held.
func (c *Conversations) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// Sweep evicts conversations idle past the timeout and reports how many
// were dropped.
func (c *Conversations) Sweep() int {
	cutoff := time.Now().Add(-c.idle)
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, conv := range c.users {
		if conv.last.Before(cutoff) {
			delete(c.users, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (c *Conversations) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("Evicted idle conversations", zap.Int("count", n))
			}
		}
	}
}
