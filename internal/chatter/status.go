package chatter

import (
	"fmt"
	"sync"
	"time"

	"github.com/agorahq/agora/pkg/envelope"
)

// defaultSiblingHeartbeat is the status publish period supervisors are
// expected to keep. Staleness is judged against twice this interval.
const defaultSiblingHeartbeat = time.Minute

// StatusRegistry tracks the latest heartbeat per agent as observed on the
// status channel. It answers the liveness tool and never blocks.
type StatusRegistry struct {
	mu          sync.RWMutex
	agents      map[string]statusEntry
	staleAfter  time.Duration
	expireAfter time.Duration
}

type statusEntry struct {
	report envelope.StatusReport
	seen   time.Time
}

// NewStatusRegistry builds a registry judging staleness against the given
// heartbeat interval. Entries two intervals old are reported stale; entries
// ten intervals old are dropped by Sweep.
func NewStatusRegistry(heartbeatInterval time.Duration) *StatusRegistry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultSiblingHeartbeat
	}
	return &StatusRegistry{
		agents:      make(map[string]statusEntry),
		staleAfter:  2 * heartbeatInterval,
		expireAfter: 10 * heartbeatInterval,
	}
}

// Observe records a heartbeat. Reports without an agent name are ignored.
func (r *StatusRegistry) Observe(report envelope.StatusReport) {
	if report.Agent == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[report.Agent] = statusEntry{report: report, seen: time.Now()}
}

// Describe renders the liveness answer for agent.
func (r *StatusRegistry) Describe(agent string) string {
	r.mu.RLock()
	entry, ok := r.agents[agent]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("No heartbeat observed from %s; the agent may be offline or not yet started.", agent)
	}
	age := time.Since(entry.seen).Round(time.Second)
	if age > r.staleAfter {
		return fmt.Sprintf("%s last reported %q %s ago; the heartbeat is stale, treat the agent as unreachable.",
			agent, entry.report.Status, age)
	}
	desc := fmt.Sprintf("%s is %s", agent, entry.report.Status)
	if entry.report.CurrentTaskID != "" {
		desc += fmt.Sprintf(", working on task %s", entry.report.CurrentTaskID)
	}
	uptime := time.Duration(entry.report.UptimeSeconds * float64(time.Second)).Round(time.Second)
	desc += fmt.Sprintf(" (%d tasks completed, up %s, heartbeat %s ago).",
		entry.report.CompletedCount, uptime, age)
	return desc
}

// Snapshot returns the current reports keyed by agent name.
func (r *StatusRegistry) Snapshot() map[string]envelope.StatusReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]envelope.StatusReport, len(r.agents))
	for name, entry := range r.agents {
		out[name] = entry.report
	}
	return out
}

// Sweep drops entries whose last heartbeat is past the expiry horizon and
// reports how many were removed.
func (r *StatusRegistry) Sweep() int {
	cutoff := time.Now().Add(-r.expireAfter)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, entry := range r.agents {
		if entry.seen.Before(cutoff) {
			delete(r.agents, name)
			removed++
		}
	}
	return removed
}
