package chatter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agorahq/agora/pkg/envelope"
)

// Agent describes one sibling the orchestrator can consult or hand work to.
type Agent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Channel overrides the default agent:<name> bus channel.
	Channel string `yaml:"channel,omitempty"`
}

// Roster is the set of sibling agents the orchestrator knows about.
type Roster struct {
	Agents []Agent `yaml:"agents"`
}

// DefaultRoster returns the compiled-in sibling set used when no roster file
// is configured.
func DefaultRoster() *Roster {
	return &Roster{Agents: []Agent{
		{Name: "planner", Description: "strategic breakdown and cross-team coordination"},
		{Name: "researcher", Description: "analysis over snapshots of the existing codebases"},
		{Name: "frontend", Description: "implementation worker for the frontend repository"},
		{Name: "backend", Description: "implementation worker for the backend repository"},
		{Name: "archivist", Description: "long-term records of decisions and completed work"},
	}}
}

// LoadRoster reads the sibling declaration from a YAML file. An empty path
// returns the default roster.
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		return DefaultRoster(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if len(r.Agents) == 0 {
		return nil, fmt.Errorf("roster %s declares no agents", path)
	}
	seen := make(map[string]bool, len(r.Agents))
	for i, a := range r.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("roster %s: agent %d has no name", path, i)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("roster %s: duplicate agent %q", path, a.Name)
		}
		seen[a.Name] = true
	}
	return &r, nil
}

// Has reports whether name is a declared sibling.
func (r *Roster) Has(name string) bool {
	for _, a := range r.Agents {
		if a.Name == name {
			return true
		}
	}
	return false
}

// ChannelFor returns the bus channel for the named agent: the declared
// override when present, agent:<name> otherwise.
func (r *Roster) ChannelFor(name string) string {
	for _, a := range r.Agents {
		if a.Name == name {
			if a.Channel != "" {
				return a.Channel
			}
			break
		}
	}
	return envelope.AgentChannel(name)
}

// Channels returns every distinct sibling channel in declaration order.
// Responses to consultation requests arrive on these.
func (r *Roster) Channels() []string {
	seen := make(map[string]bool, len(r.Agents))
	out := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		ch := r.ChannelFor(a.Name)
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// Names returns the declared agent names in order.
func (r *Roster) Names() []string {
	out := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		out = append(out, a.Name)
	}
	return out
}
