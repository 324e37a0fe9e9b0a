package chatter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRoster(t *testing.T) {
	roster := DefaultRoster()

	for _, name := range []string{"planner", "researcher", "frontend", "backend", "archivist"} {
		assert.True(t, roster.Has(name), "missing default agent %s", name)
	}
	assert.Equal(t, "agent:planner", roster.ChannelFor("planner"))
	assert.Len(t, roster.Channels(), 5)
}

func TestLoadRoster_EmptyPathUsesDefault(t *testing.T) {
	roster, err := LoadRoster("")
	require.NoError(t, err)
	assert.True(t, roster.Has("planner"))
}

func TestLoadRoster_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - name: planner
    description: strategy
  - name: researcher
    description: code analysis
    channel: agents.researcher
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	roster, err := LoadRoster(path)
	require.NoError(t, err)
	require.Len(t, roster.Agents, 2)
	assert.Equal(t, "agent:planner", roster.ChannelFor("planner"))
	assert.Equal(t, "agents.researcher", roster.ChannelFor("researcher"))
	assert.False(t, roster.Has("frontend"))
}

func TestLoadRoster_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRoster(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("no agents", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agents: []\n"), 0o644))
		_, err := LoadRoster(path)
		assert.ErrorContains(t, err, "declares no agents")
	})

	t.Run("duplicate name", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.yaml")
		content := "agents:\n  - name: planner\n  - name: planner\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := LoadRoster(path)
		assert.ErrorContains(t, err, "duplicate agent")
	})

	t.Run("unnamed agent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.yaml")
		content := "agents:\n  - description: nameless\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := LoadRoster(path)
		assert.ErrorContains(t, err, "has no name")
	})
}

func TestSystemPrompt_ListsSiblings(t *testing.T) {
	prompt := systemPrompt(DefaultRoster())

	for _, name := range []string{"planner", "researcher", "frontend", "backend", "archivist"} {
		assert.Contains(t, prompt, "- "+name+":")
	}
	for _, tool := range []string{ToolConsultPlanner, ToolConsultResearcher, ToolAssignTask, ToolCheckAgentStatus, ToolEscalateToHuman} {
		assert.Contains(t, prompt, tool)
	}
}
