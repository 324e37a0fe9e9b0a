package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Bus.Driver != "redis" {
		t.Errorf("bus.driver default = %q, want redis", cfg.Bus.Driver)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store.driver default = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Chatter.HistoryCap != 50 {
		t.Errorf("chatter.historyCap default = %d, want 50", cfg.Chatter.HistoryCap)
	}
	if cfg.Chatter.ToolTimeout() != 5*time.Minute {
		t.Errorf("chatter tool timeout default = %v, want 5m", cfg.Chatter.ToolTimeout())
	}
	if cfg.Chatter.IdleTimeout() != time.Hour {
		t.Errorf("chatter idle timeout default = %v, want 1h", cfg.Chatter.IdleTimeout())
	}
	if cfg.Worker.TaskTimeout() != 30*time.Minute {
		t.Errorf("worker task timeout default = %v, want 30m", cfg.Worker.TaskTimeout())
	}
	if cfg.Worker.CommandFile != ".claude-command.md" {
		t.Errorf("worker.commandFile default = %q", cfg.Worker.CommandFile)
	}
	if cfg.Worker.HeartbeatInterval() != time.Minute {
		t.Errorf("worker heartbeat default = %v, want 1m", cfg.Worker.HeartbeatInterval())
	}
	if got := cfg.Gateway.HeartbeatInterval(); got != 30*time.Second {
		t.Errorf("gateway heartbeat default = %v, want 30s", got)
	}
	if len(cfg.Gateway.ForwardChannels) != 2 {
		t.Errorf("gateway.forwardChannels default = %v", cfg.Gateway.ForwardChannels)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGORA_BUS_DRIVER", "memory")
	t.Setenv("AGORA_WORKER_AGENT_NAME", "frontend")
	t.Setenv("AGORA_WORKER_REPO_PATH", "/srv/repos/frontend")
	t.Setenv("AGORA_WORKER_TASK_TIMEOUT_MINUTES", "5")
	t.Setenv("AGORA_LLM_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Bus.Driver != "memory" {
		t.Errorf("bus.driver = %q, want memory", cfg.Bus.Driver)
	}
	if cfg.Worker.AgentName != "frontend" {
		t.Errorf("worker.agentName = %q, want frontend", cfg.Worker.AgentName)
	}
	if cfg.Worker.RepoPath != "/srv/repos/frontend" {
		t.Errorf("worker.repoPath = %q", cfg.Worker.RepoPath)
	}
	if cfg.Worker.TaskTimeout() != 5*time.Minute {
		t.Errorf("worker task timeout = %v, want 5m", cfg.Worker.TaskTimeout())
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Errorf("llm.apiKey not picked up from env")
	}
}

func TestValidateWorkerListsMissing(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	err = cfg.ValidateWorker()
	if err == nil {
		t.Fatal("expected error for unset worker options")
	}
	for _, want := range []string{"worker.agentName", "worker.repoPath"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not list %s", err, want)
		}
	}
}

func TestValidateChatterRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("AGORA_LLM_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	err = cfg.ValidateChatter()
	if err == nil || !strings.Contains(err.Error(), "llm.apiKey") {
		t.Errorf("expected missing llm.apiKey, got %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if err := cfg.ValidateChatter(); err != nil {
		t.Errorf("expected chatter config to validate, got %v", err)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("AGORA_BUS_DRIVER", "kafka")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "bus.driver") {
		t.Errorf("expected bus.driver validation error, got %v", err)
	}
}
