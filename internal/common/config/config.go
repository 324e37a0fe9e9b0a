// Package config provides configuration management for agora services.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agora. Each binary consumes
// the sections it needs and validates its own required set on startup.
type Config struct {
	Bus     BusConfig     `mapstructure:"bus"`
	Store   StoreConfig   `mapstructure:"store"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Chatter ChatterConfig `mapstructure:"chatter"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BusConfig holds message bus transport configuration.
type BusConfig struct {
	// Driver selects the transport: redis (default), nats, or memory.
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	// MaxReconnects applies to the NATS driver; negative means unlimited.
	MaxReconnects int `mapstructure:"maxReconnects"`
}

// StoreConfig holds activity-log store configuration.
type StoreConfig struct {
	// Driver selects the backend: sqlite (default), postgres, or none.
	Driver string `mapstructure:"driver"`
	// URL is the postgres connection string when driver=postgres.
	URL string `mapstructure:"url"`
	// Path is the database file when driver=sqlite.
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
	// QueueSize bounds the async writer; writes beyond it are dropped.
	QueueSize int `mapstructure:"queueSize"`
}

// LLMConfig identifies the model provider used by the orchestrator.
type LLMConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// GatewayConfig holds the HTTP/WebSocket surface configuration.
type GatewayConfig struct {
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	CORSOrigins      []string `mapstructure:"corsOrigins"`
	ForwardChannels  []string `mapstructure:"forwardChannels"`
	HeartbeatSeconds int      `mapstructure:"heartbeatSeconds"`
	ReadTimeout      int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout     int      `mapstructure:"writeTimeout"` // in seconds
}

// ChatterConfig holds the conversational orchestrator configuration.
type ChatterConfig struct {
	AgentName          string `mapstructure:"agentName"`
	HistoryCap         int    `mapstructure:"historyCap"`
	IdleMinutes        int    `mapstructure:"idleMinutes"`
	ToolTimeoutSeconds int    `mapstructure:"toolTimeoutSeconds"`
	QueueSize          int    `mapstructure:"queueSize"`
	Workers            int    `mapstructure:"workers"`
	MaxIterations      int    `mapstructure:"maxIterations"`
	RosterPath         string `mapstructure:"rosterPath"`
}

// WorkerConfig holds the local worker supervisor configuration.
type WorkerConfig struct {
	// AgentName is the identity claimed on the bus, e.g. frontend or backend.
	AgentName string `mapstructure:"agentName"`
	// RepoPath is the working directory tasks execute in.
	RepoPath string `mapstructure:"repoPath"`
	// CommandFile is the scratch file name, relative to RepoPath.
	CommandFile          string `mapstructure:"commandFile"`
	TaskTimeoutMinutes   int    `mapstructure:"taskTimeoutMinutes"`
	HeartbeatSeconds     int    `mapstructure:"heartbeatSeconds"`
	ShutdownGraceSeconds int    `mapstructure:"shutdownGraceSeconds"`
	// ToolPath is the external tool executable name or absolute path.
	ToolPath string `mapstructure:"toolPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HeartbeatInterval returns the browser keep-alive period.
func (g *GatewayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(g.HeartbeatSeconds) * time.Second
}

// ReadTimeoutDuration returns the HTTP read timeout as a time.Duration.
func (g *GatewayConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(g.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the HTTP write timeout as a time.Duration.
func (g *GatewayConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(g.WriteTimeout) * time.Second
}

// Addr returns the listen address for the gateway HTTP server.
func (g *GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// IdleTimeout returns the conversation idle eviction threshold.
func (c *ChatterConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleMinutes) * time.Minute
}

// ToolTimeout returns the per-tool-call deadline.
func (c *ChatterConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// TaskTimeout returns the default subprocess deadline.
func (w *WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeoutMinutes) * time.Minute
}

// HeartbeatInterval returns the status publish period.
func (w *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatSeconds) * time.Second
}

// ShutdownGrace returns how long a shutdown waits for a running task.
func (w *WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGORA_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Bus defaults
	v.SetDefault("bus.driver", "redis")
	v.SetDefault("bus.url", "localhost:6379")
	v.SetDefault("bus.password", "")
	v.SetDefault("bus.maxReconnects", -1)

	// Store defaults - sqlite keeps single-box deployments dependency-free
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.url", "")
	v.SetDefault("store.path", "agora.db")
	v.SetDefault("store.maxConns", 10)
	v.SetDefault("store.queueSize", 256)

	// LLM defaults - apiKey has no default and is required by the chatter
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.maxTokens", 4096)

	// Gateway defaults
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.corsOrigins", []string{"*"})
	v.SetDefault("gateway.forwardChannels", []string{"chatter-output", "system"})
	v.SetDefault("gateway.heartbeatSeconds", 30)
	v.SetDefault("gateway.readTimeout", 30)
	v.SetDefault("gateway.writeTimeout", 30)

	// Chatter defaults
	v.SetDefault("chatter.agentName", "chatter")
	v.SetDefault("chatter.historyCap", 50)
	v.SetDefault("chatter.idleMinutes", 60)
	v.SetDefault("chatter.toolTimeoutSeconds", 300)
	v.SetDefault("chatter.queueSize", 64)
	v.SetDefault("chatter.workers", 4)
	v.SetDefault("chatter.maxIterations", 8)
	v.SetDefault("chatter.rosterPath", "")

	// Worker defaults - agentName and repoPath are required
	v.SetDefault("worker.agentName", "")
	v.SetDefault("worker.repoPath", "")
	v.SetDefault("worker.commandFile", ".claude-command.md")
	v.SetDefault("worker.taskTimeoutMinutes", 30)
	v.SetDefault("worker.heartbeatSeconds", 60)
	v.SetDefault("worker.shutdownGraceSeconds", 30)
	v.SetDefault("worker.toolPath", "claude")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGORA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agora/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("bus.maxReconnects", "AGORA_BUS_MAX_RECONNECTS")
	_ = v.BindEnv("store.maxConns", "AGORA_STORE_MAX_CONNS")
	_ = v.BindEnv("store.queueSize", "AGORA_STORE_QUEUE_SIZE")
	_ = v.BindEnv("llm.apiKey", "ANTHROPIC_API_KEY", "AGORA_LLM_API_KEY")
	_ = v.BindEnv("llm.maxTokens", "AGORA_LLM_MAX_TOKENS")
	_ = v.BindEnv("gateway.corsOrigins", "AGORA_GATEWAY_CORS_ORIGINS")
	_ = v.BindEnv("gateway.forwardChannels", "AGORA_GATEWAY_FORWARD_CHANNELS")
	_ = v.BindEnv("gateway.heartbeatSeconds", "AGORA_GATEWAY_HEARTBEAT_SECONDS")
	_ = v.BindEnv("chatter.agentName", "AGORA_CHATTER_AGENT_NAME")
	_ = v.BindEnv("chatter.historyCap", "AGORA_CHATTER_HISTORY_CAP")
	_ = v.BindEnv("chatter.idleMinutes", "AGORA_CHATTER_IDLE_MINUTES")
	_ = v.BindEnv("chatter.toolTimeoutSeconds", "AGORA_CHATTER_TOOL_TIMEOUT_SECONDS")
	_ = v.BindEnv("chatter.maxIterations", "AGORA_CHATTER_MAX_ITERATIONS")
	_ = v.BindEnv("chatter.rosterPath", "AGORA_CHATTER_ROSTER_PATH")
	_ = v.BindEnv("worker.agentName", "AGORA_WORKER_AGENT_NAME")
	_ = v.BindEnv("worker.repoPath", "AGORA_WORKER_REPO_PATH")
	_ = v.BindEnv("worker.commandFile", "AGORA_WORKER_COMMAND_FILE")
	_ = v.BindEnv("worker.taskTimeoutMinutes", "AGORA_WORKER_TASK_TIMEOUT_MINUTES")
	_ = v.BindEnv("worker.heartbeatSeconds", "AGORA_WORKER_HEARTBEAT_SECONDS")
	_ = v.BindEnv("worker.toolPath", "AGORA_WORKER_TOOL_PATH")
	_ = v.BindEnv("logging.outputPath", "AGORA_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agora/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the fields every binary depends on. Per-binary required
// options are checked by the Validate* methods below.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Bus.Driver {
	case "redis", "nats", "memory":
	default:
		errs = append(errs, "bus.driver must be one of: redis, nats, memory")
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres, none")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateGateway checks the options the gateway binary requires.
func (c *Config) ValidateGateway() error {
	var missing []string

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		missing = append(missing, "gateway.port (must be between 1 and 65535)")
	}
	if c.Bus.Driver != "memory" && c.Bus.URL == "" {
		missing = append(missing, "bus.url")
	}
	missing = append(missing, c.storeMissing()...)

	return missingError(missing)
}

// ValidateChatter checks the options the orchestrator binary requires.
func (c *Config) ValidateChatter() error {
	var missing []string

	if c.LLM.APIKey == "" {
		missing = append(missing, "llm.apiKey (set ANTHROPIC_API_KEY)")
	}
	if c.LLM.Model == "" {
		missing = append(missing, "llm.model")
	}
	if c.Chatter.AgentName == "" {
		missing = append(missing, "chatter.agentName")
	}
	if c.Bus.Driver != "memory" && c.Bus.URL == "" {
		missing = append(missing, "bus.url")
	}

	return missingError(missing)
}

// ValidateWorker checks the options the supervisor binary requires.
func (c *Config) ValidateWorker() error {
	var missing []string

	if c.Worker.AgentName == "" {
		missing = append(missing, "worker.agentName")
	}
	if c.Worker.RepoPath == "" {
		missing = append(missing, "worker.repoPath")
	}
	if c.Worker.CommandFile == "" {
		missing = append(missing, "worker.commandFile")
	}
	if c.Worker.ToolPath == "" {
		missing = append(missing, "worker.toolPath")
	}
	if c.Bus.Driver != "memory" && c.Bus.URL == "" {
		missing = append(missing, "bus.url")
	}

	return missingError(missing)
}

func (c *Config) storeMissing() []string {
	var missing []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.URL == "" {
			missing = append(missing, "store.url")
		}
	case "sqlite":
		if c.Store.Path == "" {
			missing = append(missing, "store.path")
		}
	}
	return missing
}

func missingError(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
}
