package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	AgentModeMock = "mock"
	AgentModeHTTP = "http"

	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config contains all runtime settings for the task agent service.
type Config struct {
	BindAddr         string        `envconfig:"APP_BIND_ADDR" default:":8080"`
	ShutdownTimeout  time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"15s"`
	MetricsNamespace string        `envconfig:"APP_METRICS_NAMESPACE" default:"taskmate"`
	AllowAnyOrigin   bool          `envconfig:"APP_ALLOW_ANY_ORIGIN" default:"false"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"json"`
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`

	AgentMode           string        `envconfig:"AGENT_MODE" default:"mock"`
	AgentBaseURL        string        `envconfig:"AGENT_BASE_URL"`
	AgentAPIKey         string        `envconfig:"AGENT_API_KEY"`
	AgentID             string        `envconfig:"AGENT_ID"`
	AgentRequestTimeout time.Duration `envconfig:"AGENT_REQUEST_TIMEOUT" default:"30s"`

	// RunPollBaseDelay is the first backoff step; each further poll doubles it.
	RunPollBaseDelay   time.Duration `envconfig:"RUN_POLL_BASE_DELAY" default:"1s"`
	RunPollMaxAttempts int           `envconfig:"RUN_POLL_MAX_ATTEMPTS" default:"10"`
	RunBusyRetries     int           `envconfig:"RUN_BUSY_RETRIES" default:"1"`
	RunMaxToolRounds   int           `envconfig:"RUN_MAX_TOOL_ROUNDS" default:"8"`

	StoreDriver          string `envconfig:"STORE_DRIVER" default:"memory"`
	DatabaseURL          string `envconfig:"DATABASE_URL"`
	SQLitePath           string `envconfig:"SQLITE_PATH" default:"taskmate.db"`
	MemoryContextTurns   int    `envconfig:"MEMORY_CONTEXT_TURNS" default:"10"`
	MemoryRetentionTurns int    `envconfig:"MEMORY_RETENTION_TURNS" default:"200"`
}

// Load reads environment variables, applies defaults and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.BindAddr = strings.TrimSpace(c.BindAddr)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.AgentMode = strings.ToLower(strings.TrimSpace(c.AgentMode))
	c.AgentBaseURL = strings.TrimRight(strings.TrimSpace(c.AgentBaseURL), "/")
	c.AgentAPIKey = strings.TrimSpace(c.AgentAPIKey)
	c.AgentID = strings.TrimSpace(c.AgentID)
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)
}

func (c Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("APP_BIND_ADDR must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}

	switch c.AgentMode {
	case AgentModeMock:
	case AgentModeHTTP:
		if c.AgentBaseURL == "" || c.AgentAPIKey == "" || c.AgentID == "" {
			return fmt.Errorf("AGENT_MODE=http requires AGENT_BASE_URL, AGENT_API_KEY and AGENT_ID")
		}
	default:
		return fmt.Errorf("AGENT_MODE must be mock or http, got %q", c.AgentMode)
	}
	if c.AgentRequestTimeout <= 0 {
		return fmt.Errorf("AGENT_REQUEST_TIMEOUT must be positive")
	}

	if c.RunPollBaseDelay <= 0 {
		return fmt.Errorf("RUN_POLL_BASE_DELAY must be positive")
	}
	if c.RunPollMaxAttempts < 1 {
		return fmt.Errorf("RUN_POLL_MAX_ATTEMPTS must be at least 1")
	}
	if c.RunBusyRetries < 0 {
		return fmt.Errorf("RUN_BUSY_RETRIES must be >= 0")
	}
	if c.RunMaxToolRounds < 1 {
		return fmt.Errorf("RUN_MAX_TOOL_ROUNDS must be at least 1")
	}

	switch c.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("STORE_DRIVER=sqlite requires SQLITE_PATH")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, postgres or sqlite, got %q", c.StoreDriver)
	}
	if c.MemoryContextTurns <= 0 {
		return fmt.Errorf("MEMORY_CONTEXT_TURNS must be positive")
	}
	if c.MemoryRetentionTurns < c.MemoryContextTurns {
		return fmt.Errorf("MEMORY_RETENTION_TURNS must be at least MEMORY_CONTEXT_TURNS (%d)", c.MemoryContextTurns)
	}
	return nil
}
