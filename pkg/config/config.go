// Package config loads and validates Shaman runtime configuration.
//
// All settings come from environment variables, optionally seeded from a
// .env file via godotenv. Each subsystem gets a typed section with defaults
// suitable for local development; deployments override through the
// environment. Database settings live in pkg/database and are loaded
// separately so migration tooling can reuse them.
package config

import (
	"log/slog"
	"strings"
)

// Config is the umbrella configuration object returned by Load()
// and threaded through the application at startup.
type Config struct {
	Server    ServerConfig
	Queue     *QueueConfig
	Scheduler SchedulerConfig
	Auth      AuthConfig
	LLM       LLMConfig
	MCP       MCPConfig
	Retention RetentionConfig
}

// Stats summarizes loaded configuration for startup logging.
// Secrets are reported as presence booleans, never as values.
type Stats struct {
	PublicPort      string
	InternalPort    string
	Workers         int
	MaxDepth        int
	MCPServers      int
	OpenAIKeySet    bool
	AnthropicKeySet bool
	JWTSecretSet    bool
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	return Stats{
		PublicPort:      c.Server.PublicPort,
		InternalPort:    c.Server.InternalPort,
		Workers:         c.Queue.WorkerCount,
		MaxDepth:        c.Scheduler.MaxDepth,
		MCPServers:      len(c.MCP.Servers),
		OpenAIKeySet:    c.LLM.OpenAIAPIKey != "",
		AnthropicKeySet: c.LLM.AnthropicAPIKey != "",
		JWTSecretSet:    c.Auth.JWTSecret != "",
	}
}

// ParseLogLevel maps a LOG_LEVEL string onto slog levels.
// Unknown values fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
