package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Seed the process environment from envPath if the file exists
//  2. Build each section from defaults plus environment overrides
//  3. Validate the result
//  4. Return Config ready for use
//
// envPath may be empty to skip the .env step.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	mcp, err := loadMCP()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:    loadServer(),
		Queue:     loadQueue(),
		Scheduler: loadScheduler(),
		Auth:      loadAuth(),
		LLM:       loadLLM(),
		MCP:       mcp,
		Retention: loadRetention(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"public_port", stats.PublicPort,
		"internal_port", stats.InternalPort,
		"workers", stats.Workers,
		"max_depth", stats.MaxDepth,
		"mcp_servers", stats.MCPServers,
		"openai_key_set", stats.OpenAIKeySet,
		"anthropic_key_set", stats.AnthropicKeySet)

	return cfg, nil
}

func loadServer() ServerConfig {
	c := DefaultServerConfig()
	c.PublicPort = getEnv("PORT", c.PublicPort)
	c.InternalPort = getEnv("INTERNAL_PORT", c.InternalPort)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", "http://localhost:"+c.PublicPort)
	c.InternalA2AURL = getEnv("INTERNAL_A2A_URL", "http://localhost:"+c.InternalPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.Requests = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.Requests)
	c.RateLimit.Window = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.Window)
	return c
}

func loadQueue() *QueueConfig {
	c := DefaultQueueConfig()
	c.Endpoint = os.Getenv("FOREMAN_ENDPOINT")
	c.APIKey = os.Getenv("FOREMAN_API_KEY")
	c.WorkerCount = getEnvInt("SHAMAN_WORKERS", c.WorkerCount)
	c.MaxConcurrentTasks = getEnvInt("SHAMAN_MAX_CONCURRENT_TASKS", c.MaxConcurrentTasks)
	c.PollInterval = getEnvDuration("QUEUE_POLL_INTERVAL", c.PollInterval)
	c.TaskTimeout = getEnvDuration("QUEUE_TASK_TIMEOUT", c.TaskTimeout)
	c.HeartbeatInterval = getEnvDuration("QUEUE_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.GracefulShutdownTimeout = getEnvDuration("QUEUE_SHUTDOWN_TIMEOUT", c.GracefulShutdownTimeout)
	c.OrphanDetectionInterval = getEnvDuration("QUEUE_ORPHAN_INTERVAL", c.OrphanDetectionInterval)
	c.OrphanThreshold = getEnvDuration("QUEUE_ORPHAN_THRESHOLD", c.OrphanThreshold)
	c.MaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", c.MaxAttempts)
	return c
}

func loadScheduler() SchedulerConfig {
	c := DefaultSchedulerConfig()
	c.MaxDepth = getEnvInt("SHAMAN_MAX_DEPTH", c.MaxDepth)
	c.SyncCallTimeout = getEnvDuration("SHAMAN_SYNC_CALL_TIMEOUT", c.SyncCallTimeout)
	c.SyncPollInterval = getEnvDuration("SHAMAN_SYNC_POLL_INTERVAL", c.SyncPollInterval)
	c.StreamKeepAlive = getEnvDuration("SHAMAN_STREAM_KEEPALIVE", c.StreamKeepAlive)
	return c
}

func loadAuth() AuthConfig {
	c := DefaultAuthConfig()
	c.JWTSecret = os.Getenv("JWT_SECRET")
	c.JWTTTL = getEnvDuration("JWT_TTL", c.JWTTTL)
	return c
}

func loadLLM() LLMConfig {
	c := DefaultLLMConfig()
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.MaxRetries = getEnvInt("LLM_MAX_RETRIES", c.MaxRetries)
	c.RetryBaseDelay = getEnvDuration("LLM_RETRY_BASE_DELAY", c.RetryBaseDelay)
	return c
}

func loadRetention() RetentionConfig {
	c := DefaultRetentionConfig()
	c.Enabled = getEnvBool("RETENTION_ENABLED", c.Enabled)
	c.RunMaxAge = getEnvDuration("RETENTION_RUN_MAX_AGE", c.RunMaxAge)
	c.EventTTL = getEnvDuration("RETENTION_EVENT_TTL", c.EventTTL)
	c.TaskMaxAge = getEnvDuration("RETENTION_TASK_MAX_AGE", c.TaskMaxAge)
	c.Interval = getEnvDuration("RETENTION_INTERVAL", c.Interval)
	return c
}

// Validate checks cross-field constraints that the per-section loaders
// cannot see. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.PublicPort == "" {
		return NewValidationError("server", "PORT", ErrMissingRequiredField)
	}
	if c.Server.InternalPort != "" && c.Auth.JWTSecret == "" {
		return NewValidationError("auth", "JWT_SECRET", ErrMissingRequiredField)
	}
	if c.Queue.WorkerCount < 1 {
		return NewValidationError("queue", "SHAMAN_WORKERS", ErrInvalidValue)
	}
	if c.Queue.MaxAttempts < 1 {
		return NewValidationError("queue", "QUEUE_MAX_ATTEMPTS", ErrInvalidValue)
	}
	if c.Scheduler.MaxDepth < 0 {
		return NewValidationError("scheduler", "SHAMAN_MAX_DEPTH", ErrInvalidValue)
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Requests < 1 || c.Server.RateLimit.Window <= 0 {
			return NewValidationError("server", "RATE_LIMIT_REQUESTS", ErrInvalidValue)
		}
	}
	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return NewValidationError("retention", "RETENTION_INTERVAL", ErrInvalidValue)
		}
		if c.Retention.RunMaxAge <= 0 || c.Retention.EventTTL <= 0 || c.Retention.TaskMaxAge <= 0 {
			return NewValidationError("retention", "RETENTION_RUN_MAX_AGE", ErrInvalidValue)
		}
	}
	for name, server := range c.MCP.Servers {
		if err := server.validate(name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment value", "key", key, "value", val)
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("Ignoring malformed duration environment value", "key", key, "value", val)
		return defaultVal
	}
	return d
}
