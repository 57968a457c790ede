package config

import "time"

// ServerConfig contains HTTP server settings for both personas.
// The public server terminates tenant traffic (API keys, rate limits,
// exposed agents only); the internal server trusts the platform JWT and
// serves every agent plus operational endpoints.
type ServerConfig struct {
	// PublicPort is the listen port for the public A2A server (PORT).
	PublicPort string

	// InternalPort is the listen port for the internal A2A server
	// (INTERNAL_PORT). Empty disables the internal listener, which is
	// only sensible in single-process test setups.
	InternalPort string

	// PublicBaseURL is the externally visible base URL advertised in
	// agent cards, e.g. "https://agents.example.com".
	PublicBaseURL string

	// InternalA2AURL is the base URL workers use for agent-to-agent
	// calls that stay inside the cluster (INTERNAL_A2A_URL).
	InternalA2AURL string

	// LogLevel is the parsed LOG_LEVEL value.
	LogLevel string

	// ShutdownTimeout bounds HTTP server drain during shutdown.
	ShutdownTimeout time.Duration

	// RateLimit configures the public persona's per-key limiter.
	RateLimit RateLimitConfig
}

// RateLimitConfig configures the sliding-window limiter applied to
// public requests, keyed by client IP.
type RateLimitConfig struct {
	// Enabled turns rate limiting on. Internal traffic is never limited.
	Enabled bool

	// Requests is the number of requests allowed per Window.
	Requests int

	// Window is the sliding window length.
	Window time.Duration
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PublicPort:      "4000",
		InternalPort:    "4001",
		PublicBaseURL:   "http://localhost:4000",
		InternalA2AURL:  "http://localhost:4001",
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 120,
			Window:   time.Minute,
		},
	}
}
