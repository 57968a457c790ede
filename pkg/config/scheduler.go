package config

import "time"

// SchedulerConfig contains run scheduling and step orchestration limits.
type SchedulerConfig struct {
	// MaxDepth is the maximum step-tree depth. An agent running at this
	// depth may still execute tools, but its agent-to-agent calls are
	// refused.
	MaxDepth int

	// SyncCallTimeout bounds a blocking agent-to-agent call. When the
	// child has not reached a terminal state within this window the
	// caller's tool result becomes a timeout error.
	SyncCallTimeout time.Duration

	// SyncPollInterval is how often a blocked caller re-checks the
	// child step while waiting synchronously.
	SyncPollInterval time.Duration

	// StreamKeepAlive is the idle interval after which SSE streams emit
	// a comment frame so intermediaries keep the connection open.
	StreamKeepAlive time.Duration
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxDepth:         10,
		SyncCallTimeout:  600 * time.Second,
		SyncPollInterval: 500 * time.Millisecond,
		StreamKeepAlive:  15 * time.Second,
	}
}
