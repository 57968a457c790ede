package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// Enabled turns the background retention loop on. Off by default:
	// deleting run history is a deployment decision.
	Enabled bool

	// RunMaxAge is how long terminal runs are kept before hard deletion.
	// Steps, messages, and run data are removed with the run.
	RunMaxAge time.Duration

	// EventTTL is the maximum age of event rows whose run is gone or
	// terminal. Events of live runs are kept for SSE catch-up replay.
	EventTTL time.Duration

	// TaskMaxAge is how long completed and dead queue task rows are kept.
	TaskMaxAge time.Duration

	// Interval is how often the cleanup loop runs.
	Interval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:    false,
		RunMaxAge:  90 * 24 * time.Hour,
		EventTTL:   24 * time.Hour,
		TaskMaxAge: 30 * 24 * time.Hour,
		Interval:   12 * time.Hour,
	}
}
