package config

import "time"

// QueueConfig contains task queue and worker pool configuration.
// These values control how agent-execution tasks are polled, claimed,
// and processed.
type QueueConfig struct {
	// Endpoint is the queue backend DSN (FOREMAN_ENDPOINT). For the
	// built-in Postgres backend this is a postgres:// URL; empty means
	// "reuse the primary database connection".
	Endpoint string

	// APIKey authenticates against remote queue backends
	// (FOREMAN_API_KEY). Ignored by the Postgres backend.
	APIKey string

	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and claims tasks.
	WorkerCount int

	// MaxConcurrentTasks is the global limit of concurrently executing
	// tasks across ALL replicas/pods. Enforced by database COUNT(*) check.
	MaxConcurrentTasks int

	// PollInterval is the base interval for checking pending tasks.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// TaskTimeout is the maximum time a single task can be processed.
	TaskTimeout time.Duration

	// HeartbeatInterval is how often workers refresh the heartbeat on
	// tasks they are processing.
	HeartbeatInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for active tasks
	// to complete during shutdown. Should match TaskTimeout.
	GracefulShutdownTimeout time.Duration

	// OrphanDetectionInterval is how often to scan for orphaned tasks.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long a task can go without a heartbeat
	// before it is considered orphaned and requeued.
	OrphanThreshold time.Duration

	// MaxAttempts is the delivery attempt ceiling per task. A task that
	// fails this many times is parked as DEAD.
	MaxAttempts int

	// EnqueueRetryCap bounds the exponential backoff used when the
	// queue backend is unreachable during enqueue.
	EnqueueRetryCap time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		MaxConcurrentTasks:      25,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		TaskTimeout:             15 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		GracefulShutdownTimeout: 15 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
		MaxAttempts:             3,
		EnqueueRetryCap:         10 * time.Second,
	}
}
