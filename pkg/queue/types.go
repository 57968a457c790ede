// Package queue provides the durable task queue and its worker pool.
//
// Tasks live in the queue_tasks table. Workers claim them with
// FOR UPDATE SKIP LOCKED, heartbeat while processing, and requeue with
// exponential backoff on retryable failure. Delivery is at least once;
// handlers must be idempotent on the task id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoTasksAvailable indicates no claimable tasks are in the queue.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrAtCapacity indicates the global concurrent task limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrQueueUnavailable indicates the queue backend stayed unreachable
	// through the enqueue retry budget.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// TaskStatus is the delivery state of a queued task.
type TaskStatus string

// Task delivery states.
const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusClaimed   TaskStatus = "CLAIMED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusDead      TaskStatus = "DEAD"
)

// Task is one durable unit of work. OrgID/RunID/StepID tie it back to
// the scheduler's entities; the queue itself only routes on Type.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	OrgID       string          `json:"org_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EnqueueParams describes a task to persist.
type EnqueueParams struct {
	Type    string
	Payload json.RawMessage
	OrgID   string
	RunID   string
	StepID  string

	// MaxAttempts overrides the configured delivery ceiling; zero keeps
	// the default.
	MaxAttempts int
}

// Result is a handler's verdict on one delivery. A nil *Result is
// treated as success with no output.
type Result struct {
	Output    json.RawMessage
	Err       error
	Retryable bool
}

// Done reports successful completion.
func Done(output json.RawMessage) *Result {
	return &Result{Output: output}
}

// Fail reports a failure. Retryable failures are redelivered with
// backoff until the task's attempt ceiling; the rest park the task as
// DEAD immediately.
func Fail(err error, retryable bool) *Result {
	return &Result{Err: err, Retryable: retryable}
}

// Handler processes one claimed task. Redeliveries reuse the task id,
// so implementations must be idempotent on it.
type Handler func(ctx context.Context, task *Task) *Result

// DeadTaskFunc is invoked after a task is parked as DEAD (retry budget
// exhausted, non-retryable failure, or unrecoverable orphan). It runs
// at most once per parking but may see a task whose handler already
// recorded the failure, so it must be idempotent too.
type DeadTaskFunc func(ctx context.Context, task *Task)

// TaskQueue is the port the scheduler enqueues through. PostgresQueue
// is the built-in implementation; any at-least-once backend can stand
// in as long as handlers stay idempotent on the task id.
type TaskQueue interface {
	Enqueue(ctx context.Context, params EnqueueParams) (string, error)
	RegisterHandler(taskType string, handler Handler, concurrency int)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	DBReachable     bool           `json:"db_reachable"`
	DBError         string         `json:"db_error,omitempty"`
	PodID           string         `json:"pod_id"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	ActiveTasks     int            `json:"active_tasks"`
	MaxConcurrent   int            `json:"max_concurrent"`
	QueueDepth      int            `json:"queue_depth"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
	LastOrphanScan  time.Time      `json:"last_orphan_scan"`
	OrphansRequeued int            `json:"orphans_requeued"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
