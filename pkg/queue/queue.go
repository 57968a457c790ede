package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/google/uuid"
)

// Enqueue retry budget when the backend is unreachable.
const (
	enqueueMaxAttempts  = 5
	enqueueBaseBackoff  = 250 * time.Millisecond
	redeliveryBaseDelay = 1 * time.Second
	redeliveryDelayCap  = 60 * time.Second
)

const taskColumns = `id, task_type, payload, status, org_id, run_id, step_id,
	attempts, max_attempts, claimed_by, last_error, created_at, updated_at`

// PostgresQueue implements TaskQueue on the queue_tasks table. Handler
// output is not persisted; handlers write their results through the
// persistence gateway and the queue only tracks delivery state.
type PostgresQueue struct {
	db      *sql.DB
	config  *config.QueueConfig
	metrics *metrics.Metrics

	mu            sync.Mutex
	registrations map[string]registration
	onDead        DeadTaskFunc
}

type registration struct {
	handler     Handler
	concurrency int
}

// NewPostgresQueue creates a queue over an existing database handle.
// metrics may be nil.
func NewPostgresQueue(db *sql.DB, cfg *config.QueueConfig, m *metrics.Metrics) *PostgresQueue {
	return &PostgresQueue{
		db:            db,
		config:        cfg,
		metrics:       m,
		registrations: make(map[string]registration),
	}
}

// SetDeadTaskFunc installs the hook invoked when a task is parked as
// DEAD. Must be set before the worker pool starts.
func (q *PostgresQueue) SetDeadTaskFunc(fn DeadTaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDead = fn
}

// Enqueue persists a task and returns once it is durably accepted.
// Transient insert failures are retried with exponential backoff; after
// the retry budget the call fails with ErrQueueUnavailable.
func (q *PostgresQueue) Enqueue(ctx context.Context, params EnqueueParams) (string, error) {
	if params.Type == "" {
		return "", fmt.Errorf("task type is required")
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}

	id := uuid.New().String()
	backoff := enqueueBaseBackoff
	var lastErr error
	for attempt := 0; attempt < enqueueMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > q.config.EnqueueRetryCap {
				backoff = q.config.EnqueueRetryCap
			}
		}

		_, err := q.db.ExecContext(ctx, `
			INSERT INTO queue_tasks (id, task_type, payload, org_id, run_id, step_id, max_attempts)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, params.Type, []byte(payload), nullable(params.OrgID),
			nullable(params.RunID), nullable(params.StepID), maxAttempts)
		if err == nil {
			return id, nil
		}
		lastErr = err
		slog.Warn("Enqueue attempt failed",
			"task_type", params.Type, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, lastErr)
}

// RegisterHandler binds a handler to a task type. concurrency is the
// number of dedicated consumers the pool will start for it; zero or
// negative falls back to the configured worker count. Must be called
// before the pool starts; re-registering a type replaces the previous
// binding.
func (q *PostgresQueue) RegisterHandler(taskType string, handler Handler, concurrency int) {
	if concurrency <= 0 {
		concurrency = q.config.WorkerCount
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.registrations[taskType]; exists {
		slog.Warn("Replacing handler registration", "task_type", taskType)
	}
	q.registrations[taskType] = registration{handler: handler, concurrency: concurrency}
}

// Depth counts claimable tasks.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_tasks WHERE status = $1`,
		TaskStatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return n, nil
}

// activeCount counts tasks currently claimed across all pods.
func (q *PostgresQueue) activeCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_tasks WHERE status = $1`,
		TaskStatusClaimed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count claimed tasks: %w", err)
	}
	return n, nil
}

// claimNext atomically claims the oldest due task of the given type
// using FOR UPDATE SKIP LOCKED. The claim increments the attempt
// counter, so Task.Attempts is 1-based during handling.
func (q *PostgresQueue) claimNext(ctx context.Context, taskType, workerID string) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM queue_tasks
		WHERE task_type = $1 AND status = $2 AND next_attempt_at <= now()
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		taskType, TaskStatusPending).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTasksAvailable
		}
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE queue_tasks
		SET status = $2, claimed_by = $3, attempts = attempts + 1,
		    last_heartbeat = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns,
		id, TaskStatusClaimed, workerID)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	q.metrics.RecordClaim(taskType)
	return task, nil
}

// heartbeat refreshes the claim so orphan detection leaves it alone.
func (q *PostgresQueue) heartbeat(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET last_heartbeat = now(), updated_at = now()
		WHERE id = $1 AND status = $2`,
		taskID, TaskStatusClaimed)
	return err
}

// markCompleted finishes a delivery successfully.
func (q *PostgresQueue) markCompleted(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET status = $2, updated_at = now()
		WHERE id = $1`,
		taskID, TaskStatusCompleted)
	return err
}

// requeue returns a failed delivery to PENDING with exponential backoff
// derived from the attempt count.
func (q *PostgresQueue) requeue(ctx context.Context, task *Task, taskErr error) error {
	delay := redeliveryDelay(task.Attempts)
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET status = $2, claimed_by = NULL, last_heartbeat = NULL,
		    last_error = $3, next_attempt_at = now() + $4 * interval '1 millisecond',
		    updated_at = now()
		WHERE id = $1`,
		task.ID, TaskStatusPending, taskErr.Error(), delay.Milliseconds())
	if err != nil {
		return err
	}
	q.metrics.RecordRetry(task.Type)
	return nil
}

// parkDead marks a task DEAD and fires the dead-task hook.
func (q *PostgresQueue) parkDead(ctx context.Context, task *Task, taskErr error) error {
	msg := "unknown"
	if taskErr != nil {
		msg = taskErr.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`,
		task.ID, TaskStatusDead, msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	onDead := q.onDead
	q.mu.Unlock()
	if onDead != nil {
		onDead(ctx, task)
	}
	return nil
}

// PurgeFinishedBefore deletes COMPLETED and DEAD task rows last touched
// before the cutoff. Dead rows are the dead-letter record, so the cutoff
// should leave operators time to inspect them.
func (q *PostgresQueue) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_tasks
		WHERE status IN ($1, $2) AND updated_at < $3`,
		TaskStatusCompleted, TaskStatusDead, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge finished tasks: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge finished tasks: %w", err)
	}
	return count, nil
}

// GetTask loads one task row. Used by tests and the admin surface.
func (q *PostgresQueue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM queue_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTasksAvailable
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (q *PostgresQueue) snapshotRegistrations() map[string]registration {
	q.mu.Lock()
	defer q.mu.Unlock()
	regs := make(map[string]registration, len(q.registrations))
	for k, v := range q.registrations {
		regs[k] = v
	}
	return regs
}

func redeliveryDelay(attempts int) time.Duration {
	delay := redeliveryBaseDelay << uint(attempts)
	if delay > redeliveryDelayCap || delay <= 0 {
		delay = redeliveryDelayCap
	}
	return delay
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		payload   []byte
		orgID     sql.NullString
		runID     sql.NullString
		stepID    sql.NullString
		claimedBy sql.NullString
		lastError sql.NullString
	)
	err := row.Scan(
		&task.ID, &task.Type, &payload, &task.Status, &orgID, &runID,
		&stepID, &task.Attempts, &task.MaxAttempts, &claimedBy, &lastError,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Payload = payload
	task.OrgID = orgID.String
	task.RunID = runID.String
	task.StepID = stepID.String
	task.ClaimedBy = claimedBy.String
	task.LastError = lastError.String
	return &task, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
