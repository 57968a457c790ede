package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codespin-ai/shaman/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single consumer bound to one task type. It polls for due
// tasks, claims them, and runs the registered handler.
type Worker struct {
	id       string
	podID    string
	taskType string
	handler  Handler
	queue    *PostgresQueue
	config   *config.QueueConfig
	pool     TaskRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// TaskRegistry is the subset of WorkerPool used by Worker for task
// cancellation registration.
type TaskRegistry interface {
	RegisterTask(task *Task, cancel context.CancelFunc)
	UnregisterTask(taskID string)
}

// NewWorker creates a new queue worker for one task type.
func NewWorker(id, podID, taskType string, handler Handler, q *PostgresQueue, cfg *config.QueueConfig, pool TaskRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		taskType:     taskType,
		handler:      handler,
		queue:        q,
		config:       cfg,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "task_type", w.taskType)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a task, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by worker counts and mitigated by poll jitter).
	active, err := w.queue.activeCount(ctx)
	if err != nil {
		return fmt.Errorf("checking active tasks: %w", err)
	}
	if active >= w.config.MaxConcurrentTasks {
		return ErrAtCapacity
	}

	// 2. Claim next task
	task, err := w.queue.claimNext(ctx, w.taskType, w.id)
	if err != nil {
		return err
	}

	log := slog.With("task_id", task.ID, "task_type", task.Type,
		"attempt", task.Attempts, "worker_id", w.id)
	log.Info("Task claimed")

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create task context with timeout
	taskCtx, cancelTask := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancelTask()

	// 4. Register cancel function for scheduler-triggered cancellation
	w.pool.RegisterTask(task, cancelTask)
	defer w.pool.UnregisterTask(task.ID)

	// 5. Start heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.ID)

	// 6. Run the handler
	result := w.handler(taskCtx, task)

	// 6a. Nil-guard: synthesize a safe result if the handler returned nil
	if result == nil {
		switch {
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			result = Fail(fmt.Errorf("task timed out after %v", w.config.TaskTimeout), true)
		case errors.Is(taskCtx.Err(), context.Canceled):
			result = Fail(context.Canceled, false)
		default:
			result = Done(nil)
		}
	}

	// 7. A handler interrupted by the task deadline gets redelivered,
	// same as a worker death.
	if result.Err == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		result = Fail(fmt.Errorf("task timed out after %v", w.config.TaskTimeout), true)
	}

	// 8. Stop heartbeat
	cancelHeartbeat()

	// 9. Record the delivery outcome (background context, task ctx may
	// be cancelled).
	if err := w.finishDelivery(context.Background(), task, result); err != nil {
		log.Error("Failed to record task outcome", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task processing complete", "failed", result.Err != nil)
	return nil
}

// finishDelivery maps the handler result onto the task row: success
// completes, retryable failures requeue until the attempt ceiling, and
// everything else parks the task as DEAD.
func (w *Worker) finishDelivery(ctx context.Context, task *Task, result *Result) error {
	if result.Err == nil {
		return w.queue.markCompleted(ctx, task.ID)
	}
	if result.Retryable && task.Attempts < task.MaxAttempts {
		slog.Warn("Task failed, requeueing",
			"task_id", task.ID, "attempt", task.Attempts,
			"max_attempts", task.MaxAttempts, "error", result.Err)
		return w.queue.requeue(ctx, task, result.Err)
	}
	slog.Error("Task failed terminally",
		"task_id", task.ID, "attempt", task.Attempts,
		"retryable", result.Retryable, "error", result.Err)
	return w.queue.parkDead(ctx, task, result.Err)
}

// runHeartbeat periodically refreshes the claim for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.heartbeat(ctx, taskID); err != nil {
				slog.Warn("Heartbeat update failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
