package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codespin-ai/shaman/pkg/config"
)

// WorkerPool runs the consumers for every registered task type and
// keeps a cancel registry so the scheduler can interrupt in-flight
// tasks on this pod.
type WorkerPool struct {
	podID    string
	queue    *PostgresQueue
	config   *config.QueueConfig
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Cancel registry: task_id → handle, with a run_id index for
	// run-scoped cancellation.
	mu          sync.RWMutex
	activeTasks map[string]taskHandle
	started     bool

	// Orphan detection state
	orphans orphanState
}

type taskHandle struct {
	runID  string
	cancel context.CancelFunc
}

// NewWorkerPool creates a worker pool over the queue's registrations.
func NewWorkerPool(podID string, q *PostgresQueue, cfg *config.QueueConfig) *WorkerPool {
	return &WorkerPool{
		podID:       podID,
		queue:       q,
		config:      cfg,
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]taskHandle),
	}
}

// Start spawns the consumers for each registered task type plus the
// orphan detection background task. It is safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	registrations := p.queue.snapshotRegistrations()
	if len(registrations) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "task_types", len(registrations))

	for taskType, reg := range registrations {
		for i := 0; i < reg.concurrency; i++ {
			workerID := fmt.Sprintf("%s-worker-%s-%d", p.podID, taskType, i)
			worker := NewWorker(workerID, p.podID, taskType, reg.handler, p.queue, p.config, p)
			p.workers = append(p.workers, worker)
			worker.Start(ctx)
		}
	}

	// Start orphan detection
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started", "workers", len(p.workers))
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current tasks before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.getActiveTaskIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active tasks to complete",
			"count", len(active),
			"task_ids", active)
	}

	// Signal all workers to stop (they finish current tasks)
	for _, worker := range p.workers {
		worker.Stop()
	}

	// Signal orphan detection to stop
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterTask stores a cancel function for scheduler-triggered cancellation.
func (p *WorkerPool) RegisterTask(task *Task, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[task.ID] = taskHandle{runID: task.RunID, cancel: cancel}
}

// UnregisterTask removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelTask triggers context cancellation for a task on this pod.
// Returns true if the task was found and cancelled here.
func (p *WorkerPool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if handle, ok := p.activeTasks[taskID]; ok {
		handle.cancel()
		return true
	}
	return false
}

// CancelRun cancels every in-flight task belonging to a run on this
// pod and returns how many were cancelled. Tasks claimed by other pods
// observe the run's CANCELING status at their next checkpoint instead.
func (p *WorkerPool) CancelRun(runID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cancelled := 0
	for _, handle := range p.activeTasks {
		if handle.runID == runID {
			handle.cancel()
			cancelled++
		}
	}
	return cancelled
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.queue.Depth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	activeTasks, errA := p.queue.activeCount(ctx)
	if errA != nil {
		slog.Error("Failed to query active tasks for health check",
			"pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// DB errors affect health status - if we can't reach the DB, we're not healthy
	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeTasks <= p.config.MaxConcurrentTasks && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRequeued := p.orphans.orphansRequeued
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		if errQ != nil {
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else if errA != nil {
			dbError = fmt.Sprintf("active tasks query failed: %v", errA)
		}
	}

	return &PoolHealth{
		IsHealthy:       isHealthy,
		DBReachable:     dbHealthy,
		DBError:         dbError,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		ActiveTasks:     activeTasks,
		MaxConcurrent:   p.config.MaxConcurrentTasks,
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastOrphanScan,
		OrphansRequeued: orphansRequeued,
	}
}

// getActiveTaskIDs returns IDs of currently processing tasks (for logging).
func (p *WorkerPool) getActiveTaskIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tasks := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		tasks = append(tasks, id)
	}
	return tasks
}
