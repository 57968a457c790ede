package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu              sync.Mutex
	lastOrphanScan  time.Time
	orphansRequeued int
}

// runOrphanDetection periodically scans for orphaned tasks.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds claimed tasks with stale heartbeats and
// requeues them; tasks out of attempts are parked as DEAD.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	rows, err := p.queue.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE status = $1 AND last_heartbeat IS NOT NULL AND last_heartbeat < $2`,
		TaskStatusClaimed, threshold)
	if err != nil {
		return fmt.Errorf("failed to query orphaned tasks: %w", err)
	}
	orphans, err := collectTasks(rows)
	if err != nil {
		return err
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned tasks", "count", len(orphans))

	recovered := 0
	for _, task := range orphans {
		requeued, err := p.queue.recoverOrphan(ctx, task, threshold)
		if err != nil {
			slog.Error("Failed to recover orphaned task",
				"task_id", task.ID, "error", err)
			continue
		}
		if requeued {
			recovered++
		}
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRequeued += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphan requeues one stale claim, or parks it as DEAD when its
// attempts are spent. The heartbeat predicate makes the update a no-op
// if the owning worker came back in the meantime; other pods racing on
// the same orphan lose the same way. Returns whether the task went back
// to PENDING.
func (q *PostgresQueue) recoverOrphan(ctx context.Context, task *Task, threshold time.Time) (bool, error) {
	orphanErr := fmt.Errorf("orphaned: no heartbeat from %s", task.ClaimedBy)

	if task.Attempts >= task.MaxAttempts {
		res, err := q.db.ExecContext(ctx, `
			UPDATE queue_tasks SET status = $2, last_error = $3, updated_at = now()
			WHERE id = $1 AND status = $4 AND last_heartbeat < $5`,
			task.ID, TaskStatusDead, orphanErr.Error(), TaskStatusClaimed, threshold)
		if err != nil {
			return false, fmt.Errorf("failed to park orphan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
		slog.Error("Orphaned task out of attempts, parked as DEAD",
			"task_id", task.ID, "attempts", task.Attempts)
		q.mu.Lock()
		onDead := q.onDead
		q.mu.Unlock()
		if onDead != nil {
			onDead(ctx, task)
		}
		return false, nil
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET status = $2, claimed_by = NULL, last_heartbeat = NULL,
		    last_error = $3, next_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status = $4 AND last_heartbeat < $5`,
		task.ID, TaskStatusPending, orphanErr.Error(), TaskStatusClaimed, threshold)
	if err != nil {
		return false, fmt.Errorf("failed to requeue orphan: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	slog.Warn("Orphaned task requeued",
		"task_id", task.ID, "attempts", task.Attempts, "claimed_by", task.ClaimedBy)
	q.metrics.RecordRetry(task.Type)
	return true, nil
}

// CleanupStartupOrphans requeues tasks this pod had claimed when it
// previously crashed. Called once during startup, before the worker
// pool begins processing.
func CleanupStartupOrphans(ctx context.Context, q *PostgresQueue, podID string) error {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE status = $1 AND claimed_by LIKE $2`,
		TaskStatusClaimed, podID+"-worker-%")
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}
	orphans, err := collectTasks(rows)
	if err != nil {
		return err
	}

	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run",
		"pod_id", podID, "count", len(orphans))

	for _, task := range orphans {
		restartErr := fmt.Errorf("orphaned: pod %s restarted while task was in progress", podID)
		if task.Attempts >= task.MaxAttempts {
			if err := q.parkDead(ctx, task, restartErr); err != nil {
				slog.Error("Failed to park startup orphan", "task_id", task.ID, "error", err)
			}
			continue
		}
		if err := q.requeue(ctx, task, restartErr); err != nil {
			slog.Error("Failed to requeue startup orphan", "task_id", task.ID, "error", err)
			continue
		}
		slog.Info("Startup orphan requeued", "task_id", task.ID)
	}

	return nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
