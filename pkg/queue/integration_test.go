package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codespin-ai/shaman/pkg/config"
	testdb "github.com/codespin-ai/shaman/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTaskType = "agent-execution"

// newTestQueue spins up an isolated schema and a queue over it.
func newTestQueue(t *testing.T, cfg *config.QueueConfig) *PostgresQueue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	client := testdb.NewTestClient(t)
	return NewPostgresQueue(client.DB(), cfg, nil)
}

// enqueueTestTask persists one pending task and returns its id.
func enqueueTestTask(ctx context.Context, t *testing.T, q *PostgresQueue, runID string) string {
	t.Helper()
	id, err := q.Enqueue(ctx, EnqueueParams{
		Type:    testTaskType,
		Payload: json.RawMessage(`{"stepId":"step-1"}`),
		OrgID:   "org-1",
		RunID:   runID,
		StepID:  "step-1",
	})
	require.NoError(t, err)
	return id
}

// intTestQueueConfig returns a queue config suitable for integration tests.
func intTestQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             2,
		MaxConcurrentTasks:      10,
		PollInterval:            100 * time.Millisecond,
		PollIntervalJitter:      0,
		TaskTimeout:             30 * time.Second,
		GracefulShutdownTimeout: 10 * time.Second,
		OrphanDetectionInterval: 1 * time.Second,
		OrphanThreshold:         2 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		MaxAttempts:             3,
		EnqueueRetryCap:         10 * time.Second,
	}
}

// awaitCondition polls until condition returns true or the timeout elapses.
func awaitCondition(t *testing.T, timeout, interval time.Duration, msg string, condition func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out: %s", msg)
		default:
			if condition() {
				return
			}
			time.Sleep(interval)
		}
	}
}

// TestForUpdateSkipLockedClaiming tests that a worker can atomically claim a pending task.
func TestForUpdateSkipLockedClaiming(t *testing.T) {
	cfg := intTestQueueConfig()
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	taskID := enqueueTestTask(ctx, t, q, "run-1")

	claimed, err := q.claimNext(ctx, testTaskType, "test-pod-worker-0")
	require.NoError(t, err)
	require.NotNil(t, claimed, "worker should claim the pending task")
	assert.Equal(t, taskID, claimed.ID)
	assert.Equal(t, TaskStatusClaimed, claimed.Status)
	assert.Equal(t, "test-pod-worker-0", claimed.ClaimedBy)
	assert.Equal(t, 1, claimed.Attempts, "claim should count as the first attempt")
	assert.Equal(t, "run-1", claimed.RunID)

	// Second claim should return ErrNoTasksAvailable
	claimed2, err := q.claimNext(ctx, testTaskType, "test-pod-worker-1")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)
	assert.Nil(t, claimed2, "no more pending tasks should be available")
}

// TestClaimHonorsTaskType tests that workers only claim their own task type.
func TestClaimHonorsTaskType(t *testing.T) {
	cfg := intTestQueueConfig()
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueParams{Type: "other-type", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = q.claimNext(ctx, testTaskType, "worker-0")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	claimed, err := q.claimNext(ctx, "other-type", "worker-0")
	require.NoError(t, err)
	assert.Equal(t, "other-type", claimed.Type)
}

// TestConcurrentClaimsDifferentTasks tests that concurrent workers claim different tasks.
func TestConcurrentClaimsDifferentTasks(t *testing.T) {
	cfg := intTestQueueConfig()
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	taskIDs := make(map[string]struct{})
	for i := 0; i < 5; i++ {
		id := enqueueTestTask(ctx, t, q, fmt.Sprintf("run-%d", i))
		taskIDs[id] = struct{}{}
	}

	var mu sync.Mutex
	claimed := make([]string, 0, 5)
	errCh := make(chan error, 5)
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			task, err := q.claimNext(ctx, testTaskType, fmt.Sprintf("worker-%d", workerID))
			if err != nil {
				errCh <- fmt.Errorf("worker-%d claim failed: %w", workerID, err)
				return
			}
			mu.Lock()
			claimed = append(claimed, task.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	// All 5 tasks should be claimed, each by exactly one worker (no duplicates)
	assert.Len(t, claimed, 5, "all 5 tasks should be claimed")

	seen := make(map[string]struct{})
	for _, id := range claimed {
		_, dup := seen[id]
		assert.False(t, dup, "task %s claimed by multiple workers", id)
		seen[id] = struct{}{}
		_, ok := taskIDs[id]
		assert.True(t, ok, "claimed task %s was not in original set", id)
	}
}

// TestPoolEndToEndWithHandler tests the full worker pool lifecycle.
func TestPoolEndToEndWithHandler(t *testing.T) {
	cfg := intTestQueueConfig()
	cfg.PollInterval = 50 * time.Millisecond
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	var processed atomic.Int64
	q.RegisterHandler(testTaskType, func(ctx context.Context, task *Task) *Result {
		processed.Add(1)
		return Done(nil)
	}, 2)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, enqueueTestTask(ctx, t, q, fmt.Sprintf("run-%d", i)))
	}

	pool := NewWorkerPool("test-pod", q, cfg)
	require.NoError(t, pool.Start(ctx))

	awaitCondition(t, 10*time.Second, 100*time.Millisecond,
		"waiting for tasks to be processed",
		func() bool { return processed.Load() >= 3 })

	pool.Stop()

	for _, id := range ids {
		task, err := q.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusCompleted, task.Status, "task %s should be completed", id)
	}

	health := pool.Health()
	assert.Equal(t, 2, health.TotalWorkers)
}

// TestRetryableFailureRedelivers tests that a retryable failure requeues the
// task with an incremented attempt and eventually parks it as DEAD.
func TestRetryableFailureRedelivers(t *testing.T) {
	cfg := intTestQueueConfig()
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	taskID := enqueueTestTask(ctx, t, q, "run-1")

	// First delivery fails retryably.
	task, err := q.claimNext(ctx, testTaskType, "worker-0")
	require.NoError(t, err)
	require.Equal(t, 1, task.Attempts)
	require.NoError(t, q.requeue(ctx, task, fmt.Errorf("transient boom")))

	stored, err := q.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "transient boom")

	// The redelivery is not due yet (backoff), so a claim misses it.
	_, err = q.claimNext(ctx, testTaskType, "worker-0")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)
}

// TestNonRetryableFailureParksDead tests the DEAD path and its hook.
func TestNonRetryableFailureParksDead(t *testing.T) {
	cfg := intTestQueueConfig()
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	var deadTasks []string
	var mu sync.Mutex
	q.SetDeadTaskFunc(func(ctx context.Context, task *Task) {
		mu.Lock()
		deadTasks = append(deadTasks, task.ID)
		mu.Unlock()
	})

	taskID := enqueueTestTask(ctx, t, q, "run-1")

	task, err := q.claimNext(ctx, testTaskType, "worker-0")
	require.NoError(t, err)
	require.NoError(t, q.parkDead(ctx, task, fmt.Errorf("fatal boom")))

	stored, err := q.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusDead, stored.Status)
	assert.Contains(t, stored.LastError, "fatal boom")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deadTasks, 1)
	assert.Equal(t, taskID, deadTasks[0])
}

// TestOrphanRecovery tests that orphaned tasks are detected and requeued.
func TestOrphanRecovery(t *testing.T) {
	cfg := intTestQueueConfig()
	cfg.OrphanThreshold = 1 * time.Second
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	taskID := enqueueTestTask(ctx, t, q, "run-1")

	// Simulate a crash: claim the task, then age the heartbeat.
	_, err := q.claimNext(ctx, testTaskType, "crashed-pod-worker-0")
	require.NoError(t, err)
	_, err = q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET last_heartbeat = now() - interval '10 minutes' WHERE id = $1`,
		taskID)
	require.NoError(t, err)

	pool := &WorkerPool{
		podID:       "test-pod",
		queue:       q,
		config:      cfg,
		activeTasks: make(map[string]taskHandle),
	}

	require.NoError(t, pool.detectAndRecoverOrphans(ctx))

	// Task is back in the queue with its attempt count preserved.
	stored, err := q.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "orphaned")

	pool.orphans.mu.Lock()
	assert.Equal(t, 1, pool.orphans.orphansRequeued)
	pool.orphans.mu.Unlock()

	// A requeued orphan is immediately claimable.
	reclaimed, err := q.claimNext(ctx, testTaskType, "test-pod-worker-0")
	require.NoError(t, err)
	assert.Equal(t, taskID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

// TestOrphanOutOfAttemptsParksDead tests that an orphan with spent attempts
// goes DEAD and fires the hook.
func TestOrphanOutOfAttemptsParksDead(t *testing.T) {
	cfg := intTestQueueConfig()
	cfg.OrphanThreshold = 1 * time.Second
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	var deadCount atomic.Int64
	q.SetDeadTaskFunc(func(ctx context.Context, task *Task) {
		deadCount.Add(1)
	})

	taskID := enqueueTestTask(ctx, t, q, "run-1")

	_, err := q.claimNext(ctx, testTaskType, "crashed-pod-worker-0")
	require.NoError(t, err)
	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET last_heartbeat = now() - interval '10 minutes', attempts = max_attempts
		WHERE id = $1`,
		taskID)
	require.NoError(t, err)

	pool := &WorkerPool{
		podID:       "test-pod",
		queue:       q,
		config:      cfg,
		activeTasks: make(map[string]taskHandle),
	}
	require.NoError(t, pool.detectAndRecoverOrphans(ctx))

	stored, err := q.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusDead, stored.Status)
	assert.Equal(t, int64(1), deadCount.Load())
}

// TestStartupOrphanCleanup tests the one-time startup orphan cleanup.
func TestStartupOrphanCleanup(t *testing.T) {
	cfg := intTestQueueConfig()
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	podID := "startup-test-pod"

	// Three tasks claimed by this pod's previous incarnation.
	mine := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id := enqueueTestTask(ctx, t, q, fmt.Sprintf("run-%d", i))
		mine = append(mine, id)
		_, err := q.db.ExecContext(ctx, `
			UPDATE queue_tasks
			SET status = $2, claimed_by = $3, last_heartbeat = now()
			WHERE id = $1`,
			id, TaskStatusClaimed, fmt.Sprintf("%s-worker-%d", podID, i))
		require.NoError(t, err)
	}

	// One task claimed by a different pod (should not be affected).
	otherID := enqueueTestTask(ctx, t, q, "run-other")
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET status = $2, claimed_by = 'other-pod-worker-0', last_heartbeat = now()
		WHERE id = $1`,
		otherID, TaskStatusClaimed)
	require.NoError(t, err)

	require.NoError(t, CleanupStartupOrphans(ctx, q, podID))

	for _, id := range mine {
		task, err := q.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusPending, task.Status, "task %s should be requeued", id)
	}

	other, err := q.GetTask(ctx, otherID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusClaimed, other.Status, "other pod's task should be untouched")
}

// TestCapacityLimits tests that the global max concurrent limit is enforced.
func TestCapacityLimits(t *testing.T) {
	cfg := intTestQueueConfig()
	cfg.WorkerCount = 2
	cfg.MaxConcurrentTasks = 2
	cfg.PollInterval = 50 * time.Millisecond
	cfg.OrphanDetectionInterval = 1 * time.Hour // Disable orphan detection during test
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	var processed atomic.Int64
	var inProgress atomic.Int64
	releaseCh := make(chan struct{})
	q.RegisterHandler(testTaskType, func(ctx context.Context, task *Task) *Result {
		processed.Add(1)
		inProgress.Add(1)
		defer inProgress.Add(-1)
		select {
		case <-releaseCh:
		case <-ctx.Done():
			return Fail(ctx.Err(), false)
		}
		return Done(nil)
	}, 2)

	for i := 0; i < 5; i++ {
		enqueueTestTask(ctx, t, q, fmt.Sprintf("run-%d", i))
	}

	pool := NewWorkerPool("test-pod", q, cfg)
	require.NoError(t, pool.Start(ctx))

	// Wait until exactly MaxConcurrentTasks are in progress.
	awaitCondition(t, 5*time.Second, 10*time.Millisecond,
		"waiting for tasks in progress",
		func() bool { return inProgress.Load() == int64(cfg.MaxConcurrentTasks) })

	// Give the system a moment to stabilize.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(cfg.MaxConcurrentTasks), inProgress.Load(),
		"should have exactly MaxConcurrentTasks in progress")

	active, err := q.activeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxConcurrentTasks, active, "DB should show MaxConcurrentTasks claimed")

	// Release executions to complete.
	close(releaseCh)

	awaitCondition(t, 5*time.Second, 50*time.Millisecond,
		"waiting for all tasks to be processed",
		func() bool { return processed.Load() >= 5 })

	pool.Stop()

	var completed int
	require.NoError(t, q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_tasks WHERE status = $1`,
		TaskStatusCompleted).Scan(&completed))
	assert.Equal(t, 5, completed, "all 5 tasks should complete")
}

// TestHeartbeatUpdates tests that heartbeats refresh last_heartbeat.
func TestHeartbeatUpdates(t *testing.T) {
	cfg := intTestQueueConfig()
	cfg.WorkerCount = 1
	cfg.PollInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = 100 * time.Millisecond
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	releaseCh := make(chan struct{})
	q.RegisterHandler(testTaskType, func(ctx context.Context, task *Task) *Result {
		select {
		case <-releaseCh:
		case <-ctx.Done():
		}
		return Done(nil)
	}, 1)

	taskID := enqueueTestTask(ctx, t, q, "run-1")

	pool := NewWorkerPool("test-pod", q, cfg)
	require.NoError(t, pool.Start(ctx))

	readHeartbeat := func() (time.Time, bool) {
		var hb sql.NullTime
		err := q.db.QueryRowContext(ctx,
			`SELECT last_heartbeat FROM queue_tasks WHERE id = $1`, taskID).Scan(&hb)
		require.NoError(t, err)
		return hb.Time, hb.Valid
	}

	// Wait for the task to be claimed.
	awaitCondition(t, 5*time.Second, 10*time.Millisecond,
		"waiting for task to be claimed",
		func() bool {
			task, err := q.GetTask(ctx, taskID)
			require.NoError(t, err)
			return task.Status == TaskStatusClaimed
		})

	initial, ok := readHeartbeat()
	require.True(t, ok, "claimed task should carry a heartbeat")

	// Wait for at least one heartbeat tick.
	time.Sleep(250 * time.Millisecond)

	updated, ok := readHeartbeat()
	require.True(t, ok)
	assert.True(t, updated.After(initial), "last_heartbeat should be refreshed by heartbeat")

	close(releaseCh)
	pool.Stop()
}

// TestNilResultGuard tests that a nil *Result from a handler does not panic
// and is translated into the correct delivery outcome.
func TestNilResultGuard(t *testing.T) {
	t.Run("nil result without context error completes the task", func(t *testing.T) {
		cfg := intTestQueueConfig()
		cfg.WorkerCount = 1
		cfg.PollInterval = 50 * time.Millisecond
		q := newTestQueue(t, cfg)
		ctx := context.Background()

		var processed atomic.Int64
		q.RegisterHandler(testTaskType, func(ctx context.Context, task *Task) *Result {
			processed.Add(1)
			return nil
		}, 1)

		taskID := enqueueTestTask(ctx, t, q, "run-1")

		pool := NewWorkerPool("test-pod", q, cfg)
		require.NoError(t, pool.Start(ctx))

		awaitCondition(t, 5*time.Second, 50*time.Millisecond,
			"waiting for task to be processed",
			func() bool { return processed.Load() >= 1 })
		pool.Stop()

		task, err := q.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusCompleted, task.Status)
	})

	t.Run("nil result with deadline exceeded requeues the task", func(t *testing.T) {
		cfg := intTestQueueConfig()
		cfg.WorkerCount = 1
		cfg.PollInterval = 50 * time.Millisecond
		cfg.TaskTimeout = 200 * time.Millisecond
		q := newTestQueue(t, cfg)
		ctx := context.Background()

		var processed atomic.Int64
		q.RegisterHandler(testTaskType, func(ctx context.Context, task *Task) *Result {
			processed.Add(1)
			<-ctx.Done()
			return nil
		}, 1)

		taskID := enqueueTestTask(ctx, t, q, "run-1")

		pool := NewWorkerPool("test-pod", q, cfg)
		require.NoError(t, pool.Start(ctx))

		awaitCondition(t, 5*time.Second, 50*time.Millisecond,
			"waiting for task to be processed",
			func() bool { return processed.Load() >= 1 })

		// Give the worker time to persist the outcome, then stop before
		// the redelivery backoff elapses.
		awaitCondition(t, 5*time.Second, 50*time.Millisecond,
			"waiting for task requeue",
			func() bool {
				task, err := q.GetTask(ctx, taskID)
				require.NoError(t, err)
				return task.Status == TaskStatusPending
			})
		pool.Stop()

		task, err := q.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusPending, task.Status)
		assert.Contains(t, task.LastError, "timed out")
	})

	t.Run("nil result with cancellation parks the task dead", func(t *testing.T) {
		cfg := intTestQueueConfig()
		cfg.WorkerCount = 1
		cfg.PollInterval = 50 * time.Millisecond
		cfg.TaskTimeout = 30 * time.Second // Long timeout so cancellation wins
		q := newTestQueue(t, cfg)
		ctx := context.Background()

		q.RegisterHandler(testTaskType, func(ctx context.Context, task *Task) *Result {
			<-ctx.Done()
			return nil
		}, 1)

		taskID := enqueueTestTask(ctx, t, q, "run-1")

		pool := NewWorkerPool("test-pod", q, cfg)
		require.NoError(t, pool.Start(ctx))

		// Wait for the task to be claimed.
		awaitCondition(t, 5*time.Second, 10*time.Millisecond,
			"waiting for task to be claimed",
			func() bool {
				task, err := q.GetTask(ctx, taskID)
				require.NoError(t, err)
				return task.Status == TaskStatusClaimed
			})

		// Cancel the run via the pool (simulates tasks/cancel).
		cancelled := pool.CancelRun("run-1")
		require.Equal(t, 1, cancelled, "CancelRun should find the active task")

		awaitCondition(t, 5*time.Second, 50*time.Millisecond,
			"waiting for task to reach terminal status",
			func() bool {
				task, err := q.GetTask(ctx, taskID)
				require.NoError(t, err)
				return task.Status == TaskStatusDead
			})

		pool.Stop()
	})
}

// TestEnqueueValidation tests parameter checks and payload defaulting.
func TestEnqueueValidation(t *testing.T) {
	cfg := intTestQueueConfig()
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueParams{})
	assert.Error(t, err, "missing task type should be rejected")

	id, err := q.Enqueue(ctx, EnqueueParams{Type: testTaskType})
	require.NoError(t, err)

	task, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(task.Payload), "empty payload should default to {}")
	assert.Equal(t, cfg.MaxAttempts, task.MaxAttempts)
}
