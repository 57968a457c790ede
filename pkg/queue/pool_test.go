package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRegisterAndCancelTask(t *testing.T) {
	pool := &WorkerPool{
		activeTasks: make(map[string]taskHandle),
	}

	// Register a task
	ctx, cancel := context.WithCancel(context.Background())
	pool.RegisterTask(&Task{ID: "task-1", RunID: "run-1"}, cancel)

	// Cancel should succeed for registered task
	assert.True(t, pool.CancelTask("task-1"))
	assert.Error(t, ctx.Err()) // Context should be cancelled

	// Cancel should return false for unknown task
	assert.False(t, pool.CancelTask("unknown"))
}

func TestPoolUnregisterTask(t *testing.T) {
	pool := &WorkerPool{
		activeTasks: make(map[string]taskHandle),
	}

	_, cancel := context.WithCancel(context.Background())
	pool.RegisterTask(&Task{ID: "task-1"}, cancel)

	// Should find it
	assert.True(t, pool.CancelTask("task-1"))

	// Unregister
	pool.UnregisterTask("task-1")

	// Should not find it anymore
	assert.False(t, pool.CancelTask("task-1"))
}

func TestPoolCancelRun(t *testing.T) {
	pool := &WorkerPool{
		activeTasks: make(map[string]taskHandle),
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()

	pool.RegisterTask(&Task{ID: "task-1", RunID: "run-a"}, cancel1)
	pool.RegisterTask(&Task{ID: "task-2", RunID: "run-a"}, cancel2)
	pool.RegisterTask(&Task{ID: "task-3", RunID: "run-b"}, cancel3)

	// Both run-a tasks get cancelled; run-b is untouched.
	assert.Equal(t, 2, pool.CancelRun("run-a"))
	assert.Error(t, ctx1.Err())
	assert.Error(t, ctx2.Err())
	assert.NoError(t, ctx3.Err())

	assert.Equal(t, 0, pool.CancelRun("unknown-run"))
}

func TestPoolGetActiveTaskIDs(t *testing.T) {
	pool := &WorkerPool{
		activeTasks: make(map[string]taskHandle),
	}

	// Empty initially
	ids := pool.getActiveTaskIDs()
	assert.Empty(t, ids)

	// Register tasks
	_, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	pool.RegisterTask(&Task{ID: "task-a"}, cancel1)
	pool.RegisterTask(&Task{ID: "task-b"}, cancel2)

	ids = pool.getActiveTaskIDs()
	require.Len(t, ids, 2)
	assert.Contains(t, ids, "task-a")
	assert.Contains(t, ids, "task-b")
}

func TestPoolStopTwiceDoesNotPanic(t *testing.T) {
	pool := &WorkerPool{
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]taskHandle),
	}

	// First call should close the channel without panic.
	pool.Stop()

	// Second call must not panic (sync.Once guards the close).
	assert.NotPanics(t, func() { pool.Stop() })
}
