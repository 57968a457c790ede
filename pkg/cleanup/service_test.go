package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/queue"
	"github.com/codespin-ai/shaman/pkg/store"
	testdb "github.com/codespin-ai/shaman/test/database"
)

type fixture struct {
	db        *sql.DB
	store     *store.Store
	events    *events.EventStore
	publisher *events.EventPublisher
	queue     *queue.PostgresQueue
	svc       *Service
	orgID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := testdb.NewTestClient(t)
	st := store.New(client.DB())
	q := queue.NewPostgresQueue(client.DB(), config.DefaultQueueConfig(), metrics.New())
	es := events.NewEventStore(client.DB())

	org, err := st.Orgs.CreateOrganization(context.Background(), "acme-"+uuid.New().String()[:8])
	require.NoError(t, err)

	svc := NewService(Config{
		RunMaxAge:  30 * 24 * time.Hour,
		EventTTL:   time.Hour,
		TaskMaxAge: 7 * 24 * time.Hour,
		Interval:   time.Hour,
	}, st.Runs, es, q)

	return &fixture{
		db:        client.DB(),
		store:     st,
		events:    es,
		publisher: events.NewEventPublisher(client.DB()),
		queue:     q,
		svc:       svc,
		orgID:     org.ID,
	}
}

// createRun inserts a run and returns its id.
func (f *fixture) createRun(t *testing.T) string {
	t.Helper()
	run, err := f.store.Runs.CreateRun(context.Background(), models.CreateRunParams{
		OrgID:        f.orgID,
		AgentName:    "triage",
		InitialInput: "check the disks",
	})
	require.NoError(t, err)
	return run.ID
}

// finishRun forces a run terminal with the given end time.
func (f *fixture) finishRun(t *testing.T, runID string, status models.RunStatus, endedAt time.Time) {
	t.Helper()
	_, err := f.db.ExecContext(context.Background(),
		`UPDATE runs SET status = $2, end_time = $3 WHERE id = $1`,
		runID, status, endedAt)
	require.NoError(t, err)
}

func TestService_PurgesOldTerminalRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldRun := f.createRun(t)
	f.finishRun(t, oldRun, models.RunStatusCompleted, time.Now().Add(-60*24*time.Hour))

	// A step on the old run, to observe the cascade.
	step, err := f.store.Steps.CreateStep(ctx, models.CreateStepParams{
		OrgID: f.orgID,
		RunID: oldRun,
		Type:  models.StepTypeAgentExecution,
	})
	require.NoError(t, err)

	f.svc.runAll(ctx)

	_, err = f.store.Runs.GetRun(ctx, f.orgID, oldRun)
	assert.True(t, errors.Is(err, store.ErrNotFound), "old terminal run should be purged")

	_, err = f.store.Steps.GetStep(ctx, f.orgID, step.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound), "steps should cascade with the run")
}

func TestService_PreservesRecentAndLiveRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recent := f.createRun(t)
	f.finishRun(t, recent, models.RunStatusCompleted, time.Now())

	// Old but still working: retention must not touch it.
	live := f.createRun(t)
	_, err := f.db.ExecContext(ctx,
		`UPDATE runs SET status = 'WORKING', start_time = $2 WHERE id = $1`,
		live, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)

	f.svc.runAll(ctx)

	_, err = f.store.Runs.GetRun(ctx, f.orgID, recent)
	assert.NoError(t, err, "recently finished run should survive")

	_, err = f.store.Runs.GetRun(ctx, f.orgID, live)
	assert.NoError(t, err, "live run should survive regardless of age")
}

func TestService_SweepsAgedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doneRun := f.createRun(t)
	f.finishRun(t, doneRun, models.RunStatusCompleted, time.Now())
	liveRun := f.createRun(t)

	for _, runID := range []string{doneRun, liveRun} {
		err := f.publisher.PublishRunStatus(ctx, f.orgID, events.RunStatusPayload{
			BasePayload: events.BasePayload{
				Type:      events.EventTypeRunStatus,
				RunID:     runID,
				Timestamp: time.Now().Format(time.RFC3339Nano),
			},
		})
		require.NoError(t, err)
	}

	// Everything published above is now "old".
	_, err := f.db.ExecContext(ctx,
		`UPDATE events SET created_at = now() - interval '2 hours'`)
	require.NoError(t, err)

	f.svc.runAll(ctx)

	gone, err := f.events.GetEventsSince(ctx, events.RunChannel(doneRun), 0, 100)
	require.NoError(t, err)
	assert.Empty(t, gone, "aged events of a terminal run should be swept")

	kept, err := f.events.GetEventsSince(ctx, events.RunChannel(liveRun), 0, 100)
	require.NoError(t, err)
	assert.Len(t, kept, 1, "events of a live run are kept for catch-up replay")
}

func TestService_PurgesFinishedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doneTask, err := f.queue.Enqueue(ctx, queue.EnqueueParams{
		Type:    "execute_step",
		Payload: json.RawMessage(`{}`),
		OrgID:   f.orgID,
	})
	require.NoError(t, err)
	pendingTask, err := f.queue.Enqueue(ctx, queue.EnqueueParams{
		Type:    "execute_step",
		Payload: json.RawMessage(`{}`),
		OrgID:   f.orgID,
	})
	require.NoError(t, err)

	_, err = f.db.ExecContext(ctx,
		`UPDATE queue_tasks SET status = 'COMPLETED', updated_at = now() - interval '30 days' WHERE id = $1`,
		doneTask)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx,
		`UPDATE queue_tasks SET updated_at = now() - interval '30 days' WHERE id = $1`,
		pendingTask)
	require.NoError(t, err)

	f.svc.runAll(ctx)

	_, err = f.queue.GetTask(ctx, doneTask)
	assert.Error(t, err, "old completed task rows should be purged")

	_, err = f.queue.GetTask(ctx, pendingTask)
	assert.NoError(t, err, "pending tasks survive no matter their age")
}

func TestService_StartStop(t *testing.T) {
	f := newFixture(t)

	f.svc.config.Interval = 10 * time.Millisecond
	f.svc.Start(context.Background())

	// Second Start is a no-op.
	f.svc.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	f.svc.Stop()

	// Stop after Stop does not hang or panic.
	f.svc.Stop()
}
