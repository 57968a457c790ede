// Package scheduler owns run and task lifecycle. It serves the A2A
// methods on both personas, turns accepted messages into queued
// AGENT_EXECUTION steps, drives claimed steps through the executor, and
// applies the run completion rule after every terminal step. It is also
// the platform's AgentCaller: call_agent dispatches loop back through
// the internal A2A endpoint so child agents join their caller's run.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/codespin-ai/shaman/pkg/agent"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/executor"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/queue"
	"github.com/codespin-ai/shaman/pkg/store"
)

// TaskTypeAgentExecution is the queue task type that drives one
// AGENT_EXECUTION step to a terminal status.
const TaskTypeAgentExecution = "agent-execution"

// Guard sentinels the RPC layer maps onto dedicated error codes.
var (
	// ErrCircularCall means the requested agent is already executing on
	// the call stack of the step asking for it.
	ErrCircularCall = errors.New("circular agent call")

	// ErrDepthLimit means dispatching the child would exceed the
	// configured recursion ceiling.
	ErrDepthLimit = errors.New("agent call depth limit exceeded")
)

// StepRunner drives one claimed AGENT_EXECUTION step to an outcome.
// *executor.Executor is the production implementation.
type StepRunner interface {
	Execute(ctx context.Context, step *models.Step, def *models.AgentDefinition) (*executor.Outcome, error)
}

// RunCanceler interrupts in-flight work for a run on this pod. The
// worker pool implements it; workers on other pods observe the
// CANCELING run status cooperatively instead.
type RunCanceler interface {
	CancelRun(runID string) int
}

// Deps bundles the scheduler's collaborators. Pool and Events are
// optional: without a pool, cancels rely on cooperative status checks
// alone, and without an event store, resubscribe cannot bootstrap a
// cursor and replays from the beginning.
type Deps struct {
	Store     *store.Store
	Queue     queue.TaskQueue
	Pool      RunCanceler
	Resolver  agent.Resolver
	Publisher *events.EventPublisher
	Hub       *events.SubscriberHub
	Events    *events.EventStore
	Tokens    *auth.TokenService
	Metrics   *metrics.Metrics
	Config    *config.Config
}

// Scheduler implements the A2A surface over the store, the task queue
// and the event feed.
type Scheduler struct {
	store     *store.Store
	queue     queue.TaskQueue
	pool      RunCanceler
	resolver  agent.Resolver
	runner    StepRunner
	publisher *events.EventPublisher
	hub       *events.SubscriberHub
	events    *events.EventStore
	tokens    *auth.TokenService
	metrics   *metrics.Metrics
	cfg       *config.Config
	logger    *slog.Logger
}

// New wires a Scheduler. The step runner attaches afterwards through
// RegisterHandlers because the executor needs the tool router, which in
// turn needs this scheduler as its agent caller.
func New(deps Deps) *Scheduler {
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Scheduler{
		store:     deps.Store,
		queue:     deps.Queue,
		pool:      deps.Pool,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		hub:       deps.Hub,
		events:    deps.Events,
		tokens:    deps.Tokens,
		metrics:   m,
		cfg:       deps.Config,
		logger:    slog.Default(),
	}
}

// RegisterHandlers binds the step runner and registers the execution
// handler on the queue. Call once during startup, after the tool router
// exists.
func (s *Scheduler) RegisterHandlers(runner StepRunner, concurrency int) {
	s.runner = runner
	s.queue.RegisterHandler(TaskTypeAgentExecution, s.handleAgentExecution, concurrency)
}

// pollInterval is the step-polling cadence for blocking sends and
// synchronous agent calls.
func (s *Scheduler) pollInterval() time.Duration {
	if d := s.cfg.Scheduler.SyncPollInterval; d > 0 {
		return d
	}
	return 500 * time.Millisecond
}

// syncTimeout bounds how long a synchronous agent call waits on its
// child before giving up.
func (s *Scheduler) syncTimeout() time.Duration {
	if d := s.cfg.Scheduler.SyncCallTimeout; d > 0 {
		return d
	}
	return 10 * time.Minute
}

// --- Event publication ---
//
// Events are best-effort: a publish failure is logged and the operation
// continues, because the store rows remain the source of truth and
// tasks/get reads those.

func (s *Scheduler) publishRunStatus(ctx context.Context, orgID, runID string, status models.RunStatus, final bool) {
	err := s.publisher.PublishRunStatus(ctx, orgID, events.RunStatusPayload{
		BasePayload: basePayload(events.EventTypeRunStatus, runID),
		Status:      status,
		Final:       final,
	})
	if err != nil {
		s.logger.Warn("Failed to publish run status event", "run_id", runID, "error", err)
	}
}

func (s *Scheduler) publishStepStatus(ctx context.Context, step *models.Step) {
	parent := ""
	if step.ParentStepID != nil {
		parent = *step.ParentStepID
	}
	err := s.publisher.PublishStepStatus(ctx, step.OrgID, events.StepStatusPayload{
		BasePayload:  basePayload(events.EventTypeStepStatus, step.RunID),
		StepID:       step.ID,
		ParentStepID: parent,
		StepType:     step.Type,
		Status:       step.Status,
		AgentName:    step.AgentName,
		ToolName:     step.ToolName,
		Error:        step.Error,
	})
	if err != nil {
		s.logger.Warn("Failed to publish step status event", "step_id", step.ID, "error", err)
	}
}

func basePayload(eventType, runID string) events.BasePayload {
	return events.BasePayload{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// textOf renders a stored JSON value as plain text: JSON strings
// unquote, anything else keeps its JSON encoding.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeStepInput splits a persisted step input back into message text
// and optional context data, undoing inputPayload.
func decodeStepInput(raw json.RawMessage) (string, json.RawMessage) {
	var wrapped struct {
		Message string          `json:"message"`
		Context json.RawMessage `json:"context"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Message != "" {
		return wrapped.Message, wrapped.Context
	}
	return textOf(raw), nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
