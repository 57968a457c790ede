// Package executor drives one AGENT_EXECUTION step to a terminal state:
// assemble the conversation, call the model, dispatch the tools it asks
// for, and loop until the model answers without tool calls or a limit
// fires. The worker pool invokes it through the scheduler's queue
// handler; everything the loop learns is persisted as it happens, so a
// redelivered task resumes from the stored transcript instead of
// repeating completed work.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
	"github.com/codespin-ai/shaman/pkg/tools"
)

// Outcome is the terminal result of driving one step. The scheduler's
// queue handler applies it to the step row and runs the completion rule.
type Outcome struct {
	// Status is COMPLETED, FAILED, or CANCELED.
	Status models.StepStatus

	// FinalText is the closing assistant content on COMPLETED.
	FinalText string

	// ErrorMessage explains a FAILED outcome.
	ErrorMessage string

	// FinishReason is the provider's reason for the final round-trip.
	FinishReason string
}

// Executor runs agent steps. One instance serves every worker; all state
// lives in the store.
type Executor struct {
	store     *store.Store
	llms      *llm.Registry
	router    *tools.Router
	publisher *events.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	maxRetries     int
	retryBaseDelay time.Duration
	maxDepth       int
}

// New creates an Executor wired to the given dependencies.
func New(st *store.Store, llms *llm.Registry, router *tools.Router, publisher *events.EventPublisher, m *metrics.Metrics, cfg *config.Config) *Executor {
	return &Executor{
		store:          st,
		llms:           llms,
		router:         router,
		publisher:      publisher,
		metrics:        m,
		logger:         slog.Default(),
		maxRetries:     cfg.LLM.MaxRetries,
		retryBaseDelay: cfg.LLM.RetryBaseDelay,
		maxDepth:       cfg.Scheduler.MaxDepth,
	}
}

// Execute drives the step to a terminal outcome. The error return is
// reserved for infrastructure failures (context cancellation, store
// errors) that should send the task back to the queue; everything the
// agent itself did wrong comes back inside the Outcome.
func (e *Executor) Execute(ctx context.Context, step *models.Step, def *models.AgentDefinition) (*Outcome, error) {
	def.Normalize()

	conv, resumed, err := e.loadConversation(ctx, step, def)
	if err != nil {
		return nil, err
	}
	if resumed {
		e.logger.Info("Resuming step from stored transcript",
			"step_id", step.ID, "run_id", step.RunID, "messages", len(conv))
	}

	// A resumed transcript that already ends on a final answer means the
	// previous attempt died between answering and finishing the step.
	if last := lastMessage(conv); resumed &&
		last != nil && last.Role == models.MessageRoleAssistant && len(last.ToolCalls) == 0 {
		return &Outcome{Status: models.StepStatusCompleted, FinalText: last.Content}, nil
	}

	inv := tools.Invocation{
		OrgID:     step.OrgID,
		RunID:     step.RunID,
		StepID:    step.ID,
		AgentName: def.Name,
		Agent:     def,
		Depth:     step.Depth,
		CallStack: step.Metadata.CallStack,
	}
	defs := e.router.Definitions(ctx, inv)

	// Tool calls the previous delivery left unanswered run before the
	// next round-trip; their results may already sit on child steps.
	if pending := pendingToolCalls(conv); len(pending) > 0 {
		if outcome, err := e.checkCancel(ctx, step); outcome != nil || err != nil {
			return outcome, err
		}
		for _, call := range pending {
			msg, err := e.runToolCall(ctx, step, def, inv, call)
			if err != nil {
				return nil, err
			}
			conv = append(conv, msg)
		}
	}

	for iteration := 1; iteration <= def.MaxIterations; iteration++ {
		if outcome, err := e.checkCancel(ctx, step); outcome != nil || err != nil {
			return outcome, err
		}

		e.publishProgress(ctx, step, def, iteration, events.ProgressPhaseThinking)

		resp, err := e.completeWithRetry(ctx, def, conv, defs)
		if err != nil {
			if isContextErr(err) {
				return nil, err
			}
			return &Outcome{
				Status:       models.StepStatusFailed,
				ErrorMessage: fmt.Sprintf("llm call failed: %v", err),
			}, nil
		}

		e.recordRoundTrip(ctx, step, def, resp)

		if err := e.appendAssistant(ctx, step, resp); err != nil {
			return nil, err
		}
		conv = append(conv, llm.Message{
			Role:      models.MessageRoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return &Outcome{
				Status:       models.StepStatusCompleted,
				FinalText:    resp.Content,
				FinishReason: string(resp.FinishReason),
			}, nil
		}

		e.publishProgress(ctx, step, def, iteration, events.ProgressPhaseCallingTool)
		for _, call := range resp.ToolCalls {
			msg, err := e.runToolCall(ctx, step, def, inv, call)
			if err != nil {
				return nil, err
			}
			conv = append(conv, msg)
		}
	}

	return &Outcome{
		Status: models.StepStatusFailed,
		ErrorMessage: fmt.Sprintf("iteration_limit: agent %q did not converge within %d iterations",
			def.Name, def.MaxIterations),
	}, nil
}

// checkCancel is the cooperative cancellation point at the top of each
// iteration: the worker's context, the run's CANCELING flag, and the
// step's own status (CancelPending may have flipped it) all end the loop.
func (e *Executor) checkCancel(ctx context.Context, step *models.Step) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run, err := e.store.Runs.GetRun(ctx, step.OrgID, step.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusCanceling || run.Status == models.RunStatusCanceled {
		return &Outcome{Status: models.StepStatusCanceled}, nil
	}

	current, err := e.store.Steps.GetStep(ctx, step.OrgID, step.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.StepStatusCanceled {
		return &Outcome{Status: models.StepStatusCanceled}, nil
	}
	return nil, nil
}

func lastMessage(conv []llm.Message) *llm.Message {
	if len(conv) == 0 {
		return nil
	}
	return &conv[len(conv)-1]
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// --- Event publication ---
//
// Events are best-effort: a publish failure is logged and execution
// continues, because the store rows remain the source of truth and the
// catch-up path reads those.

func (e *Executor) publishProgress(ctx context.Context, step *models.Step, def *models.AgentDefinition, iteration int, phase string) {
	err := e.publisher.PublishRunProgress(ctx, events.RunProgressPayload{
		BasePayload:   basePayload(events.EventTypeRunProgress, step.RunID),
		StepID:        step.ID,
		AgentName:     def.Name,
		Iteration:     iteration,
		MaxIterations: def.MaxIterations,
		Phase:         phase,
	})
	if err != nil {
		e.logger.Warn("Failed to publish progress event", "step_id", step.ID, "error", err)
	}
}

func (e *Executor) publishStepStatus(ctx context.Context, child *models.Step) {
	parent := ""
	if child.ParentStepID != nil {
		parent = *child.ParentStepID
	}
	err := e.publisher.PublishStepStatus(ctx, child.OrgID, events.StepStatusPayload{
		BasePayload:  basePayload(events.EventTypeStepStatus, child.RunID),
		StepID:       child.ID,
		ParentStepID: parent,
		StepType:     child.Type,
		Status:       child.Status,
		AgentName:    child.AgentName,
		ToolName:     child.ToolName,
		Error:        child.Error,
	})
	if err != nil {
		e.logger.Warn("Failed to publish step status event", "step_id", child.ID, "error", err)
	}
}

func (e *Executor) publishMessage(ctx context.Context, step *models.Step, msg *models.Message) {
	err := e.publisher.PublishRunMessage(ctx, step.OrgID, events.RunMessagePayload{
		BasePayload: basePayload(events.EventTypeRunMessage, step.RunID),
		StepID:      step.ID,
		MessageID:   msg.ID,
		Role:        msg.Role,
		Content:     msg.Content,
	})
	if err != nil {
		e.logger.Warn("Failed to publish message event", "step_id", step.ID, "error", err)
	}
}

func basePayload(eventType, runID string) events.BasePayload {
	return events.BasePayload{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}
