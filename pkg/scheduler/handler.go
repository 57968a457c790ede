package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codespin-ai/shaman/pkg/agent"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/executor"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/queue"
	"github.com/codespin-ai/shaman/pkg/store"
)

// handleAgentExecution drives one claimed task: load the step, settle
// the degenerate cases (already terminal, run canceled, agent gone),
// then run the step and record its outcome. Redeliveries land here with
// the same step id, so every branch tolerates work a previous delivery
// already did.
func (s *Scheduler) handleAgentExecution(ctx context.Context, task *queue.Task) *queue.Result {
	log := s.logger.With("task_id", task.ID, "step_id", task.StepID, "run_id", task.RunID)

	step, err := s.store.Steps.GetStep(ctx, task.OrgID, task.StepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error("Execution task references a missing step")
			return queue.Fail(err, false)
		}
		return queue.Fail(err, true)
	}

	if step.Status.IsTerminal() {
		log.Info("Step already terminal, acknowledging redelivery", "status", string(step.Status))
		s.finalizeRun(ctx, task.OrgID, step.RunID)
		return queue.Done(nil)
	}

	run, err := s.store.Runs.GetRun(ctx, task.OrgID, step.RunID)
	if err != nil {
		return queue.Fail(err, true)
	}
	if run.Status == models.RunStatusCanceling || run.Status == models.RunStatusCanceled {
		s.cancelStep(ctx, step)
		s.finalizeRun(ctx, task.OrgID, run.ID)
		return queue.Done(nil)
	}

	def, err := s.resolver.Resolve(ctx, task.OrgID, step.AgentName)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			s.failStep(ctx, step, fmt.Sprintf("agent %q is not registered", step.AgentName))
			s.finalizeRun(ctx, task.OrgID, run.ID)
			return queue.Done(nil)
		}
		return queue.Fail(err, true)
	}

	wasQueued := step.Status == models.StepStatusQueued
	step, err = s.store.Steps.Start(ctx, task.OrgID, step.ID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.finalizeRun(ctx, task.OrgID, run.ID)
			return queue.Done(nil)
		}
		return queue.Fail(err, true)
	}
	if wasQueued {
		s.publishStepStatus(ctx, step)
	}

	if run.Status == models.RunStatusSubmitted {
		if err := s.store.Runs.UpdateRunStatus(ctx, task.OrgID, run.ID, models.RunStatusWorking); err == nil {
			s.publishRunStatus(ctx, task.OrgID, run.ID, models.RunStatusWorking, false)
		} else if !errors.Is(err, store.ErrConflict) {
			log.Warn("Failed to mark run working", "error", err)
		}
	}

	outcome, err := s.executeStep(ctx, step, def)
	if err != nil {
		log.Warn("Step execution hit infrastructure trouble", "error", err)
		return queue.Fail(err, true)
	}

	if err := s.recordOutcome(ctx, step, outcome); err != nil {
		return queue.Fail(err, true)
	}
	log.Info("Step finished", "status", string(step.Status), "agent", step.AgentName)
	s.finalizeRun(ctx, task.OrgID, run.ID)

	output, _ := json.Marshal(map[string]string{"status": string(outcome.Status)})
	return queue.Done(output)
}

// executeStep runs the step locally through the executor, or proxies it
// when the agent lives on a remote A2A server.
func (s *Scheduler) executeStep(ctx context.Context, step *models.Step, def *models.AgentDefinition) (*executor.Outcome, error) {
	if def.Source == models.AgentSourceA2AExternal {
		return s.runRemoteStep(ctx, step, def)
	}
	if s.runner == nil {
		return nil, errors.New("no step runner registered")
	}
	return s.runner.Execute(ctx, step, def)
}

// recordOutcome moves the step to the outcome's terminal status. The
// step's full metadata rides along because a finish replaces the
// metadata column wholesale.
func (s *Scheduler) recordOutcome(ctx context.Context, step *models.Step, outcome *executor.Outcome) error {
	meta := step.Metadata
	meta.FinishReason = outcome.FinishReason

	var err error
	switch outcome.Status {
	case models.StepStatusCompleted:
		output, merr := json.Marshal(outcome.FinalText)
		if merr != nil {
			return fmt.Errorf("encode step output: %w", merr)
		}
		err = s.store.Steps.Complete(ctx, step.OrgID, step.ID, output, meta)
		step.Output = output
	case models.StepStatusCanceled:
		err = s.store.Steps.Cancel(ctx, step.OrgID, step.ID)
	default:
		err = s.store.Steps.Fail(ctx, step.OrgID, step.ID, outcome.ErrorMessage, meta)
		step.Error = outcome.ErrorMessage
	}
	if err != nil {
		// Losing the race against tasks/cancel leaves the step settled
		// either way.
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}

	step.Status = outcome.Status
	step.Metadata = meta
	s.publishStepStatus(ctx, step)
	s.metrics.RecordStep(string(step.Type), string(step.Status))
	return nil
}

// failStep settles a step as FAILED and publishes the transition.
func (s *Scheduler) failStep(ctx context.Context, step *models.Step, msg string) {
	if err := s.store.Steps.Fail(ctx, step.OrgID, step.ID, msg, step.Metadata); err != nil && !errors.Is(err, store.ErrConflict) {
		s.logger.Error("Failed to fail step", "step_id", step.ID, "error", err)
		return
	}
	step.Status = models.StepStatusFailed
	step.Error = msg
	s.publishStepStatus(ctx, step)
	s.metrics.RecordStep(string(step.Type), string(step.Status))
}

// cancelStep settles a step as CANCELED and publishes the transition.
func (s *Scheduler) cancelStep(ctx context.Context, step *models.Step) {
	if err := s.store.Steps.Cancel(ctx, step.OrgID, step.ID); err != nil && !errors.Is(err, store.ErrConflict) {
		s.logger.Error("Failed to cancel step", "step_id", step.ID, "error", err)
		return
	}
	step.Status = models.StepStatusCanceled
	s.publishStepStatus(ctx, step)
	s.metrics.RecordStep(string(step.Type), string(step.Status))
}

// finalizeRun applies the completion rule. Exactly one caller wins the
// terminal transition and emits the closing events: the result artifact
// first, then the final status frame.
func (s *Scheduler) finalizeRun(ctx context.Context, orgID, runID string) {
	run, transitioned, err := s.store.Runs.TryComplete(ctx, orgID, runID)
	if err != nil {
		s.logger.Error("Run completion check failed", "run_id", runID, "error", err)
		return
	}
	if !transitioned {
		return
	}

	if run.Status == models.RunStatusCompleted {
		s.publishResultArtifact(ctx, orgID, run)
	}
	s.publishRunStatus(ctx, orgID, run.ID, run.Status, true)

	var duration int64
	if run.DurationMS != nil {
		duration = *run.DurationMS
	}
	s.logger.Info("Run finished",
		"run_id", run.ID, "status", string(run.Status),
		"total_tokens", run.TotalTokens, "total_cost", run.TotalCost,
		"duration_ms", duration)
}

func (s *Scheduler) publishResultArtifact(ctx context.Context, orgID string, run *models.Run) {
	root, err := s.rootStep(ctx, orgID, run.ID)
	if err != nil {
		s.logger.Warn("No root step for finished run", "run_id", run.ID, "error", err)
		return
	}
	text := textOf(root.Output)
	if text == "" {
		return
	}
	err = s.publisher.PublishRunArtifact(ctx, orgID, events.RunArtifactPayload{
		BasePayload: basePayload(events.EventTypeRunArtifact, run.ID),
		ArtifactID:  root.ID,
		Name:        "result",
		Text:        text,
		LastChunk:   true,
	})
	if err != nil {
		s.logger.Warn("Failed to publish artifact event", "run_id", run.ID, "error", err)
	}
}

func (s *Scheduler) rootStep(ctx context.Context, orgID, runID string) (*models.Step, error) {
	steps, err := s.store.Steps.ListSteps(ctx, orgID, runID, models.StepFilters{Type: models.StepTypeAgentExecution})
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.ParentStepID == nil {
			return st, nil
		}
	}
	return nil, store.ErrNotFound
}

// HandleDeadTask runs after the queue parks an execution task as DEAD.
// A step its handler already settled needs nothing more; otherwise the
// step fails here so the run cannot strand on a lost delivery.
func (s *Scheduler) HandleDeadTask(ctx context.Context, task *queue.Task) {
	if task.Type != TaskTypeAgentExecution || task.StepID == "" {
		return
	}
	step, err := s.store.Steps.GetStep(ctx, task.OrgID, task.StepID)
	if err != nil {
		s.logger.Error("Dead task references an unloadable step",
			"task_id", task.ID, "step_id", task.StepID, "error", err)
		return
	}
	if !step.Status.IsTerminal() {
		msg := "execution task exhausted its delivery attempts"
		if task.LastError != "" {
			msg += ": " + task.LastError
		}
		s.logger.Error("Execution task dead, failing its step",
			"task_id", task.ID, "step_id", step.ID, "attempts", task.Attempts)
		s.failStep(ctx, step, msg)
	}
	s.finalizeRun(ctx, task.OrgID, step.RunID)
}
