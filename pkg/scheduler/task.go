package scheduler

import (
	"context"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/models"
)

// GetTask implements tasks/get: a full snapshot of the step behind the
// task id. Lookups are org-scoped, so a task in another org reads as
// missing rather than forbidden.
func (s *Scheduler) GetTask(ctx context.Context, id *auth.Identity, taskID string) (*a2a.Task, error) {
	step, err := s.store.Steps.GetStep(ctx, id.OrgID, taskID)
	if err != nil {
		return nil, err
	}
	return s.buildTask(ctx, step)
}

// CancelTask implements tasks/cancel: mark the run CANCELING, cancel
// every claimable step, interrupt local workers, then settle the run if
// nothing is left in flight. Terminal runs refuse; repeated cancels of
// a CANCELING run are accepted no-ops.
func (s *Scheduler) CancelTask(ctx context.Context, id *auth.Identity, taskID string) (*a2a.Task, error) {
	step, err := s.store.Steps.GetStep(ctx, id.OrgID, taskID)
	if err != nil {
		return nil, err
	}

	run, err := s.store.Runs.MarkCanceling(ctx, id.OrgID, step.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusCanceling {
		s.publishRunStatus(ctx, id.OrgID, run.ID, models.RunStatusCanceling, false)
	}
	s.logger.Info("Run canceling", "run_id", run.ID, "task_id", taskID, "org_id", id.OrgID)

	if s.pool != nil {
		if n := s.pool.CancelRun(run.ID); n > 0 {
			s.logger.Info("Interrupted in-flight tasks", "run_id", run.ID, "tasks", n)
		}
	}

	steps, err := s.store.Steps.ListSteps(ctx, id.OrgID, run.ID, models.StepFilters{})
	if err != nil {
		return nil, err
	}
	canceled, err := s.store.Steps.CancelPending(ctx, id.OrgID, run.ID)
	if err != nil {
		return nil, err
	}
	if canceled > 0 {
		for _, st := range steps {
			switch st.Status {
			case models.StepStatusQueued, models.StepStatusBlocked, models.StepStatusInputRequired:
				st.Status = models.StepStatusCanceled
				s.publishStepStatus(ctx, st)
			}
		}
	}

	// WORKING steps stop cooperatively; once the last one lands the
	// completion rule flips the run to CANCELED. When none were working
	// this call settles it right here.
	s.finalizeRun(ctx, id.OrgID, run.ID)

	fresh, err := s.store.Steps.GetStep(ctx, id.OrgID, taskID)
	if err != nil {
		return nil, err
	}
	return s.buildTask(ctx, fresh)
}

// projectState maps a step onto its externally visible task state. Root
// steps show their run's status, so a freshly submitted run reads
// submitted even though its root step already sits QUEUED; child tasks
// project their own step status.
func (s *Scheduler) projectState(ctx context.Context, step *models.Step) (a2a.TaskState, error) {
	if step.ParentStepID == nil {
		run, err := s.store.Runs.GetRun(ctx, step.OrgID, step.RunID)
		if err != nil {
			return "", err
		}
		return a2a.StateOfRun(run.Status), nil
	}
	return a2a.StateOfStep(step.Status), nil
}

// buildTask assembles the full task snapshot: projected status, the
// step's transcript minus SYSTEM turns, and the result artifact once
// the step completed.
func (s *Scheduler) buildTask(ctx context.Context, step *models.Step) (*a2a.Task, error) {
	state, err := s.projectState(ctx, step)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.Messages.ListByStep(ctx, step.OrgID, step.ID)
	if err != nil {
		return nil, err
	}
	history := make([]a2a.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.MessageRoleSystem || m.Content == "" {
			continue
		}
		history = append(history, a2a.Message{
			Kind:      a2a.KindMessage,
			MessageID: m.ID,
			Role:      a2a.RoleOf(m.Role),
			Parts:     []a2a.Part{a2a.TextPart(m.Content)},
			TaskID:    step.ID,
			ContextID: step.RunID,
		})
	}

	status := a2a.NewTaskStatus(state)
	if state == a2a.StateFailed && step.Error != "" {
		msg := a2a.NewTextMessage(a2a.RoleAgent, step.Error)
		msg.TaskID = step.ID
		msg.ContextID = step.RunID
		status.Message = &msg
	}

	task := &a2a.Task{
		Kind:      a2a.KindTask,
		ID:        step.ID,
		ContextID: step.RunID,
		Status:    status,
		History:   history,
		Metadata:  map[string]any{a2a.MetaAgent: step.AgentName},
	}
	if step.Status == models.StepStatusCompleted && len(step.Output) > 0 {
		task.Artifacts = []a2a.Artifact{resultArtifact(step)}
	}
	return task, nil
}

// resultArtifact renders the step output as the task's single artifact.
// The artifact id doubles as the step id, which keeps redeliveries and
// replays idempotent for consumers.
func resultArtifact(step *models.Step) a2a.Artifact {
	return a2a.Artifact{
		ArtifactID: step.ID,
		Name:       "result",
		Parts:      []a2a.Part{a2a.TextPart(textOf(step.Output))},
		LastChunk:  true,
	}
}
