package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/agent"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/queue"
	"github.com/codespin-ai/shaman/pkg/store"
)

// reservedMetaPrefix marks metadata keys only the internal persona may
// set; they thread run identity through recursion.
const reservedMetaPrefix = "shaman:"

// SendMessage implements message/send for both personas. Plain sends
// start a new run. The internal persona can additionally address a
// pre-created step (how call_agent dispatches re-enter the scheduler)
// or an existing run, which creates a child step under the named
// parent.
func (s *Scheduler) SendMessage(ctx context.Context, id *auth.Identity, params *a2a.SendParams) (*a2a.Task, error) {
	text := params.Message.Text()
	if text == "" {
		return nil, store.NewValidationError("message", "message requires at least one non-empty text part")
	}
	if params.Message.TaskID != "" {
		return nil, store.NewValidationError("message", "task continuation is not supported; start a new run")
	}

	if id.Persona == auth.PersonaInternal {
		if params.Meta(a2a.MetaStepID) != "" {
			return s.sendToStep(ctx, id, params)
		}
		if params.Meta(a2a.MetaRunID) != "" || params.Meta(a2a.MetaParentStepID) != "" {
			return s.sendChild(ctx, id, params, text)
		}
	} else if key := reservedMeta(params); key != "" {
		return nil, store.NewValidationError("metadata", fmt.Sprintf("metadata key %q is reserved for the platform", key))
	}
	return s.sendNewRun(ctx, id, params, text)
}

// sendNewRun creates a run in SUBMITTED state with its root step QUEUED
// and hands the step to the queue.
func (s *Scheduler) sendNewRun(ctx context.Context, id *auth.Identity, params *a2a.SendParams, text string) (*a2a.Task, error) {
	def, err := s.resolveTarget(ctx, id, params.Meta(a2a.MetaAgent))
	if err != nil {
		return nil, err
	}

	input, err := inputPayload(text, firstDataPart(params.Message.Parts))
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	createdBy := id.UserID
	if createdBy == "" {
		createdBy = id.KeyID
	}
	run, err := s.store.Runs.CreateRun(ctx, models.CreateRunParams{
		OrgID:        id.OrgID,
		AgentName:    def.Name,
		InitialInput: text,
		CreatedBy:    createdBy,
	})
	if err != nil {
		return nil, err
	}

	step, err := s.store.Steps.CreateStep(ctx, models.CreateStepParams{
		RunID:       run.ID,
		OrgID:       id.OrgID,
		Type:        models.StepTypeAgentExecution,
		AgentName:   def.Name,
		AgentSource: def.Source,
		Input:       input,
		Metadata:    models.StepMetadata{CallStack: []string{def.Name}},
	})
	if err != nil {
		return nil, err
	}

	s.publishRunStatus(ctx, id.OrgID, run.ID, models.RunStatusSubmitted, false)
	s.publishStepStatus(ctx, step)
	s.logger.Info("Run submitted",
		"run_id", run.ID, "agent", def.Name, "org_id", id.OrgID, "persona", string(id.Persona))

	if err := s.enqueueStep(ctx, step); err != nil {
		return nil, err
	}
	if params.Blocking() {
		step = s.awaitTerminal(ctx, step)
	}
	return s.buildTask(ctx, step)
}

// sendChild creates and enqueues a child step addressed by run and
// parent metadata. Direct internal callers use this form; the
// platform's own call_agent path pre-creates the step and goes through
// sendToStep instead.
func (s *Scheduler) sendChild(ctx context.Context, id *auth.Identity, params *a2a.SendParams, text string) (*a2a.Task, error) {
	runID := params.Meta(a2a.MetaRunID)
	parentID := params.Meta(a2a.MetaParentStepID)
	if runID == "" || parentID == "" {
		return nil, store.NewValidationError("metadata", "shaman:runId and shaman:parentStepId must be set together")
	}
	if org := params.Meta(a2a.MetaOrganizationID); org != "" && org != id.OrgID {
		return nil, auth.ErrInvalidCredentials
	}

	def, err := s.resolveTarget(ctx, id, params.Meta(a2a.MetaAgent))
	if err != nil {
		return nil, err
	}
	if def.Source == models.AgentSourceA2AExternal {
		return nil, store.NewValidationError("metadata", "external agents cannot join an existing run")
	}

	parent, err := s.store.Steps.GetStep(ctx, id.OrgID, parentID)
	if err != nil {
		return nil, err
	}
	if parent.RunID != runID {
		return nil, store.NewValidationError("metadata", "parent step belongs to a different run")
	}
	if parent.AgentName != def.Name && slices.Contains(parent.Metadata.CallStack, def.Name) {
		return nil, fmt.Errorf("%w: %q is already executing on this branch", ErrCircularCall, def.Name)
	}
	if max := s.cfg.Scheduler.MaxDepth; max > 0 && parent.Depth+1 > max {
		return nil, fmt.Errorf("%w (max %d)", ErrDepthLimit, max)
	}

	input, err := inputPayload(text, firstDataPart(params.Message.Parts))
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	child, err := s.store.Steps.CreateStep(ctx, models.CreateStepParams{
		RunID:        runID,
		OrgID:        id.OrgID,
		ParentStepID: parent.ID,
		Type:         models.StepTypeAgentExecution,
		AgentName:    def.Name,
		AgentSource:  def.Source,
		Input:        input,
		Metadata:     models.StepMetadata{CallStack: append(slices.Clone(parent.Metadata.CallStack), def.Name)},
	})
	if err != nil {
		return nil, err
	}

	s.publishStepStatus(ctx, child)
	if err := s.enqueueStep(ctx, child); err != nil {
		return nil, err
	}
	if params.Blocking() {
		child = s.awaitTerminal(ctx, child)
	}
	return s.buildTask(ctx, child)
}

// sendToStep enqueues a step that call_agent already created. The step
// row is the source of truth; the wire message repeats its input only
// for protocol shape.
func (s *Scheduler) sendToStep(ctx context.Context, id *auth.Identity, params *a2a.SendParams) (*a2a.Task, error) {
	if org := params.Meta(a2a.MetaOrganizationID); org != "" && org != id.OrgID {
		return nil, auth.ErrInvalidCredentials
	}

	step, err := s.store.Steps.GetStep(ctx, id.OrgID, params.Meta(a2a.MetaStepID))
	if err != nil {
		return nil, err
	}
	if step.Type != models.StepTypeAgentExecution {
		return nil, store.NewValidationError("metadata", "shaman:stepId does not name an executable step")
	}
	if runID := params.Meta(a2a.MetaRunID); runID != "" && runID != step.RunID {
		return nil, store.NewValidationError("metadata", "step belongs to a different run")
	}

	if step.Status == models.StepStatusQueued {
		if err := s.enqueueStep(ctx, step); err != nil {
			return nil, err
		}
	}
	if params.Blocking() {
		step = s.awaitTerminal(ctx, step)
	}
	return s.buildTask(ctx, step)
}

// resolveTarget resolves the requested agent. Unexposed agents are
// hidden from the public persona: probing one returns the same error as
// a missing one.
func (s *Scheduler) resolveTarget(ctx context.Context, id *auth.Identity, name string) (*models.AgentDefinition, error) {
	if name == "" {
		return nil, store.NewValidationError("metadata", `metadata key "agent" is required`)
	}
	def, err := s.resolver.Resolve(ctx, id.OrgID, name)
	if err != nil {
		return nil, err
	}
	if id.Persona == auth.PersonaPublic && !def.Exposed {
		return nil, fmt.Errorf("%w: %q", agent.ErrNotFound, name)
	}
	return def, nil
}

// enqueueStep puts the step on the queue. When the queue stays down the
// step fails immediately so the run cannot strand in SUBMITTED.
func (s *Scheduler) enqueueStep(ctx context.Context, step *models.Step) error {
	payload, _ := json.Marshal(map[string]string{"agent": step.AgentName})
	_, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
		Type:    TaskTypeAgentExecution,
		Payload: payload,
		OrgID:   step.OrgID,
		RunID:   step.RunID,
		StepID:  step.ID,
	})
	if err == nil {
		return nil
	}

	s.logger.Error("Failed to enqueue execution task", "step_id", step.ID, "error", err)
	s.failStep(ctx, step, "could not enqueue execution task")
	s.finalizeRun(ctx, step.OrgID, step.RunID)
	return err
}

// awaitTerminal polls the step until its projected state is terminal or
// ctx ends, returning the freshest snapshot either way. Blocking sends
// are bounded by the request context, which the server caps.
func (s *Scheduler) awaitTerminal(ctx context.Context, step *models.Step) *models.Step {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	current := step
	for {
		state, err := s.projectState(ctx, current)
		if err == nil && state.IsTerminal() {
			return current
		}
		select {
		case <-ctx.Done():
			return current
		case <-ticker.C:
		}
		if fresh, err := s.store.Steps.GetStep(ctx, current.OrgID, current.ID); err == nil {
			current = fresh
		}
	}
}

// inputPayload encodes a step input: the bare text for text-only sends,
// text plus caller-supplied context otherwise.
func inputPayload(text string, data json.RawMessage) (json.RawMessage, error) {
	if len(data) > 0 {
		return json.Marshal(struct {
			Message string          `json:"message"`
			Context json.RawMessage `json:"context"`
		}{Message: text, Context: data})
	}
	return json.Marshal(text)
}

func firstDataPart(parts []a2a.Part) json.RawMessage {
	for _, p := range parts {
		if p.Kind == a2a.PartKindData {
			return p.Data
		}
	}
	return nil
}

func reservedMeta(params *a2a.SendParams) string {
	for _, md := range []map[string]any{params.Metadata, params.Message.Metadata} {
		for k := range md {
			if strings.HasPrefix(k, reservedMetaPrefix) {
				return k
			}
		}
	}
	return ""
}
