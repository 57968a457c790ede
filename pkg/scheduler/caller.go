package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/executor"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
	"github.com/codespin-ai/shaman/pkg/tools"
)

// CallAgent implements tools.AgentCaller. The router has already
// enforced permissions, the circular guard and the depth ceiling, so by
// the time a call lands here it only needs a child step and a dispatch:
// through the internal A2A endpoint for registry agents, or through the
// remote endpoint for A2A_EXTERNAL ones. The returned payload becomes
// the calling agent's tool result.
func (s *Scheduler) CallAgent(ctx context.Context, inv tools.Invocation, call tools.AgentCall) (json.RawMessage, error) {
	def, err := s.resolver.Resolve(ctx, inv.OrgID, call.Agent)
	if err != nil {
		return nil, err
	}
	parent, err := s.store.Steps.GetStep(ctx, inv.OrgID, inv.StepID)
	if err != nil {
		return nil, err
	}

	if def.Source == models.AgentSourceA2AExternal {
		return s.callExternalAgent(ctx, parent, def, inv, call)
	}
	return s.callInternalAgent(ctx, parent, def, inv, call)
}

// callInternalAgent runs a registry agent as a child AGENT_EXECUTION
// step. The step is created first and then dispatched by id through the
// internal A2A endpoint, so the queue claims it like any other step and
// a redelivered caller finds the same child instead of forking a new
// one.
func (s *Scheduler) callInternalAgent(ctx context.Context, parent *models.Step, def *models.AgentDefinition, inv tools.Invocation, call tools.AgentCall) (json.RawMessage, error) {
	child, created, err := s.findOrCreateChild(ctx, parent, def, inv, call, models.StepTypeAgentExecution)
	if err != nil {
		return nil, err
	}
	if !created && child.Status.IsTerminal() {
		return settledOutput(child)
	}

	if created || child.Status == models.StepStatusQueued {
		if err := s.dispatchChild(ctx, child, call); err != nil {
			if isContextErr(err) {
				return nil, err
			}
			// The child never started. Cancel it so the run is not held
			// open by a step no worker will ever claim.
			s.cancelStep(ctx, child)
			return nil, fmt.Errorf("dispatch agent %q: %w", def.Name, err)
		}
	}

	if call.Async {
		out, _ := json.Marshal(map[string]string{"taskId": child.ID, "status": "submitted"})
		return out, nil
	}

	settled, err := s.awaitChild(ctx, parent, child)
	if err != nil {
		return nil, err
	}
	return settledOutput(settled)
}

// dispatchChild re-enters the scheduler through the internal A2A
// endpoint with a token minted for this run, the same wire hop a
// sibling pod would take. sendToStep recognizes the step id and
// enqueues the pre-created child.
func (s *Scheduler) dispatchChild(ctx context.Context, child *models.Step, call tools.AgentCall) error {
	client, err := s.internalClient(child)
	if err != nil {
		return err
	}

	msg := a2a.NewTextMessage(a2a.RoleUser, call.Message)
	if len(call.ContextData) > 0 {
		msg.Parts = append(msg.Parts, a2a.DataPart(call.ContextData))
	}
	_, err = client.SendMessage(ctx, a2a.SendParams{
		Message: msg,
		Metadata: map[string]any{
			a2a.MetaAgent:          child.AgentName,
			a2a.MetaRunID:          child.RunID,
			a2a.MetaStepID:         child.ID,
			a2a.MetaOrganizationID: child.OrgID,
		},
	})
	return err
}

// internalClient builds an A2A client against this deployment's
// internal endpoint, authenticated as the run.
func (s *Scheduler) internalClient(child *models.Step) (*a2a.Client, error) {
	if s.tokens == nil {
		return nil, errors.New("no token service configured for internal dispatch")
	}
	token, err := s.tokens.Mint(&auth.Identity{
		OrgID:   child.OrgID,
		RunID:   child.RunID,
		TaskID:  child.ID,
		Persona: auth.PersonaInternal,
	})
	if err != nil {
		return nil, fmt.Errorf("mint internal token: %w", err)
	}
	endpoint := strings.TrimRight(s.cfg.Server.InternalA2AURL, "/") + a2a.RPCPath
	return a2a.NewClient(endpoint,
		a2a.WithBearerToken(token),
		a2a.WithRetry(3, 250*time.Millisecond, 2*time.Second)), nil
}

// awaitChild parks the caller in BLOCKED_ON_DEPENDENCY and polls the
// child until it settles. A timeout surfaces as a tool error while the
// child keeps running; a canceled context propagates so the redelivered
// caller resumes the same wait.
func (s *Scheduler) awaitChild(ctx context.Context, parent, child *models.Step) (*models.Step, error) {
	s.blockParent(ctx, parent)
	defer s.unblockParent(ctx, parent)

	waitCtx, cancel := context.WithTimeout(ctx, s.syncTimeout())
	defer cancel()
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	current := child
	for {
		if current.Status.IsTerminal() {
			return current, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("timeout: agent %q did not finish within %s", child.AgentName, s.syncTimeout())
		case <-ticker.C:
		}
		fresh, err := s.store.Steps.GetStep(waitCtx, child.OrgID, child.ID)
		if err != nil {
			if isContextErr(err) {
				continue
			}
			return nil, err
		}
		current = fresh
	}
}

// blockParent marks the caller BLOCKED_ON_DEPENDENCY for the duration
// of a synchronous child call. Failure to block is not fatal; the wait
// proceeds either way.
func (s *Scheduler) blockParent(ctx context.Context, parent *models.Step) {
	err := s.store.Steps.UpdateStatus(ctx, parent.OrgID, parent.ID, models.StepStatusBlocked)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Warn("Failed to block caller step", "step_id", parent.ID, "error", err)
		}
		return
	}
	parent.Status = models.StepStatusBlocked
	s.publishStepStatus(ctx, parent)
	s.publishWaitProgress(ctx, parent)
}

// unblockParent returns the caller to WORKING once the child settles.
// It must run even when the wait ended because ctx was canceled, so the
// writes detach from the caller's context.
func (s *Scheduler) unblockParent(ctx context.Context, parent *models.Step) {
	if parent.Status != models.StepStatusBlocked {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := s.store.Steps.UpdateStatus(ctx, parent.OrgID, parent.ID, models.StepStatusWorking)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Warn("Failed to unblock caller step", "step_id", parent.ID, "error", err)
		}
		return
	}
	parent.Status = models.StepStatusWorking
	s.publishStepStatus(ctx, parent)
}

func (s *Scheduler) publishWaitProgress(ctx context.Context, parent *models.Step) {
	err := s.publisher.PublishRunProgress(ctx, events.RunProgressPayload{
		BasePayload: basePayload(events.EventTypeRunProgress, parent.RunID),
		StepID:      parent.ID,
		AgentName:   parent.AgentName,
		Phase:       events.ProgressPhaseWaitingOnAgent,
	})
	if err != nil {
		s.logger.Warn("Failed to publish progress event", "step_id", parent.ID, "error", err)
	}
}

// callExternalAgent runs an A2A_EXTERNAL agent as a child AGENT_CALL
// step that mirrors the remote task's lifecycle. Unlike internal
// children the step never touches the queue; the calling worker drives
// the exchange inline.
func (s *Scheduler) callExternalAgent(ctx context.Context, parent *models.Step, def *models.AgentDefinition, inv tools.Invocation, call tools.AgentCall) (json.RawMessage, error) {
	child, _, err := s.findOrCreateChild(ctx, parent, def, inv, call, models.StepTypeAgentCall)
	if err != nil {
		return nil, err
	}
	if child.Status.IsTerminal() {
		return settledOutput(child)
	}

	prior := child.Status
	started, err := s.store.Steps.Start(ctx, child.OrgID, child.ID)
	switch {
	case err == nil:
		child = started
		if child.Status != prior {
			s.publishStepStatus(ctx, child)
		}
	case errors.Is(err, store.ErrConflict):
		// Settled underneath us, most likely by tasks/cancel.
		fresh, gerr := s.store.Steps.GetStep(ctx, child.OrgID, child.ID)
		if gerr != nil {
			return nil, gerr
		}
		return settledOutput(fresh)
	default:
		return nil, err
	}

	remoteID, inline, err := s.remoteDispatch(ctx, child, def, call.Message, call.ContextData)
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		msg := fmt.Sprintf("remote agent %q: dispatch failed: %v", def.Name, err)
		s.failStep(ctx, child, msg)
		return nil, errors.New(msg)
	}
	if inline != nil {
		s.completeChild(ctx, child, inline)
		return inline, nil
	}

	if call.Async {
		// Nothing supervises a remote task once the caller moves on, so
		// the step settles now carrying the remote handle.
		out, _ := json.Marshal(map[string]string{
			"taskId":       child.ID,
			"remoteTaskId": remoteID,
			"status":       "submitted",
		})
		s.completeChild(ctx, child, out)
		return out, nil
	}

	s.blockParent(ctx, parent)
	outcome, err := s.remoteExchange(ctx, child, def, remoteID)
	s.unblockParent(ctx, parent)
	if err != nil {
		if isContextErr(err) {
			// Child stays live; a redelivered caller resumes the
			// exchange through the recorded remote task id.
			return nil, err
		}
		s.failStep(ctx, child, err.Error())
		return nil, err
	}
	return s.settleChildOutcome(ctx, child, outcome)
}

// remoteDispatch sends the opening message to the remote endpoint,
// unless a previous delivery already did: the recorded remote task id
// makes redelivery resume instead of double-dispatching. A remote that
// answers with a bare message instead of a task returns the reply
// inline.
func (s *Scheduler) remoteDispatch(ctx context.Context, step *models.Step, def *models.AgentDefinition, message string, contextData json.RawMessage) (string, json.RawMessage, error) {
	if step.Metadata.RemoteTaskID != "" {
		return step.Metadata.RemoteTaskID, nil, nil
	}

	msg := a2a.NewTextMessage(a2a.RoleUser, message)
	if len(contextData) > 0 {
		msg.Parts = append(msg.Parts, a2a.DataPart(contextData))
	}
	ev, err := s.externalClient(def).SendMessage(ctx, a2a.SendParams{
		Message:  msg,
		Metadata: map[string]any{a2a.MetaAgent: def.Name},
	})
	if err != nil {
		return "", nil, err
	}

	switch {
	case ev.Task != nil:
		if err := s.store.Steps.AttachRemoteTask(ctx, step.OrgID, step.ID, ev.Task.ID); err != nil {
			s.logger.Warn("Failed to record remote task id",
				"step_id", step.ID, "remote_task_id", ev.Task.ID, "error", err)
		}
		// Keep the in-memory copy in sync: the finish write re-passes
		// this metadata and would otherwise erase the id.
		step.Metadata.RemoteTaskID = ev.Task.ID
		return ev.Task.ID, nil, nil
	case ev.Message != nil:
		out, err := json.Marshal(ev.Message.Text())
		if err != nil {
			return "", nil, fmt.Errorf("encode remote reply: %w", err)
		}
		return "", out, nil
	default:
		return "", nil, fmt.Errorf("remote agent %q returned neither task nor message", def.Name)
	}
}

// remoteExchange polls the remote task until it settles, mirroring
// working and input-required onto the local step as it goes. Remote
// protocol errors fail the step; transport errors propagate so the
// queue can redeliver and resume.
func (s *Scheduler) remoteExchange(ctx context.Context, step *models.Step, def *models.AgentDefinition, remoteID string) (*executor.Outcome, error) {
	client := s.externalClient(def)

	waitCtx, cancel := context.WithTimeout(ctx, s.syncTimeout())
	defer cancel()
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		task, err := client.GetTask(waitCtx, remoteID)
		if err != nil {
			var rpcErr *a2a.RPCError
			if errors.As(err, &rpcErr) {
				return &executor.Outcome{
					Status:       models.StepStatusFailed,
					ErrorMessage: fmt.Sprintf("remote agent %q: %s", def.Name, rpcErr.Message),
				}, nil
			}
			if ctx.Err() != nil {
				s.abandonRemote(step, def, remoteID)
				return nil, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return s.remoteTimeout(def), nil
			}
			return nil, fmt.Errorf("poll remote task: %w", err)
		}

		s.mirrorRemoteStatus(ctx, step, task.Status.State)

		switch task.Status.State {
		case a2a.StateCompleted:
			return &executor.Outcome{Status: models.StepStatusCompleted, FinalText: remoteResultText(task)}, nil
		case a2a.StateFailed, a2a.StateRejected:
			return &executor.Outcome{Status: models.StepStatusFailed, ErrorMessage: remoteFailureText(task)}, nil
		case a2a.StateCanceled:
			return &executor.Outcome{Status: models.StepStatusCanceled}, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				s.abandonRemote(step, def, remoteID)
				return nil, ctx.Err()
			}
			return s.remoteTimeout(def), nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) remoteTimeout(def *models.AgentDefinition) *executor.Outcome {
	return &executor.Outcome{
		Status:       models.StepStatusFailed,
		ErrorMessage: fmt.Sprintf("timeout: remote agent %q did not finish within %s", def.Name, s.syncTimeout()),
	}
}

// mirrorRemoteStatus projects a live remote state onto the local step,
// and onto the run itself when the step is the root. Terminal states
// settle through the outcome instead.
func (s *Scheduler) mirrorRemoteStatus(ctx context.Context, step *models.Step, state a2a.TaskState) {
	var status models.StepStatus
	switch state {
	case a2a.StateInputRequired, a2a.StateAuthRequired:
		status = models.StepStatusInputRequired
	case a2a.StateSubmitted, a2a.StateWorking:
		status = models.StepStatusWorking
	default:
		return
	}
	if step.Status == status {
		return
	}
	if err := s.store.Steps.UpdateStatus(ctx, step.OrgID, step.ID, status); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Warn("Failed to mirror remote status", "step_id", step.ID, "error", err)
		}
		return
	}
	step.Status = status
	s.publishStepStatus(ctx, step)

	if step.ParentStepID == nil {
		runStatus := models.RunStatusWorking
		if status == models.StepStatusInputRequired {
			runStatus = models.RunStatusInputRequired
		}
		if err := s.store.Runs.UpdateRunStatus(ctx, step.OrgID, step.RunID, runStatus); err == nil {
			s.publishRunStatus(ctx, step.OrgID, step.RunID, runStatus, false)
		} else if !errors.Is(err, store.ErrConflict) {
			s.logger.Warn("Failed to mirror remote status onto run", "run_id", step.RunID, "error", err)
		}
	}
}

// abandonRemote cancels the remote task when the local run is being
// canceled. Interrupts for any other reason, a draining worker above
// all, leave the remote task running so redelivery can resume it.
func (s *Scheduler) abandonRemote(step *models.Step, def *models.AgentDefinition, remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	run, err := s.store.Runs.GetRun(ctx, step.OrgID, step.RunID)
	if err != nil || (run.Status != models.RunStatusCanceling && run.Status != models.RunStatusCanceled) {
		return
	}
	if _, err := s.externalClient(def).CancelTask(ctx, remoteID); err != nil {
		s.logger.Warn("Failed to cancel remote task",
			"agent", def.Name, "remote_task_id", remoteID, "error", err)
	}
}

// runRemoteStep drives an AGENT_EXECUTION step whose agent lives behind
// an external A2A endpoint. The queue claims these like any internal
// step; only the execution differs.
func (s *Scheduler) runRemoteStep(ctx context.Context, step *models.Step, def *models.AgentDefinition) (*executor.Outcome, error) {
	message, contextData := decodeStepInput(step.Input)
	remoteID, inline, err := s.remoteDispatch(ctx, step, def, message, contextData)
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return &executor.Outcome{
			Status:       models.StepStatusFailed,
			ErrorMessage: fmt.Sprintf("remote agent %q: dispatch failed: %v", def.Name, err),
		}, nil
	}
	if inline != nil {
		return &executor.Outcome{Status: models.StepStatusCompleted, FinalText: textOf(inline)}, nil
	}
	return s.remoteExchange(ctx, step, def, remoteID)
}

// findOrCreateChild locates the child step a previous delivery created
// for this tool call, or creates it. The tool call id is the dedup key;
// the executor uses the same key when it replays settled children.
func (s *Scheduler) findOrCreateChild(ctx context.Context, parent *models.Step, def *models.AgentDefinition, inv tools.Invocation, call tools.AgentCall, stepType models.StepType) (*models.Step, bool, error) {
	if inv.ToolCallID != "" {
		child, err := s.store.Steps.FindChildByToolCall(ctx, parent.OrgID, parent.ID, inv.ToolCallID)
		if err == nil {
			return child, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	input, err := inputPayload(call.Message, call.ContextData)
	if err != nil {
		return nil, false, fmt.Errorf("encode input: %w", err)
	}
	child, err := s.store.Steps.CreateStep(ctx, models.CreateStepParams{
		RunID:        parent.RunID,
		OrgID:        parent.OrgID,
		ParentStepID: parent.ID,
		Type:         stepType,
		AgentName:    def.Name,
		AgentSource:  def.Source,
		Input:        input,
		ToolName:     tools.ToolCallAgent,
		ToolCallID:   inv.ToolCallID,
		Metadata: models.StepMetadata{
			CallStack: append(slices.Clone(parent.Metadata.CallStack), def.Name),
		},
	})
	if err != nil {
		return nil, false, err
	}
	s.publishStepStatus(ctx, child)
	return child, true, nil
}

// settledOutput converts a terminal child step into the caller's tool
// result: completed children return their output, anything else is an
// error the model can react to.
func settledOutput(child *models.Step) (json.RawMessage, error) {
	switch child.Status {
	case models.StepStatusCompleted:
		if len(child.Output) > 0 {
			return child.Output, nil
		}
		return json.RawMessage(`""`), nil
	case models.StepStatusCanceled:
		return nil, fmt.Errorf("agent %q was canceled before finishing", child.AgentName)
	default:
		msg := child.Error
		if msg == "" {
			msg = "failed"
		}
		return nil, fmt.Errorf("agent %q failed: %s", child.AgentName, msg)
	}
}

func (s *Scheduler) settleChildOutcome(ctx context.Context, child *models.Step, outcome *executor.Outcome) (json.RawMessage, error) {
	if err := s.recordOutcome(ctx, child, outcome); err != nil {
		return nil, err
	}
	return settledOutput(child)
}

func (s *Scheduler) completeChild(ctx context.Context, child *models.Step, output json.RawMessage) {
	err := s.store.Steps.Complete(ctx, child.OrgID, child.ID, output, child.Metadata)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		s.logger.Error("Failed to complete agent-call step", "step_id", child.ID, "error", err)
		return
	}
	child.Status = models.StepStatusCompleted
	child.Output = output
	s.publishStepStatus(ctx, child)
	s.metrics.RecordStep(string(child.Type), string(child.Status))
}

// externalClient builds a client for a registered external endpoint.
// The registry url is the full JSON-RPC endpoint.
func (s *Scheduler) externalClient(def *models.AgentDefinition) *a2a.Client {
	return a2a.NewClient(def.Endpoint, a2a.WithRetry(3, 250*time.Millisecond, 2*time.Second))
}

// remoteResultText extracts the final text of a completed remote task:
// artifacts first, then the last agent turn, then the status message.
func remoteResultText(task *a2a.Task) string {
	for _, art := range task.Artifacts {
		if text := partsText(art.Parts); text != "" {
			return text
		}
	}
	for i := len(task.History) - 1; i >= 0; i-- {
		m := task.History[i]
		if m.Role == a2a.RoleAgent {
			if text := m.Text(); text != "" {
				return text
			}
		}
	}
	if task.Status.Message != nil {
		return task.Status.Message.Text()
	}
	return ""
}

func remoteFailureText(task *a2a.Task) string {
	if task.Status.Message != nil {
		if text := task.Status.Message.Text(); text != "" {
			return text
		}
	}
	return fmt.Sprintf("remote task ended in state %q", task.Status.State)
}

func partsText(parts []a2a.Part) string {
	var out string
	for _, p := range parts {
		if p.Kind == a2a.PartKindText {
			out += p.Text
		}
	}
	return out
}
