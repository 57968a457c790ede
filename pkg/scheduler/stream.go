package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/jsonrpc"
	"github.com/codespin-ai/shaman/pkg/models"
)

// rpcStreamMessage implements message/stream: accept the message exactly
// like message/send, emit the accepted task as the first frame, then
// relay the run's event feed until the terminal status lands.
func (s *Scheduler) rpcStreamMessage(ctx context.Context, rc *jsonrpc.RequestContext, raw json.RawMessage, stream *jsonrpc.StreamWriter) *jsonrpc.Error {
	id, rpcErr := requireIdentity(rc)
	if rpcErr != nil {
		return rpcErr
	}
	if s.hub == nil {
		return jsonrpc.ErrInternal("event streaming is not configured on this server")
	}

	var params a2a.SendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return jsonrpc.ErrInvalidParams(err.Error())
	}
	// The stream itself is the wait; a blocking send would just delay
	// the first frame.
	params.Configuration = nil

	task, err := s.SendMessage(ctx, id, &params)
	if err != nil {
		return mapError(err)
	}

	// Replaying from zero re-delivers what was published between accept
	// and subscribe, so the feed has no gap behind the snapshot frame.
	sub, err := s.hub.Subscribe(ctx, events.RunChannel(task.ContextID), 0)
	if err != nil {
		return jsonrpc.ErrInternal(fmt.Sprintf("task %s accepted but the event stream could not attach; poll tasks/get", task.ID))
	}
	defer sub.Close()

	if err := stream.Send(task); err != nil {
		return nil
	}
	r := &relay{s: s, stream: stream, orgID: id.OrgID, runID: task.ContextID}
	return r.run(ctx, sub)
}

// rpcResubscribe implements tasks/resubscribe: reattach to a task's run
// feed. A Last-Event-ID header resumes after that cursor with no
// snapshot; without one the stream opens with a snapshot frame and
// relays live events only.
func (s *Scheduler) rpcResubscribe(ctx context.Context, rc *jsonrpc.RequestContext, raw json.RawMessage, stream *jsonrpc.StreamWriter) *jsonrpc.Error {
	id, rpcErr := requireIdentity(rc)
	if rpcErr != nil {
		return rpcErr
	}
	if s.hub == nil {
		return jsonrpc.ErrInternal("event streaming is not configured on this server")
	}
	params, rpcErr := decodeTaskID(raw)
	if rpcErr != nil {
		return rpcErr
	}

	step, err := s.store.Steps.GetStep(ctx, id.OrgID, params.ID)
	if err != nil {
		return mapError(err)
	}
	run, err := s.store.Runs.GetRun(ctx, id.OrgID, step.RunID)
	if err != nil {
		return mapError(err)
	}

	channel := events.RunChannel(run.ID)
	cursor, hasCursor := resumeCursor(rc)

	if run.Status.IsTerminal() {
		if !hasCursor {
			task, err := s.buildTask(ctx, step)
			if err != nil {
				return mapError(err)
			}
			_ = stream.Send(task)
			return nil
		}
		latest, err := s.latestEventID(ctx, channel)
		if err != nil {
			return jsonrpc.ErrInternal(err.Error())
		}
		if latest <= cursor {
			// Nothing newer than the cursor and nothing more coming.
			_ = stream.Comment("caught-up")
			return nil
		}
	}

	sinceID := cursor
	if !hasCursor {
		latest, err := s.latestEventID(ctx, channel)
		if err != nil {
			return jsonrpc.ErrInternal(err.Error())
		}
		sinceID = latest
	}

	sub, err := s.hub.Subscribe(ctx, channel, sinceID)
	if err != nil {
		return jsonrpc.ErrInternal(fmt.Sprintf("event stream could not attach: %v", err))
	}
	defer sub.Close()

	if !hasCursor {
		// Fresh attach: the snapshot carries everything up to sinceID,
		// then the live feed takes over.
		task, err := s.buildTask(ctx, step)
		if err != nil {
			return mapError(err)
		}
		if err := stream.Send(task); err != nil {
			return nil
		}
	}
	r := &relay{s: s, stream: stream, orgID: id.OrgID, runID: run.ID}
	return r.run(ctx, sub)
}

// resumeCursor parses the Last-Event-ID SSE header. A malformed value
// counts as absent; the client gets a snapshot instead of a resume.
func resumeCursor(rc *jsonrpc.RequestContext) (int64, bool) {
	v := rc.Header.Get("Last-Event-ID")
	if v == "" {
		return 0, false
	}
	cursor, err := strconv.ParseInt(v, 10, 64)
	if err != nil || cursor < 0 {
		return 0, false
	}
	return cursor, true
}

func (s *Scheduler) latestEventID(ctx context.Context, channel string) (int64, error) {
	if s.events == nil {
		return 0, nil
	}
	return s.events.LatestID(ctx, channel)
}

func (s *Scheduler) keepAlive() time.Duration {
	if d := s.cfg.Scheduler.StreamKeepAlive; d > 0 {
		return d
	}
	return 15 * time.Second
}

// relay turns one subscription's feed events into protocol frames on an
// SSE stream. It closes the stream after relaying the run's terminal
// status as a full task snapshot.
type relay struct {
	s      *Scheduler
	stream *jsonrpc.StreamWriter
	orgID  string
	runID  string

	// rootID is the task id that run-level frames carry, resolved on
	// first use.
	rootID string
}

// feedEvent is the superset of fields across run-channel payloads; each
// event type populates its own slice of them.
type feedEvent struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	Final        bool   `json:"final"`
	StepID       string `json:"step_id"`
	ParentStepID string `json:"parent_step_id"`
	AgentName    string `json:"agent_name"`
	Error        string `json:"error"`
	MessageID    string `json:"message_id"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	DBEventID    int64  `json:"db_event_id"`
}

func (r *relay) run(ctx context.Context, sub *events.Subscription) *jsonrpc.Error {
	keepAlive := r.s.keepAlive()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepAlive)
		raw, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			done, rpcErr := r.forward(ctx, raw)
			if rpcErr != nil {
				return rpcErr
			}
			if done {
				return nil
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := r.stream.Comment("keep-alive"); err != nil {
				return nil
			}
		case errors.Is(err, events.ErrSubscriptionLagged):
			return jsonrpc.ErrInternal("event feed lagged; resubscribe with Last-Event-ID to recover")
		case errors.Is(err, events.ErrSubscriptionClosed):
			return jsonrpc.ErrInternal("event feed closed; resubscribe with Last-Event-ID to recover")
		default:
			// Request context ended: the client went away.
			return nil
		}
	}
}

// forward renders one feed event as a protocol frame. Returns done once
// the terminal frame went out.
func (r *relay) forward(ctx context.Context, raw json.RawMessage) (bool, *jsonrpc.Error) {
	var ev feedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.s.logger.Warn("Skipping undecodable feed event", "run_id", r.runID, "error", err)
		return false, nil
	}

	switch ev.Type {
	case events.EventTypeRunStatus:
		if ev.Final {
			return true, r.sendFinal(ctx, &ev)
		}
		rootID, err := r.rootTaskID(ctx)
		if err != nil {
			r.s.logger.Warn("No root task for run status frame", "run_id", r.runID, "error", err)
			return false, nil
		}
		frame := statusFrame(rootID, r.runID, a2a.StateOfRun(models.RunStatus(ev.Status)), "")
		return r.emit(ev.DBEventID, frame)

	case events.EventTypeStepStatus:
		// Root step transitions surface through run.status; relaying
		// both would show two state machines on one task id.
		if ev.ParentStepID == "" {
			return false, nil
		}
		frame := statusFrame(ev.StepID, r.runID, a2a.StateOfStep(models.StepStatus(ev.Status)), ev.Error)
		if ev.AgentName != "" {
			frame.Metadata = map[string]any{a2a.MetaAgent: ev.AgentName}
		}
		return r.emit(ev.DBEventID, frame)

	case events.EventTypeRunMessage:
		if ev.Role == string(models.MessageRoleSystem) || ev.Content == "" {
			return false, nil
		}
		msg := a2a.Message{
			Kind:      a2a.KindMessage,
			MessageID: ev.MessageID,
			Role:      a2a.RoleOf(models.MessageRole(ev.Role)),
			Parts:     []a2a.Part{a2a.TextPart(ev.Content)},
			TaskID:    ev.StepID,
			ContextID: r.runID,
		}
		return r.emit(ev.DBEventID, msg)

	default:
		// run.artifact rides the final task snapshot; run.progress is
		// operator telemetry, not a protocol frame.
		return false, nil
	}
}

// sendFinal emits the closing frame: the root task rebuilt in full so
// the stream's last word matches what tasks/get would say.
func (r *relay) sendFinal(ctx context.Context, ev *feedEvent) *jsonrpc.Error {
	rootID, err := r.rootTaskID(ctx)
	if err != nil {
		return jsonrpc.ErrInternal(fmt.Sprintf("assemble final task snapshot: %v", err))
	}
	step, err := r.s.store.Steps.GetStep(ctx, r.orgID, rootID)
	if err != nil {
		return jsonrpc.ErrInternal(fmt.Sprintf("assemble final task snapshot: %v", err))
	}
	task, err := r.s.buildTask(ctx, step)
	if err != nil {
		return jsonrpc.ErrInternal(fmt.Sprintf("assemble final task snapshot: %v", err))
	}
	_, rpcErr := r.emit(ev.DBEventID, task)
	return rpcErr
}

func (r *relay) rootTaskID(ctx context.Context) (string, error) {
	if r.rootID != "" {
		return r.rootID, nil
	}
	root, err := r.s.rootStep(ctx, r.orgID, r.runID)
	if err != nil {
		return "", err
	}
	r.rootID = root.ID
	return r.rootID, nil
}

// emit writes one frame, tagged with the event's feed cursor when it
// has one. A write failure means the client disconnected, which ends
// the relay without an error frame.
func (r *relay) emit(id int64, frame any) (bool, *jsonrpc.Error) {
	var err error
	if id > 0 {
		err = r.stream.SendWithID(strconv.FormatInt(id, 10), frame)
	} else {
		err = r.stream.Send(frame)
	}
	return err != nil, nil
}

// statusFrame is the light task-update frame: state only, no history.
func statusFrame(taskID, runID string, state a2a.TaskState, errMsg string) *a2a.Task {
	status := a2a.NewTaskStatus(state)
	if state == a2a.StateFailed && errMsg != "" {
		msg := a2a.NewTextMessage(a2a.RoleAgent, errMsg)
		msg.TaskID = taskID
		msg.ContextID = runID
		status.Message = &msg
	}
	return &a2a.Task{
		Kind:      a2a.KindTask,
		ID:        taskID,
		ContextID: runID,
		Status:    status,
	}
}
