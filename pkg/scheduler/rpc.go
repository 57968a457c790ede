package scheduler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/codespin-ai/shaman/pkg/a2a"
	"github.com/codespin-ai/shaman/pkg/agent"
	"github.com/codespin-ai/shaman/pkg/auth"
	"github.com/codespin-ai/shaman/pkg/jsonrpc"
	"github.com/codespin-ai/shaman/pkg/store"
)

// Routes registers the A2A methods on a registry. Both personas mount
// the same set; persona-specific behavior keys off the authenticated
// identity inside the handlers.
func (s *Scheduler) Routes(reg *jsonrpc.Registry) {
	reg.Register(a2a.MethodSendMessage, s.rpcSendMessage)
	reg.Register(a2a.MethodGetTask, s.rpcGetTask)
	reg.Register(a2a.MethodCancelTask, s.rpcCancelTask)
	reg.RegisterStream(a2a.MethodStream, s.rpcStreamMessage)
	reg.RegisterStream(a2a.MethodResubscribe, s.rpcResubscribe)
}

func (s *Scheduler) rpcSendMessage(ctx context.Context, rc *jsonrpc.RequestContext, raw json.RawMessage) (any, *jsonrpc.Error) {
	id, rpcErr := requireIdentity(rc)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params a2a.SendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.ErrInvalidParams(err.Error())
	}
	task, err := s.SendMessage(ctx, id, &params)
	if err != nil {
		return nil, mapError(err)
	}
	return task, nil
}

func (s *Scheduler) rpcGetTask(ctx context.Context, rc *jsonrpc.RequestContext, raw json.RawMessage) (any, *jsonrpc.Error) {
	id, rpcErr := requireIdentity(rc)
	if rpcErr != nil {
		return nil, rpcErr
	}
	params, rpcErr := decodeTaskID(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	task, err := s.GetTask(ctx, id, params.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return task, nil
}

func (s *Scheduler) rpcCancelTask(ctx context.Context, rc *jsonrpc.RequestContext, raw json.RawMessage) (any, *jsonrpc.Error) {
	id, rpcErr := requireIdentity(rc)
	if rpcErr != nil {
		return nil, rpcErr
	}
	params, rpcErr := decodeTaskID(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	task, err := s.CancelTask(ctx, id, params.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return task, nil
}

func decodeTaskID(raw json.RawMessage) (*a2a.TaskIDParams, *jsonrpc.Error) {
	var params a2a.TaskIDParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.ErrInvalidParams(err.Error())
	}
	if params.ID == "" {
		return nil, jsonrpc.ErrInvalidParams("task id is required")
	}
	return &params, nil
}

func requireIdentity(rc *jsonrpc.RequestContext) (*auth.Identity, *jsonrpc.Error) {
	if rc == nil || rc.Identity == nil {
		return nil, jsonrpc.ErrUnauthorized()
	}
	return rc.Identity, nil
}

// mapError translates domain errors onto the protocol's code space.
// Cross-tenant probes land on task-not-found so ids never leak across
// orgs; anything unrecognized becomes an internal error.
func mapError(err error) *jsonrpc.Error {
	switch {
	case store.IsValidationError(err):
		return jsonrpc.ErrInvalidParams(err.Error())
	case errors.Is(err, agent.ErrNotFound):
		return jsonrpc.ErrInvalidParams(err.Error())
	case errors.Is(err, ErrDepthLimit):
		return jsonrpc.ErrInvalidParams(err.Error())
	case errors.Is(err, ErrCircularCall):
		return jsonrpc.NewError(jsonrpc.CodeCircularCall, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTenantMismatch):
		return jsonrpc.ErrTaskNotFound()
	case errors.Is(err, store.ErrConflict):
		return jsonrpc.ErrTaskNotCancelable()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return jsonrpc.ErrUnauthorized()
	case isContextErr(err):
		return jsonrpc.ErrInternal("request canceled")
	default:
		return jsonrpc.ErrInternal(err.Error())
	}
}
