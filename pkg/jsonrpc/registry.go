package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/codespin-ai/shaman/pkg/auth"
)

// maxBodyBytes caps how much request body the decoder will read.
const maxBodyBytes = 4 << 20

// RequestContext carries per-request transport state into handlers.
type RequestContext struct {
	// Identity is the authenticated caller. The persona middleware sets
	// it before ServeRPC runs.
	Identity *auth.Identity

	// Header exposes the raw request headers, e.g. Last-Event-ID on
	// resubscribe.
	Header http.Header
}

// Handler serves one unary method. It returns either a result or a
// protocol error, never both.
type Handler func(ctx context.Context, rc *RequestContext, params json.RawMessage) (any, *Error)

// StreamHandler serves one streaming method by pushing frames through
// the writer. An error returned before the first frame is delivered as
// a plain JSON-RPC response; after that it becomes a terminal stream
// frame.
type StreamHandler func(ctx context.Context, rc *RequestContext, params json.RawMessage, stream *StreamWriter) *Error

// Observer is notified once per served request with the response code
// ("ok" on success, the numeric JSON-RPC code otherwise).
type Observer func(persona, method, code string)

// Registry routes decoded JSON-RPC requests to registered methods. It
// owns envelope validation, batch fan-out, and error mapping; method
// semantics live in the handlers.
type Registry struct {
	handlers map[string]Handler
	streams  map[string]StreamHandler
	observer Observer
	logger   *slog.Logger
}

// NewRegistry creates an empty method registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		streams:  make(map[string]StreamHandler),
		logger:   logger,
	}
}

// Register binds a unary handler to a method name.
func (r *Registry) Register(method string, h Handler) {
	r.handlers[method] = h
}

// RegisterStream binds a streaming handler to a method name.
func (r *Registry) RegisterStream(method string, h StreamHandler) {
	r.streams[method] = h
}

// SetObserver installs the per-request metrics callback.
func (r *Registry) SetObserver(obs Observer) {
	r.observer = obs
}

// Methods lists every registered method name, sorted.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.handlers)+len(r.streams))
	for m := range r.handlers {
		names = append(names, m)
	}
	for m := range r.streams {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// ServeRPC decodes the request body and dispatches it. Both personas
// funnel through here; identity is whatever the auth middleware
// resolved.
func (r *Registry) ServeRPC(w http.ResponseWriter, req *http.Request, identity *auth.Identity) {
	rc := &RequestContext{Identity: identity, Header: req.Header}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		r.observe(rc, "", CodeParseError)
		writeJSON(w, NewErrorResponse(nil, ErrParse()))
		return
	}

	if isBatch(body) {
		r.serveBatch(req.Context(), w, rc, body)
		return
	}

	var call Request
	if err := json.Unmarshal(body, &call); err != nil {
		r.observe(rc, "", CodeParseError)
		writeJSON(w, NewErrorResponse(nil, ErrParse()))
		return
	}
	if !call.Valid() {
		r.observe(rc, call.Method, CodeInvalidRequest)
		writeJSON(w, NewErrorResponse(call.ID, ErrInvalidRequest()))
		return
	}

	if stream, ok := r.streams[call.Method]; ok {
		r.serveStream(req.Context(), w, rc, &call, stream)
		return
	}

	writeJSON(w, r.dispatch(req.Context(), rc, &call))
}

// serveBatch handles a JSON array of calls, answering each in order.
// Streaming methods cannot share a connection and are rejected
// per-element.
func (r *Registry) serveBatch(ctx context.Context, w http.ResponseWriter, rc *RequestContext, body []byte) {
	var calls []json.RawMessage
	if err := json.Unmarshal(body, &calls); err != nil {
		r.observe(rc, "", CodeParseError)
		writeJSON(w, NewErrorResponse(nil, ErrParse()))
		return
	}
	if len(calls) == 0 {
		r.observe(rc, "", CodeInvalidRequest)
		writeJSON(w, NewErrorResponse(nil, ErrInvalidRequest()))
		return
	}

	responses := make([]*Response, 0, len(calls))
	for _, raw := range calls {
		var call Request
		if err := json.Unmarshal(raw, &call); err != nil {
			r.observe(rc, "", CodeInvalidRequest)
			responses = append(responses, NewErrorResponse(nil, ErrInvalidRequest()))
			continue
		}
		if !call.Valid() {
			r.observe(rc, call.Method, CodeInvalidRequest)
			responses = append(responses, NewErrorResponse(call.ID, ErrInvalidRequest()))
			continue
		}
		if _, ok := r.streams[call.Method]; ok {
			r.observe(rc, call.Method, CodeInvalidRequest)
			responses = append(responses, NewErrorResponse(call.ID,
				NewError(CodeInvalidRequest, "streaming method not allowed in batch")))
			continue
		}
		responses = append(responses, r.dispatch(ctx, rc, &call))
	}
	writeJSON(w, responses)
}

// dispatch runs one unary call and shapes the response envelope.
func (r *Registry) dispatch(ctx context.Context, rc *RequestContext, call *Request) *Response {
	h, ok := r.handlers[call.Method]
	if !ok {
		r.observe(rc, call.Method, CodeMethodNotFound)
		return NewErrorResponse(call.ID, ErrMethodNotFound(call.Method))
	}

	result, rpcErr := h(ctx, rc, call.Params)
	if rpcErr != nil {
		r.observe(rc, call.Method, rpcErr.Code)
		r.logger.Debug("RPC method failed",
			"method", call.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		return NewErrorResponse(call.ID, rpcErr)
	}
	r.observeOK(rc, call.Method)
	return NewResponse(call.ID, result)
}

// serveStream runs one streaming call. Headers are deferred until the
// first frame so pre-stream failures still go out as ordinary JSON.
func (r *Registry) serveStream(ctx context.Context, w http.ResponseWriter, rc *RequestContext, call *Request, h StreamHandler) {
	stream, rpcErr := newStreamWriter(w, call.ID)
	if rpcErr != nil {
		r.observe(rc, call.Method, rpcErr.Code)
		writeJSON(w, NewErrorResponse(call.ID, rpcErr))
		return
	}

	if rpcErr := h(ctx, rc, call.Params, stream); rpcErr != nil {
		r.observe(rc, call.Method, rpcErr.Code)
		if !stream.Started() {
			writeJSON(w, NewErrorResponse(call.ID, rpcErr))
			return
		}
		if err := stream.SendError(rpcErr); err != nil {
			r.logger.Debug("Failed to deliver terminal stream error",
				"method", call.Method, "error", err)
		}
		return
	}
	r.observeOK(rc, call.Method)
}

func (r *Registry) observe(rc *RequestContext, method string, code int) {
	if r.observer == nil {
		return
	}
	r.observer(personaOf(rc), method, strconv.Itoa(code))
}

func (r *Registry) observeOK(rc *RequestContext, method string) {
	if r.observer == nil {
		return
	}
	r.observer(personaOf(rc), method, "ok")
}

func personaOf(rc *RequestContext) string {
	if rc == nil || rc.Identity == nil {
		return "anonymous"
	}
	return string(rc.Identity.Persona)
}

// isBatch reports whether the body is a JSON array.
func isBatch(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
