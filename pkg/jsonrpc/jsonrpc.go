// Package jsonrpc implements the JSON-RPC 2.0 server transport shared by
// both A2A personas: single and batch request decoding, a method registry
// with per-request context, and an SSE writer for streaming methods.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version accepted and emitted.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application codes in the implementation-defined -32000..-32099 band.
const (
	CodeUnauthorized      = -32001
	CodeTaskNotCancelable = -32002
	CodeCircularCall      = -32003
	CodeTaskNotFound      = -32004
	CodeRateLimited       = -32005
)

// Request is one JSON-RPC call. ID is kept raw so string, number and
// null ids echo back byte-exact.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Valid reports whether the envelope satisfies the 2.0 grammar.
func (r *Request) Valid() bool {
	return r.JSONRPC == Version && r.Method != ""
}

// Response is one JSON-RPC reply. Exactly one of Result and Error is
// set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse wraps a handler result for the given request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewErrorResponse wraps an error for the given request id.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: err}
}

// normalizeID turns an absent id into an explicit null so error replies
// to unparseable requests stay within the 2.0 grammar.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an error object with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail to the error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Convenience constructors for the common failures.
func ErrParse() *Error          { return NewError(CodeParseError, "parse error") }
func ErrInvalidRequest() *Error { return NewError(CodeInvalidRequest, "invalid request") }
func ErrMethodNotFound(method string) *Error {
	return Errorf(CodeMethodNotFound, "method not found: %s", method)
}
func ErrInvalidParams(detail string) *Error {
	return Errorf(CodeInvalidParams, "invalid params: %s", detail)
}
func ErrInternal(detail string) *Error {
	return Errorf(CodeInternalError, "internal error: %s", detail)
}
func ErrUnauthorized() *Error { return NewError(CodeUnauthorized, "unauthorized") }
func ErrTaskNotFound() *Error { return NewError(CodeTaskNotFound, "task not found") }
func ErrTaskNotCancelable() *Error {
	return NewError(CodeTaskNotCancelable, "task not cancelable")
}
