// Package llm defines the completion port the agent execution loop talks
// to and the SDK-backed adapters behind it. Providers translate between
// the platform's conversation model and a vendor wire format; retry
// policy lives with the caller (the executor backs off on retryable
// errors), so every adapter method is a single attempt that classifies
// failures into the package's error kinds.
package llm

import (
	"context"
	"encoding/json"

	"github.com/codespin-ai/shaman/pkg/models"
)

// FinishReason states why the model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// Message is one conversation entry sent to a provider. TOOL-role
// messages carry ToolCallID to link the result back to the call; an
// ASSISTANT message that requested tools carries them in ToolCalls.
type Message struct {
	Role       models.MessageRole
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is one tool request issued by the model. Index is the
// provider's ordering slot, used to pair streamed argument fragments;
// Arguments is the raw JSON the model produced. The struct is persisted
// verbatim inside assistant message rows, hence the tags.
type ToolCall struct {
	Index     int             `json:"index,omitempty"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition advertises one callable tool to the model. Parameters
// is a JSON Schema object; adapters must carry it through unchanged so
// parameter names and types survive the round-trip.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest is a single model round-trip.
type CompletionRequest struct {
	Model    string
	Messages []Message

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	Tools []ToolDefinition

	// ToolChoice is "", "auto", "none", "required", or the name of a
	// specific tool to force.
	ToolChoice string
}

// CompletionResponse is the full result of a Complete call. Content and
// ToolCalls may both be set; FinishToolCalls means the loop must run the
// calls and come back with TOOL messages.
type CompletionResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// Usage counts tokens for one round-trip as the provider reported them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one element of a streamed completion. Exactly one
// variant field is meaningful per chunk: Text for a content delta,
// ToolCall for a fully accumulated call, FinishReason (with Usage when
// the provider reports it) on the final chunk, Err when the stream died.
// The channel closes after a FinishReason or Err chunk.
type StreamChunk struct {
	Text         string
	ToolCall     *ToolCall
	FinishReason FinishReason
	Usage        *Usage
	Err          error
}

// Provider is the completion port. Implementations are safe for
// concurrent use; each Stream call owns its goroutine and channel.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Complete performs one blocking completion round-trip.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream performs one completion, delivering deltas as they arrive.
	// The returned sequence is finite and not restartable. An error
	// return means the request never started; errors after that arrive
	// as a terminal chunk.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)
}
