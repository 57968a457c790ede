package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codespin-ai/shaman/pkg/llm"
)

// scriptedModelPrefix namespaces the models the scripted provider
// serves; ModelFor derives each seeded agent's model from its name so
// one provider can hold per-agent scripts.
const scriptedModelPrefix = "scripted/"

// ModelFor names the scripted model an agent definition uses.
func ModelFor(agentName string) string {
	return scriptedModelPrefix + agentName
}

// Turn is one scripted completion round-trip.
type Turn struct {
	Response *llm.CompletionResponse
	Err      error

	// BlockUntilCanceled parks the call on ctx.Done() instead of
	// answering, standing in for a long-running model call. OnBlock (if
	// set) receives one signal as the call enters the blocking path.
	BlockUntilCanceled bool
	OnBlock            chan struct{}
}

// ScriptedLLM replays queued turns per model. Each agent in a TestApp
// runs on its own model name, so scripts route to the right agent even
// when steps execute on parallel workers.
type ScriptedLLM struct {
	mu     sync.Mutex
	queues map[string][]Turn
	calls  map[string][]llm.CompletionRequest
}

// NewScriptedLLM creates an empty script.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{
		queues: make(map[string][]Turn),
		calls:  make(map[string][]llm.CompletionRequest),
	}
}

// Script queues turns for the named agent, consumed in order.
func (s *ScriptedLLM) Script(agentName string, turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model := ModelFor(agentName)
	s.queues[model] = append(s.queues[model], turns...)
}

// Calls returns the completion requests the named agent has made.
func (s *ScriptedLLM) Calls(agentName string) []llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.CompletionRequest, len(s.calls[ModelFor(agentName)]))
	copy(out, s.calls[ModelFor(agentName)])
	return out
}

func (s *ScriptedLLM) Name() string { return "scripted" }

func (s *ScriptedLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	s.calls[req.Model] = append(s.calls[req.Model], *req)
	queue := s.queues[req.Model]
	if len(queue) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("script exhausted for model %q", req.Model)
	}
	turn := queue[0]
	s.queues[req.Model] = queue[1:]
	s.mu.Unlock()

	if turn.BlockUntilCanceled {
		if turn.OnBlock != nil {
			select {
			case turn.OnBlock <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return turn.Response, turn.Err
}

func (s *ScriptedLLM) Stream(context.Context, *llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, fmt.Errorf("scripted provider does not stream")
}

// AnswerTurn is a plain final answer: content, no tool calls.
func AnswerTurn(text string) Turn {
	return Turn{Response: &llm.CompletionResponse{
		Content:      text,
		FinishReason: llm.FinishStop,
		Usage:        llm.Usage{PromptTokens: 40, CompletionTokens: 12},
	}}
}

// ToolTurn asks for the given tool calls.
func ToolTurn(calls ...llm.ToolCall) Turn {
	return Turn{Response: &llm.CompletionResponse{
		ToolCalls:    calls,
		FinishReason: llm.FinishToolCalls,
		Usage:        llm.Usage{PromptTokens: 50, CompletionTokens: 18},
	}}
}

// BlockingTurn parks the agent until its context is canceled, signaling
// onBlock on entry.
func BlockingTurn(onBlock chan struct{}) Turn {
	return Turn{BlockUntilCanceled: true, OnBlock: onBlock}
}

// toolCall builds one requested tool call with JSON-encoded arguments.
func toolCall(id, name string, args any) llm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: raw}
}

// callAgentArgs is the call_agent argument shape the platform expects.
type callAgentArgs struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
	Async   bool   `json:"async,omitempty"`
}

// callAgentTurn scripts one recursive agent call.
func callAgentTurn(id, targetAgent, message string) Turn {
	return ToolTurn(toolCall(id, "call_agent", callAgentArgs{Agent: targetAgent, Message: message}))
}
