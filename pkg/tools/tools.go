// Package tools routes tool calls made by agents to one of three backends:
// built-in platform tools over the run-data store, recursive agent calls,
// and external tools on MCP servers. Every dispatch returns a uniform
// Result so the executor can hand it back to the model as a TOOL message.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/models"
)

// AgentToolPrefix marks a tool name as a direct agent call. The text after
// the prefix is the target agent name; any "agent" field in the arguments
// is ignored.
const AgentToolPrefix = "agent:"

// Platform tool names. The set is closed; anything outside it (and not an
// agent call) routes to MCP.
const (
	ToolRunDataWrite  = "run_data_write"
	ToolRunDataRead   = "run_data_read"
	ToolRunDataQuery  = "run_data_query"
	ToolRunDataList   = "run_data_list"
	ToolRunDataDelete = "run_data_delete"
	ToolCallAgent     = "call_agent"
)

// Refusal markers prefixed to agent-call error strings. Models and tests
// match on these to tell which guard fired.
const (
	RefusalPermissionDenied = "permission_denied"
	RefusalDepthLimit       = "depth_limit"
	RefusalCircularCall     = "circular_call"
)

// Kind tells the executor which backend served a dispatch. Agent results
// (from the agent: prefix or call_agent) track their own child step, so
// the executor records TOOL_CALL steps only for platform and external
// kinds.
type Kind string

const (
	KindPlatform Kind = "platform"
	KindAgent    Kind = "agent"
	KindExternal Kind = "external"
)

// Result is the uniform outcome of one tool dispatch. It is marshalled
// verbatim into the TOOL message content.
type Result struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    Kind            `json:"kind"`
}

// Invocation is the execution context a dispatch runs under: the tenant,
// the run and step doing the calling, and the caller's resolved
// definition (grants and allow-list). CallStack lists the agent names on
// the current call chain, outermost first, and feeds the circular-call
// guard.
type Invocation struct {
	OrgID     string
	RunID     string
	StepID    string
	AgentName string
	Agent     *models.AgentDefinition
	Depth     int
	CallStack []string

	// ToolCallID is the model-assigned id of the tool call being
	// dispatched. Child steps record it so a redelivered task can find
	// work a previous attempt already finished.
	ToolCallID string
}

// Classify reports which backend a tool name routes to, mirroring the
// dispatch order. The executor uses it to decide whether a dispatch
// gets its own TOOL_CALL step before routing the call.
func Classify(name string) Kind {
	switch {
	case strings.HasPrefix(name, AgentToolPrefix), name == ToolCallAgent:
		return KindAgent
	case isPlatformTool(name):
		return KindPlatform
	default:
		return KindExternal
	}
}

// AgentCall carries the arguments of a recursive agent call. With
// async=true the caller gets the child task id back immediately instead
// of the child's final output.
type AgentCall struct {
	Agent       string          `json:"agent"`
	Message     string          `json:"message"`
	ContextData json.RawMessage `json:"contextData,omitempty"`
	Async       bool            `json:"async,omitempty"`
}

// AgentCaller dispatches a recursive agent call that has already passed
// the permission, circular-call and depth guards. Implementations create
// the child step and drive the internal A2A exchange; the returned JSON
// becomes the Result output. The scheduler provides the production
// implementation.
type AgentCaller interface {
	CallAgent(ctx context.Context, inv Invocation, call AgentCall) (json.RawMessage, error)
}

// ToolInvoker executes tools on named MCP servers and lists what they
// advertise. pkg/mcp provides the production implementation; a nil
// invoker disables external dispatch.
type ToolInvoker interface {
	Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
	ListTools(ctx context.Context, server string) ([]llm.ToolDefinition, error)
}

func okResult(kind Kind, out any) (*Result, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool output: %w", err)
	}
	return &Result{Success: true, Output: raw, Kind: kind}, nil
}

func errResult(kind Kind, format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...), Kind: kind}
}
