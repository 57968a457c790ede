package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/store"
)

// Router resolves tool names in a fixed order: the agent: prefix first,
// then the platform set, then the caller's MCP grants (first grant that
// allows the name wins, in declaration order).
type Router struct {
	runData  *store.RunDataService
	agents   AgentCaller
	mcp      ToolInvoker
	maxDepth int
}

// NewRouter builds a router. A nil caller disables agent dispatch and a
// nil invoker disables MCP dispatch; both then surface as tool errors
// rather than panics. maxDepth bounds the call chain an agent dispatch
// may extend.
func NewRouter(runData *store.RunDataService, agents AgentCaller, mcp ToolInvoker, maxDepth int) *Router {
	return &Router{runData: runData, agents: agents, mcp: mcp, maxDepth: maxDepth}
}

// Dispatch executes one tool call. Tool-level failures (bad arguments,
// guard refusals, MCP errors) come back inside the Result so the model
// can react; the error return is reserved for context cancellation and
// store failures that must fail the step.
func (r *Router) Dispatch(ctx context.Context, inv Invocation, name string, args json.RawMessage) (*Result, error) {
	switch {
	case strings.HasPrefix(name, AgentToolPrefix):
		call, errRes := decodeAgentCall(args)
		if errRes != nil {
			return errRes, nil
		}
		call.Agent = strings.TrimPrefix(name, AgentToolPrefix)
		return r.dispatchAgent(ctx, inv, call)

	case name == ToolCallAgent:
		call, errRes := decodeAgentCall(args)
		if errRes != nil {
			return errRes, nil
		}
		return r.dispatchAgent(ctx, inv, call)

	case isPlatformTool(name):
		return r.dispatchPlatform(ctx, inv, name, args)

	default:
		return r.dispatchMCP(ctx, inv, name, args)
	}
}

func decodeAgentCall(args json.RawMessage) (AgentCall, *Result) {
	var call AgentCall
	if len(args) > 0 {
		if err := json.Unmarshal(args, &call); err != nil {
			return call, errResult(KindAgent, "invalid agent call arguments: %v", err)
		}
	}
	return call, nil
}

func (r *Router) dispatchAgent(ctx context.Context, inv Invocation, call AgentCall) (*Result, error) {
	if r.agents == nil {
		return errResult(KindAgent, "agent calls are not available"), nil
	}
	if call.Agent == "" {
		return errResult(KindAgent, "agent name is required"), nil
	}
	if call.Message == "" {
		return errResult(KindAgent, "message is required"), nil
	}
	if inv.Agent != nil && !inv.Agent.AllowsAgent(call.Agent) {
		return errResult(KindAgent, "%s: agent %q may not call agent %q",
			RefusalPermissionDenied, inv.AgentName, call.Agent), nil
	}
	// Direct self-recursion is legal and bounded by the depth guard;
	// the circular guard catches mutual cycles (A calls B calls A).
	if call.Agent != inv.AgentName && slices.Contains(inv.CallStack, call.Agent) {
		return errResult(KindAgent, "%s: agent %q is already executing in this call chain",
			RefusalCircularCall, call.Agent), nil
	}
	if r.maxDepth > 0 && inv.Depth+1 > r.maxDepth {
		return errResult(KindAgent, "%s: call would exceed the maximum agent depth of %d",
			RefusalDepthLimit, r.maxDepth), nil
	}

	out, err := r.agents.CallAgent(ctx, inv, call)
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return errResult(KindAgent, "agent call failed: %v", err), nil
	}
	return &Result{Success: true, Output: out, Kind: KindAgent}, nil
}

func (r *Router) dispatchMCP(ctx context.Context, inv Invocation, name string, args json.RawMessage) (*Result, error) {
	if r.mcp == nil || inv.Agent == nil {
		return errResult(KindExternal, "unknown tool %q", name), nil
	}
	for _, grant := range inv.Agent.MCPServers {
		if !grant.Allows(name) {
			continue
		}
		out, err := r.mcp.Invoke(ctx, grant.Server, name, args)
		if err != nil {
			if isContextErr(err) {
				return nil, err
			}
			return errResult(KindExternal, "tool %q on server %q failed: %v",
				name, grant.Server, err), nil
		}
		return &Result{Success: true, Output: out, Kind: KindExternal}, nil
	}
	return errResult(KindExternal, "unknown tool %q: no MCP grant covers it", name), nil
}

// Definitions returns the tools advertised to the model for one
// invocation: the platform set, call_agent when agent dispatch is wired,
// then the caller's granted MCP tools in grant order. Duplicate names
// keep their first occurrence, matching dispatch. MCP servers that fail
// to list are skipped with a warning so one bad server does not take the
// whole toolbox down.
func (r *Router) Definitions(ctx context.Context, inv Invocation) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(platformToolDefs)+1)
	seen := make(map[string]bool)

	for _, def := range platformToolDefs {
		defs = append(defs, def)
		seen[def.Name] = true
	}
	if r.agents != nil {
		defs = append(defs, callAgentDef)
		seen[callAgentDef.Name] = true
	}

	if r.mcp == nil || inv.Agent == nil {
		return defs
	}
	for _, grant := range inv.Agent.MCPServers {
		tools, err := r.mcp.ListTools(ctx, grant.Server)
		if err != nil {
			slog.Warn("Skipping MCP server that failed to list tools",
				"server", grant.Server, "agent", inv.AgentName, "error", err)
			continue
		}
		for _, tool := range tools {
			if !grant.Allows(tool.Name) || seen[tool.Name] {
				continue
			}
			defs = append(defs, tool)
			seen[tool.Name] = true
		}
	}
	return defs
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
