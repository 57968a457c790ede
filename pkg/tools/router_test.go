package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/models"
)

type stubCaller struct {
	calls    int
	lastInv  Invocation
	lastCall AgentCall
	out      json.RawMessage
	err      error
}

func (s *stubCaller) CallAgent(_ context.Context, inv Invocation, call AgentCall) (json.RawMessage, error) {
	s.calls++
	s.lastInv = inv
	s.lastCall = call
	if s.err != nil {
		return nil, s.err
	}
	if s.out != nil {
		return s.out, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type stubInvoker struct {
	tools      map[string][]llm.ToolDefinition
	listErr    map[string]error
	out        json.RawMessage
	err        error
	calls      int
	lastServer string
	lastTool   string
	lastArgs   json.RawMessage
}

func (s *stubInvoker) Invoke(_ context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	s.calls++
	s.lastServer = server
	s.lastTool = tool
	s.lastArgs = args
	if s.err != nil {
		return nil, s.err
	}
	if s.out != nil {
		return s.out, nil
	}
	return json.RawMessage(`"done"`), nil
}

func (s *stubInvoker) ListTools(_ context.Context, server string) ([]llm.ToolDefinition, error) {
	if err := s.listErr[server]; err != nil {
		return nil, err
	}
	return s.tools[server], nil
}

func testInvocation(def *models.AgentDefinition) Invocation {
	return Invocation{
		OrgID:     "org-1",
		RunID:     "run-1",
		StepID:    "step-1",
		AgentName: "Caller",
		Agent:     def,
		Depth:     0,
		CallStack: []string{"Caller"},
	}
}

func openDef() *models.AgentDefinition {
	def := &models.AgentDefinition{Name: "Caller", Model: "gpt-4o"}
	def.Normalize()
	return def
}

func TestDispatch_AgentPrefix(t *testing.T) {
	caller := &stubCaller{out: json.RawMessage(`{"result":"42"}`)}
	router := NewRouter(nil, caller, nil, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(openDef()),
		"agent:Helper", json.RawMessage(`{"agent":"Ignored","message":"do it"}`))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, KindAgent, res.Kind)
	assert.JSONEq(t, `{"result":"42"}`, string(res.Output))
	// The prefix names the target; the arguments' agent field loses.
	assert.Equal(t, "Helper", caller.lastCall.Agent)
	assert.Equal(t, "do it", caller.lastCall.Message)
}

func TestDispatch_CallAgent(t *testing.T) {
	caller := &stubCaller{}
	router := NewRouter(nil, caller, nil, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(openDef()),
		ToolCallAgent, json.RawMessage(`{"agent":"Helper","message":"hi","contextData":{"k":1},"async":true}`))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, KindAgent, res.Kind)
	assert.Equal(t, "Helper", caller.lastCall.Agent)
	assert.True(t, caller.lastCall.Async)
	assert.JSONEq(t, `{"k":1}`, string(caller.lastCall.ContextData))
	assert.Equal(t, "org-1", caller.lastInv.OrgID)
}

func TestDispatch_CallAgentMissingFields(t *testing.T) {
	caller := &stubCaller{}
	router := NewRouter(nil, caller, nil, 10)
	inv := testInvocation(openDef())

	res, err := router.Dispatch(t.Context(), inv, ToolCallAgent, json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "agent name is required")

	res, err = router.Dispatch(t.Context(), inv, ToolCallAgent, json.RawMessage(`{"agent":"Helper"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "message is required")

	res, err = router.Dispatch(t.Context(), inv, ToolCallAgent, json.RawMessage(`{"agent":5}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid agent call arguments")

	assert.Zero(t, caller.calls)
}

func TestDispatch_PermissionDenied(t *testing.T) {
	def := openDef()
	def.AllowedAgents = []string{"Friend"}
	caller := &stubCaller{}
	router := NewRouter(nil, caller, nil, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(def),
		ToolCallAgent, json.RawMessage(`{"agent":"Stranger","message":"hi"}`))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, KindAgent, res.Kind)
	assert.Contains(t, res.Error, RefusalPermissionDenied)
	assert.Zero(t, caller.calls)
}

func TestDispatch_WildcardAllowsAnyAgent(t *testing.T) {
	def := openDef()
	def.AllowedAgents = []string{"*"}
	caller := &stubCaller{}
	router := NewRouter(nil, caller, nil, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(def),
		ToolCallAgent, json.RawMessage(`{"agent":"Anyone","message":"hi"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, caller.calls)
}

func TestDispatch_CircularCall(t *testing.T) {
	caller := &stubCaller{}
	router := NewRouter(nil, caller, nil, 10)
	inv := testInvocation(openDef())
	inv.CallStack = []string{"Root", "Caller"}

	res, err := router.Dispatch(t.Context(), inv,
		ToolCallAgent, json.RawMessage(`{"agent":"Root","message":"hi"}`))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, RefusalCircularCall)
	assert.Zero(t, caller.calls)
}

func TestDispatch_SelfRecursionAllowed(t *testing.T) {
	caller := &stubCaller{}
	router := NewRouter(nil, caller, nil, 10)
	inv := testInvocation(openDef())
	inv.CallStack = []string{"Caller"}
	inv.Depth = 3

	// An agent may call itself; only the depth guard bounds the chain.
	res, err := router.Dispatch(t.Context(), inv,
		ToolCallAgent, json.RawMessage(`{"agent":"Caller","message":"again"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, caller.calls)
}

func TestDispatch_DepthLimit(t *testing.T) {
	caller := &stubCaller{}
	router := NewRouter(nil, caller, nil, 10)
	inv := testInvocation(openDef())
	inv.Depth = 10

	res, err := router.Dispatch(t.Context(), inv,
		ToolCallAgent, json.RawMessage(`{"agent":"Helper","message":"hi"}`))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, KindAgent, res.Kind)
	assert.Contains(t, res.Error, RefusalDepthLimit)
	assert.Zero(t, caller.calls)

	// One level below the limit still dispatches.
	inv.Depth = 9
	res, err = router.Dispatch(t.Context(), inv,
		ToolCallAgent, json.RawMessage(`{"agent":"Helper","message":"hi"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, caller.calls)
}

func TestDispatch_AgentCallerFailure(t *testing.T) {
	caller := &stubCaller{err: errors.New("agent \"Helper\" not found")}
	router := NewRouter(nil, caller, nil, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(openDef()),
		ToolCallAgent, json.RawMessage(`{"agent":"Helper","message":"hi"}`))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "agent call failed")
	assert.Contains(t, res.Error, "not found")
}

func TestDispatch_AgentCallerContextError(t *testing.T) {
	caller := &stubCaller{err: context.Canceled}
	router := NewRouter(nil, caller, nil, 10)

	_, err := router.Dispatch(t.Context(), testInvocation(openDef()),
		ToolCallAgent, json.RawMessage(`{"agent":"Helper","message":"hi"}`))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDispatch_NoAgentCaller(t *testing.T) {
	router := NewRouter(nil, nil, nil, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(openDef()),
		ToolCallAgent, json.RawMessage(`{"agent":"Helper","message":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not available")
}

func TestDispatch_MCPFirstGrantWins(t *testing.T) {
	def := openDef()
	def.MCPServers = models.MCPServerGrants{
		{Server: "alpha", Tools: []string{"lookup"}},
		{Server: "beta", AllTools: true},
	}
	invoker := &stubInvoker{out: json.RawMessage(`{"hit":true}`)}
	router := NewRouter(nil, nil, invoker, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(def),
		"lookup", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, KindExternal, res.Kind)
	assert.Equal(t, "alpha", invoker.lastServer)
	assert.Equal(t, "lookup", invoker.lastTool)
	assert.JSONEq(t, `{"q":"x"}`, string(invoker.lastArgs))

	// Tools only the wildcard grant covers route to the second server.
	_, err = router.Dispatch(t.Context(), testInvocation(def),
		"other_tool", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "beta", invoker.lastServer)
}

func TestDispatch_MCPUnknownTool(t *testing.T) {
	def := openDef()
	def.MCPServers = models.MCPServerGrants{{Server: "alpha", Tools: []string{"lookup"}}}
	invoker := &stubInvoker{}
	router := NewRouter(nil, nil, invoker, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(def),
		"made_up_tool", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, KindExternal, res.Kind)
	assert.Contains(t, res.Error, "unknown tool")
	assert.Zero(t, invoker.calls)
}

func TestDispatch_MCPInvokeError(t *testing.T) {
	def := openDef()
	def.MCPServers = models.MCPServerGrants{{Server: "alpha", AllTools: true}}
	invoker := &stubInvoker{err: errors.New("connection refused")}
	router := NewRouter(nil, nil, invoker, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(def),
		"lookup", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection refused")
}

func TestDispatch_MCPWithoutInvoker(t *testing.T) {
	router := NewRouter(nil, nil, nil, 10)

	res, err := router.Dispatch(t.Context(), testInvocation(openDef()),
		"lookup", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindExternal, res.Kind)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestDispatch_PlatformRequiresRun(t *testing.T) {
	router := NewRouter(nil, nil, nil, 10)
	inv := testInvocation(openDef())
	inv.RunID = ""

	res, err := router.Dispatch(t.Context(), inv,
		ToolRunDataWrite, json.RawMessage(`{"key":"k","value":1}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindPlatform, res.Kind)
	assert.Contains(t, res.Error, "requires a run")
}

func TestDefinitions(t *testing.T) {
	def := openDef()
	def.MCPServers = models.MCPServerGrants{
		{Server: "alpha", Tools: []string{"lookup", "run_data_write"}},
		{Server: "broken", AllTools: true},
		{Server: "beta", AllTools: true},
	}
	invoker := &stubInvoker{
		tools: map[string][]llm.ToolDefinition{
			"alpha": {
				{Name: "lookup", Parameters: json.RawMessage(`{}`)},
				{Name: "run_data_write", Parameters: json.RawMessage(`{}`)},
				{Name: "not_granted", Parameters: json.RawMessage(`{}`)},
			},
			"beta": {
				{Name: "lookup", Parameters: json.RawMessage(`{}`)},
				{Name: "search", Parameters: json.RawMessage(`{}`)},
			},
		},
		listErr: map[string]error{"broken": errors.New("unreachable")},
	}
	router := NewRouter(nil, &stubCaller{}, invoker, 10)

	defs := router.Definitions(t.Context(), testInvocation(def))

	names := make([]string, 0, len(defs))
	counts := make(map[string]int)
	for _, d := range defs {
		names = append(names, d.Name)
		counts[d.Name]++
	}

	// Platform set plus call_agent come first, then granted MCP tools in
	// grant order without duplicates.
	assert.Contains(t, names, ToolRunDataWrite)
	assert.Contains(t, names, ToolRunDataRead)
	assert.Contains(t, names, ToolRunDataQuery)
	assert.Contains(t, names, ToolRunDataList)
	assert.Contains(t, names, ToolRunDataDelete)
	assert.Contains(t, names, ToolCallAgent)
	assert.Contains(t, names, "lookup")
	assert.Contains(t, names, "search")
	assert.NotContains(t, names, "not_granted")
	for name, n := range counts {
		assert.Equal(t, 1, n, "tool %q advertised more than once", name)
	}
}

func TestDefinitions_NoCallerNoMCP(t *testing.T) {
	router := NewRouter(nil, nil, nil, 10)

	defs := router.Definitions(t.Context(), testInvocation(openDef()))

	require.Len(t, defs, len(platformToolDefs))
	for _, d := range defs {
		assert.NotEqual(t, ToolCallAgent, d.Name)
		assert.True(t, json.Valid(d.Parameters), "schema for %q must be valid JSON", d.Name)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindAgent, Classify("agent:Helper"))
	assert.Equal(t, KindAgent, Classify(ToolCallAgent))
	assert.Equal(t, KindPlatform, Classify(ToolRunDataWrite))
	assert.Equal(t, KindPlatform, Classify(ToolRunDataDelete))
	assert.Equal(t, KindExternal, Classify("kubectl_get"))
}
