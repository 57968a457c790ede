package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/events"
	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/metrics"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
	"github.com/codespin-ai/shaman/pkg/tools"
	testdb "github.com/codespin-ai/shaman/test/database"
)

// scriptedProvider replays queued turns in order. A queued error is
// consumed like a response, which lets tests script retry sequences.
type scriptedProvider struct {
	mu    sync.Mutex
	queue []scriptedTurn
	calls []llm.CompletionRequest
}

type scriptedTurn struct {
	resp *llm.CompletionResponse
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, *req)
	if len(p.queue) == 0 {
		return nil, errors.New("scripted provider exhausted")
	}
	turn := p.queue[0]
	p.queue = p.queue[1:]
	return turn.resp, turn.err
}

func (p *scriptedProvider) Stream(context.Context, *llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("scripted provider does not stream")
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func answerTurn(content string, prompt, completion int) scriptedTurn {
	return scriptedTurn{resp: &llm.CompletionResponse{
		Content:      content,
		FinishReason: llm.FinishStop,
		Usage:        llm.Usage{PromptTokens: prompt, CompletionTokens: completion},
	}}
}

func toolTurn(calls ...llm.ToolCall) scriptedTurn {
	return scriptedTurn{resp: &llm.CompletionResponse{
		ToolCalls:    calls,
		FinishReason: llm.FinishToolCalls,
		Usage:        llm.Usage{PromptTokens: 20, CompletionTokens: 8},
	}}
}

func errTurn(err error) scriptedTurn { return scriptedTurn{err: err} }

// stubCaller records agent calls and answers them with canned JSON.
type stubCaller struct {
	mu     sync.Mutex
	output json.RawMessage
	err    error
	calls  []tools.AgentCall
}

func (c *stubCaller) CallAgent(_ context.Context, _ tools.Invocation, call tools.AgentCall) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.output, c.err
}

// cancelingInvoker cancels the executing step from inside a tool call,
// standing in for a tasks/cancel arriving while a tool runs.
type cancelingInvoker struct {
	st     *store.Store
	orgID  string
	stepID string
}

func (c *cancelingInvoker) Invoke(ctx context.Context, _, _ string, _ json.RawMessage) (json.RawMessage, error) {
	if err := c.st.Steps.Cancel(ctx, c.orgID, c.stepID); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"restarted":true}`), nil
}

func (c *cancelingInvoker) ListTools(context.Context, string) ([]llm.ToolDefinition, error) {
	return nil, nil
}

type execHarness struct {
	db       *sql.DB
	st       *store.Store
	registry *llm.Registry
	pub      *events.EventPublisher
	provider *scriptedProvider
	cfg      *config.Config
	exec     *Executor

	org  *models.Organization
	run  *models.Run
	step *models.Step
	def  *models.AgentDefinition
}

func setupExecutor(t *testing.T, turns ...scriptedTurn) *execHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := testdb.NewTestClient(t)
	st := store.New(client.DB())

	org, err := st.Orgs.CreateOrganization(t.Context(), "executor-test-org")
	require.NoError(t, err)

	run, err := st.Runs.CreateRun(t.Context(), models.CreateRunParams{
		OrgID:        org.ID,
		AgentName:    "EchoAgent",
		InitialInput: "say hi",
	})
	require.NoError(t, err)

	step, err := st.Steps.CreateStep(t.Context(), models.CreateStepParams{
		RunID:     run.ID,
		OrgID:     org.ID,
		Type:      models.StepTypeAgentExecution,
		AgentName: "EchoAgent",
		Input:     json.RawMessage(`"say hi"`),
		Metadata:  models.StepMetadata{CallStack: []string{"EchoAgent"}},
	})
	require.NoError(t, err)

	def := &models.AgentDefinition{
		Name:         "EchoAgent",
		Model:        "scripted",
		SystemPrompt: "You echo things.",
	}
	def.Normalize()

	provider := &scriptedProvider{queue: turns}
	registry := llm.NewRegistry()
	registry.Register("scripted", provider)

	cfg := &config.Config{
		LLM:       config.LLMConfig{MaxRetries: 2, RetryBaseDelay: time.Millisecond},
		Scheduler: config.DefaultSchedulerConfig(),
	}

	h := &execHarness{
		db:       client.DB(),
		st:       st,
		registry: registry,
		pub:      events.NewEventPublisher(client.DB()),
		provider: provider,
		cfg:      cfg,
		org:      org,
		run:      run,
		step:     step,
		def:      def,
	}
	h.wire(t, nil, nil, cfg.Scheduler.MaxDepth)
	return h
}

// wire swaps the executor's collaborators; tests use it to inject agent
// callers, MCP invokers, or a different depth ceiling.
func (h *execHarness) wire(t *testing.T, caller tools.AgentCaller, invoker tools.ToolInvoker, maxDepth int) {
	t.Helper()
	cfg := *h.cfg
	cfg.Scheduler.MaxDepth = maxDepth
	router := tools.NewRouter(h.st.RunData, caller, invoker, maxDepth)
	h.exec = New(h.st, h.registry, router, h.pub, metrics.New(), &cfg)
}

func (h *execHarness) newStep(t *testing.T, parentID, input string) *models.Step {
	t.Helper()
	step, err := h.st.Steps.CreateStep(t.Context(), models.CreateStepParams{
		RunID:        h.run.ID,
		OrgID:        h.org.ID,
		ParentStepID: parentID,
		Type:         models.StepTypeAgentExecution,
		AgentName:    h.def.Name,
		Input:        json.RawMessage(input),
		Metadata:     models.StepMetadata{CallStack: []string{h.def.Name}},
	})
	require.NoError(t, err)
	return step
}

func (h *execHarness) appendMessage(t *testing.T, stepID string, params models.CreateMessageParams) {
	t.Helper()
	params.StepID = stepID
	params.OrgID = h.org.ID
	_, err := h.st.Messages.Append(t.Context(), params)
	require.NoError(t, err)
}

func (h *execHarness) messages(t *testing.T, stepID string) []*models.Message {
	t.Helper()
	msgs, err := h.st.Messages.ListByStep(t.Context(), h.org.ID, stepID)
	require.NoError(t, err)
	return msgs
}

func (h *execHarness) childSteps(t *testing.T, stepType models.StepType) []*models.Step {
	t.Helper()
	steps, err := h.st.Steps.ListSteps(t.Context(), h.org.ID, h.run.ID, models.StepFilters{Type: stepType})
	require.NoError(t, err)
	return steps
}

func TestExecute_FinalAnswer(t *testing.T) {
	h := setupExecutor(t, answerTurn("hi there", 10, 5))

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusCompleted, outcome.Status)
	assert.Equal(t, "hi there", outcome.FinalText)
	assert.Equal(t, string(llm.FinishStop), outcome.FinishReason)

	msgs := h.messages(t, h.step.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.MessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "You echo things.", msgs[0].Content)
	assert.Equal(t, models.MessageRoleUser, msgs[1].Role)
	assert.Equal(t, "say hi", msgs[1].Content)
	assert.Equal(t, models.MessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "hi there", msgs[2].Content)

	// The request carried the platform toolbox but not call_agent, since
	// no caller is wired.
	require.Equal(t, 1, h.provider.callCount())
	req := h.provider.call(0)
	assert.Equal(t, "scripted", req.Model)
	var names []string
	for _, def := range req.Tools {
		names = append(names, def.Name)
	}
	assert.Contains(t, names, tools.ToolRunDataWrite)
	assert.NotContains(t, names, tools.ToolCallAgent)

	// One LLM_CALL bookkeeping child, born terminal with its usage.
	children := h.childSteps(t, models.StepTypeLLMCall)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, models.StepStatusCompleted, child.Status)
	require.NotNil(t, child.ParentStepID)
	assert.Equal(t, h.step.ID, *child.ParentStepID)
	assert.Equal(t, 10, child.PromptTokens)
	assert.Equal(t, 5, child.CompletionTokens)
	assert.NotNil(t, child.EndTime)
	assert.Equal(t, string(llm.FinishStop), child.Metadata.FinishReason)

	// Usage rolls up onto the executing step and the run.
	parent, err := h.st.Steps.GetStep(t.Context(), h.org.ID, h.step.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, parent.PromptTokens)
	assert.Equal(t, 5, parent.CompletionTokens)

	run, err := h.st.Runs.GetRun(t.Context(), h.org.ID, h.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, run.TotalTokens)

	// The feed saw the child step and the assistant message.
	stored, err := events.NewEventStore(h.db).GetEventsSince(t.Context(), events.RunChannel(h.run.ID), 0, 50)
	require.NoError(t, err)
	var types []string
	for _, ev := range stored {
		if s, ok := ev.Payload["type"].(string); ok {
			types = append(types, s)
		}
	}
	assert.Contains(t, types, events.EventTypeStepStatus)
	assert.Contains(t, types, events.EventTypeRunMessage)
}

func TestExecute_ToolRoundTrip(t *testing.T) {
	h := setupExecutor(t,
		toolTurn(llm.ToolCall{ID: "call_1", Name: tools.ToolRunDataWrite,
			Arguments: json.RawMessage(`{"key":"x","value":42}`)}),
		answerTurn("stored", 10, 5),
	)

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, outcome.Status)
	assert.Equal(t, "stored", outcome.FinalText)

	// The write landed, stamped with the writing step.
	rd, err := h.st.RunData.ReadLatest(t.Context(), h.org.ID, h.run.ID, "x")
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(rd.Value))
	assert.Equal(t, h.step.ID, rd.CreatedByStepID)

	// TOOL_CALL child born COMPLETED, carrying the result envelope.
	children := h.childSteps(t, models.StepTypeToolCall)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, models.StepStatusCompleted, child.Status)
	assert.Equal(t, tools.ToolRunDataWrite, child.ToolName)
	assert.Equal(t, "call_1", child.ToolCallID)
	var env tools.Result
	require.NoError(t, json.Unmarshal(child.Output, &env))
	assert.True(t, env.Success)
	assert.Equal(t, tools.KindPlatform, env.Kind)

	// The tool call row was recorded before dispatch.
	calls, err := h.st.Messages.ListToolCalls(t.Context(), h.org.ID, h.step.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.True(t, calls[0].IsPlatformTool)
	assert.False(t, calls[0].IsAgentCall)

	// Transcript: SYSTEM, USER, ASSISTANT(calls), TOOL, ASSISTANT.
	msgs := h.messages(t, h.step.ID)
	require.Len(t, msgs, 5)
	assert.Equal(t, models.MessageRoleAssistant, msgs[2].Role)
	assert.Contains(t, string(msgs[2].ToolCalls), "call_1")
	assert.Equal(t, models.MessageRoleTool, msgs[3].Role)
	assert.Equal(t, "call_1", msgs[3].ToolCallID)
	assert.Contains(t, msgs[3].Content, `"success":true`)
	assert.Equal(t, "stored", msgs[4].Content)

	// The second round-trip saw the tool reply.
	require.Equal(t, 2, h.provider.callCount())
	second := h.provider.call(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, models.MessageRoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)

	// Both round-trips accumulated onto the run.
	run, err := h.st.Runs.GetRun(t.Context(), h.org.ID, h.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 43, run.TotalTokens)
}

func TestExecute_AgentCallDelegatesToCaller(t *testing.T) {
	h := setupExecutor(t,
		toolTurn(llm.ToolCall{ID: "call_2", Name: tools.ToolCallAgent,
			Arguments: json.RawMessage(`{"agent":"Helper","message":"do the thing"}`)}),
		answerTurn("delegated", 10, 5),
	)
	caller := &stubCaller{output: json.RawMessage(`{"response":"child says hi"}`)}
	h.wire(t, caller, nil, h.cfg.Scheduler.MaxDepth)

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, outcome.Status)

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "Helper", caller.calls[0].Agent)
	assert.Equal(t, "do the thing", caller.calls[0].Message)

	// Agent dispatches track their own child step; no TOOL_CALL child here.
	assert.Empty(t, h.childSteps(t, models.StepTypeToolCall))

	calls, err := h.st.Messages.ListToolCalls(t.Context(), h.org.ID, h.step.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].IsAgentCall)

	msgs := h.messages(t, h.step.ID)
	require.Len(t, msgs, 5)
	assert.Contains(t, msgs[3].Content, `"kind":"agent"`)
	assert.Contains(t, msgs[3].Content, "child says hi")
}

func TestExecute_MemorySnapshots(t *testing.T) {
	h := setupExecutor(t,
		answerTurn("ok", 1, 1), answerTurn("ok", 1, 1), answerTurn("ok", 1, 1))

	seed := []struct{ key, value string }{
		{"customer", `7`},
		{"order", `"A-1001"`},
	}
	for _, s := range seed {
		_, err := h.st.RunData.Write(t.Context(), models.WriteRunDataParams{
			RunID:           h.run.ID,
			OrgID:           h.org.ID,
			Key:             s.key,
			Value:           json.RawMessage(s.value),
			CreatedByStepID: h.step.ID,
			CreatedByAgent:  h.def.Name,
		})
		require.NoError(t, err)
	}

	t.Run("full scope sees every entry", func(t *testing.T) {
		step := h.newStep(t, "", `"summarize"`)
		def := *h.def
		def.ContextScope = models.ContextScopeFull

		_, err := h.exec.Execute(t.Context(), step, &def)
		require.NoError(t, err)

		msgs := h.messages(t, step.ID)
		require.Len(t, msgs, 4)
		snap := msgs[1]
		assert.Equal(t, models.MessageRoleSystem, snap.Role)
		assert.True(t, strings.HasPrefix(snap.Content, "Shared run memory:"))
		assert.Contains(t, snap.Content, "customer: 7")
		assert.Contains(t, snap.Content, `order: "A-1001"`)
	})

	t.Run("specific scope resolves listed keys only", func(t *testing.T) {
		step := h.newStep(t, "", `"summarize"`)
		def := *h.def
		def.ContextScope = models.ContextScopeSpecific
		def.ContextKeys = []string{"order", "missing"}

		_, err := h.exec.Execute(t.Context(), step, &def)
		require.NoError(t, err)

		msgs := h.messages(t, step.ID)
		require.Len(t, msgs, 4)
		assert.Contains(t, msgs[1].Content, `order: "A-1001"`)
		assert.NotContains(t, msgs[1].Content, "customer")
	})

	t.Run("none scope skips the snapshot", func(t *testing.T) {
		step := h.newStep(t, "", `"summarize"`)
		def := *h.def
		def.ContextScope = models.ContextScopeNone

		_, err := h.exec.Execute(t.Context(), step, &def)
		require.NoError(t, err)

		msgs := h.messages(t, step.ID)
		require.Len(t, msgs, 3)
		assert.Equal(t, models.MessageRoleUser, msgs[1].Role)
	})
}

func TestExecute_IterationLimit(t *testing.T) {
	h := setupExecutor(t,
		toolTurn(llm.ToolCall{ID: "call_a", Name: tools.ToolRunDataWrite,
			Arguments: json.RawMessage(`{"key":"a","value":1}`)}),
		toolTurn(llm.ToolCall{ID: "call_b", Name: tools.ToolRunDataWrite,
			Arguments: json.RawMessage(`{"key":"b","value":2}`)}),
	)
	def := *h.def
	def.MaxIterations = 2

	outcome, err := h.exec.Execute(t.Context(), h.step, &def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage, "iteration_limit")
	assert.Contains(t, outcome.ErrorMessage, "EchoAgent")
	assert.Equal(t, 2, h.provider.callCount())

	// Both rounds are on record; the transcript ends on a tool reply.
	msgs := h.messages(t, h.step.ID)
	assert.Equal(t, models.MessageRoleTool, msgs[len(msgs)-1].Role)
}

func TestExecute_RetryableErrorThenSuccess(t *testing.T) {
	h := setupExecutor(t,
		errTurn(fmt.Errorf("burst: %w", llm.ErrRateLimited)),
		answerTurn("recovered", 10, 5),
	)

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusCompleted, outcome.Status)
	assert.Equal(t, "recovered", outcome.FinalText)
	assert.Equal(t, 2, h.provider.callCount())
}

func TestExecute_NonRetryableErrorFailsStep(t *testing.T) {
	h := setupExecutor(t,
		errTurn(fmt.Errorf("bad schema: %w", llm.ErrInvalidRequest)),
	)

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage, "llm call failed")
	assert.Equal(t, 1, h.provider.callCount())

	// The prompt stayed on record for the postmortem.
	msgs := h.messages(t, h.step.ID)
	require.Len(t, msgs, 2)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	h := setupExecutor(t,
		errTurn(fmt.Errorf("burst: %w", llm.ErrRateLimited)),
		errTurn(fmt.Errorf("burst: %w", llm.ErrRateLimited)),
		errTurn(fmt.Errorf("burst: %w", llm.ErrProviderUnavailable)),
	)

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage, "attempts exhausted")
	assert.Equal(t, 3, h.provider.callCount())
}

func TestExecute_CanceledRunShortCircuits(t *testing.T) {
	h := setupExecutor(t)

	_, err := h.st.Runs.MarkCanceling(t.Context(), h.org.ID, h.run.ID)
	require.NoError(t, err)

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusCanceled, outcome.Status)
	assert.Equal(t, 0, h.provider.callCount())
}

func TestExecute_CanceledStepStopsBetweenIterations(t *testing.T) {
	h := setupExecutor(t,
		toolTurn(llm.ToolCall{ID: "call_3", Name: "restart_service",
			Arguments: json.RawMessage(`{"service":"api"}`)}),
	)
	invoker := &cancelingInvoker{st: h.st, orgID: h.org.ID, stepID: h.step.ID}
	h.wire(t, nil, invoker, h.cfg.Scheduler.MaxDepth)

	def := *h.def
	def.MCPServers = models.MCPServerGrants{{Server: "ops", AllTools: true}}

	outcome, err := h.exec.Execute(t.Context(), h.step, &def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusCanceled, outcome.Status)
	assert.Equal(t, 1, h.provider.callCount())

	// The in-flight tool finished and its outcome is on record.
	children := h.childSteps(t, models.StepTypeToolCall)
	require.Len(t, children, 1)
	assert.Equal(t, models.StepStatusCompleted, children[0].Status)
	assert.Equal(t, "restart_service", children[0].ToolName)
}

func TestExecute_ResumeFinalAnswer(t *testing.T) {
	h := setupExecutor(t)

	// Previous delivery answered but died before finishing the step.
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleSystem, Content: "You echo things."})
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleUser, Content: "say hi"})
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleAssistant, Content: "already answered"})

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusCompleted, outcome.Status)
	assert.Equal(t, "already answered", outcome.FinalText)
	assert.Equal(t, 0, h.provider.callCount())
}

func TestExecute_ResumeRunsPendingToolCalls(t *testing.T) {
	h := setupExecutor(t, answerTurn("wrapped up", 10, 5))

	// Previous delivery requested a tool but died before answering it.
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleSystem, Content: "You echo things."})
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleUser, Content: "say hi"})
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleAssistant,
		ToolCalls: json.RawMessage(
			`[{"id":"call_9","name":"run_data_write","arguments":{"key":"y","value":"later"}}]`),
	})

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusCompleted, outcome.Status)
	assert.Equal(t, "wrapped up", outcome.FinalText)

	// The pending call ran before the next round-trip.
	rd, err := h.st.RunData.ReadLatest(t.Context(), h.org.ID, h.run.ID, "y")
	require.NoError(t, err)
	assert.JSONEq(t, `"later"`, string(rd.Value))

	require.Equal(t, 1, h.provider.callCount())
	req := h.provider.call(0)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, models.MessageRoleTool, last.Role)
	assert.Equal(t, "call_9", last.ToolCallID)
}

func TestExecute_ReplaysFinishedToolWork(t *testing.T) {
	h := setupExecutor(t, answerTurn("done", 10, 5))

	// Previous delivery dispatched call_7 and recorded its child step,
	// then died before appending the TOOL message.
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleSystem, Content: "You echo things."})
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleUser, Content: "say hi"})
	h.appendMessage(t, h.step.ID, models.CreateMessageParams{
		Role: models.MessageRoleAssistant,
		ToolCalls: json.RawMessage(
			`[{"id":"call_7","name":"run_data_write","arguments":{"key":"z","value":1}}]`),
	})
	envelope := json.RawMessage(`{"success":true,"output":{"id":"prev"},"kind":"platform"}`)
	_, err := h.st.Steps.CreateStep(t.Context(), models.CreateStepParams{
		RunID:        h.run.ID,
		OrgID:        h.org.ID,
		ParentStepID: h.step.ID,
		Type:         models.StepTypeToolCall,
		Status:       models.StepStatusCompleted,
		ToolName:     tools.ToolRunDataWrite,
		ToolCallID:   "call_7",
		Input:        json.RawMessage(`{"key":"z","value":1}`),
		Output:       envelope,
	})
	require.NoError(t, err)

	outcome, err := h.exec.Execute(t.Context(), h.step, h.def)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, outcome.Status)

	// The dispatch did not run again.
	_, err = h.st.RunData.ReadLatest(t.Context(), h.org.ID, h.run.ID, "z")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Still exactly one TOOL_CALL child.
	assert.Len(t, h.childSteps(t, models.StepTypeToolCall), 1)

	// The TOOL message replayed the stored envelope.
	msgs := h.messages(t, h.step.ID)
	var toolMsg *models.Message
	for _, msg := range msgs {
		if msg.Role == models.MessageRoleTool && msg.ToolCallID == "call_7" {
			toolMsg = msg
		}
	}
	require.NotNil(t, toolMsg)
	assert.JSONEq(t, string(envelope), toolMsg.Content)
}

func TestExecute_DepthBoundaryOmitsBookkeeping(t *testing.T) {
	h := setupExecutor(t,
		toolTurn(llm.ToolCall{ID: "call_4", Name: tools.ToolRunDataWrite,
			Arguments: json.RawMessage(`{"key":"deep","value":1}`)}),
		answerTurn("done at the edge", 3, 2),
	)
	child := h.newStep(t, h.step.ID, `"dig"`)
	require.Equal(t, 1, child.Depth)
	h.wire(t, nil, nil, 1)

	outcome, err := h.exec.Execute(t.Context(), child, h.def)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, outcome.Status)

	// The write itself still happened.
	rd, err := h.st.RunData.ReadLatest(t.Context(), h.org.ID, h.run.ID, "deep")
	require.NoError(t, err)
	assert.Equal(t, child.ID, rd.CreatedByStepID)

	// But no bookkeeping children exist past the boundary.
	assert.Empty(t, h.childSteps(t, models.StepTypeLLMCall))
	assert.Empty(t, h.childSteps(t, models.StepTypeToolCall))

	// Accounting is unaffected by the boundary.
	row, err := h.st.Steps.GetStep(t.Context(), h.org.ID, child.ID)
	require.NoError(t, err)
	assert.Equal(t, 23, row.PromptTokens)
	assert.Equal(t, 10, row.CompletionTokens)

	run, err := h.st.Runs.GetRun(t.Context(), h.org.ID, h.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, run.TotalTokens)
}
