package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/models"
)

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []Message{
		{Role: models.MessageRoleSystem, Content: "You are an agent."},
		{Role: models.MessageRoleUser, Content: "look up the order"},
		{
			Role: models.MessageRoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "run_data_read", Arguments: json.RawMessage(`{"key":"order"}`)},
			},
		},
		{Role: models.MessageRoleTool, Content: `{"value":42}`, ToolCallID: "call_1"},
	}

	converted := convertOpenAIMessages(messages)
	require.Len(t, converted, 4)

	assert.Equal(t, openai.ChatMessageRoleSystem, converted[0].Role)
	assert.Equal(t, "You are an agent.", converted[0].Content)

	assert.Equal(t, openai.ChatMessageRoleUser, converted[1].Role)

	assert.Equal(t, openai.ChatMessageRoleAssistant, converted[2].Role)
	require.Len(t, converted[2].ToolCalls, 1)
	assert.Equal(t, "call_1", converted[2].ToolCalls[0].ID)
	assert.Equal(t, "run_data_read", converted[2].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"key":"order"}`, converted[2].ToolCalls[0].Function.Arguments)

	assert.Equal(t, openai.ChatMessageRoleTool, converted[3].Role)
	assert.Equal(t, "call_1", converted[3].ToolCallID)
}

func TestConvertOpenAITools_PreservesSchema(t *testing.T) {
	schema := `{"type":"object","properties":{"key":{"type":"string"},"limit":{"type":"integer"}},"required":["key"]}`
	tools := convertOpenAITools([]ToolDefinition{
		{Name: "run_data_query", Description: "Query run data", Parameters: json.RawMessage(schema)},
	})

	require.Len(t, tools, 1)
	assert.Equal(t, openai.ToolTypeFunction, tools[0].Type)
	assert.Equal(t, "run_data_query", tools[0].Function.Name)

	// The schema travels as raw JSON so names and types are untouched.
	raw, err := json.Marshal(tools[0].Function.Parameters)
	require.NoError(t, err)
	assert.JSONEq(t, schema, string(raw))
}

func TestBuildOpenAIRequest(t *testing.T) {
	temp := 0.2
	req := &CompletionRequest{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: models.MessageRoleUser, Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   256,
		Tools:       []ToolDefinition{{Name: "t", Parameters: json.RawMessage(`{}`)}},
	}

	chatReq, err := buildOpenAIRequest(req, true)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", chatReq.Model)
	assert.True(t, chatReq.Stream)
	require.NotNil(t, chatReq.StreamOptions)
	assert.True(t, chatReq.StreamOptions.IncludeUsage)
	assert.InDelta(t, 0.2, float64(chatReq.Temperature), 0.0001)
	assert.Equal(t, 256, chatReq.MaxTokens)
	assert.Len(t, chatReq.Tools, 1)
}

func TestBuildOpenAIRequest_ToolChoice(t *testing.T) {
	base := CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: models.MessageRoleUser, Content: "hi"}},
		Tools:    []ToolDefinition{{Name: "t", Parameters: json.RawMessage(`{}`)}},
	}

	t.Run("none drops tools", func(t *testing.T) {
		req := base
		req.ToolChoice = "none"
		chatReq, err := buildOpenAIRequest(&req, false)
		require.NoError(t, err)
		assert.Empty(t, chatReq.Tools)
		assert.Nil(t, chatReq.ToolChoice)
	})

	t.Run("auto stays implicit", func(t *testing.T) {
		req := base
		req.ToolChoice = "auto"
		chatReq, err := buildOpenAIRequest(&req, false)
		require.NoError(t, err)
		assert.Len(t, chatReq.Tools, 1)
		assert.Nil(t, chatReq.ToolChoice)
	})

	t.Run("required passes through", func(t *testing.T) {
		req := base
		req.ToolChoice = "required"
		chatReq, err := buildOpenAIRequest(&req, false)
		require.NoError(t, err)
		assert.Equal(t, "required", chatReq.ToolChoice)
	})

	t.Run("specific tool is forced", func(t *testing.T) {
		req := base
		req.ToolChoice = "t"
		chatReq, err := buildOpenAIRequest(&req, false)
		require.NoError(t, err)
		choice, ok := chatReq.ToolChoice.(openai.ToolChoice)
		require.True(t, ok)
		assert.Equal(t, "t", choice.Function.Name)
	})
}

func TestToolCallAccumulator(t *testing.T) {
	intPtr := func(v int) *int { return &v }

	acc := newToolCallAccumulator()
	acc.add(openai.ToolCall{Index: intPtr(0), ID: "call_a", Function: openai.FunctionCall{Name: "run_data_write"}})
	acc.add(openai.ToolCall{Index: intPtr(1), ID: "call_b", Function: openai.FunctionCall{Name: "run_data_read"}})
	acc.add(openai.ToolCall{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `{"key":`}})
	acc.add(openai.ToolCall{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `"a","value":1}`}})
	acc.add(openai.ToolCall{Index: intPtr(1), Function: openai.FunctionCall{Arguments: `{"key":"a"}`}})

	calls := acc.calls()
	require.Len(t, calls, 2)

	assert.Equal(t, 0, calls[0].Index)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "run_data_write", calls[0].Name)
	assert.JSONEq(t, `{"key":"a","value":1}`, string(calls[0].Arguments))

	assert.Equal(t, 1, calls[1].Index)
	assert.Equal(t, "call_b", calls[1].ID)
	assert.JSONEq(t, `{"key":"a"}`, string(calls[1].Arguments))

	// Flushing resets the accumulator.
	assert.Empty(t, acc.calls())
}

func TestToolCallAccumulator_DropsIncomplete(t *testing.T) {
	acc := newToolCallAccumulator()
	// Arguments without an id or name never complete.
	acc.add(openai.ToolCall{Function: openai.FunctionCall{Arguments: `{"x":1}`}})
	assert.Empty(t, acc.calls())
}

func TestMapOpenAIFinish(t *testing.T) {
	assert.Equal(t, FinishStop, mapOpenAIFinish(openai.FinishReasonStop))
	assert.Equal(t, FinishLength, mapOpenAIFinish(openai.FinishReasonLength))
	assert.Equal(t, FinishToolCalls, mapOpenAIFinish(openai.FinishReasonToolCalls))
	assert.Equal(t, FinishContentFilter, mapOpenAIFinish(openai.FinishReasonContentFilter))
	assert.Equal(t, FinishStop, mapOpenAIFinish(openai.FinishReasonNull))
}

func TestWrapOpenAIError(t *testing.T) {
	t.Run("api error statuses map to kinds", func(t *testing.T) {
		err := wrapOpenAIError(&openai.APIError{HTTPStatusCode: 429, Message: "slow down"})
		assert.ErrorIs(t, err, ErrRateLimited)

		err = wrapOpenAIError(&openai.APIError{HTTPStatusCode: 400, Message: "bad request"})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		err = wrapOpenAIError(&openai.APIError{HTTPStatusCode: 503, Message: "overloaded"})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("transport errors are unavailable", func(t *testing.T) {
		err := wrapOpenAIError(errors.New("connection refused"))
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("context errors pass through", func(t *testing.T) {
		assert.Equal(t, context.Canceled, wrapOpenAIError(context.Canceled))
		assert.False(t, IsRetryable(wrapOpenAIError(context.Canceled)))
	})
}

// newTestOpenAIProvider points the SDK at a canned HTTP handler.
func newTestOpenAIProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return NewOpenAIProviderWithConfig(cfg)
}

func TestOpenAIComplete_ToolCallRoundTrip(t *testing.T) {
	provider := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "run_data_read", "arguments": "{\"key\":\"order\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}`)
	})

	resp, err := provider.Complete(t.Context(), &CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: models.MessageRoleUser, Content: "look up the order"}},
	})
	require.NoError(t, err)

	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "run_data_read", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"key":"order"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)
}

func TestOpenAIComplete_RateLimited(t *testing.T) {
	provider := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	})

	_, err := provider.Complete(t.Context(), &CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: models.MessageRoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRetryable(err))
}

func TestOpenAIComplete_TextResponse(t *testing.T) {
	provider := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "the order shipped"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 4, "total_tokens": 8}
		}`)
	})

	resp, err := provider.Complete(t.Context(), &CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: models.MessageRoleUser, Content: "status?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "the order shipped", resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Empty(t, resp.ToolCalls)
}
