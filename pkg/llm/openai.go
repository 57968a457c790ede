package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codespin-ai/shaman/pkg/models"
)

// OpenAIProvider serves gpt-* and o-series models through the OpenAI
// chat completions API. Tool calls stream incrementally (id and name
// first, then argument fragments) and are accumulated per index until
// the finish reason flushes them.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider returns a provider authenticated with apiKey.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

// NewOpenAIProviderWithConfig returns a provider over a custom client
// configuration (base URL override, Azure, proxy).
func NewOpenAIProviderWithConfig(cfg openai.ClientConfig) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete performs one blocking chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	chatReq, err := buildOpenAIRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrProviderUnavailable)
	}

	choice := resp.Choices[0]
	out := &CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinish(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for i, tc := range choice.Message.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Index:     index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// Stream performs one chat completion, forwarding content deltas as they
// arrive and tool calls once fully accumulated.
func (p *OpenAIProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	chatReq, err := buildOpenAIRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	out := make(chan StreamChunk)
	go p.pumpStream(ctx, stream, out)
	return out, nil
}

func (p *OpenAIProvider) pumpStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- StreamChunk) {
	defer close(out)
	defer stream.Close()

	acc := newToolCallAccumulator()
	var (
		finish  FinishReason
		usage   *Usage
		flushed bool
	)

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushed {
					for _, tc := range acc.calls() {
						if !sendChunk(ctx, out, StreamChunk{ToolCall: tc}) {
							return
						}
					}
				}
				if finish == "" {
					finish = FinishStop
				}
				sendChunk(ctx, out, StreamChunk{FinishReason: finish, Usage: usage})
				return
			}
			sendChunk(ctx, out, StreamChunk{Err: wrapOpenAIError(err)})
			return
		}

		// The final usage frame has no choices.
		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !sendChunk(ctx, out, StreamChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			finish = mapOpenAIFinish(choice.FinishReason)
			for _, tc := range acc.calls() {
				if !sendChunk(ctx, out, StreamChunk{ToolCall: tc}) {
					return
				}
			}
			flushed = true
		}
	}
}

// sendChunk delivers a chunk unless the consumer's context died first.
func sendChunk(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolCallAccumulator assembles tool calls from streamed fragments. The
// id and name arrive in the first fragment for an index, arguments are
// appended across subsequent fragments.
type toolCallAccumulator struct {
	byIndex map[int]*ToolCall
	args    map[int][]byte
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		byIndex: make(map[int]*ToolCall),
		args:    make(map[int][]byte),
	}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	call := a.byIndex[index]
	if call == nil {
		call = &ToolCall{Index: index}
		a.byIndex[index] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		a.args[index] = append(a.args[index], tc.Function.Arguments...)
	}
}

// calls returns completed tool calls in index order and resets the
// accumulator.
func (a *toolCallAccumulator) calls() []*ToolCall {
	indexes := make([]int, 0, len(a.byIndex))
	for i := range a.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	result := make([]*ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := a.byIndex[i]
		if call.ID == "" || call.Name == "" {
			continue
		}
		call.Arguments = json.RawMessage(a.args[i])
		result = append(result, call)
	}
	a.byIndex = make(map[int]*ToolCall)
	a.args = make(map[int][]byte)
	return result
}

func buildOpenAIRequest(req *CompletionRequest, stream bool) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 && req.ToolChoice != "none" {
		chatReq.Tools = convertOpenAITools(req.Tools)
		switch req.ToolChoice {
		case "", "auto":
		case "required":
			chatReq.ToolChoice = "required"
		default:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice},
			}
		}
	}
	return chatReq, nil
}

func convertOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    openAIRole(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == models.MessageRoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			m.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				m.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		result = append(result, m)
	}
	return result
}

func convertOpenAITools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		// Parameters pass through as raw JSON so schema field names and
		// types survive unchanged.
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}

func openAIRole(role models.MessageRole) string {
	switch role {
	case models.MessageRoleSystem:
		return openai.ChatMessageRoleSystem
	case models.MessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.MessageRoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

func mapOpenAIFinish(reason openai.FinishReason) FinishReason {
	switch reason {
	case openai.FinishReasonLength:
		return FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	case openai.FinishReasonContentFilter:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if kind := classifyStatus(apiErr.HTTPStatusCode); kind != nil {
			return fmt.Errorf("%w: openai: %w", kind, err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if kind := classifyStatus(reqErr.HTTPStatusCode); kind != nil {
			return fmt.Errorf("%w: openai: %w", kind, err)
		}
	}
	return fmt.Errorf("%w: openai: %w", ErrProviderUnavailable, err)
}
