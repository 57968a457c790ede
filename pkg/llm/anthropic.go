package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/codespin-ai/shaman/pkg/models"
)

// anthropicMaxTokensDefault caps completions when the request does not
// set MaxTokens. The Messages API requires an explicit value.
const anthropicMaxTokensDefault = 4096

// messagesAPI is the slice of the Anthropic SDK the adapter uses,
// satisfied by *anthropic.MessageService and by stubs in tests.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// AnthropicProvider serves claude-* models through the Anthropic Messages
// API. System messages move into the dedicated system field, TOOL-role
// messages become user-role tool_result blocks, and streamed tool input
// arrives as JSON fragments accumulated until the block closes.
type AnthropicProvider struct {
	messages messagesAPI
}

// NewAnthropicProvider returns a provider authenticated with apiKey.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{messages: &client.Messages}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete performs one blocking message round-trip.
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	out := &CompletionResponse{
		FinishReason: mapAnthropicStop(msg.StopReason),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				Index:     len(out.ToolCalls),
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	out.Content = content.String()
	return out, nil
}

// Stream performs one message round-trip, forwarding text deltas as they
// arrive and tool calls once their input JSON is complete.
func (p *AnthropicProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.messages.NewStreaming(ctx, params)
	out := make(chan StreamChunk)
	go p.pumpStream(ctx, stream, out)
	return out, nil
}

func (p *AnthropicProvider) pumpStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- StreamChunk) {
	defer close(out)
	defer stream.Close()

	var (
		current   *ToolCall
		args      strings.Builder
		usage     Usage
		finish    FinishReason
		nextIndex int
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.PromptTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &ToolCall{Index: nextIndex, ID: toolUse.ID, Name: toolUse.Name}
				nextIndex++
				args.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !sendChunk(ctx, out, StreamChunk{Text: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				args.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = json.RawMessage(args.String())
				if !sendChunk(ctx, out, StreamChunk{ToolCall: current}) {
					return
				}
				current = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				finish = mapAnthropicStop(anthropic.StopReason(messageDelta.Delta.StopReason))
			}

		case "message_stop":
			u := usage
			if finish == "" {
				finish = FinishStop
			}
			sendChunk(ctx, out, StreamChunk{FinishReason: finish, Usage: &u})
			return
		}
	}

	if err := stream.Err(); err != nil {
		sendChunk(ctx, out, StreamChunk{Err: wrapAnthropicError(err)})
		return
	}
	// Stream ended without a message_stop event.
	u := usage
	if finish == "" {
		finish = FinishStop
	}
	sendChunk(ctx, out, StreamChunk{FinishReason: finish, Usage: &u})
}

func buildAnthropicParams(req *CompletionRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokensDefault
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	for _, msg := range req.Messages {
		// System prompts live in the dedicated field, not the turn list.
		if msg.Role == models.MessageRoleSystem {
			params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: msg.Content})
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.MessageRoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.MessageRoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
		}
	}

	if len(req.Tools) > 0 && req.ToolChoice != "none" {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
		switch req.ToolChoice {
		case "", "auto":
		case "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice},
			}
		}
	}
	return params, nil
}

func convertAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("%w: tool %s schema: %v", ErrInvalidRequest, tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("%w: tool %s produced no definition", ErrInvalidRequest, tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func mapAnthropicStop(reason anthropic.StopReason) FinishReason {
	switch reason {
	case anthropic.StopReasonMaxTokens:
		return FinishLength
	case anthropic.StopReasonToolUse:
		return FinishToolCalls
	case anthropic.StopReasonRefusal:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func wrapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if kind := classifyStatus(apiErr.StatusCode); kind != nil {
			return fmt.Errorf("%w: anthropic: %w", kind, err)
		}
	}
	return fmt.Errorf("%w: anthropic: %w", ErrProviderUnavailable, err)
}
