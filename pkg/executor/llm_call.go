package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/models"
)

// completeWithRetry performs one completion round-trip, retrying
// transient provider failures with exponential backoff. Retry lives
// here, inside the loop, so a flaky provider never sends the whole task
// back to the queue.
func (e *Executor) completeWithRetry(ctx context.Context, def *models.AgentDefinition, conv []llm.Message, defs []llm.ToolDefinition) (*llm.CompletionResponse, error) {
	provider, err := e.llms.ForModel(def.Model)
	if err != nil {
		return nil, err
	}

	req := &llm.CompletionRequest{
		Model:       def.Model,
		Messages:    conv,
		Temperature: def.Temperature,
		Tools:       defs,
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryBaseDelay << (attempt - 1)
			e.logger.Warn("Retrying LLM call",
				"model", def.Model, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		resp, err := provider.Complete(ctx, req)
		seconds := time.Since(start).Seconds()

		if err == nil {
			e.metrics.RecordLLMCall(def.Model, "success", seconds,
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
				llm.CostUSD(def.Model, resp.Usage))
			return resp, nil
		}

		e.metrics.RecordLLMCall(def.Model, "error", seconds, 0, 0, 0)
		if !llm.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%d attempts exhausted: %w", e.maxRetries+1, lastErr)
}

// recordRoundTrip persists the accounting of one successful completion:
// usage onto the executing step and its run, plus an LLM_CALL child step
// born COMPLETED so the run completion rule never waits on it. Past the
// depth boundary only the child step is omitted; accounting always lands.
// Failures here are logged and tolerated, the transcript remains the
// source of truth.
func (e *Executor) recordRoundTrip(ctx context.Context, step *models.Step, def *models.AgentDefinition, resp *llm.CompletionResponse) {
	cost := llm.CostUSD(def.Model, resp.Usage)

	if err := e.store.Steps.AddUsage(ctx, step.OrgID, step.ID,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost); err != nil {
		e.logger.Warn("Failed to record step usage", "step_id", step.ID, "error", err)
	}
	if err := e.store.Runs.AddUsage(ctx, step.OrgID, step.RunID,
		resp.Usage.PromptTokens+resp.Usage.CompletionTokens, cost); err != nil {
		e.logger.Warn("Failed to record run usage", "run_id", step.RunID, "error", err)
	}

	if e.maxDepth > 0 && step.Depth+1 > e.maxDepth {
		return
	}

	output, err := json.Marshal(map[string]any{
		"model":             def.Model,
		"finish_reason":     string(resp.FinishReason),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"cost":              cost,
		"tool_calls":        len(resp.ToolCalls),
	})
	if err != nil {
		e.logger.Warn("Failed to encode LLM call record", "step_id", step.ID, "error", err)
		return
	}

	child, err := e.store.Steps.CreateStep(ctx, models.CreateStepParams{
		RunID:        step.RunID,
		OrgID:        step.OrgID,
		ParentStepID: step.ID,
		Type:         models.StepTypeLLMCall,
		Status:       models.StepStatusCompleted,
		AgentName:    def.Name,
		Output:       output,
		Metadata:     models.StepMetadata{FinishReason: string(resp.FinishReason)},
	})
	if err != nil {
		e.logger.Warn("Failed to record LLM_CALL step", "step_id", step.ID, "error", err)
		return
	}
	if err := e.store.Steps.AddUsage(ctx, step.OrgID, child.ID,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost); err != nil {
		e.logger.Warn("Failed to record LLM_CALL usage", "step_id", child.ID, "error", err)
	}

	e.publishStepStatus(ctx, child)
	e.metrics.RecordStep(string(models.StepTypeLLMCall), string(models.StepStatusCompleted))
}

// appendAssistant persists the model's turn and, when it carries visible
// content, republishes it on the run's event feed.
func (e *Executor) appendAssistant(ctx context.Context, step *models.Step, resp *llm.CompletionResponse) error {
	var toolCalls json.RawMessage
	if len(resp.ToolCalls) > 0 {
		raw, err := json.Marshal(resp.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolCalls = raw
	}

	msg, err := e.store.Messages.Append(ctx, models.CreateMessageParams{
		StepID:    step.ID,
		OrgID:     step.OrgID,
		Role:      models.MessageRoleAssistant,
		Content:   resp.Content,
		ToolCalls: toolCalls,
	})
	if err != nil {
		return err
	}
	if resp.Content != "" {
		e.publishMessage(ctx, step, msg)
	}
	return nil
}
