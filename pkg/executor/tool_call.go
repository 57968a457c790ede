package executor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
	"github.com/codespin-ai/shaman/pkg/tools"
)

// maxToolResultBytes caps the tool output carried back into the
// conversation. Oversized payloads stay intact on the step record; the
// model sees a truncated copy with a marker.
const maxToolResultBytes = 64 * 1024

// runToolCall drives one tool call end to end: record it, dispatch it
// (or replay a previous delivery's outcome), persist the bookkeeping
// step and TOOL message, and return the conversation entry handed back
// to the model.
func (e *Executor) runToolCall(ctx context.Context, step *models.Step, def *models.AgentDefinition, inv tools.Invocation, call llm.ToolCall) (llm.Message, error) {
	kind := tools.Classify(call.Name)

	// Recording before dispatch makes redelivery observable: the row
	// satisfies the TOOL-message integrity check and, with the child
	// step, tells a later attempt the work already happened.
	if _, err := e.store.Messages.RecordToolCall(ctx, models.CreateToolCallParams{
		ID:             call.ID,
		StepID:         step.ID,
		OrgID:          step.OrgID,
		ToolName:       call.Name,
		Input:          call.Arguments,
		IsPlatformTool: kind == tools.KindPlatform,
		IsAgentCall:    kind == tools.KindAgent,
	}); err != nil {
		return llm.Message{}, err
	}

	result, reused, err := e.reuseOrDispatch(ctx, step, inv, call, kind)
	if err != nil {
		return llm.Message{}, err
	}

	toolStatus := "success"
	if !result.Success {
		toolStatus = "error"
	}
	e.metrics.RecordTool(call.Name, toolStatus)

	// Agent dispatches track their own child step, and a reused outcome
	// already has one; the rest get a TOOL_CALL bookkeeping child here.
	if kind != tools.KindAgent && !reused {
		e.recordToolStep(ctx, step, call, result)
	}

	content := marshalResult(result)
	msg, err := e.store.Messages.Append(ctx, models.CreateMessageParams{
		StepID:     step.ID,
		OrgID:      step.OrgID,
		Role:       models.MessageRoleTool,
		Content:    content,
		ToolCallID: call.ID,
	})
	if err != nil {
		return llm.Message{}, err
	}
	e.publishMessage(ctx, step, msg)

	return llm.Message{
		Role:       models.MessageRoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}, nil
}

// reuseOrDispatch consults the step tree before dispatching: a terminal
// child recorded under this tool call id means a previous delivery
// already did the work, so its outcome is replayed instead of executed
// twice.
func (e *Executor) reuseOrDispatch(ctx context.Context, step *models.Step, inv tools.Invocation, call llm.ToolCall, kind tools.Kind) (*tools.Result, bool, error) {
	if call.ID != "" {
		child, err := e.store.Steps.FindChildByToolCall(ctx, step.OrgID, step.ID, call.ID)
		if err == nil && child.Status.IsTerminal() {
			e.logger.Info("Reusing tool outcome from previous delivery",
				"step_id", step.ID, "tool", call.Name, "child_step_id", child.ID)
			return resultFromStep(child, kind), true, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	inv.ToolCallID = call.ID
	result, err := e.router.Dispatch(ctx, inv, call.Name, call.Arguments)
	return result, false, err
}

// resultFromStep reconstructs a dispatch outcome from a terminal child
// step. TOOL_CALL children store the full result envelope; agent
// children store the call output directly.
func resultFromStep(child *models.Step, kind tools.Kind) *tools.Result {
	switch child.Status {
	case models.StepStatusCompleted:
		if child.Type == models.StepTypeToolCall {
			var res tools.Result
			if json.Unmarshal(child.Output, &res) == nil && res.Kind != "" {
				return &res
			}
		}
		return &tools.Result{Success: true, Output: child.Output, Kind: kind}
	case models.StepStatusCanceled:
		return &tools.Result{Success: false, Error: "canceled", Kind: kind}
	default:
		errMsg := child.Error
		if errMsg == "" {
			errMsg = "failed"
		}
		return &tools.Result{Success: false, Error: errMsg, Kind: kind}
	}
}

// recordToolStep writes the TOOL_CALL child for a platform or external
// dispatch. The step is COMPLETED whenever dispatch produced a result:
// tool-level failures live in the result payload, which the model reads
// and reacts to, and must not fail the run. Past the depth boundary the
// dispatch still ran; only the bookkeeping step is omitted.
func (e *Executor) recordToolStep(ctx context.Context, step *models.Step, call llm.ToolCall, result *tools.Result) {
	if e.maxDepth > 0 && step.Depth+1 > e.maxDepth {
		return
	}

	output, err := json.Marshal(result)
	if err != nil {
		e.logger.Warn("Failed to encode tool result", "step_id", step.ID, "error", err)
		return
	}

	child, err := e.store.Steps.CreateStep(ctx, models.CreateStepParams{
		RunID:        step.RunID,
		OrgID:        step.OrgID,
		ParentStepID: step.ID,
		Type:         models.StepTypeToolCall,
		Status:       models.StepStatusCompleted,
		ToolName:     call.Name,
		ToolCallID:   call.ID,
		Input:        call.Arguments,
		Output:       output,
	})
	if err != nil {
		e.logger.Warn("Failed to record TOOL_CALL step",
			"step_id", step.ID, "tool", call.Name, "error", err)
		return
	}

	e.publishStepStatus(ctx, child)
	e.metrics.RecordStep(string(models.StepTypeToolCall), string(models.StepStatusCompleted))
}

// marshalResult encodes a dispatch result for the TOOL message,
// truncating oversized output. Raw JSON cut at a byte boundary is no
// longer valid JSON, so the truncated copy is re-encoded as a string.
func marshalResult(result *tools.Result) string {
	trimmed := *result
	if len(trimmed.Output) > maxToolResultBytes {
		cut, err := json.Marshal(string(trimmed.Output[:maxToolResultBytes]) + " [truncated]")
		if err == nil {
			trimmed.Output = cut
		}
	}
	raw, err := json.Marshal(&trimmed)
	if err != nil {
		return `{"success":false,"error":"failed to encode tool result","kind":"platform"}`
	}
	return string(raw)
}
