package executor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/tools"
)

func TestMarshalResult(t *testing.T) {
	raw := marshalResult(&tools.Result{
		Success: true,
		Output:  json.RawMessage(`{"value":42}`),
		Kind:    tools.KindPlatform,
	})
	assert.JSONEq(t, `{"success":true,"output":{"value":42},"kind":"platform"}`, raw)

	raw = marshalResult(&tools.Result{
		Success: false,
		Error:   "no such key",
		Kind:    tools.KindExternal,
	})
	assert.JSONEq(t, `{"success":false,"error":"no such key","kind":"external"}`, raw)
}

func TestMarshalResult_TruncatesOversizedOutput(t *testing.T) {
	huge, err := json.Marshal(strings.Repeat("x", maxToolResultBytes+512))
	require.NoError(t, err)

	original := &tools.Result{Success: true, Output: huge, Kind: tools.KindExternal}
	raw := marshalResult(original)

	assert.True(t, json.Valid([]byte(raw)), "truncated result must stay valid JSON")
	assert.Contains(t, raw, "[truncated]")
	assert.Less(t, len(raw), len(huge))

	// The caller's result is untouched; only the message copy shrinks.
	assert.Len(t, original.Output, len(huge))
}

func TestResultFromStep(t *testing.T) {
	t.Run("completed tool step replays the stored envelope", func(t *testing.T) {
		child := &models.Step{
			Type:   models.StepTypeToolCall,
			Status: models.StepStatusCompleted,
			Output: json.RawMessage(`{"success":false,"error":"no grant","kind":"external"}`),
		}
		res := resultFromStep(child, tools.KindExternal)
		assert.False(t, res.Success)
		assert.Equal(t, "no grant", res.Error)
		assert.Equal(t, tools.KindExternal, res.Kind)
	})

	t.Run("completed agent step wraps its output", func(t *testing.T) {
		child := &models.Step{
			Type:   models.StepTypeAgentExecution,
			Status: models.StepStatusCompleted,
			Output: json.RawMessage(`{"response":"done"}`),
		}
		res := resultFromStep(child, tools.KindAgent)
		assert.True(t, res.Success)
		assert.JSONEq(t, `{"response":"done"}`, string(res.Output))
		assert.Equal(t, tools.KindAgent, res.Kind)
	})

	t.Run("canceled step", func(t *testing.T) {
		child := &models.Step{Type: models.StepTypeAgentExecution, Status: models.StepStatusCanceled}
		res := resultFromStep(child, tools.KindAgent)
		assert.False(t, res.Success)
		assert.Equal(t, "canceled", res.Error)
	})

	t.Run("failed step without message", func(t *testing.T) {
		child := &models.Step{Type: models.StepTypeToolCall, Status: models.StepStatusFailed}
		res := resultFromStep(child, tools.KindPlatform)
		assert.False(t, res.Success)
		assert.Equal(t, "failed", res.Error)
	})

	t.Run("failed step keeps its error", func(t *testing.T) {
		child := &models.Step{
			Type:   models.StepTypeAgentExecution,
			Status: models.StepStatusFailed,
			Error:  "iteration_limit: agent \"Helper\" did not converge within 10 iterations",
		}
		res := resultFromStep(child, tools.KindAgent)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "iteration_limit")
	})
}
