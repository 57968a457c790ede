package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/models"
)

// TestRunChannelPayloads_ContainRunID is a contract test between the
// publisher and the SSE projection layer.
//
// The streaming RPCs route incoming feed events by inspecting type and
// run_id in the JSON payload. ANY payload broadcast on a run channel
// (run:{id}) MUST include a non-empty run_id — otherwise the projection
// silently drops it.
//
// All payload structs embed BasePayload, which guarantees both fields
// exist. This test guards against:
//   - A new payload struct that forgets to embed BasePayload
//   - A call site that forgets to populate BasePayload.RunID
func TestRunChannelPayloads_ContainRunID(t *testing.T) {
	const testRunID = "run-contract-test"

	// Every payload type that flows through RunChannel(runID). If you add
	// a new payload, add it here — the test fails if run_id is missing.
	tests := []struct {
		name    string
		payload any
	}{
		{
			name: "RunStatusPayload",
			payload: RunStatusPayload{
				BasePayload: BasePayload{
					Type:      EventTypeRunStatus,
					RunID:     testRunID,
					Timestamp: "2026-01-01T00:00:00Z",
				},
				Status: models.RunStatusWorking,
			},
		},
		{
			name: "StepStatusPayload",
			payload: StepStatusPayload{
				BasePayload: BasePayload{
					Type:      EventTypeStepStatus,
					RunID:     testRunID,
					Timestamp: "2026-01-01T00:00:00Z",
				},
				StepID:   "step-1",
				StepType: models.StepTypeAgentExecution,
				Status:   models.StepStatusWorking,
			},
		},
		{
			name: "RunMessagePayload",
			payload: RunMessagePayload{
				BasePayload: BasePayload{
					Type:      EventTypeRunMessage,
					RunID:     testRunID,
					Timestamp: "2026-01-01T00:00:00Z",
				},
				StepID:    "step-1",
				MessageID: "msg-1",
				Role:      models.MessageRoleAssistant,
				Content:   "done",
			},
		},
		{
			name: "RunArtifactPayload",
			payload: RunArtifactPayload{
				BasePayload: BasePayload{
					Type:      EventTypeRunArtifact,
					RunID:     testRunID,
					Timestamp: "2026-01-01T00:00:00Z",
				},
				ArtifactID: "art-1",
				Name:       "result",
				Text:       "final answer",
				LastChunk:  true,
			},
		},
		{
			name: "RunProgressPayload",
			payload: RunProgressPayload{
				BasePayload: BasePayload{
					Type:      EventTypeRunProgress,
					RunID:     testRunID,
					Timestamp: "2026-01-01T00:00:00Z",
				},
				StepID:    "step-1",
				AgentName: "triage-agent",
				Iteration: 1,
				Phase:     "thinking",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.payload)
			require.NoError(t, err, "failed to marshal %s", tt.name)

			var parsed map[string]any
			require.NoError(t, json.Unmarshal(data, &parsed), "failed to unmarshal %s", tt.name)

			rid, ok := parsed["run_id"]
			assert.True(t, ok,
				"%s JSON is missing \"run_id\" field — SSE routing will silently drop this event", tt.name)
			assert.Equal(t, testRunID, rid,
				"%s run_id has wrong value", tt.name)

			typ, ok := parsed["type"]
			assert.True(t, ok, "%s JSON is missing \"type\" field", tt.name)
			assert.NotEmpty(t, typ, "%s type must be non-empty", tt.name)
		})
	}
}
