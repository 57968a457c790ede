package events

import "github.com/codespin-ai/shaman/pkg/models"

// BasePayload carries the fields every event on a run channel shares.
// Subscribers route on type and run_id and order on db_event_id (injected
// at publish time), so every payload struct embeds it.
type BasePayload struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// RunStatusPayload is the payload for run.status events. Final is set on
// terminal transitions; streaming consumers relay the event and close.
type RunStatusPayload struct {
	BasePayload
	Status models.RunStatus `json:"status"`
	Final  bool             `json:"final"`
}

// StepStatusPayload is the payload for step.status events. One event type
// covers creation and every later transition.
type StepStatusPayload struct {
	BasePayload
	StepID       string            `json:"step_id"`
	ParentStepID string            `json:"parent_step_id,omitempty"` // empty for the root step
	StepType     models.StepType   `json:"step_type"`
	Status       models.StepStatus `json:"status"`
	AgentName    string            `json:"agent_name,omitempty"`
	ToolName     string            `json:"tool_name,omitempty"`
	Error        string            `json:"error,omitempty"` // set on FAILED
}

// RunMessagePayload is the payload for run.message events, published when
// an assistant or tool message lands in a step's conversation.
type RunMessagePayload struct {
	BasePayload
	StepID    string             `json:"step_id"`
	MessageID string             `json:"message_id"`
	Role      models.MessageRole `json:"role"`
	Content   string             `json:"content"`
}

// RunArtifactPayload is the payload for run.artifact events. LastChunk
// mirrors the A2A artifact-update flag; this platform emits whole
// artifacts, so it is always true today.
type RunArtifactPayload struct {
	BasePayload
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name"`
	Text       string `json:"text"`
	LastChunk  bool   `json:"last_chunk"`
}

// RunProgressPayload is the payload for run.progress transient events.
// Published by the executor between iterations; never persisted.
type RunProgressPayload struct {
	BasePayload
	StepID        string `json:"step_id"`
	AgentName     string `json:"agent_name"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Phase         string `json:"phase"` // thinking, calling_tool, waiting_on_agent
}
