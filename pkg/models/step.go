package models

import (
	"encoding/json"
	"time"
)

// StepType discriminates the nodes of a run's DAG.
type StepType string

const (
	StepTypeAgentExecution StepType = "AGENT_EXECUTION"
	StepTypeLLMCall        StepType = "LLM_CALL"
	StepTypeToolCall       StepType = "TOOL_CALL"
	StepTypeAgentCall      StepType = "AGENT_CALL"
)

// StepStatus is the execution state of a single step.
type StepStatus string

const (
	StepStatusQueued        StepStatus = "QUEUED"
	StepStatusWorking       StepStatus = "WORKING"
	StepStatusInputRequired StepStatus = "INPUT_REQUIRED"
	StepStatusBlocked       StepStatus = "BLOCKED_ON_DEPENDENCY"
	StepStatusCompleted     StepStatus = "COMPLETED"
	StepStatusFailed        StepStatus = "FAILED"
	StepStatusCanceled      StepStatus = "CANCELED"
)

// IsTerminal reports whether the step can no longer transition.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusCanceled:
		return true
	}
	return false
}

// IsActive reports whether the step still counts against run completion.
// INPUT_REQUIRED and BLOCKED_ON_DEPENDENCY park a step without finishing it.
func (s StepStatus) IsActive() bool {
	return !s.IsTerminal()
}

// AgentSource tells where an agent definition came from.
type AgentSource string

const (
	AgentSourceGit         AgentSource = "GIT"
	AgentSourceA2AExternal AgentSource = "A2A_EXTERNAL"
)

// StepMetadata carries per-step bookkeeping that is not worth a column.
// CallStack lists the chain of agent names (root first) that led to this
// step; the executor refuses a dispatch whose target already appears in it.
type StepMetadata struct {
	CallStack    []string `json:"call_stack,omitempty"`
	RemoteTaskID string   `json:"remote_task_id,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Step is one unit of work inside a run.
type Step struct {
	ID               string          `json:"id"`
	RunID            string          `json:"run_id"`
	OrgID            string          `json:"org_id"`
	ParentStepID     *string         `json:"parent_step_id,omitempty"`
	Type             StepType        `json:"type"`
	Status           StepStatus      `json:"status"`
	AgentName        string          `json:"agent_name,omitempty"`
	AgentSource      AgentSource     `json:"agent_source,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	Cost             float64         `json:"cost"`
	Depth            int             `json:"depth"`
	Metadata         StepMetadata    `json:"metadata,omitempty"`
	StartTime        *time.Time      `json:"start_time,omitempty"`
	EndTime          *time.Time      `json:"end_time,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// CreateStepParams contains fields for creating a new step. Depth is
// always derived from the parent, never supplied. Status defaults to
// QUEUED; bookkeeping steps that are born finished (LLM_CALL, TOOL_CALL)
// set a terminal Status with Output or Error so the row never sits in an
// active state the run completion rule would wait on.
type CreateStepParams struct {
	RunID        string
	OrgID        string
	ParentStepID string
	Type         StepType
	Status       StepStatus
	AgentName    string
	AgentSource  AgentSource
	Input        json.RawMessage
	Output       json.RawMessage
	Error        string
	ToolName     string
	ToolCallID   string
	Metadata     StepMetadata
}

// StepFilters narrows step listings.
type StepFilters struct {
	Type   StepType
	Status StepStatus
	Limit  int
	Offset int
}
