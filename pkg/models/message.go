package models

import (
	"encoding/json"
	"time"
)

// MessageRole identifies the author of a conversation entry.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "SYSTEM"
	MessageRoleUser      MessageRole = "USER"
	MessageRoleAssistant MessageRole = "ASSISTANT"
	MessageRoleTool      MessageRole = "TOOL"
)

// Message is one entry in the conversation backing an AGENT_EXECUTION step.
// SequenceNumber is a strict total order within the step.
type Message struct {
	ID             string          `json:"id"`
	StepID         string          `json:"step_id"`
	OrgID          string          `json:"org_id"`
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	SequenceNumber int             `json:"sequence_number"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolCalls      json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateMessageParams contains fields for appending a message to a step.
// SequenceNumber is assigned by the store.
type CreateMessageParams struct {
	StepID     string
	OrgID      string
	Role       MessageRole
	Content    string
	ToolCallID string
	ToolCalls  json.RawMessage
}

// ToolCall records one tool request issued by the LLM inside an assistant
// message. Exactly one of IsPlatformTool or IsAgentCall is set for
// platform/agent dispatches; both false means an external (MCP) tool.
type ToolCall struct {
	ID             string          `json:"id"`
	StepID         string          `json:"step_id"`
	OrgID          string          `json:"org_id"`
	ToolName       string          `json:"tool_name"`
	Input          json.RawMessage `json:"input,omitempty"`
	IsPlatformTool bool            `json:"is_platform_tool"`
	IsAgentCall    bool            `json:"is_agent_call"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateToolCallParams contains fields for recording a tool call. ID is
// the provider-assigned call id, unique within the step.
type CreateToolCallParams struct {
	ID             string
	StepID         string
	OrgID          string
	ToolName       string
	Input          json.RawMessage
	IsPlatformTool bool
	IsAgentCall    bool
}
