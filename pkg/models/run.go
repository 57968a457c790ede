// Package models defines the core entities shared by the store, scheduler,
// and executor: runs, steps, messages, tool calls, and run data.
package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the internal execution state of a run.
type RunStatus string

const (
	RunStatusSubmitted     RunStatus = "SUBMITTED"
	RunStatusWorking       RunStatus = "WORKING"
	RunStatusInputRequired RunStatus = "INPUT_REQUIRED"
	RunStatusBlocked       RunStatus = "BLOCKED_ON_DEPENDENCY"
	RunStatusCanceling     RunStatus = "CANCELING"
	RunStatusCompleted     RunStatus = "COMPLETED"
	RunStatusFailed        RunStatus = "FAILED"
	RunStatusCanceled      RunStatus = "CANCELED"
	RunStatusRejected      RunStatus = "REJECTED"
)

// IsTerminal reports whether the status is absorbing.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled, RunStatusRejected:
		return true
	}
	return false
}

// Run is one top-level execution owned by an organization.
type Run struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	Status       RunStatus       `json:"status"`
	InitialInput string          `json:"initial_input"`
	AgentName    string          `json:"agent_name"`
	TotalCost    float64         `json:"total_cost"`
	TotalTokens  int             `json:"total_tokens"`
	CreatedBy    string          `json:"created_by,omitempty"`
	TraceID      string          `json:"trace_id"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
}

// CreateRunParams contains fields for creating a new run.
type CreateRunParams struct {
	OrgID        string
	AgentName    string
	InitialInput string
	CreatedBy    string
	TraceID      string
	Metadata     json.RawMessage
}

// RunFilters narrows run listings.
type RunFilters struct {
	Status        RunStatus
	AgentName     string
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// RunListResponse is a paginated run listing.
type RunListResponse struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}
