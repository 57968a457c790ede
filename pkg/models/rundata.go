package models

import (
	"encoding/json"
	"time"
)

// RunData is one append-only key/value record scoped to a run. Multiple
// entries may share a key; readers decide whether latest wins.
type RunData struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	OrgID           string          `json:"org_id"`
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value"`
	CreatedByStepID string          `json:"created_by_step_id,omitempty"`
	CreatedByAgent  string          `json:"created_by_agent_name,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// WriteRunDataParams contains fields for appending a run-data entry.
type WriteRunDataParams struct {
	RunID           string
	OrgID           string
	Key             string
	Value           json.RawMessage
	CreatedByStepID string
	CreatedByAgent  string
	Tags            []string
}

// RunDataSort names the supported sort columns.
type RunDataSort string

const (
	RunDataSortCreatedAt RunDataSort = "created_at"
)

// RunDataFilter narrows run-data queries. Tags are matched with AND
// semantics; Key and KeyStartsWith are mutually exclusive.
type RunDataFilter struct {
	Key           string
	KeyStartsWith string
	Tags          []string
	Limit         int
	Offset        int
	SortBy        RunDataSort
	SortDesc      bool
}

// RunDataPage is a paginated run-data listing.
type RunDataPage struct {
	Data       []*RunData `json:"data"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}
