package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
)

func isPlatformTool(name string) bool {
	switch name {
	case ToolRunDataWrite, ToolRunDataRead, ToolRunDataQuery, ToolRunDataList, ToolRunDataDelete:
		return true
	}
	return false
}

func (r *Router) dispatchPlatform(ctx context.Context, inv Invocation, name string, args json.RawMessage) (*Result, error) {
	if r.runData == nil {
		return errResult(KindPlatform, "platform tools are not available"), nil
	}
	if inv.RunID == "" || inv.OrgID == "" {
		return errResult(KindPlatform, "tool %q requires a run in the execution context", name), nil
	}
	switch name {
	case ToolRunDataWrite:
		return r.runDataWrite(ctx, inv, args)
	case ToolRunDataRead:
		return r.runDataRead(ctx, inv, args)
	case ToolRunDataQuery:
		return r.runDataQuery(ctx, inv, args)
	case ToolRunDataList:
		return r.runDataList(ctx, inv, args)
	case ToolRunDataDelete:
		return r.runDataDelete(ctx, inv, args)
	}
	return errResult(KindPlatform, "unknown platform tool %q", name), nil
}

// storeResult converts store failures into tool errors where the model
// can fix them (validation) and passes everything else up as a step
// failure.
func storeResult(err error) (*Result, error) {
	if store.IsValidationError(err) {
		return errResult(KindPlatform, "%v", err), nil
	}
	return nil, err
}

func (r *Router) runDataWrite(ctx context.Context, inv Invocation, args json.RawMessage) (*Result, error) {
	var p struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
		Tags  []string        `json:"tags"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(KindPlatform, "invalid arguments: %v", err), nil
	}

	// The platform stamps provenance tags on top of whatever the caller
	// supplied so queries can filter by producer.
	tags := append([]string{}, p.Tags...)
	tags = append(tags, "agent:"+inv.AgentName)
	if inv.StepID != "" {
		tags = append(tags, "step:"+inv.StepID)
	}

	rd, err := r.runData.Write(ctx, models.WriteRunDataParams{
		RunID:           inv.RunID,
		OrgID:           inv.OrgID,
		Key:             p.Key,
		Value:           p.Value,
		CreatedByStepID: inv.StepID,
		CreatedByAgent:  inv.AgentName,
		Tags:            tags,
	})
	if err != nil {
		return storeResult(err)
	}
	return okResult(KindPlatform, map[string]string{"id": rd.ID, "key": rd.Key})
}

func (r *Router) runDataRead(ctx context.Context, inv Invocation, args json.RawMessage) (*Result, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(KindPlatform, "invalid arguments: %v", err), nil
	}
	if p.Key == "" {
		return errResult(KindPlatform, "key is required"), nil
	}

	rd, err := r.runData.ReadLatest(ctx, inv.OrgID, inv.RunID, p.Key)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{Success: true, Output: json.RawMessage("null"), Kind: KindPlatform}, nil
	}
	if err != nil {
		return storeResult(err)
	}
	return okResult(KindPlatform, map[string]any{
		"value":      rd.Value,
		"tags":       tagsOrEmpty(rd.Tags),
		"created_at": rd.CreatedAt,
	})
}

func (r *Router) runDataQuery(ctx context.Context, inv Invocation, args json.RawMessage) (*Result, error) {
	var p struct {
		KeyStartsWith string   `json:"keyStartsWith"`
		Tags          []string `json:"tags"`
		Limit         int      `json:"limit"`
		Offset        int      `json:"offset"`
		SortBy        string   `json:"sortBy"`
		SortOrder     string   `json:"sortOrder"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(KindPlatform, "invalid arguments: %v", err), nil
	}
	if p.SortBy != "" && p.SortBy != string(models.RunDataSortCreatedAt) {
		return errResult(KindPlatform, "unsupported sortBy %q", p.SortBy), nil
	}
	switch p.SortOrder {
	case "", "asc", "desc":
	default:
		return errResult(KindPlatform, "sortOrder must be \"asc\" or \"desc\""), nil
	}

	page, err := r.runData.Query(ctx, inv.OrgID, inv.RunID, models.RunDataFilter{
		KeyStartsWith: p.KeyStartsWith,
		Tags:          p.Tags,
		Limit:         p.Limit,
		Offset:        p.Offset,
		SortBy:        models.RunDataSortCreatedAt,
		SortDesc:      p.SortOrder != "asc",
	})
	if err != nil {
		return storeResult(err)
	}
	return okResult(KindPlatform, pageOutput(page))
}

func (r *Router) runDataList(ctx context.Context, inv Invocation, args json.RawMessage) (*Result, error) {
	var p struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(KindPlatform, "invalid arguments: %v", err), nil
	}

	page, err := r.runData.Query(ctx, inv.OrgID, inv.RunID, models.RunDataFilter{
		Limit:    p.Limit,
		Offset:   p.Offset,
		SortBy:   models.RunDataSortCreatedAt,
		SortDesc: true,
	})
	if err != nil {
		return storeResult(err)
	}
	return okResult(KindPlatform, pageOutput(page))
}

func (r *Router) runDataDelete(ctx context.Context, inv Invocation, args json.RawMessage) (*Result, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(KindPlatform, "invalid arguments: %v", err), nil
	}

	n, err := r.runData.Delete(ctx, inv.OrgID, inv.RunID, p.Key)
	if err != nil {
		return storeResult(err)
	}
	return okResult(KindPlatform, map[string]int{"deleted": n})
}

type runDataEntry struct {
	ID             string          `json:"id"`
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
	Tags           []string        `json:"tags"`
	CreatedByAgent string          `json:"created_by_agent,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type pageOut struct {
	Data       []runDataEntry `json:"data"`
	Pagination pagination     `json:"pagination"`
}

type pagination struct {
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

func pageOutput(page *models.RunDataPage) pageOut {
	out := pageOut{
		Data: make([]runDataEntry, 0, len(page.Data)),
		Pagination: pagination{
			TotalCount: page.TotalCount,
			Limit:      page.Limit,
			Offset:     page.Offset,
		},
	}
	for _, rd := range page.Data {
		out.Data = append(out.Data, runDataEntry{
			ID:             rd.ID,
			Key:            rd.Key,
			Value:          rd.Value,
			Tags:           tagsOrEmpty(rd.Tags),
			CreatedByAgent: rd.CreatedByAgent,
			CreatedAt:      rd.CreatedAt,
		})
	}
	return out
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// platformToolDefs are advertised to the model on every invocation. The
// parameter schemas are plain JSON Schema; providers pass them through
// untouched.
var platformToolDefs = []llm.ToolDefinition{
	{
		Name:        ToolRunDataWrite,
		Description: "Store a JSON value under a key in the run's shared memory. Writes append; reads return the newest entry per key.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "Key to store the value under."},
				"value": {"description": "Any JSON value to store."},
				"tags": {"type": "array", "items": {"type": "string"}, "description": "Optional tags for later filtering."}
			},
			"required": ["key", "value"]
		}`),
	},
	{
		Name:        ToolRunDataRead,
		Description: "Read the newest value stored under a key in the run's shared memory. Returns null if the key has never been written.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "Key to read."}
			},
			"required": ["key"]
		}`),
	},
	{
		Name:        ToolRunDataQuery,
		Description: "Query the run's shared memory with filters and pagination.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"keyStartsWith": {"type": "string", "description": "Restrict to keys with this prefix."},
				"tags": {"type": "array", "items": {"type": "string"}, "description": "Entries must carry every listed tag."},
				"limit": {"type": "integer", "description": "Maximum entries to return."},
				"offset": {"type": "integer", "description": "Entries to skip before the first result."},
				"sortBy": {"type": "string", "enum": ["created_at"]},
				"sortOrder": {"type": "string", "enum": ["asc", "desc"], "description": "Defaults to desc (newest first)."}
			}
		}`),
	},
	{
		Name:        ToolRunDataList,
		Description: "List all entries in the run's shared memory, newest first.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "description": "Maximum entries to return."},
				"offset": {"type": "integer", "description": "Entries to skip before the first result."}
			}
		}`),
	},
	{
		Name:        ToolRunDataDelete,
		Description: "Delete every entry stored under a key in the run's shared memory. Returns how many entries were removed.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "Key to delete."}
			},
			"required": ["key"]
		}`),
	},
}

var callAgentDef = llm.ToolDefinition{
	Name:        ToolCallAgent,
	Description: "Call another agent and return its result. With async=true the call returns the child task id immediately instead of waiting.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent": {"type": "string", "description": "Name of the agent to call."},
			"message": {"type": "string", "description": "Instruction or question for the agent."},
			"contextData": {"type": "object", "description": "Optional JSON payload stored into the child's run context."},
			"async": {"type": "boolean", "description": "Return the child task id without waiting for completion."}
		},
		"required": ["agent", "message"]
	}`),
}
