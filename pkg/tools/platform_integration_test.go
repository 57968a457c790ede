package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
	testdb "github.com/codespin-ai/shaman/test/database"
)

func setupPlatformRouter(t *testing.T) (*Router, Invocation) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := testdb.NewTestClient(t)
	st := store.New(client.DB())

	org, err := st.Orgs.CreateOrganization(t.Context(), "tools-test-org")
	require.NoError(t, err)

	run, err := st.Runs.CreateRun(t.Context(), models.CreateRunParams{
		OrgID:        org.ID,
		AgentName:    "DataProcessorAgent",
		InitialInput: "store x then read x",
	})
	require.NoError(t, err)

	step, err := st.Steps.CreateStep(t.Context(), models.CreateStepParams{
		RunID:     run.ID,
		OrgID:     org.ID,
		Type:      models.StepTypeAgentExecution,
		AgentName: "DataProcessorAgent",
		Input:     json.RawMessage(`"store x then read x"`),
	})
	require.NoError(t, err)

	def := &models.AgentDefinition{Name: "DataProcessorAgent", Model: "gpt-4o"}
	def.Normalize()

	inv := Invocation{
		OrgID:     org.ID,
		RunID:     run.ID,
		StepID:    step.ID,
		AgentName: "DataProcessorAgent",
		Agent:     def,
		CallStack: []string{"DataProcessorAgent"},
	}
	return NewRouter(st.RunData, nil, nil, 10), inv
}

func TestPlatform_WriteThenRead(t *testing.T) {
	router, inv := setupPlatformRouter(t)

	res, err := router.Dispatch(t.Context(), inv, ToolRunDataWrite,
		json.RawMessage(`{"key":"x","value":42,"tags":["numeric"]}`))
	require.NoError(t, err)
	require.True(t, res.Success, "write failed: %s", res.Error)
	assert.Equal(t, KindPlatform, res.Kind)

	var wrote struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &wrote))
	assert.NotEmpty(t, wrote.ID)
	assert.Equal(t, "x", wrote.Key)

	res, err = router.Dispatch(t.Context(), inv, ToolRunDataRead,
		json.RawMessage(`{"key":"x"}`))
	require.NoError(t, err)
	require.True(t, res.Success)

	var read struct {
		Value json.RawMessage `json:"value"`
		Tags  []string        `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &read))
	assert.JSONEq(t, `42`, string(read.Value))

	// Caller tags survive and the platform stamps provenance on top.
	assert.Contains(t, read.Tags, "numeric")
	assert.Contains(t, read.Tags, "agent:DataProcessorAgent")
	assert.Contains(t, read.Tags, "step:"+inv.StepID)
}

func TestPlatform_ReadMissingKeyReturnsNull(t *testing.T) {
	router, inv := setupPlatformRouter(t)

	res, err := router.Dispatch(t.Context(), inv, ToolRunDataRead,
		json.RawMessage(`{"key":"never-written"}`))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "null", string(res.Output))
}

func TestPlatform_ReadReturnsLatestWrite(t *testing.T) {
	router, inv := setupPlatformRouter(t)

	for _, raw := range []string{`"first"`, `"second"`, `"third"`} {
		args, _ := json.Marshal(map[string]json.RawMessage{
			"key":   json.RawMessage(`"k"`),
			"value": json.RawMessage(raw),
		})
		res, err := router.Dispatch(t.Context(), inv, ToolRunDataWrite, args)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := router.Dispatch(t.Context(), inv, ToolRunDataRead,
		json.RawMessage(`{"key":"k"}`))
	require.NoError(t, err)
	require.True(t, res.Success)

	var read struct {
		Value json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &read))
	assert.JSONEq(t, `"third"`, string(read.Value))
}

func TestPlatform_QueryAndList(t *testing.T) {
	router, inv := setupPlatformRouter(t)

	seed := []struct {
		key, value string
		tags       string
	}{
		{"order/1", `{"total":10}`, `["order"]`},
		{"order/2", `{"total":20}`, `["order"]`},
		{"customer/1", `{"name":"a"}`, `["customer"]`},
	}
	for _, s := range seed {
		args := json.RawMessage(`{"key":"` + s.key + `","value":` + s.value + `,"tags":` + s.tags + `}`)
		res, err := router.Dispatch(t.Context(), inv, ToolRunDataWrite, args)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := router.Dispatch(t.Context(), inv, ToolRunDataQuery,
		json.RawMessage(`{"keyStartsWith":"order/","sortOrder":"asc"}`))
	require.NoError(t, err)
	require.True(t, res.Success)

	var page struct {
		Data []struct {
			Key string `json:"key"`
		} `json:"data"`
		Pagination struct {
			TotalCount int `json:"total_count"`
			Limit      int `json:"limit"`
			Offset     int `json:"offset"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &page))
	require.Len(t, page.Data, 2)
	assert.Equal(t, "order/1", page.Data[0].Key)
	assert.Equal(t, "order/2", page.Data[1].Key)
	assert.Equal(t, 2, page.Pagination.TotalCount)

	// Tag filter is conjunctive with the prefix filter.
	res, err = router.Dispatch(t.Context(), inv, ToolRunDataQuery,
		json.RawMessage(`{"tags":["customer"]}`))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, json.Unmarshal(res.Output, &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "customer/1", page.Data[0].Key)

	// List returns everything newest-first.
	res, err = router.Dispatch(t.Context(), inv, ToolRunDataList,
		json.RawMessage(`{"limit":2}`))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NoError(t, json.Unmarshal(res.Output, &page))
	assert.Len(t, page.Data, 2)
	assert.Equal(t, 3, page.Pagination.TotalCount)
	assert.Equal(t, 2, page.Pagination.Limit)
}

func TestPlatform_QueryRejectsBadSort(t *testing.T) {
	router, inv := setupPlatformRouter(t)

	res, err := router.Dispatch(t.Context(), inv, ToolRunDataQuery,
		json.RawMessage(`{"sortBy":"key"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported sortBy")

	res, err = router.Dispatch(t.Context(), inv, ToolRunDataQuery,
		json.RawMessage(`{"sortOrder":"upward"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "sortOrder")
}

func TestPlatform_DeleteRemovesAllVersions(t *testing.T) {
	router, inv := setupPlatformRouter(t)

	for range 3 {
		res, err := router.Dispatch(t.Context(), inv, ToolRunDataWrite,
			json.RawMessage(`{"key":"scratch","value":1}`))
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := router.Dispatch(t.Context(), inv, ToolRunDataDelete,
		json.RawMessage(`{"key":"scratch"}`))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"deleted":3}`, string(res.Output))

	res, err = router.Dispatch(t.Context(), inv, ToolRunDataRead,
		json.RawMessage(`{"key":"scratch"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "null", string(res.Output))

	// Deleting again reports zero rows, not an error.
	res, err = router.Dispatch(t.Context(), inv, ToolRunDataDelete,
		json.RawMessage(`{"key":"scratch"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"deleted":0}`, string(res.Output))
}

func TestPlatform_ValidationBecomesToolError(t *testing.T) {
	router, inv := setupPlatformRouter(t)

	// Missing value is a mistake the model can correct, not a step failure.
	res, err := router.Dispatch(t.Context(), inv, ToolRunDataWrite,
		json.RawMessage(`{"key":"x"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "value")

	res, err = router.Dispatch(t.Context(), inv, ToolRunDataDelete,
		json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "key")
}
