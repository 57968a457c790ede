package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codespin-ai/shaman/pkg/llm"
	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/codespin-ai/shaman/pkg/store"
)

// snapshotLimit caps how many run-data entries a FULL snapshot renders.
const snapshotLimit = 1000

// loadConversation returns the step's conversation, rebuilding it from
// the stored transcript when one exists (task redelivery) and assembling
// it fresh otherwise. Fresh assembly persists every message before the
// first model call so a crash never loses the prompt.
func (e *Executor) loadConversation(ctx context.Context, step *models.Step, def *models.AgentDefinition) ([]llm.Message, bool, error) {
	stored, err := e.store.Messages.ListByStep(ctx, step.OrgID, step.ID)
	if err != nil {
		return nil, false, err
	}
	if len(stored) > 0 {
		conv, err := rebuildConversation(stored)
		return conv, true, err
	}
	conv, err := e.assembleConversation(ctx, step, def)
	return conv, false, err
}

// assembleConversation builds the initial message list:
// SYSTEM(system_prompt), then the run-memory snapshot when the agent's
// context scope admits one, then USER(input).
func (e *Executor) assembleConversation(ctx context.Context, step *models.Step, def *models.AgentDefinition) ([]llm.Message, error) {
	conv := make([]llm.Message, 0, 3)
	appendOne := func(role models.MessageRole, content string) error {
		if _, err := e.store.Messages.Append(ctx, models.CreateMessageParams{
			StepID:  step.ID,
			OrgID:   step.OrgID,
			Role:    role,
			Content: content,
		}); err != nil {
			return err
		}
		conv = append(conv, llm.Message{Role: role, Content: content})
		return nil
	}

	if err := appendOne(models.MessageRoleSystem, def.SystemPrompt); err != nil {
		return nil, err
	}

	snapshot, err := e.memorySnapshot(ctx, step, def)
	if err != nil {
		return nil, err
	}
	if snapshot != "" {
		if err := appendOne(models.MessageRoleSystem, snapshot); err != nil {
			return nil, err
		}
	}

	if err := appendOne(models.MessageRoleUser, decodeInput(step.Input)); err != nil {
		return nil, err
	}
	return conv, nil
}

// memorySnapshot renders the run's shared memory as one SYSTEM message,
// one "key: json(value)" line per entry. FULL takes every entry in write
// order, SPECIFIC resolves only the keys the definition lists (missing
// keys are skipped), NONE yields nothing.
func (e *Executor) memorySnapshot(ctx context.Context, step *models.Step, def *models.AgentDefinition) (string, error) {
	var entries []*models.RunData

	switch def.ContextScope {
	case models.ContextScopeNone:
		return "", nil

	case models.ContextScopeSpecific:
		for _, key := range def.ContextKeys {
			rd, err := e.store.RunData.ReadLatest(ctx, step.OrgID, step.RunID, key)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return "", err
			}
			entries = append(entries, rd)
		}

	default: // FULL
		page, err := e.store.RunData.Query(ctx, step.OrgID, step.RunID, models.RunDataFilter{
			Limit:    snapshotLimit,
			SortDesc: false,
		})
		if err != nil {
			return "", err
		}
		entries = page.Data
	}

	if len(entries) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Shared run memory:\n")
	for _, rd := range entries {
		b.WriteString(rd.Key)
		b.WriteString(": ")
		b.Write(rd.Value)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// rebuildConversation reconstructs the provider conversation from the
// persisted transcript.
func rebuildConversation(stored []*models.Message) ([]llm.Message, error) {
	conv := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		m := llm.Message{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.ToolCalls) > 0 {
			if err := json.Unmarshal(msg.ToolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls of message %s: %w", msg.ID, err)
			}
		}
		conv = append(conv, m)
	}
	return conv, nil
}

// pendingToolCalls returns the tool calls of the last assistant message
// that have no TOOL reply yet. Non-empty only when a redelivered task
// died between dispatching tools and recording their results.
func pendingToolCalls(conv []llm.Message) []llm.ToolCall {
	last := -1
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == models.MessageRoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(conv[last].ToolCalls) == 0 {
		return nil
	}

	answered := make(map[string]bool)
	for _, msg := range conv[last+1:] {
		if msg.Role == models.MessageRoleTool {
			answered[msg.ToolCallID] = true
		}
	}

	var pending []llm.ToolCall
	for _, call := range conv[last].ToolCalls {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}

// decodeInput recovers the user text from the step's stored input, which
// the scheduler writes as a JSON-encoded string.
func decodeInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
