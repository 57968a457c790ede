package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/google/uuid"
)

// MessageService manages step transcripts and recorded tool calls.
// Sequence numbers are assigned here, inside the insert transaction, so
// they form a gap-free total order per step.
type MessageService struct {
	db *sql.DB
}

const messageColumns = `id, step_id, org_id, role, content, sequence_number,
	tool_call_id, tool_calls, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg        models.Message
		toolCallID sql.NullString
		toolCalls  []byte
	)
	err := row.Scan(
		&msg.ID, &msg.StepID, &msg.OrgID, &msg.Role, &msg.Content,
		&msg.SequenceNumber, &toolCallID, &toolCalls, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.ToolCallID = toolCallID.String
	msg.ToolCalls = toolCalls
	return &msg, nil
}

// Append adds a message to a step's transcript. TOOL messages must
// reference a tool call previously recorded for the same step.
func (s *MessageService) Append(ctx context.Context, params models.CreateMessageParams) (*models.Message, error) {
	if params.OrgID == "" {
		return nil, NewValidationError("org_id", "organization id is required")
	}
	if params.StepID == "" {
		return nil, NewValidationError("step_id", "step id is required")
	}
	switch params.Role {
	case models.MessageRoleSystem, models.MessageRoleUser, models.MessageRoleAssistant, models.MessageRoleTool:
	default:
		return nil, NewValidationError("role", fmt.Sprintf("unknown role %q", params.Role))
	}
	if params.Role == models.MessageRoleTool && params.ToolCallID == "" {
		return nil, NewValidationError("tool_call_id", "TOOL messages must reference a tool call")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The step row anchors tenancy; a cross-org step id is a missing step.
	var stepOrg string
	err = tx.QueryRowContext(ctx, `SELECT org_id FROM steps WHERE id = $1`, params.StepID).Scan(&stepOrg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("step: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load step: %w", err)
	}
	if stepOrg != params.OrgID {
		return nil, ErrTenantMismatch
	}

	if params.Role == models.MessageRoleTool {
		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tool_calls WHERE step_id = $1 AND id = $2)`,
			params.StepID, params.ToolCallID,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check tool call: %w", err)
		}
		if !exists {
			return nil, NewValidationError("tool_call_id",
				fmt.Sprintf("tool call %q was never issued in this step", params.ToolCallID))
		}
	}

	id := uuid.New().String()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, step_id, org_id, role, content, sequence_number, tool_call_id, tool_calls)
		SELECT $1, $2, $3, $4, $5,
			COALESCE((SELECT MAX(sequence_number) FROM messages WHERE step_id = $2), 0) + 1,
			$6, $7
		RETURNING `+messageColumns,
		id, params.StepID, params.OrgID, params.Role, params.Content,
		nullString(params.ToolCallID), jsonColumn(params.ToolCalls),
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", mapPgError(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// ListByStep returns a step's transcript ordered by sequence number.
func (s *MessageService) ListByStep(ctx context.Context, orgID, stepID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE step_id = $1 AND org_id = $2
		 ORDER BY sequence_number`,
		stepID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// RecordToolCall persists a tool call issued inside an assistant message.
// Recording the same (step, id) twice is a no-op so task redeliveries do
// not duplicate rows.
func (s *MessageService) RecordToolCall(ctx context.Context, params models.CreateToolCallParams) (*models.ToolCall, error) {
	if params.OrgID == "" {
		return nil, NewValidationError("org_id", "organization id is required")
	}
	if params.ID == "" {
		return nil, NewValidationError("id", "tool call id is required")
	}
	if params.StepID == "" {
		return nil, NewValidationError("step_id", "step id is required")
	}
	if params.ToolName == "" {
		return nil, NewValidationError("tool_name", "tool name is required")
	}

	writeCtx, cancel := writeContext()
	defer cancel()

	_, err := s.db.ExecContext(writeCtx, `
		INSERT INTO tool_calls (id, step_id, org_id, tool_name, input, is_platform_tool, is_agent_call)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (step_id, id) DO NOTHING`,
		params.ID, params.StepID, params.OrgID, params.ToolName,
		jsonColumn(params.Input), params.IsPlatformTool, params.IsAgentCall)
	if err != nil {
		return nil, fmt.Errorf("failed to record tool call: %w", mapPgError(err))
	}

	return s.GetToolCall(ctx, params.OrgID, params.StepID, params.ID)
}

// GetToolCall retrieves one recorded tool call.
func (s *MessageService) GetToolCall(ctx context.Context, orgID, stepID, id string) (*models.ToolCall, error) {
	var (
		tc    models.ToolCall
		input []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, step_id, org_id, tool_name, input, is_platform_tool, is_agent_call, created_at
		FROM tool_calls WHERE step_id = $1 AND id = $2 AND org_id = $3`,
		stepID, id, orgID,
	).Scan(&tc.ID, &tc.StepID, &tc.OrgID, &tc.ToolName, &input, &tc.IsPlatformTool, &tc.IsAgentCall, &tc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	tc.Input = input
	return &tc, nil
}

// ListToolCalls returns a step's tool calls in issue order.
func (s *MessageService) ListToolCalls(ctx context.Context, orgID, stepID string) ([]*models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_id, org_id, tool_name, input, is_platform_tool, is_agent_call, created_at
		FROM tool_calls WHERE step_id = $1 AND org_id = $2
		ORDER BY created_at, id`,
		stepID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*models.ToolCall, 0)
	for rows.Next() {
		var (
			tc    models.ToolCall
			input []byte
		)
		if err := rows.Scan(&tc.ID, &tc.StepID, &tc.OrgID, &tc.ToolName, &input,
			&tc.IsPlatformTool, &tc.IsAgentCall, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		tc.Input = input
		calls = append(calls, &tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	return calls, nil
}
