package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/google/uuid"
)

// StepService manages the step DAG. Depth is assigned here, never by the
// caller: a child's depth is always its parent's depth plus one.
type StepService struct {
	db *sql.DB
}

const stepColumns = `id, run_id, org_id, parent_step_id, step_type, status,
	agent_name, agent_source, input, output, error, tool_name, tool_call_id,
	prompt_tokens, completion_tokens, cost, depth, metadata, start_time,
	end_time, created_at`

func scanStep(row rowScanner) (*models.Step, error) {
	var (
		step        models.Step
		parentID    sql.NullString
		agentName   sql.NullString
		agentSource sql.NullString
		input       []byte
		output      []byte
		errMsg      sql.NullString
		toolName    sql.NullString
		toolCallID  sql.NullString
		metadata    []byte
		startTime   sql.NullTime
		endTime     sql.NullTime
	)
	err := row.Scan(
		&step.ID, &step.RunID, &step.OrgID, &parentID, &step.Type, &step.Status,
		&agentName, &agentSource, &input, &output, &errMsg, &toolName, &toolCallID,
		&step.PromptTokens, &step.CompletionTokens, &step.Cost, &step.Depth,
		&metadata, &startTime, &endTime, &step.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.String
		step.ParentStepID = &p
	}
	step.AgentName = agentName.String
	step.AgentSource = models.AgentSource(agentSource.String)
	step.Input = input
	step.Output = output
	step.Error = errMsg.String
	step.ToolName = toolName.String
	step.ToolCallID = toolCallID.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &step.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode step metadata: %w", err)
		}
	}
	if startTime.Valid {
		t := startTime.Time
		step.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		step.EndTime = &t
	}
	return &step, nil
}

// CreateStep inserts a new step, in QUEUED state unless the params carry
// an explicit status. Terminal-at-birth steps get their start and end
// times in the same insert. When a parent is given the parent row is
// consulted inside the same transaction: the parent must belong to the
// same run, the organizations must match, and the child's depth becomes
// parent depth + 1. Root steps get depth 0.
func (s *StepService) CreateStep(ctx context.Context, params models.CreateStepParams) (*models.Step, error) {
	if params.OrgID == "" {
		return nil, NewValidationError("org_id", "organization id is required")
	}
	if params.RunID == "" {
		return nil, NewValidationError("run_id", "run id is required")
	}
	if params.Type == "" {
		return nil, NewValidationError("type", "step type is required")
	}

	status := params.Status
	if status == "" {
		status = models.StepStatusQueued
	}

	metadata, err := marshalColumn(params.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	depth := 0
	if params.ParentStepID != "" {
		var parentOrg, parentRun string
		var parentDepth int
		err := tx.QueryRowContext(ctx,
			`SELECT org_id, run_id, depth FROM steps WHERE id = $1`,
			params.ParentStepID,
		).Scan(&parentOrg, &parentRun, &parentDepth)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("parent step: %w", ErrNotFound)
			}
			return nil, fmt.Errorf("failed to load parent step: %w", err)
		}
		if parentOrg != params.OrgID {
			return nil, ErrTenantMismatch
		}
		if parentRun != params.RunID {
			return nil, NewValidationError("parent_step_id", "parent belongs to a different run")
		}
		depth = parentDepth + 1
	}

	id := uuid.New().String()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO steps (id, run_id, org_id, parent_step_id, step_type, status,
			agent_name, agent_source, input, output, error, tool_name, tool_call_id,
			depth, metadata, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			CASE WHEN $6 IN ('COMPLETED','FAILED','CANCELED') THEN now() END,
			CASE WHEN $6 IN ('COMPLETED','FAILED','CANCELED') THEN now() END)
		RETURNING `+stepColumns,
		id, params.RunID, params.OrgID, nullString(params.ParentStepID),
		params.Type, status, nullString(params.AgentName),
		nullString(string(params.AgentSource)), jsonColumn(params.Input),
		jsonColumn(params.Output), nullString(params.Error),
		nullString(params.ToolName), nullString(params.ToolCallID), depth, metadata,
	)
	step, err := scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create step: %w", mapPgError(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step creation: %w", err)
	}
	return step, nil
}

// GetStep retrieves a step by id within the organization.
func (s *StepService) GetStep(ctx context.Context, orgID, stepID string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = $1 AND org_id = $2`,
		stepID, orgID)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// ListSteps lists a run's steps in creation order.
func (s *StepService) ListSteps(ctx context.Context, orgID, runID string, filters models.StepFilters) ([]*models.Step, error) {
	where := `WHERE run_id = $1 AND org_id = $2`
	args := []any{runID, orgID}

	if filters.Type != "" {
		args = append(args, filters.Type)
		where += fmt.Sprintf(` AND step_type = $%d`, len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	query := `SELECT ` + stepColumns + ` FROM steps ` + where + ` ORDER BY created_at, id`
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]*models.Step, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// FindChildByToolCall locates the child step a previous delivery of the
// same task may have created, keyed by (parent, tool call id). Used to
// keep redeliveries from duplicating dispatch steps.
func (s *StepService) FindChildByToolCall(ctx context.Context, orgID, parentStepID, toolCallID string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE parent_step_id = $1 AND tool_call_id = $2 AND org_id = $3`,
		parentStepID, toolCallID, orgID)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find child step: %w", err)
	}
	return step, nil
}

// Start moves a step into WORKING. QUEUED steps get a start time; a step
// already WORKING keeps its original start time so orphan-recovered
// redeliveries resume rather than restart the clock. Terminal steps
// return ErrConflict.
func (s *StepService) Start(ctx context.Context, orgID, stepID string) (*models.Step, error) {
	writeCtx, cancel := writeContext()
	defer cancel()

	row := s.db.QueryRowContext(writeCtx, `
		UPDATE steps SET status = 'WORKING', start_time = COALESCE(start_time, now())
		WHERE id = $1 AND org_id = $2
		  AND status IN ('QUEUED','WORKING','INPUT_REQUIRED','BLOCKED_ON_DEPENDENCY')
		RETURNING `+stepColumns,
		stepID, orgID)
	step, err := scanStep(row)
	if err == nil {
		return step, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to start step: %w", err)
	}
	if _, gerr := s.GetStep(ctx, orgID, stepID); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: step is terminal", ErrConflict)
}

// UpdateStatus applies a non-terminal transition such as INPUT_REQUIRED
// or BLOCKED_ON_DEPENDENCY. Terminal steps are absorbing.
func (s *StepService) UpdateStatus(ctx context.Context, orgID, stepID string, status models.StepStatus) error {
	writeCtx, cancel := writeContext()
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE steps SET status = $3
		WHERE id = $1 AND org_id = $2 AND status NOT IN ('COMPLETED','FAILED','CANCELED')`,
		stepID, orgID, status)
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}
	if affected == 0 {
		if _, gerr := s.GetStep(ctx, orgID, stepID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: step is terminal", ErrConflict)
	}
	return nil
}

// AttachRemoteTask records the remote A2A task id behind an externally
// dispatched step. Only the one metadata key is written, so a concurrent
// finish cannot lose it.
func (s *StepService) AttachRemoteTask(ctx context.Context, orgID, stepID, remoteTaskID string) error {
	writeCtx, cancel := writeContext()
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE steps
		SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{remote_task_id}', to_jsonb($3::text))
		WHERE id = $1 AND org_id = $2`,
		stepID, orgID, remoteTaskID)
	if err != nil {
		return fmt.Errorf("failed to attach remote task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to attach remote task: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete finishes a step successfully and records its output.
func (s *StepService) Complete(ctx context.Context, orgID, stepID string, output json.RawMessage, meta models.StepMetadata) error {
	return s.finish(ctx, orgID, stepID, models.StepStatusCompleted, output, "", meta)
}

// Fail finishes a step with an error message.
func (s *StepService) Fail(ctx context.Context, orgID, stepID, errMsg string, meta models.StepMetadata) error {
	return s.finish(ctx, orgID, stepID, models.StepStatusFailed, nil, errMsg, meta)
}

// Cancel finishes a step as CANCELED.
func (s *StepService) Cancel(ctx context.Context, orgID, stepID string) error {
	return s.finish(ctx, orgID, stepID, models.StepStatusCanceled, nil, "", models.StepMetadata{})
}

func (s *StepService) finish(ctx context.Context, orgID, stepID string, status models.StepStatus, output json.RawMessage, errMsg string, meta models.StepMetadata) error {
	writeCtx, cancel := writeContext()
	defer cancel()

	metadata, err := marshalColumn(meta)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE steps SET
			status = $3,
			output = COALESCE($4, output),
			error = CASE WHEN $5 = '' THEN error ELSE $5 END,
			metadata = CASE WHEN $6::jsonb = '{}'::jsonb THEN metadata ELSE $6::jsonb END,
			end_time = now()
		WHERE id = $1 AND org_id = $2 AND status NOT IN ('COMPLETED','FAILED','CANCELED')`,
		stepID, orgID, status, jsonColumn(output), errMsg, metadata)
	if err != nil {
		return fmt.Errorf("failed to finish step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish step: %w", err)
	}
	if affected == 0 {
		if _, gerr := s.GetStep(ctx, orgID, stepID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: step is terminal", ErrConflict)
	}
	return nil
}

// CancelPending cancels every step of the run that no worker owns:
// QUEUED, BLOCKED_ON_DEPENDENCY, and INPUT_REQUIRED ones. WORKING steps
// are left for their workers to cancel cooperatively. Returns the number
// of steps transitioned.
func (s *StepService) CancelPending(ctx context.Context, orgID, runID string) (int, error) {
	writeCtx, cancel := writeContext()
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE steps SET status = 'CANCELED', end_time = now()
		WHERE run_id = $1 AND org_id = $2
		  AND status IN ('QUEUED','BLOCKED_ON_DEPENDENCY','INPUT_REQUIRED')`,
		runID, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending steps: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending steps: %w", err)
	}
	return int(affected), nil
}

// AddUsage accumulates token and cost counters onto the step.
func (s *StepService) AddUsage(ctx context.Context, orgID, stepID string, promptTokens, completionTokens int, cost float64) error {
	writeCtx, cancel := writeContext()
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE steps SET
			prompt_tokens = prompt_tokens + $3,
			completion_tokens = completion_tokens + $4,
			cost = cost + $5
		WHERE id = $1 AND org_id = $2`,
		stepID, orgID, promptTokens, completionTokens, cost)
	if err != nil {
		return fmt.Errorf("failed to add step usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to add step usage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
