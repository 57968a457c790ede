package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/google/uuid"
)

// RunService manages run lifecycle and the run-level completion rule.
type RunService struct {
	db *sql.DB
}

const runColumns = `id, org_id, status, initial_input, agent_name, total_cost,
	total_tokens, created_by, trace_id, metadata, start_time, end_time, duration_ms`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run        models.Run
		createdBy  sql.NullString
		traceID    sql.NullString
		metadata   []byte
		endTime    sql.NullTime
		durationMS sql.NullInt64
	)
	err := row.Scan(
		&run.ID, &run.OrgID, &run.Status, &run.InitialInput, &run.AgentName,
		&run.TotalCost, &run.TotalTokens, &createdBy, &traceID, &metadata,
		&run.StartTime, &endTime, &durationMS,
	)
	if err != nil {
		return nil, err
	}
	run.CreatedBy = createdBy.String
	run.TraceID = traceID.String
	run.Metadata = metadata
	if endTime.Valid {
		t := endTime.Time
		run.EndTime = &t
	}
	if durationMS.Valid {
		d := durationMS.Int64
		run.DurationMS = &d
	}
	return &run, nil
}

// CreateRun inserts a new run in SUBMITTED state.
func (s *RunService) CreateRun(ctx context.Context, params models.CreateRunParams) (*models.Run, error) {
	if params.OrgID == "" {
		return nil, NewValidationError("org_id", "organization id is required")
	}
	if params.AgentName == "" {
		return nil, NewValidationError("agent_name", "agent name is required")
	}

	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO runs (id, org_id, status, initial_input, agent_name, created_by, trace_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+runColumns,
		id, params.OrgID, models.RunStatusSubmitted, params.InitialInput,
		params.AgentName, nullString(params.CreatedBy), nullString(params.TraceID),
		jsonColumn(params.Metadata),
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", mapPgError(err))
	}
	return run, nil
}

// GetRun retrieves a run by id within the organization.
func (s *RunService) GetRun(ctx context.Context, orgID, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND org_id = $2`,
		runID, orgID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs with filtering and pagination, newest first.
func (s *RunService) ListRuns(ctx context.Context, orgID string, filters models.RunFilters) (*models.RunListResponse, error) {
	where := `WHERE org_id = $1`
	args := []any{orgID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filters.AgentName != "" {
		args = append(args, filters.AgentName)
		where += fmt.Sprintf(` AND agent_name = $%d`, len(args))
	}
	if filters.StartedAfter != nil {
		args = append(args, *filters.StartedAfter)
		where += fmt.Sprintf(` AND start_time >= $%d`, len(args))
	}
	if filters.StartedBefore != nil {
		args = append(args, *filters.StartedBefore)
		where += fmt.Sprintf(` AND start_time < $%d`, len(args))
	}

	var totalCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs `+where, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs `+where+
			fmt.Sprintf(` ORDER BY start_time DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return &models.RunListResponse{
		Runs:       runs,
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateRunStatus transitions a run. Terminal states are absorbing, and a
// CANCELING run only accepts terminal transitions. Forbidden transitions
// return ErrConflict.
func (s *RunService) UpdateRunStatus(ctx context.Context, orgID, runID string, status models.RunStatus) error {
	writeCtx, cancel := writeContext()
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE runs SET
			status = $3,
			end_time = CASE WHEN $3 IN ('COMPLETED','FAILED','CANCELED','REJECTED') THEN now() ELSE end_time END,
			duration_ms = CASE WHEN $3 IN ('COMPLETED','FAILED','CANCELED','REJECTED')
				THEN (EXTRACT(EPOCH FROM (now() - start_time)) * 1000)::bigint ELSE duration_ms END
		WHERE id = $1 AND org_id = $2
		  AND status NOT IN ('COMPLETED','FAILED','CANCELED','REJECTED')
		  AND (status != 'CANCELING' OR $3 IN ('COMPLETED','FAILED','CANCELED','REJECTED'))`,
		runID, orgID, status)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, orgID, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: run is terminal or canceling", ErrConflict)
	}
	return nil
}

// MarkCanceling flips a non-terminal run to CANCELING. Workers observe the
// flag cooperatively at their next loop iteration. A run that is already
// CANCELING is left as-is; a terminal run returns ErrConflict.
func (s *RunService) MarkCanceling(ctx context.Context, orgID, runID string) (*models.Run, error) {
	writeCtx, cancel := writeContext()
	defer cancel()

	row := s.db.QueryRowContext(writeCtx, `
		UPDATE runs SET status = 'CANCELING'
		WHERE id = $1 AND org_id = $2
		  AND status IN ('SUBMITTED','WORKING','INPUT_REQUIRED','BLOCKED_ON_DEPENDENCY','CANCELING')
		RETURNING `+runColumns,
		runID, orgID)
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to mark run canceling: %w", err)
	}
	// Either missing or already terminal; distinguish for the caller.
	if _, gerr := s.GetRun(ctx, orgID, runID); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: run is terminal", ErrConflict)
}

// AddUsage accumulates token and cost totals onto the run.
func (s *RunService) AddUsage(ctx context.Context, orgID, runID string, tokens int, cost float64) error {
	writeCtx, cancel := writeContext()
	defer cancel()

	res, err := s.db.ExecContext(writeCtx, `
		UPDATE runs SET total_tokens = total_tokens + $3, total_cost = total_cost + $4
		WHERE id = $1 AND org_id = $2`,
		runID, orgID, tokens, cost)
	if err != nil {
		return fmt.Errorf("failed to add run usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to add run usage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TryComplete applies the completion rule: once no step of the run is
// active, the run becomes COMPLETED when every step ended COMPLETED or
// CANCELED, CANCELED when the run was CANCELING, and FAILED otherwise.
// end_time and duration are set atomically with the status.
//
// Returns the run and true when this call performed the transition.
func (s *RunService) TryComplete(ctx context.Context, orgID, runID string) (*models.Run, bool, error) {
	writeCtx, cancel := writeContext()
	defer cancel()

	row := s.db.QueryRowContext(writeCtx, `
		WITH stats AS (
			SELECT
				COUNT(*) FILTER (WHERE status IN ('QUEUED','WORKING','INPUT_REQUIRED','BLOCKED_ON_DEPENDENCY')) AS active,
				COUNT(*) FILTER (WHERE status NOT IN ('COMPLETED','CANCELED')) AS not_clean
			FROM steps WHERE run_id = $1 AND org_id = $2
		)
		UPDATE runs r SET
			status = CASE
				WHEN r.status = 'CANCELING' THEN 'CANCELED'
				WHEN stats.not_clean = 0 THEN 'COMPLETED'
				ELSE 'FAILED'
			END,
			end_time = now(),
			duration_ms = (EXTRACT(EPOCH FROM (now() - r.start_time)) * 1000)::bigint
		FROM stats
		WHERE r.id = $1 AND r.org_id = $2
		  AND r.status NOT IN ('COMPLETED','FAILED','CANCELED','REJECTED')
		  AND stats.active = 0
		RETURNING `+prefixColumns("r", runColumns),
		runID, orgID)

	run, err := scanRun(row)
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to complete run: %w", err)
	}

	run, gerr := s.GetRun(ctx, orgID, runID)
	if gerr != nil {
		return nil, false, gerr
	}
	return run, false, nil
}

// PurgeTerminalBefore hard-deletes terminal runs that ended before the
// cutoff. Steps, messages, tool calls, and run data go with them through
// FK cascade. Platform maintenance: spans organizations, touches only
// runs no worker can pick up again.
func (s *RunService) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('COMPLETED','FAILED','CANCELED','REJECTED')
		  AND end_time IS NOT NULL AND end_time < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old runs: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge old runs: %w", err)
	}
	return count, nil
}

// prefixColumns qualifies a comma-separated column list with an alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
