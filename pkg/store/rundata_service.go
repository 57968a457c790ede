package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/google/uuid"
)

// RunDataService manages the append-only key/value store agents use to
// share state within a run. Writes never update in place; reads resolve
// duplicate keys latest-first by (created_at, id).
type RunDataService struct {
	db *sql.DB
}

const runDataColumns = `id, run_id, org_id, key, value, created_by_step_id,
	created_by_agent, tags, created_at`

func scanRunData(row rowScanner) (*models.RunData, error) {
	var (
		rd       models.RunData
		stepID   sql.NullString
		value    []byte
		tagsJSON []byte
	)
	err := row.Scan(
		&rd.ID, &rd.RunID, &rd.OrgID, &rd.Key, &value, &stepID,
		&rd.CreatedByAgent, &tagsJSON, &rd.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rd.Value = value
	rd.CreatedByStepID = stepID.String
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &rd.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	return &rd, nil
}

// Write appends one entry. Duplicate keys are allowed by design.
func (s *RunDataService) Write(ctx context.Context, params models.WriteRunDataParams) (*models.RunData, error) {
	if params.OrgID == "" {
		return nil, NewValidationError("org_id", "organization id is required")
	}
	if params.RunID == "" {
		return nil, NewValidationError("run_id", "run id is required")
	}
	if params.Key == "" {
		return nil, NewValidationError("key", "key is required")
	}
	if len(params.Value) == 0 {
		return nil, NewValidationError("value", "value is required")
	}

	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := marshalColumn(tags)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO run_data (id, run_id, org_id, key, value, created_by_step_id, created_by_agent, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+runDataColumns,
		id, params.RunID, params.OrgID, params.Key, []byte(params.Value),
		nullString(params.CreatedByStepID), params.CreatedByAgent, tagsJSON,
	)
	rd, err := scanRunData(row)
	if err != nil {
		return nil, fmt.Errorf("failed to write run data: %w", mapPgError(err))
	}
	return rd, nil
}

// ReadLatest returns the newest entry for a key, or ErrNotFound.
func (s *RunDataService) ReadLatest(ctx context.Context, orgID, runID, key string) (*models.RunData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runDataColumns+` FROM run_data
		 WHERE run_id = $1 AND org_id = $2 AND key = $3
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		runID, orgID, key)
	rd, err := scanRunData(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read run data: %w", err)
	}
	return rd, nil
}

// Query returns entries matching the filter with a total count for
// pagination. Tags are matched conjunctively. Default order is newest
// first; SortDesc=false flips to oldest first.
func (s *RunDataService) Query(ctx context.Context, orgID, runID string, filter models.RunDataFilter) (*models.RunDataPage, error) {
	where := `WHERE run_id = $1 AND org_id = $2`
	args := []any{runID, orgID}

	if filter.Key != "" {
		args = append(args, filter.Key)
		where += fmt.Sprintf(` AND key = $%d`, len(args))
	}
	if filter.KeyStartsWith != "" {
		args = append(args, escapeLike(filter.KeyStartsWith)+"%")
		where += fmt.Sprintf(` AND key LIKE $%d`, len(args))
	}
	if len(filter.Tags) > 0 {
		tagsJSON, err := marshalColumn(filter.Tags)
		if err != nil {
			return nil, err
		}
		args = append(args, tagsJSON)
		where += fmt.Sprintf(` AND tags @> $%d::jsonb`, len(args))
	}

	var totalCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_data `+where, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count run data: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	order := `ORDER BY created_at DESC, id DESC`
	if !filter.SortDesc {
		order = `ORDER BY created_at, id`
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runDataColumns+` FROM run_data `+where+` `+order+
			fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run data: %w", err)
	}
	defer rows.Close()

	data := make([]*models.RunData, 0)
	for rows.Next() {
		rd, err := scanRunData(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run data: %w", err)
		}
		data = append(data, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query run data: %w", err)
	}

	return &models.RunDataPage{
		Data:       data,
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// Delete removes every entry for a key and returns the count. Deletion is
// hard: the platform treats run data as scratch space, not an audit log.
func (s *RunDataService) Delete(ctx context.Context, orgID, runID, key string) (int, error) {
	if key == "" {
		return 0, NewValidationError("key", "key is required")
	}

	writeCtx, cancel := writeContext()
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`DELETE FROM run_data WHERE run_id = $1 AND org_id = $2 AND key = $3`,
		runID, orgID, key)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run data: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete run data: %w", err)
	}
	return int(affected), nil
}

// escapeLike escapes LIKE metacharacters so user prefixes match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
