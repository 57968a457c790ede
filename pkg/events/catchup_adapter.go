package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventStore adapts the events table to the hub's CatchupQuerier port.
// It reads the same rows EventPublisher writes; no transaction is needed
// because the BIGSERIAL id gives a total order to page over.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore over the given database handle.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// GetEventsSince returns events on a channel with id > sinceID, oldest
// first, capped at limit.
func (s *EventStore) GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]StoredEvent, 0)
	for rows.Next() {
		var (
			id          int64
			payloadJSON []byte
		)
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %d payload: %w", id, err)
		}
		events = append(events, StoredEvent{ID: id, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

// LatestID returns the id of the newest event on a channel, or zero when
// the channel has none. Streams that attach without a resume cursor start
// from here so they relay live events only.
func (s *EventStore) LatestID(ctx context.Context, channel string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM events WHERE channel = $1`, channel).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest event: %w", err)
	}
	return id.Int64, nil
}

// DeleteForRun removes a run's persisted events, used by retention
// cleanup after the run itself is deleted. Returns the count removed.
func (s *EventStore) DeleteForRun(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return affected, nil
}

// CleanupOrphaned removes events older than the cutoff whose run is gone
// or terminal. Events of live runs are kept regardless of age so SSE
// catch-up replay keeps working for long-lived runs.
func (s *EventStore) CleanupOrphaned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events e
		WHERE e.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM runs r
			WHERE r.id = e.run_id
			  AND r.status NOT IN ('COMPLETED','FAILED','CANCELED','REJECTED')
		  )`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup orphaned events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup orphaned events: %w", err)
	}
	return affected, nil
}
