package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventPublisher writes the run-event feed. Persistent events are stored
// in the events table and broadcast via NOTIFY in one transaction;
// transient events are broadcast only.
//
// Each public method accepts a typed payload struct from payloads.go,
// marshals it, and routes it to the run's channel.
type EventPublisher struct {
	db *sql.DB
}

// NewEventPublisher creates an EventPublisher over the given handle,
// normally database.Client.DB().
func NewEventPublisher(db *sql.DB) *EventPublisher {
	return &EventPublisher{db: db}
}

// --- Typed public methods ---

// PublishRunStatus persists and broadcasts a run.status event.
func (p *EventPublisher) PublishRunStatus(ctx context.Context, orgID string, payload RunStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, payload.RunID, orgID, RunChannel(payload.RunID), payloadJSON)
}

// PublishStepStatus persists and broadcasts a step.status event.
func (p *EventPublisher) PublishStepStatus(ctx context.Context, orgID string, payload StepStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal StepStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, payload.RunID, orgID, RunChannel(payload.RunID), payloadJSON)
}

// PublishRunMessage persists and broadcasts a run.message event.
func (p *EventPublisher) PublishRunMessage(ctx context.Context, orgID string, payload RunMessagePayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunMessagePayload: %w", err)
	}
	return p.persistAndNotify(ctx, payload.RunID, orgID, RunChannel(payload.RunID), payloadJSON)
}

// PublishRunArtifact persists and broadcasts a run.artifact event.
func (p *EventPublisher) PublishRunArtifact(ctx context.Context, orgID string, payload RunArtifactPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunArtifactPayload: %w", err)
	}
	return p.persistAndNotify(ctx, payload.RunID, orgID, RunChannel(payload.RunID), payloadJSON)
}

// PublishRunProgress broadcasts a run.progress transient event without
// persisting it. Progress ticks are not replayed to late subscribers.
func (p *EventPublisher) PublishRunProgress(ctx context.Context, payload RunProgressPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunProgressPayload: %w", err)
	}
	return p.notifyOnly(ctx, RunChannel(payload.RunID), payloadJSON)
}

// --- Internal core methods ---

// persistAndNotify persists a pre-marshaled event and broadcasts it via
// NOTIFY in a single transaction (pg_notify is transactional and held
// until COMMIT).
func (p *EventPublisher) persistAndNotify(ctx context.Context, runID, orgID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (run_id, org_id, channel, payload, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		runID, orgID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// The NOTIFY payload carries db_event_id so subscribers can track
	// their catch-up cursor.
	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	// INSERT and NOTIFY land atomically on commit.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}

	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without persistence.
func (p *EventPublisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// --- Internal helpers ---

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for
// NOTIFY delivery and applies truncation if the result exceeds
// PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enrichedBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}

	return truncateIfNeeded(string(enrichedBytes))
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise returns a minimal
// truncation envelope with only routing fields. Persistent events keep
// the full payload in the events table, where the catch-up path reads it.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload creates a minimal truncation envelope from the
// full JSON payload bytes, keeping only the fields a subscriber needs to
// route the event and fetch the complete row.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		RunID     string `json:"run_id"`
		StepID    string `json:"step_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"run_id":    routing.RunID,
		"truncated": true,
	}
	if routing.StepID != "" {
		truncated["step_id"] = routing.StepID
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
