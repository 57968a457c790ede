// Package store is the tenant-scoped persistence gateway. Every operation
// takes an explicit organization id and includes it as a predicate in both
// reads and writes; a row from another organization is indistinguishable
// from a missing row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store bundles the per-entity services over one database handle.
type Store struct {
	db *sql.DB

	Orgs     *OrganizationService
	APIKeys  *APIKeyService
	Agents   *AgentService
	Runs     *RunService
	Steps    *StepService
	Messages *MessageService
	RunData  *RunDataService
}

// New creates a Store over the given database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:       db,
		Orgs:     &OrganizationService{db: db},
		APIKeys:  &APIKeyService{db: db},
		Agents:   &AgentService{db: db},
		Runs:     &RunService{db: db},
		Steps:    &StepService{db: db},
		Messages: &MessageService{db: db},
		RunData:  &RunDataService{db: db},
	}
}

// DB exposes the underlying handle for subsystems that manage their own
// SQL, such as the queue backend and the event publisher.
func (s *Store) DB() *sql.DB {
	return s.db
}

// writeTimeout is applied to critical writes so an aborted HTTP request
// cannot cancel a state transition halfway through.
const writeTimeout = 5 * time.Second

// writeContext detaches a write from the caller's cancellation while
// keeping a hard upper bound.
func writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), writeTimeout)
}

// nullString converts an optional text column for insertion.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonColumn marshals v for a JSONB column, mapping nil to SQL NULL.
func jsonColumn(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

// marshalColumn marshals an arbitrary value for a JSONB column.
func marshalColumn(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column: %w", err)
	}
	return b, nil
}
