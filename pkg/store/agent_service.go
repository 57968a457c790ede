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

// AgentService persists agent definitions. Definitions are keyed by
// (org_id, name); an upsert replaces the whole definition so the table
// always mirrors the latest sync from the agent repository.
type AgentService struct {
	db *sql.DB
}

const agentColumns = `name, description, version, source, endpoint, model,
	system_prompt, temperature, max_iterations, context_scope, context_keys,
	mcp_servers, allowed_agents, exposed, created_at, updated_at`

func scanAgent(row rowScanner) (*models.AgentDefinition, error) {
	var (
		def           models.AgentDefinition
		version       sql.NullString
		endpoint      sql.NullString
		temperature   sql.NullFloat64
		contextKeys   []byte
		mcpServers    []byte
		allowedAgents []byte
	)
	err := row.Scan(
		&def.Name, &def.Description, &version, &def.Source, &endpoint,
		&def.Model, &def.SystemPrompt, &temperature, &def.MaxIterations,
		&def.ContextScope, &contextKeys, &mcpServers, &allowedAgents,
		&def.Exposed, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	def.Version = version.String
	def.Endpoint = endpoint.String
	if temperature.Valid {
		t := temperature.Float64
		def.Temperature = &t
	}
	if len(contextKeys) > 0 {
		if err := json.Unmarshal(contextKeys, &def.ContextKeys); err != nil {
			return nil, fmt.Errorf("failed to decode context_keys: %w", err)
		}
	}
	if len(mcpServers) > 0 {
		if err := json.Unmarshal(mcpServers, &def.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to decode mcp_servers: %w", err)
		}
	}
	if len(allowedAgents) > 0 {
		if err := json.Unmarshal(allowedAgents, &def.AllowedAgents); err != nil {
			return nil, fmt.Errorf("failed to decode allowed_agents: %w", err)
		}
	}
	def.Normalize()
	return &def, nil
}

// Upsert inserts or fully replaces the definition named def.Name.
func (s *AgentService) Upsert(ctx context.Context, orgID string, def *models.AgentDefinition) (*models.AgentDefinition, error) {
	if orgID == "" {
		return nil, NewValidationError("org_id", "organization id is required")
	}
	if def == nil || def.Name == "" {
		return nil, NewValidationError("name", "agent name is required")
	}
	def.Normalize()

	contextKeys, err := marshalColumn(emptyIfNil(def.ContextKeys))
	if err != nil {
		return nil, err
	}
	mcpServers, err := marshalColumn(def.MCPServers.Canonical())
	if err != nil {
		return nil, err
	}
	allowedAgents, err := marshalColumn(emptyIfNil(def.AllowedAgents))
	if err != nil {
		return nil, err
	}

	var temperature sql.NullFloat64
	if def.Temperature != nil {
		temperature = sql.NullFloat64{Float64: *def.Temperature, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, org_id, name, description, version, source, endpoint,
			model, system_prompt, temperature, max_iterations, context_scope,
			context_keys, mcp_servers, allowed_agents, exposed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (org_id, name) DO UPDATE SET
			description    = EXCLUDED.description,
			version        = EXCLUDED.version,
			source         = EXCLUDED.source,
			endpoint       = EXCLUDED.endpoint,
			model          = EXCLUDED.model,
			system_prompt  = EXCLUDED.system_prompt,
			temperature    = EXCLUDED.temperature,
			max_iterations = EXCLUDED.max_iterations,
			context_scope  = EXCLUDED.context_scope,
			context_keys   = EXCLUDED.context_keys,
			mcp_servers    = EXCLUDED.mcp_servers,
			allowed_agents = EXCLUDED.allowed_agents,
			exposed        = EXCLUDED.exposed,
			updated_at     = now()
		RETURNING `+agentColumns,
		uuid.New().String(), orgID, def.Name, def.Description,
		nullString(def.Version), def.Source, nullString(def.Endpoint),
		def.Model, def.SystemPrompt, temperature, def.MaxIterations,
		def.ContextScope, contextKeys, mcpServers, allowedAgents, def.Exposed,
	)
	stored, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert agent: %w", mapPgError(err))
	}
	return stored, nil
}

// GetByName retrieves one agent definition within the organization.
func (s *AgentService) GetByName(ctx context.Context, orgID, name string) (*models.AgentDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE org_id = $1 AND name = $2`,
		orgID, name)
	def, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return def, nil
}

// List returns the organization's agents ordered by name. With
// exposedOnly set it returns only agents published on the public card.
func (s *AgentService) List(ctx context.Context, orgID string, exposedOnly bool) ([]*models.AgentDefinition, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE org_id = $1`
	if exposedOnly {
		query += ` AND exposed = TRUE`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var defs []*models.AgentDefinition
	for rows.Next() {
		def, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Delete removes an agent definition.
func (s *AgentService) Delete(ctx context.Context, orgID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE org_id = $1 AND name = $2`, orgID, name)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
