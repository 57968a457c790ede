package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultMaxIterations bounds the agent loop when a definition does not
// set its own limit.
const DefaultMaxIterations = 10

// ContextScope controls how much run memory an agent sees when its
// context is assembled.
type ContextScope string

const (
	// ContextScopeFull injects the whole run-data snapshot.
	ContextScopeFull ContextScope = "FULL"
	// ContextScopeNone injects nothing.
	ContextScopeNone ContextScope = "NONE"
	// ContextScopeSpecific injects only the keys listed in ContextKeys.
	ContextScopeSpecific ContextScope = "SPECIFIC"
)

// MCPServerGrant grants an agent access to tools on one named MCP server.
// AllTools covers every tool the server advertises; otherwise Tools lists
// the allowed names. A grant with neither set denies access while keeping
// the server's position in the routing order.
type MCPServerGrant struct {
	Server   string   `json:"server"`
	AllTools bool     `json:"all_tools,omitempty"`
	Tools    []string `json:"tools,omitempty"`
}

// Allows reports whether the grant covers the given tool name.
func (g MCPServerGrant) Allows(tool string) bool {
	if g.AllTools {
		return true
	}
	for _, t := range g.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// MCPServerGrants is an ordered list of grants. Routing picks the first
// grant that allows a tool, so declaration order is significant.
//
// Two JSON forms decode into it: the canonical array form
// [{"server":"fs","tools":["read"]}] and the frontmatter map form
// {"fs": ["read"], "web": "*", "db": null}, whose key order is preserved.
type MCPServerGrants []MCPServerGrant

// Canonical returns the grants in the array form used for storage,
// never nil so a NOT NULL jsonb column always gets a list.
func (g MCPServerGrants) Canonical() []MCPServerGrant {
	if g == nil {
		return []MCPServerGrant{}
	}
	return []MCPServerGrant(g)
}

// UnmarshalJSON accepts both the array and the map form.
func (g *MCPServerGrants) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("mcp_servers: invalid JSON")
	}
	res := gjson.ParseBytes(data)

	switch {
	case res.Type == gjson.Null:
		*g = nil
		return nil

	case res.IsArray():
		var grants []MCPServerGrant
		if err := json.Unmarshal(data, &grants); err != nil {
			return fmt.Errorf("mcp_servers: %w", err)
		}
		*g = grants
		return nil

	case res.IsObject():
		grants := make([]MCPServerGrant, 0)
		var parseErr error
		res.ForEach(func(key, value gjson.Result) bool {
			grant := MCPServerGrant{Server: key.String()}
			switch {
			case value.Type == gjson.String && value.String() == "*":
				grant.AllTools = true
			case value.IsArray():
				for _, t := range value.Array() {
					grant.Tools = append(grant.Tools, t.String())
				}
			case value.Type == gjson.Null:
				// explicit no-access entry, kept for stable ordering
			default:
				parseErr = fmt.Errorf("mcp_servers[%s]: expected \"*\", a tool list, or null", key.String())
				return false
			}
			grants = append(grants, grant)
			return true
		})
		if parseErr != nil {
			return parseErr
		}
		*g = grants
		return nil

	default:
		return fmt.Errorf("mcp_servers: expected object or array")
	}
}

// AgentDefinition is the resolved configuration for one agent.
type AgentDefinition struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Version       string          `json:"version,omitempty"`
	Source        AgentSource     `json:"source"`
	Endpoint      string          `json:"endpoint,omitempty"`
	Model         string          `json:"model"`
	SystemPrompt  string          `json:"system_prompt"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxIterations int             `json:"max_iterations"`
	ContextScope  ContextScope    `json:"context_scope"`
	ContextKeys   []string        `json:"context_keys,omitempty"`
	MCPServers    MCPServerGrants `json:"mcp_servers"`
	AllowedAgents []string        `json:"allowed_agents"`
	Exposed       bool            `json:"exposed"`
	CreatedAt     time.Time       `json:"created_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
}

// AllowsAgent reports whether this agent may call the named agent.
// An empty list means no restriction; "*" means any agent.
func (d *AgentDefinition) AllowsAgent(name string) bool {
	if len(d.AllowedAgents) == 0 {
		return true
	}
	for _, a := range d.AllowedAgents {
		if a == "*" || a == name {
			return true
		}
	}
	return false
}

// Normalize fills defaults a stored definition may omit.
func (d *AgentDefinition) Normalize() {
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
	if d.ContextScope == "" {
		d.ContextScope = ContextScopeFull
	}
	if d.Source == "" {
		d.Source = AgentSourceGit
	}
}
