package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// MCP transport kinds. Streamable HTTP is the default for servers that
// declare a URL; stdio for servers that declare a command.
const (
	MCPTransportHTTP  = "streamable-http"
	MCPTransportStdio = "stdio"
)

// MCPServerConfig describes how to reach one MCP server. Agent
// definitions grant tools by server name; this section maps those names
// to endpoints.
type MCPServerConfig struct {
	// Type is the transport: "streamable-http" or "stdio". Empty is
	// inferred from which endpoint field is set.
	Type string `json:"type,omitempty"`

	// URL is the endpoint of an HTTP server.
	URL string `json:"url,omitempty"`

	// BearerToken is sent as an Authorization header on HTTP transports.
	BearerToken string `json:"bearer_token,omitempty"`

	// Command and Args launch a stdio server as a child process.
	Command string `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Env is extra environment for stdio servers, KEY: VALUE.
	Env map[string]string `json:"env,omitempty"`

	// Timeout bounds a single tool call in seconds. Zero keeps the
	// package default.
	Timeout int `json:"timeout,omitempty"`

	// Masking redacts secrets from this server's tool results before
	// they reach the model or the database. Nil means no masking.
	Masking *MaskingSpec `json:"masking,omitempty"`
}

// MaskingSpec selects which redaction rules apply to a server's tool
// results. Groups and patterns name built-in rules; custom patterns are
// caller-supplied regexes applied on top.
type MaskingSpec struct {
	Enabled        bool                `json:"enabled"`
	PatternGroups  []string            `json:"pattern_groups,omitempty"`
	Patterns       []string            `json:"patterns,omitempty"`
	CustomPatterns []CustomMaskPattern `json:"custom_patterns,omitempty"`
}

// CustomMaskPattern is one caller-supplied regex replacement rule.
type CustomMaskPattern struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description,omitempty"`
}

// normalize infers the transport from the endpoint shape.
func (c *MCPServerConfig) normalize() {
	if c.Type != "" {
		return
	}
	if c.URL != "" {
		c.Type = MCPTransportHTTP
	} else if c.Command != "" {
		c.Type = MCPTransportStdio
	}
}

// validate checks a single server entry.
func (c *MCPServerConfig) validate(name string) error {
	switch c.Type {
	case MCPTransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp server %q: streamable-http transport requires url", name)
		}
	case MCPTransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires command", name)
		}
	case "":
		return fmt.Errorf("mcp server %q: either url or command must be set", name)
	default:
		return fmt.Errorf("mcp server %q: unknown transport %q", name, c.Type)
	}
	return nil
}

// MCPConfig is the registry of reachable MCP servers, keyed by the
// server name agent grants refer to.
type MCPConfig struct {
	Servers map[string]MCPServerConfig
}

// DefaultMCPConfig returns an empty registry.
func DefaultMCPConfig() MCPConfig {
	return MCPConfig{Servers: map[string]MCPServerConfig{}}
}

// Server returns the configuration for a named server.
func (c MCPConfig) Server(name string) (MCPServerConfig, bool) {
	s, ok := c.Servers[name]
	return s, ok
}

// ServerNames returns the configured server names, sorted.
func (c MCPConfig) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no servers are configured.
func (c MCPConfig) Empty() bool {
	return len(c.Servers) == 0
}

// loadMCP parses the MCP_SERVERS environment variable, a JSON object
// keyed by server name:
//
//	{"kubernetes": {"url": "http://mcp-k8s:8080/mcp", "bearer_token": "..."},
//	 "filesystem": {"command": "mcp-fs", "args": ["--root", "/data"]}}
//
// Unlike scalar settings, a malformed value here fails startup: silently
// running without tool servers would strand every agent that grants them.
func loadMCP() (MCPConfig, error) {
	cfg := DefaultMCPConfig()
	raw := os.Getenv("MCP_SERVERS")
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg.Servers); err != nil {
		return cfg, fmt.Errorf("MCP_SERVERS is not a valid JSON object: %w", err)
	}
	for name, server := range cfg.Servers {
		server.normalize()
		cfg.Servers[name] = server
	}
	return cfg, nil
}
