// Package mcp connects agents to external tool servers over the Model
// Context Protocol. One Invoker serves the whole process: sessions to
// named servers are opened lazily, cached, and recreated after transport
// failures. It implements the ToolInvoker port of pkg/tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codespin-ai/shaman/pkg/config"
	"github.com/codespin-ai/shaman/pkg/llm"
)

// protocolVersion is the MCP revision sent in the initialize handshake.
const protocolVersion = "2024-11-05"

// dialFunc creates an unconnected client for a server configuration.
// Tests swap it for an in-process server.
type dialFunc func(ctx context.Context, cfg config.MCPServerConfig) (*client.Client, error)

// ResultMasker redacts secrets from tool result text before it leaves
// this package. Nil disables masking.
type ResultMasker interface {
	MaskToolResult(content, server string) string
}

// Invoker manages MCP sessions for every configured server.
// Thread-safe: sessions are shared by all workers in the process.
type Invoker struct {
	cfg           config.MCPConfig
	clientName    string
	clientVersion string
	masker        ResultMasker

	mu            sync.RWMutex
	sessions      map[string]*client.Client // server name → connected client
	failedServers map[string]string         // server name → error message

	// Tool cache, populated on first ListTools per server and dropped
	// when its session is recreated.
	toolCache   map[string][]llm.ToolDefinition
	toolCacheMu sync.RWMutex

	// Per-server mutex for session creation to prevent thundering herd.
	reinitMu sync.Map // server name → *sync.Mutex

	dial   dialFunc
	logger *slog.Logger
}

// NewInvoker creates an Invoker over the configured server registry.
// Sessions open lazily on first use; call Initialize to connect eagerly
// at startup.
func NewInvoker(cfg config.MCPConfig, clientName, clientVersion string, masker ResultMasker) *Invoker {
	return &Invoker{
		cfg:           cfg,
		clientName:    clientName,
		clientVersion: clientVersion,
		masker:        masker,
		sessions:      make(map[string]*client.Client),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]llm.ToolDefinition),
		dial:          newTransportClient,
		logger:        slog.Default(),
	}
}

// Initialize connects to all configured servers. Servers that fail are
// recorded and reported by FailedServers; the caller decides whether
// that is fatal (startup validation) or acceptable (degraded mode).
func (c *Invoker) Initialize(ctx context.Context) error {
	for _, server := range c.cfg.ServerNames() {
		if err := c.InitializeServer(ctx, server); err != nil {
			c.mu.Lock()
			c.failedServers[server] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("MCP server failed to initialize",
				"server", server, "error", err)
		}
	}
	return nil
}

// InitializeServer connects to a single server. Returns nil if already
// connected. A per-server mutex serializes concurrent attempts.
func (c *Invoker) InitializeServer(ctx context.Context, server string) error {
	muI, _ := c.reinitMu.LoadOrStore(server, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return c.initializeServerLocked(ctx, server)
}

// initializeServerLocked performs the actual connection and handshake.
// Caller must hold the per-server reinitMu lock.
func (c *Invoker) initializeServerLocked(ctx context.Context, server string) error {
	// Already connected (under the per-server lock, no TOCTOU race)
	c.mu.RLock()
	if _, exists := c.sessions[server]; exists {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	serverCfg, ok := c.cfg.Server(server)
	if !ok {
		return fmt.Errorf("mcp server %q is not configured", server)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	cli, err := c.dial(initCtx, serverCfg)
	if err != nil {
		return err
	}

	if err := cli.Start(initCtx); err != nil {
		_ = cli.Close()
		return fmt.Errorf("failed to start transport for %q: %w", server, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    c.clientName,
		Version: c.clientVersion,
	}
	if _, err := cli.Initialize(initCtx, initReq); err != nil {
		_ = cli.Close()
		return fmt.Errorf("failed to initialize %q: %w", server, err)
	}

	c.mu.Lock()
	c.sessions[server] = cli
	delete(c.failedServers, server)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", server)
	return nil
}

// session returns a connected client for the server, opening one if
// needed.
func (c *Invoker) session(ctx context.Context, server string) (*client.Client, error) {
	c.mu.RLock()
	cli, exists := c.sessions[server]
	c.mu.RUnlock()
	if exists {
		return cli, nil
	}

	if err := c.InitializeServer(ctx, server); err != nil {
		return nil, err
	}

	c.mu.RLock()
	cli, exists = c.sessions[server]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", server)
	}
	return cli, nil
}

// FailedServers returns servers that failed their last initialization
// attempt, keyed to the error message. Used by startup validation and
// the health endpoint.
func (c *Invoker) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	failed := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		failed[k] = v
	}
	return failed
}

// ListTools returns the tools a server advertises, as definitions ready
// to hand to a model. Results are cached per server until the session is
// recreated.
func (c *Invoker) ListTools(ctx context.Context, server string) ([]llm.ToolDefinition, error) {
	// Lock ordering: never acquire c.mu while holding toolCacheMu.
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[server]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	cli, err := c.session(ctx, server)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout(server))
	defer cancel()

	resp, err := cli.ListTools(opCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", server, err)
	}

	defs := make([]llm.ToolDefinition, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encode schema of %q.%s: %w", server, tool.Name, err)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema,
		})
	}

	c.toolCacheMu.Lock()
	c.toolCache[server] = defs
	c.toolCacheMu.Unlock()

	return defs, nil
}

// Invoke executes one tool call. Transport failures get at most one
// retry after a jittered backoff, recreating the session when the error
// class calls for it. A result the server marked as an error comes back
// as a plain error carrying the tool's message.
func (c *Invoker) Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	result, err := c.callOnce(ctx, server, tool, arguments)
	if err != nil {
		action := ClassifyError(err)
		if action == NoRetry {
			return nil, err
		}

		c.logger.Info("MCP call failed, retrying",
			"server", server, "tool", tool, "action", int(action), "error", err)

		backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if action == RetryNewSession {
			if err := c.recreateSession(ctx, server); err != nil {
				return nil, fmt.Errorf("session recreation failed for %q: %w", server, err)
			}
		}

		result, err = c.callOnce(ctx, server, tool, arguments)
		if err != nil {
			return nil, fmt.Errorf("retry failed for %q.%s: %w", server, tool, err)
		}
	}

	c.maskResult(result, server)

	if result.IsError {
		return nil, fmt.Errorf("tool %q failed: %s", tool, textOf(result))
	}
	return flattenResult(result)
}

// maskResult rewrites text content in place when the server has masking
// configured. Error text is masked too: failures quote tool output.
func (c *Invoker) maskResult(result *mcp.CallToolResult, server string) {
	if c.masker == nil || result == nil {
		return
	}
	for i, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			tc.Text = c.masker.MaskToolResult(tc.Text, server)
			result.Content[i] = tc
		}
	}
}

// callOnce performs a single CallTool attempt.
func (c *Invoker) callOnce(ctx context.Context, server, tool string, arguments map[string]any) (*mcp.CallToolResult, error) {
	cli, err := c.session(ctx, server)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout(server))
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments
	return cli.CallTool(opCtx, req)
}

// recreateSession tears down and reopens the session for a server.
// A racing second caller pays one extra recreation, which is acceptable.
func (c *Invoker) recreateSession(ctx context.Context, server string) error {
	muI, _ := c.reinitMu.LoadOrStore(server, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if cli, exists := c.sessions[server]; exists {
		_ = cli.Close()
		delete(c.sessions, server)
	}
	c.mu.Unlock()

	c.InvalidateToolCache(server)

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.initializeServerLocked(reinitCtx, server)
}

// InvalidateToolCache drops the cached tool list for a server.
func (c *Invoker) InvalidateToolCache(server string) {
	c.toolCacheMu.Lock()
	delete(c.toolCache, server)
	c.toolCacheMu.Unlock()
}

// Ping checks that a server's session is alive.
func (c *Invoker) Ping(ctx context.Context, server string) error {
	cli, err := c.session(ctx, server)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	return cli.Ping(pingCtx)
}

// Close shuts down every session.
func (c *Invoker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for server, cli := range c.sessions {
		if err := cli.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", server, err)
		}
	}
	c.sessions = make(map[string]*client.Client)
	return firstErr
}

// opTimeout returns the per-call deadline for a server, preferring its
// configured timeout over the package default.
func (c *Invoker) opTimeout(server string) time.Duration {
	if cfg, ok := c.cfg.Server(server); ok && cfg.Timeout > 0 {
		return time.Duration(cfg.Timeout) * time.Second
	}
	return OperationTimeout
}

// textOf concatenates the text content of a result, for error reporting.
func textOf(result *mcp.CallToolResult) string {
	var out string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	if out == "" {
		return "unknown error"
	}
	return out
}

// flattenResult converts a tool result into the JSON handed back to the
// model. A single text block that already is valid JSON passes through
// untouched; plain text is wrapped as a JSON string; multiple blocks
// become an array. Results without text content marshal verbatim.
func flattenResult(result *mcp.CallToolResult) (json.RawMessage, error) {
	var texts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	switch len(texts) {
	case 0:
		raw, err := json.Marshal(result.Content)
		if err != nil {
			return nil, fmt.Errorf("encode tool content: %w", err)
		}
		return raw, nil
	case 1:
		if json.Valid([]byte(texts[0])) {
			return json.RawMessage(texts[0]), nil
		}
		raw, err := json.Marshal(texts[0])
		if err != nil {
			return nil, fmt.Errorf("encode tool text: %w", err)
		}
		return raw, nil
	default:
		raw, err := json.Marshal(texts)
		if err != nil {
			return nil, fmt.Errorf("encode tool texts: %w", err)
		}
		return raw, nil
	}
}
