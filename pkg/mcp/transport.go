package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/codespin-ai/shaman/pkg/config"
)

// newTransportClient creates an unconnected client for one configured
// server. The caller runs the Start/Initialize handshake.
func newTransportClient(_ context.Context, cfg config.MCPServerConfig) (*client.Client, error) {
	switch cfg.Type {
	case config.MCPTransportStdio:
		cli, err := client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client for %q: %w", cfg.Command, err)
		}
		return cli, nil

	case config.MCPTransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if cfg.BearerToken != "" {
			opts = append(opts, transport.WithHTTPHeaders(map[string]string{
				"Authorization": "Bearer " + cfg.BearerToken,
			}))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, transport.WithHTTPTimeout(time.Duration(cfg.Timeout)*time.Second))
		}
		cli, err := client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client for %q: %w", cfg.URL, err)
		}
		return cli, nil

	default:
		return nil, fmt.Errorf("unsupported transport type: %q", cfg.Type)
	}
}

// envList flattens an env map into the KEY=VALUE slice child processes
// expect.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}
