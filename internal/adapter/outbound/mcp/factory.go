package mcp

import (
	"fmt"
	"log/slog"

	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// NewClient constructs the transport-appropriate MCP client for a config.
// Adding a transport means adding a variant here; the manager and Computer
// core are unaffected.
func NewClient(cfg *upstream.ServerConfig, logger *slog.Logger, listener outbound.ChangeListener) (outbound.MCPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case upstream.TypeStdio:
		return NewStdioClient(cfg, logger, listener), nil
	case upstream.TypeSSE:
		return NewSSEClient(cfg, logger, listener), nil
	case upstream.TypeStreamableHTTP:
		return NewStreamableHTTPClient(cfg, logger, listener), nil
	default:
		return nil, fmt.Errorf("no client for transport %q", cfg.Type)
	}
}
