// Package outbound defines the outbound port interfaces of the Computer:
// connections to downstream MCP servers and interactive input providers.
package outbound

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientState is the lifecycle state of an MCP client connection.
type ClientState string

const (
	// StateInitialized means the client is constructed but not connected.
	StateInitialized ClientState = "initialized"
	// StateConnected means the MCP session is established.
	StateConnected ClientState = "connected"
	// StateDisconnected means the client was shut down cleanly.
	StateDisconnected ClientState = "disconnected"
	// StateError means the connection failed or dropped.
	StateError ClientState = "error"
)

// MCPClient is the outbound port to one downstream MCP server. Adapters
// implement it per transport (stdio, sse, streamable_http); the manager and
// Computer core never see the transport.
type MCPClient interface {
	// Connect establishes the MCP session. Valid from initialized or
	// disconnected; idempotent while connected.
	Connect(ctx context.Context) error

	// Disconnect tears the session down: in-flight calls are cancelled,
	// subprocess transports terminate their process tree, and all pump
	// goroutines are awaited before it returns.
	Disconnect(ctx context.Context) error

	// State returns the current lifecycle state.
	State() ClientState

	// ListTools returns the server's tool catalogue.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)

	// CallTool invokes one tool. Cancellation of ctx aborts the call
	// best-effort.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// ListWindows returns the server's resources whose URIs use the
	// window:// scheme.
	ListWindows(ctx context.Context) ([]*mcp.Resource, error)

	// ReadWindow reads one window resource.
	ReadWindow(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// ChangeKind classifies downstream change notifications surfaced to the
// Computer core.
type ChangeKind string

const (
	ChangeToolList        ChangeKind = "tool_list"
	ChangeResourceList    ChangeKind = "resource_list"
	ChangeResourceUpdated ChangeKind = "resource_updated"
)

// ChangeListener receives downstream change notifications. The server name
// identifies which client observed the change.
type ChangeListener func(server string, kind ChangeKind)
