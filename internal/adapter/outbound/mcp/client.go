// Package mcp provides MCP client adapters for the Computer's downstream
// servers. All transports share one lifecycle core; variants only differ
// in how they build their transport and tear down its backing resources.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/a2c-smcp/smcp/internal/domain/desktop"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// Errors surfaced by the lifecycle core.
var (
	ErrNotConnected = errors.New("mcp client: not connected")
	ErrShuttingDown = errors.New("mcp client: shutting down")
)

// clientInfo identifies this Computer to downstream MCP servers.
var clientInfo = &sdk.Implementation{Name: "a2c-smcp-computer", Version: "1.0.0"}

// transportFactory builds a fresh transport for one connection attempt.
type transportFactory func(ctx context.Context) (sdk.Transport, error)

// client is the shared lifecycle core behind every transport variant.
type client struct {
	name     string
	logger   *slog.Logger
	listener outbound.ChangeListener

	newTransport transportFactory
	// afterClose runs after the MCP session is closed, with the lifecycle
	// lock NOT held. Stdio uses it to reap the process tree.
	afterClose func(ctx context.Context)

	mu       sync.Mutex
	state    outbound.ClientState
	closing  bool
	session  *sdk.ClientSession
	inflight map[uint64]context.CancelFunc
	nextCall uint64
}

func newClient(name string, logger *slog.Logger, listener outbound.ChangeListener, factory transportFactory) *client {
	return &client{
		name:         name,
		logger:       logger.With("server", name),
		listener:     listener,
		newTransport: factory,
		state:        outbound.StateInitialized,
		inflight:     make(map[uint64]context.CancelFunc),
	}
}

// options wires downstream change notifications through to the manager.
func (c *client) options() *sdk.ClientOptions {
	notify := func(kind outbound.ChangeKind) {
		if c.listener != nil {
			c.listener(c.name, kind)
		}
	}
	return &sdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *sdk.ToolListChangedRequest) {
			notify(outbound.ChangeToolList)
		},
		ResourceListChangedHandler: func(context.Context, *sdk.ResourceListChangedRequest) {
			notify(outbound.ChangeResourceList)
		},
		ResourceUpdatedHandler: func(context.Context, *sdk.ResourceUpdatedNotificationRequest) {
			notify(outbound.ChangeResourceUpdated)
		},
	}
}

// Connect implements outbound.MCPClient.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if c.state == outbound.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	transport, err := c.newTransport(ctx)
	if err != nil {
		c.setState(outbound.StateError)
		return fmt.Errorf("build transport for %s: %w", c.name, err)
	}

	session, err := sdk.NewClient(clientInfo, c.options()).Connect(ctx, transport, nil)
	if err != nil {
		c.setState(outbound.StateError)
		return fmt.Errorf("connect %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = session.Close()
		return ErrShuttingDown
	}
	c.session = session
	c.state = outbound.StateConnected
	c.mu.Unlock()

	c.logger.Info("mcp client connected")
	return nil
}

// Disconnect implements outbound.MCPClient. The sequence is fixed: mark
// closing, cancel in-flight calls, close the session (which closes the
// transport's writer end), then run the variant's afterClose teardown.
func (c *client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	session := c.session
	c.session = nil
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var err error
	if session != nil {
		err = session.Close()
	}
	if c.afterClose != nil {
		c.afterClose(ctx)
	}

	c.mu.Lock()
	c.state = outbound.StateDisconnected
	c.closing = false
	c.mu.Unlock()

	c.logger.Info("mcp client disconnected")
	if err != nil {
		return fmt.Errorf("close %s: %w", c.name, err)
	}
	return nil
}

// State implements outbound.MCPClient.
func (c *client) State() outbound.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) setState(s outbound.ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// acquire returns the live session and registers a cancellable call slot.
func (c *client) acquire(ctx context.Context) (*sdk.ClientSession, context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, nil, nil, ErrShuttingDown
	}
	if c.state != outbound.StateConnected || c.session == nil {
		return nil, nil, nil, ErrNotConnected
	}
	callCtx, cancel := context.WithCancel(ctx)
	id := c.nextCall
	c.nextCall++
	c.inflight[id] = cancel
	release := func() {
		cancel()
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}
	return c.session, callCtx, release, nil
}

// ListTools implements outbound.MCPClient, following pagination cursors.
func (c *client) ListTools(ctx context.Context) ([]*sdk.Tool, error) {
	session, callCtx, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var tools []*sdk.Tool
	var cursor string
	for {
		res, err := session.ListTools(callCtx, &sdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", c.name, err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool implements outbound.MCPClient.
func (c *client) CallTool(ctx context.Context, name string, args map[string]any) (*sdk.CallToolResult, error) {
	session, callCtx, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := session.CallTool(callCtx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, c.name, err)
	}
	return res, nil
}

// ListWindows implements outbound.MCPClient: resources filtered to the
// window:// scheme, pagination followed.
func (c *client) ListWindows(ctx context.Context) ([]*sdk.Resource, error) {
	session, callCtx, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var windows []*sdk.Resource
	var cursor string
	for {
		res, err := session.ListResources(callCtx, &sdk.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list resources on %s: %w", c.name, err)
		}
		for _, r := range res.Resources {
			if desktop.IsWindowURI(r.URI) {
				windows = append(windows, r)
			}
		}
		if res.NextCursor == "" {
			return windows, nil
		}
		cursor = res.NextCursor
	}
}

// ReadWindow implements outbound.MCPClient.
func (c *client) ReadWindow(ctx context.Context, uri string) (*sdk.ReadResourceResult, error) {
	session, callCtx, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := session.ReadResource(callCtx, &sdk.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("read %s on %s: %w", uri, c.name, err)
	}
	return res, nil
}

// SchemaJSON marshals a tool schema to its raw JSON form for the wire.
func SchemaJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
