// Package signaling adapts a Computer onto the bus: it answers the
// client:* requests the server forwards, reacts to cancellation
// notifications, and feeds tool/desktop/config changes upstream.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a2c-smcp/smcp/internal/service"
	"github.com/a2c-smcp/smcp/pkg/sio"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// allowedEmits are the only events a Computer may send to the server.
// Anything carrying a notify: or client: prefix is a programmer error and
// is rejected before it reaches the wire.
var allowedEmits = map[string]bool{
	smcp.EventServerJoinOffice:     true,
	smcp.EventServerLeaveOffice:    true,
	smcp.EventServerUpdateConfig:   true,
	smcp.EventServerUpdateToolList: true,
	smcp.EventServerUpdateDesktop:  true,
}

// Client connects one Computer to the signaling server. It holds the
// Computer strongly; the Computer's back-reference is the detachable
// Notifier registration.
type Client struct {
	computer *service.Computer
	logger   *slog.Logger
	conn     *sio.Client

	mu       sync.RWMutex
	officeID string
}

// Option configures a Dial.
type Option func(*dialConfig)

type dialConfig struct {
	apiKey string
	header map[string]string
}

// WithAPIKey sends an api key both as the default header and in the
// connect auth payload.
func WithAPIKey(key string) Option {
	return func(c *dialConfig) { c.apiKey = key }
}

// WithHeader adds an extra header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(c *dialConfig) {
		if c.header == nil {
			c.header = make(map[string]string)
		}
		c.header[key] = value
	}
}

// Dial connects to the server, registers the inbound handlers, and
// attaches itself as the Computer's notifier.
func Dial(ctx context.Context, url string, computer *service.Computer, logger *slog.Logger, opts ...Option) (*Client, error) {
	cfg := &dialConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	sioOpts := []sio.ClientOption{sio.WithLogger(logger)}
	if cfg.apiKey != "" {
		sioOpts = append(sioOpts,
			sio.WithHeader("x-api-key", cfg.apiKey),
			sio.WithAuth(map[string]string{"api_key": cfg.apiKey}))
	}
	for k, v := range cfg.header {
		sioOpts = append(sioOpts, sio.WithHeader(k, v))
	}

	conn, err := sio.Dial(ctx, url, smcp.Namespace, sioOpts...)
	if err != nil {
		return nil, err
	}

	c := &Client{computer: computer, logger: logger, conn: conn}
	conn.On(smcp.EventClientToolCall, c.onToolCall)
	conn.On(smcp.EventClientGetTools, c.onGetTools)
	conn.On(smcp.EventClientGetDesktop, c.onGetDesktop)
	conn.On(smcp.EventClientGetConfig, c.onGetConfig)
	conn.On(smcp.NotifyToolCallCancel, c.onToolCallCancel)

	computer.SetNotifier(c)
	return c, nil
}

// Close detaches from the Computer and drops the connection.
func (c *Client) Close() error {
	c.computer.SetNotifier(nil)
	return c.conn.Close()
}

// OfficeID returns the office the Computer currently occupies, if any.
func (c *Client) OfficeID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.officeID, c.officeID != ""
}

// emit enforces the outbound allow-list.
func (c *Client) emit(event string, v any) error {
	if !allowedEmits[event] {
		panic(fmt.Sprintf("signaling: computer must not emit %q", event))
	}
	return c.conn.Emit(event, v)
}

// JoinOffice enters an office. The local office id is set before the ack
// round-trip so broadcasts arriving mid-join are attributable, and cleared
// again on failure.
func (c *Client) JoinOffice(ctx context.Context, officeID string) error {
	c.mu.Lock()
	c.officeID = officeID
	c.mu.Unlock()

	req := &smcp.EnterOfficeReq{Role: smcp.RoleComputer, Name: c.computer.Name(), OfficeID: officeID}
	reply, err := c.conn.Call(ctx, smcp.EventServerJoinOffice, req)
	if err == nil {
		var ack smcp.JoinAck
		if jsonErr := json.Unmarshal(reply, &ack); jsonErr != nil {
			err = fmt.Errorf("malformed join ack: %w", jsonErr)
		} else if !ack.OK {
			err = fmt.Errorf("join office %q rejected: %s", officeID, ack.Reason)
		}
	}
	if err != nil {
		c.mu.Lock()
		c.officeID = ""
		c.mu.Unlock()
		return err
	}
	c.logger.Info("joined office", "office", officeID)
	return nil
}

// LeaveOffice leaves the current office.
func (c *Client) LeaveOffice(ctx context.Context) error {
	c.mu.Lock()
	officeID := c.officeID
	c.mu.Unlock()
	if officeID == "" {
		return nil
	}

	req := &smcp.LeaveOfficeReq{OfficeID: officeID}
	reply, err := c.conn.Call(ctx, smcp.EventServerLeaveOffice, req)
	if err != nil {
		return err
	}
	var ack smcp.JoinAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return fmt.Errorf("malformed leave ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("leave office %q rejected: %s", officeID, ack.Reason)
	}

	c.mu.Lock()
	c.officeID = ""
	c.mu.Unlock()
	c.logger.Info("left office", "office", officeID)
	return nil
}

// --- service.Notifier (upstream change feeds) ---

// NotifyConfigChanged implements service.Notifier.
func (c *Client) NotifyConfigChanged() { c.notify(smcp.EventServerUpdateConfig) }

// NotifyToolListChanged implements service.Notifier.
func (c *Client) NotifyToolListChanged() { c.notify(smcp.EventServerUpdateToolList) }

// NotifyDesktopChanged implements service.Notifier.
func (c *Client) NotifyDesktopChanged() { c.notify(smcp.EventServerUpdateDesktop) }

// notify emits an update event, but only while joined to an office.
func (c *Client) notify(event string) {
	c.mu.RLock()
	officeID := c.officeID
	c.mu.RUnlock()
	if officeID == "" {
		return
	}
	name := c.computer.Name()
	note := &smcp.OfficeNotification{OfficeID: officeID, Computer: &name}
	if err := c.emit(event, note); err != nil {
		c.logger.Warn("update emit failed", "event", event, "error", err)
	}
}

// --- inbound handlers ---

// assertIdentity checks a forwarded request addresses this computer.
func (c *Client) assertIdentity(computer string) error {
	if computer != c.computer.Name() {
		return fmt.Errorf("request addressed to %q but this computer is %q", computer, c.computer.Name())
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.officeID == "" {
		return fmt.Errorf("computer %q is not in an office", c.computer.Name())
	}
	return nil
}

// onToolCall executes a forwarded tool call. Any failure, including a
// malformed payload, becomes a CallToolResult-shaped ack with isError set.
func (c *Client) onToolCall(ctx context.Context, data json.RawMessage) (any, error) {
	var req smcp.ToolCallReq
	if err := json.Unmarshal(data, &req); err != nil {
		return smcp.NewErrorResult(fmt.Sprintf("malformed tool_call payload: %v", err)), nil
	}
	if err := c.assertIdentity(req.Computer); err != nil {
		return smcp.NewErrorResult(err.Error()), nil
	}
	c.logger.Debug("tool call", "tool", req.ToolName, "req_id", req.ReqID)
	return c.computer.ExecuteToolCall(ctx, &req), nil
}

func (c *Client) onGetTools(ctx context.Context, data json.RawMessage) (any, error) {
	var req smcp.GetToolsReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed get_tools payload: %w", err)
	}
	if err := c.assertIdentity(req.Computer); err != nil {
		return nil, err
	}
	tools := c.computer.AvailableTools()
	if tools == nil {
		tools = []smcp.SMCPTool{}
	}
	return &smcp.GetToolsRet{Tools: tools, ReqID: req.ReqID}, nil
}

func (c *Client) onGetDesktop(ctx context.Context, data json.RawMessage) (any, error) {
	var req smcp.GetDesktopReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed get_desktop payload: %w", err)
	}
	if err := c.assertIdentity(req.Computer); err != nil {
		return nil, err
	}
	desktops := c.computer.GetDesktop(ctx, req.DesktopSize, req.Window)
	if desktops == nil {
		desktops = []smcp.Desktop{}
	}
	return &smcp.GetDesktopRet{Desktops: desktops, ReqID: req.ReqID}, nil
}

func (c *Client) onGetConfig(ctx context.Context, data json.RawMessage) (any, error) {
	var req smcp.GetConfigReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed get_config payload: %w", err)
	}
	if err := c.assertIdentity(req.Computer); err != nil {
		return nil, err
	}
	servers, defs, err := c.computer.GetConfig()
	if err != nil {
		return nil, err
	}
	return &smcp.GetConfigRet{Servers: servers, Inputs: defs, ReqID: req.ReqID}, nil
}

func (c *Client) onToolCallCancel(ctx context.Context, data json.RawMessage) (any, error) {
	var req smcp.AgentCallData
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Warn("malformed cancel payload", "error", err)
		return nil, nil
	}
	if !c.computer.CancelToolCall(req.ReqID) {
		c.logger.Debug("cancel for unknown call", "req_id", req.ReqID)
	}
	return nil, nil
}

var _ service.Notifier = (*Client)(nil)
