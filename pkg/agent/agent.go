// Package agent is the A2C-SMCP agent client: it joins an office, calls
// tools on computers through the signaling server, and keeps a tool cache
// fresh by reacting to office notifications.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a2c-smcp/smcp/pkg/sio"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// ErrProtocolMismatch is raised when a response's req_id differs from the
// request's. The payload is never surfaced in that case.
var ErrProtocolMismatch = errors.New("agent: response req_id does not match request")

// ErrNotConnected is returned for requests before Connect.
var ErrNotConnected = errors.New("agent: not connected")

// Config controls an agent's identity and behavior.
type Config struct {
	// Name is the agent's canonical name inside the office.
	Name string
	// OfficeID is the office joined by JoinOffice.
	OfficeID string
	// APIKey authenticates the connection when the server requires it.
	APIKey string

	// DefaultTimeout bounds non-tool requests. Zero means 30s.
	DefaultTimeout time.Duration
	// ToolCallTimeout bounds tool calls without an explicit timeout
	// argument. Zero means 60s.
	ToolCallTimeout time.Duration

	// AutoFetchTools refreshes the tool cache on enter_office,
	// update_config and update_tool_list notifications. Default on.
	AutoFetchTools *bool
	// AutoFetchDesktop fetches the desktop on update_desktop
	// notifications. Default off.
	AutoFetchDesktop bool
}

func (c *Config) defaultTimeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 30 * time.Second
}

func (c *Config) toolCallTimeout() time.Duration {
	if c.ToolCallTimeout > 0 {
		return c.ToolCallTimeout
	}
	return 60 * time.Second
}

func (c *Config) autoFetchTools() bool {
	return c.AutoFetchTools == nil || *c.AutoFetchTools
}

// Handlers are the notification callbacks. Every callback receives the
// live agent so it can issue follow-up requests directly.
type Handlers struct {
	OnComputerEnterOffice func(ctx context.Context, a *Agent, note smcp.OfficeNotification)
	OnComputerLeaveOffice func(ctx context.Context, a *Agent, note smcp.OfficeNotification)
	OnToolsReceived       func(ctx context.Context, a *Agent, computer string, tools []smcp.SMCPTool)
	OnDesktopUpdated      func(ctx context.Context, a *Agent, computer string, desktops []smcp.Desktop)
}

// Agent is the client. Construct with New, then Connect.
type Agent struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu    sync.RWMutex
	conn  *sio.Client
	tools map[string][]smcp.SMCPTool // computer -> cached tool list
}

// New builds an agent.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		tools:    make(map[string][]smcp.SMCPTool),
	}
}

// Connect dials the signaling server and installs notification handlers.
func (a *Agent) Connect(ctx context.Context, url string) error {
	opts := []sio.ClientOption{sio.WithLogger(a.logger)}
	if a.cfg.APIKey != "" {
		opts = append(opts,
			sio.WithHeader("x-api-key", a.cfg.APIKey),
			sio.WithAuth(map[string]string{"api_key": a.cfg.APIKey}))
	}
	conn, err := sio.Dial(ctx, url, smcp.Namespace, opts...)
	if err != nil {
		return err
	}

	conn.On(smcp.NotifyEnterOffice, a.onEnterOffice)
	conn.On(smcp.NotifyLeaveOffice, a.onLeaveOffice)
	conn.On(smcp.NotifyUpdateConfig, a.onComputerUpdate)
	conn.On(smcp.NotifyUpdateToolList, a.onComputerUpdate)
	conn.On(smcp.NotifyUpdateDesktop, a.onUpdateDesktop)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.logger.Info("connected", "url", url)
	return nil
}

// Disconnect drops the connection.
func (a *Agent) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (a *Agent) connection() (*sio.Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil {
		return nil, ErrNotConnected
	}
	return a.conn, nil
}

// CachedTools returns the cached tool list of one computer.
func (a *Agent) CachedTools(computer string) ([]smcp.SMCPTool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tools, ok := a.tools[computer]
	return tools, ok
}

// --- membership ---

// JoinOffice enters the configured office as this agent.
func (a *Agent) JoinOffice(ctx context.Context) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	req := &smcp.EnterOfficeReq{Role: smcp.RoleAgent, Name: a.cfg.Name, OfficeID: a.cfg.OfficeID}
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.defaultTimeout())
	defer cancel()
	reply, err := conn.Call(callCtx, smcp.EventServerJoinOffice, req)
	if err != nil {
		return fmt.Errorf("join office: %w", err)
	}
	var ack smcp.JoinAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return fmt.Errorf("malformed join ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("join office %q rejected: %s", a.cfg.OfficeID, ack.Reason)
	}
	a.logger.Info("joined office", "office", a.cfg.OfficeID)
	return nil
}

// LeaveOffice leaves the configured office.
func (a *Agent) LeaveOffice(ctx context.Context) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	req := &smcp.LeaveOfficeReq{OfficeID: a.cfg.OfficeID}
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.defaultTimeout())
	defer cancel()
	reply, err := conn.Call(callCtx, smcp.EventServerLeaveOffice, req)
	if err != nil {
		return fmt.Errorf("leave office: %w", err)
	}
	var ack smcp.JoinAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return fmt.Errorf("malformed leave ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("leave office %q rejected: %s", a.cfg.OfficeID, ack.Reason)
	}
	return nil
}

// --- requests ---

// call issues an ack-bearing request and enforces req_id correlation plus
// structured error extraction.
func (a *Agent) call(ctx context.Context, event string, reqID string, payload any, timeout time.Duration) (json.RawMessage, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := conn.Call(callCtx, event, payload)
	if err != nil {
		return nil, err
	}
	if detail, ok := smcp.AckError(reply); ok {
		return nil, fmt.Errorf("%s failed: %s (%s)", event, detail.Message, detail.Code)
	}
	var envelope struct {
		ReqID string `json:"req_id"`
	}
	if err := json.Unmarshal(reply, &envelope); err != nil {
		return nil, fmt.Errorf("malformed %s response: %w", event, err)
	}
	if envelope.ReqID != reqID {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrProtocolMismatch, reqID, envelope.ReqID)
	}
	return reply, nil
}

// GetTools fetches a computer's tool list and refreshes the cache.
func (a *Agent) GetTools(ctx context.Context, computer string) ([]smcp.SMCPTool, error) {
	reqID := smcp.NewReqID()
	req := &smcp.GetToolsReq{
		AgentCallData: smcp.AgentCallData{Agent: a.cfg.Name, ReqID: reqID},
		Computer:      computer,
	}
	reply, err := a.call(ctx, smcp.EventClientGetTools, reqID, req, a.cfg.defaultTimeout())
	if err != nil {
		return nil, err
	}
	var ret smcp.GetToolsRet
	if err := json.Unmarshal(reply, &ret); err != nil {
		return nil, fmt.Errorf("malformed get_tools response: %w", err)
	}

	a.mu.Lock()
	a.tools[computer] = ret.Tools
	a.mu.Unlock()
	a.logger.Debug("tools refreshed", "computer", computer, "count", len(ret.Tools))
	return ret.Tools, nil
}

// GetDesktop fetches a computer's desktop view.
func (a *Agent) GetDesktop(ctx context.Context, computer string, size *int, window *string) ([]smcp.Desktop, error) {
	reqID := smcp.NewReqID()
	req := &smcp.GetDesktopReq{
		AgentCallData: smcp.AgentCallData{Agent: a.cfg.Name, ReqID: reqID},
		Computer:      computer,
		DesktopSize:   size,
		Window:        window,
	}
	reply, err := a.call(ctx, smcp.EventClientGetDesktop, reqID, req, a.cfg.defaultTimeout())
	if err != nil {
		return nil, err
	}
	var ret smcp.GetDesktopRet
	if err := json.Unmarshal(reply, &ret); err != nil {
		return nil, fmt.Errorf("malformed get_desktop response: %w", err)
	}
	return ret.Desktops, nil
}

// GetConfig fetches a computer's server configs and input definitions.
func (a *Agent) GetConfig(ctx context.Context, computer string) (*smcp.GetConfigRet, error) {
	reqID := smcp.NewReqID()
	req := &smcp.GetConfigReq{
		AgentCallData: smcp.AgentCallData{Agent: a.cfg.Name, ReqID: reqID},
		Computer:      computer,
	}
	reply, err := a.call(ctx, smcp.EventClientGetConfig, reqID, req, a.cfg.defaultTimeout())
	if err != nil {
		return nil, err
	}
	var ret smcp.GetConfigRet
	if err := json.Unmarshal(reply, &ret); err != nil {
		return nil, fmt.Errorf("malformed get_config response: %w", err)
	}
	return &ret, nil
}

// ListRoom snapshots the sessions of an office.
func (a *Agent) ListRoom(ctx context.Context, officeID string) ([]smcp.SessionInfo, error) {
	reqID := smcp.NewReqID()
	req := &smcp.ListRoomReq{
		AgentCallData: smcp.AgentCallData{Agent: a.cfg.Name, ReqID: reqID},
		OfficeID:      officeID,
	}
	reply, err := a.call(ctx, smcp.EventServerListRoom, reqID, req, a.cfg.defaultTimeout())
	if err != nil {
		return nil, err
	}
	var ret smcp.ListRoomRet
	if err := json.Unmarshal(reply, &ret); err != nil {
		return nil, fmt.Errorf("malformed list_room response: %w", err)
	}
	return ret.Sessions, nil
}

// ToolCall invokes a tool on a computer. timeout is in whole seconds; zero
// falls back to the configured tool-call timeout. On timeout the agent
// emits server:tool_call_cancel and returns a synthesized
// CallToolResult{isError: true} referencing the req_id instead of raising.
// Protocol and transport failures return errors.
func (a *Agent) ToolCall(ctx context.Context, computer, toolName string, params map[string]any, timeout int) (*smcp.CallToolResult, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = int(a.cfg.toolCallTimeout() / time.Second)
	}
	reqID := smcp.NewReqID()
	req := &smcp.ToolCallReq{
		AgentCallData: smcp.AgentCallData{Agent: a.cfg.Name, ReqID: reqID},
		Computer:      computer,
		ToolName:      toolName,
		Params:        params,
		Timeout:       timeout,
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()
	reply, err := conn.Call(callCtx, smcp.EventClientToolCall, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("tool call timed out, cancelling", "tool", toolName, "computer", computer, "req_id", reqID)
			cancelData := &smcp.AgentCallData{Agent: a.cfg.Name, ReqID: reqID}
			if emitErr := conn.Emit(smcp.EventServerToolCallCancel, cancelData); emitErr != nil {
				a.logger.Error("cancel emit failed", "req_id", reqID, "error", emitErr)
			}
			return smcp.NewErrorResult(fmt.Sprintf("tool call timed out, req_id=%s", reqID)), nil
		}
		return nil, err
	}

	var result smcp.CallToolResult
	if err := json.Unmarshal(reply, &result); err != nil {
		return nil, fmt.Errorf("malformed tool_call response: %w", err)
	}
	return &result, nil
}
