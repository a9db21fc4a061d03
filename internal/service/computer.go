package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a2c-smcp/smcp/internal/domain/desktop"
	"github.com/a2c-smcp/smcp/internal/domain/inputs"
	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// Notifier is the Computer's upstream feed: the signaling client
// implements it and relays updates into the office. The Computer holds it
// as a non-owning reference that may be absent or detached at any time;
// emission is silently skipped then.
type Notifier interface {
	NotifyConfigChanged()
	NotifyToolListChanged()
	NotifyDesktopChanged()
}

// Confirmer decides whether a tool call without auto_apply may run. The
// default grants everything; interactive deployments install a prompt.
type Confirmer func(tool string, params map[string]any) bool

// Computer aggregates the MCP fleet, the input subsystem, and the call
// history behind the operations the signaling adapters invoke.
type Computer struct {
	name     string
	logger   *slog.Logger
	manager  *MCPServerManager
	resolver *InputResolver
	history  *ToolCallHistory

	confirmer Confirmer

	mu       sync.Mutex
	notifier Notifier
	inflight map[string]context.CancelFunc // req_id -> cancel
}

// ComputerOption configures a Computer.
type ComputerOption func(*Computer)

// WithConfirmer installs the confirmation hook.
func WithConfirmer(c Confirmer) ComputerOption {
	return func(cp *Computer) { cp.confirmer = c }
}

// NewComputer assembles a Computer and installs its DownstreamChanged as
// the manager's change listener.
func NewComputer(name string, logger *slog.Logger, manager *MCPServerManager, resolver *InputResolver, opts ...ComputerOption) *Computer {
	cp := &Computer{
		name:     name,
		logger:   logger,
		manager:  manager,
		resolver: resolver,
		history:  NewToolCallHistory(DefaultHistorySize),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(cp)
	}
	manager.SetChangeListener(cp.DownstreamChanged)
	return cp
}

// Name returns the computer's protocol name.
func (cp *Computer) Name() string { return cp.name }

// Manager exposes the fleet manager for CLI surfaces.
func (cp *Computer) Manager() *MCPServerManager { return cp.manager }

// Resolver exposes the input resolver for CLI surfaces.
func (cp *Computer) Resolver() *InputResolver { return cp.resolver }

// History exposes the bounded call history.
func (cp *Computer) History() *ToolCallHistory { return cp.history }

// SetNotifier attaches (or with nil detaches) the signaling client.
func (cp *Computer) SetNotifier(n Notifier) {
	cp.mu.Lock()
	cp.notifier = n
	cp.mu.Unlock()
}

func (cp *Computer) currentNotifier() Notifier {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.notifier
}

// DownstreamChanged receives change notifications from the MCP clients and
// relays them upstream. Wire it as the manager's change listener.
func (cp *Computer) DownstreamChanged(server string, kind outbound.ChangeKind) {
	n := cp.currentNotifier()
	if n == nil {
		return
	}
	switch kind {
	case outbound.ChangeToolList:
		n.NotifyToolListChanged()
	case outbound.ChangeResourceList, outbound.ChangeResourceUpdated:
		n.NotifyDesktopChanged()
	}
}

// --- configuration mutations (all emit notify:update_config upstream) ---

// Initialize replaces the full server configuration.
func (cp *Computer) Initialize(ctx context.Context, configs []*upstream.ServerConfig) error {
	if err := cp.manager.Initialize(ctx, configs); err != nil {
		return err
	}
	cp.emitConfigChanged()
	return nil
}

// AddOrUpdateServer installs one server config.
func (cp *Computer) AddOrUpdateServer(ctx context.Context, cfg *upstream.ServerConfig) error {
	if err := cp.manager.AddOrUpdateServer(ctx, cfg); err != nil {
		return err
	}
	cp.emitConfigChanged()
	return nil
}

// RemoveServer drops one server config.
func (cp *Computer) RemoveServer(ctx context.Context, name string) error {
	if err := cp.manager.RemoveServer(ctx, name); err != nil {
		return err
	}
	cp.emitConfigChanged()
	return nil
}

func (cp *Computer) emitConfigChanged() {
	if n := cp.currentNotifier(); n != nil {
		n.NotifyConfigChanged()
	}
}

// Shutdown stops the fleet and cancels every in-flight call.
func (cp *Computer) Shutdown(ctx context.Context) error {
	cp.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(cp.inflight))
	for _, cancel := range cp.inflight {
		cancels = append(cancels, cancel)
	}
	cp.inflight = make(map[string]context.CancelFunc)
	cp.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return cp.manager.Close(ctx)
}

// --- tool calls ---

// ExecuteToolCall runs one client:tool_call request. It never returns a Go
// error: every failure materializes as CallToolResult{IsError: true} so
// the caller can hand it straight back over the bus.
func (cp *Computer) ExecuteToolCall(ctx context.Context, req *smcp.ToolCallReq) *smcp.CallToolResult {
	timeout := time.Duration(req.Timeout) * time.Second

	server, original, err := cp.manager.ValidateToolCall(req.ToolName)
	if err != nil {
		cp.record(req, server, false, err)
		return smcp.NewErrorResult(err.Error())
	}

	if !cp.confirmed(server, original, req.Params) {
		err := fmt.Errorf("tool %q: call rejected by confirmation policy", req.ToolName)
		cp.record(req, server, false, err)
		return smcp.NewErrorResult(err.Error())
	}

	callCtx, cancel := context.WithCancel(ctx)
	cp.mu.Lock()
	cp.inflight[req.ReqID] = cancel
	cp.mu.Unlock()
	defer func() {
		cancel()
		cp.mu.Lock()
		delete(cp.inflight, req.ReqID)
		cp.mu.Unlock()
	}()

	result, err := cp.manager.CallTool(callCtx, server, original, req.Params, timeout)
	switch {
	case err == nil:
		cp.record(req, server, !result.IsError, nil)
		return result
	case errors.Is(err, context.Canceled):
		cp.record(req, server, false, err)
		return smcp.NewErrorResult(fmt.Sprintf("tool call cancelled, req_id=%s", req.ReqID))
	case errors.Is(err, context.DeadlineExceeded):
		cp.record(req, server, false, err)
		return smcp.NewErrorResult(fmt.Sprintf("tool call timed out after %ds, req_id=%s", req.Timeout, req.ReqID))
	default:
		cp.record(req, server, false, err)
		return smcp.NewErrorResult(err.Error())
	}
}

// confirmed consults the confirmation policy. Calls with auto_apply unset
// or true run unprompted.
func (cp *Computer) confirmed(server, tool string, params map[string]any) bool {
	if cp.confirmer == nil {
		return true
	}
	for _, cfg := range cp.manager.ServerConfigs() {
		if cfg.Name != server {
			continue
		}
		meta := cfg.MergedToolMeta(tool)
		if meta != nil && meta.AutoApply != nil && !*meta.AutoApply {
			return cp.confirmer(tool, params)
		}
	}
	return true
}

// CancelToolCall aborts an in-flight call by req_id.
func (cp *Computer) CancelToolCall(reqID string) bool {
	cp.mu.Lock()
	cancel, ok := cp.inflight[reqID]
	cp.mu.Unlock()
	if ok {
		cp.logger.Info("cancelling tool call", "req_id", reqID)
		cancel()
	}
	return ok
}

func (cp *Computer) record(req *smcp.ToolCallReq, server string, success bool, err error) {
	rec := ToolCallRecord{
		Timestamp:  time.Now().UTC(),
		ReqID:      req.ReqID,
		Server:     server,
		Tool:       req.ToolName,
		Parameters: req.Params,
		Success:    success,
	}
	if req.Timeout > 0 {
		t := float64(req.Timeout)
		rec.Timeout = &t
	}
	if err != nil {
		rec.Error = err.Error()
	}
	cp.history.Push(rec)
}

// --- views ---

// AvailableTools returns the aggregated tool surface.
func (cp *Computer) AvailableTools() []smcp.SMCPTool {
	return cp.manager.AvailableTools()
}

// GetDesktop aggregates window resources into the desktop view. A window
// filter restricts the read to one URI; size caps the result.
func (cp *Computer) GetDesktop(ctx context.Context, size *int, window *string) []smcp.Desktop {
	all := cp.manager.ListWindows(ctx)
	if window != nil && *window != "" {
		var filtered []desktop.Window
		for _, w := range all {
			if w.URI == *window {
				filtered = append(filtered, w)
			}
		}
		all = filtered
	}
	return desktop.Organize(all, size, cp.history.RecentServers())
}

// GetConfig snapshots the validated server configs and input definitions
// for client:get_config.
func (cp *Computer) GetConfig() (map[string]json.RawMessage, []json.RawMessage, error) {
	servers := make(map[string]json.RawMessage)
	for _, cfg := range cp.manager.ServerConfigs() {
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("config snapshot: %w", err)
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("config snapshot %s: %w", cfg.Name, err)
		}
		servers[cfg.Name] = raw
	}

	var defs []json.RawMessage
	for _, d := range cp.resolver.Definitions() {
		if err := d.Validate(); err != nil {
			return nil, nil, fmt.Errorf("input snapshot: %w", err)
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, nil, fmt.Errorf("input snapshot %s: %w", d.ID, err)
		}
		defs = append(defs, raw)
	}
	return servers, defs, nil
}

// Definitions exposes the resolver's input definitions.
func (cp *Computer) Definitions() []inputs.Definition {
	return cp.resolver.Definitions()
}
