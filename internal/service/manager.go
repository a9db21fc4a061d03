package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	celgo "github.com/google/cel-go/cel"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/a2c-smcp/smcp/internal/adapter/outbound/cel"
	"github.com/a2c-smcp/smcp/internal/domain/desktop"
	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// ToolNameDuplicatedError reports an effective tool name exposed by more
// than one active server. It blocks the mutator that would commit the
// conflicting mapping.
type ToolNameDuplicatedError struct {
	ToolName string
	Servers  []string
}

func (e *ToolNameDuplicatedError) Error() string {
	return fmt.Sprintf("tool %q exists in multiple servers: %s; use a tool_meta alias or forbidden_tools to disambiguate",
		e.ToolName, strings.Join(e.Servers, ", "))
}

// Manager errors callers branch on.
var (
	ErrUnknownServer = errors.New("manager: unknown server")
	ErrToolUnknown   = errors.New("manager: tool not found in any active server")
	ErrToolForbidden = errors.New("manager: tool is forbidden by configuration")
	ErrServerActive  = errors.New("manager: server is active; stop it before updating")
)

// ClientFactory builds an MCP client from a rendered config.
type ClientFactory func(cfg *upstream.ServerConfig, logger *slog.Logger, listener outbound.ChangeListener) (outbound.MCPClient, error)

// aliasTarget resolves an alias back to its origin.
type aliasTarget struct {
	server   string
	original string
}

// ServerStatus is one row of the manager's status snapshot.
type ServerStatus struct {
	Name   string
	Active bool
	State  outbound.ClientState
}

// MCPServerManager owns the Computer's client fleet and the aggregated
// tool map. Structural mutations (add/remove/start/stop/remap commit) hold
// one exclusive lock; tool listing and window reads run on snapshots
// without it.
type MCPServerManager struct {
	logger      *slog.Logger
	factory     ClientFactory
	transformer *cel.Transformer
	renderer    *ConfigRender
	resolver    *InputResolver
	listener    outbound.ChangeListener

	mu            sync.Mutex
	serversConfig map[string]*upstream.ServerConfig
	activeClients map[string]outbound.MCPClient
	toolMapping   map[string]string      // effective name -> server
	aliasMapping  map[string]aliasTarget // alias -> (server, original)
	disabledTools map[string]bool
	toolsCache    map[string][]*sdk.Tool // per-server catalogue from last remap
	compiled      map[string]celgo.Program
	autoConnect   bool
	autoReconnect bool
}

// ManagerOption configures a manager.
type ManagerOption func(*MCPServerManager)

// WithAutoConnect makes newly added or initialized servers start
// immediately.
func WithAutoConnect(on bool) ManagerOption {
	return func(m *MCPServerManager) { m.autoConnect = on }
}

// WithAutoReconnect allows add-or-update to restart a running server in
// place.
func WithAutoReconnect(on bool) ManagerOption {
	return func(m *MCPServerManager) { m.autoReconnect = on }
}

// WithClientFactory overrides client construction. For tests.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *MCPServerManager) { m.factory = f }
}

// WithChangeListener forwards downstream change notifications.
func WithChangeListener(l outbound.ChangeListener) ManagerOption {
	return func(m *MCPServerManager) { m.listener = l }
}

// SetChangeListener installs the change listener after construction; the
// Computer aggregate wires itself in this way.
func (m *MCPServerManager) SetChangeListener(l outbound.ChangeListener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// NewMCPServerManager creates an empty manager.
func NewMCPServerManager(logger *slog.Logger, resolver *InputResolver, opts ...ManagerOption) (*MCPServerManager, error) {
	transformer, err := cel.NewTransformer()
	if err != nil {
		return nil, err
	}
	m := &MCPServerManager{
		logger:        logger,
		transformer:   transformer,
		renderer:      NewConfigRender(logger),
		resolver:      resolver,
		serversConfig: make(map[string]*upstream.ServerConfig),
		activeClients: make(map[string]outbound.MCPClient),
		toolMapping:   make(map[string]string),
		aliasMapping:  make(map[string]aliasTarget),
		disabledTools: make(map[string]bool),
		toolsCache:    make(map[string][]*sdk.Tool),
		compiled:      make(map[string]celgo.Program),
		autoReconnect: true,
	}
	m.factory = func(cfg *upstream.ServerConfig, logger *slog.Logger, listener outbound.ChangeListener) (outbound.MCPClient, error) {
		return nil, errors.New("manager: no client factory configured")
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// validateConfig checks a config and compiles its transform expression.
func (m *MCPServerManager) validateConfig(cfg *upstream.ServerConfig) (celgo.Program, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.VRL == "" {
		return nil, nil
	}
	if err := m.transformer.Validate(cfg.VRL); err != nil {
		return nil, fmt.Errorf("server %q: %w", cfg.Name, err)
	}
	prg, err := m.transformer.Compile(cfg.VRL)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", cfg.Name, err)
	}
	return prg, nil
}

// Initialize replaces the whole configuration: all clients stop, the new
// configs install, and (with auto-connect) every enabled server starts.
func (m *MCPServerManager) Initialize(ctx context.Context, configs []*upstream.ServerConfig) error {
	programs := make(map[string]celgo.Program, len(configs))
	for _, cfg := range configs {
		prg, err := m.validateConfig(cfg)
		if err != nil {
			return err
		}
		if prg != nil {
			programs[cfg.Name] = prg
		}
	}

	if err := m.StopAll(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.serversConfig = make(map[string]*upstream.ServerConfig, len(configs))
	m.compiled = programs
	for _, cfg := range configs {
		m.serversConfig[cfg.Name] = cfg.Clone()
	}
	autoConnect := m.autoConnect
	m.mu.Unlock()

	if autoConnect {
		if err := m.StartAll(ctx); err != nil {
			return err
		}
	}
	m.logger.Info("manager initialized", "servers", len(configs))
	return m.refreshToolMapping(ctx)
}

// AddOrUpdateServer installs one config. A running server restarts when
// auto-reconnect permits; a remap conflict rolls everything back to the
// pre-call snapshot.
func (m *MCPServerManager) AddOrUpdateServer(ctx context.Context, cfg *upstream.ServerConfig) error {
	prg, err := m.validateConfig(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prevCfg := m.serversConfig[cfg.Name]
	prevProgram, hadProgram := m.compiled[cfg.Name]
	_, wasActive := m.activeClients[cfg.Name]
	autoReconnect, autoConnect := m.autoReconnect, m.autoConnect
	m.mu.Unlock()

	if wasActive && !autoReconnect {
		return fmt.Errorf("%w: %s", ErrServerActive, cfg.Name)
	}
	if wasActive {
		if err := m.StopClient(ctx, cfg.Name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.serversConfig[cfg.Name] = cfg.Clone()
	if prg != nil {
		m.compiled[cfg.Name] = prg
	} else {
		delete(m.compiled, cfg.Name)
	}
	m.mu.Unlock()

	start := (wasActive || autoConnect) && !cfg.Disabled
	var startErr error
	if start {
		startErr = m.StartClient(ctx, cfg.Name)
	}
	refreshErr := m.refreshToolMapping(ctx)

	if startErr == nil && refreshErr == nil {
		return nil
	}

	// Roll back: remove the new server, restore the previous config and,
	// when it was running before, its client.
	_ = m.StopClient(ctx, cfg.Name)
	m.mu.Lock()
	if prevCfg != nil {
		m.serversConfig[cfg.Name] = prevCfg
	} else {
		delete(m.serversConfig, cfg.Name)
	}
	if hadProgram {
		m.compiled[cfg.Name] = prevProgram
	} else {
		delete(m.compiled, cfg.Name)
	}
	m.mu.Unlock()
	if prevCfg != nil && wasActive {
		if err := m.StartClient(ctx, cfg.Name); err != nil {
			m.logger.Error("rollback restart failed", "server", cfg.Name, "error", err)
		}
	}
	if err := m.refreshToolMapping(ctx); err != nil {
		m.logger.Error("rollback remap failed", "server", cfg.Name, "error", err)
	}

	if startErr != nil {
		return startErr
	}
	return refreshErr
}

// RemoveServer stops a server and drops its config.
func (m *MCPServerManager) RemoveServer(ctx context.Context, name string) error {
	if err := m.StopClient(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.serversConfig, name)
	delete(m.compiled, name)
	m.mu.Unlock()
	return m.refreshToolMapping(ctx)
}

// StartAll starts every enabled server.
func (m *MCPServerManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	var names []string
	for name, cfg := range m.serversConfig {
		if !cfg.Disabled {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if err := m.StartClient(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StartClient starts one server's client and refreshes the tool map.
// Starting an already-started server is a no-op.
func (m *MCPServerManager) StartClient(ctx context.Context, name string) error {
	m.mu.Lock()
	cfg, ok := m.serversConfig[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if cfg.Disabled {
		m.mu.Unlock()
		return fmt.Errorf("manager: cannot start disabled server %s", name)
	}
	if _, running := m.activeClients[name]; running {
		m.mu.Unlock()
		return nil
	}
	cfg = cfg.Clone()
	listener := m.listener
	m.mu.Unlock()

	rendered, err := m.renderConfig(ctx, cfg)
	if err != nil {
		return err
	}
	client, err := m.factory(rendered, m.logger, listener)
	if err != nil {
		return fmt.Errorf("build client %s: %w", name, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}

	m.mu.Lock()
	m.activeClients[name] = client
	m.mu.Unlock()

	m.logger.Info("client started", "server", name)
	return m.refreshToolMapping(ctx)
}

// StopClient disconnects one server's client. Unknown or stopped servers
// are a no-op.
func (m *MCPServerManager) StopClient(ctx context.Context, name string) error {
	m.mu.Lock()
	client, ok := m.activeClients[name]
	delete(m.activeClients, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect %s: %w", name, err)
	}
	m.logger.Info("client stopped", "server", name)
	return m.refreshToolMapping(ctx)
}

// StopAll disconnects every client.
func (m *MCPServerManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	clients := make(map[string]outbound.MCPClient, len(m.activeClients))
	for name, c := range m.activeClients {
		clients[name] = c
	}
	m.activeClients = make(map[string]outbound.MCPClient)
	m.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
		}
	}
	if len(clients) > 0 {
		if err := m.refreshToolMapping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops everything and clears all state.
func (m *MCPServerManager) Close(ctx context.Context) error {
	err := m.StopAll(ctx)
	m.mu.Lock()
	m.serversConfig = make(map[string]*upstream.ServerConfig)
	m.toolMapping = make(map[string]string)
	m.aliasMapping = make(map[string]aliasTarget)
	m.disabledTools = make(map[string]bool)
	m.toolsCache = make(map[string][]*sdk.Tool)
	m.compiled = make(map[string]celgo.Program)
	m.mu.Unlock()
	return err
}

// renderConfig substitutes ${input:<id>} placeholders right before a
// client is constructed; the stored config keeps its placeholders.
func (m *MCPServerManager) renderConfig(ctx context.Context, cfg *upstream.ServerConfig) (*upstream.ServerConfig, error) {
	if m.resolver == nil {
		return cfg, nil
	}
	doc, err := cfg.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", cfg.Name, err)
	}
	rendered, err := m.renderer.Render(ctx, any(doc), m.resolver)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", cfg.Name, err)
	}
	obj, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("render %s: rendered form is not an object", cfg.Name)
	}
	out, err := upstream.FromJSON(obj)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", cfg.Name, err)
	}
	return out, nil
}

// refreshToolMapping rebuilds the aggregated tool map from the active
// clients. Tool listing happens on a snapshot without the lock; the new
// maps commit atomically, or not at all on a name conflict.
func (m *MCPServerManager) refreshToolMapping(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make(map[string]outbound.MCPClient, len(m.activeClients))
	for name, c := range m.activeClients {
		snapshot[name] = c
	}
	configs := make(map[string]*upstream.ServerConfig, len(m.serversConfig))
	for name, cfg := range m.serversConfig {
		configs[name] = cfg
	}
	m.mu.Unlock()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	newMapping := make(map[string]string)
	newAliases := make(map[string]aliasTarget)
	newDisabled := make(map[string]bool)
	newCache := make(map[string][]*sdk.Tool)
	sources := make(map[string][]string)

	for _, server := range names {
		cfg := configs[server]
		if cfg == nil || cfg.Disabled {
			continue
		}
		tools, err := snapshot[server].ListTools(ctx)
		if err != nil {
			m.logger.Error("listing tools failed", "server", server, "error", err)
			continue
		}
		newCache[server] = tools

		for _, t := range tools {
			effective := t.Name
			if meta := cfg.MergedToolMeta(t.Name); meta != nil && meta.Alias != nil && *meta.Alias != "" {
				effective = *meta.Alias
			}
			// forbidden_tools filters on both the original and the alias.
			if cfg.IsForbidden(t.Name) || cfg.IsForbidden(effective) {
				newDisabled[effective] = true
				continue
			}
			if effective != t.Name {
				newAliases[effective] = aliasTarget{server: server, original: t.Name}
			}
			sources[effective] = append(sources[effective], server)
		}
	}

	for tool, servers := range sources {
		if len(servers) > 1 {
			sort.Strings(servers)
			return &ToolNameDuplicatedError{ToolName: tool, Servers: servers}
		}
		newMapping[tool] = servers[0]
	}

	m.mu.Lock()
	m.toolMapping = newMapping
	m.aliasMapping = newAliases
	m.disabledTools = newDisabled
	m.toolsCache = newCache
	m.mu.Unlock()

	m.logger.Debug("tool mapping refreshed", "tools", len(newMapping))
	return nil
}

// ValidateToolCall resolves an effective tool name to (server, original
// tool), rejecting forbidden, unknown, and inactive targets.
func (m *MCPServerManager) ValidateToolCall(name string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disabledTools[name] {
		return "", "", fmt.Errorf("%w: %s", ErrToolForbidden, name)
	}
	server, ok := m.toolMapping[name]
	original := name
	if target, isAlias := m.aliasMapping[name]; isAlias {
		server, original, ok = target.server, target.original, true
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrToolUnknown, name)
	}
	if cfg := m.serversConfig[server]; cfg != nil && (cfg.IsForbidden(original) || cfg.IsForbidden(name)) {
		return "", "", fmt.Errorf("%w: %s", ErrToolForbidden, name)
	}
	client, active := m.activeClients[server]
	if !active || client.State() != outbound.StateConnected {
		return "", "", fmt.Errorf("%w: server %s is not connected", ErrToolUnknown, name)
	}
	return server, original, nil
}

// CallTool invokes (server, tool) bounded by timeout, merges tool metadata
// into the result, and applies the configured transform expression.
func (m *MCPServerManager) CallTool(ctx context.Context, server, tool string, params map[string]any, timeout time.Duration) (*smcp.CallToolResult, error) {
	m.mu.Lock()
	client, ok := m.activeClients[server]
	cfg := m.serversConfig[server]
	prg := m.compiled[server]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not active", ErrUnknownServer, server)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := client.CallTool(callCtx, tool, params)
	if err != nil {
		return nil, err
	}
	result := convertResult(raw)

	var meta *smcp.ToolMeta
	if cfg != nil {
		meta = cfg.MergedToolMeta(tool)
	}
	if meta != nil {
		result.SetMeta(smcp.MetaKeyToolMeta, meta)
	}
	if prg != nil {
		m.applyTransform(ctx, prg, result, tool, params)
	}
	return result, nil
}

// ExecuteTool resolves an effective name (alias-aware) and calls it.
func (m *MCPServerManager) ExecuteTool(ctx context.Context, toolName string, params map[string]any, timeout time.Duration) (*smcp.CallToolResult, error) {
	server, original, err := m.ValidateToolCall(toolName)
	if err != nil {
		return nil, err
	}
	return m.CallTool(ctx, server, original, params, timeout)
}

// applyTransform evaluates the server's transform expression over the
// result. Failures log and leave the result untouched.
func (m *MCPServerManager) applyTransform(ctx context.Context, prg celgo.Program, result *smcp.CallToolResult, tool string, params map[string]any) {
	doc, err := resultDocument(result)
	if err != nil {
		m.logger.Warn("transform skipped: result not representable", "tool", tool, "error", err)
		return
	}
	out, err := m.transformer.Transform(ctx, prg, doc, tool, params)
	if err != nil {
		m.logger.Warn("transform failed, returning original result", "tool", tool, "error", err)
		return
	}
	result.SetMeta(smcp.MetaKeyTransformed, out)
}

// resultDocument converts a result to its generic JSON form for the
// transform environment.
func resultDocument(result *smcp.CallToolResult) (map[string]any, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// convertResult maps an SDK tool-call result onto the wire shape.
// Non-text content is carried as its JSON encoding (JSON-only bus).
func convertResult(res *sdk.CallToolResult) *smcp.CallToolResult {
	out := &smcp.CallToolResult{IsError: res.IsError, StructuredContent: res.StructuredContent}
	for _, c := range res.Content {
		switch item := c.(type) {
		case *sdk.TextContent:
			out.Content = append(out.Content, smcp.ContentItem{Type: "text", Text: item.Text})
		default:
			if raw, err := json.Marshal(c); err == nil {
				out.Content = append(out.Content, smcp.ContentItem{Type: "text", Text: string(raw)})
			}
		}
	}
	if len(res.Meta) > 0 {
		out.Meta = make(map[string]any, len(res.Meta))
		for k, v := range res.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// AvailableTools returns the aggregated tool surface under effective
// names, from the catalogue captured at the last remap.
func (m *MCPServerManager) AvailableTools() []smcp.SMCPTool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []smcp.SMCPTool
	for effective, server := range m.toolMapping {
		original := effective
		if target, ok := m.aliasMapping[effective]; ok {
			original = target.original
		}
		cfg := m.serversConfig[server]
		for _, t := range m.toolsCache[server] {
			if t.Name != original {
				continue
			}
			tool := smcp.SMCPTool{
				Name:         effective,
				Description:  t.Description,
				InputSchema:  schemaJSON(t.InputSchema),
				ReturnSchema: schemaJSON(t.OutputSchema),
			}
			if cfg != nil {
				tool.Meta = cfg.MergedToolMeta(original)
			}
			out = append(out, tool)
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func schemaJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// ServerStatuses reports every configured server with its client state.
func (m *MCPServerManager) ServerStatuses() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerStatus, 0, len(m.serversConfig))
	for name := range m.serversConfig {
		st := ServerStatus{Name: name}
		if client, ok := m.activeClients[name]; ok {
			st.Active = true
			st.State = client.State()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServerConfigs returns clones of the authoritative configs.
func (m *MCPServerManager) ServerConfigs() []*upstream.ServerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*upstream.ServerConfig, 0, len(m.serversConfig))
	for _, cfg := range m.serversConfig {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListWindows reads every window resource from every connected client.
// I/O runs on a snapshot; a failing server is logged and skipped.
func (m *MCPServerManager) ListWindows(ctx context.Context) []desktop.Window {
	m.mu.Lock()
	snapshot := make(map[string]outbound.MCPClient, len(m.activeClients))
	for name, c := range m.activeClients {
		snapshot[name] = c
	}
	m.mu.Unlock()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []desktop.Window
	for _, server := range names {
		client := snapshot[server]
		resources, err := client.ListWindows(ctx)
		if err != nil {
			m.logger.Warn("listing windows failed", "server", server, "error", err)
			continue
		}
		for _, res := range resources {
			read, err := client.ReadWindow(ctx, res.URI)
			if err != nil {
				m.logger.Warn("reading window failed", "server", server, "uri", res.URI, "error", err)
				continue
			}
			win := desktop.Window{Server: server, URI: res.URI}
			for _, contents := range read.Contents {
				if contents.Text != "" {
					win.Contents = append(win.Contents, contents.Text)
				}
			}
			out = append(out, win)
		}
	}
	return out
}
