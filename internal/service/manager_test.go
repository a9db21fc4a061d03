package service

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// fakeMCPClient serves canned tools from memory.
type fakeMCPClient struct {
	tools    []*sdk.Tool
	call     func(ctx context.Context, name string, args map[string]any) (*sdk.CallToolResult, error)
	state    outbound.ClientState
	windows  []*sdk.Resource
	contents map[string][]string
}

func (f *fakeMCPClient) Connect(context.Context) error {
	f.state = outbound.StateConnected
	return nil
}

func (f *fakeMCPClient) Disconnect(context.Context) error {
	f.state = outbound.StateDisconnected
	return nil
}

func (f *fakeMCPClient) State() outbound.ClientState { return f.state }

func (f *fakeMCPClient) ListTools(context.Context) ([]*sdk.Tool, error) { return f.tools, nil }

func (f *fakeMCPClient) CallTool(ctx context.Context, name string, args map[string]any) (*sdk.CallToolResult, error) {
	if f.call != nil {
		return f.call(ctx, name, args)
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "ok"}}}, nil
}

func (f *fakeMCPClient) ListWindows(context.Context) ([]*sdk.Resource, error) {
	return f.windows, nil
}

func (f *fakeMCPClient) ReadWindow(_ context.Context, uri string) (*sdk.ReadResourceResult, error) {
	var contents []*sdk.ResourceContents
	for _, text := range f.contents[uri] {
		contents = append(contents, &sdk.ResourceContents{URI: uri, Text: text})
	}
	return &sdk.ReadResourceResult{Contents: contents}, nil
}

// fakeFleet hands out fakeMCPClients by server name.
type fakeFleet struct {
	clients map[string]*fakeMCPClient
}

func (f *fakeFleet) factory(cfg *upstream.ServerConfig, _ *slog.Logger, _ outbound.ChangeListener) (outbound.MCPClient, error) {
	c, ok := f.clients[cfg.Name]
	if !ok {
		return nil, errors.New("no fake for " + cfg.Name)
	}
	return c, nil
}

func tool(name string) *sdk.Tool {
	return &sdk.Tool{Name: name, Description: name + " tool"}
}

func newTestManager(t *testing.T, fleet *fakeFleet) *MCPServerManager {
	t.Helper()
	r, err := NewInputResolver(&fakeProvider{})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMCPServerManager(quietLogger(), r,
		WithAutoConnect(true),
		WithClientFactory(fleet.factory))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestInitializeAndToolMapping(t *testing.T) {
	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"files": {tools: []*sdk.Tool{tool("read"), tool("write")}},
		"web":   {tools: []*sdk.Tool{tool("fetch")}},
	}}
	m := newTestManager(t, fleet)

	err := m.Initialize(context.Background(), []*upstream.ServerConfig{
		stdioCfg("files"), stdioCfg("web"),
	})
	if err != nil {
		t.Fatal(err)
	}

	tools := m.AvailableTools()
	var names []string
	for _, tl := range tools {
		names = append(names, tl.Name)
	}
	if !reflect.DeepEqual(names, []string{"fetch", "read", "write"}) {
		t.Errorf("tools = %v", names)
	}
}

func stdioCfg(name string) *upstream.ServerConfig {
	return &upstream.ServerConfig{
		Type:  upstream.TypeStdio,
		Name:  name,
		Stdio: &upstream.StdioParams{Command: "true"},
	}
}

func TestToolNameConflictBlocksAdd(t *testing.T) {
	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"a": {tools: []*sdk.Tool{tool("ls")}},
		"b": {tools: []*sdk.Tool{tool("ls")}},
	}}
	m := newTestManager(t, fleet)

	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("a")}); err != nil {
		t.Fatal(err)
	}
	before := m.AvailableTools()

	err := m.AddOrUpdateServer(context.Background(), stdioCfg("b"))
	var dup *ToolNameDuplicatedError
	if !errors.As(err, &dup) {
		t.Fatalf("expected ToolNameDuplicatedError, got %v", err)
	}
	if dup.ToolName != "ls" || !reflect.DeepEqual(dup.Servers, []string{"a", "b"}) {
		t.Errorf("conflict detail = %+v", dup)
	}

	// State rolled back: b absent, tool list unchanged.
	after := m.AvailableTools()
	if !reflect.DeepEqual(before, after) {
		t.Errorf("tool list changed:\n before %+v\n after  %+v", before, after)
	}
	for _, st := range m.ServerStatuses() {
		if st.Name == "b" {
			t.Error("server b must not be present after rollback")
		}
	}
}

func TestAliasResolvesConflict(t *testing.T) {
	alias := "web_ls"
	cfgB := stdioCfg("b")
	cfgB.ToolMeta = map[string]*smcp.ToolMeta{"ls": {Alias: &alias}}

	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"a": {tools: []*sdk.Tool{tool("ls")}},
		"b": {tools: []*sdk.Tool{tool("ls")}},
	}}
	m := newTestManager(t, fleet)

	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("a"), cfgB}); err != nil {
		t.Fatal(err)
	}

	server, original, err := m.ValidateToolCall("web_ls")
	if err != nil {
		t.Fatal(err)
	}
	if server != "b" || original != "ls" {
		t.Errorf("alias resolved to (%s, %s)", server, original)
	}

	server, original, err = m.ValidateToolCall("ls")
	if err != nil {
		t.Fatal(err)
	}
	if server != "a" || original != "ls" {
		t.Errorf("original resolved to (%s, %s)", server, original)
	}
}

func TestForbiddenFiltersOriginalAndAlias(t *testing.T) {
	alias := "renamed"
	cfg := stdioCfg("a")
	cfg.ToolMeta = map[string]*smcp.ToolMeta{"secret": {Alias: &alias}}
	cfg.ForbiddenTools = []string{"secret", "rm"}

	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"a": {tools: []*sdk.Tool{tool("secret"), tool("rm"), tool("ok")}},
	}}
	m := newTestManager(t, fleet)
	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{cfg}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.ValidateToolCall("rm"); !errors.Is(err, ErrToolForbidden) && !errors.Is(err, ErrToolUnknown) {
		t.Errorf("rm should be rejected, got %v", err)
	}
	// The alias of a forbidden original is filtered too.
	if _, _, err := m.ValidateToolCall("renamed"); err == nil {
		t.Error("alias of forbidden tool accepted")
	}
	if _, _, err := m.ValidateToolCall("ok"); err != nil {
		t.Errorf("ok rejected: %v", err)
	}
}

func TestAddRemoveRestoresToolMap(t *testing.T) {
	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"a": {tools: []*sdk.Tool{tool("one")}},
		"b": {tools: []*sdk.Tool{tool("two")}},
	}}
	m := newTestManager(t, fleet)
	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("a")}); err != nil {
		t.Fatal(err)
	}
	before := m.AvailableTools()

	if err := m.AddOrUpdateServer(context.Background(), stdioCfg("b")); err != nil {
		t.Fatal(err)
	}
	if len(m.AvailableTools()) != 2 {
		t.Fatalf("expected two tools after add")
	}
	// Removing b disconnects its fake and drops its tool from the map.
	if err := m.RemoveServer(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	after := m.AvailableTools()
	if !reflect.DeepEqual(before, after) {
		t.Errorf("tool map not restored:\n before %+v\n after  %+v", before, after)
	}
}

func TestCallToolMergesMetaAndTimeout(t *testing.T) {
	autoApply := true
	cfg := stdioCfg("a")
	cfg.DefaultToolMeta = &smcp.ToolMeta{AutoApply: &autoApply}

	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"a": {
			tools: []*sdk.Tool{tool("echo"), tool("sleep")},
			call: func(ctx context.Context, name string, args map[string]any) (*sdk.CallToolResult, error) {
				if name == "sleep" {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(10 * time.Second):
					}
				}
				text, _ := args["text"].(string)
				return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil
			},
		},
	}}
	m := newTestManager(t, fleet)
	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{cfg}); err != nil {
		t.Fatal(err)
	}

	res, err := m.ExecuteTool(context.Background(), "echo", map[string]any{"text": "hi"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content[0].Text != "hi" {
		t.Errorf("result = %+v", res)
	}
	if _, ok := res.Meta[smcp.MetaKeyToolMeta]; !ok {
		t.Error("merged tool meta missing from result metadata")
	}

	_, err = m.ExecuteTool(context.Background(), "sleep", nil, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestTransformAppliedToResult(t *testing.T) {
	cfg := stdioCfg("a")
	cfg.VRL = `{"first": result.content[0].text, "tool": tool_name}`

	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"a": {tools: []*sdk.Tool{tool("echo")}},
	}}
	m := newTestManager(t, fleet)
	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{cfg}); err != nil {
		t.Fatal(err)
	}

	res, err := m.ExecuteTool(context.Background(), "echo", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	transformed, ok := res.Meta[smcp.MetaKeyTransformed].(string)
	if !ok {
		t.Fatalf("transform output missing: %+v", res.Meta)
	}
	if !strings.Contains(transformed, `"tool":"echo"`) {
		t.Errorf("transformed = %s", transformed)
	}
}

func TestInvalidTransformRejectedAtValidation(t *testing.T) {
	cfg := stdioCfg("a")
	cfg.VRL = `this is ( not CEL`

	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{"a": {}}}
	m := newTestManager(t, fleet)
	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{cfg}); err == nil {
		t.Error("broken transform expression accepted")
	}
}

func TestDisabledServerNotStarted(t *testing.T) {
	cfg := stdioCfg("a")
	cfg.Disabled = true

	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{"a": {tools: []*sdk.Tool{tool("x")}}}}
	m := newTestManager(t, fleet)
	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	if len(m.AvailableTools()) != 0 {
		t.Error("disabled server leaked tools")
	}
	if err := m.StartClient(context.Background(), "a"); err == nil {
		t.Error("starting a disabled server must fail")
	}
}

func TestListWindows(t *testing.T) {
	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"a": {
			tools:    []*sdk.Tool{},
			windows:  []*sdk.Resource{{URI: "window://a/main"}},
			contents: map[string][]string{"window://a/main": {"hello"}},
		},
	}}
	m := newTestManager(t, fleet)
	if err := m.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("a")}); err != nil {
		t.Fatal(err)
	}

	windows := m.ListWindows(context.Background())
	if len(windows) != 1 || windows[0].URI != "window://a/main" || windows[0].Contents[0] != "hello" {
		t.Errorf("windows = %+v", windows)
	}
}
