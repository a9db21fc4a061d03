// Package integration exercises the full Agent -> Server -> Computer path
// over a real signaling bus with in-memory MCP clients.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/goleak"

	"github.com/a2c-smcp/smcp/internal/adapter/inbound/smcpserver"
	"github.com/a2c-smcp/smcp/internal/adapter/outbound/signaling"
	"github.com/a2c-smcp/smcp/internal/domain/auth"
	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
	"github.com/a2c-smcp/smcp/internal/service"
	"github.com/a2c-smcp/smcp/pkg/agent"
	"github.com/a2c-smcp/smcp/pkg/sio"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

const apiKey = "integration-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryMCP is an in-memory MCP client exposing echo and sleep tools.
type memoryMCP struct {
	state outbound.ClientState
}

func (m *memoryMCP) Connect(context.Context) error {
	m.state = outbound.StateConnected
	return nil
}

func (m *memoryMCP) Disconnect(context.Context) error {
	m.state = outbound.StateDisconnected
	return nil
}

func (m *memoryMCP) State() outbound.ClientState { return m.state }

func (m *memoryMCP) ListTools(context.Context) ([]*sdk.Tool, error) {
	return []*sdk.Tool{
		{Name: "echo", Description: "echo text back"},
		{Name: "sleep", Description: "sleep for ten seconds"},
	}, nil
}

func (m *memoryMCP) CallTool(ctx context.Context, name string, args map[string]any) (*sdk.CallToolResult, error) {
	switch name {
	case "echo":
		text, _ := args["text"].(string)
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil
	case "sleep":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "woke"}}}, nil
		}
	default:
		return nil, errors.New("unknown tool " + name)
	}
}

func (m *memoryMCP) ListWindows(context.Context) ([]*sdk.Resource, error) {
	return []*sdk.Resource{{URI: "window://echo_srv/main?priority=5"}}, nil
}

func (m *memoryMCP) ReadWindow(_ context.Context, uri string) (*sdk.ReadResourceResult, error) {
	return &sdk.ReadResourceResult{Contents: []*sdk.ResourceContents{{URI: uri, Text: "window body"}}}, nil
}

type fixture struct {
	t       *testing.T
	srv     *smcpserver.Server
	url     string
	cleanup []func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t}

	srv := smcpserver.New(testLogger(), auth.NewAPIKeyProvider(apiKey))
	ts := httptest.NewServer(srv.Handler(nil))
	f.srv = srv
	f.url = ts.URL
	f.cleanup = append(f.cleanup, ts.Close, srv.Close)
	return f
}

func (f *fixture) Close() {
	for i := len(f.cleanup) - 1; i >= 0; i-- {
		f.cleanup[i]()
	}
}

// startComputer brings a computer named name online in office.
func (f *fixture) startComputer(name, office string) (*service.Computer, *signaling.Client) {
	f.t.Helper()
	resolver, err := service.NewInputResolver(nil)
	if err != nil {
		f.t.Fatal(err)
	}
	manager, err := service.NewMCPServerManager(testLogger(), resolver,
		service.WithAutoConnect(true),
		service.WithClientFactory(func(*upstream.ServerConfig, *slog.Logger, outbound.ChangeListener) (outbound.MCPClient, error) {
			return &memoryMCP{}, nil
		}))
	if err != nil {
		f.t.Fatal(err)
	}
	computer := service.NewComputer(name, testLogger(), manager, resolver)

	cfg := &upstream.ServerConfig{
		Type:  upstream.TypeStdio,
		Name:  "echo_srv",
		Stdio: &upstream.StdioParams{Command: "unused"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := computer.Initialize(ctx, []*upstream.ServerConfig{cfg}); err != nil {
		f.t.Fatal(err)
	}

	sig, err := signaling.Dial(ctx, f.url, computer, testLogger(), signaling.WithAPIKey(apiKey))
	if err != nil {
		f.t.Fatal(err)
	}
	if err := sig.JoinOffice(ctx, office); err != nil {
		f.t.Fatal(err)
	}
	f.cleanup = append(f.cleanup, func() {
		_ = sig.Close()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = computer.Shutdown(shCtx)
	})
	return computer, sig
}

// startAgent connects and joins an agent.
func (f *fixture) startAgent(name, office string, handlers agent.Handlers) *agent.Agent {
	f.t.Helper()
	a := agent.New(agent.Config{Name: name, OfficeID: office, APIKey: apiKey}, handlers, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Connect(ctx, f.url); err != nil {
		f.t.Fatal(err)
	}
	if err := a.JoinOffice(ctx); err != nil {
		f.t.Fatal(err)
	}
	f.cleanup = append(f.cleanup, func() { _ = a.Disconnect() })
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEnterAndBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	f.startComputer("C1", "office-1")

	var mu sync.Mutex
	var entered []string
	var toolsFrom []string
	a := f.startAgent("A1", "office-1", agent.Handlers{
		OnComputerEnterOffice: func(_ context.Context, _ *agent.Agent, note smcp.OfficeNotification) {
			mu.Lock()
			defer mu.Unlock()
			if note.Computer != nil {
				entered = append(entered, *note.Computer)
			}
		},
		OnToolsReceived: func(_ context.Context, _ *agent.Agent, computer string, tools []smcp.SMCPTool) {
			mu.Lock()
			defer mu.Unlock()
			toolsFrom = append(toolsFrom, computer)
		},
	})

	// The joining agent gets a replay of the computer already present and
	// auto-fetches its tools.
	waitFor(t, "enter_office replay", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(entered) == 1 && len(toolsFrom) == 1
	})

	mu.Lock()
	if entered[0] != "C1" || toolsFrom[0] != "C1" {
		t.Errorf("entered=%v toolsFrom=%v", entered, toolsFrom)
	}
	mu.Unlock()

	if tools, ok := a.CachedTools("C1"); !ok || len(tools) != 2 {
		t.Errorf("cached tools = %v, %v", tools, ok)
	}
}

func TestDuplicateComputerNameRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	f.startComputer("box", "office-2")

	// A raw bus peer tries to join the same office under the same name.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := sio.Dial(ctx, f.url, smcp.Namespace,
		sio.WithLogger(testLogger()), sio.WithHeader("x-api-key", apiKey))
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	reply, err := raw.Call(ctx, smcp.EventServerJoinOffice, &smcp.EnterOfficeReq{
		Role: smcp.RoleComputer, Name: "box", OfficeID: "office-2",
	})
	if err != nil {
		t.Fatal(err)
	}
	var ack smcp.JoinAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.OK || !strings.Contains(ack.Reason, "already exists") {
		t.Errorf("ack = %+v", ack)
	}

	// The rejected session has no office.
	sess, ok := f.srv.Registry().Get(raw.SID())
	if !ok || sess.OfficeID != "" {
		t.Errorf("session = %+v, %v", sess, ok)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	f.startComputer("C1", "office-3")
	a := f.startAgent("A1", "office-3", agent.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := a.ToolCall(ctx, "C1", "echo", map[string]any{"text": "hi"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("isError set: %+v", res)
	}
	if len(res.Content) == 0 || res.Content[0].Type != "text" || res.Content[0].Text != "hi" {
		t.Errorf("content = %+v", res.Content)
	}
}

func TestToolCallTimeoutTriggersCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	computer, _ := f.startComputer("C1", "office-4")
	a := f.startAgent("A1", "office-4", agent.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	start := time.Now()
	res, err := a.ToolCall(ctx, "C1", "sleep", nil, 1)
	if err != nil {
		t.Fatalf("timeout must not raise: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("call took %v", elapsed)
	}
	if !res.IsError {
		t.Fatal("expected an error result")
	}
	if !strings.Contains(res.Content[0].Text, "req_id=") {
		t.Errorf("timeout text must reference req_id: %q", res.Content[0].Text)
	}

	// The cancel reaches the computer: its history records the failure.
	waitFor(t, "computer-side cancellation record", func() bool {
		for _, rec := range computer.History().All() {
			if rec.Tool == "sleep" && !rec.Success {
				return true
			}
		}
		return false
	})
}

func TestListRoom(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	f.startComputer("C1", "office-5")
	a := f.startAgent("A1", "office-5", agent.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions, err := a.ListRoom(ctx, "office-5")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}
	byName := map[string]smcp.Role{}
	for _, s := range sessions {
		byName[s.Name] = s.Role
	}
	if byName["C1"] != smcp.RoleComputer || byName["A1"] != smcp.RoleAgent {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestSecondAgentRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	f.startAgent("A1", "office-6", agent.Handlers{})

	b := agent.New(agent.Config{Name: "A2", OfficeID: "office-6", APIKey: apiKey}, agent.Handlers{}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Connect(ctx, f.url); err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect()

	err := b.JoinOffice(ctx)
	if err == nil || !strings.Contains(err.Error(), "already has an agent") {
		t.Errorf("second agent join = %v", err)
	}
}

func TestGetDesktop(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	f.startComputer("C1", "office-7")
	a := f.startAgent("A1", "office-7", agent.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	desktops, err := a.GetDesktop(ctx, "C1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(desktops) != 1 {
		t.Fatalf("desktops = %+v", desktops)
	}
	d := desktops[0]
	if d.Server != "echo_srv" || !strings.Contains(d.Detail, "window body") || d.ContentDigest == "" {
		t.Errorf("desktop = %+v", d)
	}
}

func TestGetConfig(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	f.startComputer("C1", "office-8")
	a := f.startAgent("A1", "office-8", agent.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ret, err := a.GetConfig(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ret.Servers["echo_srv"]; !ok {
		t.Errorf("servers = %v", ret.Servers)
	}
}

func TestForwardToUnknownComputer(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	a := f.startAgent("A1", "office-9", agent.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.GetTools(ctx, "ghost")
	if err == nil || !strings.Contains(err.Error(), string(smcp.ErrCodeTargetUnknown)) {
		t.Errorf("err = %v", err)
	}
}

func TestComputerLeaveInvalidatesAgentCache(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	_, sig := f.startComputer("C1", "office-10")

	var mu sync.Mutex
	left := 0
	a := f.startAgent("A1", "office-10", agent.Handlers{
		OnComputerLeaveOffice: func(_ context.Context, _ *agent.Agent, note smcp.OfficeNotification) {
			mu.Lock()
			left++
			mu.Unlock()
		},
	})

	waitFor(t, "initial tool fetch", func() bool {
		_, ok := a.CachedTools("C1")
		return ok
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sig.LeaveOffice(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "leave notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return left == 1
	})
	waitFor(t, "cache invalidation", func() bool {
		_, ok := a.CachedTools("C1")
		return !ok
	})
}

func TestAuthRequired(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t)
	defer f.Close()

	a := agent.New(agent.Config{Name: "A1", OfficeID: "office-11", APIKey: "wrong"}, agent.Handlers{}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx, f.url); !errors.Is(err, sio.ErrConnectionRefused) {
		t.Fatalf("expected refusal, got %v", err)
	}
}
