package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// recordingNotifier captures upstream emissions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyConfigChanged()   { n.push("config") }
func (n *recordingNotifier) NotifyToolListChanged() { n.push("tools") }
func (n *recordingNotifier) NotifyDesktopChanged()  { n.push("desktop") }

func (n *recordingNotifier) push(event string) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func newTestComputer(t *testing.T, fleet *fakeFleet, opts ...ComputerOption) *Computer {
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
	return NewComputer("box", quietLogger(), m, r, opts...)
}

func echoFleet() *fakeFleet {
	return &fakeFleet{clients: map[string]*fakeMCPClient{
		"srv": {
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
}

func callReq(tool string, timeout int) *smcp.ToolCallReq {
	return &smcp.ToolCallReq{
		AgentCallData: smcp.AgentCallData{Agent: "a1", ReqID: smcp.NewReqID()},
		Computer:      "box",
		ToolName:      tool,
		Params:        map[string]any{"text": "hi"},
		Timeout:       timeout,
	}
}

func TestExecuteToolCall(t *testing.T) {
	cp := newTestComputer(t, echoFleet())
	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("srv")}); err != nil {
		t.Fatal(err)
	}

	res := cp.ExecuteToolCall(context.Background(), callReq("echo", 5))
	if res.IsError || res.Content[0].Text != "hi" {
		t.Errorf("result = %+v", res)
	}

	recs := cp.History().All()
	if len(recs) != 1 || !recs[0].Success || recs[0].Server != "srv" {
		t.Errorf("history = %+v", recs)
	}
}

func TestExecuteToolCallUnknownTool(t *testing.T) {
	cp := newTestComputer(t, echoFleet())
	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("srv")}); err != nil {
		t.Fatal(err)
	}

	res := cp.ExecuteToolCall(context.Background(), callReq("ghost", 5))
	if !res.IsError {
		t.Error("unknown tool must yield isError")
	}
	if recs := cp.History().All(); len(recs) != 1 || recs[0].Success {
		t.Errorf("failure not recorded: %+v", recs)
	}
}

func TestExecuteToolCallTimeout(t *testing.T) {
	cp := newTestComputer(t, echoFleet())
	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("srv")}); err != nil {
		t.Fatal(err)
	}

	req := callReq("sleep", 1)
	start := time.Now()
	res := cp.ExecuteToolCall(context.Background(), req)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
	if !res.IsError || !strings.Contains(res.Content[0].Text, req.ReqID) {
		t.Errorf("timeout result must reference req_id: %+v", res)
	}
}

func TestCancelToolCall(t *testing.T) {
	cp := newTestComputer(t, echoFleet())
	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("srv")}); err != nil {
		t.Fatal(err)
	}

	req := callReq("sleep", 30)
	done := make(chan *smcp.CallToolResult, 1)
	go func() { done <- cp.ExecuteToolCall(context.Background(), req) }()

	// Wait until the call is in flight, then cancel it.
	deadline := time.After(2 * time.Second)
	for !cp.CancelToolCall(req.ReqID) {
		select {
		case <-deadline:
			t.Fatal("call never became cancellable")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case res := <-done:
		if !res.IsError || !strings.Contains(res.Content[0].Text, "cancel") {
			t.Errorf("cancel result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the call")
	}
}

func TestConfirmationPolicy(t *testing.T) {
	autoApply := false
	cfg := stdioCfg("srv")
	cfg.ToolMeta = map[string]*smcp.ToolMeta{"echo": {AutoApply: &autoApply}}

	denied := false
	cp := newTestComputer(t, echoFleet(), WithConfirmer(func(tool string, _ map[string]any) bool {
		denied = true
		return false
	}))
	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{cfg}); err != nil {
		t.Fatal(err)
	}

	res := cp.ExecuteToolCall(context.Background(), callReq("echo", 5))
	if !res.IsError || !denied {
		t.Errorf("confirmation not consulted: %+v denied=%v", res, denied)
	}

	// sleep carries no auto_apply=false meta, so it runs unprompted; a
	// short timeout keeps the test fast.
	denied = false
	res = cp.ExecuteToolCall(context.Background(), callReq("sleep", 1))
	if denied {
		t.Error("confirmer consulted for a tool without auto_apply=false")
	}
}

func TestNotifierFeeds(t *testing.T) {
	cp := newTestComputer(t, echoFleet())
	n := &recordingNotifier{}
	cp.SetNotifier(n)

	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("srv")}); err != nil {
		t.Fatal(err)
	}
	events := n.all()
	if len(events) == 0 || events[len(events)-1] != "config" {
		t.Errorf("initialize must emit a config change, got %v", events)
	}

	// Detached notifier: emission is silently skipped.
	cp.SetNotifier(nil)
	if err := cp.RemoveServer(context.Background(), "srv"); err != nil {
		t.Fatal(err)
	}
	if len(n.all()) != len(events) {
		t.Error("detached notifier still received events")
	}
}

func TestGetDesktopFiltersWindow(t *testing.T) {
	fleet := &fakeFleet{clients: map[string]*fakeMCPClient{
		"srv": {
			tools: []*sdk.Tool{},
			windows: []*sdk.Resource{
				{URI: "window://srv/one"},
				{URI: "window://srv/two"},
			},
			contents: map[string][]string{
				"window://srv/one": {"first"},
				"window://srv/two": {"second"},
			},
		},
	}}
	cp := newTestComputer(t, fleet)
	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("srv")}); err != nil {
		t.Fatal(err)
	}

	all := cp.GetDesktop(context.Background(), nil, nil)
	if len(all) != 2 {
		t.Fatalf("desktops = %+v", all)
	}

	filter := "window://srv/two"
	filtered := cp.GetDesktop(context.Background(), nil, &filter)
	if len(filtered) != 1 || filtered[0].WindowURI != filter {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestGetConfigSnapshot(t *testing.T) {
	cp := newTestComputer(t, echoFleet())
	if err := cp.Initialize(context.Background(), []*upstream.ServerConfig{stdioCfg("srv")}); err != nil {
		t.Fatal(err)
	}

	servers, _, err := cp.GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := servers["srv"]; !ok {
		t.Errorf("servers = %v", servers)
	}
}
