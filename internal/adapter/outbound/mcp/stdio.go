package mcp

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// termGracePeriod is how long a child gets between SIGTERM and SIGKILL.
const termGracePeriod = 2 * time.Second

// StdioClient runs an MCP server as a subprocess. The child is started in
// its own process group so termination reaches grandchildren (npx-style
// launchers in particular).
type StdioClient struct {
	*client
	params upstream.StdioParams

	procMu sync.Mutex
	proc   *os.Process
}

// NewStdioClient builds a stdio client from a validated config.
func NewStdioClient(cfg *upstream.ServerConfig, logger *slog.Logger, listener outbound.ChangeListener) *StdioClient {
	s := &StdioClient{params: *cfg.Stdio}
	s.client = newClient(cfg.Name, logger, listener, s.transport)
	s.client.afterClose = s.reap
	return s
}

// transport builds the subprocess command. Session close (step 3 of the
// shutdown sequence) closes the child's stdin through the SDK transport;
// reap handles the signal escalation afterwards.
func (s *StdioClient) transport(ctx context.Context) (sdk.Transport, error) {
	cmd := exec.Command(s.params.Command, s.params.Args...)
	cmd.Dir = s.params.Cwd
	cmd.Env = os.Environ()
	for k, v := range s.params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// MCP servers may log to stderr.
	cmd.Stderr = os.Stderr
	setProcessGroup(cmd)

	s.procMu.Lock()
	s.proc = nil
	s.procMu.Unlock()

	return &stdioTransport{CommandTransport: sdk.CommandTransport{Command: cmd}, owner: s, cmd: cmd}, nil
}

// stdioTransport records the started process so reap can reach the group
// even after the SDK has taken ownership of the pipes.
type stdioTransport struct {
	sdk.CommandTransport
	owner *StdioClient
	cmd   *exec.Cmd
}

func (t *stdioTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	conn, err := t.CommandTransport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.owner.procMu.Lock()
	t.owner.proc = t.cmd.Process
	t.owner.procMu.Unlock()
	return conn, nil
}

// reap escalates on the process group: SIGTERM, a bounded grace period,
// then SIGKILL. The SDK's connection close has already reaped the direct
// child on the happy path; this covers stuck children and their
// descendants.
func (s *StdioClient) reap(ctx context.Context) {
	s.procMu.Lock()
	proc := s.proc
	s.proc = nil
	s.procMu.Unlock()

	if proc == nil || !processAlive(proc) {
		return
	}

	s.logger.Debug("terminating subprocess group", "pid", proc.Pid)
	if err := terminateGroup(proc); err != nil {
		s.logger.Warn("SIGTERM failed", "pid", proc.Pid, "error", err)
	}

	deadline := time.NewTimer(termGracePeriod)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if !processAlive(proc) {
				return
			}
		case <-deadline.C:
			s.logger.Warn("grace period expired, killing subprocess group", "pid", proc.Pid)
			if err := killGroup(proc); err != nil {
				s.logger.Error("SIGKILL failed", "pid", proc.Pid, "error", err)
			}
			return
		case <-ctx.Done():
			_ = killGroup(proc)
			return
		}
	}
}

var _ outbound.MCPClient = (*StdioClient)(nil)
