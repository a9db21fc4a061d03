// Package smcpserver is the signaling server: it authenticates
// connections on the /smcp namespace, tracks sessions and offices,
// relays ack-bearing agent requests to computers, and broadcasts
// state-change notifications into rooms.
package smcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a2c-smcp/smcp/internal/domain/auth"
	"github.com/a2c-smcp/smcp/internal/domain/session"
	"github.com/a2c-smcp/smcp/pkg/sio"
	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// DefaultForwardTimeout bounds forwards that carry no timeout of their own
// (get_tools, get_desktop, get_config, and tool calls without a declared
// timeout).
const DefaultForwardTimeout = 30 * time.Second

// forwardMargin is added on top of an agent's declared tool-call timeout so
// the computer's own timeout result wins the race against the server's.
const forwardMargin = 5 * time.Second

// Server wires the session registry and the forwarding logic onto the bus.
type Server struct {
	bus      *sio.Server
	registry *session.Registry
	logger   *slog.Logger
	metrics  *Metrics

	forwardTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithForwardTimeout overrides the default forward timeout.
func WithForwardTimeout(d time.Duration) Option {
	return func(s *Server) { s.forwardTimeout = d }
}

// WithMetrics installs a metrics set (otherwise a throwaway registry is
// used so handler code never nil-checks).
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the signaling server.
func New(logger *slog.Logger, provider auth.Provider, opts ...Option) *Server {
	s := &Server{
		bus:            sio.NewServer(smcp.Namespace, logger),
		registry:       session.NewRegistry(),
		logger:         logger,
		forwardTimeout: DefaultForwardTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}

	s.bus.OnAuth(func(r *http.Request, payload json.RawMessage) error {
		return provider.Authenticate(r.Header, payload)
	})
	s.bus.OnConnect(func(*sio.Socket) { s.metrics.ActiveSessions.Inc() })
	s.bus.OnDisconnect(s.onDisconnect)

	s.bus.OnEvent(smcp.EventServerJoinOffice, s.onJoinOffice)
	s.bus.OnEvent(smcp.EventServerLeaveOffice, s.onLeaveOffice)
	s.bus.OnEvent(smcp.EventServerListRoom, s.onListRoom)
	s.bus.OnEvent(smcp.EventServerToolCallCancel, s.onToolCallCancel)
	s.bus.OnEvent(smcp.EventServerUpdateConfig, s.updateRelay(smcp.NotifyUpdateConfig))
	s.bus.OnEvent(smcp.EventServerUpdateToolList, s.updateRelay(smcp.NotifyUpdateToolList))
	s.bus.OnEvent(smcp.EventServerUpdateDesktop, s.updateRelay(smcp.NotifyUpdateDesktop))
	s.bus.OnEvent(smcp.EventClientToolCall, s.onToolCall)
	s.bus.OnEvent(smcp.EventClientGetTools, s.forwardRelay(smcp.EventClientGetTools))
	s.bus.OnEvent(smcp.EventClientGetDesktop, s.forwardRelay(smcp.EventClientGetDesktop))
	s.bus.OnEvent(smcp.EventClientGetConfig, s.forwardRelay(smcp.EventClientGetConfig))

	return s
}

// Registry exposes the session registry for tests and diagnostics.
func (s *Server) Registry() *session.Registry { return s.registry }

// Handler returns the HTTP surface: the bus plus health and metrics.
func (s *Server) Handler(reg prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(sio.DefaultPath, s.bus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

// Close terminates all connections.
func (s *Server) Close() { s.bus.Close() }

// --- membership ---

func (s *Server) onJoinOffice(ctx context.Context, sock *sio.Socket, data json.RawMessage) (any, error) {
	var req smcp.EnterOfficeReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &smcp.JoinAck{OK: false, Reason: "malformed join payload"}, nil
	}
	ack := s.joinOffice(sock, &req)
	status := "ok"
	if !ack.OK {
		status = "rejected"
	}
	s.metrics.JoinsTotal.WithLabelValues(string(req.Role), status).Inc()
	return ack, nil
}

func (s *Server) joinOffice(sock *sio.Socket, req *smcp.EnterOfficeReq) *smcp.JoinAck {
	if !req.Role.Valid() || req.Name == "" || req.OfficeID == "" {
		return &smcp.JoinAck{OK: false, Reason: "role, name and office_id are required"}
	}

	sess, known := s.registry.Get(sock.ID)
	if known {
		if sess.Role != req.Role || sess.Name != req.Name {
			return &smcp.JoinAck{OK: false, Reason: fmt.Sprintf(
				"session is %s/%s; identity changes require a reconnect", sess.Role, sess.Name)}
		}
	} else {
		if err := s.registry.Register(session.Data{SID: sock.ID, Name: req.Name, Role: req.Role}); err != nil {
			return &smcp.JoinAck{OK: false, Reason: err.Error()}
		}
		sess, _ = s.registry.Get(sock.ID)
	}

	// Same-office rejoin is idempotent for both roles.
	if sess.OfficeID == req.OfficeID {
		return &smcp.JoinAck{OK: true}
	}

	switch req.Role {
	case smcp.RoleAgent:
		if sess.OfficeID != "" {
			return &smcp.JoinAck{OK: false, Reason: fmt.Sprintf(
				"agent is already in office %q", sess.OfficeID)}
		}
		if _, taken := s.registry.AgentInOffice(req.OfficeID); taken {
			return &smcp.JoinAck{OK: false, Reason: fmt.Sprintf(
				"office %q already has an agent", req.OfficeID)}
		}
	case smcp.RoleComputer:
		if s.registry.HasComputer(req.OfficeID, req.Name) {
			return &smcp.JoinAck{OK: false, Reason: fmt.Sprintf(
				"computer %q already exists in office %q", req.Name, req.OfficeID)}
		}
		// A computer may switch offices: graceful leave first.
		if sess.OfficeID != "" {
			s.leaveRoom(sock, sess, sess.OfficeID)
			if _, err := s.registry.SetOffice(sock.ID, ""); err != nil {
				return &smcp.JoinAck{OK: false, Reason: err.Error()}
			}
		}
	}

	if _, err := s.registry.SetOffice(sock.ID, req.OfficeID); err != nil {
		reason := "failed to join office"
		if errors.Is(err, session.ErrDuplicateName) {
			reason = fmt.Sprintf("computer %q already exists in office %q", req.Name, req.OfficeID)
		}
		return &smcp.JoinAck{OK: false, Reason: reason}
	}
	sock.Join(req.OfficeID)

	// Broadcast excludes the newcomer; a joining agent instead gets a
	// replay of the computers already present, before its ack.
	note := membershipNote(req.OfficeID, req.Role, req.Name)
	_ = s.bus.BroadcastTo(req.OfficeID, smcp.NotifyEnterOffice, note, sock.ID)
	s.metrics.NotifiesTotal.WithLabelValues(smcp.NotifyEnterOffice).Inc()

	if req.Role == smcp.RoleAgent {
		for _, member := range s.registry.InOffice(req.OfficeID) {
			if member.Role != smcp.RoleComputer {
				continue
			}
			replay := membershipNote(req.OfficeID, smcp.RoleComputer, member.Name)
			if err := sock.Emit(smcp.NotifyEnterOffice, replay); err != nil {
				s.logger.Warn("computer replay failed", "sid", sock.ID, "computer", member.Name, "error", err)
			}
		}
	}

	s.logger.Info("joined office", "sid", sock.ID, "role", req.Role, "name", req.Name, "office", req.OfficeID)
	return &smcp.JoinAck{OK: true}
}

func (s *Server) onLeaveOffice(ctx context.Context, sock *sio.Socket, data json.RawMessage) (any, error) {
	var req smcp.LeaveOfficeReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &smcp.JoinAck{OK: false, Reason: "malformed leave payload"}, nil
	}
	sess, ok := s.registry.Get(sock.ID)
	if !ok {
		return &smcp.JoinAck{OK: false, Reason: "unknown session"}, nil
	}
	if sess.OfficeID == "" || sess.OfficeID != req.OfficeID {
		return &smcp.JoinAck{OK: false, Reason: "session is not in that office"}, nil
	}

	s.leaveRoom(sock, sess, req.OfficeID)
	if _, err := s.registry.SetOffice(sock.ID, ""); err != nil {
		return &smcp.JoinAck{OK: false, Reason: err.Error()}, nil
	}
	s.logger.Info("left office", "sid", sock.ID, "name", sess.Name, "office", req.OfficeID)
	return &smcp.JoinAck{OK: true}, nil
}

// leaveRoom broadcasts the leave notification (the whole room, leaver
// included) and removes the socket from the room.
func (s *Server) leaveRoom(sock *sio.Socket, sess *session.Data, officeID string) {
	note := membershipNote(officeID, sess.Role, sess.Name)
	_ = s.bus.BroadcastTo(officeID, smcp.NotifyLeaveOffice, note)
	s.metrics.NotifiesTotal.WithLabelValues(smcp.NotifyLeaveOffice).Inc()
	sock.Leave(officeID)
}

func (s *Server) onDisconnect(sock *sio.Socket) {
	s.metrics.ActiveSessions.Dec()
	sess, ok := s.registry.Unregister(sock.ID)
	if !ok {
		return
	}
	if sess.OfficeID != "" {
		note := membershipNote(sess.OfficeID, sess.Role, sess.Name)
		_ = s.bus.BroadcastTo(sess.OfficeID, smcp.NotifyLeaveOffice, note, sock.ID)
		s.metrics.NotifiesTotal.WithLabelValues(smcp.NotifyLeaveOffice).Inc()
	}
	s.logger.Info("session closed", "sid", sock.ID, "name", sess.Name)
}

func membershipNote(officeID string, role smcp.Role, name string) *smcp.OfficeNotification {
	note := &smcp.OfficeNotification{OfficeID: officeID}
	if role == smcp.RoleComputer {
		note.Computer = &name
	} else {
		note.Agent = &name
	}
	return note
}

// --- notifications ---

// updateRelay validates that the sender is a computer in an office and
// rebroadcasts the corresponding notify event to the rest of the room.
func (s *Server) updateRelay(notifyEvent string) sio.EventHandler {
	return func(ctx context.Context, sock *sio.Socket, data json.RawMessage) (any, error) {
		sess, ok := s.registry.Get(sock.ID)
		if !ok || sess.Role != smcp.RoleComputer || sess.OfficeID == "" {
			s.logger.Warn("update dropped: sender is not a joined computer", "sid", sock.ID, "event", notifyEvent)
			return nil, nil
		}
		note := &smcp.OfficeNotification{OfficeID: sess.OfficeID, Computer: &sess.Name}
		_ = s.bus.BroadcastTo(sess.OfficeID, notifyEvent, note, sock.ID)
		s.metrics.NotifiesTotal.WithLabelValues(notifyEvent).Inc()
		return nil, nil
	}
}

func (s *Server) onToolCallCancel(ctx context.Context, sock *sio.Socket, data json.RawMessage) (any, error) {
	sess, ok := s.registry.Get(sock.ID)
	if !ok || sess.Role != smcp.RoleAgent || sess.OfficeID == "" {
		s.logger.Warn("cancel dropped: sender is not a joined agent", "sid", sock.ID)
		return nil, nil
	}
	// The cancel payload travels verbatim so computers correlate req_id.
	_ = s.bus.BroadcastTo(sess.OfficeID, smcp.NotifyToolCallCancel, data, sock.ID)
	s.metrics.NotifiesTotal.WithLabelValues(smcp.NotifyToolCallCancel).Inc()
	return nil, nil
}

// --- forwarding ---

// callerAndTarget resolves the forwarding preconditions: the caller must
// be an agent in an office and the target computer must exist there.
func (s *Server) callerAndTarget(sock *sio.Socket, computer string) (*sio.Socket, *smcp.ErrorRet) {
	sess, ok := s.registry.Get(sock.ID)
	if !ok || sess.Role != smcp.RoleAgent {
		return nil, smcp.NewErrorRet(smcp.ErrCodeBadRequest, "only agents may forward requests")
	}
	if sess.OfficeID == "" {
		return nil, smcp.NewErrorRet(smcp.ErrCodeCrossRoomAccess, "agent is not in an office")
	}
	sid, ok := s.registry.ComputerSID(sess.OfficeID, computer)
	if !ok {
		return nil, smcp.NewErrorRet(smcp.ErrCodeTargetUnknown,
			fmt.Sprintf("computer %q not found in office %q", computer, sess.OfficeID))
	}
	target, ok := s.bus.Socket(sid)
	if !ok {
		return nil, smcp.NewErrorRet(smcp.ErrCodeTargetUnknown,
			fmt.Sprintf("computer %q has no live connection", computer))
	}
	return target, nil
}

// forwardRelay forwards get_tools/get_desktop/get_config and returns the
// computer's ack verbatim.
func (s *Server) forwardRelay(event string) sio.EventHandler {
	return func(ctx context.Context, sock *sio.Socket, data json.RawMessage) (any, error) {
		var req struct {
			Computer string `json:"computer"`
		}
		if err := json.Unmarshal(data, &req); err != nil || req.Computer == "" {
			return smcp.NewErrorRet(smcp.ErrCodeBadRequest, "payload must name a computer"), nil
		}
		target, errRet := s.callerAndTarget(sock, req.Computer)
		if errRet != nil {
			s.metrics.ForwardsTotal.WithLabelValues(event, "error").Inc()
			return errRet, nil
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.forwardTimeout)
		defer cancel()
		reply, err := target.Call(callCtx, event, data)
		s.metrics.ForwardDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
		if err != nil {
			status := "error"
			code := smcp.ErrCodeBadRequest
			if errors.Is(err, context.DeadlineExceeded) {
				status, code = "timeout", smcp.ErrCodeForwardTimeout
			}
			s.metrics.ForwardsTotal.WithLabelValues(event, status).Inc()
			return smcp.NewErrorRet(code, fmt.Sprintf("forward %s failed: %v", event, err)), nil
		}
		s.metrics.ForwardsTotal.WithLabelValues(event, "ok").Inc()
		return reply, nil
	}
}

// onToolCall forwards client:tool_call. Failures materialize as
// CallToolResult{isError: true}; callers rely on isError, never on an
// error envelope.
func (s *Server) onToolCall(ctx context.Context, sock *sio.Socket, data json.RawMessage) (any, error) {
	var req smcp.ToolCallReq
	if err := json.Unmarshal(data, &req); err != nil || req.Computer == "" {
		return smcp.NewErrorResult("malformed tool_call payload"), nil
	}
	target, errRet := s.callerAndTarget(sock, req.Computer)
	if errRet != nil {
		s.metrics.ForwardsTotal.WithLabelValues(smcp.EventClientToolCall, "error").Inc()
		return smcp.NewErrorResult(errRet.Error.Message), nil
	}

	timeout := s.forwardTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout)*time.Second + forwardMargin
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := target.Call(callCtx, smcp.EventClientToolCall, data)
	s.metrics.ForwardDuration.WithLabelValues(smcp.EventClientToolCall).Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		s.metrics.ForwardsTotal.WithLabelValues(smcp.EventClientToolCall, status).Inc()
		return smcp.NewErrorResult(fmt.Sprintf("tool call forward failed: %v, req_id=%s", err, req.ReqID)), nil
	}
	s.metrics.ForwardsTotal.WithLabelValues(smcp.EventClientToolCall, "ok").Inc()
	return reply, nil
}

// --- snapshots ---

func (s *Server) onListRoom(ctx context.Context, sock *sio.Socket, data json.RawMessage) (any, error) {
	var req smcp.ListRoomReq
	if err := json.Unmarshal(data, &req); err != nil {
		return smcp.NewErrorRet(smcp.ErrCodeBadRequest, "malformed list_room payload"), nil
	}
	sess, ok := s.registry.Get(sock.ID)
	if !ok || sess.OfficeID == "" {
		return smcp.NewErrorRet(smcp.ErrCodeCrossRoomAccess, "session is not in an office"), nil
	}
	if req.OfficeID != "" && req.OfficeID != sess.OfficeID {
		return smcp.NewErrorRet(smcp.ErrCodeCrossRoomAccess,
			fmt.Sprintf("session may only list its own office %q", sess.OfficeID)), nil
	}

	members := s.registry.InOffice(sess.OfficeID)
	ret := &smcp.ListRoomRet{ReqID: req.ReqID, Sessions: make([]smcp.SessionInfo, 0, len(members))}
	for _, m := range members {
		ret.Sessions = append(ret.Sessions, m.Info())
	}
	return ret, nil
}
