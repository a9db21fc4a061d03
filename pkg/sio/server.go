package sio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultPath is the HTTP mount point of the bus.
const DefaultPath = "/socket.io/"

// handshakeTimeout bounds how long a freshly upgraded connection may take
// to present its connect frame.
const handshakeTimeout = 10 * time.Second

// EventHandler processes one inbound event on the server. The returned
// value is sent as the ack payload when the sender requested one; a non-nil
// error is surfaced as a transport-level ack error instead.
type EventHandler func(ctx context.Context, s *Socket, data json.RawMessage) (any, error)

// AuthFunc authenticates a connecting peer from its upgrade request headers
// and the connect frame's auth payload. A non-nil error refuses the
// connection.
type AuthFunc func(r *http.Request, auth json.RawMessage) error

// Server is the signaling bus endpoint. It owns the socket set and the room
// index; protocol logic is registered through OnEvent.
type Server struct {
	namespace string
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	authenticate AuthFunc
	onConnect    func(*Socket)
	onDisconnect func(*Socket)

	mu       sync.RWMutex
	sockets  map[string]*Socket
	rooms    map[string]map[string]*Socket
	handlers map[string]EventHandler
}

// NewServer creates a bus server for the given namespace.
func NewServer(namespace string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		namespace: namespace,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bus authenticates via AuthFunc; origin policy is left to
			// the embedding deployment.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sockets:  make(map[string]*Socket),
		rooms:    make(map[string]map[string]*Socket),
		handlers: make(map[string]EventHandler),
	}
}

// OnAuth installs the connection authenticator.
func (srv *Server) OnAuth(f AuthFunc) { srv.authenticate = f }

// OnConnect installs a callback fired after a socket is accepted.
func (srv *Server) OnConnect(f func(*Socket)) { srv.onConnect = f }

// OnDisconnect installs a callback fired after a socket terminates, before
// its room memberships are dropped.
func (srv *Server) OnDisconnect(f func(*Socket)) { srv.onDisconnect = f }

// OnEvent registers the handler for a named event.
func (srv *Server) OnEvent(event string, h EventHandler) {
	srv.mu.Lock()
	srv.handlers[event] = h
	srv.mu.Unlock()
}

// Socket looks up a connected socket by session id.
func (srv *Server) Socket(sid string) (*Socket, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	s, ok := srv.sockets[sid]
	return s, ok
}

// Count returns the number of connected sockets.
func (srv *Server) Count() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sockets)
}

// BroadcastTo emits an event to every member of a room, skipping the
// session ids listed in except. Delivery to each recipient is in-order
// relative to that recipient's other outbound traffic.
func (srv *Server) BroadcastTo(room, event string, v any, except ...string) error {
	data, err := marshalData(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	skip := make(map[string]struct{}, len(except))
	for _, sid := range except {
		skip[sid] = struct{}{}
	}

	srv.mu.RLock()
	members := make([]*Socket, 0, len(srv.rooms[room]))
	for sid, s := range srv.rooms[room] {
		if _, ok := skip[sid]; ok {
			continue
		}
		members = append(members, s)
	}
	srv.mu.RUnlock()

	f := &frame{Type: frameEvent, Namespace: srv.namespace, Event: event, Data: data}
	for _, s := range members {
		if err := s.write(f); err != nil {
			srv.logger.Warn("broadcast delivery failed", "room", room, "event", event, "sid", s.ID, "error", err)
		}
	}
	return nil
}

// EmitTo sends a fire-and-forget event directly to one socket.
func (srv *Server) EmitTo(sid, event string, v any) error {
	s, ok := srv.Socket(sid)
	if !ok {
		return fmt.Errorf("sio: no socket %s", sid)
	}
	return s.Emit(event, v)
}

// Close terminates every socket.
func (srv *Server) Close() {
	srv.mu.RLock()
	sockets := make([]*Socket, 0, len(srv.sockets))
	for _, s := range srv.sockets {
		sockets = append(sockets, s)
	}
	srv.mu.RUnlock()
	for _, s := range sockets {
		s.Close()
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
// Mount it at DefaultPath.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	srv.serveConn(conn, r)
}

func (srv *Server) serveConn(conn *websocket.Conn, r *http.Request) {
	// Handshake: the first frame must be a connect for our namespace.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	f, err := decodeFrame(raw)
	if err != nil || f.Type != frameConnect {
		_ = conn.Close()
		return
	}
	if f.Namespace != srv.namespace {
		srv.refuse(conn, fmt.Sprintf("unknown namespace %q", f.Namespace))
		return
	}
	if srv.authenticate != nil {
		if err := srv.authenticate(r, f.Data); err != nil {
			srv.logger.Info("connection refused", "remote", r.RemoteAddr, "error", err)
			srv.refuse(conn, "authentication failed")
			return
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	sid := uuid.NewString()
	s := newSocket(srv, conn, sid, r.Header.Clone())

	accept, err := encodeFrame(&frame{Type: frameConnected, Namespace: srv.namespace, SID: sid})
	if err != nil || conn.WriteMessage(websocket.TextMessage, accept) != nil {
		_ = conn.Close()
		return
	}

	srv.mu.Lock()
	srv.sockets[sid] = s
	srv.mu.Unlock()

	go s.writeLoop()
	srv.logger.Debug("socket connected", "sid", sid, "remote", r.RemoteAddr)
	if srv.onConnect != nil {
		srv.onConnect(s)
	}

	srv.readLoop(s)
}

// readLoop dispatches inbound frames. Events are dispatched in arrival
// order; each handler runs in its own goroutine so a slow forward cannot
// starve later traffic (cancellation in particular).
func (srv *Server) readLoop(s *Socket) {
	defer srv.dropSocket(s)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			srv.logger.Warn("undecodable frame", "sid", s.ID, "error", err)
			continue
		}
		switch f.Type {
		case frameAck:
			s.deliverAck(f)
		case frameEvent:
			srv.mu.RLock()
			h, ok := srv.handlers[f.Event]
			srv.mu.RUnlock()
			if !ok {
				srv.logger.Warn("no handler for event", "sid", s.ID, "event", f.Event)
				if f.AckID != 0 {
					_ = s.write(&frame{Type: frameAck, Namespace: srv.namespace, AckID: f.AckID, Error: fmt.Sprintf("unknown event %q", f.Event)})
				}
				continue
			}
			go srv.dispatch(s, f, h)
		default:
			srv.logger.Warn("unexpected frame type", "sid", s.ID, "type", string(f.Type))
		}
	}
}

func (srv *Server) dispatch(s *Socket, f *frame, h EventHandler) {
	result, err := h(context.Background(), s, f.Data)
	if f.AckID == 0 {
		if err != nil {
			srv.logger.Warn("handler failed for ackless event", "sid", s.ID, "event", f.Event, "error", err)
		}
		return
	}
	ack := &frame{Type: frameAck, Namespace: srv.namespace, AckID: f.AckID}
	if err != nil {
		ack.Error = err.Error()
	} else if ack.Data, err = marshalData(result); err != nil {
		ack.Error = fmt.Sprintf("marshal ack: %v", err)
	}
	if err := s.write(ack); err != nil {
		srv.logger.Warn("ack delivery failed", "sid", s.ID, "event", f.Event, "error", err)
	}
}

func (srv *Server) refuse(conn *websocket.Conn, reason string) {
	if raw, err := encodeFrame(&frame{Type: frameConnectError, Namespace: srv.namespace, Error: reason}); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
	_ = conn.Close()
}

func (srv *Server) dropSocket(s *Socket) {
	s.Close()
	if srv.onDisconnect != nil {
		srv.onDisconnect(s)
	}
	srv.mu.Lock()
	delete(srv.sockets, s.ID)
	for room, members := range srv.rooms {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(srv.rooms, room)
		}
	}
	srv.mu.Unlock()
	srv.logger.Debug("socket disconnected", "sid", s.ID)
}

func (srv *Server) joinRoom(room string, s *Socket) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	members, ok := srv.rooms[room]
	if !ok {
		members = make(map[string]*Socket)
		srv.rooms[room] = members
	}
	members[s.ID] = s
}

func (srv *Server) leaveRoom(room string, s *Socket) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if members, ok := srv.rooms[room]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(srv.rooms, room)
		}
	}
}
