package sio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ErrSocketClosed is returned for operations on a socket whose connection
// has terminated.
var ErrSocketClosed = errors.New("sio: socket closed")

// ackResult carries a remote ack back to the waiting caller.
type ackResult struct {
	data json.RawMessage
	err  error
}

// Socket is the server-side handle of one connected peer.
type Socket struct {
	// ID is the session id assigned at connect time.
	ID string

	srv    *Server
	conn   *websocket.Conn
	header http.Header

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	rooms   map[string]struct{}
	pending map[uint64]chan ackResult
	nextAck atomic.Uint64
}

func newSocket(srv *Server, conn *websocket.Conn, id string, header http.Header) *Socket {
	return &Socket{
		ID:      id,
		srv:     srv,
		conn:    conn,
		header:  header,
		send:    make(chan []byte, 64),
		closed:  make(chan struct{}),
		rooms:   make(map[string]struct{}),
		pending: make(map[uint64]chan ackResult),
	}
}

// Header returns the HTTP headers of the upgrade request.
func (s *Socket) Header() http.Header {
	return s.header
}

// Emit sends a fire-and-forget event to the peer.
func (s *Socket) Emit(event string, v any) error {
	data, err := marshalData(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return s.write(&frame{Type: frameEvent, Namespace: s.srv.namespace, Event: event, Data: data})
}

// Call sends an ack-bearing event to the peer and blocks until the ack
// arrives, the context expires, or the socket closes. The returned bytes
// are the peer's ack payload verbatim.
func (s *Socket) Call(ctx context.Context, event string, v any) (json.RawMessage, error) {
	data, err := marshalData(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	id := s.nextAck.Add(1)
	ch := make(chan ackResult, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	f := &frame{Type: frameEvent, Namespace: s.srv.namespace, Event: event, AckID: id, Data: data}
	if err := s.write(f); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSocketClosed
	}
}

// Join adds the socket to a room.
func (s *Socket) Join(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
	s.srv.joinRoom(room, s)
}

// Leave removes the socket from a room.
func (s *Socket) Leave(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
	s.srv.leaveRoom(room, s)
}

// Rooms returns the rooms the socket currently belongs to.
func (s *Socket) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Close tears the connection down. Safe to call more than once.
func (s *Socket) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// write enqueues an encoded frame on the writer goroutine.
func (s *Socket) write(f *frame) error {
	raw, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case s.send <- raw:
		return nil
	case <-s.closed:
		return ErrSocketClosed
	}
}

// deliverAck routes an inbound ack frame to the pending caller, if any.
func (s *Socket) deliverAck(f *frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.AckID]
	s.mu.Unlock()
	if !ok {
		return
	}
	res := ackResult{data: f.Data}
	if f.Error != "" {
		res.err = errors.New(f.Error)
	}
	select {
	case ch <- res:
	default:
	}
}

// writeLoop drains the send channel onto the connection. It owns all writes
// after the handshake, so no write lock is needed.
func (s *Socket) writeLoop() {
	for {
		select {
		case raw := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}
