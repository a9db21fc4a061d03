package sio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned for operations on a closed client.
var ErrClientClosed = errors.New("sio: client closed")

// ErrConnectionRefused is returned when the server rejects the connect
// handshake (authentication failure or unknown namespace).
var ErrConnectionRefused = errors.New("sio: connection refused")

// ClientHandler processes one inbound event on a client. The returned
// value becomes the ack payload when the server requested one.
type ClientHandler func(ctx context.Context, data json.RawMessage) (any, error)

// ClientOption configures a Dial.
type ClientOption func(*clientConfig)

type clientConfig struct {
	header http.Header
	auth   any
	logger *slog.Logger
}

// WithHeader adds an HTTP header to the upgrade request (e.g. the api-key
// header consumed by the server's authentication provider).
func WithHeader(key, value string) ClientOption {
	return func(c *clientConfig) { c.header.Set(key, value) }
}

// WithAuth attaches an auth payload to the connect frame.
func WithAuth(v any) ClientOption {
	return func(c *clientConfig) { c.auth = v }
}

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// Client is one peer connection to the signaling bus.
type Client struct {
	namespace string
	logger    *slog.Logger
	conn      *websocket.Conn
	sid       string

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	handlers map[string]ClientHandler
	pending  map[uint64]chan ackResult
	nextAck  atomic.Uint64
}

// Dial connects to a bus server and opens the namespace. The raw URL may be
// http(s) or ws(s); the bus path is appended when absent.
func Dial(ctx context.Context, rawURL, namespace string, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{header: make(http.Header), logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	wsURL, err := busURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, cfg.header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		namespace: namespace,
		logger:    cfg.logger,
		conn:      conn,
		send:      make(chan []byte, 64),
		closed:    make(chan struct{}),
		handlers:  make(map[string]ClientHandler),
		pending:   make(map[uint64]chan ackResult),
	}

	if err := c.handshake(ctx, cfg.auth); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// busURL normalizes rawURL to a ws(s) URL ending in the bus path.
func busURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, DefaultPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + DefaultPath
	}
	return u.String(), nil
}

func (c *Client) handshake(ctx context.Context, auth any) error {
	data, err := marshalData(auth)
	if err != nil {
		return fmt.Errorf("marshal auth payload: %w", err)
	}
	raw, err := encodeFrame(&frame{Type: frameConnect, Namespace: c.namespace, Data: data})
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_ = c.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	_, reply, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await connect reply: %w", err)
	}
	f, err := decodeFrame(reply)
	if err != nil {
		return fmt.Errorf("decode connect reply: %w", err)
	}
	switch f.Type {
	case frameConnected:
		c.sid = f.SID
	case frameConnectError:
		return fmt.Errorf("%w: %s", ErrConnectionRefused, f.Error)
	default:
		return fmt.Errorf("unexpected handshake frame %q", f.Type)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	_ = c.conn.SetWriteDeadline(time.Time{})
	return nil
}

// SID returns the session id the server assigned at connect time.
func (c *Client) SID() string { return c.sid }

// On registers the handler for a named inbound event.
func (c *Client) On(event string, h ClientHandler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, v any) error {
	data, err := marshalData(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return c.write(&frame{Type: frameEvent, Namespace: c.namespace, Event: event, Data: data})
}

// Call sends an ack-bearing event and blocks until the ack arrives, the
// context expires, or the client closes.
func (c *Client) Call(ctx context.Context, event string, v any) (json.RawMessage, error) {
	data, err := marshalData(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	id := c.nextAck.Add(1)
	ch := make(chan ackResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(&frame{Type: frameEvent, Namespace: c.namespace, Event: event, AckID: id, Data: data}); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClientClosed
	}
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

// Closed reports whether the connection has terminated.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) write(f *frame) error {
	raw, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.closed:
		return ErrClientClosed
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case raw := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop dispatches inbound frames in arrival order; each event handler
// runs in its own goroutine so long tool executions cannot block
// cancellation notifications arriving behind them.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}
		switch f.Type {
		case frameAck:
			c.mu.Lock()
			ch, ok := c.pending[f.AckID]
			c.mu.Unlock()
			if !ok {
				continue
			}
			res := ackResult{data: f.Data}
			if f.Error != "" {
				res.err = errors.New(f.Error)
			}
			select {
			case ch <- res:
			default:
			}
		case frameEvent:
			c.mu.Lock()
			h, ok := c.handlers[f.Event]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("no handler for event", "event", f.Event)
				if f.AckID != 0 {
					_ = c.write(&frame{Type: frameAck, Namespace: c.namespace, AckID: f.AckID, Error: fmt.Sprintf("unknown event %q", f.Event)})
				}
				continue
			}
			go c.dispatch(f, h)
		default:
			c.logger.Warn("unexpected frame type", "type", string(f.Type))
		}
	}
}

func (c *Client) dispatch(f *frame, h ClientHandler) {
	result, err := h(context.Background(), f.Data)
	if f.AckID == 0 {
		if err != nil {
			c.logger.Warn("handler failed for ackless event", "event", f.Event, "error", err)
		}
		return
	}
	ack := &frame{Type: frameAck, Namespace: c.namespace, AckID: f.AckID}
	if err != nil {
		ack.Error = err.Error()
	} else if ack.Data, err = marshalData(result); err != nil {
		ack.Error = fmt.Sprintf("marshal ack: %v", err)
	}
	if err := c.write(ack); err != nil {
		c.logger.Warn("ack delivery failed", "event", f.Event, "error", err)
	}
}
