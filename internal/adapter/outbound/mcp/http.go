package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/a2c-smcp/smcp/internal/domain/upstream"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// headerTransport injects static headers into every request of an HTTP
// transport (auth tokens for remote MCP endpoints).
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func httpClientFor(headers map[string]string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &headerTransport{headers: headers},
		Timeout:   timeout,
	}
}

// SSEClient connects to an MCP server over the SSE transport.
type SSEClient struct {
	*client
	params upstream.SSEParams
}

// NewSSEClient builds an SSE client from a validated config.
func NewSSEClient(cfg *upstream.ServerConfig, logger *slog.Logger, listener outbound.ChangeListener) *SSEClient {
	s := &SSEClient{params: *cfg.SSE}
	s.client = newClient(cfg.Name, logger, listener, s.transport)
	return s
}

func (s *SSEClient) transport(context.Context) (sdk.Transport, error) {
	// No http.Client timeout: it would sever the long-lived event stream.
	// timeout_seconds and sse_read_timeout_seconds are not applied here;
	// calls are bounded only by the contexts their callers pass.
	return &sdk.SSEClientTransport{
		Endpoint:   s.params.URL,
		HTTPClient: httpClientFor(s.params.Headers, 0),
	}, nil
}

var _ outbound.MCPClient = (*SSEClient)(nil)

// StreamableHTTPClient connects to an MCP server over the streamable HTTP
// transport.
type StreamableHTTPClient struct {
	*client
	params upstream.StreamableHTTPParams
}

// NewStreamableHTTPClient builds a streamable-HTTP client from a validated
// config.
func NewStreamableHTTPClient(cfg *upstream.ServerConfig, logger *slog.Logger, listener outbound.ChangeListener) *StreamableHTTPClient {
	s := &StreamableHTTPClient{params: *cfg.StreamableHTTP}
	s.client = newClient(cfg.Name, logger, listener, s.transport)
	return s
}

func (s *StreamableHTTPClient) transport(context.Context) (sdk.Transport, error) {
	return &sdk.StreamableClientTransport{
		Endpoint:   s.params.URL,
		HTTPClient: httpClientFor(s.params.Headers, 0),
	}, nil
}

var _ outbound.MCPClient = (*StreamableHTTPClient)(nil)
