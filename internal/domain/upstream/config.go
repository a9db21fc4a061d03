// Package upstream defines the configuration model for downstream MCP
// servers managed by a Computer: transport variants, tool metadata, and
// the validation applied before a config may construct a client.
package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// Transport type discriminators, serialized in the "type" field.
const (
	TypeStdio          = "stdio"
	TypeSSE            = "sse"
	TypeStreamableHTTP = "streamable_http"
)

// StdioParams configures a subprocess-launched MCP server.
type StdioParams struct {
	Command             string            `json:"command" validate:"required" mapstructure:"command"`
	Args                []string          `json:"args,omitempty" mapstructure:"args"`
	Env                 map[string]string `json:"env,omitempty" mapstructure:"env"`
	Cwd                 string            `json:"cwd,omitempty" mapstructure:"cwd"`
	TextEncoding        string            `json:"text_encoding,omitempty" validate:"omitempty,oneof=utf-8 utf-16 ascii" mapstructure:"text_encoding"`
	EncodingErrorPolicy string            `json:"encoding_error_policy,omitempty" validate:"omitempty,oneof=strict replace ignore" mapstructure:"encoding_error_policy"`
}

// SSEParams configures an SSE-transport MCP server.
type SSEParams struct {
	URL                   string            `json:"url" validate:"required,url" mapstructure:"url"`
	Headers               map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	TimeoutSeconds        float64           `json:"timeout_seconds,omitempty" validate:"gte=0" mapstructure:"timeout_seconds"`
	SSEReadTimeoutSeconds float64           `json:"sse_read_timeout_seconds,omitempty" validate:"gte=0" mapstructure:"sse_read_timeout_seconds"`
}

// StreamableHTTPParams configures a streamable-HTTP-transport MCP server.
type StreamableHTTPParams struct {
	URL                   string            `json:"url" validate:"required,url" mapstructure:"url"`
	Headers               map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	TimeoutISO8601        string            `json:"timeout_iso8601,omitempty" mapstructure:"timeout_iso8601"`
	SSEReadTimeoutISO8601 string            `json:"sse_read_timeout_iso8601,omitempty" mapstructure:"sse_read_timeout_iso8601"`
	TerminateOnClose      bool              `json:"terminate_on_close,omitempty" mapstructure:"terminate_on_close"`
}

// ServerConfig describes one downstream MCP server. Name is the identity;
// two configs are the same server iff their names are equal. A config is
// frozen once Validate has accepted it; mutators of the manager replace
// whole records rather than editing fields in place.
type ServerConfig struct {
	Type            string                    `json:"type" validate:"required,oneof=stdio sse streamable_http" mapstructure:"type"`
	Name            string                    `json:"name" validate:"required" mapstructure:"name"`
	Disabled        bool                      `json:"disabled,omitempty" mapstructure:"disabled"`
	ForbiddenTools  []string                  `json:"forbidden_tools,omitempty" mapstructure:"forbidden_tools"`
	ToolMeta        map[string]*smcp.ToolMeta `json:"tool_meta,omitempty" mapstructure:"tool_meta"`
	DefaultToolMeta *smcp.ToolMeta            `json:"default_tool_meta,omitempty" mapstructure:"default_tool_meta"`
	VRL             string                    `json:"vrl,omitempty" mapstructure:"vrl"`

	Stdio          *StdioParams          `json:"stdio,omitempty" mapstructure:"stdio"`
	SSE            *SSEParams            `json:"sse,omitempty" mapstructure:"sse"`
	StreamableHTTP *StreamableHTTPParams `json:"streamable_http,omitempty" mapstructure:"streamable_http"`
}

// Validate checks structural consistency beyond field tags: the parameter
// block must match the declared type and be the only one present.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server config: name is required")
	}
	present := map[string]bool{
		TypeStdio:          c.Stdio != nil,
		TypeSSE:            c.SSE != nil,
		TypeStreamableHTTP: c.StreamableHTTP != nil,
	}
	if _, known := present[c.Type]; !known {
		return fmt.Errorf("server config %q: unknown type %q", c.Name, c.Type)
	}
	if !present[c.Type] {
		return fmt.Errorf("server config %q: missing %s parameters", c.Name, c.Type)
	}
	count := 0
	for _, set := range present {
		if set {
			count++
		}
	}
	if count > 1 {
		return fmt.Errorf("server config %q: parameters present for more than one transport", c.Name)
	}
	if c.Type == TypeStdio && c.Stdio.Command == "" {
		return fmt.Errorf("server config %q: stdio command is required", c.Name)
	}
	if c.Type == TypeSSE && c.SSE.URL == "" {
		return fmt.Errorf("server config %q: sse url is required", c.Name)
	}
	if c.Type == TypeStreamableHTTP && c.StreamableHTTP.URL == "" {
		return fmt.Errorf("server config %q: streamable_http url is required", c.Name)
	}
	if c.Type == TypeStreamableHTTP {
		for _, d := range []string{c.StreamableHTTP.TimeoutISO8601, c.StreamableHTTP.SSEReadTimeoutISO8601} {
			if d == "" {
				continue
			}
			if _, err := ParseISODuration(d); err != nil {
				return fmt.Errorf("server config %q: %w", c.Name, err)
			}
		}
	}
	return nil
}

// IsForbidden reports whether a tool name (original or alias) is filtered
// out by forbidden_tools.
func (c *ServerConfig) IsForbidden(name string) bool {
	for _, t := range c.ForbiddenTools {
		if t == name {
			return true
		}
	}
	return false
}

// MergedToolMeta returns the effective metadata for a tool: the per-tool
// entry overlaid on default_tool_meta. Nil when neither is configured.
func (c *ServerConfig) MergedToolMeta(tool string) *smcp.ToolMeta {
	return c.ToolMeta[tool].Merge(c.DefaultToolMeta)
}

// Clone returns a deep copy. Used by mutators that must be able to roll
// back to a pre-call snapshot.
func (c *ServerConfig) Clone() *ServerConfig {
	raw, err := json.Marshal(c)
	if err != nil {
		// A validated config always marshals; this is a programmer error.
		panic(fmt.Sprintf("upstream: clone %s: %v", c.Name, err))
	}
	var out ServerConfig
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("upstream: clone %s: %v", c.Name, err))
	}
	return &out
}

// ToJSON renders the config to its generic JSON form for placeholder
// rendering.
func (c *ServerConfig) ToJSON() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromJSON parses a rendered generic JSON form back into a config.
func FromJSON(data map[string]any) (*ServerConfig, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out ServerConfig
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
