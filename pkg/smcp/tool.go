package smcp

import "encoding/json"

// Metadata keys attached to tool-call results by the Computer.
const (
	// MetaKeyToolMeta carries the merged ToolMeta of the called tool.
	MetaKeyToolMeta = "a2c_tool_meta"
	// MetaKeyTransformed carries the JSON-encoded output of the configured
	// result-transform expression, when one is set and succeeded.
	MetaKeyTransformed = "a2c_vrl_transformed"
)

// ToolMeta is per-tool metadata configured on a Computer. All fields are
// optional; absent fields fall back to the server's default_tool_meta.
type ToolMeta struct {
	AutoApply       *bool             `json:"auto_apply,omitempty"`
	Alias           *string           `json:"alias,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	RetObjectMapper map[string]string `json:"ret_object_mapper,omitempty"`
}

// Merge overlays m (the tool-specific meta) on top of def (the default
// meta) field by field. A present field in m wins; absent fields fall back
// to def. Nil inputs are handled; the result is a fresh value.
func (m *ToolMeta) Merge(def *ToolMeta) *ToolMeta {
	if m == nil && def == nil {
		return nil
	}
	if m == nil {
		out := *def
		return &out
	}
	if def == nil {
		out := *m
		return &out
	}
	out := *def
	if m.AutoApply != nil {
		out.AutoApply = m.AutoApply
	}
	if m.Alias != nil {
		out.Alias = m.Alias
	}
	if m.Tags != nil {
		out.Tags = m.Tags
	}
	if m.RetObjectMapper != nil {
		out.RetObjectMapper = m.RetObjectMapper
	}
	return &out
}

// SMCPTool is one entry of the aggregated tool surface a Computer exposes.
// Name is the effective (possibly aliased) name.
type SMCPTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	ReturnSchema json.RawMessage `json:"return_schema,omitempty"`
	Meta         *ToolMeta       `json:"meta,omitempty"`
}

// Desktop is one rendered window entry of a Computer's desktop view.
type Desktop struct {
	Server        string `json:"server"`
	WindowURI     string `json:"window_uri"`
	ContentDigest string `json:"content_digest"`
	Detail        string `json:"detail,omitempty"`
}

// ContentItem is a single content element of a tool-call result. Only text
// content crosses the signaling bus in this protocol version.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the wire shape of a tool-call outcome, compatible with
// the MCP tools/call result. Callers rely on IsError plus Content; the
// Computer never wraps results in a {success, result, error} envelope.
type CallToolResult struct {
	Content           []ContentItem  `json:"content"`
	IsError           bool           `json:"isError"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	Meta              map[string]any `json:"_meta,omitempty"`
}

// NewTextResult builds a successful single-text result.
func NewTextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentItem{{Type: "text", Text: text}}}
}

// NewErrorResult builds a failed result whose reason travels both as text
// content and as structured content.
func NewErrorResult(reason string) *CallToolResult {
	return &CallToolResult{
		Content:           []ContentItem{{Type: "text", Text: reason}},
		IsError:           true,
		StructuredContent: map[string]any{"error": reason},
	}
}

// SetMeta stores a value under key in the result's metadata, allocating the
// map on first use.
func (r *CallToolResult) SetMeta(key string, value any) {
	if r.Meta == nil {
		r.Meta = make(map[string]any, 1)
	}
	r.Meta[key] = value
}
