package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
)

// placeholderPattern matches ${input:<id>} references inside config
// strings.
var placeholderPattern = regexp.MustCompile(`\$\{input:([^}]+)\}`)

// DefaultRenderDepth bounds recursive rendering.
const DefaultRenderDepth = 10

// ValueResolver is the slice of InputResolver the renderer needs; it keeps
// the render logic independent of how values are obtained.
type ValueResolver interface {
	Resolve(ctx context.Context, id string) (inputs.Value, error)
}

// ConfigRender substitutes ${input:<id>} placeholders inside the generic
// JSON form of a server config.
type ConfigRender struct {
	maxDepth int
	logger   *slog.Logger
}

// NewConfigRender builds a renderer with the default depth bound.
func NewConfigRender(logger *slog.Logger) *ConfigRender {
	return &ConfigRender{maxDepth: DefaultRenderDepth, logger: logger}
}

// WithMaxDepth overrides the depth bound.
func (cr *ConfigRender) WithMaxDepth(depth int) *ConfigRender {
	cr.maxDepth = depth
	return cr
}

// Render walks data and substitutes placeholders. Unknown input ids leave
// the original text in place with a warning; they never fail the render.
func (cr *ConfigRender) Render(ctx context.Context, data any, resolver ValueResolver) (any, error) {
	return cr.render(ctx, data, resolver, 0)
}

func (cr *ConfigRender) render(ctx context.Context, data any, resolver ValueResolver, depth int) (any, error) {
	if depth > cr.maxDepth {
		return nil, fmt.Errorf("render depth exceeds %d", cr.maxDepth)
	}
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			rendered, err := cr.render(ctx, child, resolver, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			rendered, err := cr.render(ctx, child, resolver, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		return cr.renderString(ctx, v, resolver)
	default:
		return data, nil
	}
}

// renderString substitutes placeholders in one string. A string that is
// exactly one placeholder is replaced by the resolved value verbatim,
// preserving its type; otherwise values are stringified and spliced.
func (cr *ConfigRender) renderString(ctx context.Context, s string, resolver ValueResolver) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		id := s[matches[0][2]:matches[0][3]]
		value, err := resolver.Resolve(ctx, id)
		if err != nil {
			cr.logger.Warn("placeholder left unresolved", "input", id, "error", err)
			return s, nil
		}
		return value.Any(), nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		id := s[m[2]:m[3]]
		b.WriteString(s[last:start])
		value, err := resolver.Resolve(ctx, id)
		if err != nil {
			cr.logger.Warn("placeholder left unresolved", "input", id, "error", err)
			b.WriteString(s[start:end])
		} else {
			b.WriteString(value.AsString())
		}
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
