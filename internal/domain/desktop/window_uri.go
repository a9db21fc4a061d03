// Package desktop aggregates window:// resources exposed by MCP servers
// into the ordered desktop view an Agent fetches.
package desktop

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the URI scheme identifying window resources.
const Scheme = "window"

// WindowURI is a parsed window:// resource URI. The host names the MCP
// server; path segments name the window; priority and fullscreen arrive as
// query parameters.
type WindowURI struct {
	raw      string
	host     string
	segments []string
	params   url.Values
}

// ParseWindowURI parses and validates a window URI.
func ParseWindowURI(raw string) (*WindowURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse window uri: %w", err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("window uri %q: scheme %q is not %q", raw, u.Scheme, Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("window uri %q: missing host", raw)
	}

	var segments []string
	for _, seg := range strings.Split(strings.TrimPrefix(u.Path, "/"), "/") {
		if seg == "" {
			continue
		}
		dec, err := url.PathUnescape(seg)
		if err != nil {
			return nil, fmt.Errorf("window uri %q: bad path segment %q", raw, seg)
		}
		segments = append(segments, dec)
	}

	w := &WindowURI{raw: raw, host: u.Host, segments: segments, params: u.Query()}

	if p, ok, err := w.priority(); err != nil {
		return nil, err
	} else if ok && (p < 0 || p > 100) {
		return nil, fmt.Errorf("window uri %q: priority %d out of range [0,100]", raw, p)
	}
	if _, _, err := w.fullscreen(); err != nil {
		return nil, err
	}
	return w, nil
}

// IsWindowURI reports whether raw parses as a valid window URI.
func IsWindowURI(raw string) bool {
	_, err := ParseWindowURI(raw)
	return err == nil
}

// String returns the original URI text.
func (w *WindowURI) String() string { return w.raw }

// MCPID returns the host component (the exposing server's id).
func (w *WindowURI) MCPID() string { return w.host }

// Windows returns the decoded path segments.
func (w *WindowURI) Windows() []string { return w.segments }

// Priority returns the priority parameter, defaulting to 0.
func (w *WindowURI) Priority() int {
	p, ok, _ := w.priority()
	if !ok {
		return 0
	}
	return p
}

// Fullscreen returns the fullscreen parameter, defaulting to false.
func (w *WindowURI) Fullscreen() bool {
	v, ok, _ := w.fullscreen()
	return ok && v
}

func (w *WindowURI) priority() (int, bool, error) {
	s := w.params.Get("priority")
	if s == "" {
		return 0, false, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("window uri %q: priority %q is not an integer", w.raw, s)
	}
	return p, true, nil
}

func (w *WindowURI) fullscreen() (bool, bool, error) {
	s := w.params.Get("fullscreen")
	if s == "" {
		return false, false, nil
	}
	switch strings.ToLower(s) {
	case "true", "1":
		return true, true, nil
	case "false", "0":
		return false, true, nil
	}
	return false, false, fmt.Errorf("window uri %q: fullscreen %q is not a boolean", w.raw, s)
}

// BuildWindowURI assembles a window URI from its parts. Priority below zero
// is omitted.
func BuildWindowURI(mcpID string, windows []string, priority int, fullscreen bool) string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString("://")
	b.WriteString(mcpID)
	for _, w := range windows {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(w))
	}
	q := url.Values{}
	if priority >= 0 {
		q.Set("priority", strconv.Itoa(priority))
	}
	if fullscreen {
		q.Set("fullscreen", "true")
	}
	if enc := q.Encode(); enc != "" {
		b.WriteByte('?')
		b.WriteString(enc)
	}
	return b.String()
}
