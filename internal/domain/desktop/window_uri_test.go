package desktop

import (
	"reflect"
	"testing"
)

func TestParseMinimal(t *testing.T) {
	w, err := ParseWindowURI("window://filesystem")
	if err != nil {
		t.Fatal(err)
	}
	if w.MCPID() != "filesystem" {
		t.Errorf("mcp id = %s", w.MCPID())
	}
	if len(w.Windows()) != 0 {
		t.Errorf("windows = %v", w.Windows())
	}
	if w.Priority() != 0 || w.Fullscreen() {
		t.Errorf("defaults wrong: priority=%d fullscreen=%v", w.Priority(), w.Fullscreen())
	}
}

func TestParseWithPaths(t *testing.T) {
	w, err := ParseWindowURI("window://editor/main/side%20panel")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := w.Windows(), []string{"main", "side panel"}; !reflect.DeepEqual(got, want) {
		t.Errorf("windows = %v, want %v", got, want)
	}
}

func TestParseQueryParams(t *testing.T) {
	w, err := ParseWindowURI("window://term/shell?priority=42&fullscreen=true")
	if err != nil {
		t.Fatal(err)
	}
	if w.Priority() != 42 {
		t.Errorf("priority = %d", w.Priority())
	}
	if !w.Fullscreen() {
		t.Error("fullscreen should be true")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", "http://editor/main"},
		{"missing host", "window:///main"},
		{"priority above range", "window://x?priority=101"},
		{"priority below range", "window://x?priority=-1"},
		{"priority not a number", "window://x?priority=high"},
		{"fullscreen not boolean", "window://x?fullscreen=maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseWindowURI(tt.uri); err == nil {
				t.Errorf("ParseWindowURI(%q) should fail", tt.uri)
			}
		})
	}
}

func TestFullscreenVariants(t *testing.T) {
	for uri, want := range map[string]bool{
		"window://x?fullscreen=true":  true,
		"window://x?fullscreen=1":     true,
		"window://x?fullscreen=false": false,
		"window://x?fullscreen=0":     false,
		"window://x":                  false,
	} {
		w, err := ParseWindowURI(uri)
		if err != nil {
			t.Fatalf("%s: %v", uri, err)
		}
		if w.Fullscreen() != want {
			t.Errorf("%s: fullscreen = %v, want %v", uri, w.Fullscreen(), want)
		}
	}
}

func TestBuildWindowURI(t *testing.T) {
	uri := BuildWindowURI("editor", []string{"main", "side panel"}, 10, true)
	w, err := ParseWindowURI(uri)
	if err != nil {
		t.Fatalf("built uri does not parse: %v", err)
	}
	if w.MCPID() != "editor" || w.Priority() != 10 || !w.Fullscreen() {
		t.Errorf("round trip lost fields: %s", uri)
	}
	if got, want := w.Windows(), []string{"main", "side panel"}; !reflect.DeepEqual(got, want) {
		t.Errorf("windows = %v, want %v", got, want)
	}
}

func TestIsWindowURI(t *testing.T) {
	if !IsWindowURI("window://a/b?priority=1") {
		t.Error("valid uri rejected")
	}
	if IsWindowURI("file:///etc/passwd") {
		t.Error("non-window uri accepted")
	}
}
