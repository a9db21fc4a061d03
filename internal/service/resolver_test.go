package service

import (
	"context"
	"errors"
	"testing"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
)

// fakeProvider returns canned values and counts calls.
type fakeProvider struct {
	values map[string]string
	calls  int
}

func (f *fakeProvider) PromptString(_ context.Context, def inputs.Definition) (string, error) {
	f.calls++
	if v, ok := f.values[def.ID]; ok {
		return v, nil
	}
	if def.Default != nil {
		return *def.Default, nil
	}
	return "", nil
}

func (f *fakeProvider) PickString(_ context.Context, def inputs.Definition) (string, error) {
	f.calls++
	if v, ok := f.values[def.ID]; ok {
		return v, nil
	}
	return def.Options[0], nil
}

func strp(s string) *string { return &s }

func TestDefinitionSetSemantics(t *testing.T) {
	r, err := NewInputResolver(&fakeProvider{},
		inputs.Definition{Type: inputs.KindPromptString, ID: "PORT", Default: strp("8080")})
	if err != nil {
		t.Fatal(err)
	}

	// Same-id re-add replaces the definition.
	if err := r.AddDefinition(inputs.Definition{Type: inputs.KindPromptString, ID: "PORT", Default: strp("9090")}); err != nil {
		t.Fatal(err)
	}
	if defs := r.Definitions(); len(defs) != 1 || *defs[0].Default != "9090" {
		t.Errorf("definitions = %+v", defs)
	}

	if !r.RemoveDefinition("PORT") {
		t.Error("remove reported missing")
	}
	if r.RemoveDefinition("PORT") {
		t.Error("second remove reported present")
	}
}

func TestResolveUsesCacheFirst(t *testing.T) {
	p := &fakeProvider{values: map[string]string{"PORT": "7000"}}
	r, _ := NewInputResolver(p, inputs.Definition{Type: inputs.KindPromptString, ID: "PORT"})

	v, err := r.Resolve(context.Background(), "PORT")
	if err != nil {
		t.Fatal(err)
	}
	if v.AsString() != "7000" || p.calls != 1 {
		t.Fatalf("first resolve: %q calls=%d", v.AsString(), p.calls)
	}

	// Second resolve hits the cache, no provider call.
	if _, err := r.Resolve(context.Background(), "PORT"); err != nil {
		t.Fatal(err)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1", p.calls)
	}
}

func TestResolveUnknownID(t *testing.T) {
	r, _ := NewInputResolver(&fakeProvider{})
	if _, err := r.Resolve(context.Background(), "GHOST"); !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("expected ErrInputNotFound, got %v", err)
	}
}

func TestCacheOperations(t *testing.T) {
	r, _ := NewInputResolver(&fakeProvider{},
		inputs.Definition{Type: inputs.KindPromptString, ID: "PORT", Default: strp("8080")},
		inputs.Definition{Type: inputs.KindCommand, ID: "TOKEN", Command: "true"})

	// Setting a value for an unknown id fails.
	if err := r.SetCachedValue("GHOST", inputs.StringValue("x")); !errors.Is(err, ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got %v", err)
	}

	if err := r.SetCachedValue("PORT", inputs.StringValue("9090")); err != nil {
		t.Fatal(err)
	}
	if v, ok := r.CachedValue("PORT"); !ok || v.AsString() != "9090" {
		t.Errorf("cached = %q, %v", v.AsString(), ok)
	}

	// Default fallback is invalid for command kind and missing defaults.
	if err := r.SetCachedDefault("TOKEN"); err == nil {
		t.Error("command default must fail")
	}
	if err := r.SetCachedDefault("PORT"); err != nil {
		t.Errorf("prompt default: %v", err)
	}
	if v, _ := r.CachedValue("PORT"); v.AsString() != "8080" {
		t.Errorf("default not applied: %q", v.AsString())
	}

	if !r.RemoveCachedValue("PORT") {
		t.Error("remove missed")
	}
	_ = r.SetCachedValue("PORT", inputs.StringValue("1"))
	r.ClearCache()
	if _, ok := r.CachedValue("PORT"); ok {
		t.Error("clear left entries behind")
	}
}

func TestCommandInput(t *testing.T) {
	r, _ := NewInputResolver(&fakeProvider{},
		inputs.Definition{Type: inputs.KindCommand, ID: "GREETING", Command: "echo", Args: map[string]string{"who": "world"}})

	v, err := r.Resolve(context.Background(), "GREETING")
	if err != nil {
		t.Fatal(err)
	}
	if v.AsString() != "who=world" {
		t.Errorf("command output = %q", v.AsString())
	}
}

func TestCommandInputFailure(t *testing.T) {
	r, _ := NewInputResolver(&fakeProvider{},
		inputs.Definition{Type: inputs.KindCommand, ID: "BAD", Command: "false"})
	if _, err := r.Resolve(context.Background(), "BAD"); err == nil {
		t.Error("non-zero exit must fail resolution")
	}
}

func TestCommandParseModes(t *testing.T) {
	// runCommandInput is exercised directly so the fixtures stay simple.
	lines, err := runCommandInput(context.Background(), inputs.Definition{
		Type: inputs.KindCommand, ID: "L", Command: "printf", Parse: inputs.ParseLines,
		Args: map[string]string{"a": "1\nb"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := lines.Any().([]any); !ok || len(got) != 2 {
		t.Errorf("lines parse = %v", lines.Any())
	}

	jsonVal, err := runCommandInput(context.Background(), inputs.Definition{
		Type: inputs.KindCommand, ID: "J", Command: "echo", Parse: inputs.ParseJSON,
		Args: map[string]string{"x": `1, "ignored": true}`},
	})
	// echo prints `x=1, "ignored": true}` which is not JSON.
	if err == nil {
		t.Errorf("invalid json should fail, got %v", jsonVal.Any())
	}

	raw, err := runCommandInput(context.Background(), inputs.Definition{
		Type: inputs.KindCommand, ID: "R", Command: "echo", Parse: inputs.ParseRaw,
		Args: map[string]string{"key": "value"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if raw.AsString() != "key=value" {
		t.Errorf("raw parse = %q", raw.AsString())
	}
}

func TestCacheSnapshotRestore(t *testing.T) {
	r, _ := NewInputResolver(&fakeProvider{},
		inputs.Definition{Type: inputs.KindPromptString, ID: "PORT"})
	_ = r.SetCachedValue("PORT", inputs.StringValue("7777"))

	snap := r.CacheSnapshot()

	r2, _ := NewInputResolver(&fakeProvider{},
		inputs.Definition{Type: inputs.KindPromptString, ID: "PORT"})
	r2.RestoreCache(snap)
	if v, ok := r2.CachedValue("PORT"); !ok || v.AsString() != "7777" {
		t.Errorf("restored = %q, %v", v.AsString(), ok)
	}
}
