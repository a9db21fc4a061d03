// Package service implements the protocol cores: the Computer's MCP fleet
// manager, input resolution and config rendering, the tool-call history,
// and the Computer aggregate the signaling adapters drive.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// ErrInputNotFound is returned when an input id has no definition.
var ErrInputNotFound = errors.New("input not found")

// commandTimeout bounds command-kind input execution.
const commandTimeout = 30 * time.Second

// InputResolver owns the input definitions and the cache of resolved
// values. Definition mutation and cache access take a fine-grained lock
// that is never held across a provider prompt or a command execution.
type InputResolver struct {
	provider outbound.InputProvider

	mu    sync.Mutex
	defs  map[string]inputs.Definition
	cache map[string]inputs.CacheItem
}

// NewInputResolver builds a resolver over the given provider.
func NewInputResolver(provider outbound.InputProvider, defs ...inputs.Definition) (*InputResolver, error) {
	r := &InputResolver{
		provider: provider,
		defs:     make(map[string]inputs.Definition, len(defs)),
		cache:    make(map[string]inputs.CacheItem),
	}
	for _, d := range defs {
		if err := r.AddDefinition(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// --- definitions ---

// AddDefinition adds or replaces a definition (set semantics on id).
func (r *InputResolver) AddDefinition(d inputs.Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[d.ID] = d
	r.mu.Unlock()
	return nil
}

// RemoveDefinition deletes a definition and its cached value.
func (r *InputResolver) RemoveDefinition(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.defs[id]
	delete(r.defs, id)
	delete(r.cache, id)
	return ok
}

// Definition returns one definition.
func (r *InputResolver) Definition(id string) (inputs.Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[id]
	return d, ok
}

// Definitions lists all definitions sorted by id.
func (r *InputResolver) Definitions() []inputs.Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]inputs.Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- value cache ---

// CachedValue returns a cached value, if resolved.
func (r *InputResolver) CachedValue(id string) (inputs.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.cache[id]
	return item.Value, ok
}

// SetCachedValue stores a value for a known input id.
func (r *InputResolver) SetCachedValue(id string, v inputs.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("%w: %q", ErrInputNotFound, id)
	}
	r.cache[id] = inputs.CacheItem{Value: v, ResolvedAt: time.Now().UTC()}
	return nil
}

// SetCachedDefault stores the definition's default value. Invalid for
// command inputs and for definitions without a default.
func (r *InputResolver) SetCachedDefault(id string) error {
	r.mu.Lock()
	d, ok := r.defs[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrInputNotFound, id)
	}
	if d.Type == inputs.KindCommand {
		return fmt.Errorf("input %q: command inputs have no default", id)
	}
	if d.Default == nil {
		return fmt.Errorf("input %q: no default configured", id)
	}
	return r.SetCachedValue(id, inputs.StringValue(*d.Default))
}

// RemoveCachedValue drops one cached value.
func (r *InputResolver) RemoveCachedValue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cache[id]
	delete(r.cache, id)
	return ok
}

// ClearCache drops every cached value.
func (r *InputResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]inputs.CacheItem)
}

// CacheSnapshot returns a copy of the cache, for persistence.
func (r *InputResolver) CacheSnapshot() map[string]inputs.CacheItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]inputs.CacheItem, len(r.cache))
	for k, v := range r.cache {
		out[k] = v
	}
	return out
}

// RestoreCache reinstalls persisted cache entries for known definitions.
func (r *InputResolver) RestoreCache(items map[string]inputs.CacheItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, item := range items {
		if _, ok := r.defs[id]; ok {
			r.cache[id] = item
		}
	}
}

// --- resolution ---

// Resolve returns the value of an input: cache first, then the
// kind-appropriate resolution, then cache store.
func (r *InputResolver) Resolve(ctx context.Context, id string) (inputs.Value, error) {
	r.mu.Lock()
	if item, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return item.Value, nil
	}
	d, ok := r.defs[id]
	r.mu.Unlock()
	if !ok {
		return inputs.Value{}, fmt.Errorf("%w: %q", ErrInputNotFound, id)
	}

	var value inputs.Value
	var err error
	switch d.Type {
	case inputs.KindPromptString:
		var s string
		s, err = r.provider.PromptString(ctx, d)
		value = inputs.StringValue(s)
	case inputs.KindPickString:
		var s string
		s, err = r.provider.PickString(ctx, d)
		value = inputs.StringValue(s)
	case inputs.KindCommand:
		value, err = runCommandInput(ctx, d)
	default:
		err = fmt.Errorf("input %q: unknown type %q", id, d.Type)
	}
	if err != nil {
		return inputs.Value{}, err
	}

	if cacheErr := r.SetCachedValue(id, value); cacheErr != nil {
		// The definition was removed while resolving; return the value
		// anyway, the cache simply stays cold.
		return value, nil
	}
	return value, nil
}

// runCommandInput executes a command-kind definition and parses its stdout
// per the declared mode.
func runCommandInput(ctx context.Context, d inputs.Definition) (inputs.Value, error) {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	args := make([]string, 0, len(d.Args))
	for _, k := range sortedKeys(d.Args) {
		args = append(args, k+"="+d.Args[k])
	}
	cmd := exec.CommandContext(runCtx, d.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return inputs.Value{}, fmt.Errorf("input %q: command failed: %s", d.ID, msg)
	}

	out := strings.TrimRight(stdout.String(), "\n")
	switch d.Parse {
	case "", inputs.ParseRaw:
		return inputs.StringValue(strings.TrimSpace(out)), nil
	case inputs.ParseLines:
		var lines []string
		for _, l := range strings.Split(out, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		return inputs.FromAny(lines)
	case inputs.ParseJSON:
		raw := json.RawMessage(strings.TrimSpace(out))
		if !json.Valid(raw) {
			return inputs.Value{}, fmt.Errorf("input %q: command output is not valid JSON", d.ID)
		}
		return inputs.JSONValue(raw), nil
	default:
		return inputs.Value{}, fmt.Errorf("input %q: unknown parse mode %q", d.ID, d.Parse)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
