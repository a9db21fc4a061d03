// Package inputs models the dynamic input definitions a Computer resolves
// while rendering server configs, and the cache of resolved values.
package inputs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Definition kinds, serialized in the "type" field.
const (
	KindPromptString = "prompt_string"
	KindPickString   = "pick_string"
	KindCommand      = "command"
)

// Command stdout parse modes.
const (
	ParseRaw   = "raw"
	ParseLines = "lines"
	ParseJSON  = "json"
)

// Definition describes one resolvable input. ID is the identity: adding a
// definition with an existing id replaces it.
type Definition struct {
	Type        string `json:"type" validate:"required,oneof=prompt_string pick_string command" mapstructure:"type"`
	ID          string `json:"id" validate:"required" mapstructure:"id"`
	Description string `json:"description" mapstructure:"description"`

	// prompt_string
	Default  *string `json:"default,omitempty" mapstructure:"default"`
	Password bool    `json:"password,omitempty" mapstructure:"password"`

	// pick_string (shares Default)
	Options []string `json:"options,omitempty" mapstructure:"options"`

	// command
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    map[string]string `json:"args,omitempty" mapstructure:"args"`
	Parse   string            `json:"parse,omitempty" validate:"omitempty,oneof=raw lines json" mapstructure:"parse"`
}

// Validate checks kind-specific structural requirements.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("input definition: id is required")
	}
	switch d.Type {
	case KindPromptString:
	case KindPickString:
		if len(d.Options) == 0 {
			return fmt.Errorf("input %q: pick_string requires options", d.ID)
		}
		if d.Default != nil && !contains(d.Options, *d.Default) {
			return fmt.Errorf("input %q: default %q is not one of the options", d.ID, *d.Default)
		}
	case KindCommand:
		if d.Command == "" {
			return fmt.Errorf("input %q: command is required", d.ID)
		}
	default:
		return fmt.Errorf("input %q: unknown type %q", d.ID, d.Type)
	}
	return nil
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

// Value is a resolved input value. Any JSON type is representable so that a
// whole-string placeholder can preserve the resolver's type.
type Value struct {
	raw json.RawMessage
}

// StringValue wraps a plain string.
func StringValue(s string) Value {
	raw, _ := json.Marshal(s)
	return Value{raw: raw}
}

// JSONValue wraps an arbitrary JSON document. Invalid JSON is stored as a
// string.
func JSONValue(raw json.RawMessage) Value {
	if !json.Valid(raw) {
		return StringValue(string(raw))
	}
	return Value{raw: append(json.RawMessage(nil), raw...)}
}

// FromAny wraps any marshalable value.
func FromAny(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// Raw returns the JSON encoding of the value.
func (v Value) Raw() json.RawMessage {
	if v.raw == nil {
		return json.RawMessage("null")
	}
	return v.raw
}

// Any decodes the value into its generic Go form.
func (v Value) Any() any {
	var out any
	_ = json.Unmarshal(v.Raw(), &out)
	return out
}

// AsString renders the value for splicing into a larger string: JSON
// strings are unquoted, every other type keeps its compact JSON form.
func (v Value) AsString() string {
	var s string
	if err := json.Unmarshal(v.Raw(), &s); err == nil {
		return s
	}
	return string(v.Raw())
}

// IsZero reports whether the value was never set.
func (v Value) IsZero() bool { return v.raw == nil }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) { return v.Raw(), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(raw []byte) error {
	v.raw = append(json.RawMessage(nil), raw...)
	return nil
}

// CacheItem is one resolved entry of the value cache.
type CacheItem struct {
	Value      Value     `json:"value" mapstructure:"value"`
	ResolvedAt time.Time `json:"resolved_at" mapstructure:"resolved_at"`
}
