package inputs

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// DefaultEnvPrefix is the environment prefix the env provider consults.
const DefaultEnvPrefix = "SMCP_INPUT_"

// EnvProvider resolves inputs from environment variables, mapping input id
// PORT to SMCP_INPUT_PORT. Dashes and dots in ids become underscores.
type EnvProvider struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider builds a provider over the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{Prefix: DefaultEnvPrefix, lookup: os.LookupEnv}
}

// NewEnvProviderFunc builds a provider over a custom lookup. For tests.
func NewEnvProviderFunc(prefix string, lookup func(string) (string, bool)) *EnvProvider {
	return &EnvProvider{Prefix: prefix, lookup: lookup}
}

func (p *EnvProvider) varName(id string) string {
	mapped := strings.NewReplacer("-", "_", ".", "_").Replace(id)
	return p.Prefix + strings.ToUpper(mapped)
}

// PromptString implements outbound.InputProvider.
func (p *EnvProvider) PromptString(ctx context.Context, def inputs.Definition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if v, ok := p.lookup(p.varName(def.ID)); ok {
		return v, nil
	}
	if def.Default != nil {
		return *def.Default, nil
	}
	return "", fmt.Errorf("input %q: %s not set and no default", def.ID, p.varName(def.ID))
}

// PickString implements outbound.InputProvider. The environment value must
// be one of the declared options.
func (p *EnvProvider) PickString(ctx context.Context, def inputs.Definition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := p.lookup(p.varName(def.ID))
	if !ok {
		if def.Default != nil {
			return *def.Default, nil
		}
		return "", fmt.Errorf("input %q: %s not set and no default", def.ID, p.varName(def.ID))
	}
	for _, opt := range def.Options {
		if opt == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("input %q: %s=%q is not one of the options", def.ID, p.varName(def.ID), v)
}

var _ outbound.InputProvider = (*EnvProvider)(nil)
