package outbound

import (
	"context"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
)

// InputProvider supplies values for interactive input kinds (prompt_string,
// pick_string). Command inputs are executed by the resolver itself; a
// provider is only consulted for kinds that need a human or an external
// source of truth.
type InputProvider interface {
	// PromptString asks for a free-form string. Empty input falls back to
	// the definition's default when one exists.
	PromptString(ctx context.Context, def inputs.Definition) (string, error)

	// PickString asks for one of the definition's options.
	PickString(ctx context.Context, def inputs.Definition) (string, error)
}
