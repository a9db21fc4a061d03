package inputs

import (
	"context"
	"errors"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// CompositeProvider tries each provider in order and returns the first
// success. The usual chain is env-then-cli: non-interactive sources first,
// a human as the last resort.
type CompositeProvider struct {
	providers []outbound.InputProvider
}

// NewCompositeProvider chains providers in the given order.
func NewCompositeProvider(providers ...outbound.InputProvider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

// PromptString implements outbound.InputProvider.
func (p *CompositeProvider) PromptString(ctx context.Context, def inputs.Definition) (string, error) {
	var errs []error
	for _, provider := range p.providers {
		v, err := provider.PromptString(ctx, def)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	return "", errors.Join(errs...)
}

// PickString implements outbound.InputProvider.
func (p *CompositeProvider) PickString(ctx context.Context, def inputs.Definition) (string, error) {
	var errs []error
	for _, provider := range p.providers {
		v, err := provider.PickString(ctx, def)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	return "", errors.Join(errs...)
}

var _ outbound.InputProvider = (*CompositeProvider)(nil)
