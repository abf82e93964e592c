package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ferro-labs/keygate/apierr"
)

// Registry resolves providers for routing and discovery.
type Registry struct {
	src Source
}

// NewRegistry creates a registry backed by src.
func NewRegistry(src Source) *Registry {
	return &Registry{src: src}
}

// ListActive returns the active providers of the given capability, highest
// priority first. Ties keep creation order.
func (r *Registry) ListActive(ctx context.Context, c Capability) ([]Provider, error) {
	ps, err := r.src.ListProviders(ctx, Filter{Capability: c, Status: StatusActive})
	if err != nil {
		return nil, fmt.Errorf("list %s providers: %w", c, err)
	}
	out := ps[:0]
	for _, p := range ps {
		if p.Active() && p.Capability == c {
			out = append(out, p)
		}
	}
	SortByPriority(out)
	return out, nil
}

// Get returns the provider with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*Provider, error) {
	p, err := r.src.GetProvider(ctx, id)
	if errors.Is(err, apierr.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apierr.ErrProviderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", id, err)
	}
	return p, nil
}

// SortByPriority orders ps by priority descending, then creation time.
func SortByPriority(ps []Provider) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
