package venue

import (
	"context"
	"fmt"

	"github.com/efreitasn/orderexec/internal/domain"
)

// Registry holds the configured venues in declaration order.
type Registry struct {
	venues []*Simulated
	byName map[string]*Simulated
}

// NewRegistry creates a Registry. Order matters: it is the tie-break
// order used when routing.
func NewRegistry(venues ...*Simulated) *Registry {
	r := &Registry{byName: make(map[string]*Simulated, len(venues))}
	for _, v := range venues {
		r.venues = append(r.venues, v)
		r.byName[v.Name()] = v
	}
	return r
}

// Default returns raydium then meteora.
func Default(opts Options) *Registry {
	return NewRegistry(NewSimulated(Raydium, opts), NewSimulated(Meteora, opts))
}

// Venues returns the venues in declaration order.
func (r *Registry) Venues() []*Simulated {
	out := make([]*Simulated, len(r.venues))
	copy(out, r.venues)
	return out
}

// Execute settles order on the named venue.
func (r *Registry) Execute(ctx context.Context, venue string, order domain.Order) (domain.Execution, error) {
	v, ok := r.byName[venue]
	if !ok {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrUnknownVenue, venue)
	}
	return v.Execute(ctx, order)
}
