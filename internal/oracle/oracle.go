// Package oracle resolves price-oracle references to rate sources.
// Rates are 18-decimal fixed point integers.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"

	"github.com/atmx/option-broker/internal/model"
)

// Oracle returns the current rate for the given auxiliary data.
type Oracle interface {
	Rate(ctx context.Context, data []byte) (sdkmath.Int, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, data []byte) (sdkmath.Int, error)

func (f Func) Rate(ctx context.Context, data []byte) (sdkmath.Int, error) { return f(ctx, data) }

// Static always returns the same rate.
type Static struct {
	rate sdkmath.Int
}

// NewStatic returns an oracle fixed at rate.
func NewStatic(rate sdkmath.Int) *Static {
	return &Static{rate: rate}
}

func (s *Static) Rate(_ context.Context, _ []byte) (sdkmath.Int, error) {
	return s.rate, nil
}

// Unavailable always fails with model.ErrOracleUnavailable.
type Unavailable struct{}

func (Unavailable) Rate(context.Context, []byte) (sdkmath.Int, error) {
	return sdkmath.ZeroInt(), model.ErrOracleUnavailable
}

// Registry maps oracle references to oracles.
type Registry struct {
	mu      sync.RWMutex
	oracles map[string]Oracle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{oracles: make(map[string]Oracle)}
}

// Register binds ref to o, replacing any previous binding.
func (r *Registry) Register(ref string, o Oracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oracles[ref] = o
}

// Resolve returns the oracle bound to ref.
func (r *Registry) Resolve(ref string) (Oracle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.oracles[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown oracle %q", model.ErrOracleUnavailable, ref)
	}
	return o, nil
}

// Refs lists the registered references in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.oracles))
	for ref := range r.oracles {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Rate resolves ref and fetches its rate. A negative rate is treated as
// unavailable.
func (r *Registry) Rate(ctx context.Context, ref string, data []byte) (sdkmath.Int, error) {
	o, err := r.Resolve(ref)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	rate, err := o.Rate(ctx, data)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("oracle %q: %w", ref, err)
	}
	if rate.IsNil() || rate.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: oracle %q returned %v", model.ErrOracleUnavailable, ref, rate)
	}
	return rate, nil
}
