// Package emission computes the reward budget of each epoch and splits it
// across pools by weight. The split rounds every share down and leaves the
// remainder unallocated.
package emission

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/atmx/option-broker/internal/fixed"
)

var (
	// ErrNoWeights is returned when there is nothing to split across.
	ErrNoWeights = errors.New("emission: no pools to split across")

	// ErrInvalidDecay is returned when the decay exceeds 100%.
	ErrInvalidDecay = errors.New("emission: decay must not exceed 10000 bps")
)

// Weight is one pool's share weight.
type Weight struct {
	PoolID uint64
	Weight uint64
}

// Allocation is one pool's share of an epoch budget.
type Allocation struct {
	PoolID uint64
	Amount sdkmath.Int
}

// Split returns floor(budget * w / sum(w)) for each pool in input order.
// The sum of allocations never exceeds budget.
func Split(budget sdkmath.Int, weights []Weight) ([]Allocation, error) {
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}
	sum := sdkmath.ZeroInt()
	for _, w := range weights {
		sum = sum.Add(sdkmath.NewIntFromUint64(w.Weight))
	}
	if sum.IsZero() {
		return nil, ErrNoWeights
	}

	out := make([]Allocation, 0, len(weights))
	for _, w := range weights {
		amt, err := fixed.MulDiv(sum, budget, sdkmath.NewIntFromUint64(w.Weight))
		if err != nil {
			return nil, fmt.Errorf("emission: split pool %d: %w", w.PoolID, err)
		}
		out = append(out, Allocation{PoolID: w.PoolID, Amount: amt})
	}
	return out, nil
}

// Schedule is the per-epoch budget: Initial for epoch 1, then each epoch
// keeps (10000 - DecayBps)/10000 of the previous one.
type Schedule struct {
	Initial  sdkmath.Int
	DecayBps uint64
}

// NewSchedule validates and returns a schedule.
func NewSchedule(initial sdkmath.Int, decayBps uint64) (Schedule, error) {
	if decayBps > fixed.BpsBase {
		return Schedule{}, ErrInvalidDecay
	}
	if initial.IsNil() || initial.IsNegative() {
		return Schedule{}, fmt.Errorf("emission: initial budget must be non-negative")
	}
	return Schedule{Initial: initial, DecayBps: decayBps}, nil
}

// BudgetFor returns the total emission of the given epoch. Epoch 0 has none.
func (s Schedule) BudgetFor(epoch uint64) sdkmath.Int {
	if epoch == 0 {
		return sdkmath.ZeroInt()
	}
	budget := s.Initial
	if s.DecayBps == 0 {
		return budget
	}
	keep := fixed.BpsBase - s.DecayBps
	for e := uint64(1); e < epoch && budget.IsPositive(); e++ {
		next, err := fixed.MulBps(budget, keep)
		if err != nil {
			return sdkmath.ZeroInt()
		}
		budget = next
	}
	return budget
}
