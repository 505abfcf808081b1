// Package twaml implements the time-weighted average magnitude curve that
// decides voting power and discount for a lock joining a pool.
//
// Every function is pure integer arithmetic over cosmossdk.io/math Int:
//   - Magnitude grows with lock duration and is smoothed by the pool's
//     cumulative magnitude: sqrt(t² + c²) - c.
//   - AverageMagnitude is a running average truncated toward zero.
//   - Discount interpolates linearly between the min and max discount,
//     saturating at twice the pool average.
//
// Pool state is passed in and returned, never stored.
package twaml

import (
	"errors"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/atmx/option-broker/internal/fixed"
)

var (
	// ErrInvalidDiscountRange is returned when min > max or max > 100%.
	ErrInvalidDiscountRange = errors.New("twaml: discount range must satisfy min <= max <= 10000 bps")

	// ErrInvalidHorizon is returned when the lock horizon is not positive.
	ErrInvalidHorizon = errors.New("twaml: lock horizon must be positive")

	// ErrInvalidMinWeight is returned when the voting threshold exceeds 100%.
	ErrInvalidMinWeight = errors.New("twaml: min weight must not exceed 10000 bps")
)

const (
	// DefaultHorizon is the longest lock duration that still increases magnitude.
	DefaultHorizon = 365 * 24 * time.Hour

	DefaultMinDiscountBps = 500
	DefaultMaxDiscountBps = 5000

	// DefaultMinWeightBps is the 0.1% voting-power threshold.
	DefaultMinWeightBps = 10
)

// Curve holds the discount curve parameters. It is stateless: pool
// aggregates are passed as arguments, not stored.
type Curve struct {
	minDiscount uint64
	maxDiscount uint64
	minWeight   uint64
	horizon     time.Duration
}

// NewCurve validates the parameters and returns a curve.
func NewCurve(minDiscountBps, maxDiscountBps, minWeightBps uint64, horizon time.Duration) (*Curve, error) {
	if minDiscountBps > maxDiscountBps || maxDiscountBps > fixed.BpsBase {
		return nil, ErrInvalidDiscountRange
	}
	if minWeightBps > fixed.BpsBase {
		return nil, ErrInvalidMinWeight
	}
	if horizon <= 0 {
		return nil, ErrInvalidHorizon
	}
	return &Curve{
		minDiscount: minDiscountBps,
		maxDiscount: maxDiscountBps,
		minWeight:   minWeightBps,
		horizon:     horizon,
	}, nil
}

// DefaultCurve returns the curve with the default parameters.
func DefaultCurve() *Curve {
	c, _ := NewCurve(DefaultMinDiscountBps, DefaultMaxDiscountBps, DefaultMinWeightBps, DefaultHorizon)
	return c
}

// MinDiscount returns the lower discount bound in bps.
func (c *Curve) MinDiscount() uint64 { return c.minDiscount }

// MaxDiscount returns the upper discount bound in bps.
func (c *Curve) MaxDiscount() uint64 { return c.maxDiscount }

// MinWeight returns the voting-power threshold in bps.
func (c *Curve) MinWeight() uint64 { return c.minWeight }

// Horizon returns the lock horizon.
func (c *Curve) Horizon() time.Duration { return c.horizon }

// Magnitude returns sqrt(t² + c²) - c, where t is the lock duration in
// seconds clamped to the horizon and c is the pool cumulative magnitude.
func (c *Curve) Magnitude(lockDuration time.Duration, cumulative sdkmath.Int) (sdkmath.Int, error) {
	if lockDuration < 0 {
		lockDuration = 0
	}
	if lockDuration > c.horizon {
		lockDuration = c.horizon
	}
	t := sdkmath.NewInt(int64(lockDuration / time.Second))
	h, err := fixed.Hypot(t, cumulative)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return h.Sub(cumulative), nil
}

// AverageMagnitude folds newMagnitude into the running average over
// count participants. A zero count leaves the average unchanged.
func AverageMagnitude(newMagnitude, previous sdkmath.Int, count uint64) sdkmath.Int {
	if count == 0 {
		return previous
	}
	delta := newMagnitude.Sub(previous)
	return previous.Add(delta.Quo(sdkmath.NewIntFromUint64(count)))
}

// Discount maps magnitude against the pool average onto [min, max] bps.
// An empty average yields the max discount.
func (c *Curve) Discount(magnitude, average sdkmath.Int) (uint64, error) {
	if !average.IsPositive() {
		return c.maxDiscount, nil
	}
	span := sdkmath.NewIntFromUint64(c.maxDiscount - c.minDiscount)
	extra, err := fixed.MulDiv(average.MulRaw(2), span, magnitude)
	if err != nil {
		return 0, err
	}
	if extra.GTE(span) {
		return c.maxDiscount, nil
	}
	return c.minDiscount + extra.Uint64(), nil
}

// HasVotingPower reports whether deposited is at least minWeight bps of
// the pool total before the join. An empty pool always grants it.
func (c *Curve) HasVotingPower(deposited, totalBefore sdkmath.Int) bool {
	if totalBefore.IsZero() {
		return true
	}
	lhs := fixed.Product(deposited, sdkmath.NewInt(fixed.BpsBase))
	rhs := fixed.Product(totalBefore, sdkmath.NewIntFromUint64(c.minWeight))
	return lhs.Cmp(rhs) >= 0
}
