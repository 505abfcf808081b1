// Package fixed provides integer helpers that keep full precision by doing
// every multiplication before the division in an unbounded accumulator.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"
)

const (
	// BpsBase is 100% in basis points.
	BpsBase = 10000
)

var (
	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrOverflow is returned when a result does not fit the 256-bit amount range.
	ErrOverflow = errors.New("fixed: result exceeds 256 bits")
)

// Product multiplies all factors without bounds.
func Product(factors ...sdkmath.Int) *big.Int {
	acc := big.NewInt(1)
	for _, f := range factors {
		acc.Mul(acc, f.BigInt())
	}
	return acc
}

// MulDiv computes floor(product(factors) / denom) for non-negative inputs.
func MulDiv(denom sdkmath.Int, factors ...sdkmath.Int) (sdkmath.Int, error) {
	if denom.IsZero() {
		return sdkmath.ZeroInt(), ErrDivisionByZero
	}
	q := Product(factors...)
	q.Quo(q, denom.BigInt())
	return fromBig(q)
}

// MulBps computes floor(x * bps / BpsBase).
func MulBps(x sdkmath.Int, bps uint64) (sdkmath.Int, error) {
	return MulDiv(sdkmath.NewInt(BpsBase), x, sdkmath.NewIntFromUint64(bps))
}

// Sqrt returns floor(sqrt(x)). x must be non-negative.
func Sqrt(x *big.Int) (sdkmath.Int, error) {
	if x.Sign() < 0 {
		return sdkmath.ZeroInt(), fmt.Errorf("fixed: sqrt of negative %s", x)
	}
	return fromBig(new(big.Int).Sqrt(x))
}

// Hypot returns floor(sqrt(a² + b²)).
func Hypot(a, b sdkmath.Int) (sdkmath.Int, error) {
	sum := Product(a, a)
	sum.Add(sum, Product(b, b))
	return Sqrt(sum)
}

func fromBig(x *big.Int) (sdkmath.Int, error) {
	if x.BitLen() > sdkmath.MaxBitLen {
		return sdkmath.ZeroInt(), ErrOverflow
	}
	return sdkmath.NewIntFromBigInt(x), nil
}

// Add returns a + b, or ErrOverflow when the sum leaves the amount range.
func Add(a, b sdkmath.Int) (sdkmath.Int, error) {
	return fromBig(new(big.Int).Add(a.BigInt(), b.BigInt()))
}
