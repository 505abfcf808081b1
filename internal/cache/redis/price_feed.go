package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/option-broker/internal/clock"
	"github.com/atmx/option-broker/internal/model"
)

// PriceFeed is an oracle over Redis hashes. Each feed key is stored at
// "price:{key}" with fields "rate" (an integer in the oracle's fixed-point
// units) and "ts" (Unix nanoseconds). The oracle data selects the key.
type PriceFeed struct {
	rdb    *redis.Client
	clock  clock.Clock
	maxAge time.Duration
}

// NewPriceFeed creates a feed. A zero maxAge accepts rates of any age.
func NewPriceFeed(c *Client, clk clock.Clock, maxAge time.Duration) *PriceFeed {
	if clk == nil {
		clk = clock.System{}
	}
	return &PriceFeed{rdb: c.Underlying(), clock: clk, maxAge: maxAge}
}

func priceKey(key string) string {
	return "price:" + key
}

// SetRate stores the latest rate for key.
func (f *PriceFeed) SetRate(ctx context.Context, key string, rate sdkmath.Int, ts time.Time) error {
	fields := map[string]interface{}{
		"rate": rate.String(),
		"ts":   strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := f.rdb.HSet(ctx, priceKey(key), fields).Err(); err != nil {
		return fmt.Errorf("redis: set rate %s: %w", key, err)
	}
	return nil
}

// Rate implements oracle.Oracle. Missing, malformed, or stale entries fail
// with model.ErrOracleUnavailable.
func (f *PriceFeed) Rate(ctx context.Context, data []byte) (sdkmath.Int, error) {
	key := string(data)
	if key == "" {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: empty price key", model.ErrOracleUnavailable)
	}
	vals, err := f.rdb.HGetAll(ctx, priceKey(key)).Result()
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: redis get %s: %v", model.ErrOracleUnavailable, key, err)
	}
	return decodeRate(key, vals, f.clock.Now(), f.maxAge)
}

func decodeRate(key string, vals map[string]string, now time.Time, maxAge time.Duration) (sdkmath.Int, error) {
	if len(vals) == 0 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: no price for %s", model.ErrOracleUnavailable, key)
	}
	rate, ok := sdkmath.NewIntFromString(vals["rate"])
	if !ok || rate.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: bad rate %q for %s", model.ErrOracleUnavailable, vals["rate"], key)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: bad ts %q for %s", model.ErrOracleUnavailable, vals["ts"], key)
	}
	if maxAge > 0 {
		if age := now.Sub(time.Unix(0, tsNano)); age > maxAge {
			return sdkmath.ZeroInt(), fmt.Errorf("%w: price for %s is %s old", model.ErrOracleUnavailable, key, age.Truncate(time.Second))
		}
	}
	return rate, nil
}
