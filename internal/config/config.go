// Package config defines the option broker configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/option-broker/internal/model"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by OPTBROKER_* environment variables.
type Config struct {
	Broker        BrokerConfig         `toml:"broker"`
	Emission      EmissionConfig       `toml:"emission"`
	Store         StoreConfig          `toml:"store"`
	Postgres      PostgresConfig       `toml:"postgres"`
	Redis         RedisConfig          `toml:"redis"`
	S3            S3Config             `toml:"s3"`
	Server        ServerConfig         `toml:"server"`
	Pools         []PoolConfig         `toml:"pools"`
	Oracles       []OracleConfig       `toml:"oracles"`
	PaymentTokens []PaymentTokenConfig `toml:"payment_tokens"`
	LogLevel      string               `toml:"log_level"`
}

// BrokerConfig holds the admin identities and the discount curve.
type BrokerConfig struct {
	Owner            string   `toml:"owner"`
	Beneficiary      string   `toml:"beneficiary"`
	Holding          string   `toml:"holding"`
	RewardToken      string   `toml:"reward_token"`
	RewardOracle     string   `toml:"reward_oracle"`
	RewardOracleData string   `toml:"reward_oracle_data"`
	MinDiscountBps   uint64   `toml:"min_discount_bps"`
	MaxDiscountBps   uint64   `toml:"max_discount_bps"`
	MinWeightBps     uint64   `toml:"min_weight_bps"`
	MaxLockHorizon   duration `toml:"max_lock_horizon"`
}

// EmissionConfig holds the epoch budget schedule and cadence.
type EmissionConfig struct {
	// InitialBudget is in whole reward tokens, e.g. "1000" or "12.5".
	InitialBudget string   `toml:"initial_budget"`
	DecayBps      uint64   `toml:"decay_bps"`
	EpochInterval duration `toml:"epoch_interval"`
	CheckEvery    duration `toml:"check_every"`
	// SchedulerEnabled runs the epoch scheduler in this process.
	SchedulerEnabled bool   `toml:"scheduler_enabled"`
	Caller           string `toml:"caller"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // memory | bolt
	Path   string `toml:"path"`
}

// PostgresConfig configures the audit journal replica.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig configures the event bus, price feeds, and scheduler lock.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	EventChannel string   `toml:"event_channel"`
	LockTTL      duration `toml:"lock_ttl"`
}

// S3Config configures the event archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int64  `toml:"part_size_mb"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PoolConfig registers a pool with its emission weight.
type PoolConfig struct {
	ID     uint64 `toml:"id"`
	Weight uint64 `toml:"weight"`
}

// OracleConfig declares a named rate source.
type OracleConfig struct {
	Name string `toml:"name"`
	Kind string `toml:"kind"` // static | redis
	// Rate and Decimals define a static rate of Rate * 10^Decimals.
	Rate     string `toml:"rate"`
	Decimals int32  `toml:"decimals"`
	// MaxAge bounds how old a redis price may be; zero accepts any age.
	MaxAge duration `toml:"max_age"`
}

// PaymentTokenConfig enables a token for exercise at startup.
type PaymentTokenConfig struct {
	Token      string `toml:"token"`
	Oracle     string `toml:"oracle"`
	OracleData string `toml:"oracle_data"`
}

// duration wraps time.Duration so TOML strings like "168h" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a single in-memory broker.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			RewardOracle:   "reward",
			MinDiscountBps: 500,
			MaxDiscountBps: 5000,
			MinWeightBps:   10,
			MaxLockHorizon: duration{365 * 24 * time.Hour},
		},
		Emission: EmissionConfig{
			InitialBudget:    "1000",
			EpochInterval:    duration{7 * 24 * time.Hour},
			SchedulerEnabled: true,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "option-broker.db",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			EventChannel: "broker:events",
			LockTTL:      duration{time.Minute},
		},
		S3: S3Config{
			Region:     "us-east-1",
			PartSizeMB: 5,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	for name, v := range map[string]string{
		"broker.owner":        c.Broker.Owner,
		"broker.holding":      c.Broker.Holding,
		"broker.reward_token": c.Broker.RewardToken,
	} {
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("%s: %q is not a hex address", name, v))
		}
	}
	if c.Broker.Beneficiary != "" && !common.IsHexAddress(c.Broker.Beneficiary) {
		errs = append(errs, fmt.Sprintf("broker.beneficiary: %q is not a hex address", c.Broker.Beneficiary))
	}
	if c.Emission.Caller != "" && !common.IsHexAddress(c.Emission.Caller) {
		errs = append(errs, fmt.Sprintf("emission.caller: %q is not a hex address", c.Emission.Caller))
	}
	if c.Broker.MinDiscountBps > c.Broker.MaxDiscountBps || c.Broker.MaxDiscountBps > 10000 {
		errs = append(errs, "broker: need min_discount_bps <= max_discount_bps <= 10000")
	}
	if c.Broker.MinWeightBps > 10000 {
		errs = append(errs, "broker: min_weight_bps must not exceed 10000")
	}
	if c.Broker.MaxLockHorizon.Duration <= 0 {
		errs = append(errs, "broker: max_lock_horizon must be positive")
	}

	if _, err := c.Emission.Budget(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Emission.DecayBps > 10000 {
		errs = append(errs, "emission: decay_bps must not exceed 10000")
	}
	if c.Emission.EpochInterval.Duration <= 0 {
		errs = append(errs, "emission: epoch_interval must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "bolt":
		if c.Store.Path == "" {
			errs = append(errs, "store: path is required for the bolt driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, bolt)", c.Store.Driver))
	}

	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		errs = append(errs, "postgres: dsn must not be empty when enabled")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	seenPools := make(map[uint64]bool)
	for _, p := range c.Pools {
		if seenPools[p.ID] {
			errs = append(errs, fmt.Sprintf("pools: duplicate id %d", p.ID))
		}
		seenPools[p.ID] = true
	}

	oracles := make(map[string]bool)
	for _, o := range c.Oracles {
		if o.Name == "" {
			errs = append(errs, "oracles: name must not be empty")
			continue
		}
		if oracles[o.Name] {
			errs = append(errs, fmt.Sprintf("oracles: duplicate name %q", o.Name))
		}
		oracles[o.Name] = true
		switch o.Kind {
		case "static":
			if _, err := o.FixedRate(); err != nil {
				errs = append(errs, err.Error())
			}
		case "redis":
			if !c.Redis.Enabled {
				errs = append(errs, fmt.Sprintf("oracles: %q needs redis.enabled", o.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("oracles: %q has unknown kind %q (valid: static, redis)", o.Name, o.Kind))
		}
	}
	if !oracles[c.Broker.RewardOracle] {
		errs = append(errs, fmt.Sprintf("broker: reward_oracle %q is not declared in [[oracles]]", c.Broker.RewardOracle))
	}
	for _, pt := range c.PaymentTokens {
		if !common.IsHexAddress(pt.Token) {
			errs = append(errs, fmt.Sprintf("payment_tokens: %q is not a hex address", pt.Token))
		}
		if pt.Oracle != "" && !oracles[pt.Oracle] {
			errs = append(errs, fmt.Sprintf("payment_tokens: oracle %q is not declared", pt.Oracle))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Budget converts InitialBudget from whole tokens to base units.
func (e EmissionConfig) Budget() (sdkmath.Int, error) {
	d, err := decimal.NewFromString(e.InitialBudget)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("emission: initial_budget %q: %w", e.InitialBudget, err)
	}
	return toBaseUnits("emission: initial_budget", d.Shift(model.UnitDecimals))
}

// FixedRate returns Rate * 10^Decimals for a static oracle.
func (o OracleConfig) FixedRate() (sdkmath.Int, error) {
	d, err := decimal.NewFromString(o.Rate)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("oracles: %q rate %q: %w", o.Name, o.Rate, err)
	}
	return toBaseUnits(fmt.Sprintf("oracles: %q rate", o.Name), d.Shift(o.Decimals))
}

func toBaseUnits(field string, d decimal.Decimal) (sdkmath.Int, error) {
	if d.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%s must not be negative", field)
	}
	if !d.Equal(d.Truncate(0)) {
		return sdkmath.Int{}, fmt.Errorf("%s has more precision than base units allow", field)
	}
	return sdkmath.NewIntFromBigInt(d.BigInt()), nil
}

// Address parses a configured hex address. Empty means the zero address.
func Address(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
