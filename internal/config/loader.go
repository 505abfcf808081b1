package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (if any) over Defaults, loads a .env
// file when present, and applies OPTBROKER_* overrides. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject identities and secrets at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// Broker
	setStr(&cfg.Broker.Owner, "OPTBROKER_BROKER_OWNER")
	setStr(&cfg.Broker.Beneficiary, "OPTBROKER_BROKER_BENEFICIARY")
	setStr(&cfg.Broker.Holding, "OPTBROKER_BROKER_HOLDING")
	setStr(&cfg.Broker.RewardToken, "OPTBROKER_BROKER_REWARD_TOKEN")
	setStr(&cfg.Broker.RewardOracle, "OPTBROKER_BROKER_REWARD_ORACLE")

	// Emission
	setStr(&cfg.Emission.InitialBudget, "OPTBROKER_EMISSION_INITIAL_BUDGET")
	setUint64(&cfg.Emission.DecayBps, "OPTBROKER_EMISSION_DECAY_BPS")
	setDuration(&cfg.Emission.EpochInterval, "OPTBROKER_EMISSION_EPOCH_INTERVAL")
	setBool(&cfg.Emission.SchedulerEnabled, "OPTBROKER_EMISSION_SCHEDULER_ENABLED")

	// Store
	setStr(&cfg.Store.Driver, "OPTBROKER_STORE_DRIVER")
	setStr(&cfg.Store.Path, "OPTBROKER_STORE_PATH")

	// Postgres
	setBool(&cfg.Postgres.Enabled, "OPTBROKER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "OPTBROKER_POSTGRES_DSN")

	// Redis
	setBool(&cfg.Redis.Enabled, "OPTBROKER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "OPTBROKER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTBROKER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTBROKER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "OPTBROKER_REDIS_TLS_ENABLED")

	// S3
	setBool(&cfg.S3.Enabled, "OPTBROKER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "OPTBROKER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPTBROKER_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPTBROKER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPTBROKER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPTBROKER_S3_SECRET_KEY")

	// Server
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "OPTBROKER_SERVER_PORT")

	setStr(&cfg.LogLevel, "OPTBROKER_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
