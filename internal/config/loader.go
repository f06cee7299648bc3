package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped if path is empty or missing)
// over Defaults, then applies environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides

	// Plain names kept for container platforms that inject them.
	env.setInt(&cfg.Server.Port, "PORT")
	env.setStr(&cfg.Database.URL, "DATABASE_URL")
	env.setStr(&cfg.Redis.URL, "REDIS_URL")

	env.setInt(&cfg.Server.Port, "FLIPLEDGER_SERVER_PORT")
	env.setDuration(&cfg.Server.ReadTimeout, "FLIPLEDGER_SERVER_READ_TIMEOUT")
	env.setDuration(&cfg.Server.WriteTimeout, "FLIPLEDGER_SERVER_WRITE_TIMEOUT")
	env.setDuration(&cfg.Server.IdleTimeout, "FLIPLEDGER_SERVER_IDLE_TIMEOUT")
	env.setDuration(&cfg.Server.RequestTimeout, "FLIPLEDGER_SERVER_REQUEST_TIMEOUT")

	env.setStr(&cfg.Database.URL, "FLIPLEDGER_DATABASE_URL")
	env.setInt(&cfg.Database.MaxConns, "FLIPLEDGER_DATABASE_MAX_CONNS")
	env.setInt(&cfg.Database.MinConns, "FLIPLEDGER_DATABASE_MIN_CONNS")
	env.setBool(&cfg.Database.RunMigrations, "FLIPLEDGER_DATABASE_RUN_MIGRATIONS")
	env.setDuration(&cfg.Database.LockTimeout, "FLIPLEDGER_DATABASE_LOCK_TIMEOUT")

	env.setStr(&cfg.Redis.URL, "FLIPLEDGER_REDIS_URL")
	env.setDuration(&cfg.Redis.AccountCacheTTL, "FLIPLEDGER_REDIS_ACCOUNT_CACHE_TTL")
	env.setBool(&cfg.Redis.DistributedLock, "FLIPLEDGER_REDIS_DISTRIBUTED_LOCK")
	env.setDuration(&cfg.Redis.LockTTL, "FLIPLEDGER_REDIS_LOCK_TTL")

	env.setStr(&cfg.Auth.JWTSecret, "FLIPLEDGER_AUTH_JWT_SECRET")

	env.setInt64(&cfg.Ledger.DailyEventLimit, "FLIPLEDGER_LEDGER_DAILY_EVENT_LIMIT")
	env.setInt(&cfg.Ledger.MaxBatchSize, "FLIPLEDGER_LEDGER_MAX_BATCH_SIZE")
	env.setInt(&cfg.Ledger.MatchRetries, "FLIPLEDGER_LEDGER_MATCH_RETRIES")
	env.setDuration(&cfg.Ledger.RetryBaseDelay, "FLIPLEDGER_LEDGER_RETRY_BASE_DELAY")
	env.setDuration(&cfg.Ledger.RetryMaxDelay, "FLIPLEDGER_LEDGER_RETRY_MAX_DELAY")
	env.setDuration(&cfg.Ledger.StorageTimeout, "FLIPLEDGER_LEDGER_STORAGE_TIMEOUT")
	env.setDuration(&cfg.Ledger.AuditTimeout, "FLIPLEDGER_LEDGER_AUDIT_TIMEOUT")

	env.setStr(&cfg.LogLevel, "FLIPLEDGER_LOG_LEVEL")
	env.setStr(&cfg.Env, "FLIPLEDGER_ENV")

	return errors.Join(env.errs...)
}

// envOverrides applies environment variables to config fields and collects
// values that fail to parse, so a typo is reported instead of ignored.
type envOverrides struct {
	errs []error
}

func (e *envOverrides) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (e *envOverrides) setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envOverrides) setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envOverrides) setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envOverrides) setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envOverrides) setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		dst.Duration = d
	}
}
