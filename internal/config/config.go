// Package config loads service configuration from a TOML file, an optional
// .env file and FLIPLEDGER_* environment variables, in that order of
// precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	Ledger   LedgerConfig   `toml:"ledger"`
	LogLevel string         `toml:"log_level"`
	Env      string         `toml:"env"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	IdleTimeout    Duration `toml:"idle_timeout"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL           string   `toml:"url"`
	MaxConns      int      `toml:"max_conns"`
	MinConns      int      `toml:"min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	LockTimeout   Duration `toml:"lock_timeout"`
}

// RedisConfig enables the account cache and, optionally, the cross-instance
// ledger lock. An empty URL disables Redis.
type RedisConfig struct {
	URL             string   `toml:"url"`
	AccountCacheTTL Duration `toml:"account_cache_ttl"`
	DistributedLock bool     `toml:"distributed_lock"`
	LockTTL         Duration `toml:"lock_ttl"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type LedgerConfig struct {
	DailyEventLimit int64    `toml:"daily_event_limit"`
	MaxBatchSize    int      `toml:"max_batch_size"`
	MatchRetries    int      `toml:"match_retries"`
	RetryBaseDelay  Duration `toml:"retry_base_delay"`
	RetryMaxDelay   Duration `toml:"retry_max_delay"`
	StorageTimeout  Duration `toml:"storage_timeout"`
	AuditTimeout    Duration `toml:"audit_timeout"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    Duration{10 * time.Second},
			WriteTimeout:   Duration{10 * time.Second},
			IdleTimeout:    Duration{60 * time.Second},
			RequestTimeout: Duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			MinConns:      2,
			RunMigrations: true,
			LockTimeout:   Duration{2 * time.Second},
		},
		Redis: RedisConfig{
			AccountCacheTTL: Duration{5 * time.Minute},
			LockTTL:         Duration{10 * time.Second},
		},
		Ledger: LedgerConfig{
			DailyEventLimit: 5000,
			MaxBatchSize:    100,
			MatchRetries:    3,
			RetryBaseDelay:  Duration{20 * time.Millisecond},
			RetryMaxDelay:   Duration{250 * time.Millisecond},
			StorageTimeout:  Duration{5 * time.Second},
			AuditTimeout:    Duration{5 * time.Second},
		},
		LogLevel: "info",
		Env:      "development",
	}
}

// Validate checks ranges and required settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Ledger.DailyEventLimit <= 0 {
		errs = append(errs, errors.New("ledger.daily_event_limit must be positive"))
	}
	if c.Ledger.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("ledger.max_batch_size must be positive"))
	}
	if c.Ledger.MatchRetries <= 0 {
		errs = append(errs, errors.New("ledger.match_retries must be positive"))
	}
	if c.Ledger.RetryMaxDelay.Duration < c.Ledger.RetryBaseDelay.Duration {
		errs = append(errs, errors.New("ledger.retry_max_delay must not be below retry_base_delay"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database.min_conns exceeds max_conns"))
	}
	if c.Redis.DistributedLock && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.distributed_lock requires redis.url"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
