// Package config loads referra's settings.
//
// Values are layered: built-in defaults, then a YAML or TOML file chosen by
// extension, then REFERRA_* environment variables (optionally seeded from
// .env files). Later layers win.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/referra/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REFERRA_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full configuration tree.
type Config struct {
	Referral ReferralConfig `yaml:"referral" toml:"referral" envPrefix:"REFERRAL_"`
	Database DatabaseConfig `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Log      LogConfig      `yaml:"log" toml:"log" envPrefix:"LOG_"`
	HTTP     HTTPConfig     `yaml:"http" toml:"http" envPrefix:"HTTP_"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis" envPrefix:"REDIS_"`
}

// ReferralConfig holds the ledger policy.
type ReferralConfig struct {
	// RequiredEngagementHours is the engagement needed to confirm a referral.
	// Zero disables the check.
	RequiredEngagementHours int `yaml:"required_engagement_hours" toml:"required_engagement_hours" env:"REQUIRED_ENGAGEMENT_HOURS"`
	CheckIntervalMinutes    int `yaml:"check_interval_minutes" toml:"check_interval_minutes" env:"CHECK_INTERVAL_MINUTES"`
	PayoutThreshold         int `yaml:"payout_threshold" toml:"payout_threshold" env:"PAYOUT_THRESHOLD"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Type        string         `yaml:"type" toml:"type" env:"TYPE"`
	OpTimeoutMS int            `yaml:"op_timeout_ms" toml:"op_timeout_ms" env:"OP_TIMEOUT_MS"`
	File        PathConfig     `yaml:"file" toml:"file" envPrefix:"FILE_"`
	SQLite      PathConfig     `yaml:"sqlite" toml:"sqlite" envPrefix:"SQLITE_"`
	Bolt        PathConfig     `yaml:"bolt" toml:"bolt" envPrefix:"BOLT_"`
	Postgres    PostgresConfig `yaml:"postgres" toml:"postgres" envPrefix:"POSTGRES_"`
}

// PathConfig is a file-backed store location.
type PathConfig struct {
	Path string `yaml:"path" toml:"path" env:"PATH"`
}

// PostgresConfig holds networked backend settings.
type PostgresConfig struct {
	Host             string `yaml:"host" toml:"host" env:"HOST"`
	Port             int    `yaml:"port" toml:"port" env:"PORT"`
	Database         string `yaml:"database" toml:"database" env:"DATABASE"`
	User             string `yaml:"user" toml:"user" env:"USER"`
	Password         string `yaml:"password" toml:"password" env:"PASSWORD"`
	SSLMode          string `yaml:"sslmode" toml:"sslmode" env:"SSLMODE"`
	MaxPoolSize      int    `yaml:"max_pool_size" toml:"max_pool_size" env:"MAX_POOL_SIZE"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms" toml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level" env:"LEVEL"`
	Format     string `yaml:"format" toml:"format" env:"FORMAT"`
	File       string `yaml:"file" toml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// HTTPConfig configures the host integration API.
type HTTPConfig struct {
	Addr                  string  `yaml:"addr" toml:"addr" env:"ADDR"`
	PersistWaitMS         int     `yaml:"persist_wait_ms" toml:"persist_wait_ms" env:"PERSIST_WAIT_MS"`
	ReferralRatePerMinute float64 `yaml:"referral_rate_per_minute" toml:"referral_rate_per_minute" env:"REFERRAL_RATE_PER_MINUTE"`
	ReferralBurst         int     `yaml:"referral_burst" toml:"referral_burst" env:"REFERRAL_BURST"`
}

// RedisConfig configures the optional event stream.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" toml:"addr" env:"ADDR"`
	Password string `yaml:"password" toml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" toml:"db" env:"DB"`
	Stream   string `yaml:"stream" toml:"stream" env:"STREAM"`
	Buffer   int    `yaml:"buffer" toml:"buffer" env:"BUFFER"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Referral: ReferralConfig{
			RequiredEngagementHours: 168,
			CheckIntervalMinutes:    5,
			PayoutThreshold:         100,
		},
		Database: DatabaseConfig{
			Type:        string(store.KindFile),
			OpTimeoutMS: 5000,
			File:        PathConfig{Path: "referrals.yml"},
			SQLite:      PathConfig{Path: "referrals.db"},
			Bolt:        PathConfig{Path: "referrals.bolt"},
			Postgres: PostgresConfig{
				Host:             "localhost",
				Port:             5432,
				Database:         "referral_system",
				User:             "postgres",
				SSLMode:          "disable",
				MaxPoolSize:      10,
				ConnectTimeoutMS: 30000,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTPConfig{
			Addr:                  ":8080",
			PersistWaitMS:         500,
			ReferralRatePerMinute: 10,
			ReferralBurst:         5,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Stream: "referra:events",
			Buffer: 256,
		},
	}
}

// Load builds a Config from defaults, the file at path (if non-empty), and
// the environment. envFiles are loaded into the process environment first;
// missing ones are skipped and existing variables are never overwritten.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parse config %s: unknown keys %v", path, undecoded)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q (want .yml, .yaml or .toml)", path, filepath.Ext(path))
	}
	return nil
}

// Validate checks every value. Errors wrap ErrInvalid and list each problem.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Referral.PayoutThreshold <= 0 {
		add("referral.payout_threshold must be positive, got %d", c.Referral.PayoutThreshold)
	}
	if c.Referral.RequiredEngagementHours < 0 {
		add("referral.required_engagement_hours must not be negative, got %d", c.Referral.RequiredEngagementHours)
	}

	kind, err := store.ParseKind(c.Database.Type)
	if err != nil {
		add("database.type: %v", err)
	}
	switch kind {
	case store.KindFile:
		if c.Database.File.Path == "" {
			add("database.file.path is required")
		}
	case store.KindSQLite:
		if c.Database.SQLite.Path == "" {
			add("database.sqlite.path is required")
		}
	case store.KindBolt:
		if c.Database.Bolt.Path == "" {
			add("database.bolt.path is required")
		}
	case store.KindPostgres:
		pg := c.Database.Postgres
		if pg.Host == "" {
			add("database.postgres.host is required")
		}
		if pg.Port <= 0 || pg.Port > 65535 {
			add("database.postgres.port out of range: %d", pg.Port)
		}
		if pg.Database == "" {
			add("database.postgres.database is required")
		}
		if pg.MaxPoolSize <= 0 {
			add("database.postgres.max_pool_size must be positive, got %d", pg.MaxPoolSize)
		}
	}
	if c.Database.OpTimeoutMS < 0 {
		add("database.op_timeout_ms must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.HTTP.ReferralRatePerMinute < 0 || c.HTTP.ReferralBurst < 0 {
		add("http rate limit values must not be negative")
	}
	if c.HTTP.PersistWaitMS < 0 {
		add("http.persist_wait_ms must not be negative")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis.addr is required when redis is enabled")
		}
		if c.Redis.Stream == "" {
			add("redis.stream is required when redis is enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Kind returns the parsed backend kind. Only valid after Validate.
func (c Config) Kind() store.Kind {
	k, _ := store.ParseKind(c.Database.Type)
	return k
}

// RequiredEngagement returns the engagement requirement as a duration.
func (c Config) RequiredEngagement() time.Duration {
	return time.Duration(c.Referral.RequiredEngagementHours) * time.Hour
}

// CheckInterval returns the sweep interval; it may be non-positive.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Referral.CheckIntervalMinutes) * time.Minute
}

// OpTimeout returns the per-operation backend timeout.
func (c Config) OpTimeout() time.Duration {
	return time.Duration(c.Database.OpTimeoutMS) * time.Millisecond
}

// PersistWait is how long HTTP handlers wait for a durable write.
func (c Config) PersistWait() time.Duration {
	return time.Duration(c.HTTP.PersistWaitMS) * time.Millisecond
}

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	if c.Database.Postgres.Password != "" {
		c.Database.Postgres.Password = "********"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "********"
	}
	return c
}

// Encode writes the configuration as "yaml" or "toml".
func (c Config) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(c)
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}
