// Package config loads installrelay configuration.
//
// Sources, lowest to highest precedence: built-in defaults, an optional YAML
// or TOML file, a .env file in the working directory, and INSTALLRELAY_*
// environment variables. Nested keys map to env names by replacing "." with
// "_", so relay.cache_ttl is INSTALLRELAY_RELAY_CACHE_TTL.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/nhalm/installrelay/background"
	"github.com/nhalm/installrelay/counter"
	"github.com/nhalm/installrelay/fetch"
	"github.com/nhalm/installrelay/metrics"
	"github.com/nhalm/installrelay/relay"
	"github.com/nhalm/installrelay/slo"
	"github.com/nhalm/installrelay/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "INSTALLRELAY"

// Config holds all configuration for installrelay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Counter    CounterConfig    `mapstructure:"counter"`
	Store      StoreConfig      `mapstructure:"store"`
	Background BackgroundConfig `mapstructure:"background"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string                   `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration            `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration            `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration            `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration            `mapstructure:"shutdown_timeout" validate:"gt=0"`
	SLOTargets      map[string]time.Duration `mapstructure:"slo_targets" validate:"dive,keys,oneof=critical high_fast high_slow low,endkeys,gt=0"`
}

// RelayConfig holds upstream script and response settings.
type RelayConfig struct {
	UpstreamURL       string        `mapstructure:"upstream_url" validate:"required,url"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" validate:"gte=1s"`
	ForceCache        bool          `mapstructure:"force_cache"`
	UserAgent         string        `mapstructure:"user_agent"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	ErrorBody         string        `mapstructure:"error_body" validate:"required"`
	StatsErrorMessage string        `mapstructure:"stats_error_message" validate:"required"`
}

// CounterConfig holds usage counter settings.
type CounterConfig struct {
	Timezone string         `mapstructure:"timezone" validate:"required,timezone"`
	Prefixes PrefixesConfig `mapstructure:"prefixes"`
}

// PrefixesConfig names the counter keys.
type PrefixesConfig struct {
	Total   string `mapstructure:"total" validate:"required"`
	Daily   string `mapstructure:"daily" validate:"required"`
	Weekly  string `mapstructure:"weekly" validate:"required"`
	Monthly string `mapstructure:"monthly" validate:"required"`
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Backend string       `mapstructure:"backend" validate:"oneof=memory redis sqlite"`
	Redis   RedisConfig  `mapstructure:"redis"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"gte=0,lte=15"`
	Prefix       string        `mapstructure:"prefix"`
	PoolSize     int           `mapstructure:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// BackgroundConfig holds worker pool settings.
type BackgroundConfig struct {
	Workers     int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gt=0"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads configuration from path (optional), ./.env and the environment.
// With an empty path, installrelay.{yaml,toml,...} is looked up in the working
// directory and /etc/installrelay; a missing file is not an error.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("installrelay")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/installrelay/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading any source.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "45s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.slo_targets", map[string]string{})

	def := relay.DefaultConfig()
	v.SetDefault("relay.upstream_url", def.UpstreamURL)
	v.SetDefault("relay.cache_ttl", def.CacheTTL.String())
	v.SetDefault("relay.force_cache", def.ForceCache)
	v.SetDefault("relay.user_agent", "installrelay")
	v.SetDefault("relay.fetch_timeout", "30s")
	v.SetDefault("relay.max_body_bytes", 10<<20)
	v.SetDefault("relay.error_body", def.ErrorBody)
	v.SetDefault("relay.stats_error_message", def.StatsErrorMessage)

	prefixes := counter.DefaultPrefixes()
	v.SetDefault("counter.timezone", "UTC")
	v.SetDefault("counter.prefixes.total", prefixes.Total)
	v.SetDefault("counter.prefixes.daily", prefixes.Daily)
	v.SetDefault("counter.prefixes.weekly", prefixes.Weekly)
	v.SetDefault("counter.prefixes.monthly", prefixes.Monthly)

	v.SetDefault("store.backend", string(store.BackendMemory))
	v.SetDefault("store.redis.url", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", store.DefaultRedisPrefix)
	v.SetDefault("store.redis.pool_size", 0)
	v.SetDefault("store.redis.dial_timeout", "5s")
	v.SetDefault("store.redis.read_timeout", "3s")
	v.SetDefault("store.redis.write_timeout", "3s")
	v.SetDefault("store.sqlite.path", "installrelay.db")

	v.SetDefault("background.workers", 4)
	v.SetDefault("background.queue_size", 256)
	v.SetDefault("background.task_timeout", "10s")
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	switch store.Backend(c.Store.Backend) {
	case store.BackendRedis:
		if c.Store.Redis.URL == "" {
			return errors.New("store.redis.url is required for the redis backend")
		}
	case store.BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required for the sqlite backend")
		}
	}
	return nil
}

// Location returns the counter time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Counter.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Counter.Timezone, err)
	}
	return loc, nil
}

// Prefixes returns the counter key prefixes.
func (c *Config) Prefixes() counter.Prefixes {
	p := c.Counter.Prefixes
	return counter.Prefixes{Total: p.Total, Daily: p.Daily, Weekly: p.Weekly, Monthly: p.Monthly}
}

// StoreConfig returns the store backend configuration.
func (c *Config) StoreConfig() store.Config {
	r := c.Store.Redis
	return store.Config{
		Backend: store.Backend(c.Store.Backend),
		Redis: store.RedisConfig{
			URL:          r.URL,
			Password:     r.Password,
			DB:           r.DB,
			Prefix:       r.Prefix,
			PoolSize:     r.PoolSize,
			DialTimeout:  r.DialTimeout,
			ReadTimeout:  r.ReadTimeout,
			WriteTimeout: r.WriteTimeout,
		},
		SQLite: store.SQLiteConfig{Path: c.Store.SQLite.Path},
	}
}

// FetchConfig returns the upstream client configuration.
func (c *Config) FetchConfig(m *metrics.Metrics) fetch.Config {
	return fetch.Config{
		Timeout:      c.Relay.FetchTimeout,
		UserAgent:    c.Relay.UserAgent,
		MaxBodyBytes: c.Relay.MaxBodyBytes,
		Metrics:      m,
	}
}

// RelayConfig returns the relay handler configuration.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		UpstreamURL:       c.Relay.UpstreamURL,
		CacheTTL:          c.Relay.CacheTTL,
		ForceCache:        c.Relay.ForceCache,
		ErrorBody:         c.Relay.ErrorBody,
		StatsErrorMessage: c.Relay.StatsErrorMessage,
	}
}

// BackgroundConfig returns the worker pool configuration.
func (c *Config) BackgroundConfig(m *metrics.Metrics) background.Config {
	return background.Config{
		Workers:     c.Background.Workers,
		QueueSize:   c.Background.QueueSize,
		TaskTimeout: c.Background.TaskTimeout,
		Metrics:     m,
	}
}

// SLOTargets returns the default tier targets with configured overrides applied.
func (c *Config) SLOTargets() slo.Targets {
	targets := slo.DefaultTargets()
	for tier, target := range c.Server.SLOTargets {
		targets[slo.Tier(tier)] = target
	}
	return targets
}
