// Package config loads service configuration from config.yaml and
// FAIRVEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Randomness RandomnessConfig `mapstructure:"randomness"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	PriceFeed  PriceFeedConfig  `mapstructure:"pricefeed"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"` // empty selects the in-memory store
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"` // empty disables event publishing to NATS
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`
}

type EngineConfig struct {
	BaseAsset    string        `mapstructure:"base_asset"`
	VenueTimeout time.Duration `mapstructure:"venue_timeout"`
}

type QueueConfig struct {
	MaxOutstanding int           `mapstructure:"max_outstanding"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	EntryTTL       time.Duration `mapstructure:"entry_ttl"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
}

type RandomnessConfig struct {
	RevealDelay time.Duration `mapstructure:"reveal_delay"`
}

type RiskConfig struct {
	Factors map[string]int `mapstructure:"factors"` // asset class -> 1..10, overrides defaults
}

type AuthConfig struct {
	OperatorKey string `mapstructure:"operator_key"` // empty leaves operator routes open
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"` // 0 disables limiting
	Burst int     `mapstructure:"burst"`
}

type PriceFeedConfig struct {
	MaxAge    time.Duration     `mapstructure:"max_age"`
	UpdateFee string            `mapstructure:"update_fee"`
	Quotes    map[string]string `mapstructure:"quotes"` // symbol -> price seeded into the static source
}

type VenueConfig struct {
	IlliquidAssets []string `mapstructure:"illiquid_assets"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config.yaml from the given directories (default "." and
// "./configs"), then applies FAIRVEST_* environment overrides, e.g.
// FAIRVEST_QUEUE_MAX_BATCH_SIZE.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("fairvest")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("no config file found, using defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "FAIRVEST_EVENTS")
	v.SetDefault("nats.subject", "fairvest.events")
	v.SetDefault("engine.base_asset", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	v.SetDefault("engine.venue_timeout", 10*time.Second)
	v.SetDefault("queue.max_outstanding", 10000)
	v.SetDefault("queue.max_batch_size", 50)
	v.SetDefault("queue.entry_ttl", 24*time.Hour)
	v.SetDefault("queue.sweep_schedule", "0 */5 * * * *")
	v.SetDefault("randomness.reveal_delay", 30*time.Second)
	v.SetDefault("auth.operator_key", "")
	v.SetDefault("ratelimit.rps", 20.0)
	v.SetDefault("ratelimit.burst", 40)
	v.SetDefault("pricefeed.max_age", 5*time.Minute)
	v.SetDefault("pricefeed.update_fee", "0")
	v.SetDefault("venue.illiquid_assets", []string{})
	v.SetDefault("log.level", "info")
}

// MinPriceMaxAge bounds pricefeed.max_age from below; prices are refreshed
// every max_age/2.
const MinPriceMaxAge = time.Second

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !common.IsHexAddress(c.Engine.BaseAsset) {
		errs = append(errs, fmt.Errorf("engine.base_asset %q is not an address", c.Engine.BaseAsset))
	}
	if c.Queue.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("queue.max_batch_size must be >= 1, got %d", c.Queue.MaxBatchSize))
	}
	if c.Queue.MaxOutstanding < 0 {
		errs = append(errs, fmt.Errorf("queue.max_outstanding must be >= 0, got %d", c.Queue.MaxOutstanding))
	}
	if c.Queue.EntryTTL < 0 || c.Randomness.RevealDelay < 0 || c.Engine.VenueTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.PriceFeed.MaxAge < MinPriceMaxAge {
		errs = append(errs, fmt.Errorf("pricefeed.max_age must be at least %s, got %s", MinPriceMaxAge, c.PriceFeed.MaxAge))
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1) {
		errs = append(errs, fmt.Errorf("ratelimit: rps %v with burst %d", c.RateLimit.RPS, c.RateLimit.Burst))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses log.level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
