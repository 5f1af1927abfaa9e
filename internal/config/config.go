// Package config loads the server configuration from an optional YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/pricer"
	"github.com/atmx/optionpool/internal/series"
	"github.com/atmx/optionpool/internal/volatility"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PoolConfig describes the pool's assets, role holders and accounting
// thresholds.
type PoolConfig struct {
	Underlying  string `yaml:"underlying"`
	StrikeAsset string `yaml:"strike_asset"`
	Collateral  string `yaml:"collateral"`
	ShareSymbol string `yaml:"share_symbol"`
	Account     string `yaml:"account"`

	Governor string   `yaml:"governor"`
	Keepers  []string `yaml:"keepers"`
	Handler  string   `yaml:"handler"`

	// Spot seeds the static price feed.
	Spot fixed.Point `yaml:"spot"`

	CollateralCap     fixed.Point   `yaml:"collateral_cap"`
	RiskFreeRate      fixed.Point   `yaml:"risk_free_rate"`
	MaxTimeDeviation  time.Duration `yaml:"max_time_deviation"`
	MaxPriceDeviation fixed.Point   `yaml:"max_price_deviation"`
	CallMarginFactor  fixed.Point   `yaml:"call_margin_factor"`
}

type LimitsConfig struct {
	MaxNetPerSeries fixed.Point `yaml:"max_net_per_series"`
	MaxNetPerExpiry fixed.Point `yaml:"max_net_per_expiry"`
}

// SurfaceEntry holds SABR parameters for the expiry on Date (YYYYMMDD).
type SurfaceEntry struct {
	Date                    string `yaml:"date"`
	volatility.ExpiryParams `yaml:",inline"`
}

// Expiration returns the entry's expiration in unix seconds.
func (e SurfaceEntry) Expiration() (int64, error) {
	t, err := series.ParseExpiryDate(e.Date)
	if err != nil {
		return 0, fmt.Errorf("%w: surface date %q", ErrInvalid, e.Date)
	}
	return t.Unix(), nil
}

type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	PebbleDir   string        `yaml:"pebble_dir"`
}

type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Pool    PoolConfig     `yaml:"pool"`
	Pricer  pricer.Config  `yaml:"pricer"`
	Limits  LimitsConfig   `yaml:"limits"`
	Surface []SurfaceEntry `yaml:"surface"`
	Store   StoreConfig    `yaml:"store"`
	Events  EventsConfig   `yaml:"events"`
}

// Default returns a single-node development configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Pool: PoolConfig{
			Underlying:        "WETH",
			StrikeAsset:       "USDC",
			Collateral:        "USDC",
			ShareSymbol:       "OPS",
			Account:           "pool",
			Governor:          "governor",
			Keepers:           []string{"keeper"},
			Handler:           "executor",
			Spot:              fixed.FromInt(2000),
			MaxTimeDeviation:  10 * time.Minute,
			MaxPriceDeviation: fixed.MustParse("0.03"),
			CallMarginFactor:  fixed.One,
		},
		Pricer: pricer.DefaultConfig(),
		Store: StoreConfig{
			CacheTTL: 30 * time.Second,
		},
		Events: EventsConfig{
			KafkaTopic: "optionpool.events",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal config yaml: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := getenv("PEBBLE_DIR"); v != "" {
		c.Store.PebbleDir = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Events.KafkaBrokers = strings.Split(v, ",")
	}
	if v := getenv("KAFKA_TOPIC"); v != "" {
		c.Events.KafkaTopic = v
	}
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	p := c.Pool
	switch {
	case c.Server.Port == "":
		return fmt.Errorf("%w: server.port is required", ErrInvalid)
	case p.Underlying == "" || p.StrikeAsset == "" || p.Collateral == "":
		return fmt.Errorf("%w: pool assets are required", ErrInvalid)
	case p.Account == "" || p.Governor == "" || p.Handler == "":
		return fmt.Errorf("%w: pool account, governor and handler are required", ErrInvalid)
	case !p.Spot.IsPositive():
		return fmt.Errorf("%w: pool.spot must be positive", ErrInvalid)
	case p.CollateralCap.IsNegative() || p.MaxPriceDeviation.IsNegative():
		return fmt.Errorf("%w: pool thresholds must be non-negative", ErrInvalid)
	case p.MaxTimeDeviation < 0:
		return fmt.Errorf("%w: pool.max_time_deviation must be non-negative", ErrInvalid)
	case !p.CallMarginFactor.IsPositive():
		return fmt.Errorf("%w: pool.call_margin_factor must be positive", ErrInvalid)
	case c.Limits.MaxNetPerSeries.IsNegative() || c.Limits.MaxNetPerExpiry.IsNegative():
		return fmt.Errorf("%w: limits must be non-negative", ErrInvalid)
	case c.Store.RedisURL != "" && c.Store.DatabaseURL == "" && c.Store.PebbleDir == "":
		return fmt.Errorf("%w: store.redis_url needs a primary store", ErrInvalid)
	case len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "":
		return fmt.Errorf("%w: events.kafka_topic is required with brokers", ErrInvalid)
	}
	if err := c.Pricer.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	seen := make(map[string]bool, len(c.Surface))
	for _, e := range c.Surface {
		if _, err := e.Expiration(); err != nil {
			return err
		}
		if seen[e.Date] {
			return fmt.Errorf("%w: duplicate surface date %s", ErrInvalid, e.Date)
		}
		seen[e.Date] = true
		if err := e.Call.Validate(); err != nil {
			return fmt.Errorf("%w: surface %s call: %w", ErrInvalid, e.Date, err)
		}
		if err := e.Put.Validate(); err != nil {
			return fmt.Errorf("%w: surface %s put: %w", ErrInvalid, e.Date, err)
		}
	}
	return nil
}

// BuildSurface loads the configured SABR parameters.
func (c Config) BuildSurface() (*volatility.Surface, error) {
	s := volatility.NewSurface()
	for _, e := range c.Surface {
		exp, err := e.Expiration()
		if err != nil {
			return nil, err
		}
		if err := s.Set(exp, e.ExpiryParams); err != nil {
			return nil, fmt.Errorf("surface %s: %w", e.Date, err)
		}
	}
	return s, nil
}
