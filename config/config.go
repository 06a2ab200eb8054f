// Package config loads feed engine configuration from config.yaml and
// environment variables. Env vars use the KITEFEED_ prefix with dots
// replaced by underscores (e.g. kite.api_key -> KITEFEED_KITE_API_KEY)
// and override file values.
package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KiteConfig holds broker credentials and endpoints.
type KiteConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`

	// Enctoken, when set, skips the login flow until it goes stale.
	Enctoken string `mapstructure:"enctoken"`

	WSURL string `mapstructure:"ws_url"`
}

// FeedConfig controls subscriptions.
type FeedConfig struct {
	// Tokens is a comma-separated instrument token list. Empty means
	// fetch the full instrument dump at startup.
	Tokens string `mapstructure:"tokens"`

	// ExtraIndexTokens are subscribed in full mode alongside the
	// default indices.
	ExtraIndexTokens string `mapstructure:"extra_index_tokens"`

	Mode string `mapstructure:"mode"` // ltp, quote or full

	// EnforceMarketHours gates connections to the trading session.
	EnforceMarketHours bool `mapstructure:"enforce_market_hours"`

	QueueCapacity int `mapstructure:"queue_capacity"`
}

// BatchConfig controls the persistence batcher.
type BatchConfig struct {
	Size     int           `mapstructure:"size"`
	Interval time.Duration `mapstructure:"interval"`
}

// RedisConfig controls the optional tick mirror.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WatchConfig controls the dashboard WebSocket server.
type WatchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	RingSize int    `mapstructure:"ring_size"`
}

// StalenessConfig controls the freshness monitor.
type StalenessConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the root configuration.
type Config struct {
	Kite      KiteConfig      `mapstructure:"kite"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Staleness StalenessConfig `mapstructure:"staleness"`

	SQLitePath  string `mapstructure:"sqlite_path"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// Load reads config.yaml (if present) and the environment, applies
// defaults, and validates required credentials. Credential validation
// fails here, before any network activity.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("KITEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine, env vars carry the credentials.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Credentials default to empty so the keys exist for env-only
	// deployments; Unmarshal only sees keys viper knows about.
	v.SetDefault("kite.api_key", "")
	v.SetDefault("kite.user_id", "")
	v.SetDefault("kite.password", "")
	v.SetDefault("kite.totp_secret", "")
	v.SetDefault("kite.enctoken", "")
	v.SetDefault("feed.tokens", "")
	v.SetDefault("feed.extra_index_tokens", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kite.ws_url", "wss://ws.zerodha.com/")
	v.SetDefault("feed.mode", "full")
	v.SetDefault("feed.enforce_market_hours", true)
	v.SetDefault("feed.queue_capacity", 10000)
	v.SetDefault("batch.size", 200)
	v.SetDefault("batch.interval", 5*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.addr", ":9100")
	v.SetDefault("watch.ring_size", 1024)
	v.SetDefault("staleness.window", 5*time.Minute)
	v.SetDefault("staleness.interval", time.Minute)
	v.SetDefault("sqlite_path", "data/ticks.db")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	var missing []string
	if c.Kite.APIKey == "" {
		missing = append(missing, "kite.api_key")
	}
	if c.Kite.UserID == "" {
		missing = append(missing, "kite.user_id")
	}
	// Password and TOTP secret are only needed when no enctoken is
	// supplied, since the login flow mints one.
	if c.Kite.Enctoken == "" {
		if c.Kite.Password == "" {
			missing = append(missing, "kite.password")
		}
		if c.Kite.TOTPSecret == "" {
			missing = append(missing, "kite.totp_secret")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	switch c.Feed.Mode {
	case "ltp", "quote", "full":
	default:
		return fmt.Errorf("invalid feed.mode %q (want ltp, quote or full)", c.Feed.Mode)
	}
	return nil
}

// ParseTokens parses the comma-separated token list. Invalid entries
// are skipped with a warning.
func (c *Config) ParseTokens() []uint32 {
	return parseTokenList(c.Feed.Tokens)
}

// ParseExtraIndexTokens parses the extra index token list.
func (c *Config) ParseExtraIndexTokens() []uint32 {
	return parseTokenList(c.Feed.ExtraIndexTokens)
}

func parseTokenList(s string) []uint32 {
	parts := strings.Split(s, ",")
	tokens := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			log.Printf("[config] skipping invalid token value: %q", p)
			continue
		}
		tokens = append(tokens, uint32(n))
	}
	return tokens
}
