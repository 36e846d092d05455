// Package config defines the orderwatch configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from
// defaults, then an optional TOML file, then environment variables.
type Config struct {
	Gateway  GatewayConfig `toml:"gateway"`
	Store    StoreConfig   `toml:"store"`
	Redis    RedisConfig   `toml:"redis"`
	S3       S3Config      `toml:"s3"`
	Metrics  MetricsConfig `toml:"metrics"`
	Notify   NotifyConfig  `toml:"notify"`
	Server   ServerConfig  `toml:"server"`
	LogLevel string        `toml:"log_level"`
}

// GatewayConfig locates the trading gateway.
type GatewayConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	ClientID int    `toml:"client_id"`
	// Path is the websocket endpoint path on the gateway.
	Path string `toml:"path"`
	TLS  bool   `toml:"tls"`
	// DisconnectTimeout bounds the reader join on teardown.
	DisconnectTimeout duration `toml:"disconnect_timeout"`
}

// StoreConfig selects and configures the durable order store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver        string `toml:"driver"`
	Path          string `toml:"path"`
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the order update bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Stream     string `toml:"stream"`
}

// S3Config holds object storage parameters for order archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	PartSizeMB     int    `toml:"part_size_mb"`
}

// MetricsConfig controls the Prometheus endpoint. An empty ListenAddr
// disables it.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// NotifyConfig holds operator alert channels. Alerts are sent only for the
// listed events; an empty list allows every event.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig controls the read-only order status API started by serve.
type ServerConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	APIKey      string   `toml:"api_key"` // empty disables auth
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per client per RateWindow; 0 disables limiting.
	// Limiting needs Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// duration wraps time.Duration so TOML strings like "5s" decode into it.
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

// Defaults returns a Config populated with local-development defaults: a
// paper-trading gateway on localhost and a sqlite file under data/.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              7497,
			ClientID:          7,
			Path:              "/v1/api",
			DisconnectTimeout: duration{2 * time.Second},
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          "data/orders.db",
			PoolMaxConns:  4,
			PoolMinConns:  0,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			Stream:     "orderwatch:order_updates",
		},
		S3: S3Config{
			Region:     "us-east-1",
			Prefix:     "archive",
			PartSizeMB: 8,
		},
		Notify: NotifyConfig{
			Events: []string{"order_filled", "order_cancelled", "order_error"},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			RateWindow: duration{time.Minute},
		},
		LogLevel: "info",
	}
}

var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Gateway.Host == "" {
		errs = append(errs, "gateway: host must not be empty")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Sprintf("gateway: port must be 1-65535, got %d", c.Gateway.Port))
	}
	if c.Gateway.ClientID < 0 {
		errs = append(errs, "gateway: client_id must be >= 0")
	}
	if c.Gateway.DisconnectTimeout.Duration <= 0 {
		errs = append(errs, "gateway: disconnect_timeout must be > 0")
	}

	driver := strings.ToLower(c.Store.Driver)
	switch {
	case !validDrivers[driver]:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: sqlite, postgres)", c.Store.Driver))
	case driver == "sqlite" && strings.TrimSpace(c.Store.Path) == "":
		errs = append(errs, "store: path must not be empty for the sqlite driver")
	case driver == "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, "store: dsn must not be empty for the postgres driver")
		}
		if c.Store.PoolMaxConns < 1 {
			errs = append(errs, "store: pool_max_conns must be >= 1")
		}
		if c.Store.PoolMinConns < 0 {
			errs = append(errs, "store: pool_min_conns must be >= 0")
		}
		if c.Store.PoolMinConns > c.Store.PoolMaxConns {
			errs = append(errs, "store: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region must not be empty when bucket is set")
	}
	if c.S3.PartSizeMB < 0 {
		errs = append(errs, "s3: part_size_mb must be >= 0")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Server.ListenAddr == "" {
		errs = append(errs, "server: listen_addr must not be empty")
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
