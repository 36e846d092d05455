package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration: defaults, then the TOML file at path (an
// empty path or a missing file is skipped), then a .env file in the working
// directory if present, then environment variables. The result is not
// validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides applies the short gateway variable names first and the
// ORDERWATCH_* names after them, so the prefixed form wins when both are set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Gateway.Host, "IB_HOST")
	setInt(&cfg.Gateway.Port, "IB_PORT")
	setInt(&cfg.Gateway.ClientID, "IB_CLIENT_ID")
	setStr(&cfg.Store.Path, "ORDER_DB_PATH")

	// ── Gateway ──
	setStr(&cfg.Gateway.Host, "ORDERWATCH_GATEWAY_HOST")
	setInt(&cfg.Gateway.Port, "ORDERWATCH_GATEWAY_PORT")
	setInt(&cfg.Gateway.ClientID, "ORDERWATCH_GATEWAY_CLIENT_ID")
	setStr(&cfg.Gateway.Path, "ORDERWATCH_GATEWAY_PATH")
	setBool(&cfg.Gateway.TLS, "ORDERWATCH_GATEWAY_TLS")
	setDuration(&cfg.Gateway.DisconnectTimeout, "ORDERWATCH_GATEWAY_DISCONNECT_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.Driver, "ORDERWATCH_STORE_DRIVER")
	setStr(&cfg.Store.Path, "ORDERWATCH_STORE_PATH")
	setStr(&cfg.Store.DSN, "ORDERWATCH_STORE_DSN")
	setInt(&cfg.Store.PoolMaxConns, "ORDERWATCH_STORE_POOL_MAX_CONNS")
	setInt(&cfg.Store.PoolMinConns, "ORDERWATCH_STORE_POOL_MIN_CONNS")
	setBool(&cfg.Store.RunMigrations, "ORDERWATCH_STORE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORDERWATCH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORDERWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERWATCH_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Stream, "ORDERWATCH_REDIS_STREAM")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORDERWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORDERWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORDERWATCH_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "ORDERWATCH_S3_PREFIX")
	setInt(&cfg.S3.PartSizeMB, "ORDERWATCH_S3_PART_SIZE_MB")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORDERWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORDERWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORDERWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setList(&cfg.Notify.Events, "ORDERWATCH_NOTIFY_EVENTS")

	// ── Server ──
	setStr(&cfg.Server.ListenAddr, "ORDERWATCH_SERVER_LISTEN_ADDR")
	setStr(&cfg.Server.APIKey, "ORDERWATCH_SERVER_API_KEY")
	setList(&cfg.Server.CORSOrigins, "ORDERWATCH_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "ORDERWATCH_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ORDERWATCH_SERVER_RATE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Metrics.ListenAddr, "ORDERWATCH_METRICS_LISTEN_ADDR")
	setStr(&cfg.LogLevel, "ORDERWATCH_LOG_LEVEL")
}

// Each helper only touches the target when the variable is set and parses.

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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
