package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 7497, cfg.Gateway.Port)
	assert.Equal(t, 7, cfg.Gateway.ClientID)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "data/orders.db", cfg.Store.Path)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 7497, cfg.Gateway.Port)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderwatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[gateway]
host = "10.0.0.5"
port = 4002
disconnect_timeout = "5s"

[store]
driver = "postgres"
dsn = "postgres://ow:secret@db:5432/orders"
`), 0o600))

	t.Setenv("IB_CLIENT_ID", "21")
	t.Setenv("ORDER_DB_PATH", "/var/lib/orderwatch/orders.db")
	t.Setenv("ORDERWATCH_GATEWAY_PORT", "4001")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "10.0.0.5", cfg.Gateway.Host)
	assert.Equal(t, 4001, cfg.Gateway.Port)
	assert.Equal(t, 21, cfg.Gateway.ClientID)
	assert.Equal(t, 5*time.Second, cfg.Gateway.DisconnectTimeout.Duration)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/orderwatch/orders.db", cfg.Store.Path)
}

func TestLoad_PrefixedNameWins(t *testing.T) {
	t.Setenv("IB_HOST", "legacy-host")
	t.Setenv("ORDERWATCH_GATEWAY_HOST", "new-host")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "new-host", cfg.Gateway.Host)
}

func TestLoad_BadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[gateway\nport = "), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Gateway.Port = 0
	cfg.Store.Driver = "postgres"
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "gateway: port must be 1-65535")
	assert.Contains(t, msg, "store: dsn must not be empty")
	assert.Contains(t, msg, "redis: addr must not be empty")
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "mysql"
	assert.ErrorContains(t, cfg.Validate(), `unknown driver "mysql"`)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Store.DSN = "postgres://ow:secret@db:5432/orders"
	cfg.Redis.Password = "hunter2"
	cfg.S3.AccessKey = "AKIA"
	cfg.S3.SecretKey = "shh"

	out := RedactedConfig(&cfg)
	assert.NotContains(t, out.Store.DSN, "secret")
	assert.Contains(t, out.Store.DSN, "ow:")
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.S3.AccessKey)
	assert.Equal(t, "***", out.S3.SecretKey)

	assert.Equal(t, "hunter2", cfg.Redis.Password, "original must be untouched")
}

func TestNotify_EnvAndValidation(t *testing.T) {
	t.Setenv("ORDERWATCH_NOTIFY_TELEGRAM_TOKEN", "tok")
	t.Setenv("ORDERWATCH_NOTIFY_EVENTS", "order_filled, order_error ,")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"order_filled", "order_error"}, cfg.Notify.Events)
	assert.ErrorContains(t, cfg.Validate(), "telegram_token and telegram_chat_id must be set together")

	cfg.Notify.TelegramChatID = "42"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "***", RedactedConfig(cfg).Notify.TelegramToken)
}
