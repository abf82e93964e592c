package keygate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// clearLegacyEnv keeps the developer's shell from leaking into tests.
func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PORT", "ADMIN_PASSWORD", "JWT_SECRET", "DATABASE_URL",
		"AUTO_DISCOVER_MODELS", "AUTO_UPDATE_MODELS", "MODEL_UPDATE_INTERVAL",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	clearLegacyEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
	require.NoError(t, ValidateConfig(*cfg))
}

func TestLoadConfig_File(t *testing.T) {
	clearLegacyEnv(t)
	path := writeTempFile(t, "keygate.yaml", `
server:
  port: 9090
  cors_origins: ["https://app.example.com"]
database:
  driver: memory
discovery:
  periodic: true
  interval: 6h
defaults:
  chat_model: gpt-4o-mini
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.True(t, cfg.Discovery.Periodic)
	assert.Equal(t, 6*time.Hour, cfg.Discovery.Interval)
	assert.Equal(t, "gpt-4o-mini", cfg.Defaults.ChatModel)
	// Untouched keys keep their defaults.
	assert.Equal(t, "dall-e-3", cfg.Defaults.ImageModel)
	assert.Equal(t, 60*time.Second, cfg.Upstream.Timeout)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	clearLegacyEnv(t)
	path := writeTempFile(t, "keygate.yaml", "server:\n  port: 9090\n")
	t.Setenv("KEYGATE_SERVER__PORT", "7070")
	t.Setenv("KEYGATE_DISCOVERY__ON_STARTUP", "true")
	t.Setenv("KEYGATE_RATE_LIMIT__CREDENTIAL_RPS", "2.5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Discovery.OnStartup)
	assert.InDelta(t, 2.5, cfg.RateLimit.CredentialRPS, 1e-9)
}

func TestLoadConfig_LegacyEnv(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("PORT", "4000")
	t.Setenv("ADMIN_PASSWORD", "hunter2")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("AUTO_DISCOVER_MODELS", "true")
	t.Setenv("AUTO_UPDATE_MODELS", "false")
	t.Setenv("MODEL_UPDATE_INTERVAL", "3600000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Admin.Password)
	assert.Equal(t, "0123456789abcdef0123", cfg.Admin.JWTSecret)
	assert.True(t, cfg.Discovery.OnStartup)
	assert.False(t, cfg.Discovery.Periodic)
	assert.Equal(t, time.Hour, cfg.Discovery.Interval)
	require.NoError(t, ValidateConfig(*cfg))
}

func TestLoadConfig_PrefixedEnvBeatsLegacy(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("PORT", "4000")
	t.Setenv("KEYGATE_SERVER__PORT", "5000")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoadConfig_Errors(t *testing.T) {
	clearLegacyEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeTempFile(t, "bad.yaml", "server: [\n"))
	assert.Error(t, err)

	t.Setenv("MODEL_UPDATE_INTERVAL", "daily")
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, "MODEL_UPDATE_INTERVAL")
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres; c.Database.DSN = "" }, "database.dsn"},
		{"password without secret", func(c *Config) { c.Admin.Password = "pw" }, "jwt_secret is required"},
		{"short secret", func(c *Config) { c.Admin.JWTSecret = "short" }, "at least 16"},
		{"tiny interval", func(c *Config) { c.Discovery.Periodic = true; c.Discovery.Interval = time.Second }, "discovery.interval"},
		{"zero upstream timeout", func(c *Config) { c.Upstream.Timeout = 0 }, "upstream.timeout"},
		{"negative rate", func(c *Config) { c.RateLimit.CredentialRPS = -1 }, "rate_limit"},
		{"bad origin", func(c *Config) { c.Server.CORSOrigins = []string{"example.com"} }, "cors_origins"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.ErrorContains(t, ValidateConfig(cfg), tc.want)
		})
	}
}
