package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = "9090"

[store]
backend = "memgraph"

[memgraph]
uri = "bolt://graph:7687"
user = "verity"

[auth]
secret = "s3cret"
token_ttl = "2h"

[client.breaker]
min_requests = 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "memgraph", cfg.Store.Backend)
	assert.Equal(t, "bolt://graph:7687", cfg.Memgraph.URI)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL.Duration)
	assert.Equal(t, uint32(3), cfg.Client.Breaker.MinRequests)

	// Untouched sections keep their defaults.
	assert.Equal(t, "local", cfg.Push.Broker)
	assert.Equal(t, 256, cfg.Client.Cache.GraphEntries)
	assert.Equal(t, 0.5, cfg.Client.Breaker.FailureRatio)
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth]\ntoken_ttl = \"soon\"\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("VERITY_PUSH_BROKER", "redis")
	t.Setenv("VERITY_AUTH_SECRET", "from-env")
	t.Setenv("VERITY_TOKEN_TTL", "15m")

	cfg := Defaults()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "redis", cfg.Push.Broker)
	assert.Equal(t, 15*time.Minute, cfg.Auth.TokenTTL.Duration)
	require.NoError(t, cfg.Validate())

	t.Setenv("REDIS_DB", "two")
	assert.Error(t, Defaults().ApplyEnv())
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.Validate(), "secret is required")

	cfg.Auth.Secret = "x"
	cfg.Store.Backend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Store.Backend = "sqlite"
	cfg.Push.Broker = "kafka"
	assert.Error(t, cfg.Validate())
}
