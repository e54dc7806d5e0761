package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tailormesh/logging"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.KeepaliveInterval)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", cfg.Provider.DefaultModel)
	assert.Equal(t, 64, cfg.Stream.BufferSize)
	assert.Equal(t, 2*time.Second, cfg.Stream.CancelGrace)
	assert.Equal(t, 10<<20, cfg.Attachments.MaxSizeBytes)
	assert.Equal(t, 5, cfg.Attachments.MaxCount)
	assert.Equal(t, 32, cfg.Sessions.Shards)
	assert.Equal(t, 10, cfg.Traces.PerSession)
	assert.Empty(t, cfg.Ledger.Path)
	assert.Equal(t, 10, cfg.Provider.MaxSearchResults)
	assert.Empty(t, cfg.Provider.VectorStoreIDs)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tailormesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
  keepalive_interval: 5s
provider:
  name: mock
  default_model: gpt-5-mini
stream:
  timeout: 30s
pipeline:
  max_stage_retries: 0
ledger:
  path: usage.db
logging:
  level: debug
  format: text
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.KeepaliveInterval)
	assert.Equal(t, ProviderMock, cfg.Provider.Name)
	assert.Equal(t, "gpt-5-mini", cfg.Provider.DefaultModel)
	assert.Equal(t, 30*time.Second, cfg.Stream.Timeout)
	assert.Equal(t, 64, cfg.Stream.BufferSize, "unset fields keep their defaults")
	assert.Equal(t, 0, cfg.Pipeline.MaxStageRetries)
	assert.Equal(t, "usage.db", cfg.Ledger.Path)

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, "text", lc.Format)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TAILORMESH_ADDR":        ":9000",
		"TAILORMESH_PROVIDER":    "Anthropic",
		"TAILORMESH_MODEL":       "claude-sonnet-4-5",
		"TAILORMESH_LEDGER_PATH": "/tmp/ledger.db",
		"TAILORMESH_LOG_LEVEL":   "warn",
		"ANTHROPIC_API_KEY":      "sk-ant",
		"OPENAI_API_KEY":         "sk-openai",
		"CORS_ALLOWED_ORIGINS":   "https://a.example, https://b.example,",
		"VECTOR_STORE_ID":        "vs_ingredients, vs_mixes",
	}
	cfg := Default()
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, ProviderAnthropic, cfg.Provider.Name)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Provider.DefaultModel)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "sk-ant", cfg.Provider.APIKey, "key follows the provider name")
	assert.Equal(t, []string{"http://localhost:3000", "https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []string{"vs_ingredients", "vs_mixes"}, cfg.Provider.VectorStoreIDs)
	assert.ErrorContains(t, cfg.Validate(), "vector_store_ids requires the openai provider")

	cfg.Provider.VectorStoreIDs = nil
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_ExplicitKeyWins(t *testing.T) {
	cfg := Default()
	cfg.Provider.APIKey = "from-file"
	cfg.ApplyEnv(func(k string) string { return "from-env" })
	assert.Equal(t, "from-file", cfg.Provider.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Provider.Name = "cohere" }, "provider.name"},
		{"buffer size", func(c *Config) { c.Stream.BufferSize = 0 }, "stream.buffer_size"},
		{"timeout", func(c *Config) { c.Stream.Timeout = -time.Second }, "stream.timeout"},
		{"retries", func(c *Config) { c.Pipeline.MaxStageRetries = 2 }, "max_stage_retries"},
		{"attachment count", func(c *Config) { c.Attachments.MaxCount = 0 }, "attachments.max_count"},
		{"rate limit", func(c *Config) { c.Server.RateLimit.Burst = 0 }, "rate_limit.burst"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"search results", func(c *Config) { c.Provider.MaxSearchResults = 51 }, "provider.max_search_results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Stream.BufferSize = 0
	cfg.Sessions.Shards = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "stream.buffer_size")
	assert.ErrorContains(t, err, "sessions.shards")
}
