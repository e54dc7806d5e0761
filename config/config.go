// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/tailormesh/attachment"
	"github.com/hupe1980/tailormesh/logging"
	"github.com/hupe1980/tailormesh/usage"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// Config is the complete service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Provider     ProviderConfig     `yaml:"provider"`
	Stream       StreamConfig       `yaml:"stream"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Attachments  AttachmentConfig   `yaml:"attachments"`
	Instructions InstructionsConfig `yaml:"instructions"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Traces       TracesConfig       `yaml:"traces"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Addr              string          `yaml:"addr"`
	ReadHeaderTimeout time.Duration   `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	KeepaliveInterval time.Duration   `yaml:"keepalive_interval"`
	AllowedOrigins    []string        `yaml:"allowed_origins"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is the per-session token bucket on chat endpoints.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type ProviderConfig struct {
	Name         string  `yaml:"name"`
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	DefaultModel string  `yaml:"default_model"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`

	// VectorStoreIDs switches the openai provider to hosted file search
	// over the ingredient and base mix stores.
	VectorStoreIDs   []string `yaml:"vector_store_ids"`
	MaxSearchResults int      `yaml:"max_search_results"`
}

type StreamConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	Timeout     time.Duration `yaml:"timeout"`
	CancelGrace time.Duration `yaml:"cancel_grace"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

type PipelineConfig struct {
	StageTimeout    time.Duration `yaml:"stage_timeout"`
	MaxStageRetries int           `yaml:"max_stage_retries"`
	// Model overrides the provider default for the specialist stages.
	Model string `yaml:"model"`
	// CatalogDir holds ingredients.json and base_mixes.json. Empty uses the
	// built-in sample catalog.
	CatalogDir string `yaml:"catalog_dir"`
}

type AttachmentConfig struct {
	MaxSizeBytes     int      `yaml:"max_size_bytes"`
	MaxCount         int      `yaml:"max_count"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
}

type InstructionsConfig struct {
	DefaultPath      string `yaml:"default_path"`
	PractitionerPath string `yaml:"practitioner_path"`
	Watch            bool   `yaml:"watch"`
}

type SessionsConfig struct {
	Shards int `yaml:"shards"`
}

type TracesConfig struct {
	PerSession       int `yaml:"per_session"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// LedgerConfig points at the SQLite usage ledger. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":5000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			KeepaliveInterval: 15 * time.Second,
			RateLimit:         RateLimitConfig{RequestsPerSecond: 2, Burst: 5},
		},
		Provider: ProviderConfig{
			Name:         ProviderOpenAI,
			DefaultModel: usage.DefaultFallbackModel,
			Temperature:  0.7,
			MaxTokens:    4096,

			MaxSearchResults: 10,
		},
		Stream: StreamConfig{
			BufferSize:  64,
			Timeout:     120 * time.Second,
			CancelGrace: 2 * time.Second,
			SyncTimeout: 120 * time.Second,
		},
		Pipeline: PipelineConfig{
			StageTimeout:    120 * time.Second,
			MaxStageRetries: 1,
		},
		Attachments: AttachmentConfig{
			MaxSizeBytes:     attachment.DefaultMaxSize,
			MaxCount:         attachment.DefaultMaxCount,
			AllowedMimeTypes: append([]string(nil), attachment.DefaultAllowedTypes...),
		},
		Sessions: SessionsConfig{Shards: 32},
		Traces:   TracesConfig{PerSession: 10, SubscriberBuffer: 100},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv
// outside of tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("TAILORMESH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("TAILORMESH_PROVIDER"); v != "" {
		c.Provider.Name = strings.ToLower(v)
	}
	if v := getenv("TAILORMESH_MODEL"); v != "" {
		c.Provider.DefaultModel = v
	}
	if v := getenv("TAILORMESH_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
	if v := getenv("TAILORMESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if key := getenv(apiKeyEnv(c.Provider.Name)); key != "" && c.Provider.APIKey == "" {
		c.Provider.APIKey = key
	}
	if v := getenv("VECTOR_STORE_ID"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Provider.VectorStoreIDs = append(c.Provider.VectorStoreIDs, id)
			}
		}
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
}

func apiKeyEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Provider.Name {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("provider.name %q is not one of openai, anthropic, gemini, mock", c.Provider.Name))
	}

	check(c.Provider.MaxSearchResults >= 1 && c.Provider.MaxSearchResults <= 50, "provider.max_search_results must be between 1 and 50")
	check(len(c.Provider.VectorStoreIDs) == 0 || c.Provider.Name == ProviderOpenAI || c.Provider.Name == ProviderMock,
		"provider.vector_store_ids requires the openai provider")
	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.KeepaliveInterval > 0, "server.keepalive_interval must be positive")
	check(c.Server.RateLimit.RequestsPerSecond > 0, "server.rate_limit.requests_per_second must be positive")
	check(c.Server.RateLimit.Burst > 0, "server.rate_limit.burst must be positive")
	check(c.Stream.BufferSize > 0, "stream.buffer_size must be positive")
	check(c.Stream.Timeout > 0, "stream.timeout must be positive")
	check(c.Stream.CancelGrace > 0, "stream.cancel_grace must be positive")
	check(c.Stream.SyncTimeout > 0, "stream.sync_timeout must be positive")
	check(c.Pipeline.StageTimeout > 0, "pipeline.stage_timeout must be positive")
	check(c.Pipeline.MaxStageRetries >= 0 && c.Pipeline.MaxStageRetries <= 1, "pipeline.max_stage_retries must be 0 or 1")
	check(c.Attachments.MaxSizeBytes > 0, "attachments.max_size_bytes must be positive")
	check(c.Attachments.MaxCount > 0, "attachments.max_count must be positive")
	check(c.Sessions.Shards > 0, "sessions.shards must be positive")
	check(c.Traces.PerSession > 0, "traces.per_session must be positive")
	check(c.Traces.SubscriberBuffer > 0, "traces.subscriber_buffer must be positive")

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if f := c.Logging.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("logging.format %q is not json or text", f))
	}

	return errors.Join(errs...)
}

// LoggerConfig converts the logging section. The level was checked by Validate.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultLoggerConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.Format = c.Logging.Format
	return cfg
}
