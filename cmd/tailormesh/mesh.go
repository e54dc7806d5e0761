package main

import (
	"context"
	"fmt"

	"github.com/hupe1980/tailormesh"
	"github.com/hupe1980/tailormesh/agent"
	"github.com/hupe1980/tailormesh/attachment"
	"github.com/hupe1980/tailormesh/config"
	"github.com/hupe1980/tailormesh/instruction"
	"github.com/hupe1980/tailormesh/ledger"
	"github.com/hupe1980/tailormesh/logging"
	"github.com/hupe1980/tailormesh/model"
	"github.com/hupe1980/tailormesh/model/anthropic"
	"github.com/hupe1980/tailormesh/model/gemini"
	"github.com/hupe1980/tailormesh/model/openai"
	"github.com/hupe1980/tailormesh/session"
	"github.com/hupe1980/tailormesh/trace"
	"github.com/hupe1980/tailormesh/usage"
)

// providerModel returns the configured model unless it is the OpenAI
// default carried over to another provider.
func providerModel(cfg config.ProviderConfig, adapterDefault string) string {
	if cfg.DefaultModel == "" || (cfg.Name != config.ProviderOpenAI && cfg.DefaultModel == usage.DefaultFallbackModel) {
		return adapterDefault
	}
	return cfg.DefaultModel
}

// newModel constructs the provider named by cfg.
func newModel(ctx context.Context, cfg config.ProviderConfig) (model.Model, error) {
	switch cfg.Name {
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			o.Model = providerModel(cfg, openai.DefaultModel)
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = int64(cfg.MaxTokens)
			o.VectorStoreIDs = cfg.VectorStoreIDs
			o.MaxSearchResults = int64(cfg.MaxSearchResults)
		}), nil
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = providerModel(cfg, anthropic.DefaultModel)
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.MaxTokens = int64(cfg.MaxTokens)
		}), nil
	case config.ProviderGemini:
		m, err := gemini.NewModel(ctx, func(o *gemini.Options) {
			o.Model = providerModel(cfg, gemini.DefaultModel)
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.MaxOutputTokens = int32(cfg.MaxTokens)
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.ProviderMock:
		return model.NewMockModel(cfg.DefaultModel), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// app bundles what the commands share.
type app struct {
	cfg    *config.Config
	logger *logging.StructuredLogger
	mesh   *tailormesh.Mesh
	ledger *ledger.Ledger
}

func (a *app) Close() {
	a.mesh.Close()
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("close ledger", "error", err)
		}
	}
}

// loadApp reads the config and wires a Mesh from it.
func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LoggerConfig())

	m, err := newModel(ctx, cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	registry := instruction.New(func(o *instruction.Options) { o.Logger = logger.WithComponent("instructions") })
	if p := cfg.Instructions.DefaultPath; p != "" {
		if err := registry.LoadFile(instruction.ModeDefault, p); err != nil {
			return nil, err
		}
	}
	if p := cfg.Instructions.PractitionerPath; p != "" {
		if err := registry.LoadFile(instruction.ModePractitioner, p); err != nil {
			return nil, err
		}
	}

	catalog := agent.DefaultCatalog()
	if dir := cfg.Pipeline.CatalogDir; dir != "" {
		if catalog, err = agent.LoadCatalog(dir); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, logger: logger}
	if p := cfg.Ledger.Path; p != "" {
		if a.ledger, err = ledger.Open(p); err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	}

	a.mesh = tailormesh.New(func(o *tailormesh.Options) {
		o.Model = m
		o.Instructions = registry
		o.Sessions = session.NewStore(func(so *session.Options) { so.Shards = cfg.Sessions.Shards })
		o.Tracer = trace.NewProcessor(func(to *trace.Options) {
			to.PerSession = cfg.Traces.PerSession
			to.SubscriberBuffer = cfg.Traces.SubscriberBuffer
			to.Logger = logger.WithComponent("trace")
		})
		o.Validator = attachment.NewValidator(cfg.Attachments.MaxSizeBytes, cfg.Attachments.MaxCount, cfg.Attachments.AllowedMimeTypes)
		if a.ledger != nil {
			o.Ledger = a.ledger
		}
		o.StreamTimeout = cfg.Stream.Timeout
		o.SyncTimeout = cfg.Stream.SyncTimeout
		o.BufferSize = cfg.Stream.BufferSize
		o.CancelGrace = cfg.Stream.CancelGrace
		o.StageTimeout = cfg.Pipeline.StageTimeout
		o.MaxStageRetries = cfg.Pipeline.MaxStageRetries
		o.StageModel = cfg.Pipeline.Model
		o.Catalog = catalog
		o.Logger = logger.WithComponent("mesh")
	})
	return a, nil
}
