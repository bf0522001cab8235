// Package app wires configuration into a running relay.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/speechlens/speechlens/internal/capture"
	"github.com/speechlens/speechlens/internal/config"
	"github.com/speechlens/speechlens/internal/contextstore"
	"github.com/speechlens/speechlens/internal/conversation"
	"github.com/speechlens/speechlens/internal/httpapi"
	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/oracle"
	"github.com/speechlens/speechlens/internal/policy"
	"github.com/speechlens/speechlens/internal/speech"
	"github.com/speechlens/speechlens/internal/transport"
)

const stageWindowSamples = 256

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Engine  *conversation.Engine
	Hub     *transport.Hub
	Context contextstore.Store
	Metrics *observability.Metrics
	Stages  *observability.StageWindow

	// Backends names the collaborator chosen for each concern.
	Backends map[string]string

	// Cleanup waits for in-flight speech, stops capture and closes the
	// context store.
	Cleanup func(ctx context.Context) error
}

// BuildOption adjusts Build, mostly for tests.
type BuildOption func(*buildOptions)

type buildOptions struct {
	metrics *observability.Metrics
}

// WithMetrics uses m instead of registering a fresh set on the default
// registry.
func WithMetrics(m *observability.Metrics) BuildOption {
	return func(o *buildOptions) { o.metrics = m }
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...BuildOption) (*BuildResult, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics := bo.metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	stages := observability.NewStageWindow(stageWindowSamples)

	store, err := contextstore.NewStore(ctx, cfg.DatabaseURL, cfg.ContextDir, contextstore.WithCalendarPath(cfg.CalendarPath))
	if err != nil {
		return nil, fmt.Errorf("context store init failed: %w", err)
	}

	orc, err := oracle.New(ctx, oracle.Config{
		Mode:         cfg.OracleMode,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
		HTTPURL:      cfg.OracleHTTPURL,
		HTTPRetries:  cfg.OracleHTTPRetries,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("oracle init failed: %w", err)
	}

	speaker, transcriber, err := speech.New(speech.Config{
		Mode:        cfg.SpeechMode,
		OpenAIKey:   cfg.OpenAIAPIKey,
		TTSModel:    cfg.OpenAITTSModel,
		TTSVoice:    cfg.OpenAITTSVoice,
		STTModel:    cfg.OpenAISTTModel,
		STTLanguage: cfg.STTLanguage,
		TTSCommand:  cfg.TTSCommand,
		MockDelay:   cfg.MockSpeechDelay,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("speech init failed: %w", err)
	}

	hub := transport.NewHub(metrics)
	engine, err := conversation.New(conversation.Deps{
		Oracle:      orc,
		Speaker:     speaker,
		Transcriber: transcriber,
		Context:     store,
		Capture:     capture.New(cfg.CaptureCommand, cfg.CaptureStopGrace, logger),
		Sender:      hub,
		Metrics:     metrics,
		Stages:      stages,
		Logger:      logger,
		Highlights:  policy.HighlightFilter{Redact: cfg.RedactHighlights},
		SeedCount:   cfg.HighlightSeedCount,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	backends := map[string]string{
		"oracle":  oracle.Backend(orc),
		"speech":  speech.Backend(speaker),
		"context": storeKind(store),
	}
	api := httpapi.New(cfg, engine, hub, metrics, stages, logger)
	api.Backends = backends

	cleanup := func(ctx context.Context) error {
		var result *multierror.Error
		if err := engine.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("engine: %w", err))
		}
		if err := store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("context store: %w", err))
		}
		return result.ErrorOrNil()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Engine:   engine,
		Hub:      hub,
		Context:  store,
		Metrics:  metrics,
		Stages:   stages,
		Backends: backends,
		Cleanup:  cleanup,
	}, nil
}

func storeKind(s contextstore.Store) string {
	switch s.(type) {
	case *contextstore.PostgresStore:
		return "postgres"
	case *contextstore.FileStore:
		return "file"
	default:
		return "memory"
	}
}
