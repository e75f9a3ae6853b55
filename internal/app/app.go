// Package app assembles the studio from configuration. Both the bot and the
// web server start from Build.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"genmedia-studio/internal/api"
	"genmedia-studio/internal/asset"
	"genmedia-studio/internal/config"
	"genmedia-studio/internal/events"
	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/history"
	"genmedia-studio/internal/httpclient"
	"genmedia-studio/internal/metrics"
	"genmedia-studio/internal/objectstore"
	"genmedia-studio/internal/pipeline"
	"genmedia-studio/internal/telemetry"
)

type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Normalizer *asset.Normalizer
	Catalog    *pipeline.Catalog
	History    *history.Service
	Events     *events.Publisher
	Outputs    *objectstore.S3
	Pipeline   *pipeline.Pipeline

	// Checks feed the web server's health endpoint.
	Checks []api.Check

	closers []func()
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
		Metrics:    a.Metrics,
		Logger:     logger,
	})

	client := gemini.New(gemini.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		APIVersion: cfg.GeminiAPIVersion,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	a.Normalizer = asset.NewNormalizer(asset.Options{HTTPClient: httpClient, Logger: logger})

	catalog, err := pipeline.NewCatalog(cfg.DefaultImageModel, cfg.DefaultVideoModel, cfg.ModelLabels)
	if err != nil {
		return nil, fmt.Errorf("model catalog: %w", err)
	}
	a.Catalog = catalog

	backend, err := a.historyBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Events = events.Connect(cfg.NATSURL, logger)
	a.closers = append(a.closers, func() { _ = a.Events.Close() })

	a.History = history.NewService(backend, history.Options{
		Retries:  cfg.HistoryAppendRetries,
		Notifier: a.Events,
		Logger:   logger,
		Metrics:  a.Metrics,
	})

	deps := pipeline.Deps{
		Vision:  client,
		Text:    client,
		Images:  client,
		Videos:  client,
		Anchors: a.Normalizer,
		History: a.History,
		Events:  a.Events,
		Catalog: catalog,
	}

	if cfg.ObjectStoreEnabled() {
		store, err := objectstore.New(ctx, objectstore.Options{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("object store: %w", err)
		}
		a.Outputs = store
		deps.Outputs = store
		a.Checks = append(a.Checks, api.Check{Name: "objectstore", Ping: store.Ping})
	}

	p, err := pipeline.New(deps, pipeline.Options{
		VisionModel:        cfg.VisionModel,
		TextModel:          cfg.TextModel,
		AnalyzeConcurrency: cfg.AnalyzeConcurrency,
		PollInterval:       cfg.PollInterval,
		PollMaxAttempts:    cfg.PollMaxAttempts,
		PollTimeout:        cfg.PollTimeout,
		Logger:             logger,
		Metrics:            a.Metrics,
		Tracer:             telemetry.Tracer(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Pipeline = p

	logger.Info("studio ready",
		"history_backend", cfg.HistoryBackend,
		"events", a.Events.Enabled(),
		"object_store", a.Outputs != nil,
		"models", len(catalog.Models()),
	)
	return a, nil
}

func (a *App) historyBackend(ctx context.Context) (history.Backend, error) {
	switch a.Config.HistoryBackend {
	case "postgres":
		pg, err := history.NewPostgres(ctx, a.Config.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres history: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Checks = append(a.Checks, api.Check{Name: "history", Ping: pg.Ping})
		return pg, nil
	case "redis":
		r, err := history.NewRedis(ctx, a.Config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis history: %w", err)
		}
		a.closers = append(a.closers, func() { _ = r.Close() })
		a.Checks = append(a.Checks, api.Check{Name: "history", Ping: r.Ping})
		return r, nil
	default:
		a.Logger.Warn("history is kept in memory and is lost on restart")
		return history.NewMemory(), nil
	}
}

// Library is where promoted history entries go, or nil when no event stream
// is connected.
func (a *App) Library() history.Library {
	if !a.Events.Enabled() {
		return nil
	}
	return a.Events
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// NewLogger returns the JSON logger both binaries write to stdout.
func NewLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
