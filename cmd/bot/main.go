package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genmedia-studio/internal/app"
	"genmedia-studio/internal/config"
	"genmedia-studio/internal/handlers"
	"genmedia-studio/internal/httpclient"
	"genmedia-studio/internal/mediagroup"
	"genmedia-studio/internal/telegram"
	"genmedia-studio/internal/telemetry"
	"genmedia-studio/internal/workspace"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := app.NewLogger(cfg.LogLevel)

	if cfg.TracingEnabled {
		tp, err := telemetry.InitTracer("genmedia-studio-bot")
		if err != nil {
			logger.Error("tracer init failed", "err", err)
		} else {
			defer telemetry.Shutdown(context.Background(), tp, logger)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	studio, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("studio init failed", "err", err)
		os.Exit(1)
	}
	defer studio.Close()

	tg, err := telegram.New(telegram.Options{
		Token:      cfg.TelegramToken,
		HTTPClient: httpclient.New(httpclient.Options{PreferIPv4: cfg.PreferIPv4, Timeout: cfg.HTTPTimeout}),
		Logger:     logger,
		Debug:      cfg.Debug,
	})
	if err != nil {
		logger.Error("telegram init failed", "err", err)
		os.Exit(1)
	}

	handler := handlers.New(handlers.Options{
		Messenger:  tg,
		Studio:     studio.Pipeline,
		History:    studio.History,
		Normalizer: studio.Normalizer,
		Catalog:    studio.Catalog,
		Workspaces: workspace.NewStore(),
		Logger:     logger,
	})

	// Work outlives the signal context so albums flushed on shutdown still run.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var inflight sync.WaitGroup
	sem := make(chan struct{}, cfg.MaxConcurrent)
	run := func(fn func(ctx context.Context)) bool {
		select {
		case sem <- struct{}{}:
		case <-workCtx.Done():
			return false
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-sem }()

			reqCtx, cancel := context.WithTimeout(workCtx, cfg.RequestTimeout)
			defer cancel()
			fn(reqCtx)
		}()
		return true
	}

	aggregator := mediagroup.New(mediagroup.Options{
		Debounce: cfg.MediaGroupDebounce,
		OnFlush: func(group mediagroup.Group) {
			run(func(ctx context.Context) { handler.HandleMediaGroup(ctx, group) })
		},
	})
	handler.SetMediaGroupAggregator(aggregator)

	logger.Info("bot started", "username", tg.Username())

	updates := tg.Updates(telegram.UpdatesOptions{
		Timeout: 30 * time.Second,
	})

	defer func() {
		tg.StopUpdates()
		aggregator.FlushAll()
		if !waitTimeout(&inflight, 30*time.Second) {
			logger.Warn("in-flight work abandoned on shutdown")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case update, ok := <-updates:
			if !ok {
				logger.Info("updates channel closed")
				return
			}

			run(func(reqCtx context.Context) {
				if err := handler.HandleUpdate(reqCtx, update); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("handle update failed", "err", err)
				}
			})
		}
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
