package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tdnguyen/chatgate/internal/assembler"
	"github.com/tdnguyen/chatgate/internal/config"
	"github.com/tdnguyen/chatgate/internal/gateway"
	"github.com/tdnguyen/chatgate/internal/httpapi"
	"github.com/tdnguyen/chatgate/internal/observability"
	"github.com/tdnguyen/chatgate/internal/pipeline"
	"github.com/tdnguyen/chatgate/internal/queue"
	"github.com/tdnguyen/chatgate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewTurnWindow(256)

	defaultModel := "mock-chat"
	if len(cfg.OpenAIModels) > 0 {
		defaultModel = cfg.OpenAIModels[0]
	} else if len(cfg.GeminiModels) > 0 {
		defaultModel = cfg.GeminiModels[0]
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.DatabaseURL, store.Defaults{
		SeedCredits:  cfg.SeedCredits,
		OwnerUserID:  cfg.OwnerUserID,
		DefaultModel: defaultModel,
	})
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	storeMode := "in-memory"
	if cfg.DatabaseURL != "" {
		storeMode = "postgres"
	}
	log.WithField("mode", storeMode).Info("store ready")

	registry := gateway.NewRegistry()
	providers := 0
	if cfg.OpenAIAPIKey != "" && len(cfg.OpenAIModels) > 0 {
		registry.Register(gateway.NewOpenAIAdapter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), cfg.OpenAIModels...)
		seedModels(ctx, log, st, cfg.OpenAIModels, true)
		providers++
		log.WithField("models", cfg.OpenAIModels).Info("openai adapter registered")
	}
	if cfg.GeminiAPIKey != "" && len(cfg.GeminiModels) > 0 {
		registry.Register(gateway.NewGeminiAdapter(cfg.GeminiBaseURL, cfg.GeminiAPIKey), cfg.GeminiModels...)
		seedModels(ctx, log, st, cfg.GeminiModels, true)
		providers++
		log.WithField("models", cfg.GeminiModels).Info("gemini adapter registered")
	}
	if providers == 0 {
		registry.SetFallback(gateway.NewMockAdapter())
		seedModels(ctx, log, st, []string{defaultModel}, false)
		log.Warn("no provider credentials configured, mock adapter answers everything")
	}

	asm := assembler.New(cfg.MaxTokens, cfg.MaxTurns, cfg.DefaultSystemPrompt, cfg.TimestampPrefix)
	svc := pipeline.New(pipeline.Config{
		RetryMax:       cfg.ProviderRetryMax,
		RetryBase:      cfg.RetryBackoffBase,
		RetryCap:       cfg.RetryBackoffCap,
		StreamMinChars: cfg.StreamMinChars,
	}, st, registry, asm, log, metrics, window)

	q := queue.New(queue.Config{
		Depth:       cfg.PerUserQueueDepth,
		Concurrency: cfg.GlobalConcurrencyLimit,
		Timeout:     cfg.RequestTimeout,
	}, log, metrics, window)

	api := httpapi.New(cfg, st, q, svc, window, log, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful http shutdown failed")
		_ = httpServer.Close()
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("queue drained with cancellations")
	}

	log.Info("shutdown complete")
}

// seedModels adds configured models to the catalog when missing, so a
// fresh deployment is usable without a manual catalog PUT per model.
func seedModels(ctx context.Context, log logrus.FieldLogger, st store.Store, models []string, multimodal bool) {
	for _, name := range models {
		if _, err := st.GetModel(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrModelNotFound) {
			log.WithError(err).WithField("model", name).Warn("catalog lookup failed")
			continue
		}
		desc := store.ModelDescriptor{
			Name:           name,
			CreditCost:     1,
			SupportsImages: multimodal,
		}
		if err := st.PutModel(ctx, desc); err != nil {
			log.WithError(err).WithField("model", name).Warn("catalog seed failed")
			continue
		}
		log.WithField("model", name).Info("catalog entry seeded")
	}
}
