package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datapulse/datapulse/internal/answer"
	"github.com/datapulse/datapulse/internal/api"
	"github.com/datapulse/datapulse/internal/archive"
	"github.com/datapulse/datapulse/internal/auth"
	"github.com/datapulse/datapulse/internal/cache"
	"github.com/datapulse/datapulse/internal/config"
	"github.com/datapulse/datapulse/internal/demo"
	"github.com/datapulse/datapulse/internal/generate"
	"github.com/datapulse/datapulse/internal/history"
	"github.com/datapulse/datapulse/internal/observability"
	sqliteengine "github.com/datapulse/datapulse/internal/query/sqlite"
	"github.com/datapulse/datapulse/internal/ratelimit"
	"github.com/datapulse/datapulse/internal/session"
	s3store "github.com/datapulse/datapulse/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("datapulse-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	demoHandle, err := demo.Open(ctx)
	if err != nil {
		logger.Error("failed to build demo dataset", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = demoHandle.Close() }()

	engine := sqliteengine.NewEngine(cfg.Query.Timeout)
	resultCache := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL)
	limiter := ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	sessions := session.NewRegistry(cfg.Sessions.TTL, logger)
	go sessions.Run(ctx, cfg.Sessions.SweepInterval)

	var model generate.Generator
	if cfg.AI.Enabled {
		model, err = generate.NewOpenAIGenerator(generate.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize model generator", slog.Any("error", err))
			os.Exit(1)
		}
	}

	service, err := answer.NewService(
		logger,
		resultCache,
		limiter,
		sessions,
		engine,
		model,
		generate.NewFallbackGenerator(),
		demoHandle,
		answer.Config{
			RowLimit:        cfg.Query.RowLimit,
			StrictValidator: cfg.Sessions.StrictValidator,
		},
	)
	if err != nil {
		logger.Error("failed to build answer service", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:   logger,
		Answers:  service,
		Sessions: sessions,
		Cache:    resultCache,
	}

	var readiness []api.ReadinessCheck
	if cfg.History.Enabled {
		historyDB, err := history.Open(ctx, history.DBConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()

		store := history.NewStore(historyDB)
		service.SetRecorder(store)
		deps.History = store
		readiness = append(readiness, api.CheckHistoryDSN(cfg))
	}

	if cfg.ObjectStore.Enabled {
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Uploads = objectStore
		readiness = append(readiness, api.CheckObjectStoreConfig(cfg))

		if cfg.Archive.Enabled {
			writer := archive.NewWriter(objectStore, cfg.Archive.BatchSize, logger)
			service.SetArchiver(writer)
			go writer.Run(ctx, cfg.Archive.FlushInterval)
		}
	}
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
