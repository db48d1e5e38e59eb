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

	"github.com/calldataai/calldata/internal/api"
	"github.com/calldataai/calldata/internal/auth"
	"github.com/calldataai/calldata/internal/config"
	"github.com/calldataai/calldata/internal/dataset"
	"github.com/calldataai/calldata/internal/llm"
	"github.com/calldataai/calldata/internal/observability"
	"github.com/calldataai/calldata/internal/pipeline"
	"github.com/calldataai/calldata/internal/prompt"
	"github.com/calldataai/calldata/internal/query/relational"
	"github.com/calldataai/calldata/internal/query/tabular"
	"github.com/calldataai/calldata/internal/schema"
	"github.com/calldataai/calldata/internal/storage"
	s3store "github.com/calldataai/calldata/internal/storage/s3"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("calldata-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	var objectStore storage.ObjectStore
	if dataset.IsObjectPath(cfg.Dataset.Path) || cfg.Relational.Snapshot != "" {
		objectStore, err = s3store.New(startupCtx, cfg.ObjectStore)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}
	source, err := dataset.NewSource(cfg.Dataset.Path, objectStore)
	if err != nil {
		logger.Error("invalid dataset path", slog.Any("error", err))
		os.Exit(1)
	}
	catalog, err := schema.Load(startupCtx, source)
	if err != nil {
		logger.Error("failed to load dataset schema", slog.String("dataset", source.Name()), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("dataset schema loaded", slog.String("dataset", source.Name()), slog.Int("columns", catalog.Len()))

	if cfg.Relational.Snapshot != "" && cfg.Relational.ReadOnly {
		// The restore writes the table, so the engine cannot refuse writes here.
		logger.Warn("relational snapshot configured; opening the store writable", slog.String("snapshot", cfg.Relational.Snapshot))
		cfg.Relational.ReadOnly = false
	}
	db, err := relational.Open(startupCtx, cfg.Relational)
	if err != nil {
		logger.Error("failed to open relational store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if cfg.Relational.Snapshot != "" {
		rows, err := relational.RestoreSnapshot(startupCtx, db, cfg.Relational.Driver, objectStore, cfg.Relational.Snapshot, cfg.Relational.Table)
		if err != nil {
			logger.Error("failed to restore relational snapshot", slog.String("snapshot", cfg.Relational.Snapshot), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("relational snapshot restored", slog.String("table", cfg.Relational.Table), slog.Int64("rows", rows))
	}

	generator, err := llm.New(startupCtx, cfg.AI)
	if err != nil {
		logger.Error("failed to initialize model provider", slog.String("provider", cfg.AI.Provider), slog.Any("error", err))
		os.Exit(1)
	}

	composer := prompt.NewComposer(catalog, prompt.Options{
		Table:  cfg.Relational.Table,
		Handle: cfg.Tabular.Handle,
	})
	service := pipeline.NewService(composer, generator, pipeline.Engines{
		Relational: relational.NewExecutor(db, cfg.Relational.Driver),
		Tabular:    tabular.NewExecutor(source, cfg.Tabular.Handle),
	}, pipeline.Options{
		GenerateTimeout:   cfg.AI.Timeout,
		RelationalTimeout: cfg.Relational.QueryTimeout,
		TabularTimeout:    cfg.Tabular.Timeout,
		Logger:            logger,
	})

	deps := api.Dependencies{
		Logger:   logger,
		Pipeline: service,
		Composer: composer,
		Readiness: api.CombineReadinessChecks(
			api.CheckRelationalStore(db),
			api.CheckDatasetSource(source),
		),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if validator.Len() == 0 {
			logger.Warn("auth required but no static keys configured; every protected request will be rejected")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
