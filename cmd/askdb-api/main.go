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

	"github.com/joho/godotenv"

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/router"
	"github.com/askdb/askdb/internal/safety"
	"github.com/askdb/askdb/internal/schema"
)

func main() {
	envFile := os.Getenv("ASKDB_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to read env file", slog.String("path", envFile), slog.Any("error", err))
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv("askdb-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("api server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup.close(closeCtx); err != nil {
			logger.Error("cleanup failed", slog.Any("error", err))
		}
	}()

	tools, err := openTools(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	backends := tools.Backends()

	rules, err := routingRules(cfg.Routing, backends)
	if err != nil {
		return err
	}
	generators, suggester, err := newGenerators(ctx, cfg, logger, backends)
	if err != nil {
		return err
	}
	emitter, err := newEmitter(ctx, cfg, logger, &cleanup)
	if err != nil {
		return err
	}

	schemas := schema.NewCache(tools, backends, schema.CacheOptions{
		TTL:            cfg.Schema.TTL,
		MaxStale:       cfg.Schema.MaxStale,
		RefreshTimeout: cfg.Schema.RefreshTimeout,
		Logger:         logger,
	})
	cleanup.add(func(context.Context) error {
		schemas.Wait()
		return nil
	})

	orchestrator, err := pipeline.New(pipeline.Options{
		Router:      router.New(rules),
		Generators:  generators,
		Validator:   safety.New(safety.DefaultPolicy()),
		Tools:       tools,
		Schemas:     schemas,
		Spans:       emitter,
		Logger:      logger,
		Limit:       cfg.Query.MaxRows,
		ExecTimeout: cfg.Query.ExecTimeout,
	})
	if err != nil {
		return err
	}

	store, err := newSessionStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	chatService, err := chat.NewService(chat.Options{
		Asker:     orchestrator,
		Schemas:   schemas,
		Sessions:  store,
		Suggester: suggester,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	deps := api.Dependencies{
		Logger: logger,
		Readiness: api.CombineReadinessChecks(
			api.CheckBackends(tools),
			api.CheckSessionStore(store.Ping),
		),
		DependencyTimeout: 2 * time.Second,
		Chat:              chatService,
		Schemas:           schemas,
		Tools:             tools,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return err
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.Any("backends", backends),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return err
	}
	return nil
}
