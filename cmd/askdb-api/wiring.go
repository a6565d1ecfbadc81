package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/querygen"
	"github.com/askdb/askdb/internal/router"
	"github.com/askdb/askdb/internal/session"
	"github.com/askdb/askdb/internal/tool"
	"github.com/askdb/askdb/internal/tool/mongo"
	"github.com/askdb/askdb/internal/tool/postgres"
	"github.com/askdb/askdb/internal/trace"
)

// closers run in reverse order on shutdown.
type closers []func(ctx context.Context) error

func (c *closers) add(fn func(ctx context.Context) error) {
	*c = append(*c, fn)
}

func (c closers) close(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openTools(ctx context.Context, cfg config.Config, cleanup *closers) (*tool.Registry, error) {
	var clients []tool.Client

	if cfg.Relational.Enabled {
		dsn := cfg.Relational.DSN
		if dsn == "" {
			dsn = postgres.ConnParams{
				Host:     cfg.Relational.Host,
				Port:     cfg.Relational.Port,
				User:     cfg.Relational.User,
				Password: cfg.Relational.Password,
				Database: cfg.Relational.Database,
				SSLMode:  cfg.Relational.SSLMode,
			}.DSN()
		}
		db, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             dsn,
			MaxOpenConns:    cfg.Relational.MaxOpenConns,
			MaxIdleConns:    cfg.Relational.MaxIdleConns,
			ConnMaxIdleTime: cfg.Relational.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Relational.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(func(context.Context) error { return db.Close() })
		clients = append(clients, postgres.NewClient(db, postgres.Options{
			Schema:         cfg.Relational.Schema,
			MaxRows:        cfg.Query.MaxRows,
			AcquireTimeout: cfg.Relational.AcquireTimeout,
		}))
	}

	if cfg.Document.Enabled {
		uri := cfg.Document.URI
		if uri == "" {
			uri = mongo.ConnParams{
				Host:     cfg.Document.Host,
				Port:     cfg.Document.Port,
				User:     cfg.Document.User,
				Password: cfg.Document.Password,
			}.URI()
		}
		client, err := mongo.Connect(ctx, mongo.ConnectConfig{
			URI:            uri,
			MaxPoolSize:    uint64(max(cfg.Document.MaxPoolSize, 0)),
			ConnectTimeout: cfg.Document.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(client.Disconnect)
		clients = append(clients, mongo.NewClient(mongo.NewDriverStore(client.Database(cfg.Document.Database)), mongo.Options{
			SampleSize: int64(cfg.Document.SampleSize),
			MaxRows:    cfg.Query.MaxRows,
			Gate:       tool.NewGate(query.Document, cfg.Document.MaxPoolSize, cfg.Document.AcquireTimeout),
		}))
	}

	return tool.NewRegistry(clients...)
}

func routingRules(cfg config.RoutingConfig, backends []query.Backend) (router.Rules, error) {
	rules := router.DefaultRules()
	if len(cfg.RelationalTerms) > 0 {
		rules.Terms[query.Relational] = cfg.RelationalTerms
	}
	if len(cfg.DocumentTerms) > 0 {
		rules.Terms[query.Document] = cfg.DocumentTerms
	}
	if len(cfg.Priority) > 0 {
		priority := make([]query.Backend, 0, len(cfg.Priority))
		for _, raw := range cfg.Priority {
			backend, err := query.ParseBackend(raw)
			if err != nil {
				return router.Rules{}, fmt.Errorf("routing priority: %w", err)
			}
			priority = append(priority, backend)
		}
		rules.Priority = priority
	}
	return rules.Only(backends...), nil
}

// newGenerators builds one query generator per backend and the suggester,
// all sharing one model client.
func newGenerators(ctx context.Context, cfg config.Config, logger *slog.Logger, backends []query.Backend) ([]querygen.Generator, *querygen.Suggester, error) {
	model, err := llm.New(ctx, llm.Config{
		Provider:    llm.Provider(cfg.Model.Provider),
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Model,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	opts := querygen.Options{
		Timeout:      cfg.Model.Timeout,
		HistoryTurns: cfg.Query.HistoryTurns,
		Logger:       logger,
	}
	generators := make([]querygen.Generator, 0, len(backends))
	for _, backend := range backends {
		switch backend {
		case query.Relational:
			generators = append(generators, querygen.NewSQLGenerator(model, opts))
		case query.Document:
			generators = append(generators, querygen.NewDocumentGenerator(model, opts))
		}
	}
	return generators, querygen.NewSuggester(model, opts), nil
}

// newEmitter returns the span emitter. Exporter "none" keeps the emitter
// but discards every span.
func newEmitter(ctx context.Context, cfg config.Config, logger *slog.Logger, cleanup *closers) (*trace.Emitter, error) {
	var sink trace.Sink
	switch exporter := strings.ToLower(strings.TrimSpace(cfg.Trace.Exporter)); exporter {
	case "none":
	case "log":
		sink = trace.NewLogSink(logger)
	default:
		spanExporter, err := trace.NewExporter(ctx, exporter, cfg.Trace.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		otelSink := trace.NewOTelSink(cfg.Service.Name, sdktrace.WithBatcher(spanExporter))
		cleanup.add(otelSink.Shutdown)
		sink = otelSink
	}
	emitter := trace.NewEmitter(sink, cfg.Trace.BufferSize, logger)
	cleanup.add(emitter.Close)
	return emitter, nil
}

func newSessionStore(ctx context.Context, cfg config.Config, cleanup *closers) (session.Store, error) {
	opts := session.Options{MaxTurns: cfg.Session.MaxTurns, TTL: cfg.Session.TTL}
	if strings.EqualFold(cfg.Session.Store, "redis") {
		client, err := session.NewRedisClient(ctx, session.RedisConfig{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(func(context.Context) error { return client.Close() })
		return session.NewRedisStore(client, opts), nil
	}
	return session.NewMemoryStore(opts), nil
}
