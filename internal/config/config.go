package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Relational    RelationalConfig
	Document      DocumentConfig
	Query         QueryConfig
	Model         ModelConfig
	Schema        SchemaConfig
	Routing       RoutingConfig
	Session       SessionConfig
	Trace         TraceConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RelationalConfig struct {
	Enabled         bool
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Schema          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	AcquireTimeout  time.Duration
}

type DocumentConfig struct {
	Enabled        bool
	URI            string
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	MaxPoolSize    int
	ConnectTimeout time.Duration
	AcquireTimeout time.Duration
	SampleSize     int
}

type QueryConfig struct {
	MaxRows      int
	ExecTimeout  time.Duration
	HistoryTurns int
}

type ModelConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type SchemaConfig struct {
	TTL            time.Duration
	MaxStale       time.Duration
	RefreshTimeout time.Duration
}

// RoutingConfig overrides the built-in trigger terms when a list is set.
type RoutingConfig struct {
	RelationalTerms []string
	DocumentTerms   []string
	Priority        []string
}

type SessionConfig struct {
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	MaxTurns      int
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	BufferSize   int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("ASKDB_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid ASKDB_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	err := errors.Join(
		applyString(lookup, "ASKDB_SERVICE_NAME", &cfg.Service.Name),
		applyString(lookup, "ASKDB_HTTP_ADDR", &cfg.HTTP.Address),
		applyDuration(lookup, "ASKDB_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout),
		applyDuration(lookup, "ASKDB_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout),
		applyDuration(lookup, "ASKDB_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout),

		applyBool(lookup, "ASKDB_POSTGRES_ENABLED", &cfg.Relational.Enabled),
		applyString(lookup, "ASKDB_POSTGRES_DSN", &cfg.Relational.DSN),
		applyString(lookup, "ASKDB_POSTGRES_HOST", &cfg.Relational.Host),
		applyInt(lookup, "ASKDB_POSTGRES_PORT", &cfg.Relational.Port),
		applyString(lookup, "ASKDB_POSTGRES_USER", &cfg.Relational.User),
		applyString(lookup, "ASKDB_POSTGRES_PASSWORD", &cfg.Relational.Password),
		applyString(lookup, "ASKDB_POSTGRES_DATABASE", &cfg.Relational.Database),
		applyString(lookup, "ASKDB_POSTGRES_SSLMODE", &cfg.Relational.SSLMode),
		applyString(lookup, "ASKDB_POSTGRES_SCHEMA", &cfg.Relational.Schema),
		applyInt(lookup, "ASKDB_POSTGRES_MAX_OPEN_CONNS", &cfg.Relational.MaxOpenConns),
		applyInt(lookup, "ASKDB_POSTGRES_MAX_IDLE_CONNS", &cfg.Relational.MaxIdleConns),
		applyDuration(lookup, "ASKDB_POSTGRES_CONN_MAX_IDLE_TIME", &cfg.Relational.ConnMaxIdleTime),
		applyDuration(lookup, "ASKDB_POSTGRES_CONN_MAX_LIFETIME", &cfg.Relational.ConnMaxLifetime),
		applyDuration(lookup, "ASKDB_POSTGRES_ACQUIRE_TIMEOUT", &cfg.Relational.AcquireTimeout),

		applyBool(lookup, "ASKDB_MONGO_ENABLED", &cfg.Document.Enabled),
		applyString(lookup, "ASKDB_MONGO_URI", &cfg.Document.URI),
		applyString(lookup, "ASKDB_MONGO_HOST", &cfg.Document.Host),
		applyInt(lookup, "ASKDB_MONGO_PORT", &cfg.Document.Port),
		applyString(lookup, "ASKDB_MONGO_USER", &cfg.Document.User),
		applyString(lookup, "ASKDB_MONGO_PASSWORD", &cfg.Document.Password),
		applyString(lookup, "ASKDB_MONGO_DATABASE", &cfg.Document.Database),
		applyInt(lookup, "ASKDB_MONGO_MAX_POOL_SIZE", &cfg.Document.MaxPoolSize),
		applyDuration(lookup, "ASKDB_MONGO_CONNECT_TIMEOUT", &cfg.Document.ConnectTimeout),
		applyDuration(lookup, "ASKDB_MONGO_ACQUIRE_TIMEOUT", &cfg.Document.AcquireTimeout),
		applyInt(lookup, "ASKDB_MONGO_SAMPLE_SIZE", &cfg.Document.SampleSize),

		applyInt(lookup, "ASKDB_QUERY_MAX_ROWS", &cfg.Query.MaxRows),
		applyDuration(lookup, "ASKDB_QUERY_TIMEOUT", &cfg.Query.ExecTimeout),
		applyInt(lookup, "ASKDB_QUERY_HISTORY_TURNS", &cfg.Query.HistoryTurns),

		applyString(lookup, "ASKDB_MODEL_PROVIDER", &cfg.Model.Provider),
		applyString(lookup, "ASKDB_MODEL_BASE_URL", &cfg.Model.BaseURL),
		applyString(lookup, "ASKDB_MODEL_API_KEY", &cfg.Model.APIKey),
		applyString(lookup, "ASKDB_MODEL_NAME", &cfg.Model.Model),
		applyFloat(lookup, "ASKDB_MODEL_TEMPERATURE", &cfg.Model.Temperature),
		applyInt(lookup, "ASKDB_MODEL_MAX_TOKENS", &cfg.Model.MaxTokens),
		applyDuration(lookup, "ASKDB_MODEL_TIMEOUT", &cfg.Model.Timeout),

		applyDuration(lookup, "ASKDB_SCHEMA_TTL", &cfg.Schema.TTL),
		applyDuration(lookup, "ASKDB_SCHEMA_MAX_STALE", &cfg.Schema.MaxStale),
		applyDuration(lookup, "ASKDB_SCHEMA_REFRESH_TIMEOUT", &cfg.Schema.RefreshTimeout),

		applyList(lookup, "ASKDB_ROUTING_RELATIONAL_TERMS", &cfg.Routing.RelationalTerms),
		applyList(lookup, "ASKDB_ROUTING_DOCUMENT_TERMS", &cfg.Routing.DocumentTerms),
		applyList(lookup, "ASKDB_ROUTING_PRIORITY", &cfg.Routing.Priority),

		applyString(lookup, "ASKDB_SESSION_STORE", &cfg.Session.Store),
		applyString(lookup, "ASKDB_REDIS_ADDR", &cfg.Session.RedisAddr),
		applyString(lookup, "ASKDB_REDIS_PASSWORD", &cfg.Session.RedisPassword),
		applyInt(lookup, "ASKDB_REDIS_DB", &cfg.Session.RedisDB),
		applyDuration(lookup, "ASKDB_SESSION_TTL", &cfg.Session.TTL),
		applyInt(lookup, "ASKDB_SESSION_MAX_TURNS", &cfg.Session.MaxTurns),

		applyString(lookup, "ASKDB_TRACE_EXPORTER", &cfg.Trace.Exporter),
		applyString(lookup, "ASKDB_TRACE_OTLP_ENDPOINT", &cfg.Trace.OTLPEndpoint),
		applyInt(lookup, "ASKDB_TRACE_BUFFER", &cfg.Trace.BufferSize),

		applyBool(lookup, "ASKDB_LOG_JSON", &cfg.Observability.LogJSON),
		applyLogLevel(lookup, "ASKDB_LOG_LEVEL", &cfg.Observability.LogLevel),
		applyBool(lookup, "ASKDB_AUTH_REQUIRED", &cfg.Auth.Required),
		applyString(lookup, "ASKDB_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys),
	)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if !c.Relational.Enabled && !c.Document.Enabled {
		return fmt.Errorf("at least one backend must be enabled")
	}
	if c.Query.MaxRows <= 0 {
		return fmt.Errorf("query max rows must be positive")
	}
	if c.Query.HistoryTurns < 0 {
		return fmt.Errorf("query history turns must not be negative")
	}
	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("redis addr is required for the redis session store")
		}
	default:
		return fmt.Errorf("invalid ASKDB_SESSION_STORE: %q", c.Session.Store)
	}
	switch c.Trace.Exporter {
	case "none", "log", "stdout", "otlphttp":
	default:
		return fmt.Errorf("invalid ASKDB_TRACE_EXPORTER: %q", c.Trace.Exporter)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "askdb-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Relational: RelationalConfig{
			Enabled:         true,
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "postgres",
			Database:        "postgres",
			SSLMode:         "disable",
			Schema:          "public",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			AcquireTimeout:  5 * time.Second,
		},
		Document: DocumentConfig{
			Enabled:        true,
			Host:           "localhost",
			Port:           27017,
			Database:       "analytics",
			MaxPoolSize:    10,
			ConnectTimeout: 10 * time.Second,
			AcquireTimeout: 5 * time.Second,
			SampleSize:     100,
		},
		Query: QueryConfig{
			MaxRows:      1000,
			ExecTimeout:  30 * time.Second,
			HistoryTurns: 5,
		},
		Model: ModelConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
		},
		Schema: SchemaConfig{
			TTL:            5 * time.Minute,
			MaxStale:       time.Minute,
			RefreshTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Store:    "memory",
			TTL:      24 * time.Hour,
			MaxTurns: 20,
		},
		Trace: TraceConfig{
			Exporter:     "log",
			OTLPEndpoint: "http://localhost:4318",
			BufferSize:   1024,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Trace.Exporter = "none"
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Relational.SSLMode = "require"
		cfg.Schema.MaxStale = 5 * time.Minute
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

// applyList splits a comma separated value, dropping empty entries.
func applyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
