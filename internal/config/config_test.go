package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("askdb-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if !cfg.Relational.Enabled || !cfg.Document.Enabled {
		t.Fatal("both backends should be enabled by default")
	}
	if cfg.Query.MaxRows != 1000 || cfg.Query.ExecTimeout != 30*time.Second || cfg.Query.HistoryTurns != 5 {
		t.Fatalf("Query = %#v", cfg.Query)
	}
	if cfg.Document.SampleSize != 100 {
		t.Fatalf("Document.SampleSize = %d", cfg.Document.SampleSize)
	}
	if cfg.Session.Store != "memory" || cfg.Trace.Exporter != "log" {
		t.Fatalf("Session.Store = %q, Trace.Exporter = %q", cfg.Session.Store, cfg.Trace.Exporter)
	}
	if cfg.Routing.RelationalTerms != nil {
		t.Fatalf("Routing.RelationalTerms = %#v, want unset", cfg.Routing.RelationalTerms)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("askdb-api", mapLookup(map[string]string{"ASKDB_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Relational.SSLMode != "require" {
		t.Fatalf("Relational.SSLMode = %q", cfg.Relational.SSLMode)
	}
}

func TestLoadTestProfileDisablesTracing(t *testing.T) {
	cfg, err := Load("askdb-api", mapLookup(map[string]string{"ASKDB_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Address != ":18080" || cfg.Trace.Exporter != "none" {
		t.Fatalf("HTTP.Address = %q, Trace.Exporter = %q", cfg.HTTP.Address, cfg.Trace.Exporter)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"ASKDB_PROFILE":                  "test",
		"ASKDB_SERVICE_NAME":             "askdb-custom",
		"ASKDB_HTTP_ADDR":                ":9999",
		"ASKDB_HTTP_READ_TIMEOUT":        "2s",
		"ASKDB_LOG_LEVEL":                "error",
		"ASKDB_AUTH_REQUIRED":            "true",
		"ASKDB_AUTH_STATIC_KEYS":         "k1:t1:asker",
		"ASKDB_POSTGRES_DSN":             "postgres://example",
		"ASKDB_POSTGRES_MAX_OPEN_CONNS":  "42",
		"ASKDB_POSTGRES_ACQUIRE_TIMEOUT": "750ms",
		"ASKDB_MONGO_ENABLED":            "false",
		"ASKDB_MONGO_SAMPLE_SIZE":        "25",
		"ASKDB_QUERY_MAX_ROWS":           "50",
		"ASKDB_QUERY_TIMEOUT":            "4s",
		"ASKDB_QUERY_HISTORY_TURNS":      "2",
		"ASKDB_MODEL_PROVIDER":           "gemini",
		"ASKDB_MODEL_NAME":               "gemini-2.5-pro",
		"ASKDB_MODEL_TEMPERATURE":        "0.3",
		"ASKDB_MODEL_TIMEOUT":            "21s",
		"ASKDB_SCHEMA_TTL":               "90s",
		"ASKDB_ROUTING_DOCUMENT_TERMS":   "telemetry, , audit trail",
		"ASKDB_ROUTING_PRIORITY":         "mongodb,postgres",
		"ASKDB_SESSION_STORE":            "redis",
		"ASKDB_REDIS_ADDR":               "redis:6379",
		"ASKDB_REDIS_DB":                 "3",
		"ASKDB_TRACE_EXPORTER":           "otlphttp",
		"ASKDB_TRACE_BUFFER":             "64",
	})
	cfg, err := Load("askdb-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "askdb-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP = %#v", cfg.HTTP)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:t1:asker" {
		t.Fatalf("Auth = %#v", cfg.Auth)
	}
	if cfg.Relational.DSN != "postgres://example" || cfg.Relational.MaxOpenConns != 42 || cfg.Relational.AcquireTimeout != 750*time.Millisecond {
		t.Fatalf("Relational = %#v", cfg.Relational)
	}
	if cfg.Document.Enabled || cfg.Document.SampleSize != 25 {
		t.Fatalf("Document = %#v", cfg.Document)
	}
	if cfg.Query.MaxRows != 50 || cfg.Query.ExecTimeout != 4*time.Second || cfg.Query.HistoryTurns != 2 {
		t.Fatalf("Query = %#v", cfg.Query)
	}
	if cfg.Model.Provider != "gemini" || cfg.Model.Model != "gemini-2.5-pro" || cfg.Model.Temperature != 0.3 || cfg.Model.Timeout != 21*time.Second {
		t.Fatalf("Model = %#v", cfg.Model)
	}
	if cfg.Schema.TTL != 90*time.Second {
		t.Fatalf("Schema.TTL = %s", cfg.Schema.TTL)
	}
	if got := strings.Join(cfg.Routing.DocumentTerms, "|"); got != "telemetry|audit trail" {
		t.Fatalf("Routing.DocumentTerms = %q", got)
	}
	if got := strings.Join(cfg.Routing.Priority, "|"); got != "mongodb|postgres" {
		t.Fatalf("Routing.Priority = %q", got)
	}
	if cfg.Session.Store != "redis" || cfg.Session.RedisAddr != "redis:6379" || cfg.Session.RedisDB != 3 {
		t.Fatalf("Session = %#v", cfg.Session)
	}
	if cfg.Trace.Exporter != "otlphttp" || cfg.Trace.BufferSize != 64 {
		t.Fatalf("Trace = %#v", cfg.Trace)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"ASKDB_PROFILE": "oops"},
		{"ASKDB_HTTP_READ_TIMEOUT": "NaN"},
		{"ASKDB_POSTGRES_MAX_OPEN_CONNS": "oops"},
		{"ASKDB_MODEL_TEMPERATURE": "bad"},
		{"ASKDB_AUTH_REQUIRED": "not-bool"},
		{"ASKDB_LOG_LEVEL": "verbose"},
		{"ASKDB_QUERY_MAX_ROWS": "0"},
		{"ASKDB_POSTGRES_ENABLED": "false", "ASKDB_MONGO_ENABLED": "false"},
		{"ASKDB_SESSION_STORE": "redis"},
		{"ASKDB_SESSION_STORE": "disk"},
		{"ASKDB_TRACE_EXPORTER": "zipkin"},
	}
	for _, env := range tests {
		_, err := Load("askdb-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func TestLoadReportsEveryInvalidKey(t *testing.T) {
	_, err := Load("askdb-api", mapLookup(map[string]string{
		"ASKDB_HTTP_READ_TIMEOUT": "soon",
		"ASKDB_REDIS_DB":          "first",
	}))
	if err == nil {
		t.Fatal("Load() expected error")
	}
	if !strings.Contains(err.Error(), "ASKDB_HTTP_READ_TIMEOUT") || !strings.Contains(err.Error(), "ASKDB_REDIS_DB") {
		t.Fatalf("Load() error = %v, want both keys", err)
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
