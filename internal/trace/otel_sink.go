package trace

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/askdb/askdb/internal/trace"
	defaultMaxPending   = 1024
	defaultMaxAge       = 2 * time.Minute
)

// OTelSink replays spans through an OpenTelemetry tracer provider. Children
// are held until their root arrives so that every child links to it.
//
// A trace whose root never arrives is flushed without a parent once it is
// older than maxAge, or when the buffer is full and it is the oldest.
type OTelSink struct {
	provider   *sdktrace.TracerProvider
	tracer     oteltrace.Tracer
	maxPending int
	maxAge     time.Duration
	now        func() time.Time

	mu        sync.Mutex
	pending   map[string]*pendingTrace
	lastSweep time.Time
}

type pendingTrace struct {
	firstSeen time.Time
	spans     []Span
}

// NewOTelSink builds a provider from opts, typically sdktrace.WithBatcher
// or sdktrace.WithSpanProcessor.
func NewOTelSink(serviceName string, opts ...sdktrace.TracerProviderOption) *OTelSink {
	base := []sdktrace.TracerProviderOption{
		sdktrace.WithIDGenerator(idGenerator{}),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	provider := sdktrace.NewTracerProvider(append(base, opts...)...)
	return &OTelSink{
		provider:   provider,
		tracer:     provider.Tracer(instrumentationName),
		maxPending: defaultMaxPending,
		maxAge:     defaultMaxAge,
		now:        time.Now,
		pending:    make(map[string]*pendingTrace),
	}
}

// NewExporter builds a span exporter by name: stdout or otlphttp.
func NewExporter(ctx context.Context, name, endpoint string) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlphttp", "otlp", "http":
		if strings.TrimSpace(endpoint) == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", name)
	}
}

func (s *OTelSink) Export(ctx context.Context, span Span) error {
	now := s.now()
	s.mu.Lock()
	orphans := s.expire(now)
	var children []Span
	if span.Root() {
		if entry, ok := s.pending[span.TraceID]; ok {
			children = entry.spans
			delete(s.pending, span.TraceID)
		}
	} else {
		entry, ok := s.pending[span.TraceID]
		if !ok {
			if len(s.pending) >= s.maxPending {
				orphans = append(orphans, s.evictOldest()...)
			}
			entry = &pendingTrace{firstSeen: now}
			s.pending[span.TraceID] = entry
		}
		entry.spans = append(entry.spans, span)
	}
	s.mu.Unlock()

	for _, orphan := range orphans {
		s.replay(ctx, orphan, nil)
	}
	if span.Root() {
		s.replay(ctx, span, children)
	}
	return nil
}

// expire removes traces older than maxAge. It sweeps at most once per
// maxAge/4 and must be called with mu held.
func (s *OTelSink) expire(now time.Time) []Span {
	if s.maxAge <= 0 || now.Sub(s.lastSweep) < s.maxAge/4 {
		return nil
	}
	s.lastSweep = now
	var out []Span
	for traceID, entry := range s.pending {
		if now.Sub(entry.firstSeen) >= s.maxAge {
			out = append(out, entry.spans...)
			delete(s.pending, traceID)
		}
	}
	return out
}

// evictOldest must be called with mu held.
func (s *OTelSink) evictOldest() []Span {
	var oldestID string
	var oldest *pendingTrace
	for traceID, entry := range s.pending {
		if oldest == nil || entry.firstSeen.Before(oldest.firstSeen) {
			oldestID, oldest = traceID, entry
		}
	}
	if oldest == nil {
		return nil
	}
	delete(s.pending, oldestID)
	return oldest.spans
}

// replay starts span and its children in the provider. A child span without
// its root is replayed on its own and marked as orphaned.
func (s *OTelSink) replay(ctx context.Context, span Span, children []Span) {
	traceID, err := oteltrace.TraceIDFromHex(span.TraceID)
	if err != nil {
		traceID = oteltrace.TraceID{}
	}
	attrs := attributes(span)
	if !span.Root() {
		attrs = append(attrs, attribute.Bool("askdb.orphaned", true), attribute.String("askdb.parent_id", span.ParentID))
	}
	spanCtx, started := s.tracer.Start(
		withIDs(ctx, traceID, span.SpanID),
		span.Name,
		oteltrace.WithTimestamp(span.Start),
		oteltrace.WithAttributes(attrs...),
	)
	for _, child := range children {
		_, c := s.tracer.Start(
			withIDs(spanCtx, traceID, child.SpanID),
			child.Name,
			oteltrace.WithTimestamp(child.Start),
			oteltrace.WithAttributes(attributes(child)...),
		)
		setStatus(c, child)
		c.End(oteltrace.WithTimestamp(child.End))
	}
	setStatus(started, span)
	started.End(oteltrace.WithTimestamp(span.End))
}

// Pending reports how many traces wait for their root.
func (s *OTelSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *OTelSink) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}

func setStatus(span oteltrace.Span, src Span) {
	if src.Status == StatusError {
		span.SetStatus(codes.Error, fmt.Sprint(src.Attributes["error.kind"]))
		return
	}
	span.SetStatus(codes.Ok, "")
}

func attributes(span Span) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(span.Attributes)+1)
	out = append(out, attribute.String("askdb.trace_id", span.TraceID))
	for key, value := range span.Attributes {
		switch v := value.(type) {
		case string:
			out = append(out, attribute.String(key, v))
		case bool:
			out = append(out, attribute.Bool(key, v))
		case int:
			out = append(out, attribute.Int(key, v))
		case int64:
			out = append(out, attribute.Int64(key, v))
		case float64:
			out = append(out, attribute.Float64(key, v))
		case []string:
			out = append(out, attribute.StringSlice(key, v))
		default:
			out = append(out, attribute.String(key, fmt.Sprint(v)))
		}
	}
	return out
}

type spanIDs struct {
	trace oteltrace.TraceID
	span  oteltrace.SpanID
}

type idsKey struct{}

func withIDs(ctx context.Context, traceID oteltrace.TraceID, spanID string) context.Context {
	ids := spanIDs{trace: traceID}
	if parsed, err := oteltrace.SpanIDFromHex(spanID); err == nil {
		ids.span = parsed
	}
	return context.WithValue(ctx, idsKey{}, ids)
}

// idGenerator hands the SDK the ids recorded on the span, falling back to
// random ids when they are missing or malformed.
type idGenerator struct{}

func (idGenerator) NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	ids, _ := ctx.Value(idsKey{}).(spanIDs)
	traceID := ids.trace
	if !traceID.IsValid() {
		_, _ = crand.Read(traceID[:])
	}
	return traceID, spanIDOrRandom(ids.span)
}

func (idGenerator) NewSpanID(ctx context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	ids, _ := ctx.Value(idsKey{}).(spanIDs)
	return spanIDOrRandom(ids.span)
}

func spanIDOrRandom(id oteltrace.SpanID) oteltrace.SpanID {
	if id.IsValid() {
		return id
	}
	_, _ = crand.Read(id[:])
	return id
}
