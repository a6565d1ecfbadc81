package trace

import (
	"context"
	"log/slog"
	"sort"
)

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Export(ctx context.Context, span Span) error {
	attrs := []slog.Attr{
		slog.String("trace_id", span.TraceID),
		slog.String("span_id", span.SpanID),
		slog.String("name", span.Name),
		slog.String("status", span.Status),
		slog.Int64("duration_ms", span.Duration().Milliseconds()),
	}
	if span.ParentID != "" {
		attrs = append(attrs, slog.String("parent_id", span.ParentID))
	}
	keys := make([]string, 0, len(span.Attributes))
	for key := range span.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, slog.Any(key, span.Attributes[key]))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "trace span", attrs...)
	return nil
}
