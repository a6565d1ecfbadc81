package trace

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/askdb/askdb/internal/observability"
)

// Emitter buffers spans in a bounded channel drained by one goroutine.
// Emit never blocks; a full buffer drops the span.
type Emitter struct {
	sink    Sink
	logger  *slog.Logger
	spans   chan Span
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewEmitter(sink Sink, buffer int, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Emitter{
		sink:   sink,
		logger: logger,
		spans:  make(chan Span, buffer),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) Emit(span Span) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop()
		return false
	}
	select {
	case e.spans <- span:
		return true
	default:
		e.drop()
		return false
	}
}

func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops accepting spans and waits for the buffer to drain.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.spans)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) drop() {
	e.dropped.Add(1)
	observability.IncrementTraceSpansDropped()
}

func (e *Emitter) run() {
	defer close(e.done)
	for span := range e.spans {
		if e.sink == nil {
			continue
		}
		if err := e.sink.Export(context.Background(), span); err != nil {
			e.logger.Warn("trace sink export failed",
				slog.String("trace_id", span.TraceID),
				slog.String("span", span.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}
