// Package trace records one span per pipeline transition and ships them to a
// sink off the request path.
package trace

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type Span struct {
	TraceID    string
	SpanID     string
	ParentID   string
	Name       string
	Start      time.Time
	End        time.Time
	Status     string
	Attributes map[string]any
}

func (s Span) Root() bool {
	return s.ParentID == ""
}

func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Sink receives finished spans. Export is called from a single goroutine.
type Sink interface {
	Export(ctx context.Context, span Span) error
}

// Sender accepts spans without blocking.
type Sender interface {
	Emit(span Span) bool
}

// NewSpanID returns 16 hex characters.
func NewSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}
