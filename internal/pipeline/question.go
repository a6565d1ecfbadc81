package pipeline

import (
	"strings"
	"time"

	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/router"
	"github.com/askdb/askdb/internal/safety"
)

// Question is immutable once built.
type Question struct {
	text    string
	history []query.Turn
}

func NewQuestion(text string, history []query.Turn) Question {
	return Question{
		text:    strings.TrimSpace(text),
		history: append([]query.Turn(nil), history...),
	}
}

func (q Question) Text() string {
	return q.text
}

func (q Question) History() []query.Turn {
	return append([]query.Turn(nil), q.history...)
}

// Outcome is everything one Run produced. Query, Validation and Result are
// zero when the run ended before reaching them.
type Outcome struct {
	TraceID    string
	State      State
	Decision   router.Decision
	Query      query.Generated
	Validation safety.Result
	Result     query.Result
	Err        error
	Elapsed    time.Duration
}

func (o Outcome) Completed() bool {
	return o.State == StateCompleted
}
