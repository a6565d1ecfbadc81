// Package querygen turns a question into a backend query with one bounded
// model call and at most one retry.
package querygen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

const maxAttempts = 2

type Rejection struct {
	Term   string
	Reason string
}

type Request struct {
	Question string
	History  []query.Turn
	Schema   schema.Descriptor
	Limit    int
	// Rejection is set when an earlier query for the same question failed
	// validation; the prompt then forbids the rejected construct.
	Rejection *Rejection
}

type Generator interface {
	Backend() query.Backend
	Generate(ctx context.Context, req Request) (query.Generated, error)
}

type Options struct {
	Timeout      time.Duration
	HistoryTurns int
	TurnChars    int
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.HistoryTurns < 0 {
		o.HistoryTurns = 0
	}
	if o.TurnChars <= 0 {
		o.TurnChars = 500
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnparsable  ErrorKind = "unparsable"
	KindModelFailed ErrorKind = "model_failed"
)

// Error is returned once the retry budget is spent.
type Error struct {
	Backend  query.Backend
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generate %s query: %s after %d attempt(s): %v", e.Backend, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type parseFunc func(text string, limit int) (query.Generated, error)

type engine struct {
	backend query.Backend
	model   llm.Model
	opts    Options
	parse   parseFunc
	prompt  func(req Request, opts Options) llm.Prompt
}

func (g *engine) Backend() query.Backend {
	return g.backend
}

func (g *engine) Generate(ctx context.Context, req Request) (query.Generated, error) {
	if req.Limit <= 0 {
		return query.Generated{}, fmt.Errorf("generate %s query: limit must be positive", g.backend)
	}
	base := g.prompt(req, g.opts)
	prompt := base

	var lastErr error
	lastKind := KindModelFailed
	attempts := 0
	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			kind := KindModelFailed
			if errors.Is(err, context.DeadlineExceeded) {
				kind = KindTimeout
			}
			return query.Generated{}, &Error{Backend: g.backend, Kind: kind, Attempts: attempts, Err: err}
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		completion, err := g.model.Complete(callCtx, prompt)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			lastErr = err
			lastKind = KindModelFailed
			if timedOut || isTimeout(err) {
				lastKind = KindTimeout
			}
			observability.ObserveGenerationAttempt(string(g.backend), string(lastKind))
			g.opts.Logger.WarnContext(ctx, "model call failed",
				slog.String("backend", string(g.backend)),
				slog.Int("attempt", attempts),
				slog.String("kind", string(lastKind)),
				slog.String("error", err.Error()),
			)
			prompt = withCorrection(base, retryInstruction(lastKind, err))
			continue
		}

		generated, err := g.parse(completion.Text, req.Limit)
		if err != nil {
			lastErr = err
			lastKind = KindUnparsable
			observability.ObserveGenerationAttempt(string(g.backend), string(lastKind))
			g.opts.Logger.WarnContext(ctx, "model reply could not be parsed",
				slog.String("backend", string(g.backend)),
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()),
			)
			prompt = withCorrection(base, retryInstruction(lastKind, err))
			continue
		}

		observability.ObserveGenerationAttempt(string(g.backend), "ok")
		generated.Backend = g.backend
		generated.Limit = req.Limit
		generated.Raw = completion.Text
		generated.Attempts = attempts
		return generated, nil
	}
	return query.Generated{}, &Error{Backend: g.backend, Kind: lastKind, Attempts: attempts, Err: lastErr}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
