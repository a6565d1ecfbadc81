// Package pipeline answers one question end to end: route, generate,
// validate, execute.
//
// The orchestrator is the only caller of tool execution and it reaches that
// call only with a query that passed validation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/querygen"
	"github.com/askdb/askdb/internal/router"
	"github.com/askdb/askdb/internal/safety"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/tool"
	"github.com/askdb/askdb/internal/trace"
)

const rootSpanName = "question"

var ErrNoBackend = errors.New("no backend configured")

type Options struct {
	Router      *router.Router
	Generators  []querygen.Generator
	Validator   *safety.Validator
	Tools       *tool.Registry
	Schemas     *schema.Cache
	Spans       trace.Sender
	Logger      *slog.Logger
	Limit       int
	ExecTimeout time.Duration
	Now         func() time.Time
}

type Orchestrator struct {
	router      *router.Router
	generators  map[query.Backend]querygen.Generator
	validator   *safety.Validator
	tools       *tool.Registry
	schemas     *schema.Cache
	spans       trace.Sender
	logger      *slog.Logger
	limit       int
	execTimeout time.Duration
	now         func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Router == nil || opts.Validator == nil || opts.Tools == nil || opts.Schemas == nil {
		return nil, fmt.Errorf("router, validator, tools and schema cache are required")
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("result limit must be positive")
	}
	generators := make(map[query.Backend]querygen.Generator, len(opts.Generators))
	for _, gen := range opts.Generators {
		generators[gen.Backend()] = gen
	}
	for _, backend := range opts.Router.Backends() {
		if _, ok := generators[backend]; !ok {
			return nil, fmt.Errorf("no generator for routed backend %q", backend)
		}
		if _, err := opts.Tools.Client(backend); err != nil {
			return nil, fmt.Errorf("routed backend %q: %w", backend, err)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		router:      opts.Router,
		generators:  generators,
		validator:   opts.Validator,
		tools:       opts.Tools,
		schemas:     opts.Schemas,
		spans:       opts.Spans,
		logger:      opts.Logger,
		limit:       opts.Limit,
		execTimeout: opts.ExecTimeout,
		now:         opts.Now,
	}, nil
}

// run carries the state of one question through the pipeline.
type run struct {
	o   *Orchestrator
	ctx context.Context
	rec *trace.Recorder
	out Outcome
}

// Run never panics on backend failures; every failure ends in a terminal
// State with Err set.
func (o *Orchestrator) Run(ctx context.Context, q Question) Outcome {
	traceID := observability.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = observability.NewTraceID()
		ctx = observability.ContextWithTraceID(ctx, traceID)
	}
	start := o.now()
	r := &run{
		o:   o,
		ctx: ctx,
		rec: trace.NewRecorder(o.spans, traceID, o.now),
		out: Outcome{TraceID: traceID, State: StateReceived},
	}
	r.execute(q)
	r.out.Elapsed = o.now().Sub(start)
	return r.out
}

func (r *run) execute(q Question) {
	o := r.o
	decision := o.router.Route(q.Text())
	r.out.Decision = decision
	if decision.Backend == "" {
		r.fail(StateExecutionFailed, ErrNoBackend)
		return
	}
	r.transition(StateRouted, map[string]any{
		"router.score":      decision.Score,
		"router.confidence": decision.Confidence,
		"router.matched":    decision.Matched,
		"router.fallback":   decision.Fallback,
		"router.tie":        decision.Tie,
	})
	if decision.Fallback {
		observability.IncrementRoutingFallback()
		o.logger.WarnContext(r.ctx, "routing fallback",
			slog.String("backend", string(decision.Backend)),
			slog.Float64("confidence", decision.Confidence),
		)
	}

	desc, err := o.schemas.Get(r.ctx, decision.Backend)
	if err != nil {
		r.fail(StateExecutionFailed, err)
		return
	}

	gen := o.generators[decision.Backend]
	req := querygen.Request{
		Question: q.Text(),
		History:  q.History(),
		Schema:   desc,
		Limit:    o.limit,
	}
	generated, err := gen.Generate(r.ctx, req)
	if err != nil {
		r.fail(StateGenerationFailed, err)
		return
	}
	r.out.Query = generated
	r.transition(StateGenerated, generatedAttrs(generated, false))

	result := o.validator.Validate(generated)
	r.out.Validation = result
	if !result.Passed {
		r.rejected(result)
		req.Rejection = &querygen.Rejection{Term: result.Term, Reason: result.Reason}
		regenerated, err := gen.Generate(r.ctx, req)
		if err != nil {
			o.logger.WarnContext(r.ctx, "regeneration after rejection failed",
				slog.String("error", err.Error()),
			)
			r.fail(StateRejected, result.Err())
			return
		}
		r.out.Query = regenerated
		r.transition(StateGenerated, generatedAttrs(regenerated, true))

		result = o.validator.Validate(regenerated)
		r.out.Validation = result
		if !result.Passed {
			r.rejected(result)
			r.fail(StateRejected, result.Err())
			return
		}
		generated = regenerated
	}
	r.transition(StateValidated, nil)

	client, err := o.tools.Client(decision.Backend)
	if err != nil {
		r.fail(StateExecutionFailed, err)
		return
	}
	res, err := client.ExecuteQuery(r.ctx, generated, o.execTimeout)
	if err != nil {
		observability.ObserveExecution(string(decision.Backend), ErrorKind(err), 0, 0, false)
		o.logger.ErrorContext(r.ctx, "query execution failed",
			slog.String("backend", string(decision.Backend)),
			slog.String("error", err.Error()),
		)
		r.fail(StateExecutionFailed, err)
		return
	}
	observability.ObserveExecution(string(decision.Backend), "ok", res.Elapsed, res.Count, res.Truncated)
	r.out.Result = res
	r.transition(StateExecuted, map[string]any{
		"result.row_count":  res.Count,
		"result.truncated":  res.Truncated,
		"result.elapsed_ms": res.Elapsed.Milliseconds(),
	})
	r.transition(StateCompleted, nil)
	r.finish(1)
}

func (r *run) rejected(result safety.Result) {
	observability.ObserveValidationRejection(string(result.Backend), result.Term)
	r.o.logger.WarnContext(r.ctx, "query rejected",
		slog.String("backend", string(result.Backend)),
		slog.String("term", result.Term),
		slog.String("reason", result.Reason),
	)
}

func (r *run) transition(state State, attrs map[string]any) {
	r.out.State = state
	r.rec.Step(string(state), r.attrs(attrs), false)
}

func (r *run) fail(state State, err error) {
	r.out.State = state
	r.out.Err = err
	attrs := map[string]any{"error.kind": ErrorKind(err)}
	if r.out.Validation.Term != "" {
		attrs["validation.term"] = r.out.Validation.Term
		attrs["validation.reason"] = r.out.Validation.Reason
	}
	r.rec.Step(string(state), r.attrs(attrs), true)
	r.finish(0)
}

func (r *run) finish(score float64) {
	attrs := r.attrs(map[string]any{
		"state":         string(r.out.State),
		"query_success": score,
	})
	if r.out.Err != nil {
		attrs["error.kind"] = ErrorKind(r.out.Err)
	}
	r.rec.Finish(rootSpanName, attrs, r.out.Err != nil)
	observability.ObserveQuestion(string(r.out.Decision.Backend), string(r.out.State), score)
}

func (r *run) attrs(extra map[string]any) map[string]any {
	attrs := make(map[string]any, len(extra)+1)
	if r.out.Decision.Backend != "" {
		attrs["backend"] = string(r.out.Decision.Backend)
	}
	for key, value := range extra {
		attrs[key] = value
	}
	return attrs
}

func generatedAttrs(g query.Generated, regenerated bool) map[string]any {
	return map[string]any{
		"generation.attempts": g.Attempts,
		"generation.strict":   regenerated,
		"query.text":          g.Text(),
		"query.limit":         g.Limit,
	}
}
