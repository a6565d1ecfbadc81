package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/querygen"
	"github.com/askdb/askdb/internal/router"
	"github.com/askdb/askdb/internal/safety"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/tool"
	"github.com/askdb/askdb/internal/trace"
)

type fakeModel struct {
	mu      sync.Mutex
	replies []string
	block   bool
	calls   int
}

func (m *fakeModel) Complete(ctx context.Context, _ llm.Prompt) (llm.Completion, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return llm.Completion{Text: m.replies[i]}, nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeClient struct {
	backend     query.Backend
	rows        int
	execErr     error
	describeErr error
	executed    atomic.Int32
	lastQuery   atomic.Pointer[query.Generated]
}

func (f *fakeClient) Backend() query.Backend { return f.backend }

func (f *fakeClient) DescribeSchema(context.Context) (schema.Descriptor, error) {
	if f.describeErr != nil {
		return schema.Descriptor{}, f.describeErr
	}
	return schema.Descriptor{
		Backend:  f.backend,
		Database: "shop",
		Tables:   []schema.Table{{Name: "customers", Fields: []schema.Field{{Name: "id", Type: "integer", PrimaryKey: true}}}},
	}, nil
}

func (f *fakeClient) ExecuteQuery(_ context.Context, q query.Generated, _ time.Duration) (query.Result, error) {
	f.executed.Add(1)
	f.lastQuery.Store(&q)
	if f.execErr != nil {
		return query.Result{}, f.execErr
	}
	records := make([]query.Record, 0, f.rows)
	for i := 0; i < f.rows && i <= q.Limit; i++ {
		records = append(records, query.Record{"id": i})
	}
	return query.NewResult(f.backend, []string{"id"}, records, q.Limit, time.Millisecond), nil
}

func (f *fakeClient) HealthCheck(context.Context) error { return nil }

type spanLog struct {
	mu    sync.Mutex
	spans []trace.Span
}

func (s *spanLog) Emit(span trace.Span) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, span)
	return true
}

func (s *spanLog) names(traceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, span := range s.spans {
		if span.TraceID == traceID {
			out = append(out, span.Name)
		}
	}
	return out
}

func (s *spanLog) root(traceID string) trace.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, span := range s.spans {
		if span.TraceID == traceID && span.Root() {
			return span
		}
	}
	return trace.Span{}
}

type harness struct {
	orchestrator *Orchestrator
	relational   *fakeClient
	document     *fakeClient
	sqlModel     *fakeModel
	docModel     *fakeModel
	spans        *spanLog
}

func newHarness(t *testing.T, sqlModel, docModel *fakeModel, limit int) *harness {
	t.Helper()
	h := &harness{
		relational: &fakeClient{backend: query.Relational, rows: 5},
		document:   &fakeClient{backend: query.Document, rows: 5},
		sqlModel:   sqlModel,
		docModel:   docModel,
		spans:      &spanLog{},
	}
	registry, err := tool.NewRegistry(h.relational, h.document)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	genOpts := querygen.Options{Timeout: 20 * time.Millisecond}
	h.orchestrator, err = New(Options{
		Router:     router.New(router.DefaultRules()),
		Generators: []querygen.Generator{querygen.NewSQLGenerator(sqlModel, genOpts), querygen.NewDocumentGenerator(docModel, genOpts)},
		Validator:  safety.New(safety.DefaultPolicy()),
		Tools:      registry,
		Schemas:    schema.NewCache(registry, registry.Backends(), schema.CacheOptions{TTL: time.Minute}),
		Spans:      h.spans,
		Limit:      limit,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func sqlReply(stmt string) string {
	return "```sql\n" + stmt + "\n```\nAll customers."
}

func TestRunShowAllCustomers(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("SELECT * FROM customers")}}, &fakeModel{}, 3)

	out := h.orchestrator.Run(context.Background(), NewQuestion("Show me all customers", nil))
	if out.State != StateCompleted || out.Err != nil {
		t.Fatalf("Run() = %s, %v", out.State, out.Err)
	}
	if out.Decision.Backend != query.Relational || out.Decision.Fallback {
		t.Fatalf("Decision = %#v", out.Decision)
	}
	if out.Result.Count > 3 || !out.Result.Truncated {
		t.Fatalf("Result = %#v, want capped and truncated", out.Result)
	}
	if h.relational.executed.Load() != 1 || h.document.executed.Load() != 0 {
		t.Fatalf("executions = %d/%d", h.relational.executed.Load(), h.document.executed.Load())
	}
	if got := h.relational.lastQuery.Load(); got == nil || got.Limit != 3 {
		t.Fatalf("executed query = %#v", got)
	}
	want := "routed,generated,validated,executed,completed,question"
	if got := strings.Join(h.spans.names(out.TraceID), ","); got != want {
		t.Fatalf("spans = %s, want %s", got, want)
	}
	root := h.spans.root(out.TraceID)
	if root.Attributes["query_success"] != 1.0 || root.Attributes["state"] != "completed" {
		t.Fatalf("root attributes = %#v", root.Attributes)
	}
}

func TestRunRejectsDropAndNeverExecutes(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("DROP TABLE customers"), sqlReply("SELECT 1; DROP TABLE customers")}}, &fakeModel{}, 10)

	out := h.orchestrator.Run(context.Background(), NewQuestion("delete all customers", nil))
	if out.State != StateRejected {
		t.Fatalf("State = %s, want rejected", out.State)
	}
	var rejected *safety.RejectedError
	if !errors.As(out.Err, &rejected) || rejected.Result.Term != "drop" {
		t.Fatalf("Err = %v", out.Err)
	}
	if h.relational.executed.Load() != 0 {
		t.Fatal("rejected query was executed")
	}
	if h.sqlModel.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", h.sqlModel.callCount())
	}
	want := "routed,generated,generated,rejected,question"
	if got := strings.Join(h.spans.names(out.TraceID), ","); got != want {
		t.Fatalf("spans = %s, want %s", got, want)
	}
	msg := UserMessage(out.Err)
	if msg.Text != `query rejected: contains forbidden construct "drop"` || msg.Retryable {
		t.Fatalf("UserMessage() = %#v", msg)
	}
}

func TestRunRegeneratesOnceAfterRejection(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("DELETE FROM customers WHERE id = 1"), sqlReply("SELECT id FROM customers")}}, &fakeModel{}, 10)

	out := h.orchestrator.Run(context.Background(), NewQuestion("list customers", nil))
	if out.State != StateCompleted {
		t.Fatalf("State = %s, err = %v", out.State, out.Err)
	}
	if out.Query.SQL != "SELECT id FROM customers" {
		t.Fatalf("Query = %q", out.Query.SQL)
	}
	if h.relational.executed.Load() != 1 {
		t.Fatalf("executions = %d", h.relational.executed.Load())
	}
}

func TestRunModelTimeoutEndsInGenerationFailed(t *testing.T) {
	h := newHarness(t, &fakeModel{block: true}, &fakeModel{}, 10)

	out := h.orchestrator.Run(context.Background(), NewQuestion("how many orders last week", nil))
	if out.State != StateGenerationFailed {
		t.Fatalf("State = %s, want generation_failed", out.State)
	}
	var genErr *querygen.Error
	if !errors.As(out.Err, &genErr) || genErr.Kind != querygen.KindTimeout || genErr.Attempts != 2 {
		t.Fatalf("Err = %v", out.Err)
	}
	if h.sqlModel.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", h.sqlModel.callCount())
	}
	if h.relational.executed.Load() != 0 {
		t.Fatal("execution attempted after generation failure")
	}
	root := h.spans.root(out.TraceID)
	if root.Attributes["error.kind"] != "generation_timeout" || root.Status != trace.StatusError {
		t.Fatalf("root = %#v", root)
	}
	if msg := UserMessage(out.Err); msg.Text != "could not generate a query, please rephrase" {
		t.Fatalf("UserMessage() = %#v", msg)
	}
}

func TestRunTieBreaksToRelational(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("SELECT 1")}}, &fakeModel{replies: []string{`{"operation":"find","collection":"events"}`}}, 10)

	for i := 0; i < 5; i++ {
		out := h.orchestrator.Run(context.Background(), NewQuestion("customers and events", nil))
		if out.Decision.Backend != query.Relational || !out.Decision.Tie {
			t.Fatalf("Decision = %#v", out.Decision)
		}
	}
	if h.document.executed.Load() != 0 {
		t.Fatal("document backend executed on tie")
	}
}

func TestRunDocumentBackend(t *testing.T) {
	h := newHarness(t, &fakeModel{}, &fakeModel{replies: []string{"```json\n{\"operation\":\"find\",\"collection\":\"events\",\"filter\":{\"type\":\"click\"}}\n```"}}, 10)

	out := h.orchestrator.Run(context.Background(), NewQuestion("show recent click events", nil))
	if out.State != StateCompleted || out.Decision.Backend != query.Document {
		t.Fatalf("Run() = %s %s %v", out.State, out.Decision.Backend, out.Err)
	}
	if h.document.executed.Load() != 1 {
		t.Fatalf("document executions = %d", h.document.executed.Load())
	}
}

func TestRunExecutionFailure(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("SELECT 1")}}, &fakeModel{}, 10)
	h.relational.execErr = query.NewExecutionError(query.ErrConnectionLost, query.Relational, "acquire connection", context.DeadlineExceeded)

	out := h.orchestrator.Run(context.Background(), NewQuestion("top customers", nil))
	if out.State != StateExecutionFailed {
		t.Fatalf("State = %s", out.State)
	}
	msg := UserMessage(out.Err)
	if !msg.Retryable || msg.Code != "execution_connection_lost" {
		t.Fatalf("UserMessage() = %#v", msg)
	}
}

func TestRunSchemaFailureIsExecutionFailed(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("SELECT 1")}}, &fakeModel{}, 10)
	h.relational.describeErr = query.NewExecutionError(query.ErrConnectionLost, query.Relational, "describe schema", errors.New("refused"))

	out := h.orchestrator.Run(context.Background(), NewQuestion("customers", nil))
	if out.State != StateExecutionFailed || !query.IsKind(out.Err, query.ErrConnectionLost) {
		t.Fatalf("Run() = %s, %v", out.State, out.Err)
	}
	if h.sqlModel.callCount() != 0 {
		t.Fatal("model called without a schema")
	}
}

func TestRunFallbackWhenNothingMatches(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("SELECT 1")}}, &fakeModel{}, 10)
	out := h.orchestrator.Run(context.Background(), NewQuestion("hello there", nil))
	if !out.Decision.Fallback || out.Decision.Backend != query.Relational || out.State != StateCompleted {
		t.Fatalf("Run() = %#v", out)
	}
}

func TestRunUsesTraceIDFromContext(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("SELECT 1")}}, &fakeModel{}, 10)
	ctx := observability.ContextWithTraceID(context.Background(), "trace-from-http")
	if out := h.orchestrator.Run(ctx, NewQuestion("customers", nil)); out.TraceID != "trace-from-http" {
		t.Fatalf("TraceID = %q", out.TraceID)
	}
}

func TestRunIsSafeForConcurrentUse(t *testing.T) {
	h := newHarness(t, &fakeModel{replies: []string{sqlReply("SELECT id FROM customers")}}, &fakeModel{}, 2)

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if out := h.orchestrator.Run(context.Background(), NewQuestion("customers", nil)); out.Completed() {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()
	if completed.Load() != 16 {
		t.Fatalf("completed = %d, want 16", completed.Load())
	}
}

func TestNewRequiresGeneratorPerRoutedBackend(t *testing.T) {
	registry, err := tool.NewRegistry(&fakeClient{backend: query.Relational})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	_, err = New(Options{
		Router:    router.New(router.DefaultRules()),
		Validator: safety.New(safety.DefaultPolicy()),
		Tools:     registry,
		Schemas:   schema.NewCache(registry, registry.Backends(), schema.CacheOptions{}),
		Limit:     10,
	})
	if err == nil {
		t.Fatal("New() expected error without generators")
	}
}

func TestQuestionIsImmutable(t *testing.T) {
	history := []query.Turn{{Question: "a", Answer: "b"}}
	q := NewQuestion("  hi  ", history)
	history[0].Question = "changed"
	got := q.History()
	got[0].Answer = "changed"
	if q.Text() != "hi" || q.History()[0].Question != "a" || q.History()[0].Answer != "b" {
		t.Fatalf("Question mutated: %#v", q.History())
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: &querygen.Error{Kind: querygen.KindUnparsable}, want: "generation_unparsable"},
		{err: (safety.Result{Term: "drop"}).Err(), want: "validation_rejected"},
		{err: query.NewExecutionError(query.ErrTimeout, query.Document, "execute", nil), want: "execution_timeout"},
		{err: context.Canceled, want: "canceled"},
		{err: errors.New("boom"), want: "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
