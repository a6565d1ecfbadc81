package querygen

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

type reply struct {
	text  string
	err   error
	block bool
}

type scriptedModel struct {
	mu      sync.Mutex
	replies []reply
	prompts []llm.Prompt
}

func (m *scriptedModel) Complete(ctx context.Context, prompt llm.Prompt) (llm.Completion, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	idx := len(m.prompts) - 1
	m.mu.Unlock()
	if idx >= len(m.replies) {
		return llm.Completion{}, errors.New("no scripted reply")
	}
	r := m.replies[idx]
	if r.block {
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	}
	if r.err != nil {
		return llm.Completion{}, r.err
	}
	return llm.Completion{Text: r.text}, nil
}

func shopSchema() schema.Descriptor {
	return schema.Descriptor{
		Backend:  query.Relational,
		Database: "shop",
		Tables: []schema.Table{{
			Name:   "products",
			Fields: []schema.Field{{Name: "id", Type: "integer", PrimaryKey: true}, {Name: "name", Type: "text"}},
		}},
	}
}

func TestSQLGeneratorFirstAttempt(t *testing.T) {
	model := &scriptedModel{replies: []reply{{text: "```sql\nSELECT name FROM products;\n```\nLists product names."}}}
	gen := NewSQLGenerator(model, Options{})

	got, err := gen.Generate(context.Background(), Request{Question: "list products", Schema: shopSchema(), Limit: 100})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.SQL != "SELECT name FROM products" || !got.LimitInjected || got.Attempts != 1 {
		t.Fatalf("Generate() = %#v", got)
	}
	if got.Backend != query.Relational || got.Limit != 100 || got.Explanation != "Lists product names." {
		t.Fatalf("Generate() = %#v", got)
	}
	if got.Text() != "SELECT name FROM products\nLIMIT 100" {
		t.Fatalf("Text() = %q", got.Text())
	}
	if !strings.Contains(model.prompts[0].User, "Table: products") || !strings.Contains(model.prompts[0].User, "Question: list products") {
		t.Fatalf("user prompt = %q", model.prompts[0].User)
	}
	if !strings.Contains(model.prompts[0].System, "at most 100 rows") {
		t.Fatalf("system prompt = %q", model.prompts[0].System)
	}
}

func TestSQLGeneratorKeepsModelLimit(t *testing.T) {
	model := &scriptedModel{replies: []reply{{text: "```sql\nSELECT name FROM products ORDER BY name LIMIT 5\n```"}}}
	got, err := NewSQLGenerator(model, Options{}).Generate(context.Background(), Request{Question: "q", Limit: 100})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.LimitInjected {
		t.Fatalf("LimitInjected = true for %q", got.SQL)
	}
}

func TestSQLGeneratorRetriesUnparsableReplyOnce(t *testing.T) {
	model := &scriptedModel{replies: []reply{
		{text: "I am not sure what you mean."},
		{text: "```sql\nSELECT 1\n```"},
	}}
	got, err := NewSQLGenerator(model, Options{}).Generate(context.Background(), Request{Question: "q", Limit: 10})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", got.Attempts)
	}
	if len(model.prompts) != 2 || !strings.Contains(model.prompts[1].User, "could not be used") {
		t.Fatalf("retry prompt = %#v", model.prompts)
	}
}

func TestSQLGeneratorGivesUpAfterTwoAttempts(t *testing.T) {
	model := &scriptedModel{replies: []reply{{text: "nope"}, {text: "still nope"}, {text: "```sql\nSELECT 1\n```"}}}
	_, err := NewSQLGenerator(model, Options{}).Generate(context.Background(), Request{Question: "q", Limit: 10})

	var genErr *Error
	if !errors.As(err, &genErr) {
		t.Fatalf("Generate() error = %v, want *Error", err)
	}
	if genErr.Kind != KindUnparsable || genErr.Attempts != 2 {
		t.Fatalf("Generate() error = %#v", genErr)
	}
	if len(model.prompts) != 2 {
		t.Fatalf("model calls = %d, want 2", len(model.prompts))
	}
}

func TestSQLGeneratorTimeoutIsBounded(t *testing.T) {
	model := &scriptedModel{replies: []reply{{block: true}, {block: true}}}
	gen := NewSQLGenerator(model, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := gen.Generate(context.Background(), Request{Question: "q", Limit: 10})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Generate() took %s", elapsed)
	}
	var genErr *Error
	if !errors.As(err, &genErr) || genErr.Kind != KindTimeout || genErr.Attempts != 2 {
		t.Fatalf("Generate() error = %v", err)
	}
}

func TestSQLGeneratorModelFailure(t *testing.T) {
	cause := errors.New("status=500")
	model := &scriptedModel{replies: []reply{{err: cause}, {err: cause}}}
	_, err := NewSQLGenerator(model, Options{}).Generate(context.Background(), Request{Question: "q", Limit: 10})

	var genErr *Error
	if !errors.As(err, &genErr) || genErr.Kind != KindModelFailed {
		t.Fatalf("Generate() error = %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("Generate() error does not wrap cause: %v", err)
	}
}

func TestSQLGeneratorCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{}
	_, err := NewSQLGenerator(model, Options{}).Generate(ctx, Request{Question: "q", Limit: 10})
	var genErr *Error
	if !errors.As(err, &genErr) || genErr.Attempts != 0 {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(model.prompts) != 0 {
		t.Fatalf("model called %d times after cancel", len(model.prompts))
	}
}

func TestRejectionMakesPromptStrict(t *testing.T) {
	model := &scriptedModel{replies: []reply{{text: "```sql\nSELECT 1\n```"}}}
	req := Request{Question: "q", Limit: 10, Rejection: &Rejection{Term: "drop", Reason: "write keyword"}}
	if _, err := NewSQLGenerator(model, Options{}).Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(model.prompts[0].System, `contained "drop"`) {
		t.Fatalf("system prompt = %q", model.prompts[0].System)
	}
}

func TestHistoryIsBoundedAndClipped(t *testing.T) {
	history := []query.Turn{
		{Question: "first question", Answer: "first answer"},
		{Question: "second question", Answer: strings.Repeat("x", 40)},
		{Question: "third question", Answer: "third answer"},
	}
	prompt := userPrompt(Request{Question: "now", History: history}, Options{HistoryTurns: 2, TurnChars: 10}.withDefaults())

	if strings.Contains(prompt, "first") {
		t.Fatalf("prompt kept the oldest turn: %q", prompt)
	}
	if !strings.Contains(prompt, "Q: second que...") || !strings.Contains(prompt, "A: xxxxxxxxxx...") {
		t.Fatalf("prompt did not clip turns: %q", prompt)
	}
}

func TestNonPositiveLimitIsRejected(t *testing.T) {
	if _, err := NewSQLGenerator(&scriptedModel{}, Options{}).Generate(context.Background(), Request{Question: "q"}); err == nil {
		t.Fatal("Generate() expected error for zero limit")
	}
}
