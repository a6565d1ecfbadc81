package querygen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

type SuggestionSource string

const (
	SourceModel  SuggestionSource = "model"
	SourceSchema SuggestionSource = "schema"
)

// Suggestion is an example question a user could ask of one backend.
type Suggestion struct {
	Backend  query.Backend    `json:"backend"`
	Question string           `json:"question"`
	Source   SuggestionSource `json:"source"`
}

// Suggester proposes example questions from a schema. Model failures fall
// back to questions built from the table names, so Suggest never fails.
type Suggester struct {
	model llm.Model
	opts  Options
}

// NewSuggester returns a suggester. A nil model yields schema-only
// suggestions.
func NewSuggester(model llm.Model, opts Options) *Suggester {
	return &Suggester{model: model, opts: opts.withDefaults()}
}

func (s *Suggester) Suggest(ctx context.Context, desc schema.Descriptor, n int) []Suggestion {
	if n <= 0 {
		return nil
	}
	if s.model != nil && !desc.Empty() {
		questions, err := s.ask(ctx, desc, n)
		if err == nil && len(questions) > 0 {
			observability.ObserveSuggestions(string(desc.Backend), string(SourceModel), len(questions))
			return toSuggestions(desc.Backend, SourceModel, questions)
		}
		if err != nil {
			s.opts.Logger.WarnContext(ctx, "suggestion model call failed",
				slog.String("backend", string(desc.Backend)),
				slog.String("error", err.Error()),
			)
		}
	}
	questions := schemaQuestions(desc, n)
	observability.ObserveSuggestions(string(desc.Backend), string(SourceSchema), len(questions))
	return toSuggestions(desc.Backend, SourceSchema, questions)
}

func (s *Suggester) ask(ctx context.Context, desc schema.Descriptor, n int) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	completion, err := s.model.Complete(callCtx, suggestPrompt(desc, n))
	if err != nil {
		return nil, err
	}
	return parseSuggestions(completion.Text, n), nil
}

func suggestPrompt(desc schema.Descriptor, n int) llm.Prompt {
	kind := "database"
	if desc.Backend == query.Document {
		kind = "MongoDB"
	}
	return llm.Prompt{
		System: "You help people explore a database by proposing questions they could ask in plain language.",
		User: fmt.Sprintf("Based on this %s schema, suggest %d useful example queries a user might want to run:\n\n%s\n"+
			"Provide queries as natural language questions (not %s).\nFormat as a numbered list.",
			kind, n, desc.Prompt(), queryLanguage(desc.Backend)),
	}
}

func queryLanguage(backend query.Backend) string {
	if backend == query.Document {
		return "MongoDB queries"
	}
	return "SQL"
}

// parseSuggestions reads a numbered or bulleted list. Headings ending in a
// colon and code are skipped.
func parseSuggestions(text string, n int) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") || strings.HasSuffix(line, ":") {
			continue
		}
		line = stripListMarker(line)
		line = strings.Trim(line, "\"'`*_ ")
		if line == "" || seen[strings.ToLower(line)] {
			continue
		}
		seen[strings.ToLower(line)] = true
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}

func stripListMarker(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	for _, bullet := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, bullet) {
			return strings.TrimSpace(line[len(bullet):])
		}
	}
	return line
}

func schemaQuestions(desc schema.Descriptor, n int) []string {
	if desc.Empty() {
		return []string{"Show all records", "Count total entries"}[:min(n, 2)]
	}
	noun := "rows"
	if desc.Backend == query.Document {
		noun = "documents"
	}
	var out []string
	for _, table := range desc.Tables {
		if len(out) >= n {
			break
		}
		out = append(out, fmt.Sprintf("How many %s are in %s?", noun, table.Name))
	}
	for _, table := range desc.Tables {
		if len(out) >= n {
			break
		}
		out = append(out, fmt.Sprintf("Show 10 %s from %s", noun, table.Name))
	}
	return out
}

func toSuggestions(backend query.Backend, source SuggestionSource, questions []string) []Suggestion {
	out := make([]Suggestion, 0, len(questions))
	for _, q := range questions {
		out = append(out, Suggestion{Backend: backend, Question: q, Source: source})
	}
	return out
}
