// Package chat turns chat messages into replies. Commands are answered
// directly and questions go through the pipeline with the session history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/querygen"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/session"
)

type Asker interface {
	Run(ctx context.Context, q pipeline.Question) pipeline.Outcome
}

type SchemaReader interface {
	Get(ctx context.Context, backend query.Backend) (schema.Descriptor, error)
	Backends() []query.Backend
}

type Suggester interface {
	Suggest(ctx context.Context, desc schema.Descriptor, n int) []querygen.Suggestion
}

const (
	maxSuggestions        = 10
	suggestionsPerBackend = 5
)

type Options struct {
	Asker     Asker
	Schemas   SchemaReader
	Sessions  session.Store
	Suggester Suggester
	Logger    *slog.Logger
	TableRows int
}

type Service struct {
	asker     Asker
	schemas   SchemaReader
	sessions  session.Store
	suggester Suggester
	logger    *slog.Logger
	tableRows int
}

func NewService(opts Options) (*Service, error) {
	if opts.Asker == nil || opts.Schemas == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("asker, schemas and sessions are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.TableRows <= 0 {
		opts.TableRows = defaultTableRows
	}
	if opts.Suggester == nil {
		opts.Suggester = querygen.NewSuggester(nil, querygen.Options{Logger: opts.Logger})
	}
	return &Service{
		asker:     opts.Asker,
		schemas:   opts.Schemas,
		sessions:  opts.Sessions,
		suggester: opts.Suggester,
		logger:    opts.Logger,
		tableRows: opts.TableRows,
	}, nil
}

type Reply struct {
	Intent      Intent                `json:"intent"`
	TraceID     string                `json:"trace_id,omitempty"`
	Text        string                `json:"text,omitempty"`
	Backend     string                `json:"backend,omitempty"`
	Query       string                `json:"query,omitempty"`
	Explanation string                `json:"explanation,omitempty"`
	Columns     []string              `json:"columns,omitempty"`
	Rows        [][]any               `json:"rows,omitempty"`
	Table       string                `json:"table,omitempty"`
	RowCount    int                   `json:"row_count"`
	Truncated   bool                  `json:"truncated"`
	Discarded   bool                  `json:"discarded,omitempty"`
	Suggestions []querygen.Suggestion `json:"suggestions,omitempty"`
	Error       *pipeline.Message     `json:"error,omitempty"`
}

// Handle answers one message. The returned error is reserved for session
// store failures; pipeline failures are reported in Reply.Error.
func (s *Service) Handle(ctx context.Context, sessionID, message string) (Reply, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Reply{}, session.ErrInvalidID
	}
	intent := ParseIntent(message)
	reply, err := s.dispatch(ctx, intent, sessionID, message)
	observability.ObserveChatMessage(string(intent), outcome(intent, reply, err))
	return reply, err
}

func (s *Service) dispatch(ctx context.Context, intent Intent, sessionID, message string) (Reply, error) {
	switch intent {
	case IntentHelp:
		return Reply{Intent: intent, Text: helpText}, nil
	case IntentSchema:
		return Reply{Intent: intent, Text: s.describe(ctx)}, nil
	case IntentSuggest:
		suggestions := s.Suggestions(ctx)
		return Reply{Intent: intent, Text: renderSuggestions(suggestions), Suggestions: suggestions}, nil
	case IntentClear:
		if _, err := s.Clear(ctx, sessionID); err != nil {
			return Reply{}, err
		}
		return Reply{Intent: intent, Text: "Conversation cleared."}, nil
	default:
		return s.ask(ctx, sessionID, message)
	}
}

func outcome(intent Intent, reply Reply, err error) string {
	switch {
	case err != nil || reply.Error != nil:
		return "failed"
	case reply.Discarded:
		return "discarded"
	case intent != IntentQuestion:
		return "command"
	default:
		return "answered"
	}
}

// Suggestions proposes example questions for every backend whose schema is
// available, at most maxSuggestions in total.
func (s *Service) Suggestions(ctx context.Context) []querygen.Suggestion {
	var out []querygen.Suggestion
	for _, backend := range s.schemas.Backends() {
		if len(out) >= maxSuggestions {
			break
		}
		desc, err := s.schemas.Get(ctx, backend)
		if err != nil {
			s.logger.WarnContext(ctx, "schema unavailable for suggestions",
				slog.String("backend", string(backend)),
				slog.String("error", err.Error()),
			)
			continue
		}
		n := min(suggestionsPerBackend, maxSuggestions-len(out))
		out = append(out, s.suggester.Suggest(ctx, desc, n)...)
	}
	return out
}

func renderSuggestions(suggestions []querygen.Suggestion) string {
	if len(suggestions) == 0 {
		return "No example questions are available until a backend schema can be read."
	}
	var b strings.Builder
	b.WriteString("Example questions you can ask:")
	for _, suggestion := range suggestions {
		fmt.Fprintf(&b, "\n  - %s", suggestion.Question)
	}
	return b.String()
}

// Clear forgets the history and invalidates answers still in flight.
func (s *Service) Clear(ctx context.Context, sessionID string) (int64, error) {
	epoch, err := s.sessions.Clear(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear session: %w", err)
	}
	s.logger.InfoContext(ctx, "session cleared",
		slog.String("session_id", sessionID),
		slog.Int64("epoch", epoch),
	)
	return epoch, nil
}

func (s *Service) ask(ctx context.Context, sessionID, message string) (Reply, error) {
	if observability.TraceIDFromContext(ctx) == "" {
		ctx = observability.ContextWithTraceID(ctx, observability.NewTraceID())
	}
	snap, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}
	out := s.asker.Run(ctx, pipeline.NewQuestion(message, snap.Turns))

	reply := Reply{
		Intent:  IntentQuestion,
		TraceID: out.TraceID,
		Backend: string(out.Decision.Backend),
	}
	if out.Query.Backend != "" {
		reply.Query = out.Query.Text()
		reply.Explanation = out.Query.Explanation
	}

	if !out.Completed() {
		msg := pipeline.UserMessage(out.Err)
		reply.Error = &msg
		reply.Text = msg.Text
		if s.stale(ctx, sessionID, snap.Epoch) {
			return discarded(reply), nil
		}
		return reply, nil
	}

	turn := query.Turn{Question: strings.TrimSpace(message), Answer: summary(out.Result, reply.Query)}
	if err := s.sessions.Append(ctx, sessionID, snap.Epoch, turn); err != nil {
		if errors.Is(err, session.ErrStaleEpoch) {
			s.logger.InfoContext(ctx, "answer discarded after session clear",
				slog.String("session_id", sessionID),
			)
			return discarded(reply), nil
		}
		return Reply{}, fmt.Errorf("record session turn: %w", err)
	}

	reply.Columns = out.Result.Columns
	reply.Rows = out.Result.Rows()
	reply.RowCount = out.Result.Count
	reply.Truncated = out.Result.Truncated
	reply.Table = renderTable(out.Result, s.tableRows)
	reply.Text = turn.Answer
	return reply, nil
}

func (s *Service) stale(ctx context.Context, sessionID string, epoch int64) bool {
	current, err := s.sessions.Load(ctx, sessionID)
	return err == nil && current.Epoch != epoch
}

func discarded(reply Reply) Reply {
	return Reply{
		Intent:    reply.Intent,
		TraceID:   reply.TraceID,
		Discarded: true,
		Text:      "The conversation was cleared while this question ran, so its answer was dropped.",
	}
}

func (s *Service) describe(ctx context.Context) string {
	var b strings.Builder
	for i, backend := range s.schemas.Backends() {
		if i > 0 {
			b.WriteString("\n")
		}
		desc, err := s.schemas.Get(ctx, backend)
		if err != nil {
			msg := pipeline.UserMessage(err)
			fmt.Fprintf(&b, "%s: %s\n", backend, msg.Text)
			continue
		}
		b.WriteString(desc.Prompt())
	}
	if b.Len() == 0 {
		return "No backends are configured."
	}
	return b.String()
}
