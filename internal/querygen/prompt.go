package querygen

import (
	"fmt"
	"strings"

	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/query"
)

const relationalSystem = `You translate questions about a PostgreSQL database into one read-only SQL query.
Rules:
- Use only the tables and columns listed in the schema.
- Write exactly one SELECT statement. A leading WITH clause is allowed.
- Never modify data or schema.
- Qualify columns with table aliases when you join tables.
- Return at most %d rows.
Reply with the SQL in a single ` + "```sql" + ` fenced block followed by one short sentence describing what the query returns.`

const documentSystem = `You translate questions about a MongoDB database into one read-only MongoDB query.
Rules:
- Use only the collections and fields listed in the schema.
- Use either a find or an aggregate operation.
- Never use $where, $function, $accumulator, $out or $merge.
- Return at most %d documents.
Reply with a single ` + "```json" + ` fenced block containing one object with these keys:
  "operation": "find" or "aggregate"
  "collection": the collection name
  "filter", "projection", "sort": objects, find only
  "limit": a number, find only
  "pipeline": an array of stages, aggregate only
  "explanation": one short sentence describing what the query returns
Write dates as extended JSON, for example {"$date": "2024-01-01T00:00:00Z"}.`

func relationalPrompt(req Request, opts Options) llm.Prompt {
	return llm.Prompt{
		System: fmt.Sprintf(relationalSystem, req.Limit) + strictSuffix(req.Rejection),
		User:   userPrompt(req, opts),
	}
}

func documentPrompt(req Request, opts Options) llm.Prompt {
	return llm.Prompt{
		System: fmt.Sprintf(documentSystem, req.Limit) + strictSuffix(req.Rejection),
		User:   userPrompt(req, opts),
	}
}

func strictSuffix(rejection *Rejection) string {
	if rejection == nil {
		return ""
	}
	return fmt.Sprintf("\n\nYour previous query was rejected by the safety check because it contained %q (%s). "+
		"Write a query that does not contain that word anywhere, including comments, string literals and identifiers. "+
		"If the question asks to change data, answer the closest read-only question instead.",
		rejection.Term, rejection.Reason)
}

func userPrompt(req Request, opts Options) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	b.WriteString(req.Schema.Prompt())
	b.WriteString("\n")

	if history := recentTurns(req.History, opts.HistoryTurns); len(history) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, turn := range history {
			b.WriteString("Q: ")
			b.WriteString(clip(turn.Question, opts.TurnChars))
			b.WriteString("\nA: ")
			b.WriteString(clip(turn.Answer, opts.TurnChars))
			b.WriteString("\n")
		}
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(strings.TrimSpace(req.Question))
	return b.String()
}

func recentTurns(history []query.Turn, n int) []query.Turn {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

func clip(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

func withCorrection(base llm.Prompt, instruction string) llm.Prompt {
	return llm.Prompt{
		System: base.System,
		User:   base.User + "\n\n" + instruction,
	}
}

func retryInstruction(kind ErrorKind, err error) string {
	switch kind {
	case KindUnparsable:
		return fmt.Sprintf("Your previous reply could not be used: %v. Reply again using exactly the requested format.", err)
	case KindTimeout:
		return "Your previous reply took too long. Reply with the query only and keep it short."
	default:
		return "Reply with the query in the requested format."
	}
}
