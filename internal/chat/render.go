package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/query"
)

const defaultTableRows = 20

// renderTable draws the first maxRows rows of res as a markdown table.
func renderTable(res query.Result, maxRows int) string {
	if len(res.Columns) == 0 {
		return "_no rows_"
	}
	var b strings.Builder
	b.WriteString("|")
	for _, column := range res.Columns {
		b.WriteString(" " + cell(column) + " |")
	}
	b.WriteString("\n|")
	for range res.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")

	rows := res.Rows()
	shown := rows
	if len(shown) > maxRows {
		shown = shown[:maxRows]
	}
	for _, row := range shown {
		b.WriteString("|")
		for _, value := range row {
			b.WriteString(" " + cell(formatValue(value)) + " |")
		}
		b.WriteString("\n")
	}
	if len(rows) > len(shown) {
		fmt.Fprintf(&b, "\n_showing %d of %d rows_\n", len(shown), len(rows))
	}
	if res.Truncated {
		fmt.Fprintf(&b, "\n_results were capped at %d rows_\n", res.Count)
	}
	return b.String()
}

func cell(text string) string {
	text = strings.ReplaceAll(text, "|", `\|`)
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.ReplaceAll(text, "\n", " ")
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}

// summary is what the conversation history remembers about an answer.
func summary(res query.Result, queryText string) string {
	noun := "rows"
	if res.Backend == query.Document {
		noun = "documents"
	}
	text := fmt.Sprintf("Ran on %s: %s. Returned %d %s", res.Backend, queryText, res.Count, noun)
	if res.Truncated {
		text += " (capped)"
	}
	if len(res.Columns) > 0 {
		text += " with columns " + strings.Join(res.Columns, ", ")
	}
	return text + "."
}
