package querygen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/sqltoken"
)

// statementKeywords are the words a SQL statement can open with. Replies
// starting elsewhere are prose, not SQL.
var statementKeywords = map[string]struct{}{
	"select": {}, "with": {}, "values": {}, "table": {}, "explain": {}, "show": {},
	"insert": {}, "update": {}, "delete": {}, "merge": {}, "upsert": {},
	"create": {}, "alter": {}, "drop": {}, "truncate": {}, "rename": {}, "comment": {},
	"grant": {}, "revoke": {}, "call": {}, "exec": {}, "execute": {}, "do": {},
	"copy": {}, "vacuum": {}, "analyze": {}, "reindex": {}, "cluster": {}, "lock": {},
	"set": {}, "reset": {}, "begin": {}, "start": {}, "commit": {}, "rollback": {},
	"prepare": {}, "deallocate": {}, "declare": {}, "listen": {}, "notify": {},
	"refresh": {}, "discard": {}, "import": {}, "load": {},
}

var errEmptyQuery = errors.New("reply contains no query")

// NewSQLGenerator returns the generator for the relational backend.
func NewSQLGenerator(model llm.Model, opts Options) Generator {
	return &engine{
		backend: query.Relational,
		model:   model,
		opts:    opts.withDefaults(),
		parse:   parseSQLReply,
		prompt:  relationalPrompt,
	}
}

func parseSQLReply(text string, limit int) (query.Generated, error) {
	body, outside, ok := extractFence(text, "sql")
	if !ok {
		body = strings.TrimSpace(text)
	}
	note := outside

	if strings.HasPrefix(body, "{") {
		var wrapped struct {
			SQL         string `json:"sql"`
			Query       string `json:"query"`
			Explanation string `json:"explanation"`
			Error       string `json:"error"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err == nil {
			if wrapped.SQL == "" {
				wrapped.SQL = wrapped.Query
			}
			if wrapped.SQL == "" {
				if wrapped.Error != "" {
					return query.Generated{}, fmt.Errorf("model declined: %s", wrapped.Error)
				}
				return query.Generated{}, errEmptyQuery
			}
			body = wrapped.SQL
			if note == "" {
				note = wrapped.Explanation
			}
		}
	}

	stmt := sqltoken.TrimTrailing(body)
	if stmt == "" {
		return query.Generated{}, errEmptyQuery
	}
	tokens, err := sqltoken.Scan(stmt)
	if err != nil {
		return query.Generated{}, fmt.Errorf("malformed SQL: %w", err)
	}
	if !opensStatement(sqltoken.Significant(tokens)) {
		return query.Generated{}, fmt.Errorf("reply does not start with a SQL statement")
	}

	return query.Generated{
		Backend:       query.Relational,
		SQL:           stmt,
		LimitInjected: !sqltoken.HasTopLevelLimit(tokens),
		Limit:         limit,
		Explanation:   explanation(note),
	}, nil
}

func opensStatement(tokens []sqltoken.Token) bool {
	for _, tok := range tokens {
		if tok.Kind == sqltoken.Punct && tok.Text == "(" {
			continue
		}
		if tok.Kind != sqltoken.Word {
			return false
		}
		_, ok := statementKeywords[strings.ToLower(tok.Text)]
		return ok
	}
	return false
}
