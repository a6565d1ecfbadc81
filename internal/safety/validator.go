// Package safety decides whether a generated query may run.
//
// Validation is pure and deterministic. A query that fails here never
// reaches a backend.
package safety

import (
	"fmt"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/sqltoken"
)

const (
	ReasonWriteKeyword      = "write or DDL keyword"
	ReasonDangerousFunction = "dangerous function"
	ReasonMultipleStatement = "multiple statements"
	ReasonNotReadOnly       = "statement is not a SELECT"
	ReasonMalformed         = "unterminated literal or comment"
	ReasonEmpty             = "empty query"
	ReasonOperator          = "code execution operator"
	ReasonWriteStage        = "write stage"
	ReasonSystemCollection  = "system collection"
	ReasonOperation         = "operation is not read-only"
	ReasonBackend           = "unknown backend"
)

type Result struct {
	Passed  bool
	Backend query.Backend
	Term    string
	Reason  string
}

// Err returns nil for a passed result and a *RejectedError otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return &RejectedError{Result: r}
}

type RejectedError struct {
	Result Result
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s query rejected: %s %q", e.Result.Backend, e.Result.Reason, e.Result.Term)
}

type Validator struct {
	deny       map[string]string
	operators  map[string]string
	prefixes   []string
	operations map[string]struct{}
}

func New(policy Policy) *Validator {
	v := &Validator{
		deny:       make(map[string]string),
		operators:  make(map[string]string),
		operations: make(map[string]struct{}),
	}
	for _, kw := range policy.DenyKeywords {
		v.deny[strings.ToLower(strings.TrimSpace(kw))] = ReasonWriteKeyword
	}
	for _, fn := range policy.DenyFunctions {
		v.deny[strings.ToLower(strings.TrimSpace(fn))] = ReasonDangerousFunction
	}
	for _, op := range policy.DenyOperators {
		v.operators[strings.ToLower(strings.TrimSpace(op))] = ReasonOperator
	}
	for _, stage := range policy.DenyStages {
		v.operators[strings.ToLower(strings.TrimSpace(stage))] = ReasonWriteStage
	}
	for _, prefix := range policy.DenyCollectionPrefixes {
		if p := strings.ToLower(strings.TrimSpace(prefix)); p != "" {
			v.prefixes = append(v.prefixes, p)
		}
	}
	for _, op := range policy.AllowedDocumentOperation {
		v.operations[strings.ToLower(strings.TrimSpace(op))] = struct{}{}
	}
	return v
}

func (v *Validator) Validate(q query.Generated) Result {
	switch q.Backend {
	case query.Relational:
		return v.validateSQL(q.SQL)
	case query.Document:
		return v.validateDocument(q.Document)
	default:
		return Result{Backend: q.Backend, Term: string(q.Backend), Reason: ReasonBackend}
	}
}

func (v *Validator) validateSQL(stmt string) Result {
	reject := func(term, reason string) Result {
		return Result{Backend: query.Relational, Term: term, Reason: reason}
	}

	tokens, err := sqltoken.Scan(stmt)
	if err != nil {
		return reject("unterminated", ReasonMalformed)
	}
	for _, tok := range tokens {
		for _, word := range tok.Words() {
			lower := strings.ToLower(word)
			if reason, denied := v.deny[lower]; denied {
				return reject(lower, reason)
			}
		}
	}

	trimmed := sqltoken.TrimTrailing(stmt)
	if trimmed == "" {
		return reject("", ReasonEmpty)
	}
	significant := sqltoken.Significant(mustScan(trimmed))
	for _, tok := range significant {
		if tok.Kind == sqltoken.Punct && tok.Text == ";" {
			return reject(";", ReasonMultipleStatement)
		}
	}
	if first := firstKeyword(significant); first != "select" && first != "with" {
		return reject(first, ReasonNotReadOnly)
	}

	if parsed, err := sqlparser.Parse(trimmed); err == nil {
		switch parsed.(type) {
		case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		default:
			return reject(fmt.Sprintf("%T", parsed), ReasonNotReadOnly)
		}
	}
	return Result{Passed: true, Backend: query.Relational}
}

// mustScan rescans text that already scanned cleanly as part of a larger
// input.
func mustScan(text string) []sqltoken.Token {
	tokens, _ := sqltoken.Scan(text)
	return tokens
}

func firstKeyword(tokens []sqltoken.Token) string {
	for _, tok := range tokens {
		if tok.Kind == sqltoken.Punct && tok.Text == "(" {
			continue
		}
		return strings.ToLower(tok.Text)
	}
	return ""
}

func (v *Validator) validateDocument(spec *query.DocumentSpec) Result {
	reject := func(term, reason string) Result {
		return Result{Backend: query.Document, Term: term, Reason: reason}
	}
	if spec == nil {
		return reject("", ReasonEmpty)
	}
	op := strings.ToLower(string(spec.Operation))
	if _, ok := v.operations[op]; !ok {
		return reject(op, ReasonOperation)
	}
	if strings.TrimSpace(spec.Collection) == "" {
		return reject("", ReasonEmpty)
	}
	if prefix, ok := v.systemPrefix(spec.Collection); ok {
		return reject(prefix, ReasonSystemCollection)
	}

	for _, part := range []any{spec.Filter, spec.Projection, spec.Sort, spec.Pipeline} {
		if term, reason, found := v.walk(part, ""); found {
			return reject(term, reason)
		}
	}
	return Result{Passed: true, Backend: query.Document}
}

func (v *Validator) systemPrefix(collection string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(collection))
	for _, prefix := range v.prefixes {
		if strings.HasPrefix(lower, prefix) {
			return collection, true
		}
	}
	return "", false
}

// walk visits every key and value. parent is the key that holds value, so a
// $lookup or $unionWith into a system collection is caught too.
func (v *Validator) walk(value any, parent string) (string, string, bool) {
	switch node := value.(type) {
	case bson.D:
		for _, elem := range node {
			if term, reason, found := v.visitKey(elem.Key, elem.Value); found {
				return term, reason, true
			}
		}
	case bson.M:
		for key, child := range node {
			if term, reason, found := v.visitKey(key, child); found {
				return term, reason, true
			}
		}
	case map[string]any:
		for key, child := range node {
			if term, reason, found := v.visitKey(key, child); found {
				return term, reason, true
			}
		}
	case bson.A:
		for _, child := range node {
			if term, reason, found := v.walk(child, parent); found {
				return term, reason, true
			}
		}
	case []any:
		for _, child := range node {
			if term, reason, found := v.walk(child, parent); found {
				return term, reason, true
			}
		}
	case string:
		switch parent {
		case "from", "coll", "$unionwith":
			if name, ok := v.systemPrefix(node); ok {
				return name, ReasonSystemCollection, true
			}
		}
	}
	return "", "", false
}

func (v *Validator) visitKey(key string, child any) (string, string, bool) {
	lower := strings.ToLower(key)
	if reason, denied := v.operators[lower]; denied {
		return lower, reason, true
	}
	return v.walk(child, lower)
}
