package querygen

import (
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/query"
)

// NewDocumentGenerator returns the generator for the document backend.
func NewDocumentGenerator(model llm.Model, opts Options) Generator {
	return &engine{
		backend: query.Document,
		model:   model,
		opts:    opts.withDefaults(),
		parse:   parseDocumentReply,
		prompt:  documentPrompt,
	}
}

func parseDocumentReply(text string, limit int) (query.Generated, error) {
	body, outside, ok := extractFence(text, "json")
	if !ok {
		trimmed := strings.TrimSpace(text)
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end < start {
			return query.Generated{}, errEmptyQuery
		}
		body = trimmed[start : end+1]
		outside = strings.TrimSpace(trimmed[:start] + " " + trimmed[end+1:])
	}

	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(body), false, &doc); err != nil {
		return query.Generated{}, fmt.Errorf("reply is not a valid JSON object: %w", err)
	}

	op := strings.TrimSpace(firstString(doc, "operation", "query_type", "type"))
	if op == "" {
		if reason := firstString(doc, "error"); reason != "" {
			return query.Generated{}, fmt.Errorf("model declined: %s", reason)
		}
		return query.Generated{}, fmt.Errorf("reply has no operation")
	}
	collection := strings.TrimSpace(firstString(doc, "collection"))
	if collection == "" {
		return query.Generated{}, fmt.Errorf("reply has no collection")
	}

	spec := &query.DocumentSpec{
		Operation:  query.Operation(strings.ToLower(op)),
		Collection: collection,
	}
	var err error
	if spec.Filter, err = asDocument(lookup(doc, "filter"), "filter"); err != nil {
		return query.Generated{}, err
	}
	if spec.Projection, err = asDocument(lookup(doc, "projection"), "projection"); err != nil {
		return query.Generated{}, err
	}
	if spec.Sort, err = asSort(lookup(doc, "sort")); err != nil {
		return query.Generated{}, err
	}
	if spec.Limit, err = asLimit(lookup(doc, "limit")); err != nil {
		return query.Generated{}, err
	}
	if spec.Pipeline, err = asPipeline(lookup(doc, "pipeline")); err != nil {
		return query.Generated{}, err
	}

	note := outside
	if note == "" {
		note = firstString(doc, "explanation")
	}

	injected := spec.Limit == 0 || spec.Limit > int64(limit)
	if spec.Operation == query.OperationAggregate {
		injected = !spec.HasLimitStage()
	}
	return query.Generated{
		Backend:       query.Document,
		Document:      spec,
		LimitInjected: injected,
		Limit:         limit,
		Explanation:   explanation(note),
	}, nil
}

func lookup(doc bson.D, key string) any {
	for _, elem := range doc {
		if elem.Key == key {
			return elem.Value
		}
	}
	return nil
}

func firstString(doc bson.D, keys ...string) string {
	for _, key := range keys {
		if s, ok := lookup(doc, key).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func asDocument(value any, field string) (bson.D, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bson.D:
		return v, nil
	default:
		return nil, fmt.Errorf("%s must be an object", field)
	}
}

// asSort accepts {"field": 1} as well as [["field", -1]].
func asSort(value any) (bson.D, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bson.D:
		return v, nil
	case bson.A:
		out := make(bson.D, 0, len(v))
		for i, item := range v {
			pair, ok := item.(bson.A)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("sort entry %d must be a [field, direction] pair", i)
			}
			field, ok := pair[0].(string)
			if !ok || field == "" {
				return nil, fmt.Errorf("sort entry %d has no field name", i)
			}
			out = append(out, bson.E{Key: field, Value: pair[1]})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("sort must be an object")
	}
}

func asLimit(value any) (int64, error) {
	var n int64
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int32:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("limit must be a whole number")
		}
		n = int64(v)
	default:
		return 0, fmt.Errorf("limit must be a number")
	}
	if n < 0 {
		n = -n
	}
	return n, nil
}

func asPipeline(value any) (bson.A, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bson.A:
		for i, stage := range v {
			if _, ok := stage.(bson.D); !ok {
				return nil, fmt.Errorf("pipeline stage %d must be an object", i)
			}
		}
		return v, nil
	default:
		return nil, fmt.Errorf("pipeline must be an array")
	}
}
