package mongo

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/askdb/askdb/internal/schema"
)

type fieldStats struct {
	types map[string]struct{}
	seen  int
}

// inferFields flattens sampled documents into dotted field paths. A field is
// nullable when it is null or missing in at least one sample.
func inferFields(docs []bson.D) []schema.Field {
	stats := make(map[string]*fieldStats)
	for _, doc := range docs {
		present := make(map[string]struct{})
		collect(doc, "", stats, present)
		for path := range present {
			stats[path].seen++
		}
	}

	paths := make([]string, 0, len(stats))
	for path := range stats {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	fields := make([]schema.Field, 0, len(paths))
	for _, path := range paths {
		st := stats[path]
		types := make([]string, 0, len(st.types))
		nullable := st.seen < len(docs)
		for name := range st.types {
			if name == "null" {
				nullable = true
				continue
			}
			types = append(types, name)
		}
		sort.Strings(types)
		typ := strings.Join(types, "|")
		if typ == "" {
			typ = "null"
		}
		fields = append(fields, schema.Field{
			Name:       path,
			Type:       typ,
			Nullable:   nullable,
			PrimaryKey: path == "_id",
		})
	}
	return fields
}

func collect(doc bson.D, prefix string, stats map[string]*fieldStats, present map[string]struct{}) {
	for _, elem := range doc {
		path := elem.Key
		if prefix != "" {
			path = prefix + "." + elem.Key
		}
		st, ok := stats[path]
		if !ok {
			st = &fieldStats{types: make(map[string]struct{})}
			stats[path] = st
		}
		st.types[typeName(elem.Value)] = struct{}{}
		present[path] = struct{}{}

		switch v := elem.Value.(type) {
		case bson.D:
			collect(v, path, stats, present)
		case bson.A:
			for _, item := range v {
				if sub, ok := item.(bson.D); ok {
					collect(sub, path, stats, present)
				}
			}
		}
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return "null"
	case string:
		return "string"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bool:
		return "bool"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime:
		return "date"
	case primitive.Decimal128:
		return "decimal"
	case primitive.Timestamp:
		return "timestamp"
	case primitive.Binary:
		return "binData"
	case primitive.Regex:
		return "regex"
	case bson.D, bson.M:
		return "object"
	case bson.A:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}
