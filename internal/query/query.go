package query

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

type Backend string

const (
	Relational Backend = "postgres"
	Document   Backend = "mongodb"
)

func ParseBackend(raw string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "postgresql", "relational", "sql":
		return Relational, nil
	case "mongodb", "mongo", "document":
		return Document, nil
	default:
		return "", fmt.Errorf("unknown backend %q", raw)
	}
}

func (b Backend) Valid() bool {
	return b == Relational || b == Document
}

type Operation string

const (
	OperationFind      Operation = "find"
	OperationAggregate Operation = "aggregate"
)

// DocumentSpec is a find or aggregate request against one collection.
// Limit is the limit the model asked for, zero when it asked for none.
type DocumentSpec struct {
	Operation  Operation
	Collection string
	Filter     bson.D
	Projection bson.D
	Sort       bson.D
	Limit      int64
	Pipeline   bson.A
}

// Generated is a parsed model response addressed to exactly one backend.
//
// SQL holds the statement as the model wrote it for the relational backend;
// Document holds the specification for the document backend. Limit is the
// hard record cap and is always set by the generator. Execution enforces it
// independently of whatever limit the model wrote.
type Generated struct {
	Backend       Backend
	SQL           string
	LimitInjected bool
	Document      *DocumentSpec
	Limit         int
	Raw           string
	Explanation   string
	Attempts      int
}

// Text renders the query for display, including the injected cap.
func (g Generated) Text() string {
	switch g.Backend {
	case Relational:
		if g.LimitInjected {
			return g.SQL + "\nLIMIT " + strconv.Itoa(g.Limit)
		}
		return g.SQL
	case Document:
		if g.Document == nil {
			return ""
		}
		raw, err := bson.MarshalExtJSON(g.Document.display(g.Limit), false, false)
		if err != nil {
			return fmt.Sprintf("%s on %s", g.Document.Operation, g.Document.Collection)
		}
		return string(raw)
	default:
		return ""
	}
}

// EffectiveFindLimit is the limit sent to the server for a find, capped.
func (d DocumentSpec) EffectiveFindLimit(limit int) int64 {
	if d.Limit <= 0 || d.Limit > int64(limit) {
		return int64(limit)
	}
	return d.Limit
}

// HasLimitStage reports whether the pipeline already bounds its output.
func (d DocumentSpec) HasLimitStage() bool {
	for _, stage := range d.Pipeline {
		doc, ok := stage.(bson.D)
		if !ok {
			continue
		}
		for _, elem := range doc {
			if elem.Key == "$limit" {
				return true
			}
		}
	}
	return false
}

func (d DocumentSpec) display(limit int) bson.D {
	out := bson.D{
		{Key: "operation", Value: string(d.Operation)},
		{Key: "collection", Value: d.Collection},
	}
	switch d.Operation {
	case OperationAggregate:
		pipeline := append(bson.A{}, d.Pipeline...)
		if !d.HasLimitStage() {
			pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
		}
		out = append(out, bson.E{Key: "pipeline", Value: pipeline})
	default:
		filter := d.Filter
		if filter == nil {
			filter = bson.D{}
		}
		out = append(out, bson.E{Key: "filter", Value: filter})
		if len(d.Projection) > 0 {
			out = append(out, bson.E{Key: "projection", Value: d.Projection})
		}
		if len(d.Sort) > 0 {
			out = append(out, bson.E{Key: "sort", Value: d.Sort})
		}
		out = append(out, bson.E{Key: "limit", Value: d.EffectiveFindLimit(limit)})
	}
	return out
}
