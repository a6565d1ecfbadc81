package tool

import "github.com/askdb/askdb/internal/query"

type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Operation describes one named tool call a backend offers.
type Operation struct {
	Name        string        `json:"name"`
	Backend     query.Backend `json:"backend"`
	Description string        `json:"description"`
	Parameters  []Parameter   `json:"parameters"`
	ReadOnly    bool          `json:"read_only"`
}

// Operations lists the catalogue and execute operations of every registered
// backend. The table-level operations read the cached schema.
func (r *Registry) Operations() []Operation {
	ops := make([]Operation, 0, 4*len(r.order))
	for _, backend := range r.order {
		ops = append(ops,
			describeOperation(backend),
			listOperation(backend),
			infoOperation(backend),
			executeOperation(backend),
		)
	}
	return ops
}

func containerNoun(backend query.Backend) (singular, plural string) {
	if backend == query.Document {
		return "collection", "collections"
	}
	return "table", "tables"
}

func listOperation(backend query.Backend) Operation {
	_, plural := containerNoun(backend)
	return Operation{
		Name:        string(backend) + "_" + plural,
		Backend:     backend,
		Description: "List the names of all " + plural + ".",
		Parameters:  []Parameter{},
		ReadOnly:    true,
	}
}

func infoOperation(backend query.Backend) Operation {
	singular, _ := containerNoun(backend)
	return Operation{
		Name:        string(backend) + "_" + singular + "_info",
		Backend:     backend,
		Description: "Describe the fields of one " + singular + ".",
		Parameters: []Parameter{
			{Name: singular, Type: "string", Required: true, Description: "Name of the " + singular + "."},
		},
		ReadOnly: true,
	}
}

func describeOperation(backend query.Backend) Operation {
	desc := "List tables with their columns, types, keys and approximate row counts."
	if backend == query.Document {
		desc = "List collections with field paths and types inferred from sampled documents."
	}
	return Operation{
		Name:        string(backend) + "_describe_schema",
		Backend:     backend,
		Description: desc,
		Parameters:  []Parameter{},
		ReadOnly:    true,
	}
}

func executeOperation(backend query.Backend) Operation {
	op := Operation{
		Name:     string(backend) + "_execute_query",
		Backend:  backend,
		ReadOnly: true,
	}
	switch backend {
	case query.Relational:
		op.Description = "Run one validated read-only SELECT statement inside a read-only transaction."
		op.Parameters = []Parameter{
			{Name: "sql", Type: "string", Required: true, Description: "A single SELECT or WITH statement."},
			{Name: "limit", Type: "integer", Required: false, Description: "Maximum number of rows to return."},
		}
	default:
		op.Description = "Run one validated find or aggregate request against a collection."
		op.Parameters = []Parameter{
			{Name: "operation", Type: "string", Required: true, Description: "find or aggregate."},
			{Name: "collection", Type: "string", Required: true, Description: "Collection name."},
			{Name: "filter", Type: "object", Required: false, Description: "Query filter, find only."},
			{Name: "projection", Type: "object", Required: false, Description: "Field projection, find only."},
			{Name: "sort", Type: "object", Required: false, Description: "Sort order, find only."},
			{Name: "pipeline", Type: "array", Required: false, Description: "Aggregation stages, aggregate only."},
			{Name: "limit", Type: "integer", Required: false, Description: "Maximum number of documents to return."},
		}
	}
	return op
}
