package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/query"
)

type Field struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Table is a relational table or a document collection.
type Table struct {
	Name        string       `json:"name"`
	Fields      []Field      `json:"fields"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	RowCount    int64        `json:"row_count"`
}

type Descriptor struct {
	Backend   query.Backend `json:"backend"`
	Database  string        `json:"database"`
	Tables    []Table       `json:"tables"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Empty reports a reachable backend that has no tables or collections yet.
func (d Descriptor) Empty() bool {
	return len(d.Tables) == 0
}

func (d Descriptor) Age(now time.Time) time.Duration {
	if d.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(d.FetchedAt)
}

func (d Descriptor) Table(name string) (Table, bool) {
	for _, table := range d.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}

// Equal compares structure only. Fetch time and row counts are ignored.
func (d Descriptor) Equal(other Descriptor) bool {
	if d.Backend != other.Backend || d.Database != other.Database || len(d.Tables) != len(other.Tables) {
		return false
	}
	for i := range d.Tables {
		a, b := d.Tables[i], other.Tables[i]
		if a.Name != b.Name {
			return false
		}
		if !reflect.DeepEqual(normalizeFields(a.Fields), normalizeFields(b.Fields)) {
			return false
		}
		if !reflect.DeepEqual(normalizeKeys(a.ForeignKeys), normalizeKeys(b.ForeignKeys)) {
			return false
		}
	}
	return true
}

// Prompt renders the descriptor as model context.
func (d Descriptor) Prompt() string {
	var b strings.Builder
	noun, countLabel := "Table", "rows"
	title := "PostgreSQL database"
	if d.Backend == query.Document {
		noun, countLabel = "Collection", "documents"
		title = "MongoDB database"
	}
	fmt.Fprintf(&b, "%s: %s\n", title, d.Database)
	if d.Empty() {
		b.WriteString("\n(no tables or collections found)\n")
		return b.String()
	}
	for _, table := range d.Tables {
		fmt.Fprintf(&b, "\n%s: %s", noun, table.Name)
		if table.RowCount > 0 {
			fmt.Fprintf(&b, " (%s: ~%d)", countLabel, table.RowCount)
		}
		b.WriteString("\n")
		for _, field := range table.Fields {
			fmt.Fprintf(&b, "  - %s: %s", field.Name, field.Type)
			if field.PrimaryKey {
				b.WriteString(" (PK)")
			}
			b.WriteString("\n")
		}
		if len(table.ForeignKeys) > 0 {
			b.WriteString("  Foreign keys:\n")
			for _, fk := range table.ForeignKeys {
				fmt.Fprintf(&b, "    - %s -> %s.%s\n", fk.Column, fk.RefTable, fk.RefColumn)
			}
		}
	}
	return b.String()
}

func normalizeFields(fields []Field) []Field {
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func normalizeKeys(keys []ForeignKey) []ForeignKey {
	if len(keys) == 0 {
		return nil
	}
	return keys
}
