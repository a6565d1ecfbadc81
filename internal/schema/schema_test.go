package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/query"
)

func sampleDescriptor() Descriptor {
	return Descriptor{
		Backend:  query.Relational,
		Database: "ecommerce_db",
		Tables: []Table{
			{
				Name:     "customers",
				RowCount: 120,
				Fields: []Field{
					{Name: "id", Type: "integer", PrimaryKey: true},
					{Name: "email", Type: "text"},
				},
			},
			{
				Name: "orders",
				Fields: []Field{
					{Name: "id", Type: "integer", PrimaryKey: true},
					{Name: "customer_id", Type: "integer"},
				},
				ForeignKeys: []ForeignKey{{Column: "customer_id", RefTable: "customers", RefColumn: "id"}},
			},
		},
		FetchedAt: time.Unix(100, 0),
	}
}

func TestDescriptorEqualIgnoresFetchTimeAndCounts(t *testing.T) {
	a := sampleDescriptor()
	b := sampleDescriptor()
	b.FetchedAt = time.Unix(200, 0)
	b.Tables[0].RowCount = 999

	if !a.Equal(b) {
		t.Fatal("Equal() = false for structurally identical descriptors")
	}

	b.Tables[1].Fields[1].Type = "bigint"
	if a.Equal(b) {
		t.Fatal("Equal() = true after a field type change")
	}
}

func TestDescriptorEqualTreatsNilAndEmptyForeignKeysAlike(t *testing.T) {
	a := sampleDescriptor()
	b := sampleDescriptor()
	a.Tables[0].ForeignKeys = []ForeignKey{}
	if !a.Equal(b) {
		t.Fatal("Equal() = false for nil vs empty foreign keys")
	}
}

func TestDescriptorPrompt(t *testing.T) {
	text := sampleDescriptor().Prompt()
	for _, want := range []string{
		"PostgreSQL database: ecommerce_db",
		"Table: customers (rows: ~120)",
		"  - id: integer (PK)",
		"    - customer_id -> customers.id",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("Prompt() missing %q:\n%s", want, text)
		}
	}
}

func TestDescriptorPromptForEmptyDocumentBackend(t *testing.T) {
	d := Descriptor{Backend: query.Document, Database: "analytics"}
	text := d.Prompt()
	if !strings.Contains(text, "MongoDB database: analytics") || !strings.Contains(text, "no tables or collections") {
		t.Fatalf("Prompt() = %q", text)
	}
	if !d.Empty() {
		t.Fatal("Empty() = false")
	}
}

func TestDescriptorTableLookupIsCaseInsensitive(t *testing.T) {
	if _, ok := sampleDescriptor().Table("Customers"); !ok {
		t.Fatal("Table(Customers) not found")
	}
}
