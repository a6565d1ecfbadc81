package query

import "time"

type Record map[string]any

type Result struct {
	Backend   Backend
	Columns   []string
	Records   []Record
	Count     int
	Elapsed   time.Duration
	Truncated bool
}

// NewResult trims records to limit. Callers fetch limit+1 records so that
// an overflow can be told apart from data that exactly fills the cap.
func NewResult(backend Backend, columns []string, records []Record, limit int, elapsed time.Duration) Result {
	truncated := false
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		truncated = true
	}
	if records == nil {
		records = []Record{}
	}
	if columns == nil {
		columns = []string{}
	}
	return Result{
		Backend:   backend,
		Columns:   columns,
		Records:   records,
		Count:     len(records),
		Elapsed:   elapsed,
		Truncated: truncated,
	}
}

// Rows returns the records as positional rows ordered by Columns.
func (r Result) Rows() [][]any {
	rows := make([][]any, 0, len(r.Records))
	for _, record := range r.Records {
		row := make([]any, len(r.Columns))
		for i, column := range r.Columns {
			row[i] = record[column]
		}
		rows = append(rows, row)
	}
	return rows
}
