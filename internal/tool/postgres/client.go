// Package postgres is the relational tool client.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

const (
	columnsQuery = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

	primaryKeysQuery = `
SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.table_name, kcu.ordinal_position`

	foreignKeysQuery = `
SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'
ORDER BY kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name`

	rowCountsQuery = `
SELECT c.relname, GREATEST(c.reltuples, 0)::bigint
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relkind IN ('r', 'p')
ORDER BY c.relname`

	databaseQuery = `SELECT current_database()`
)

type Options struct {
	Schema         string
	MaxRows        int
	AcquireTimeout time.Duration
	Now            func() time.Time
}

type Client struct {
	db             *sql.DB
	schema         string
	maxRows        int
	acquireTimeout time.Duration
	now            func() time.Time
}

func NewClient(db *sql.DB, opts Options) *Client {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		db:             db,
		schema:         opts.Schema,
		maxRows:        opts.MaxRows,
		acquireTimeout: opts.AcquireTimeout,
		now:            opts.Now,
	}
}

func (c *Client) Backend() query.Backend {
	return query.Relational
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return classify("health check", err, query.ErrConnectionLost)
	}
	return nil
}

func (c *Client) DescribeSchema(ctx context.Context) (schema.Descriptor, error) {
	const op = "describe schema"

	var database string
	if err := c.db.QueryRowContext(ctx, databaseQuery).Scan(&database); err != nil {
		return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
	}

	tables := make([]schema.Table, 0)
	index := make(map[string]int)
	err := c.each(ctx, columnsQuery, func(rows *sql.Rows) error {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return err
		}
		i, ok := index[table]
		if !ok {
			i = len(tables)
			index[table] = i
			tables = append(tables, schema.Table{Name: table})
		}
		tables[i].Fields = append(tables[i].Fields, schema.Field{
			Name:     column,
			Type:     dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
		return nil
	})
	if err != nil {
		return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
	}

	err = c.each(ctx, primaryKeysQuery, func(rows *sql.Rows) error {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return err
		}
		if i, ok := index[table]; ok {
			for j := range tables[i].Fields {
				if tables[i].Fields[j].Name == column {
					tables[i].Fields[j].PrimaryKey = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
	}

	err = c.each(ctx, foreignKeysQuery, func(rows *sql.Rows) error {
		var fk schema.ForeignKey
		var table string
		if err := rows.Scan(&table, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return err
		}
		if i, ok := index[table]; ok {
			tables[i].ForeignKeys = append(tables[i].ForeignKeys, fk)
		}
		return nil
	})
	if err != nil {
		return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
	}

	err = c.each(ctx, rowCountsQuery, func(rows *sql.Rows) error {
		var table string
		var count int64
		if err := rows.Scan(&table, &count); err != nil {
			return err
		}
		if i, ok := index[table]; ok {
			tables[i].RowCount = count
		}
		return nil
	})
	if err != nil {
		return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
	}

	return schema.Descriptor{
		Backend:   query.Relational,
		Database:  database,
		Tables:    tables,
		FetchedAt: c.now().UTC(),
	}, nil
}

func (c *Client) each(ctx context.Context, stmt string, scan func(*sql.Rows) error) error {
	rows, err := c.db.QueryContext(ctx, stmt, c.schema)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ExecuteQuery runs q inside a read-only transaction on a connection held
// only for this call. One row beyond the cap is fetched to detect truncation.
func (c *Client) ExecuteQuery(ctx context.Context, q query.Generated, timeout time.Duration) (query.Result, error) {
	const op = "execute query"
	if q.Backend != query.Relational || strings.TrimSpace(q.SQL) == "" {
		return query.Result{}, query.NewExecutionError(query.ErrBackendRejected, query.Relational, op, errors.New("no SQL statement"))
	}
	limit := c.cap(q.Limit)

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := c.now()

	acquireCtx, cancelAcquire := context.WithTimeout(execCtx, c.acquireTimeout)
	conn, err := c.db.Conn(acquireCtx)
	cancelAcquire()
	if err != nil {
		return query.Result{}, query.NewExecutionError(query.ErrConnectionLost, query.Relational, "acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(execCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, classify(op, err, query.ErrConnectionLost)
	}
	defer func() { _ = tx.Rollback() }()

	if timeout > 0 {
		if _, err := tx.ExecContext(execCtx, "SET LOCAL statement_timeout = "+strconv.FormatInt(timeout.Milliseconds(), 10)); err != nil {
			return query.Result{}, classify(op, err, query.ErrBackendRejected)
		}
	}

	rows, err := tx.QueryContext(execCtx, wrapWithLimit(q.SQL, limit+1))
	if err != nil {
		return query.Result{}, classify(op, err, query.ErrBackendRejected)
	}
	defer func() { _ = rows.Close() }()

	rawColumns, err := rows.Columns()
	if err != nil {
		return query.Result{}, classify(op, err, query.ErrBackendRejected)
	}
	columns := uniqueColumns(rawColumns)

	records := make([]query.Record, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return query.Result{}, classify(op, err, query.ErrBackendRejected)
		}
		record := make(query.Record, len(columns))
		for i, column := range columns {
			record[column] = normalizeValue(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classify(op, err, query.ErrBackendRejected)
	}

	return query.NewResult(query.Relational, columns, records, limit, c.now().Sub(start)), nil
}

func (c *Client) cap(limit int) int {
	if limit <= 0 || (c.maxRows > 0 && limit > c.maxRows) {
		if c.maxRows > 0 {
			return c.maxRows
		}
		return 1000
	}
	return limit
}

func wrapWithLimit(stmt string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (\n%s\n) AS askdb_q LIMIT %d", stmt, limit)
}

// uniqueColumns suffixes repeated names so every column survives as a
// record key.
func uniqueColumns(columns []string) []string {
	out := make([]string, len(columns))
	used := make(map[string]bool, len(columns))
	for i, column := range columns {
		name := column
		for n := 2; used[name]; n++ {
			name = column + "_" + strconv.Itoa(n)
		}
		used[name] = true
		out[i] = name
	}
	return out
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC()
	default:
		return v
	}
}

// classify maps a driver error onto an execution error kind. fallback is
// used when nothing more specific is known.
func classify(op string, err error, fallback query.ErrorKind) *query.ExecutionError {
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return query.NewExecutionError(kindOf(err, fallback), query.Relational, op, err)
}

func kindOf(err error, fallback query.ErrorKind) query.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return query.ErrTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			return query.ErrTimeout
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return query.ErrConnectionLost
		default:
			return query.ErrBackendRejected
		}
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return query.ErrConnectionLost
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.Canceled) {
		return query.ErrConnectionLost
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return query.ErrTimeout
		}
		return query.ErrConnectionLost
	}
	return fallback
}
