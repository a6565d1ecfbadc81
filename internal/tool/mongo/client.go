// Package mongo is the document tool client.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/tool"
)

type Options struct {
	SampleSize int64
	MaxRows    int
	// Gate bounds concurrent calls. It should match the driver pool size.
	Gate *tool.Gate
	Now  func() time.Time
}

type Client struct {
	store      Store
	gate       *tool.Gate
	sampleSize int64
	maxRows    int
	now        func() time.Time
}

func NewClient(store Store, opts Options) *Client {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 100
	}
	if opts.Gate == nil {
		opts.Gate = tool.NewGate(query.Document, 100, 5*time.Second)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		store:      store,
		gate:       opts.Gate,
		sampleSize: opts.SampleSize,
		maxRows:    opts.MaxRows,
		now:        opts.Now,
	}
}

func (c *Client) Backend() query.Backend {
	return query.Document
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return classify("health check", err, query.ErrConnectionLost)
	}
	return nil
}

func (c *Client) DescribeSchema(ctx context.Context) (schema.Descriptor, error) {
	const op = "describe schema"
	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return schema.Descriptor{}, err
	}
	defer release()

	names, err := c.store.ListCollections(ctx)
	if err != nil {
		return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
	}
	sort.Strings(names)

	tables := make([]schema.Table, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		docs, err := c.store.Sample(ctx, name, c.sampleSize)
		if err != nil {
			return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
		}
		count, err := c.store.EstimatedCount(ctx, name)
		if err != nil {
			return schema.Descriptor{}, classify(op, err, query.ErrConnectionLost)
		}
		tables = append(tables, schema.Table{
			Name:     name,
			Fields:   inferFields(docs),
			RowCount: count,
		})
	}

	return schema.Descriptor{
		Backend:   query.Document,
		Database:  c.store.Name(),
		Tables:    tables,
		FetchedAt: c.now().UTC(),
	}, nil
}

// ExecuteQuery fetches one document beyond the cap so truncation can be
// reported.
func (c *Client) ExecuteQuery(ctx context.Context, q query.Generated, timeout time.Duration) (query.Result, error) {
	const op = "execute query"
	if q.Backend != query.Document || q.Document == nil {
		return query.Result{}, query.NewExecutionError(query.ErrBackendRejected, query.Document, op, errors.New("no document query"))
	}
	spec := q.Document
	limit := c.cap(q.Limit)

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := c.now()

	release, err := c.gate.Acquire(execCtx)
	if err != nil {
		return query.Result{}, err
	}
	defer release()

	var docs []bson.D
	switch spec.Operation {
	case query.OperationFind:
		fetch := int64(limit) + 1
		if spec.Limit > 0 && spec.Limit <= int64(limit) {
			fetch = spec.Limit
		}
		docs, err = c.store.Find(execCtx, spec.Collection, FindSpec{
			Filter:     spec.Filter,
			Projection: spec.Projection,
			Sort:       spec.Sort,
			Limit:      fetch,
		})
	case query.OperationAggregate:
		pipeline := append(bson.A{}, spec.Pipeline...)
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(limit) + 1}})
		docs, err = c.store.Aggregate(execCtx, spec.Collection, pipeline)
	default:
		return query.Result{}, query.NewExecutionError(query.ErrBackendRejected, query.Document, op, fmt.Errorf("unsupported operation %q", spec.Operation))
	}
	if err != nil {
		return query.Result{}, classify(op, err, query.ErrBackendRejected)
	}

	columns := make([]string, 0)
	seen := make(map[string]struct{})
	records := make([]query.Record, 0, len(docs))
	for _, doc := range docs {
		record := make(query.Record, len(doc))
		for _, elem := range doc {
			if _, ok := seen[elem.Key]; !ok {
				seen[elem.Key] = struct{}{}
				columns = append(columns, elem.Key)
			}
			record[elem.Key] = normalizeValue(elem.Value)
		}
		records = append(records, record)
	}
	return query.NewResult(query.Document, columns, records, limit, c.now().Sub(start)), nil
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

// normalizeValue turns driver types into plain values that encode cleanly
// as JSON.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.Decimal128:
		return v.String()
	case primitive.Timestamp:
		return time.Unix(int64(v.T), 0).UTC()
	case primitive.Binary:
		return fmt.Sprintf("%x", v.Data)
	case primitive.Regex:
		return "/" + v.Pattern + "/" + v.Options
	case bson.D:
		out := make(map[string]any, len(v))
		for _, elem := range v {
			out[elem.Key] = normalizeValue(elem.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			out[key] = normalizeValue(elem)
		}
		return out
	case bson.A:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = normalizeValue(elem)
		}
		return out
	case []byte:
		return string(v)
	default:
		return v
	}
}

func classify(op string, err error, fallback query.ErrorKind) *query.ExecutionError {
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return query.NewExecutionError(kindOf(err, fallback), query.Document, op, err)
}

func kindOf(err error, fallback query.ErrorKind) query.ErrorKind {
	var cmdErr mongo.CommandError
	switch {
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return query.ErrTimeout
	case errors.As(err, &cmdErr) && cmdErr.Code == 50:
		return query.ErrTimeout
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected), errors.Is(err, context.Canceled):
		return query.ErrConnectionLost
	case errors.As(err, &cmdErr):
		return query.ErrBackendRejected
	default:
		return fallback
	}
}
