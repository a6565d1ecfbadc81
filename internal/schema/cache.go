package schema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
)

var ErrUnknownBackend = errors.New("schema: backend not configured")

// Source introspects a backend. The tool registry implements it.
type Source interface {
	DescribeSchema(ctx context.Context, backend query.Backend) (Descriptor, error)
}

type CacheOptions struct {
	TTL            time.Duration
	MaxStale       time.Duration
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type entry struct {
	current    atomic.Pointer[Descriptor]
	refreshing atomic.Bool
}

// Cache holds one descriptor per backend.
//
// Readers never block on a refresh. A descriptor younger than TTL is served
// as is; one younger than TTL+MaxStale is served while a background refresh
// runs; anything older, or a missing entry, is refreshed synchronously.
// Refreshes for the same backend are collapsed and the new descriptor is
// swapped in whole.
type Cache struct {
	source  Source
	opts    CacheOptions
	entries map[query.Backend]*entry
	group   singleflight.Group
	wg      sync.WaitGroup
}

func NewCache(source Source, backends []query.Backend, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxStale < 0 {
		opts.MaxStale = 0
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entries := make(map[query.Backend]*entry, len(backends))
	for _, backend := range backends {
		entries[backend] = &entry{}
	}
	return &Cache{source: source, opts: opts, entries: entries}
}

func (c *Cache) Get(ctx context.Context, backend query.Backend) (Descriptor, error) {
	e, ok := c.entries[backend]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	if current := e.current.Load(); current != nil {
		age := current.Age(c.opts.Now())
		if age < c.opts.TTL {
			return *current, nil
		}
		if age < c.opts.TTL+c.opts.MaxStale {
			c.refreshAsync(backend, e)
			return *current, nil
		}
	}
	return c.Refresh(ctx, backend)
}

// Peek returns the cached descriptor without refreshing.
func (c *Cache) Peek(backend query.Backend) (Descriptor, bool) {
	e, ok := c.entries[backend]
	if !ok {
		return Descriptor{}, false
	}
	current := e.current.Load()
	if current == nil {
		return Descriptor{}, false
	}
	return *current, true
}

// Refresh introspects the backend now and replaces the cached descriptor.
// On failure the previous descriptor stays in place. Concurrent callers
// share one introspection bounded by RefreshTimeout; a caller whose ctx ends
// first returns early without cancelling it for the others.
func (c *Cache) Refresh(ctx context.Context, backend query.Backend) (Descriptor, error) {
	e, ok := c.entries[backend]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	results := c.group.DoChan(string(backend), func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
		defer cancel()
		descriptor, err := c.source.DescribeSchema(refreshCtx, backend)
		if err != nil {
			observability.ObserveSchemaRefresh(string(backend), "error")
			return Descriptor{}, err
		}
		descriptor.Backend = backend
		descriptor.FetchedAt = c.opts.Now()
		e.current.Store(&descriptor)
		observability.ObserveSchemaRefresh(string(backend), "ok")
		return descriptor, nil
	})
	select {
	case <-ctx.Done():
		return Descriptor{}, fmt.Errorf("describe %s schema: %w", backend, ctx.Err())
	case res := <-results:
		if res.Err != nil {
			return Descriptor{}, fmt.Errorf("describe %s schema: %w", backend, res.Err)
		}
		return res.Val.(Descriptor), nil
	}
}

func (c *Cache) Backends() []query.Backend {
	out := make([]query.Backend, 0, len(c.entries))
	for _, backend := range []query.Backend{query.Relational, query.Document} {
		if _, ok := c.entries[backend]; ok {
			out = append(out, backend)
		}
	}
	return out
}

// Wait blocks until background refreshes finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) refreshAsync(backend query.Backend, e *entry) {
	if !e.refreshing.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer e.refreshing.Store(false)
		ctx := context.Background()
		if _, err := c.Refresh(ctx, backend); err != nil {
			c.opts.Logger.WarnContext(ctx, "background schema refresh failed",
				slog.String("backend", string(backend)),
				slog.String("error", err.Error()),
			)
		}
	}()
}
