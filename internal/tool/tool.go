// Package tool exposes the backends a question can be answered from.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

// Client is one backend. Implementations hold no connection between calls
// and every failure they return is a *query.ExecutionError.
type Client interface {
	Backend() query.Backend
	DescribeSchema(ctx context.Context) (schema.Descriptor, error)
	ExecuteQuery(ctx context.Context, q query.Generated, timeout time.Duration) (query.Result, error)
	HealthCheck(ctx context.Context) error
}

var ErrNoClient = errors.New("no tool client for backend")

type Registry struct {
	clients map[query.Backend]Client
	order   []query.Backend
}

func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[query.Backend]Client, len(clients))}
	for _, client := range clients {
		if client == nil {
			continue
		}
		backend := client.Backend()
		if !backend.Valid() {
			return nil, fmt.Errorf("register tool client: invalid backend %q", backend)
		}
		if _, exists := r.clients[backend]; exists {
			return nil, fmt.Errorf("register tool client: duplicate backend %q", backend)
		}
		r.clients[backend] = client
		r.order = append(r.order, backend)
	}
	return r, nil
}

func (r *Registry) Client(backend query.Backend) (Client, error) {
	client, ok := r.clients[backend]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoClient, backend)
	}
	return client, nil
}

// Backends returns the registered backends in registration order.
func (r *Registry) Backends() []query.Backend {
	return append([]query.Backend(nil), r.order...)
}

// DescribeSchema makes the registry a schema.Source.
func (r *Registry) DescribeSchema(ctx context.Context, backend query.Backend) (schema.Descriptor, error) {
	client, err := r.Client(backend)
	if err != nil {
		return schema.Descriptor{}, err
	}
	return client.DescribeSchema(ctx)
}

// HealthCheck checks every backend and joins the failures.
func (r *Registry) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, backend := range r.order {
		if err := r.clients[backend].HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend, err))
		}
	}
	return errors.Join(errs...)
}
