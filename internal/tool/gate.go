package tool

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/askdb/askdb/internal/query"
)

// Gate bounds concurrent use of a backend pool. Waiting longer than the
// acquire timeout counts as a lost connection.
type Gate struct {
	backend query.Backend
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewGate(backend query.Backend, size int, timeout time.Duration) *Gate {
	if size <= 0 {
		size = 1
	}
	return &Gate{backend: backend, sem: semaphore.NewWeighted(int64(size)), timeout: timeout}
}

func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	acquireCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, query.NewExecutionError(query.ErrConnectionLost, g.backend, "acquire connection", err)
	}
	return func() { g.sem.Release(1) }, nil
}
