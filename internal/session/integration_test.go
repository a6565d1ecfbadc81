//go:build integration

package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/askdb/askdb/internal/query"
)

func TestRedisStoreHistoryAndEpoch(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("ASKDB_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("ASKDB_TEST_REDIS_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	store := NewRedisStore(client, Options{MaxTurns: 2, TTL: time.Minute})
	id := "it-" + uuid.NewString()
	defer client.Del(context.Background(), turnsKey(id), epochKey(id))

	for _, q := range []string{"a", "b", "c"} {
		if err := store.Append(ctx, id, 0, query.Turn{Question: q}); err != nil {
			t.Fatalf("Append(%q) error = %v", q, err)
		}
	}
	snap, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.Epoch != 0 || len(snap.Turns) != 2 || snap.Turns[1].Question != "c" {
		t.Fatalf("Load() = %#v", snap)
	}

	epoch, err := store.Clear(ctx, id)
	if err != nil || epoch != 1 {
		t.Fatalf("Clear() = %d, %v", epoch, err)
	}
	if err := store.Append(ctx, id, 0, query.Turn{Question: "late"}); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("Append(stale) error = %v", err)
	}
	snap, err = store.Load(ctx, id)
	if err != nil || snap.Epoch != 1 || len(snap.Turns) != 0 {
		t.Fatalf("Load() after clear = %#v, %v", snap, err)
	}
}
