package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/askdb/askdb/internal/query"
)

const keyPrefix = "askdb:session:"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient builds a client and checks the server answers.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps each session as a capped list of JSON turns next to an
// epoch counter.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults()}
}

func turnsKey(id string) string { return keyPrefix + id + ":turns" }
func epochKey(id string) string { return keyPrefix + id + ":epoch" }

func (s *RedisStore) Load(ctx context.Context, id string) (Snapshot, error) {
	if err := validID(id); err != nil {
		return Snapshot{}, err
	}
	var turnsCmd *redis.StringSliceCmd
	var epochCmd *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		turnsCmd = pipe.LRange(ctx, turnsKey(id), 0, -1)
		epochCmd = pipe.Get(ctx, epochKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}
	epoch, err := epochValue(epochCmd)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session %s epoch: %w", id, err)
	}
	turns := make([]query.Turn, 0, len(turnsCmd.Val()))
	for _, raw := range turnsCmd.Val() {
		var turn query.Turn
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return Snapshot{}, fmt.Errorf("decode session %s turn: %w", id, err)
		}
		turns = append(turns, turn)
	}
	return Snapshot{Turns: turns, Epoch: epoch}, nil
}

func (s *RedisStore) Append(ctx context.Context, id string, epoch int64, turn query.Turn) error {
	if err := validID(id); err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode session turn: %w", err)
	}
	key := turnsKey(id)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := epochValue(tx.Get(ctx, epochKey(id)))
		if err != nil {
			return err
		}
		if current != epoch {
			return ErrStaleEpoch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			pipe.LTrim(ctx, key, int64(-s.opts.MaxTurns), -1)
			pipe.Expire(ctx, key, s.opts.TTL)
			return nil
		})
		return err
	}, epochKey(id))
	switch {
	case errors.Is(err, ErrStaleEpoch):
		return ErrStaleEpoch
	case errors.Is(err, redis.TxFailedErr):
		// The epoch key changed between WATCH and EXEC, which only Clear does.
		return ErrStaleEpoch
	case err != nil:
		return fmt.Errorf("append session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, id string) (int64, error) {
	if err := validID(id); err != nil {
		return 0, err
	}
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, turnsKey(id))
		incr = pipe.Incr(ctx, epochKey(id))
		pipe.Expire(ctx, epochKey(id), s.opts.TTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear session %s: %w", id, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func epochValue(cmd *redis.StringCmd) (int64, error) {
	value, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}
