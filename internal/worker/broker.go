package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ErrQueueEmpty is returned by Broker.Pop when nothing arrived in time.
var ErrQueueEmpty = errors.New("queue empty")

// permanent reports whether err is a PostgreSQL data exception (class 22) or
// integrity violation (class 23). The same row fails the same way on retry.
func permanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

// Broker is the list and key surface the workers need from Redis.
type Broker interface {
	// Pop removes the head of queue, blocking up to timeout. A zero timeout
	// does not block.
	Pop(ctx context.Context, queue string, timeout time.Duration) (string, error)
	// Push appends items to the tail of queue in one round trip.
	Push(ctx context.Context, queue string, items ...string) error
	Del(ctx context.Context, keys ...string) error
}

// RedisBroker implements Broker with BLPOP/LPOP and pipelined RPUSH.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Pop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		item, err := b.rdb.LPop(ctx, queue).Result()
		if errors.Is(err, redis.Nil) {
			return "", ErrQueueEmpty
		}
		return item, err
	}

	// BLPop blocks for timeout. Returns immediately if data exists.
	result, err := b.rdb.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrQueueEmpty
		}
		return "", err
	}
	if len(result) < 2 {
		return "", ErrQueueEmpty
	}
	return result[1], nil
}

func (b *RedisBroker) Push(ctx context.Context, queue string, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, item := range items {
		pipe.RPush(ctx, queue, item)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	return err
}
