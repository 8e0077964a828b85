// Package queue pushes JSON payloads onto the Redis lists drained by the
// persistence workers and publishes monitor messages.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Remembered values outlive the session so reconnecting clients can read them.
const rememberTTL = 24 * time.Hour

// Producer wraps a Redis client for list and Pub/Sub writes.
type Producer struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewProducer creates a new Producer.
func NewProducer(rdb *redis.Client, log zerolog.Logger) *Producer {
	return &Producer{
		rdb: rdb,
		log: log.With().Str("component", "queue_producer").Logger(),
	}
}

// Enqueue appends v, JSON-encoded, to the tail of the named list.
func (p *Producer) Enqueue(ctx context.Context, queue string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	if err := p.rdb.RPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queue, err)
	}
	return nil
}

// Publish sends v, JSON-encoded, to a Pub/Sub channel. Having no subscribers
// is not an error.
func (p *Producer) Publish(ctx context.Context, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", channel, err)
	}
	if err := p.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Remember stores v under key for rememberTTL.
func (p *Producer) Remember(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := p.rdb.Set(ctx, key, raw, rememberTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	p.log.Debug().Str("key", key).Msg("Stored value")
	return nil
}

// Stash writes v into field of the hash at key. Autosaved answers live there
// until the outcome worker clears them.
func (p *Producer) Stash(ctx context.Context, key, field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", key, field, err)
	}
	if err := p.rdb.HSet(ctx, key, field, raw).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}
