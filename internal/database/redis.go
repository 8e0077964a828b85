package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// clientName tags our connections in CLIENT LIST.
const clientName = "exstem-proctor"

// redisOptions parses the Redis URL and applies pool sizing. Settings given in
// the URL itself win over the environment.
func redisOptions(cfg *config.Config) (*redis.Options, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if opt.PoolSize == 0 && cfg.RedisPoolSize > 0 {
		opt.PoolSize = cfg.RedisPoolSize
	}
	if opt.ReadTimeout == 0 && cfg.RedisReadTimeout > 0 {
		opt.ReadTimeout = cfg.RedisReadTimeout
	}
	if opt.ClientName == "" {
		opt.ClientName = clientName
	}
	return opt, nil
}

// NewRedisClient builds the client behind the work queues, the violation feed
// and monitor fan-out, and pings it once.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opt.Addr, err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Int("pool_size", opt.PoolSize).
		Dur("read_timeout", opt.ReadTimeout).
		Msg("Redis client ready")

	return rdb, nil
}
