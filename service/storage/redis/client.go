package redis

import (
	"context"
	"time"

	"ChatRelay/global"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// NewClient connects to c.Addr and pings it.
func NewClient(ctx context.Context, c global.RedisConfig) (*redis.Client, error) {
	if c.Addr == "" {
		return nil, errors.New("redis addr missing")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", c.Addr)
	}
	return rdb, nil
}
