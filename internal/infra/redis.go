package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects the client behind the fiscal job queue, the DLQ lists
// and the fiscal config cache. Intake goroutines each hold a connection in
// BRPOP, so the pool gets headroom above the go-redis default.
func NewRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = "xpos-server"
	}
	if opts.PoolSize < 20 {
		opts.PoolSize = 20
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
