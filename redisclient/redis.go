package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcewatch/sourcewatch/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a redis connection used as optional distributed backing for
// the budget ledger when sourcewatch runs as more than one process.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns nil, nil if
// no REDIS_URL is configured — the budget ledger falls back to in-process
// rate limiting in that case.
func New(cfg *config.Config) (*Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Raw exposes the underlying client for packages that need direct access.
func (r *Client) Raw() *redis.Client {
	return r.c
}
