// Package redis wraps go-redis/v9 with the claim primitives the run registry
// builds on: an atomic set-if-absent that reports the previous value, and an
// owner-checked delete.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/config"
	"github.com/redis/go-redis/v9"
)

// deleteIfEquals removes KEYS[1] only while it still holds ARGV[1].
var deleteIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Claim writes value under key if the key is absent. When the key already
// exists nothing is written and its current value is returned. Uses
// SET NX GET, so it needs Redis 7.0 or newer.
func (c *Client) Claim(ctx context.Context, key, value string, ttl time.Duration) (prev string, acquired bool, err error) {
	prev, err = c.rdb.SetArgs(ctx, key, value, redis.SetArgs{Mode: "NX", TTL: ttl, Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	return prev, false, nil
}

// Set stores a value with the given TTL; zero means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Release deletes key if it still holds value and reports whether it did.
func (c *Client) Release(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEquals.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
