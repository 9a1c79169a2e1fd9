// Package redis keeps level snapshots in Redis.
package redis

import (
	"context"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/config"
	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/go-redis/redis/v8"
)

// Client is a go-redis client whose keys share one prefix.
type Client struct {
	client *redis.Client
	prefix string
}

// New connects and pings. Snapshot writes sit on the wager path, so the
// read and write timeouts are kept short.
func New(cfg config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.WrapWithDebug(err, apperrors.ErrRedisError, "failed to connect to Redis", cfg.Addr)
	}
	return NewFromClient(client, cfg.KeyPrefix), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "progressive"
	}
	return &Client{client: client, prefix: prefix}
}

// Key joins parts under the prefix: Key("lease", "levels") is
// "progressive:lease:levels".
func (r *Client) Key(parts ...string) string {
	return strings.Join(append([]string{r.prefix}, parts...), ":")
}

func (r *Client) Close() error {
	return r.client.Close()
}
