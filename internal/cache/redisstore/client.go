// Package redisstore is the Redis client shared by the tile and MOC stores.
// Every call is timed into the cache op metrics.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/mocgen/internal/core/observability"
)

// scanBatch bounds both the SCAN page size and the DEL batch in DelPrefix.
const scanBatch = 512

type Option func(*redis.Options)

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

// New dials addr and fails unless the server answers PING.
func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}
	c := &Client{rdb: redis.NewClient(ro)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// timed records op with its latency and returns err unchanged.
func timed(op string, start time.Time, err error) error {
	observability.ObserveCacheOp(op, err, time.Since(start).Seconds())
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	if err := timed("ping", time.Now(), c.rdb.Ping(ctx).Err()); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the value stored at key; found is false for a missing key.
func (c *Client) Get(ctx context.Context, key string) (val []byte, found bool, err error) {
	start := time.Now()
	val, err = c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		_ = timed("get", start, nil)
		return nil, false, nil
	case timed("get", start, err) != nil:
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return val, true, nil
}

// MGet fetches keys in one round trip. Missing keys are absent from the
// returned map.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	start := time.Now()
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if timed("mget", start, err) != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}
	for i, v := range vals {
		switch t := v.(type) {
		case nil:
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		default:
			out[keys[i]] = fmt.Append(nil, t)
		}
	}
	return out, nil
}

// Set stores val; a zero ttl keeps the key until it is deleted.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := timed("set", time.Now(), c.rdb.Set(ctx, key, val, ttl).Err()); err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// SetMany writes every entry of kv with the same ttl in a single pipeline.
func (c *Client) SetMany(ctx context.Context, kv map[string][]byte, ttl time.Duration) error {
	if len(kv) == 0 {
		return nil
	}
	start := time.Now()
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range kv {
			p.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if timed("mset", start, err) != nil {
		return fmt.Errorf("redis pipelined SET of %d keys: %w", len(kv), err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := timed("del", time.Now(), c.rdb.Del(ctx, keys...).Err()); err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// DelPrefix removes every key starting with prefix and reports how many were
// deleted. Keys are discovered with SCAN so large tile sets never block the
// server.
func (c *Client) DelPrefix(ctx context.Context, prefix string) (int, error) {
	start := time.Now()
	n, err := c.delScan(ctx, prefix+"*")
	if timed("del_prefix", start, err) != nil {
		return n, fmt.Errorf("redis DEL prefix %q: %w", prefix, err)
	}
	return n, nil
}

func (c *Client) delScan(ctx context.Context, match string) (int, error) {
	var n int
	batch := make([]string, 0, scanBatch)
	iter := c.rdb.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) < scanBatch {
			continue
		}
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return n, err
		}
		n += len(batch)
		batch = batch[:0]
	}
	if err := iter.Err(); err != nil {
		return n, err
	}
	if len(batch) > 0 {
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return n, err
		}
		n += len(batch)
	}
	return n, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
