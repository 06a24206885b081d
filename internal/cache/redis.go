package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSummaryCache implements SummaryCache using Redis, so summaries survive
// restarts and are shared between hosts pointed at the same server.
//
// Next to each summary it keeps a per-model set of hashes; Forget reads that
// set instead of scanning the keyspace.
type RedisSummaryCache struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Prefix string
}

func NewRedisSummaryCache(client *redis.Client, config RedisConfig) *RedisSummaryCache {
	return &RedisSummaryCache{
		client: client,
		prefix: config.Prefix,
	}
}

func (c *RedisSummaryCache) withPrefix(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *RedisSummaryCache) key(k SummaryKey) string {
	return c.withPrefix(k.String())
}

// indexKey names the set of hashes cached for modelID.
func (c *RedisSummaryCache) indexKey(modelID string) string {
	return c.withPrefix("summary-index:" + modelID)
}

// Get returns ("", false, err) on Redis errors; callers treat that as a miss.
func (c *RedisSummaryCache) Get(ctx context.Context, key SummaryKey) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("context error: %w", err)
	}

	res, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}

	return res, true, nil
}

// Set writes the summary and indexes its hash under the model in one
// transaction. The index lives as long as the newest entry.
func (c *RedisSummaryCache) Set(ctx context.Context, key SummaryKey, summary string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	idx := c.indexKey(key.ModelID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ttl <= 0 {
			pipe.Del(ctx, c.key(key))
			pipe.SRem(ctx, idx, key.Hash)
			return nil
		}
		pipe.Set(ctx, c.key(key), summary, ttl)
		pipe.SAdd(ctx, idx, key.Hash)
		pipe.Expire(ctx, idx, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

func (c *RedisSummaryCache) Forget(ctx context.Context, modelID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error: %w", err)
	}

	idx := c.indexKey(modelID)
	hashes, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers failed: %w", err)
	}

	keys := make([]string, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, c.key(SummaryKey{ModelID: modelID, Hash: h}))
	}

	var removed *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			removed = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, idx)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis del failed: %w", err)
	}
	if removed == nil {
		return 0, nil
	}
	return int(removed.Val()), nil
}

// Ping checks if Redis connection is healthy.
func (c *RedisSummaryCache) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return c.client.Ping(ctx).Err()
}
