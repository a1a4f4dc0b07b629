// Package similarity ranks existing suggestions and formal proposals against a
// query text so submitters can spot duplicates before filing.
package similarity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one cached embedding.
type Entry struct {
	Kind   string    `json:"kind"`
	ID     int64     `json:"id"`
	Title  string    `json:"title"`
	Vector []float32 `json:"vector"`
}

// RedisCache keeps embeddings in Redis, one JSON value per proposal plus a
// set holding every key so the whole candidate pool can be loaded at once.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "similarity:"}
}

func (c *RedisCache) key(kind string, id int64) string {
	return c.prefix + "vec:" + kind + ":" + strconv.FormatInt(id, 10)
}

func (c *RedisCache) indexKey() string {
	return c.prefix + "keys"
}

// Put stores or replaces the embedding for entry.
func (c *RedisCache) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal vector entry: %w", err)
	}
	key := c.key(entry.Kind, entry.ID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, c.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save vector %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, kind string, id int64) error {
	key := c.key(kind, id)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, c.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete vector %s: %w", key, err)
	}
	return nil
}

// All loads the full candidate pool. Keys listed in the index whose value has
// gone missing are skipped.
func (c *RedisCache) All(ctx context.Context) ([]Entry, error) {
	keys, err := c.client.SMembers(ctx, c.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list vector keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal vector %s: %w", keys[i], err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
