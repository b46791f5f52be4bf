package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xihan123/doro-collector-api/pkg/models"
)

const popularTagsKeyPrefix = "doro:tags:popular:"

// Cache is an optional redis-backed read cache. A nil *Cache is valid and
// turns every operation into a no-op, so callers never need to branch on
// whether caching is configured.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to redis. An empty address disables caching (nil return).
func New(addr, password string, db int, ttl time.Duration, logger *zap.Logger) *Cache {
	if addr == "" {
		return nil
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

// Close releases the redis connection
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// GetPopularTags returns the cached popular-tag ranking for the limit, if any
func (c *Cache) GetPopularTags(ctx context.Context, limit int) ([]models.PopularTag, bool) {
	if c == nil {
		return nil, false
	}
	payload, err := c.rdb.Get(ctx, popularTagsKey(limit)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var tags []models.PopularTag
	if err := json.Unmarshal(payload, &tags); err != nil {
		c.logger.Warn("cache payload corrupt, dropping", zap.Error(err))
		c.rdb.Del(ctx, popularTagsKey(limit))
		return nil, false
	}
	return tags, true
}

// SetPopularTags stores a popular-tag ranking
func (c *Cache) SetPopularTags(ctx context.Context, limit int, tags []models.PopularTag) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(tags)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, popularTagsKey(limit), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
}

// InvalidateTags drops every cached tag ranking. Called after any mutation
// that can change usage counts.
func (c *Cache) InvalidateTags(ctx context.Context) {
	if c == nil {
		return
	}
	iter := c.rdb.Scan(ctx, 0, popularTagsKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		c.rdb.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

func popularTagsKey(limit int) string {
	return fmt.Sprintf("%s%d", popularTagsKeyPrefix, limit)
}
