package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/baechuer/confbook/internal/domain"
)

type Cache struct {
	Client *redis.Client
	ttl    time.Duration
}

func New(addr, pass string, db int, ttl time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb, ttl: ttl}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func confKey(name string) string {
	return "conference:" + name
}

// GetConference reads a cached conference by name. Slot counts in the
// cache are advisory only; booking decisions always reread the row under
// lock.
func (c *Cache) GetConference(ctx context.Context, name string) (*domain.Conference, error) {
	val, err := c.Client.Get(ctx, confKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, err
	}
	var conf domain.Conference
	if err := json.Unmarshal(val, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Cache) SetConference(ctx context.Context, conf *domain.Conference) error {
	val, err := json.Marshal(conf)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, confKey(conf.Name), val, c.ttl).Err()
}

func (c *Cache) InvalidateConference(ctx context.Context, name string) error {
	return c.Client.Del(ctx, confKey(name)).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	rlKey := "ratelimit:" + key
	count, err := c.Client.Incr(ctx, rlKey).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, rlKey, window).Err()
	}
	return count <= int64(limit), nil
}
