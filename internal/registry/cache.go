package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// Cache is a Redis read-through cache in front of the room store, keyed
// by pair key. Misses and Redis failures fall through to the store.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// CacheConfig holds Redis cache settings.
type CacheConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewCache connects to Redis and returns a room cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (c *Cache) key(pairKey string) string {
	return fmt.Sprintf("%s:pair:%s", c.prefix, pairKey)
}

// Get returns the cached room for pairKey, if present.
func (c *Cache) Get(ctx context.Context, pairKey string) (*domain.Room, bool) {
	data, err := c.client.Get(ctx, c.key(pairKey)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("room cache read failed")
		}
		return nil, false
	}

	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, false
	}
	return &room, true
}

// Set stores the room under pairKey with the configured TTL.
func (c *Cache) Set(ctx context.Context, pairKey string, room *domain.Room) {
	data, err := json.Marshal(room)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(pairKey), data, c.ttl).Err(); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("room cache write failed")
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
