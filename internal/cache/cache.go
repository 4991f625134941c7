// Package cache provides the short-TTL market data cache used by provider
// adapters to avoid re-fetching quotes and chains inside one scan.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache is the minimal byte cache behind quote/chain lookups.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

// Config selects the backing store. An empty RedisAddr means in-memory.
type Config struct {
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// New builds a cache from config: redis when an address is set, otherwise a
// process-local map.
func New(cfg Config) Cache {
	if cfg.RedisAddr != "" {
		return &redisCache{r: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})}
	}
	return NewMemory()
}

// GetJSON unmarshals a cached entry into out, reporting whether it was found.
func GetJSON(c Cache, key string, out any) bool {
	b, ok := c.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

// SetJSON marshals v into the cache; marshal failures are dropped silently,
// a cache miss later is the worst case.
func SetJSON(c Cache, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Set(key, b, ttl)
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}

type entry struct {
	b   []byte
	exp time.Time
}

// NewMemory returns a process-local cache.
func NewMemory() Cache { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(c.m, key)
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

type redisCache struct{ r *redis.Client }

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}
