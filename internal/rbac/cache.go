package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "rbac:version"
	// InvalidationChannel carries version bumps between processes.
	InvalidationChannel = "rbac.bump"
)

// PermissionCache stores the permissions granted directly by a user's roles.
// Bump invalidates every entry at once.
type PermissionCache interface {
	Fetch(ctx context.Context, key string, loader func(context.Context) ([]string, error)) ([]string, error)
	Bump(ctx context.Context) error
}

// CacheKey builds the cache key for a user and the set of roles it holds.
// Role ids are sorted so assignment order does not matter.
func CacheKey(userID int64, roleIDs []int64) string {
	ids := append([]int64(nil), roleIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("rbac:direct:%d:%s", userID, strings.Join(parts, ","))
}

// RedisCache wraps Redis based caching with versioning controls.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache instantiates the cache helper.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *RedisCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Fetch loads a cached permission set or populates it using the loader.
func (c *RedisCache) Fetch(ctx context.Context, key string, loader func(context.Context) ([]string, error)) ([]string, error) {
	if loader == nil {
		return nil, errors.New("rbac cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return nil, err
	}
	versioned := fmt.Sprintf("%s:v%d", key, ver)
	payload, err := c.client.Get(ctx, versioned).Bytes()
	if err == nil {
		var perms []string
		if err := json.Unmarshal(payload, &perms); err == nil {
			return perms, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	perms, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return nil, err
	}
	// A bump that raced the load moved the version on; the entry written
	// here is unreachable and expires with the TTL.
	if err := c.client.Set(ctx, versioned, raw, c.ttl).Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// Bump invalidates the cache by incrementing the global version and publishing an event.
func (c *RedisCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, InvalidationChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation subscribes to version bumps from other processes and
// calls onBump for each one until ctx is cancelled.
func (c *RedisCache) ListenForInvalidation(ctx context.Context, onBump func(context.Context)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, InvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if onBump != nil {
					onBump(ctx)
				}
			}
		}
	}()
	return nil
}

// MemoryCache is an in-process PermissionCache with a generation counter and TTL.
type MemoryCache struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	gen   uint64
	items map[string]memoryItem
}

type memoryItem struct {
	gen       uint64
	perms     []string
	expiresAt time.Time
}

// NewMemoryCache creates a new in-process cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{ttl: ttl, now: time.Now, items: make(map[string]memoryItem)}
}

// Fetch returns the cached set for key or loads and stores it.
func (c *MemoryCache) Fetch(ctx context.Context, key string, loader func(context.Context) ([]string, error)) ([]string, error) {
	if loader == nil {
		return nil, errors.New("rbac cache: loader required")
	}
	c.mu.RLock()
	item, ok := c.items[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok && item.gen == gen && c.now().Before(item.expiresAt) {
		return append([]string(nil), item.perms...), nil
	}

	perms, err := loader(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Only store when no bump happened during the load.
	if c.gen == gen {
		c.items[key] = memoryItem{gen: gen, perms: append([]string(nil), perms...), expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return perms, nil
}

// Bump drops every cached entry.
func (c *MemoryCache) Bump(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.items = make(map[string]memoryItem)
	return nil
}
