package introspect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	bigcachestore "github.com/eko/gocache/store/bigcache/v4"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"

	"sqlgateway/internal/domain"
)

// Snapshot is everything a batch catalog pass returns for one data source.
type Snapshot struct {
	Databases   []domain.Database   `json:"databases"`
	Schemas     []domain.Schema     `json:"schemas"`
	Tables      []domain.Table      `json:"tables"`
	Columns     []domain.Column     `json:"columns"`
	Views       []domain.View       `json:"views"`
	Indexes     []domain.Index      `json:"indexes"`
	ForeignKeys []domain.ForeignKey `json:"foreignKeys"`
	LastFetched time.Time           `json:"lastFetched"`
}

// SnapshotCache stores snapshots by data source key. Freshness is decided by
// the caller from Snapshot.LastFetched; ttl is a hint for backends that expire
// entries on their own.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (*Snapshot, bool)
	Set(ctx context.Context, key string, snap *Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a process-local SnapshotCache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]*Snapshot
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]*Snapshot)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.items[key]
	return s, ok
}

func (c *MemoryCache) Set(_ context.Context, key string, snap *Snapshot, _ time.Duration) error {
	c.mu.Lock()
	c.items[key] = snap
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// GocacheStore keeps snapshots in a gocache backend, serialized through the
// gocache marshaler so byte-oriented stores (bigcache, redis) can hold them.
type GocacheStore struct {
	m      *marshaler.Marshaler
	prefix string
}

func NewGocacheStore(cm cache.CacheInterface[any]) *GocacheStore {
	return &GocacheStore{m: marshaler.New(cm), prefix: "introspection:"}
}

// NewBigcacheStore returns an in-process store whose entries expire after ttl.
func NewBigcacheStore(ctx context.Context, ttl time.Duration) (*GocacheStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Verbose = false
	client, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bigcache: %w", err)
	}
	return NewGocacheStore(cache.New[any](bigcachestore.NewBigcache(client))), nil
}

// NewRedisStore returns a store shared by every process pointed at addr.
func NewRedisStore(addr, password string, db int) *GocacheStore {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewGocacheStore(cache.New[any](redisstore.NewRedis(client)))
}

func (s *GocacheStore) Get(ctx context.Context, key string) (*Snapshot, bool) {
	var snap Snapshot
	if _, err := s.m.Get(ctx, s.prefix+key, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func (s *GocacheStore) Set(ctx context.Context, key string, snap *Snapshot, ttl time.Duration) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	return s.m.Set(ctx, s.prefix+key, snap, store.WithExpiration(ttl))
}

func (s *GocacheStore) Delete(ctx context.Context, key string) error {
	return s.m.Delete(ctx, s.prefix+key)
}
