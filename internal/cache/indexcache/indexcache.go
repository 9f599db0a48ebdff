// Package indexcache caches fetched index sub-trees in front of a resolver gateway: an
// in-process LRU tier, an optional shared Redis tier, and one upstream fetch per key at a time.
package indexcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/olp-quadindex/internal/cache/keys"
	"github.com/mohammed-shakir/olp-quadindex/internal/cache/redisstore"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/observability"
	"github.com/mohammed-shakir/olp-quadindex/internal/index"
	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
	"github.com/mohammed-shakir/olp-quadindex/internal/resolver"
)

// Store is the shared tier. A missing key is reported as redisstore.ErrMiss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelPrefix(ctx context.Context, prefix string) (int, error)
}

type Config struct {
	Catalog     string
	Size        int
	TTL         time.Duration
	TTLOverride map[string]time.Duration
	OpTimeout   time.Duration
}

type entry struct {
	res     index.FetchResult
	expires time.Time
}

type Cache struct {
	catalog   string
	ttl       time.Duration
	ttlOvr    map[string]time.Duration
	opTimeout time.Duration
	lru       *lru.Cache[string, entry]
	store     Store
	logger    *slog.Logger
	group     singleflight.Group

	mu  sync.Mutex
	gen map[string]uint64 // per layer, bumped by every invalidation

	now func() time.Time // for tests
}

// New builds the cache; store may be nil to run with the in-process tier only.
func New(cfg Config, store Store, logger *slog.Logger) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = 4096
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	l, err := lru.New[string, entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("index cache lru: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		catalog:   cfg.Catalog,
		ttl:       cfg.TTL,
		ttlOvr:    cfg.TTLOverride,
		opTimeout: cfg.OpTimeout,
		lru:       l,
		store:     store,
		logger:    logger,
		gen:       map[string]uint64{},
		now:       time.Now,
	}, nil
}

// Gateway decorates up, the gateway of one layer.
type Gateway struct {
	c     *Cache
	layer string
	up    resolver.Gateway
}

func (c *Cache) Layer(layer string, up resolver.Gateway) *Gateway {
	return &Gateway{c: c, layer: layer, up: up}
}

func (c *Cache) ttlFor(layer string) time.Duration {
	if d, ok := c.ttlOvr[layer]; ok && d > 0 {
		return d
	}
	return c.ttl
}

func (c *Cache) generation(layer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[layer]
}

func (c *Cache) bump(layer string) {
	c.mu.Lock()
	c.gen[layer]++
	c.mu.Unlock()
}

// FetchIndex serves root from the LRU tier, then the shared tier, then the upstream
// gateway. Upstream errors are returned unchanged and never cached.
func (g *Gateway) FetchIndex(ctx context.Context, root quadkey.QuadKey, depth int) (index.FetchResult, error) {
	code, err := quadkey.Encode(root)
	if err != nil {
		return index.FetchResult{}, err
	}
	c := g.c
	key := keys.IndexKey(c.catalog, g.layer, code, depth)

	if e, ok := c.lru.Get(key); ok {
		if c.now().Before(e.expires) {
			observability.IncIndexCache("lru", "hit")
			return e.res, nil
		}
		c.lru.Remove(key)
		observability.IncIndexCache("lru", "expired")
	} else {
		observability.IncIndexCache("lru", "miss")
	}

	gen := c.generation(g.layer)
	ch := c.group.DoChan(key, func() (any, error) {
		// shared by every waiter, so it must outlive the first caller's cancellation
		fctx := context.WithoutCancel(ctx)
		if res, ok := c.fromStore(fctx, key); ok {
			c.remember(g.layer, key, res, gen)
			return res, nil
		}
		res, err := g.up.FetchIndex(fctx, root, depth)
		if err != nil {
			return nil, err
		}
		c.remember(g.layer, key, res, gen)
		c.toStore(fctx, g.layer, key, res, gen)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return index.FetchResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return index.FetchResult{}, r.Err
		}
		return r.Val.(index.FetchResult), nil
	}
}

func (c *Cache) remember(layer, key string, res index.FetchResult, gen uint64) {
	if c.generation(layer) != gen {
		return
	}
	c.lru.Add(key, entry{res: res, expires: c.now().Add(c.ttlFor(layer))})
}

func (c *Cache) fromStore(ctx context.Context, key string) (index.FetchResult, bool) {
	if c.store == nil {
		return index.FetchResult{}, false
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	b, err := c.store.Get(opCtx, key)
	switch {
	case errors.Is(err, redisstore.ErrMiss):
		observability.IncIndexCache("redis", "miss")
		return index.FetchResult{}, false
	case err != nil:
		observability.IncIndexCache("redis", "error")
		c.logger.WarnContext(ctx, "index cache get failed", "key", key, "err", err)
		return index.FetchResult{}, false
	}
	var res index.FetchResult
	if err := json.Unmarshal(b, &res); err != nil {
		observability.IncIndexCache("redis", "error")
		c.logger.WarnContext(ctx, "index cache entry undecodable", "key", key, "err", err)
		return index.FetchResult{}, false
	}
	observability.IncIndexCache("redis", "hit")
	return res, true
}

func (c *Cache) toStore(ctx context.Context, layer, key string, res index.FetchResult, gen uint64) {
	if c.store == nil || c.generation(layer) != gen {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		c.logger.WarnContext(ctx, "index cache encode failed", "key", key, "err", err)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Set(opCtx, key, b, c.ttlFor(layer)); err != nil {
		c.logger.WarnContext(ctx, "index cache set failed", "key", key, "err", err)
	}
}

// InvalidateRoots drops the cached sub-trees of depth rooted at roots in both tiers.
func (c *Cache) InvalidateRoots(ctx context.Context, layer string, roots []quadkey.QuadKey, depth int) error {
	c.bump(layer)
	ks := make([]string, 0, len(roots))
	for _, r := range roots {
		code, err := quadkey.Encode(r)
		if err != nil {
			return err
		}
		k := keys.IndexKey(c.catalog, layer, code, depth)
		c.lru.Remove(k)
		c.group.Forget(k)
		ks = append(ks, k)
	}
	if c.store == nil || len(ks) == 0 {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Del(opCtx, ks...); err != nil {
		return fmt.Errorf("invalidate %d roots of %s: %w", len(ks), layer, err)
	}
	return nil
}

// PurgeLayer drops every cached sub-tree of layer, whatever its root or depth.
func (c *Cache) PurgeLayer(ctx context.Context, layer string) error {
	c.bump(layer)
	prefix := keys.LayerPrefix(c.catalog, layer)
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
			c.group.Forget(k)
		}
	}
	if c.store == nil {
		return nil
	}
	n, err := c.store.DelPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("purge layer %s: %w", layer, err)
	}
	c.logger.InfoContext(ctx, "index cache layer purged", "layer", layer, "redis_keys", n)
	return nil
}

// Len is the number of entries in the in-process tier.
func (c *Cache) Len() int { return c.lru.Len() }
