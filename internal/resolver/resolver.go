// Package resolver maps quad keys to data handles using depth-bounded fetches of a
// layer's quadtree index.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/olp-quadindex/internal/core/observability"
	"github.com/mohammed-shakir/olp-quadindex/internal/index"
	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

// DefaultIndexDepth is the platform's sub-tree depth per index request.
const DefaultIndexDepth = 4

var (
	ErrInvalidQuadKey    = quadkey.ErrInvalidQuadKey
	ErrInvalidMortonCode = quadkey.ErrInvalidMortonCode
	ErrMalformedIndex    = index.ErrMalformedIndex
)

// Gateway fetches the index sub-tree of the given depth rooted at root.
type Gateway interface {
	FetchIndex(ctx context.Context, root quadkey.QuadKey, depth int) (index.FetchResult, error)
}

// AggregatedResult is the handle found by an aggregated lookup and the tile that owns it,
// which is the requested tile or one of its ancestors.
type AggregatedResult struct {
	Handle  string
	QuadKey quadkey.QuadKey
}

type Config struct {
	IndexDepth int
	MaxLevel   uint32
}

type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver holds no per-call state and is safe for concurrent use.
type Resolver struct {
	gw       Gateway
	depth    int
	maxLevel uint32
	logger   *slog.Logger
	now      func() time.Time // for tests
}

func New(gw Gateway, cfg Config, opts ...Option) (*Resolver, error) {
	if gw == nil {
		return nil, fmt.Errorf("resolver: gateway is required")
	}
	if cfg.IndexDepth == 0 {
		cfg.IndexDepth = DefaultIndexDepth
	}
	if cfg.IndexDepth < 1 || cfg.IndexDepth > quadkey.MaxLevel {
		return nil, fmt.Errorf("resolver: index depth %d must be 1..%d", cfg.IndexDepth, quadkey.MaxLevel)
	}
	if cfg.MaxLevel == 0 || cfg.MaxLevel > quadkey.MaxLevel {
		cfg.MaxLevel = quadkey.MaxLevel
	}
	r := &Resolver{
		gw:       gw,
		depth:    cfg.IndexDepth,
		maxLevel: cfg.MaxLevel,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Resolver) IndexDepth() int { return r.depth }

func (r *Resolver) validate(q quadkey.QuadKey) error {
	if err := q.Valid(); err != nil {
		return err
	}
	if q.Level > r.maxLevel {
		return fmt.Errorf("%w: level %d exceeds configured max level %d", ErrInvalidQuadKey, q.Level, r.maxLevel)
	}
	return nil
}

// RootFor is the key whose index sub-tree contains q: its ancestor IndexDepth levels up,
// or the level 0 tile when q is shallower than that.
func (r *Resolver) RootFor(q quadkey.QuadKey) (quadkey.QuadKey, error) {
	return quadkey.ComputeParentKey(q, min(int(q.Level), r.depth))
}

// fetch loads and decodes the index for root. Gateway errors are returned as they came.
func (r *Resolver) fetch(ctx context.Context, root quadkey.QuadKey) (index.IndexMap, error) {
	start := r.now()
	res, err := r.gw.FetchIndex(ctx, root, r.depth)
	elapsed := r.now().Sub(start).Seconds()
	if err != nil {
		observability.ObserveIndexFetch("error", elapsed)
		r.logger.DebugContext(ctx, "index fetch failed", "root", root.String(), "err", err)
		return index.IndexMap{}, err
	}
	if res.Empty() {
		observability.ObserveIndexFetch("empty", elapsed)
	} else {
		observability.ObserveIndexFetch("ok", elapsed)
	}
	m, err := index.Build(root, res)
	if err != nil {
		return index.IndexMap{}, fmt.Errorf("decode index for %s: %w", root, err)
	}
	r.logger.DebugContext(ctx, "index fetched", "root", root.String(), "entries", m.Len())
	return m, nil
}

func (r *Resolver) indexForKey(ctx context.Context, q quadkey.QuadKey) (index.IndexMap, error) {
	if err := r.validate(q); err != nil {
		return index.IndexMap{}, err
	}
	root, err := r.RootFor(q)
	if err != nil {
		return index.IndexMap{}, err
	}
	return r.fetch(ctx, root)
}

// ResolveExact returns the handle of q itself. A tile without data is ok=false, err=nil.
func (r *Resolver) ResolveExact(ctx context.Context, q quadkey.QuadKey) (string, bool, error) {
	start := r.now()
	m, err := r.indexForKey(ctx, q)
	if err != nil {
		r.observe("exact", err, false, start)
		return "", false, err
	}
	h, ok := m.Lookup(q)
	r.observe("exact", nil, ok, start)
	return h, ok, nil
}

// ResolveAggregated returns the handle of q or of its nearest ancestor that has one.
// ok is false when no tile from q up to level 0 has data.
func (r *Resolver) ResolveAggregated(ctx context.Context, q quadkey.QuadKey) (AggregatedResult, bool, error) {
	start := r.now()
	m, err := r.indexForKey(ctx, q)
	if err != nil {
		r.observe("aggregated", err, false, start)
		return AggregatedResult{}, false, err
	}
	res, ok, err := FindAggregated(m, q)
	if err != nil {
		r.observe("aggregated", err, false, start)
		return AggregatedResult{}, false, err
	}
	r.observe("aggregated", nil, ok, start)
	return res, ok, nil
}

// FindAggregated walks from q towards level 0 one level at a time and returns the first
// tile present in m.
func FindAggregated(m index.IndexMap, q quadkey.QuadKey) (AggregatedResult, bool, error) {
	key := q
	for level := int(q.Level); level >= 0; level-- {
		if h, ok := m.Lookup(key); ok {
			return AggregatedResult{Handle: h, QuadKey: key}, true, nil
		}
		if level == 0 {
			break
		}
		parent, err := quadkey.ComputeParentKey(key, 1)
		if err != nil {
			return AggregatedResult{}, false, err
		}
		key = parent
	}
	return AggregatedResult{}, false, nil
}

// IndexFor fetches the index sub-tree rooted exactly at root.
func (r *Resolver) IndexFor(ctx context.Context, root quadkey.QuadKey) (index.IndexMap, error) {
	if err := r.validate(root); err != nil {
		return index.IndexMap{}, err
	}
	return r.fetch(ctx, root)
}

func (r *Resolver) observe(mode string, err error, hit bool, start time.Time) {
	outcome := "miss"
	switch {
	case err != nil && IsInvalidInput(err):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	case hit:
		outcome = "hit"
	}
	observability.ObserveResolve(mode, outcome, r.now().Sub(start).Seconds())
}

// IsInvalidInput reports whether err rejects the caller's key rather than the index data.
func IsInvalidInput(err error) bool {
	if errors.Is(err, ErrMalformedIndex) {
		return false
	}
	return errors.Is(err, ErrInvalidQuadKey) || errors.Is(err, ErrInvalidMortonCode)
}
