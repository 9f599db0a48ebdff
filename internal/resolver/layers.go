package resolver

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxLayers bounds how many per-layer resolvers are kept at once.
const DefaultMaxLayers = 1024

var ErrEmptyLayer = errors.New("layer name is required")

// GatewayFactory returns the gateway serving one layer.
type GatewayFactory func(layer string) Gateway

// Layers keeps one Resolver per layer, built on first use. Layer names come from
// requests, so the set is an LRU of at most maxLayers entries; an evicted layer is
// rebuilt on its next request.
type Layers struct {
	cfg  Config
	opts []Option
	gw   GatewayFactory

	mu      sync.Mutex
	byLayer *lru.Cache[string, *Resolver]
}

// NewLayers keeps at most maxLayers resolvers; maxLayers <= 0 uses DefaultMaxLayers.
func NewLayers(cfg Config, gw GatewayFactory, maxLayers int, opts ...Option) (*Layers, error) {
	if gw == nil {
		return nil, errors.New("resolver: gateway factory is required")
	}
	// fail on a bad config now rather than on the first request
	if _, err := New(nopGateway{}, cfg, opts...); err != nil {
		return nil, err
	}
	if maxLayers <= 0 {
		maxLayers = DefaultMaxLayers
	}
	c, err := lru.New[string, *Resolver](maxLayers)
	if err != nil {
		return nil, fmt.Errorf("resolver layers lru: %w", err)
	}
	return &Layers{cfg: cfg, opts: opts, gw: gw, byLayer: c}, nil
}

func (l *Layers) For(layer string) (*Resolver, error) {
	layer = strings.TrimSpace(layer)
	if layer == "" {
		return nil, ErrEmptyLayer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.byLayer.Get(layer); ok {
		return r, nil
	}
	r, err := New(l.gw(layer), l.cfg, l.opts...)
	if err != nil {
		return nil, err
	}
	l.byLayer.Add(layer, r)
	return r, nil
}

// Len is the number of resolvers currently kept.
func (l *Layers) Len() int { return l.byLayer.Len() }

type nopGateway struct{ Gateway }
