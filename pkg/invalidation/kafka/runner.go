// Package kafka consumes layer change events from Kafka and drops the cached index
// sub-trees they make stale.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/olp-quadindex/internal/invalidation"
	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

// Invalidator is the index cache as seen by the runner.
type Invalidator interface {
	InvalidateRoots(ctx context.Context, layer string, roots []quadkey.QuadKey, depth int) error
	PurgeLayer(ctx context.Context, layer string) error
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	cache    Invalidator
	depth    int
	catalog  string
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// IndexDepth must match the resolver's so the invalidated roots are the fetched ones.
	IndexDepth int
	// Catalog, when set, skips events that name another catalog.
	Catalog string
}

func New(cfg InvalidationConfig, c Invalidator, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IndexDepth <= 0 {
		opts.IndexDepth = 4
	}
	return &Runner{
		log:     opts.Logger,
		cfg:     cfg,
		cache:   c,
		depth:   opts.IndexDepth,
		catalog: opts.Catalog,
		ms:      newMetricSet(opts.Register),
		ver:     newVersionDedupe(8192),
		assign:  map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.cache == nil {
		return errors.New("kafka runner: cache dependency is required")
	}

	cfg, err := r.cfg.saramaConfig()
	if err != nil {
		return err
	}

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers, "depth", r.depth)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage returns an error only for failures worth retrying; undecodable or
// invalid events are counted and skipped so they cannot block the partition.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("invalidation event undecodable", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("invalidation event rejected", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	err := r.apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	return err
}

// apply dedupes versions per invalidated target: one index root, or the whole layer.
func (r *Runner) apply(ctx context.Context, ev invalidation.Event) error {
	if r.catalog != "" && ev.Catalog != "" && ev.Catalog != r.catalog {
		r.ms.apply.WithLabelValues("skip_catalog").Inc()
		return nil
	}
	layerKey := ev.Catalog + "/" + ev.Layer

	if ev.WholeLayer() {
		k := layerKey + "/*"
		if !r.ver.shouldApply(k, ev.Version) {
			r.ms.apply.WithLabelValues("skip_version").Inc()
			return nil
		}
		if err := r.cache.PurgeLayer(ctx, ev.Layer); err != nil {
			r.ver.forget(k, ev.Version)
			return fmt.Errorf("purge %s: %w", ev.Layer, err)
		}
		r.ms.apply.WithLabelValues("purge").Inc()
		r.log.Info("layer purged", "layer", ev.Layer, "version", ev.Version, "op", ev.Op)
		return nil
	}

	roots, err := ev.AffectedRoots(r.depth)
	if err != nil {
		return fmt.Errorf("affected roots: %w", err)
	}
	var (
		todo []quadkey.QuadKey
		keys []string
	)
	for _, root := range roots {
		code, err := quadkey.Encode(root)
		if err != nil {
			return err
		}
		k := fmt.Sprintf("%s/%d", layerKey, uint64(code))
		if !r.ver.shouldApply(k, ev.Version) {
			r.ms.apply.WithLabelValues("skip_version").Inc()
			continue
		}
		todo = append(todo, root)
		keys = append(keys, k)
	}
	if len(todo) == 0 {
		return nil
	}
	if err := r.cache.InvalidateRoots(ctx, ev.Layer, todo, r.depth); err != nil {
		for _, k := range keys {
			r.ver.forget(k, ev.Version)
		}
		return fmt.Errorf("invalidate %d roots of %s: %w", len(todo), ev.Layer, err)
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(len(todo)))
	r.log.Debug("index roots invalidated", "layer", ev.Layer, "version", ev.Version, "tiles", len(ev.QuadKeys), "roots", len(todo))
	return nil
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
