package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/olp-quadindex/internal/core/config"
	"github.com/mohammed-shakir/olp-quadindex/internal/invalidation"
	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

type invalidateCall struct {
	layer string
	roots []quadkey.QuadKey
	depth int
}

type fakeCache struct {
	mu     sync.Mutex
	calls  []invalidateCall
	purged []string
	err    error
}

func (f *fakeCache) InvalidateRoots(_ context.Context, layer string, roots []quadkey.QuadKey, depth int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invalidateCall{layer: layer, roots: roots, depth: depth})
	return f.err
}

func (f *fakeCache) PurgeLayer(_ context.Context, layer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, layer)
	return f.err
}

func message(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func newRunner(fc *fakeCache, reg prometheus.Registerer) *Runner {
	cfg := InvalidationConfig{Enabled: true, Driver: DriverKafka}
	return New(cfg, fc, Options{Register: reg, IndexDepth: 2, Catalog: "hrn:a"})
}

func TestHandleMessage_InvalidatesAffectedRoots(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())

	tile := quadkey.QuadKey{Level: 5, Row: 9, Column: 30}
	code, _ := quadkey.Encode(tile)
	ev := invalidation.Event{Version: 3, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{code.String()}, TS: time.Now().UTC()}

	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(fc.calls) != 1 {
		t.Fatalf("invalidate calls=%d want 1", len(fc.calls))
	}
	c := fc.calls[0]
	if c.layer != "roads" || c.depth != 2 || len(c.roots) != 3 {
		t.Fatalf("call=%+v want 3 roots at depth 2", c)
	}
	for _, root := range c.roots {
		if !root.IsAncestorOf(tile) || tile.Level-root.Level > 2 {
			t.Fatalf("unexpected root %s for %s", root, tile)
		}
	}
}

func TestHandleMessage_VersionDedupe(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())
	ctx := context.Background()

	ev := invalidation.Event{Version: 5, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{"6"}, TS: time.Now().UTC()}
	for range 2 {
		if err := r.handleMessage(ctx, message(t, ev)); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	ev.Version = 4
	_ = r.handleMessage(ctx, message(t, ev))
	if len(fc.calls) != 1 {
		t.Fatalf("duplicate or older versions must be skipped, calls=%d", len(fc.calls))
	}

	// versions are tracked per layer
	ev.Layer = "buildings"
	_ = r.handleMessage(ctx, message(t, ev))
	if len(fc.calls) != 2 {
		t.Fatalf("other layer must apply, calls=%d", len(fc.calls))
	}
}

func TestHandleMessage_SameVersionOtherTilesApplies(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())
	ctx := context.Background()

	tileCode := func(q quadkey.QuadKey) string {
		c, err := quadkey.Encode(q)
		if err != nil {
			t.Fatalf("encode %s: %v", q, err)
		}
		return c.String()
	}
	first := quadkey.QuadKey{Level: 5, Row: 9, Column: 30}
	second := quadkey.QuadKey{Level: 5, Row: 1, Column: 1}
	late := quadkey.QuadKey{Level: 5, Row: 20, Column: 3}

	for _, ev := range []invalidation.Event{
		{Version: 7, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{tileCode(first)}, TS: time.Now()},
		{Version: 7, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{tileCode(second)}, TS: time.Now()},
		// older version from another partition, for a tile nothing newer touched
		{Version: 6, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{tileCode(late)}, TS: time.Now()},
	} {
		if err := r.handleMessage(ctx, message(t, ev)); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	if len(fc.calls) != 3 {
		t.Fatalf("invalidate calls=%d want 3", len(fc.calls))
	}
	for i, tile := range []quadkey.QuadKey{first, second, late} {
		found := false
		for _, root := range fc.calls[i].roots {
			if root == tile {
				found = true
			}
		}
		if !found {
			t.Fatalf("call %d roots=%v missing %s", i, fc.calls[i].roots, tile)
		}
	}

	// replaying the first event changes nothing
	ev := invalidation.Event{Version: 7, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{tileCode(first)}, TS: time.Now()}
	_ = r.handleMessage(ctx, message(t, ev))
	if len(fc.calls) != 3 {
		t.Fatalf("replayed event must be skipped, calls=%d", len(fc.calls))
	}
}

func TestHandleMessage_WholeLayerPurges(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())
	ctx := context.Background()

	_ = r.handleMessage(ctx, message(t, invalidation.Event{Version: 1, Op: invalidation.OpUpdate, Layer: "roads", TS: time.Now()}))
	_ = r.handleMessage(ctx, message(t, invalidation.Event{Version: 1, Op: invalidation.OpPurge, Layer: "water", QuadKeys: []string{"4"}, TS: time.Now()}))

	if len(fc.calls) != 0 {
		t.Fatalf("whole-layer events must not invalidate roots")
	}
	if strings.Join(fc.purged, ",") != "roads,water" {
		t.Fatalf("purged=%v", fc.purged)
	}
}

func TestHandleMessage_SkipsOtherCatalog(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())
	ev := invalidation.Event{Version: 1, Op: invalidation.OpDelete, Catalog: "hrn:b", Layer: "roads", QuadKeys: []string{"4"}, TS: time.Now()}
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(fc.calls)+len(fc.purged) != 0 {
		t.Fatalf("event for another catalog must be skipped")
	}
}

func TestHandleMessage_InvalidEventsSkipped(t *testing.T) {
	fc := &fakeCache{}
	reg := prometheus.NewRegistry()
	r := newRunner(fc, reg)
	ctx := context.Background()

	bad := []*sarama.ConsumerMessage{
		{Value: []byte("{not json")},
		message(t, invalidation.Event{Version: 1, Op: "upsert", Layer: "roads", TS: time.Now()}),
		message(t, invalidation.Event{Version: 1, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{"3"}, TS: time.Now()}),
	}
	for i, msg := range bad {
		if err := r.handleMessage(ctx, msg); err != nil {
			t.Fatalf("msg %d: invalid events must not block the partition: %v", i, err)
		}
	}
	if len(fc.calls)+len(fc.purged) != 0 {
		t.Fatalf("invalid events must not reach the cache")
	}

	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `invalidation_messages_total{result="invalid"} 3`) {
		t.Fatalf("missing invalid counter; got:\n%s", rr.Body.String())
	}
}

func TestHandleMessage_MessageTimestampFillsTS(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())
	msg := &sarama.ConsumerMessage{
		Timestamp: time.Now(),
		Value:     []byte(`{"version":2,"op":"insert","layer":"roads","quadkeys":["5"]}`),
	}
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(fc.calls) != 1 {
		t.Fatalf("event without ts must fall back to the message timestamp")
	}
}

func TestHandleMessage_CacheFailureIsRetryable(t *testing.T) {
	fc := &fakeCache{err: errors.New("redis down")}
	r := newRunner(fc, prometheus.NewRegistry())
	ev := invalidation.Event{Version: 9, Op: invalidation.OpUpdate, Layer: "roads", QuadKeys: []string{"6"}, TS: time.Now()}

	if err := r.handleMessage(context.Background(), message(t, ev)); err == nil {
		t.Fatalf("expected error so the message is redelivered")
	}
	fc.err = nil
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(fc.calls) != 2 {
		t.Fatalf("redelivered event must be applied again, calls=%d", len(fc.calls))
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(InvalidationConfig{Driver: DriverNone}, nil, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ready, _ := r.Readiness(); ready {
		t.Fatalf("disabled runner must not report readiness")
	}
	r.Stop()
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.InvalidationCfg{Enabled: true, Driver: " Kafka ", Brokers: "a:9092, ,b:9092", Topic: "t", GroupID: "g"})
	if c.Driver != DriverKafka || len(c.Brokers) != 2 || c.Brokers[1] != "b:9092" {
		t.Fatalf("config=%+v", c)
	}
	if _, err := c.saramaConfig(); err != nil {
		t.Fatalf("saramaConfig: %v", err)
	}

	c.SASL = config.SASLCfg{Enable: true, Mechanism: "SCRAM-SHA-512", Username: "u", Password: "p"}
	if _, err := c.saramaConfig(); err == nil {
		t.Fatalf("expected unsupported mechanism error")
	}
	c.SASL.Mechanism = "plain"
	if _, err := c.saramaConfig(); err != nil {
		t.Fatalf("plain sasl: %v", err)
	}
	c.TLS = config.TLSCfg{Enable: true, CAFile: "/does/not/exist"}
	if _, err := c.saramaConfig(); err == nil {
		t.Fatalf("expected error for missing CA file")
	}
}
