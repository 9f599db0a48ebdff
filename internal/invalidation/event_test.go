package invalidation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate_HappyPath(t *testing.T) {
	ev := Event{Version: 12, Op: OpUpdate, Layer: "roads", TS: mustTS(), QuadKeys: []string{"377894440", "256"}}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if ev.WholeLayer() {
		t.Fatalf("event with quadkeys is not a whole-layer event")
	}
}

func TestEvent_Validate_Rejects(t *testing.T) {
	base := Event{Version: 1, Op: OpUpdate, Layer: "roads", TS: mustTS()}
	cases := map[string]func(*Event){
		"no version": func(e *Event) { e.Version = 0 },
		"bad op":     func(e *Event) { e.Op = "upsert" },
		"no layer":   func(e *Event) { e.Layer = "  " },
		"no ts":      func(e *Event) { e.TS = time.Time{} },
		"bad code":   func(e *Event) { e.QuadKeys = []string{"2"} },
		"not number": func(e *Event) { e.QuadKeys = []string{"abc"} },
	}
	for name, mutate := range cases {
		ev := base
		mutate(&ev)
		if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: err=%v want ErrInvalidEvent", name, err)
		}
	}
}

func TestEvent_WholeLayer(t *testing.T) {
	if !(Event{Op: OpUpdate}).WholeLayer() {
		t.Fatalf("event without quadkeys must cover the whole layer")
	}
	if !(Event{Op: OpPurge, QuadKeys: []string{"4"}}).WholeLayer() {
		t.Fatalf("purge must cover the whole layer")
	}
}

func TestEvent_JSON(t *testing.T) {
	raw := `{"version":7,"op":"delete","catalog":"hrn:here:data::olp-here:rib-2","layer":"roads","quadkeys":["6"],"ts":"2025-10-26T12:30:45Z"}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Version != 7 || ev.Op != OpDelete || ev.Layer != "roads" || len(ev.QuadKeys) != 1 || !ev.TS.Equal(mustTS()) {
		t.Fatalf("decoded %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAffectedRoots_AncestorsWithinDepth(t *testing.T) {
	tile := quadkey.QuadKey{Level: 6, Row: 45, Column: 17}
	c, _ := quadkey.Encode(tile)
	ev := Event{QuadKeys: []string{c.String()}}

	roots, err := ev.AffectedRoots(4)
	if err != nil {
		t.Fatalf("AffectedRoots: %v", err)
	}
	if len(roots) != 5 {
		t.Fatalf("roots=%v want levels 2..6", roots)
	}
	for i, r := range roots {
		if r.Level != uint32(2+i) {
			t.Fatalf("roots not in Morton order by level: %v", roots)
		}
		if !r.IsAncestorOf(tile) {
			t.Fatalf("%s is not an ancestor of %s", r, tile)
		}
	}
}

func TestAffectedRoots_ShallowTileStopsAtLevelZero(t *testing.T) {
	ev := Event{QuadKeys: []string{"6", "7"}}
	roots, err := ev.AffectedRoots(4)
	if err != nil {
		t.Fatalf("AffectedRoots: %v", err)
	}
	want := []quadkey.QuadKey{{}, {Level: 1, Row: 1}, {Level: 1, Row: 1, Column: 1}}
	if len(roots) != len(want) {
		t.Fatalf("roots=%v want %v", roots, want)
	}
	for i := range want {
		if roots[i] != want[i] {
			t.Fatalf("roots=%v want %v", roots, want)
		}
	}
}

func TestAffectedRoots_CoversResolverRoot(t *testing.T) {
	// whatever key the resolver is asked for, the root it fetches must be invalidated
	// when that key changes
	const depth = 3
	for _, q := range []quadkey.QuadKey{{Level: 9, Row: 300, Column: 7}, {Level: 2, Row: 1, Column: 3}} {
		c, _ := quadkey.Encode(q)
		roots, err := Event{QuadKeys: []string{c.String()}}.AffectedRoots(depth)
		if err != nil {
			t.Fatalf("AffectedRoots: %v", err)
		}
		fetched, _ := quadkey.ComputeParentKey(q, min(depth, int(q.Level)))
		found := false
		for _, r := range roots {
			found = found || r == fetched
		}
		if !found {
			t.Fatalf("root %s of %s missing from %v", fetched, q, roots)
		}
	}
}

func TestAffectedRoots_BadDepth(t *testing.T) {
	if _, err := (Event{QuadKeys: []string{"4"}}).AffectedRoots(0); err == nil {
		t.Fatalf("expected error for depth 0")
	}
}
