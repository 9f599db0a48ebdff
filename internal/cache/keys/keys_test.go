package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

const hrn = "hrn:here:data::olp-here:rib-2"

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := IndexKey(hrn, "topology-geometry", 256, 4)
	k2 := IndexKey(" "+hrn+" ", " topology-geometry ", 256, 4)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !regexp.MustCompile(`^qidx:[A-Za-z0-9_.\-]+:l=[0-9a-f]{16}:c=[0-9a-f]{16}:d=4:256$`).MatchString(k1) {
		t.Fatalf("unexpected key shape: %s", k1)
	}
}

func TestDifference_EachPartMatters(t *testing.T) {
	base := IndexKey(hrn, "roads", 256, 4)
	for name, k := range map[string]string{
		"catalog": IndexKey("hrn:here:data::olp-here:other", "roads", 256, 4),
		"layer":   IndexKey(hrn, "buildings", 256, 4),
		"root":    IndexKey(hrn, "roads", 257, 4),
		"depth":   IndexKey(hrn, "roads", 256, 3),
	} {
		if k == base {
			t.Fatalf("%s must change the key", name)
		}
	}
}

func TestLayerPrefix_CoversIndexKeys(t *testing.T) {
	p := LayerPrefix(hrn, "roads")
	if !strings.HasPrefix(IndexKey(hrn, "roads", 1, 4), p) {
		t.Fatalf("index key does not start with layer prefix %s", p)
	}
	if strings.HasPrefix(IndexKey(hrn, "roads-v2", 1, 4), p) {
		t.Fatalf("prefix of roads must not match roads-v2")
	}
	if strings.ContainsAny(p, "*?[]") {
		t.Fatalf("prefix contains glob metacharacters: %s", p)
	}
}

func TestUnicodeSafety_NoNonASCII(t *testing.T) {
	k := IndexKey("hrn:雪", "Göteborg: vägar*", 1, 4)
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if strings.ContainsAny(LayerPrefix("x", "a*b?[c]"), "*?[]") {
		t.Fatalf("layer glob characters must be sanitized")
	}
}

func TestLayersSanitizingAlikeStayDistinct(t *testing.T) {
	pairs := [][2]string{{"a:b", "a-b"}, {"a b", "a_b"}, {"a::b", "a:b"}, {"väg", "v-g"}}
	for _, p := range pairs {
		if sanitizeLayer(p[0]) != sanitizeLayer(p[1]) {
			t.Fatalf("%q and %q no longer sanitize alike; pick another pair", p[0], p[1])
		}
		if IndexKey(hrn, p[0], 256, 4) == IndexKey(hrn, p[1], 256, 4) {
			t.Fatalf("layers %q and %q share a key", p[0], p[1])
		}
		if strings.HasPrefix(IndexKey(hrn, p[1], 256, 4), LayerPrefix(hrn, p[0])) {
			t.Fatalf("purging %q would drop keys of %q", p[0], p[1])
		}
	}
}
