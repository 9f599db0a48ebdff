// Package keys builds the cache keys for fetched index sub-trees.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

const prefix = "qidx"

// IndexKey names the index fetched for root with the given depth. Catalog HRNs are long
// and full of colons, so only their hash goes into the key.
func IndexKey(catalog, layer string, root quadkey.MortonCode, depth int) string {
	return fmt.Sprintf("%sd=%d:%d", LayerPrefix(catalog, layer), depth, uint64(root))
}

// LayerPrefix is shared by every IndexKey of one layer. It holds no glob metacharacters
// so it can be used directly in a SCAN pattern. The sanitized layer is only for reading;
// the hash of the raw name keeps layers that sanitize alike apart.
func LayerPrefix(catalog, layer string) string {
	layer = strings.TrimSpace(layer)
	return fmt.Sprintf("%s:%s:l=%016x:c=%016x:", prefix, sanitizeLayer(layer), xxhash.Sum64String(layer), catalogHash(catalog))
}

func catalogHash(catalog string) uint64 {
	return xxhash.Sum64String(strings.TrimSpace(catalog))
}

func sanitizeLayer(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII and ':') becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
