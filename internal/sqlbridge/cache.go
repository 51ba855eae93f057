package sqlbridge

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// StructureHash hashes the *shape* of a JSON value: a type tree with
// sorted keys, using the first element of any array as an exemplar for
// its sibling elements. Two JSON values with the same shape but different
// content hash identically, so structurally-identical UDF arguments share
// a cache entry.
func StructureHash(raw json.RawMessage) uint64 {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return xxhash.Sum64([]byte(fmt.Sprintf("raw:%d", len(raw))))
	}
	shape := extractShape(v, 0)
	data, _ := json.Marshal(shape)
	return xxhash.Sum64(data)
}

const maxShapeDepth = 5

func extractShape(v any, depth int) any {
	if depth >= maxShapeDepth {
		return "..."
	}
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		if len(t) == 0 {
			return []any{}
		}
		return []any{extractShape(t[0], depth+1)}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = extractShape(t[k], depth+1)
		}
		return out
	default:
		return "unknown"
	}
}

// CacheKey builds a stable cache key for a UDF call. structureArgs names
// which of args should be hashed by structure rather than by exact
// content.
func CacheKey(function string, args map[string]json.RawMessage, structureArgs map[string]bool) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	h := xxhash.New()
	_, _ = h.Write([]byte(function))
	for _, name := range names {
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{':'})
		if structureArgs[name] {
			_, _ = fmt.Fprintf(h, "struct:%x", StructureHash(args[name]))
		} else {
			_, _ = fmt.Fprintf(h, "content:%x", xxhash.Sum64(args[name]))
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// ResultCache serves UDF results keyed by CacheKey, collapsing identical
// concurrent calls via singleflight so N rows with the same structure
// hash trigger at most one cascade execution.
type ResultCache struct {
	group singleflight.Group
	store sync.Map
}

// Get returns a cached value for key if present, else computes it via
// compute (shared across concurrent callers with the same key) and caches
// the result for future calls.
func (c *ResultCache) Get(key string, compute func() (any, error)) (any, error) {
	if v, ok := c.store.Load(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, compute)
	if err != nil {
		return nil, err
	}
	c.store.Store(key, v)
	return v, nil
}
