// Package cache provides an optional result cache for batched entity
// fetches. Raw result rows are cached, not entity instances; hydrating
// a cached row still goes through the identity map, so reference
// identity is unaffected by cache hits.
package cache

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// ResultCache stores raw result rows keyed by a fetch signature
type ResultCache interface {
	Get(ctx context.Context, key string) ([]map[string]interface{}, bool, error)
	Set(ctx context.Context, key string, rows []map[string]interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Key builds a deterministic cache key from the fetch signature. The
// signature parts are JSON-encoded and hashed; map key order is
// normalized by the encoder.
func Key(entityName string, parts ...interface{}) string {
	h := fnv.New64a()
	h.Write([]byte(entityName))
	for _, part := range parts {
		encoded, err := json.Marshal(part)
		if err != nil {
			// Unencodable parts still contribute their type
			encoded = []byte(err.Error())
		}
		h.Write([]byte{0})
		h.Write(encoded)
	}
	return entityName + ":" + strconv.FormatUint(h.Sum64(), 16)
}
