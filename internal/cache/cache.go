// Package cache provides the namespaced TTL response cache used by the LLM
// fallback runner. Keys are deterministic across processes: a canonical JSON
// encoding of the input parts is hashed with SHA-256 and prefixed
// "llm:<namespace>:". The cache is composed in two tiers: a process-local
// map for hot reads decorating a shared Redis backend. Backend failures are
// warnings, never errors: the caller falls through to a miss and proceeds
// uncached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is the response cache lifetime.
const DefaultTTL = 2 * time.Hour

// Cache is the capability consumed by the pipeline stages.
type Cache interface {
	// Get returns the cached value for (namespace, parts) or ok=false on miss.
	Get(ctx context.Context, namespace string, parts ...any) (value []byte, ok bool)
	// Put stores value under (namespace, parts) with the given TTL.
	// ttl <= 0 means DefaultTTL.
	Put(ctx context.Context, namespace string, value []byte, ttl time.Duration, parts ...any)
}

// KeyFor derives the deterministic cache key for (namespace, parts).
// Parts are marshaled as a JSON array; encoding/json sorts map keys, which
// keeps the encoding canonical for the payloads the pipeline caches.
func KeyFor(namespace string, parts ...any) string {
	content, err := json.Marshal(parts)
	if err != nil {
		// Fall back to the raw formatting; still deterministic for our inputs.
		content = []byte(fmt.Sprintf("%v", parts))
	}
	sum := sha256.Sum256(content)
	return "llm:" + namespace + ":" + hex.EncodeToString(sum[:])
}
