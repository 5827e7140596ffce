package cache

import (
	"context"
	"time"
)

// Tiered composes the in-process tier over the network tier: reads probe
// memory first and promote network hits; writes go to both.
type Tiered struct {
	local  *Memory
	remote Cache
}

// NewTiered wraps remote with a fresh local tier.
func NewTiered(remote Cache) *Tiered {
	return &Tiered{local: NewMemory(), remote: remote}
}

func (t *Tiered) Get(ctx context.Context, namespace string, parts ...any) ([]byte, bool) {
	if val, ok := t.local.Get(ctx, namespace, parts...); ok {
		return val, true
	}
	val, ok := t.remote.Get(ctx, namespace, parts...)
	if ok {
		t.local.Put(ctx, namespace, val, DefaultTTL, parts...)
	}
	return val, ok
}

func (t *Tiered) Put(ctx context.Context, namespace string, value []byte, ttl time.Duration, parts ...any) {
	t.local.Put(ctx, namespace, value, ttl, parts...)
	t.remote.Put(ctx, namespace, value, ttl, parts...)
}
