package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor_DeterministicAndNamespaced(t *testing.T) {
	k1 := KeyFor("stride", "prompt", "abc123")
	k2 := KeyFor("stride", "prompt", "abc123")
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "llm:stride:"))

	// Different namespace or parts must not collide.
	assert.NotEqual(t, k1, KeyFor("dread", "prompt", "abc123"))
	assert.NotEqual(t, k1, KeyFor("stride", "prompt", "abc124"))
}

func TestKeyFor_MapOrderIndependent(t *testing.T) {
	a := KeyFor("diagram", map[string]any{"x": 1, "y": 2})
	b := KeyFor("diagram", map[string]any{"y": 2, "x": 1})
	assert.Equal(t, a, b, "json encoding sorts map keys")
}

func TestMemory_PutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, ok := m.Get(ctx, "stride", "p")
	assert.False(t, ok)

	m.Put(ctx, "stride", []byte(`{"a":1}`), time.Minute, "p")
	val, ok := m.Get(ctx, "stride", "p")
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(val))
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Put(ctx, "stride", []byte("v"), time.Minute, "p")

	now = now.Add(59 * time.Second)
	_, ok := m.Get(ctx, "stride", "p")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = m.Get(ctx, "stride", "p")
	assert.False(t, ok, "entry should expire after its TTL")
}

func TestMemory_ZeroTTLUsesDefault(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Put(ctx, "stride", []byte("v"), 0, "p")

	now = now.Add(DefaultTTL - time.Second)
	_, ok := m.Get(ctx, "stride", "p")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = m.Get(ctx, "stride", "p")
	assert.False(t, ok)
}

func TestRedis_RoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	c := NewRedisFromClient(rdb)
	ctx := context.Background()

	_, ok := c.Get(ctx, "dread", "threats")
	assert.False(t, ok)

	c.Put(ctx, "dread", []byte(`[1,2]`), time.Hour, "threats")
	val, ok := c.Get(ctx, "dread", "threats")
	require.True(t, ok)
	assert.Equal(t, `[1,2]`, string(val))

	// TTL is set on the key.
	assert.Greater(t, srv.TTL(KeyFor("dread", "threats")), time.Duration(0))
}

func TestRedis_BackendFailureIsMiss(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	c := NewRedisFromClient(rdb)
	ctx := context.Background()

	c.Put(ctx, "stride", []byte("v"), time.Hour, "p")
	srv.Close()

	_, ok := c.Get(ctx, "stride", "p")
	assert.False(t, ok, "a dead backend degrades to a miss")
}

func TestTiered_PromotesRemoteHits(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	tiered := NewTiered(NewRedisFromClient(rdb))
	ctx := context.Background()

	// Seed only the remote tier, as if another pod wrote it.
	remote := NewRedisFromClient(rdb)
	remote.Put(ctx, "diagram", []byte(`{"model":"x"}`), time.Hour, "p")

	val, ok := tiered.Get(ctx, "diagram", "p")
	require.True(t, ok)
	assert.Equal(t, `{"model":"x"}`, string(val))

	// After promotion the value survives a remote outage.
	srv.Close()
	val, ok = tiered.Get(ctx, "diagram", "p")
	require.True(t, ok)
	assert.Equal(t, `{"model":"x"}`, string(val))
}

func TestTiered_PutWritesBothTiers(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	tiered := NewTiered(NewRedisFromClient(rdb))
	ctx := context.Background()

	tiered.Put(ctx, "stride", []byte("v"), time.Hour, "p")

	assert.True(t, srv.Exists(KeyFor("stride", "p")))
	val, ok := tiered.local.Get(ctx, "stride", "p")
	require.True(t, ok)
	assert.Equal(t, "v", string(val))
}
