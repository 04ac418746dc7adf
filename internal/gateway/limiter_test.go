package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rag/internal/auth"
)

func TestLimiterPool_Burst(t *testing.T) {
	p := newLimiterPool(0.001, 2)
	defer p.Shutdown()

	assert.True(t, p.Allow("user:a"))
	assert.True(t, p.Allow("user:a"))
	assert.False(t, p.Allow("user:a"), "third request exceeds burst")

	assert.True(t, p.Allow("user:b"), "keys are limited independently")
	assert.Equal(t, 2, p.size())
}

func TestLimiterPool_Evict(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newLimiterPool(1, 1)
	defer p.Shutdown()
	p.now = func() time.Time { return now }

	p.Allow("user:old")
	now = now.Add(5 * time.Minute)
	p.Allow("user:new")

	now = now.Add(6 * time.Minute)
	p.evict()

	require.Equal(t, 1, p.size())
	p.mu.Lock()
	_, ok := p.m["user:new"]
	p.mu.Unlock()
	assert.True(t, ok, "recently used limiter survives")
}

func TestLimiterPool_ShutdownIdempotent(t *testing.T) {
	p := newLimiterPool(1, 1)
	p.Allow("k")
	p.Shutdown()
	p.Shutdown()
}

func TestLimitKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/chat", nil)
	r.RemoteAddr = "10.0.0.7:41234"

	assert.Equal(t, "addr:10.0.0.7", limitKey(r), "no identity")

	anon := r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{UserID: "anonymous", Source: auth.SourceDefault}))
	assert.Equal(t, "addr:10.0.0.7", limitKey(anon))

	tok := r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{UserID: "alice", Source: auth.SourceToken}))
	assert.Equal(t, "user:alice", limitKey(tok))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "addr:pipe", limitKey(r))
}
