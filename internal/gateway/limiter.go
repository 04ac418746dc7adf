// ABOUTME: Per-user token bucket rate limiting for the conversation API
// ABOUTME: Limiters are created on first use and evicted after a period of inactivity

package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-rag/internal/auth"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one limiter per key.
type limiterPool struct {
	rps   float64
	burst int

	mu sync.Mutex
	m  map[string]*limiterEntry

	ttl           time.Duration
	cleanupPeriod time.Duration
	startCleanup  sync.Once
	stopOnce      sync.Once
	stopCh        chan struct{}
	now           func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		rps:           rps,
		burst:         burst,
		m:             make(map[string]*limiterEntry),
		ttl:           10 * time.Minute,
		cleanupPeriod: time.Minute,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() {
		go p.cleanupLoop()
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = p.now()
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: p.now()}
	return l
}

// Allow reports whether key may make a request now.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Shutdown stops the cleanup goroutine.
func (p *limiterPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *limiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evict()
		case <-p.stopCh:
			return
		}
	}
}

// evict removes limiters unused for longer than the ttl.
func (p *limiterPool) evict() {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// limitKey is the caller's user id, or the remote host for anonymous requests.
func limitKey(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil && id.Source != auth.SourceDefault {
		return "user:" + id.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// rateLimit rejects requests over the caller's budget with 429.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := limitKey(r)
		if !g.limiter.Allow(key) {
			g.logger.Debug("rate limited", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
