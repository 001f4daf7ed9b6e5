// Package ratelimit keeps one token bucket per key, dropping idle keys.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mahaj/sitechat/pkg/httpx"
)

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

type Keyed struct {
	mu  sync.Mutex
	m   map[string]*entry
	r   rate.Limit
	b   int
	ttl time.Duration
}

func New(r rate.Limit, burst int, ttl time.Duration) *Keyed {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Keyed{m: make(map[string]*entry), r: r, b: burst, ttl: ttl}
}

// Allow takes a token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(k.r, k.b)}
		k.m[key] = e
	}
	e.seen = time.Now()
	k.mu.Unlock()
	return e.lim.Allow()
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

// GC drops keys idle for longer than the ttl until ctx ends.
func (k *Keyed) GC(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.sweep(now)
		}
	}
}

func (k *Keyed) sweep(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.m {
		if now.Sub(e.seen) > k.ttl {
			delete(k.m, key)
		}
	}
}

// Middleware limits requests by the key keyOf derives from them. Requests
// with an empty key pass through.
func (k *Keyed) Middleware(keyOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := keyOf(r); key != "" && !k.Allow(key) {
				w.Header().Set("Retry-After", "1")
				httpx.JSON(w, http.StatusTooManyRequests, httpx.ErrorResponse{Error: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
