package local

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// RateLimiter implements domain.RateLimiter with one token bucket per key.
// A limit of n per window becomes a bucket of size n refilled at n/window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter returns an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.AllowN(r.now(), 1), nil
}
