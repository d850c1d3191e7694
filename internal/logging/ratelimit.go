package logging

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// RateLimiter drops repeated log lines for the same key within an interval.
type RateLimiter struct {
	log      *zap.Logger
	interval time.Duration
	clk      clock.Clock

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewRateLimiter(log *zap.Logger, interval time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{log: log, interval: interval, clk: clk, last: make(map[string]time.Time), sweep: clk.Now()}
}

// Allow reports whether a line for key may be written now.
func (r *RateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	if now.Sub(r.sweep) > 2*r.interval {
		for k, ts := range r.last {
			if now.Sub(ts) > 4*r.interval {
				delete(r.last, k)
			}
		}
		r.sweep = now
	}
	return true
}

func (r *RateLimiter) Debug(key, msg string, fields ...zap.Field) {
	if r.log.Core().Enabled(zap.DebugLevel) && r.Allow(key) {
		r.log.Debug(msg, fields...)
	}
}
