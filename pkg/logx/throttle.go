package logx

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle rate-limits a noisy log line per key.
//
// Dropped lines are counted and reported on the next line that passes, so the
// operator still sees that something was suppressed.
type Throttle struct {
	mu       sync.Mutex
	perSec   float64
	burst    int
	limiters map[string]*rate.Limiter
	dropped  map[string]int
}

// NewThrottle allows perSec lines per second per key, with the given burst.
func NewThrottle(perSec float64, burst int) *Throttle {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		perSec:   perSec,
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
		dropped:  map[string]int{},
	}
}

// Allow reports whether a line for key may be written now and how many lines
// were suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lim := t.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(t.perSec), t.burst)
		t.limiters[key] = lim
	}
	if !lim.Allow() {
		t.dropped[key]++
		return false, 0
	}
	n := t.dropped[key]
	delete(t.dropped, key)
	return true, n
}

// Log writes through fn when key is allowed, adding a "suppressed" field when
// lines were dropped.
func (t *Throttle) Log(key string, fn func(msg string, fields ...Field), msg string, fields ...Field) {
	ok, n := t.Allow(key)
	if !ok {
		return
	}
	if n > 0 {
		fields = append(fields, Int("suppressed", n))
	}
	fn(msg, fields...)
}
