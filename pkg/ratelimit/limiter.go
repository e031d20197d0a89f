package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-key sliding-window rate limiter. For each key it keeps the
// ordered timestamps of accepted events inside the window.
type Limiter struct {
	mu           sync.Mutex
	window       time.Duration
	maxPerWindow int
	hits         map[string][]time.Time
	now          func() time.Time
}

// NewLimiter creates a limiter allowing maxPerWindow events per key within
// the sliding window.
func NewLimiter(window time.Duration, maxPerWindow int) *Limiter {
	return &Limiter{
		window:       window,
		maxPerWindow: maxPerWindow,
		hits:         make(map[string][]time.Time),
		now:          time.Now,
	}
}

// Allow drops timestamps older than the window, rejects if the remaining
// count has reached the cap, otherwise records now and accepts.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(key, now)
	if len(recent) >= l.maxPerWindow {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// Remaining returns how many events the key may still emit in the current
// window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(key, l.now())
	l.hits[key] = recent
	left := l.maxPerWindow - len(recent)
	if left < 0 {
		return 0
	}
	return left
}

// Cleanup drops keys whose windows have fully expired.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key := range l.hits {
		if recent := l.prune(key, now); len(recent) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = recent
		}
	}
}

func (l *Limiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	stamps := l.hits[key]
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}
