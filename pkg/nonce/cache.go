package nonce

import (
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the number of remembered nonces.
	DefaultCapacity = 1000

	// DefaultTTL is the window inside which a repeated nonce is a replay.
	DefaultTTL = 5 * time.Minute
)

// Result reports the outcome of a nonce validation.
type Result struct {
	Fresh  bool
	Reason string
}

type entry struct {
	nonce string
	seen  time.Time
}

// Cache is a sliding-window set of seen nonces with TTL eviction and a
// capacity cap. All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]time.Time
	order    []entry // insertion order, oldest first
	now      func() time.Time
}

// NewCache creates a nonce cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// CheckAndRemember returns true iff nonce was not already present, and
// inserts it either way.
func (c *Cache) CheckAndRemember(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remember(nonce)
}

// Validate rejects empty nonces, evicts entries older than ttl, then applies
// CheckAndRemember.
func (c *Cache) Validate(nonce string, ttl time.Duration) Result {
	if nonce == "" {
		return Result{Fresh: false, Reason: "empty nonce"}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpired(ttl)
	if !c.remember(nonce) {
		return Result{Fresh: false, Reason: "Nonce replay detected"}
	}
	return Result{Fresh: true}
}

// Size returns the number of remembered nonces.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) remember(nonce string) bool {
	if _, ok := c.seen[nonce]; ok {
		return false
	}
	now := c.now()
	c.seen[nonce] = now
	c.order = append(c.order, entry{nonce: nonce, seen: now})
	c.enforceCapacity()
	return true
}

func (c *Cache) evictExpired(ttl time.Duration) {
	cutoff := c.now().Add(-ttl)
	i := 0
	for ; i < len(c.order); i++ {
		if c.order[i].seen.After(cutoff) {
			break
		}
		// The map entry may have been superseded; only drop when the
		// timestamps still agree.
		if seen, ok := c.seen[c.order[i].nonce]; ok && !seen.After(cutoff) {
			delete(c.seen, c.order[i].nonce)
		}
	}
	c.order = c.order[i:]
}

func (c *Cache) enforceCapacity() {
	for len(c.seen) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if seen, ok := c.seen[oldest.nonce]; ok && seen.Equal(oldest.seen) {
			delete(c.seen, oldest.nonce)
		}
	}
}
