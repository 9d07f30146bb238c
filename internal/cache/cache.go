// Package cache implements the per-resolver-worker response cache.
//
// Each worker owns exactly one Cache; there is no cross-worker sharing and
// therefore no locking — identical queries routed to different workers
// simply warm their own entry independently, per the design in spec.md §4.B.
package cache

import (
	"strings"
	"time"

	"github.com/fdnsd/fdnsd/internal/fingerprint"
)

// TTL bounds, named per spec.md §6's configuration surface.
const (
	// TTLMin is the lowest positive TTL accepted from configuration.
	TTLMin = 10 * time.Second
	// TTLMax is the highest positive TTL accepted from configuration.
	TTLMax = 24 * time.Hour
	// TTLDefault is used when configuration does not override it.
	TTLDefault = 1 * time.Hour
	// TTLError is the fixed, short TTL used for negative (NXDOMAIN) entries.
	TTLError = 30 * time.Second
)

// ClampTTL bounds a configured positive TTL to [TTLMin, TTLMax].
func ClampTTL(d time.Duration) time.Duration {
	if d < TTLMin {
		return TTLMin
	}
	if d > TTLMax {
		return TTLMax
	}
	return d
}

// Entry is a single cached reply.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
	Negative  bool
}

// Remaining returns how much longer the entry is valid as of now.
func (e *Entry) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

// Cache is a single-goroutine-owned map from query fingerprint to reply.
type Cache struct {
	entries map[uint64]*Entry
	hits    uint64
	misses  uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[uint64]*Entry)}
}

func key(domain string, qtype, qclass uint16) uint64 {
	return fingerprint.Hash(strings.ToLower(domain), qtype, qclass)
}

// Lookup returns the cached reply for (domain, qtype, qclass) if present
// and not expired as of now.
func (c *Cache) Lookup(domain string, qtype, qclass uint16, now time.Time) (*Entry, bool) {
	e, ok := c.entries[key(domain, qtype, qclass)]
	if !ok {
		c.misses++
		return nil, false
	}
	if now.After(e.ExpiresAt) {
		c.misses++
		return nil, false
	}
	c.hits++
	return e, true
}

// Insert stores reply for (domain, qtype, qclass), overwriting any
// existing entry. ttl is clamped to [TTLMin, TTLMax] for positive entries;
// pass negative=true with ttl==TTLError for NXDOMAIN insertions.
func (c *Cache) Insert(domain string, qtype, qclass uint16, reply []byte, ttl time.Duration, negative bool, now time.Time) {
	if !negative {
		ttl = ClampTTL(ttl)
	}
	c.entries[key(domain, qtype, qclass)] = &Entry{
		Data:      reply,
		ExpiresAt: now.Add(ttl),
		Negative:  negative,
	}
}

// Purge drops every entry expired as of now. Called opportunistically from
// the owning worker's receive loop, never from a background goroutine.
func (c *Cache) Purge(now time.Time) int {
	dropped := 0
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Stats summarizes cache hit/miss counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// GetStats returns current cache counters.
func (c *Cache) GetStats() Stats {
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}
