package match

import (
	"sync"
	"time"

	"github.com/nidhogg/taskforge/internal/clock"
)

// vectorCache holds agent document embeddings with TTL expiry. Entries
// are idempotent recomputations, so concurrent population is
// last-writer-wins by design.
type vectorCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clk     clock.Clock
}

type cacheEntry struct {
	vec     []float32
	expires time.Time
}

func newVectorCache(ttl time.Duration, clk clock.Clock) *vectorCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &vectorCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clk:     clk,
	}
}

func (c *vectorCache) get(agentID string) ([]float32, bool) {
	c.mu.RLock()
	e, ok := c.entries[agentID]
	c.mu.RUnlock()
	if !ok || c.clk.Now().After(e.expires) {
		return nil, false
	}
	return e.vec, true
}

func (c *vectorCache) put(agentID string, vec []float32) {
	c.mu.Lock()
	c.entries[agentID] = cacheEntry{vec: vec, expires: c.clk.Now().Add(c.ttl)}
	c.mu.Unlock()
}
