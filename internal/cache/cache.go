package cache

import (
	"sort"
	"sync"
	"time"
)

// Result is the outcome of one device's deployment.
type Result struct {
	At       time.Time
	Alias    string
	Platform string
	Format   string
	// Status is the final install job status ("completed", "error", ...).
	Status   string
	Duration time.Duration
	Err      error
}

func (r Result) Succeeded() bool {
	return r.Err == nil && r.Status == "completed"
}

// Cache is the interface used by the pipeline, metrics and status API.
type Cache interface {
	Set(address string, r Result)
	Snapshot() map[string]Result
}

// MemCache is an in-memory implementation of Cache.
type MemCache struct {
	mu   sync.RWMutex
	data map[string]Result
}

func NewMemCache() *MemCache {
	return &MemCache{
		data: make(map[string]Result),
	}
}

func (c *MemCache) Set(address string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[address] = r
}

func (c *MemCache) Snapshot() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Result, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Addresses returns the keys of a snapshot in sorted order.
func Addresses(snap map[string]Result) []string {
	out := make([]string, 0, len(snap))
	for a := range snap {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
