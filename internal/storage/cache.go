package storage

import (
	"sync"

	"experiment-deployer/internal/deploy"
)

const defaultCacheSize = 50

// Cache keeps the most recent deployment reports for the serve-mode API.
type Cache struct {
	mu      sync.RWMutex
	size    int
	reports []deploy.Report
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Cache{size: size}
}

// Recent returns the cached reports, newest first.
func (c *Cache) Recent() []deploy.Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]deploy.Report, len(c.reports))
	for i, r := range c.reports {
		out[len(c.reports)-1-i] = r
	}
	return out
}

func (c *Cache) Add(r deploy.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	if over := len(c.reports) - c.size; over > 0 {
		c.reports = append([]deploy.Report(nil), c.reports[over:]...)
	}
}
