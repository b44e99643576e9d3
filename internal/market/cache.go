package market

import (
	"sort"
	"sync"

	"github.com/rickgao/marketstream/internal/model"
)

// Cache maps a symbol to its latest snapshot.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]model.Snapshot
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]model.Snapshot),
	}
}

// Get returns the latest snapshot for symbol (read-locked).
func (c *Cache) Get(symbol string) (model.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.entries[model.NormalizeSymbol(symbol)]
	return s, ok
}

// Set overwrites the snapshot for s.Symbol (write-locked). Snapshots with a
// blank symbol are ignored.
func (c *Cache) Set(s model.Snapshot) {
	sym := model.NormalizeSymbol(s.Symbol)
	if sym == "" {
		return
	}
	s.Symbol = sym

	c.mu.Lock()
	c.entries[sym] = s
	c.mu.Unlock()
}

// SetMany overwrites several snapshots under one lock.
func (c *Cache) SetMany(snaps []model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range snaps {
		sym := model.NormalizeSymbol(s.Symbol)
		if sym == "" {
			continue
		}
		s.Symbol = sym
		c.entries[sym] = s
	}
}

// All returns a copy of every snapshot, sorted by symbol.
func (c *Cache) All() []model.Snapshot {
	c.mu.RLock()
	result := make([]model.Snapshot, 0, len(c.entries))
	for _, s := range c.entries {
		result = append(result, s)
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

// Len returns the number of symbols seen.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
