// Package cache keeps the token ids of recently seen texts so repeated
// queries and passages skip WordPiece splitting.
package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biadapt_token_cache_hits_total",
		Help: "Total number of texts served from the token cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biadapt_token_cache_misses_total",
		Help: "Total number of texts tokenized because they were not cached",
	})
)

// IDCache is a bounded in-memory map from text to token ids. When full, an
// arbitrary entry is evicted. It is safe for concurrent use.
type IDCache struct {
	mu       sync.RWMutex
	data     map[string][]int
	capacity int
}

// New creates a cache holding at most capacity texts.
func New(capacity int) *IDCache {
	capacity = max(capacity, 1)
	return &IDCache{
		data:     make(map[string][]int, capacity),
		capacity: capacity,
	}
}

// Get returns a copy of the ids cached for text.
func (c *IDCache) Get(text string) ([]int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[text]
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}
	cacheHits.Inc()
	return append([]int(nil), v...), true
}

// Put stores a copy of ids for text.
func (c *IDCache) Put(text string, ids []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[text]; !ok && len(c.data) >= c.capacity {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}
	c.data[text] = append([]int(nil), ids...)
}

func (c *IDCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
