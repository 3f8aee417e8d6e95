package dataset

import (
	"sync"

	"github.com/maruel/datarest/internal/docstore"
)

// cache keeps the stored documents of hot datasets in memory.
//
// Each invalidation bumps a generation so that a read started before a
// write cannot store the stale document it fetched.
type cache struct {
	mu      sync.RWMutex
	docs    map[string]docstore.Document
	gen     uint64
	maxDocs int
}

func newCache(maxDocs int) *cache {
	return &cache{docs: make(map[string]docstore.Document), maxDocs: maxDocs}
}

// get returns a cached document and the current generation.
func (c *cache) get(id string) (docstore.Document, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	return doc, c.gen, ok
}

// set caches doc unless the cache was invalidated since gen.
func (c *cache) set(id string, doc docstore.Document, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	// Simple size limiting: clear if it grows too large
	if len(c.docs) >= c.maxDocs {
		c.docs = make(map[string]docstore.Document)
	}
	c.docs[id] = doc
}

func (c *cache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.docs, id)
}
