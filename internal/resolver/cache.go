package resolver

import lru "github.com/hashicorp/golang-lru/v2"

// defaultCacheSize bounds the process-wide NL-resolution cache. The
// original's cache (a HashMap behind a Mutex) is unbounded, but an LRU
// with a generous ceiling gives the same exact-input-text cache
// semantics without an ever-growing map in a long-lived REPL session.
const defaultCacheSize = 4096

// Cache is the process-wide mapping from exact input text to a
// previously resolved Spec. hashicorp/golang-lru/v2's Cache already
// guards every operation with an internal mutex, so this package adds
// no second layer of locking on top.
type Cache struct {
	inner *lru.Cache[string, Spec]
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	c, err := lru.New[string, Spec](defaultCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultCacheSize never is.
		panic(err)
	}
	return &Cache{inner: c}
}

// Get returns a prior resolution for text, if any.
func (c *Cache) Get(text string) (Spec, bool) {
	return c.inner.Get(text)
}

// Put records the resolution for text.
func (c *Cache) Put(text string, spec Spec) {
	c.inner.Add(text, spec)
}
