package client

import (
	"sync"
	"time"
)

// ListKind names a cacheable server collection.
type ListKind string

const (
	KindTools             ListKind = "tools"
	KindPrompts           ListKind = "prompts"
	KindResources         ListKind = "resources"
	KindResourceTemplates ListKind = "resourceTemplates"
)

type cacheKey struct {
	server string
	kind   ListKind
}

type cacheEntry struct {
	data      interface{}
	expiresAt time.Time
}

// ListCache memoizes complete list results per server and collection. Entries
// expire after a TTL and are dropped lazily when read; writing an entry resets
// its TTL. A single cache may be shared by connectors talking to different
// servers, the server URL is part of the key.
type ListCache struct {
	mux     sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

// NewListCache creates a cache whose entries live for ttl. A non-positive ttl
// disables caching entirely.
func NewListCache(ttl time.Duration) *ListCache {
	return &ListCache{
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached value for (server, kind) when present and fresh.
// An expired entry is removed on the way out.
func (c *ListCache) Get(server string, kind ListKind) (interface{}, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	key := cacheKey{server: server, kind: kind}
	c.mux.Lock()
	defer c.mux.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

// Put stores data under (server, kind) with a fresh TTL.
func (c *ListCache) Put(server string, kind ListKind, data interface{}) {
	if c == nil || c.ttl <= 0 {
		return
	}
	key := cacheKey{server: server, kind: kind}
	c.mux.Lock()
	defer c.mux.Unlock()
	c.entries[key] = cacheEntry{data: data, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate removes the entry for (server, kind).
func (c *ListCache) Invalidate(server string, kind ListKind) {
	if c == nil {
		return
	}
	key := cacheKey{server: server, kind: kind}
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.entries, key)
}

// InvalidateServer removes every entry belonging to server.
func (c *ListCache) InvalidateServer(server string) {
	if c == nil {
		return
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	for key := range c.entries {
		if key.server == server {
			delete(c.entries, key)
		}
	}
}

// Size returns the number of live entries, dropping any that have expired.
func (c *ListCache) Size() int {
	if c == nil {
		return 0
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	return len(c.entries)
}
