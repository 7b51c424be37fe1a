package ocpiclient

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache keeps one Client per partner, bounded by an LRU.
type Cache struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *Client]
	opts    Options
}

// NewCache creates a cache holding at most size clients.
func NewCache(size int, opts Options) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	clients, err := lru.New[string, *Client](size)
	if err != nil {
		return nil, err
	}
	return &Cache{clients: clients, opts: opts}, nil
}

// Get returns the partner's client, creating it when absent or when the
// partner's token changed since it was cached.
func (c *Cache) Get(partnerID, token string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients.Get(partnerID); ok && cl.token == token {
		return cl
	}
	cl := New(token, c.opts)
	c.clients.Add(partnerID, cl)
	return cl
}

// Invalidate drops the partner's client.
func (c *Cache) Invalidate(partnerID string) {
	c.clients.Remove(partnerID)
}

// Len returns the number of cached clients.
func (c *Cache) Len() int { return c.clients.Len() }

// Uncached returns a client that is not kept, for calls made before a
// partner exists (outbound registration, probes).
func (c *Cache) Uncached(token string) *Client {
	return New(token, c.opts)
}
