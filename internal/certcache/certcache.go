// Package certcache provides a bounded, per-host cache of leaf TLS
// certificates sitting in front of a signer (typically *ca.CA.Sign).
// Concurrent first-lookups for the same host are coalesced into a single
// signing operation via golang.org/x/sync/singleflight; the cache itself is
// a plain least-recently-used list, simpler than the teacher's S3-FIFO
// admission scheme since a leaf cert is cheap to re-derive and doesn't need
// scan resistance.
package certcache

import (
	"container/list"
	"crypto/tls"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// renewBefore controls early renewal: a cached cert within this window of
// its NotAfter is treated as a miss so callers never hand out a leaf that
// expires mid-request.
const renewBefore = time.Hour

// SignFunc mints a fresh leaf certificate for host. Implemented by
// (*ca.CA).Sign in production code.
type SignFunc func(host string) (*tls.Certificate, error)

type entry struct {
	host string
	cert *tls.Certificate
	elem *list.Element
}

// Cache is a bounded, single-flighted, per-host leaf certificate cache.
// The zero value is not usable; construct with New.
type Cache struct {
	capacity int
	sign     SignFunc

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used

	group singleflight.Group
}

// New creates a Cache of the given capacity backed by sign. A non-positive
// capacity disables eviction (unbounded growth) — callers should prefer a
// sane default (the teacher and this repo both default to 128).
func New(capacity int, sign SignFunc) *Cache {
	return &Cache{
		capacity: capacity,
		sign:     sign,
		entries:  make(map[string]*entry),
		order:    list.New(),
	}
}

// GetOrInsertWith returns the cached certificate for host, signing and
// inserting one if absent or near expiry. Concurrent callers for the same
// host observe exactly one call to the underlying SignFunc.
func (c *Cache) GetOrInsertWith(host string) (*tls.Certificate, error) {
	if cert, ok := c.lookup(host); ok {
		return cert, nil
	}

	v, err, _ := c.group.Do(host, func() (any, error) {
		// Re-check: another goroutine may have inserted while we waited
		// to enter singleflight (unlikely but cheap to guard).
		if cert, ok := c.lookup(host); ok {
			return cert, nil
		}
		cert, err := c.sign(host)
		if err != nil {
			return nil, err
		}
		c.insert(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (c *Cache) lookup(host string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[host]
	if !ok {
		return nil, false
	}
	if e.cert.Leaf != nil && time.Until(e.cert.Leaf.NotAfter) <= renewBefore {
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.cert, true
}

func (c *Cache) insert(host string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[host]; ok {
		existing.cert = cert
		c.order.MoveToFront(existing.elem)
		return
	}

	e := &entry{host: host, cert: cert}
	e.elem = c.order.PushFront(e)
	c.entries[host] = e

	if c.capacity > 0 {
		for len(c.entries) > c.capacity {
			c.evictOldest()
		}
	}
}

func (c *Cache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.order.Remove(oldest)
	delete(c.entries, e.host)
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
