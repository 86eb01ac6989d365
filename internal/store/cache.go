package store

import (
	"context"
	"sync"

	"github.com/aweris/wcsnap/internal/hash"
)

// presenceCache remembers digests known to exist remotely. Content is never
// deleted through a Store, so a positive entry never goes stale.
type presenceCache struct {
	maxSize int
	items   map[hash.Digest]struct{}
	mu      sync.RWMutex
}

func newPresenceCache(maxSize int) *presenceCache {
	return &presenceCache{
		maxSize: maxSize,
		items:   make(map[hash.Digest]struct{}),
	}
}

func (c *presenceCache) Has(d hash.Digest) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[d]
	return ok
}

func (c *presenceCache) Add(d hash.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evicting an arbitrary entry only costs a repeat probe later.
	if len(c.items) >= c.maxSize {
		for k := range c.items {
			delete(c.items, k)
			break
		}
	}
	c.items[d] = struct{}{}
}

// Cached wraps a Store and skips probes for addresses this process has
// already seen present or uploaded.
type Cached struct {
	Store
	blobs     *presenceCache
	manifests *presenceCache
}

func NewCached(s Store, maxSize int) *Cached {
	if maxSize <= 0 {
		maxSize = 1 << 16
	}
	return &Cached{
		Store:     s,
		blobs:     newPresenceCache(maxSize),
		manifests: newPresenceCache(maxSize),
	}
}

func (c *Cached) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	present := hash.NewSet()
	var unknown []hash.Digest
	for _, d := range digests {
		if c.blobs.Has(d) {
			present.Add(d)
			continue
		}
		unknown = append(unknown, d)
	}
	if len(unknown) == 0 {
		return present, nil
	}

	found, err := c.Store.Probe(ctx, unknown)
	if err != nil {
		return nil, err
	}
	for d := range found {
		c.blobs.Add(d)
		present.Add(d)
	}
	return present, nil
}

func (c *Cached) PutBlob(ctx context.Context, blob Blob) error {
	if c.blobs.Has(blob.Digest) {
		return nil
	}
	if err := c.Store.PutBlob(ctx, blob); err != nil {
		return err
	}
	c.blobs.Add(blob.Digest)
	return nil
}

func (c *Cached) HasManifest(ctx context.Context, id hash.Digest) (bool, error) {
	if c.manifests.Has(id) {
		return true, nil
	}
	ok, err := c.Store.HasManifest(ctx, id)
	if err == nil && ok {
		c.manifests.Add(id)
	}
	return ok, err
}

func (c *Cached) PutManifest(ctx context.Context, id hash.Digest, data []byte) error {
	if err := c.Store.PutManifest(ctx, id, data); err != nil {
		return err
	}
	c.manifests.Add(id)
	return nil
}

func (c *Cached) String() string { return c.Store.String() }
