package retrieval

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// LayerCache caches per-layer search results with a TTL. It sits outside
// the pure retrieval logic so the decision and budget code tests without
// cache timing nondeterminism. Entries are invalidated only by expiry,
// never by writes: a bounded staleness window is the accepted tradeoff
// for not coupling the write path to reader caches.
type LayerCache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Invalidate(key string)
}

// ristrettoCache implements LayerCache on ristretto.
type ristrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache creates a LayerCache with sane defaults for search
// result volumes.
func NewRistrettoCache() (LayerCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoCache{cache: cache}, nil
}

func (c *ristrettoCache) Get(key string) (interface{}, bool) {
	return c.cache.Get(key)
}

func (c *ristrettoCache) Set(key string, value interface{}, ttl time.Duration) {
	c.cache.SetWithTTL(key, value, 1, ttl)
}

func (c *ristrettoCache) Invalidate(key string) {
	c.cache.Del(key)
}

// nopCache disables caching; used when no cache is injected.
type nopCache struct{}

func (nopCache) Get(string) (interface{}, bool)         { return nil, false }
func (nopCache) Set(string, interface{}, time.Duration) {}
func (nopCache) Invalidate(string)                      {}
