package voice

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/permissionlessweb/lingua-bridge-sub000/internal/observe"
)

// defaultCacheCapacity is the number of cached results kept when a Cache is
// constructed with capacity <= 0.
const defaultCacheCapacity = 1000

// HashAudio returns the first 64 bits of the BLAKE3 hash of pcm, used as the
// cache key and the wire-level AudioHash so a repeated utterance (a common
// occurrence with looping voice lines, test tones, or a user re-sending the
// same clip) can skip a second round-trip to the inference service.
func HashAudio(pcm []byte) uint64 {
	sum := blake3.Sum256(pcm)
	return binary.LittleEndian.Uint64(sum[:8])
}

// cacheKey scopes an audio hash to the target language it was translated
// under; the same audio hash translated to two different languages must not
// collide.
type cacheKey struct {
	hash     uint64
	language string
}

// Cache is a bounded, thread-safe LRU of inference results keyed by audio
// hash and target language.
type Cache struct {
	lru *lru.Cache[cacheKey, Response]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates a cache holding up to capacity entries. A non-positive
// capacity falls back to [defaultCacheCapacity].
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	c, err := lru.New[cacheKey, Response](capacity)
	if err != nil {
		// Only returned for capacity <= 0, already guarded above.
		panic(err)
	}
	return &Cache{lru: c}
}

// Get looks up a previously cached result for (audioHash, targetLanguage).
func (c *Cache) Get(audioHash uint64, targetLanguage string) (Response, bool) {
	v, ok := c.lru.Get(cacheKey{hash: audioHash, language: targetLanguage})
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	observe.DefaultMetrics().RecordVoiceCacheLookup(context.Background(), ok)
	return v, ok
}

// Put stores resp under (audioHash, targetLanguage), unconditionally
// overwriting whatever was previously cached for that key.
func (c *Cache) Put(audioHash uint64, targetLanguage string, resp Response) {
	c.lru.Add(cacheKey{hash: audioHash, language: targetLanguage}, resp)
}

// Contains reports whether (audioHash, targetLanguage) is cached, without
// affecting recency order or hit/miss counters.
func (c *Cache) Contains(audioHash uint64, targetLanguage string) bool {
	return c.lru.Contains(cacheKey{hash: audioHash, language: targetLanguage})
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Clear discards every cached entry, leaving hit/miss counters untouched.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// ResetStats zeroes the cumulative hit/miss counters, leaving cached entries
// untouched. Used between test runs and load-test phases that want a clean
// hit-rate measurement.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// CacheStats reports cumulative cache hit/miss counts and the derived hit
// rate.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Total   uint64
	HitRate float64
}

// Stats returns the cache's cumulative hit/miss counters and hit rate. A
// cache with no lookups yet reports a hit rate of 0.
func (c *Cache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{Hits: hits, Misses: misses, Total: total, HitRate: hitRate}
}
