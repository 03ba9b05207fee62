package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// DefaultCacheCapacity is the embedding cache capacity used when none is
// configured.
const DefaultCacheCapacity = 1000

// CacheStats reports embedding cache effectiveness counters.
type CacheStats struct {
	// Hits is the number of Embed calls served from the cache.
	Hits uint64

	// Misses is the number of Embed calls that reached the provider.
	Misses uint64

	// Size is the current number of cached entries.
	Size int
}

// Cached wraps a Provider and deduplicates Embed requests by a hash of the
// input text. The cache is bounded; when full, the oldest inserted entry is
// evicted first (FIFO).
//
// Repeated utterances ("yes", "okay", greeting phrases) dominate voice
// conversations, so even a small cache removes a large share of embedding
// calls from the turn path.
type Cached struct {
	provider Provider
	capacity int

	mu      sync.Mutex
	entries map[string][]float32
	order   []string // insertion order, oldest first

	hits   uint64
	misses uint64
}

// NewCached creates a caching decorator around provider. A capacity <= 0
// falls back to DefaultCacheCapacity.
func NewCached(provider Provider, capacity int) *Cached {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cached{
		provider: provider,
		capacity: capacity,
		entries:  make(map[string][]float32, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Embed returns the cached vector for text, or fetches it from the wrapped
// provider and caches it. Provider errors are returned unchanged and leave
// the cache untouched.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)

	c.mu.Lock()
	if vec, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return vec, nil
	}
	c.misses++
	c.mu.Unlock()

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insert(key, vec)
	c.mu.Unlock()

	return vec, nil
}

// EmbedBatch embeds texts, serving cached entries and fetching only the
// misses in one provider call. Result order matches the input order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.Lock()
	for i, text := range texts {
		key := hashText(text)
		if vec, ok := c.entries[key]; ok {
			c.hits++
			results[i] = vec
			continue
		}
		c.misses++
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return results, nil
	}

	fetched, err := c.provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for j, vec := range fetched {
		results[missingIdx[j]] = vec
		c.insert(hashText(missing[j]), vec)
	}
	c.mu.Unlock()

	return results, nil
}

// Dimensions returns the wrapped provider's vector dimension.
func (c *Cached) Dimensions() int {
	return c.provider.Dimensions()
}

// Close closes the wrapped provider.
func (c *Cached) Close() error {
	return c.provider.Close()
}

// Stats returns a snapshot of the cache counters.
func (c *Cached) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   len(c.entries),
	}
}

// insert adds an entry, evicting the oldest one when at capacity.
// Caller must hold c.mu.
func (c *Cached) insert(key string, vec []float32) {
	if _, ok := c.entries[key]; ok {
		return
	}
	if len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = vec
	c.order = append(c.order, key)
}

// hashText returns the cache key for text.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
