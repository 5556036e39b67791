package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/upb/inference-gateway/services/providers"
)

// Key identifies a cacheable completion request
type Key string

// keyMaterial holds the request fields that influence the completion
type keyMaterial struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
	TopP        float64             `json:"top_p"`
	Stop        []string            `json:"stop"`
	Scope       string              `json:"scope"`
}

// KeyFor derives a cache key from a request. scope separates otherwise equal
// requests, e.g. requests routed with different strategies.
func KeyFor(req *providers.ChatRequest, scope string) Key {
	b, _ := json.Marshal(keyMaterial{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Scope:       scope,
	})
	sum := sha256.Sum256(b)
	return Key(hex.EncodeToString(sum[:]))
}

// ResponseCache is an in-memory LRU cache with TTL for completed responses.
// Entries hold the completion only; request metadata is never stored.
type ResponseCache struct {
	lru     *expirable.LRU[Key, *providers.ChatResponse]
	maxSize int
	ttl     time.Duration
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewResponseCache creates a new ResponseCache with specified max size and TTL.
// Expired entries are swept in the background.
func NewResponseCache(maxSize int, ttl time.Duration) *ResponseCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ResponseCache{
		lru:     expirable.NewLRU[Key, *providers.ChatResponse](maxSize, nil, ttl),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns a copy of the cached response, or nil if absent or expired.
func (c *ResponseCache) Get(key Key) *providers.ChatResponse {
	resp, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return clone(resp)
}

// Set stores a copy of resp without its metadata.
func (c *ResponseCache) Set(key Key, resp *providers.ChatResponse) {
	if resp == nil {
		return
	}
	stored := clone(resp)
	stored.Metadata = nil
	c.lru.Add(key, stored)
}

// Clear removes all entries from the cache
func (c *ResponseCache) Clear() {
	c.lru.Purge()
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	TTL     string  `json:"ttl"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *ResponseCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		TTL:     c.ttl.String(),
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// clone copies resp deep enough that callers cannot reach cached state.
func clone(resp *providers.ChatResponse) *providers.ChatResponse {
	out := *resp
	if resp.Choices != nil {
		out.Choices = make([]providers.Choice, len(resp.Choices))
		copy(out.Choices, resp.Choices)
	}
	if resp.Metadata != nil {
		out.Metadata = make(map[string]string, len(resp.Metadata))
		for k, v := range resp.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
