// internal/cache/cache.go
// Package cache implements the in-process edge cache for rendered responses.
// Entries are keyed by the canonical request key produced from the normalized
// headers, so the key space stays bounded by the breakpoint and format
// ladders rather than raw client hints.
package cache

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pixelgate/pixelgate-serve-go/internal/edge"
)

// Entry is a cached rendered response.
type Entry struct {
	Status       int
	ContentType  string
	CacheControl string
	Body         []byte
}

// Cache is a size-bounded TTL cache of rendered responses.
type Cache struct {
	lru *expirable.LRU[string, Entry]
}

// New creates a cache holding at most size entries, each for at most ttl.
func New(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

// Get looks up a cached response by canonical key.
func (c *Cache) Get(key string) (Entry, bool) {
	return c.lru.Get(key)
}

// Put stores a rendered response. Only successful renders are cached; error
// responses carry their own cache-control and are left to upstream caches.
func (c *Cache) Put(key string, entry Entry) {
	if entry.Status < 200 || entry.Status >= 300 {
		return
	}
	c.lru.Add(key, entry)
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry. Used when a freshly built index replaces the
// running configuration.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// canonicalHeaders participate in the cache key, in fixed order. They are the
// normalizer's outputs, already quantized to bounded value sets.
var canonicalHeaders = []string{
	edge.HeaderHost,
	edge.HeaderViewport,
	edge.HeaderDPR,
	edge.HeaderFormat,
}

// Key derives the canonical cache key for a request: path, sorted query, and
// the canonical header values. Two requests that normalize identically always
// produce the same key.
func Key(r *http.Request) string {
	var b strings.Builder
	b.WriteString(r.URL.Path)

	q := r.URL.Query()
	if len(q) > 0 {
		names := make([]string, 0, len(q))
		for name := range q {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteByte('&')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(q.Get(name))
		}
	}

	for _, name := range canonicalHeaders {
		b.WriteByte('|')
		b.WriteString(r.Header.Get(name))
	}

	return b.String()
}
