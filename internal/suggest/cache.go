package suggest

import (
	"sort"
	"time"
)

// cacheEntry pairs cached suggestions with their insert time.
type cacheEntry struct {
	suggestions []Suggestion
	insertedAt  time.Time
}

// suggestionCache holds recent results keyed by context fingerprint.
// Entries are pruned by both TTL and keep-most-recent-N on every insert.
// Not safe for concurrent use; the orchestrator's mutex guards it.
type suggestionCache struct {
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newSuggestionCache(ttl time.Duration, maxSize int) *suggestionCache {
	return &suggestionCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached suggestions for the fingerprint, or false when
// absent or expired. Expired entries are dropped on read.
func (c *suggestionCache) Get(fingerprint string) ([]Suggestion, bool) {
	entry, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.insertedAt) > c.ttl {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return entry.suggestions, true
}

// Put inserts a result and prunes: first every expired entry, then the
// oldest entries beyond maxSize.
func (c *suggestionCache) Put(fingerprint string, suggestions []Suggestion) {
	now := c.now()
	c.entries[fingerprint] = cacheEntry{suggestions: suggestions, insertedAt: now}

	for key, entry := range c.entries {
		if now.Sub(entry.insertedAt) > c.ttl {
			delete(c.entries, key)
		}
	}

	if len(c.entries) <= c.maxSize {
		return
	}
	type keyed struct {
		key string
		at  time.Time
	}
	all := make([]keyed, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, keyed{key, entry.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	for _, victim := range all[c.maxSize:] {
		delete(c.entries, victim.key)
	}
}

// Len returns the current entry count.
func (c *suggestionCache) Len() int {
	return len(c.entries)
}
