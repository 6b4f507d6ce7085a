package suggest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitWithinTTL(t *testing.T) {
	c := newSuggestionCache(time.Minute, 10)
	c.Put("fp", []Suggestion{{Command: "ls"}})

	got, ok := c.Get("fp")
	require.True(t, ok)
	assert.Equal(t, "ls", got[0].Command)
}

func TestCacheExpiresByTTL(t *testing.T) {
	c := newSuggestionCache(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("fp", []Suggestion{{Command: "ls"}})

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := c.Get("fp")
	assert.False(t, ok, "entries older than the TTL must not be returned")
	assert.Equal(t, 0, c.Len(), "expired entries are dropped on read")
}

func TestCacheNeverExceedsMaxSize(t *testing.T) {
	c := newSuggestionCache(time.Hour, 3)
	base := time.Now()
	tick := 0
	c.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("fp-%d", i), []Suggestion{{Command: "x"}})
		assert.LessOrEqual(t, c.Len(), 3, "size bound must hold after every insert")
	}

	// Most recent entries survive.
	_, ok := c.Get("fp-9")
	assert.True(t, ok)
	_, ok = c.Get("fp-0")
	assert.False(t, ok)
}

func TestCachePruneExpiredOnInsert(t *testing.T) {
	c := newSuggestionCache(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("old", []Suggestion{{Command: "a"}})

	c.now = func() time.Time { return base.Add(5 * time.Minute) }
	c.Put("new", []Suggestion{{Command: "b"}})

	assert.Equal(t, 1, c.Len(), "insert must prune expired entries")
	_, ok := c.Get("new")
	assert.True(t, ok)
}
