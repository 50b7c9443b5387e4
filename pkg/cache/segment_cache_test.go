package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/segment"
)

func seg(values ...segment.Term) segment.Segment {
	return segment.NewUnary(values, 0, true, 0)
}

func TestCacheGetPut(t *testing.T) {
	c := New(10)
	nodes := []uint64{1, 2}
	fields := []int{0}

	_, ok := c.Get(nodes, fields)
	assert.False(t, ok)

	s := seg(1, 2, 3)
	c.Put(nodes, fields, s)

	got, ok := c.Get(nodes, fields)
	require.True(t, ok)
	assert.Same(t, s, got)

	t.Run("distinct_fields_are_distinct_keys", func(t *testing.T) {
		_, ok := c.Get(nodes, []int{1})
		assert.False(t, ok)
	})

	t.Run("distinct_node_sets_are_distinct_keys", func(t *testing.T) {
		_, ok := c.Get([]uint64{1}, fields)
		assert.False(t, ok)
	})

	t.Run("stats", func(t *testing.T) {
		hits, misses := c.Stats()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(3), misses)
	})
}

func TestCacheInvalidate(t *testing.T) {
	c := New(10)
	c.Put([]uint64{1, 2}, []int{0}, seg(1))
	c.Put([]uint64{2, 3}, []int{0}, seg(2))
	c.Put([]uint64{4}, []int{0}, seg(3))
	require.Equal(t, 3, c.Len())

	// Node 2 participates in the first two entries.
	c.Invalidate(2)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get([]uint64{4}, []int{0})
	assert.True(t, ok)
	_, ok = c.Get([]uint64{1, 2}, []int{0})
	assert.False(t, ok)
}

func TestCacheLRUEviction(t *testing.T) {
	c := New(2)
	c.Put([]uint64{1}, []int{0}, seg(1))
	c.Put([]uint64{2}, []int{0}, seg(2))

	// Touch entry 1 so entry 2 becomes the eviction candidate.
	_, ok := c.Get([]uint64{1}, []int{0})
	require.True(t, ok)

	c.Put([]uint64{3}, []int{0}, seg(3))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get([]uint64{2}, []int{0})
	assert.False(t, ok)
	_, ok = c.Get([]uint64{1}, []int{0})
	assert.True(t, ok)
}

func TestCacheUnbounded(t *testing.T) {
	c := New(-1)
	for i := uint64(0); i < 100; i++ {
		c.Put([]uint64{i}, []int{0}, seg(segment.Term(i)))
	}
	assert.Equal(t, 100, c.Len())
}
