// Package cache provides sorted-segment memoization for MuninDB.
//
// Rule executions repeatedly sort the merged segment of the same node set by
// the same join fields. The cache keys the sorted variant by (node id set,
// sort field list) so the second rule needing it gets it for free.
//
// Features:
// - LRU eviction for bounded memory
// - Per-node invalidation (term replacement and consolidation mutate nodes)
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	c := cache.New(256)
//
//	if seg, ok := c.Get(nodes, fields); ok {
//		return seg // cache hit
//	}
//	sorted := merged.SortBy(fields)
//	c.Put(nodes, fields, sorted)
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"

	"github.com/orneryd/munindb/pkg/segment"
)

// Cache is a thread-safe LRU cache of sorted segments.
type Cache struct {
	mu sync.Mutex

	maxSize int

	list  *list.List
	items map[uint64]*list.Element
	// byNode indexes entries by participating node for invalidation.
	byNode map[uint64]map[uint64]struct{}

	hits   uint64
	misses uint64
}

type entry struct {
	key    uint64
	nodes  []uint64
	fields []int
	seg    segment.Segment
}

// New creates a cache holding at most maxSize entries. maxSize <= 0 disables
// the size bound.
func New(maxSize int) *Cache {
	return &Cache{
		maxSize: maxSize,
		list:    list.New(),
		items:   map[uint64]*list.Element{},
		byNode:  map[uint64]map[uint64]struct{}{},
	}
}

// key hashes the node set and field list. Callers pass node ids in a stable
// (sorted) order; the executor's node sets come straight from the graph's
// per-predicate lists which are insertion ordered.
func key(nodes []uint64, fields []int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, n := range nodes {
		putUint64(&buf, n)
		h.Write(buf[:])
	}
	putUint64(&buf, ^uint64(0)) // separator between the two lists
	h.Write(buf[:])
	for _, f := range fields {
		putUint64(&buf, uint64(f))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func putUint64(buf *[8]byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// Get returns the cached sorted segment for (nodes, fields).
func (c *Cache) Get(nodes []uint64, fields []int) (segment.Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key(nodes, fields)]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	// Hash collisions must not hand back the wrong segment.
	if !sameNodes(e.nodes, nodes) || !sameFields(e.fields, fields) {
		c.misses++
		return nil, false
	}
	c.list.MoveToFront(el)
	c.hits++
	return e.seg, true
}

// Put stores the sorted segment for (nodes, fields).
func (c *Cache) Put(nodes []uint64, fields []int, seg segment.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(nodes, fields)
	if el, ok := c.items[k]; ok {
		el.Value.(*entry).seg = seg
		c.list.MoveToFront(el)
		return
	}
	e := &entry{
		key:    k,
		nodes:  append([]uint64(nil), nodes...),
		fields: append([]int(nil), fields...),
		seg:    seg,
	}
	c.items[k] = c.list.PushFront(e)
	for _, n := range e.nodes {
		if c.byNode[n] == nil {
			c.byNode[n] = map[uint64]struct{}{}
		}
		c.byNode[n][k] = struct{}{}
	}
	if c.maxSize > 0 && c.list.Len() > c.maxSize {
		c.evictOldest()
	}
}

// Invalidate drops every entry whose node set contains nodeID. The graph
// calls it whenever a node's data is replaced (term replacement,
// consolidation).
func (c *Cache) Invalidate(nodeID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.byNode[nodeID] {
		if el, ok := c.items[k]; ok {
			c.remove(el)
		}
	}
	delete(c.byNode, nodeID)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) evictOldest() {
	el := c.list.Back()
	if el != nil {
		c.remove(el)
	}
}

func (c *Cache) remove(el *list.Element) {
	e := el.Value.(*entry)
	c.list.Remove(el)
	delete(c.items, e.key)
	for _, n := range e.nodes {
		if set, ok := c.byNode[n]; ok {
			delete(set, e.key)
			if len(set) == 0 {
				delete(c.byNode, n)
			}
		}
	}
}

func sameNodes(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameFields(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
