package columns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseColumn(t *testing.T) {
	t.Run("basic_access", func(t *testing.T) {
		c := NewDense([]Term{5, 3, 9})
		assert.Equal(t, 3, c.Len())
		assert.Equal(t, Term(5), c.Get(0))
		assert.Equal(t, Term(9), c.Get(2))
		assert.Equal(t, Term(5), c.First())
		assert.False(t, c.IsEmpty())
		assert.False(t, c.IsEDB())
		assert.True(t, c.IsBackedBySlice())
	})

	t.Run("reader_yields_all_values", func(t *testing.T) {
		c := NewDense([]Term{1, 2, 3})
		r := c.Reader()
		var got []Term
		for r.HasNext() {
			got = append(got, r.Next())
		}
		assert.Equal(t, []Term{1, 2, 3}, got)
	})

	t.Run("sort_returns_ascending_copy", func(t *testing.T) {
		c := NewDense([]Term{5, 3, 9, 3})
		sorted := c.Sort()
		assert.Equal(t, []Term{3, 3, 5, 9}, sorted.Values())
		// Receiver unchanged.
		assert.Equal(t, Term(5), c.Get(0))
	})

	t.Run("sorted_unique", func(t *testing.T) {
		c := NewDense([]Term{4, 1, 4, 2, 1})
		assert.Equal(t, []Term{1, 2, 4}, c.SortedUnique().Values())
	})

	t.Run("slice_is_view", func(t *testing.T) {
		c := NewDense([]Term{1, 2, 3, 4})
		s := c.Slice(1, 3)
		assert.Equal(t, []Term{2, 3}, s.Values())
	})
}

func TestConstColumn(t *testing.T) {
	c := NewConst(7, 4)
	assert.Equal(t, 4, c.Len())
	assert.True(t, c.IsConstant())
	assert.Equal(t, Term(7), c.Get(3))
	assert.Equal(t, []Term{7, 7, 7, 7}, c.Values())
	assert.Equal(t, []Term{7}, c.SortedUnique().Values())
	assert.Equal(t, 2, c.Slice(1, 3).Len())
}

func TestCompressedColumn(t *testing.T) {
	t.Run("delta_runs", func(t *testing.T) {
		c := NewCompressed([]Block{{Start: 10, Delta: 1, Length: 3}, {Start: 100, Delta: 0, Length: 2}})
		assert.Equal(t, 5, c.Len())
		assert.Equal(t, []Term{10, 11, 12, 100, 100}, c.Values())
		assert.Equal(t, Term(12), c.Get(2))
		assert.Equal(t, Term(100), c.Get(4))
		assert.False(t, c.IsConstant())
	})

	t.Run("constant_detection", func(t *testing.T) {
		assert.True(t, NewCompressed([]Block{{Start: 9, Delta: 0, Length: 5}}).IsConstant())
		assert.False(t, NewOffsetColumn(3).IsConstant())
	})

	t.Run("offset_column", func(t *testing.T) {
		c := NewOffsetColumn(4)
		assert.Equal(t, []Term{0, 1, 2, 3}, c.Values())
	})

	t.Run("slice_crosses_blocks", func(t *testing.T) {
		c := NewCompressed([]Block{{Start: 0, Delta: 2, Length: 3}, {Start: 50, Delta: 1, Length: 3}})
		s := c.Slice(2, 5)
		assert.Equal(t, []Term{4, 50, 51}, s.Values())
	})

	t.Run("reader_matches_values", func(t *testing.T) {
		c := NewCompressed([]Block{{Start: 3, Delta: -1, Length: 3}})
		r := c.Reader()
		var got []Term
		for r.HasNext() {
			got = append(got, r.Next())
		}
		assert.Equal(t, []Term{3, 2, 1}, got)
	})
}

func TestAntijoin(t *testing.T) {
	t.Run("removes_common_values", func(t *testing.T) {
		a := NewDenseSorted([]Term{1, 2, 3, 5})
		b := NewDenseSorted([]Term{2, 4, 5})
		kept, allNew := Antijoin(a, b)
		assert.False(t, allNew)
		assert.Equal(t, []Term{1, 3}, kept.Values())
	})

	t.Run("all_new_shares_input", func(t *testing.T) {
		a := NewDenseSorted([]Term{1, 3})
		b := NewDenseSorted([]Term{2, 4})
		kept, allNew := Antijoin(a, b)
		require.True(t, allNew)
		assert.Same(t, Column(a), kept)
	})

	t.Run("empty_right_keeps_everything", func(t *testing.T) {
		a := NewDenseSorted([]Term{1, 2})
		kept, allNew := Antijoin(a, NewDenseSorted(nil))
		assert.True(t, allNew)
		assert.Equal(t, 2, kept.Len())
	})

	t.Run("all_duplicates", func(t *testing.T) {
		a := NewDenseSorted([]Term{1, 2})
		kept, allNew := Antijoin(a, NewDenseSorted([]Term{1, 2, 3}))
		assert.False(t, allNew)
		assert.Equal(t, 0, kept.Len())
	})
}

func TestCountHits(t *testing.T) {
	c := NewDenseSorted([]Term{1, 3, 5, 7})
	assert.Equal(t, 2, CountHits(c, []Term{3, 4, 7}))
	assert.Equal(t, 0, CountHits(c, []Term{2}))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(NewDense([]Term{1, 2}), NewCompressed([]Block{{Start: 1, Delta: 1, Length: 2}})))
	assert.False(t, Equal(NewDense([]Term{1, 2}), NewDense([]Term{1, 3})))
	assert.False(t, Equal(NewDense([]Term{1}), NewDense([]Term{1, 1})))
}
