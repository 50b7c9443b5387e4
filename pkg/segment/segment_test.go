package segment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

func collectRows(t *testing.T, s Segment) [][]Term {
	t.Helper()
	var out [][]Term
	it := s.Iterator()
	for it.Next() {
		row := make([]Term, s.NColumns())
		for i := range row {
			row[i] = it.Get(i)
		}
		out = append(out, row)
	}
	return out
}

func collectNodes(s Segment) []uint64 {
	var out []uint64
	it := s.Iterator()
	for it.Next() {
		out = append(out, it.NodeID())
	}
	return out
}

func TestUnarySegments(t *testing.T) {
	t.Run("sort_and_unique", func(t *testing.T) {
		s := NewUnary([]Term{3, 1, 3, 2}, 7, false, 0)
		sorted := s.Sort()
		require.True(t, sorted.IsSorted())
		uniq, err := sorted.Unique()
		require.NoError(t, err)
		assert.Equal(t, [][]Term{{1}, {2}, {3}}, collectRows(t, uniq))
	})

	t.Run("unique_requires_sorted", func(t *testing.T) {
		s := NewUnary([]Term{3, 1}, 0, false, 0)
		_, err := s.Unique()
		assert.ErrorIs(t, err, ErrNotSorted)
	})

	t.Run("const_prov_iterator_reports_node", func(t *testing.T) {
		s := NewUnaryConstProv([]Term{10, 20}, 5, true, 0)
		assert.Equal(t, SameNode, s.ProvType())
		assert.Equal(t, []uint64{5, 5}, collectNodes(s))
	})

	t.Run("swap_unsupported", func(t *testing.T) {
		_, err := NewUnary([]Term{1}, 0, true, 0).Swap()
		assert.ErrorIs(t, err, ErrUnsupportedShape)
	})

	t.Run("unique_keeps_first_provenance", func(t *testing.T) {
		s := NewUnaryProv([]TermProv{{Value: 1, Node: 3}, {Value: 1, Node: 9}, {Value: 2, Node: 4}}, rules.NoNode, true, 0)
		uniq, err := s.Unique()
		require.NoError(t, err)
		assert.Equal(t, []uint64{3, 4}, collectNodes(uniq))
	})
}

// sortByProv must be stable: rows with the same predecessor keep their
// original relative order.
func TestSortByProvStability(t *testing.T) {
	s := NewUnaryProv([]TermProv{
		{Value: 9, Node: 2},
		{Value: 1, Node: 1},
		{Value: 7, Node: 2},
		{Value: 3, Node: 1},
	}, rules.NoNode, false, 0)
	ordered := s.SortByProv()
	assert.Equal(t, [][]Term{{1}, {3}, {9}, {7}}, collectRows(t, ordered))
	assert.Equal(t, []uint64{1, 1, 2, 2}, collectNodes(ordered))

	t.Run("binary", func(t *testing.T) {
		s := NewBinaryProv([]PairProv{
			{First: 5, Second: 6, Node: 8},
			{First: 1, Second: 2, Node: 3},
			{First: 7, Second: 7, Node: 8},
		}, rules.NoNode, false, 0)
		ordered := s.SortByProv()
		assert.Equal(t, []uint64{3, 8, 8}, collectNodes(ordered))
		assert.Equal(t, [][]Term{{1, 2}, {5, 6}, {7, 7}}, collectRows(t, ordered))
	})
}

// sliceByNodes concatenated back must equal the segment sorted by
// predecessor.
func TestSliceByNodes(t *testing.T) {
	s := NewUnaryProv([]TermProv{
		{Value: 1, Node: 4},
		{Value: 2, Node: 4},
		{Value: 3, Node: 9},
		{Value: 5, Node: 11},
		{Value: 6, Node: 11},
	}, rules.NoNode, true, 0)
	ordered := s.SortByProv()
	chunks, provNodes := ordered.SliceByNodes(100)

	require.Len(t, chunks, 3)
	assert.Equal(t, []uint64{4, 9, 11}, provNodes)
	assert.Equal(t, uint64(100), chunks[0].NodeID())
	assert.Equal(t, uint64(102), chunks[2].NodeID())

	var rejoined [][]Term
	for _, c := range chunks {
		assert.Equal(t, SameNode, c.ProvType())
		rejoined = append(rejoined, collectRows(t, c)...)
	}
	assert.Equal(t, collectRows(t, ordered), rejoined)
}

func TestBinarySegments(t *testing.T) {
	t.Run("swap_exchanges_columns", func(t *testing.T) {
		s := NewBinary([]Pair{{First: 1, Second: 2}, {First: 3, Second: 4}}, 0, true, 0)
		swapped, err := s.Swap()
		require.NoError(t, err)
		assert.Equal(t, [][]Term{{2, 1}, {4, 3}}, collectRows(t, swapped))
		assert.False(t, swapped.IsSorted())
	})

	t.Run("sort_by_second_field", func(t *testing.T) {
		s := NewBinary([]Pair{{First: 1, Second: 9}, {First: 2, Second: 3}}, 0, false, 0)
		bySecond := s.SortBy([]int{1})
		assert.Equal(t, [][]Term{{2, 3}, {1, 9}}, collectRows(t, bySecond))
		assert.True(t, bySecond.IsSortedBy([]int{1}))
		assert.False(t, bySecond.IsSorted())
	})

	t.Run("unique_ignores_provenance", func(t *testing.T) {
		s := NewBinaryProv([]PairProv{
			{First: 1, Second: 1, Node: 2},
			{First: 1, Second: 1, Node: 7},
			{First: 2, Second: 2, Node: 7},
		}, rules.NoNode, true, 0)
		uniq, err := s.Unique()
		require.NoError(t, err)
		assert.Equal(t, [][]Term{{1, 1}, {2, 2}}, collectRows(t, uniq))
		assert.Equal(t, []uint64{2, 7}, collectNodes(uniq))
	})

	t.Run("count_hit_pairs", func(t *testing.T) {
		s := NewBinary([]Pair{{First: 1, Second: 2}, {First: 2, Second: 3}}, 0, true, 0)
		hits, err := s.CountHitPairs([]Pair{{First: 1, Second: 2}, {First: 2, Second: 9}}, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, hits)
	})
}

func TestColumnarSegment(t *testing.T) {
	mk := func() *Columnar {
		return NewColumnar([]columns.Column{
			columns.NewDense([]Term{3, 1, 2}),
			columns.NewDense([]Term{30, 10, 20}),
			columns.NewDense([]Term{300, 100, 200}),
		}, 3, false, 0, 0)
	}

	t.Run("sort_orders_all_columns", func(t *testing.T) {
		sorted := mk().Sort()
		assert.Equal(t, [][]Term{{1, 10, 100}, {2, 20, 200}, {3, 30, 300}}, collectRows(t, sorted))
	})

	t.Run("provenance_travels_with_rows", func(t *testing.T) {
		s := NewColumnar([]columns.Column{
			columns.NewDense([]Term{2, 1}),
			columns.NewDense([]Term{77, 88}),
		}, 2, false, 0, 1)
		sorted := s.Sort()
		assert.Equal(t, []uint64{88, 77}, collectNodes(sorted))
	})

	t.Run("same_node_detection", func(t *testing.T) {
		s := NewColumnar([]columns.Column{
			columns.NewDense([]Term{1, 2}),
			columns.NewConst(5, 2),
		}, 2, true, 0, 1)
		assert.Equal(t, SameNode, s.ProvType())
		assert.Equal(t, uint64(5), s.NodeID())
	})

	t.Run("slice_reassigns_node", func(t *testing.T) {
		s := NewColumnar([]columns.Column{
			columns.NewDense([]Term{1, 2, 3}),
			columns.NewDense([]Term{7, 8, 9}),
		}, 3, true, 0, 1)
		sliced := s.Slice(42, 1, 3)
		assert.Equal(t, 2, sliced.NRows())
		assert.Equal(t, uint64(42), sliced.NodeID())
		assert.Equal(t, SameNode, sliced.ProvType())
	})

	t.Run("unique_on_data_columns", func(t *testing.T) {
		s := NewColumnar([]columns.Column{
			columns.NewDense([]Term{1, 1, 2}),
			columns.NewDense([]Term{5, 5, 6}),
			columns.NewDense([]Term{100, 101, 102}),
		}, 3, true, 0, 1)
		uniq, err := s.Unique()
		require.NoError(t, err)
		assert.Equal(t, 2, uniq.NRows())
		assert.Equal(t, []uint64{100, 102}, collectNodes(uniq))
	})
}

func TestInserter(t *testing.T) {
	t.Run("builds_unary", func(t *testing.T) {
		ins := NewInserter(1, 0)
		ins.AddRow([]Term{4})
		ins.AddRow([]Term{2})
		seg := ins.Build(NoProv, 9, false, 0)
		_, ok := seg.(*Unary)
		require.True(t, ok)
		assert.Equal(t, 2, seg.NRows())
	})

	t.Run("builds_binary_diffnodes", func(t *testing.T) {
		ins := NewInserter(3, 1)
		ins.AddRow([]Term{1, 2, 40})
		ins.AddRow([]Term{3, 4, 41})
		seg := ins.Build(DiffNodes, rules.NoNode, false, 0)
		assert.Equal(t, DiffNodes, seg.ProvType())
		assert.Equal(t, []uint64{40, 41}, collectNodes(seg))
		assert.Equal(t, 2, seg.NColumns())
	})

	t.Run("builds_columnar_for_wide_rows", func(t *testing.T) {
		ins := NewInserter(4, 1)
		ins.AddRow([]Term{1, 2, 3, 9})
		seg := ins.Build(DiffNodes, rules.NoNode, false, 0)
		assert.Equal(t, 3, seg.NColumns())
		assert.Equal(t, []uint64{9}, collectNodes(seg))
	})
}

func TestFromColumns(t *testing.T) {
	t.Run("collapses_const_prov", func(t *testing.T) {
		seg := FromColumns([]columns.Column{
			columns.NewDense([]Term{1, 2}),
			columns.NewConst(6, 2),
		}, 2, true, 0, true)
		assert.Equal(t, SameNode, seg.ProvType())
		assert.Equal(t, uint64(6), seg.NodeID())
	})

	t.Run("keeps_per_row_prov", func(t *testing.T) {
		seg := FromColumns([]columns.Column{
			columns.NewDense([]Term{1, 2}),
			columns.NewDense([]Term{10, 11}),
			columns.NewDense([]Term{6, 7}),
		}, 2, false, 0, true)
		assert.Equal(t, DiffNodes, seg.ProvType())
		assert.Equal(t, []uint64{6, 7}, collectNodes(seg))
	})
}

func TestCompareOn(t *testing.T) {
	left := NewBinary([]Pair{{First: 1, Second: 5}}, 0, true, 0).Iterator()
	right := NewBinary([]Pair{{First: 5, Second: 1}}, 0, true, 0).Iterator()
	require.True(t, left.Next())
	require.True(t, right.Next())
	// Join left column 1 with right column 0: both are 5.
	assert.Equal(t, 0, CompareOn(left, right, []JoinPair{{Left: 1, Right: 0}}))
	assert.Equal(t, -1, CompareOn(left, right, []JoinPair{{Left: 0, Right: 0}}))
}

func TestIteratorMarkReset(t *testing.T) {
	it := NewUnary([]Term{1, 2, 3}, 0, true, 0).Iterator()
	require.True(t, it.Next())
	it.Mark()
	require.True(t, it.Next())
	assert.Equal(t, Term(2), it.Get(0))
	it.Reset()
	assert.Equal(t, Term(1), it.Get(0))
}

// A unary segment only has column 0; duplicating it into a pair is the one
// meaningful projection.
func TestUnaryAppendPairs(t *testing.T) {
	s := NewUnary([]Term{4, 5}, 0, true, 0)
	pairs := s.AppendPairs(0, 0, nil)
	assert.Equal(t, []Pair{{First: 4, Second: 4}, {First: 5, Second: 5}}, pairs)
}

func TestAppendHelpers(t *testing.T) {
	s := NewBinaryConstProv([]Pair{{First: 1, Second: 2}, {First: 3, Second: 4}}, 11, true, 0)

	pairs := s.AppendPairs(1, 0, nil)
	if diff := cmp.Diff([]Pair{{First: 2, Second: 1}, {First: 4, Second: 3}}, pairs); diff != "" {
		t.Errorf("pairs mismatch (-want +got):\n%s", diff)
	}

	withProv := s.AppendPairsProv(0, 1, nil)
	assert.Equal(t, uint64(11), withProv[0].Node)

	var cols [][]Term
	cols = append(cols, nil, nil, nil)
	s.AppendColumns([]int{0, 1}, cols, true)
	assert.Equal(t, []Term{1, 3}, cols[0])
	assert.Equal(t, []Term{11, 11}, cols[2])
}
