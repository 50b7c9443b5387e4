package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

func eqPairs(pairs ...segment.Pair) segment.Segment {
	return segment.NewBinaryConstProv(pairs, rules.NoNode, false, 0)
}

func TestReplaceEqualTermsUNA(t *testing.T) {
	t.Run("two_constants_contradict", func(t *testing.T) {
		g := newProvGraph(t, false)
		addUnaryNode(t, g, predP, 1, 1, 2)
		err := g.ReplaceEqualTerms(0, 2, eqPairs(segment.Pair{First: 1, Second: 2}))
		assert.ErrorIs(t, err, ErrUNAContradiction)
	})

	t.Run("null_loser_is_rewritten", func(t *testing.T) {
		g := newProvGraph(t, false)
		null := g.NextFreshNull()
		// Nulls sort above every dictionary constant.
		addUnaryNode(t, g, predP, 1, 1, 90, segment.Term(null))

		err := g.ReplaceEqualTerms(0, 2, eqPairs(segment.Pair{First: segment.Term(null), Second: 1}))
		require.NoError(t, err)

		// The null vanished; 1 stays (the rewritten row 1 is retained
		// away as a duplicate of the kept row 1).
		var all []segment.Term
		for _, id := range g.NodeIDsWithPredicate(predP) {
			all = append(all, unaryRows(g.NodeData(id))...)
		}
		assert.ElementsMatch(t, []segment.Term{1, 90}, all)
	})

	t.Run("reflexive_pairs_are_ignored", func(t *testing.T) {
		g := newProvGraph(t, false)
		addUnaryNode(t, g, predP, 1, 3)
		require.NoError(t, g.ReplaceEqualTerms(0, 2, eqPairs(segment.Pair{First: 3, Second: 3})))
		assert.Equal(t, 1, g.NNodes())
	})
}

// Term replacement fixpoint: after the call, no node row contains a loser
// term, even through chains null2 -> null1 -> constant.
func TestReplaceEqualTermsFixpoint(t *testing.T) {
	g := newProvGraph(t, false)
	null1 := segment.Term(g.NextFreshNull())
	null2 := segment.Term(g.NextFreshNull())
	addUnaryNode(t, g, predP, 1, 7, 40, null1, null2)

	// null1 = 7 and null2 = null1: both must end at 7.
	err := g.ReplaceEqualTerms(0, 2, eqPairs(
		segment.Pair{First: null1, Second: 7},
		segment.Pair{First: null2, Second: null1},
	))
	require.NoError(t, err)

	losers := map[segment.Term]bool{null1: true, null2: true}
	for _, id := range g.NodeIDsWithPredicate(predP) {
		for _, v := range unaryRows(g.NodeData(id)) {
			assert.False(t, losers[v], "loser %d survived in node %d", v, id)
		}
	}

	var all []segment.Term
	for _, id := range g.NodeIDsWithPredicate(predP) {
		all = append(all, unaryRows(g.NodeData(id))...)
	}
	assert.ElementsMatch(t, []segment.Term{7, 40}, all)
}

func TestReplaceEqualTermsBinary(t *testing.T) {
	g := newProvGraph(t, false)
	null := segment.Term(g.NextFreshNull())
	n := addBinaryNode(t, g, predP, 1,
		segment.Pair{First: 1, Second: null},
		segment.Pair{First: 2, Second: 5})

	require.NoError(t, g.ReplaceEqualTerms(3, 2, eqPairs(segment.Pair{First: null, Second: 4})))

	// The untouched row stays in the original node; the rewritten row
	// moved to a fresh node produced by the rewrite rule.
	assert.Equal(t, []segment.Pair{{First: 2, Second: 5}},
		g.NodeData(n).AppendPairs(0, 1, nil))

	ids := g.NodeIDsWithPredicate(predP)
	require.Len(t, ids, 2)
	rewritten := ids[1]
	assert.Equal(t, []segment.Pair{{First: 1, Second: 4}},
		g.NodeData(rewritten).AppendPairs(0, 1, nil))
	assert.Equal(t, uint64(3), g.NodeRule(rewritten))
	assert.Equal(t, uint64(2), g.NodeStep(rewritten))
	assert.Empty(t, g.NodeIncoming(rewritten))
}

func TestReplaceEqualTermsInvalidatesRetainCache(t *testing.T) {
	g := newProvGraph(t, true)
	null := segment.Term(g.NextFreshNull())
	addUnaryNode(t, g, predP, 1, 1, null)
	addUnaryNode(t, g, predP, 1, 9)

	// Prime the retain cache.
	out, err := g.Retain(predP, segment.NewUnaryConstProv([]segment.Term{50}, rules.NoNode, true, 0))
	require.NoError(t, err)
	require.NotNil(t, out)

	require.NoError(t, g.ReplaceEqualTerms(0, 2, eqPairs(segment.Pair{First: null, Second: 2})))

	// A stale cache would still contain the null and admit 2 as new.
	dup, err := g.Retain(predP, segment.NewUnaryConstProv([]segment.Term{2}, rules.NoNode, true, 0))
	require.NoError(t, err)
	assert.Nil(t, dup)
}
