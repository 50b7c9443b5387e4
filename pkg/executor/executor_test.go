package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/cache"
	"github.com/orneryd/munindb/pkg/edb"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// harness bundles a program, a layer and an executor over a fresh graph.
type harness struct {
	program *rules.Program
	layer   *edb.Layer
	g       *graph.Graph
	exec    *Executor
}

func newHarness(t *testing.T, mode graph.ProvenanceMode) *harness {
	t.Helper()
	program := rules.NewProgram()
	layer := edb.NewLayer()
	segCache := cache.New(64)
	g := graph.New(graph.Options{Provenance: mode})
	g.SetProgramLayer(program, layer, segCache)
	return &harness{
		program: program,
		layer:   layer,
		g:       g,
		exec:    New(g, layer, program, segCache, nil),
	}
}

func (h *harness) addEDB(t *testing.T, name string, arity int, facts ...[]rules.Term) rules.PredID {
	t.Helper()
	id, err := h.program.AddPredicate(name, arity, true)
	require.NoError(t, err)
	table := edb.NewMemoryTable(arity)
	for _, f := range facts {
		table.AddRow(f)
	}
	table.Freeze()
	h.layer.AddTable(id, table)
	return id
}

func (h *harness) addIDB(t *testing.T, name string, arity int) rules.PredID {
	t.Helper()
	id, err := h.program.AddPredicate(name, arity, false)
	require.NoError(t, err)
	return id
}

func rows(t *testing.T, s segment.Segment) [][]segment.Term {
	t.Helper()
	if s == nil {
		return nil
	}
	var out [][]segment.Term
	it := s.Iterator()
	for it.Next() {
		row := make([]segment.Term, s.NColumns())
		for i := range row {
			row[i] = it.Get(i)
		}
		out = append(out, row)
	}
	return out
}

func TestComputeVarPos(t *testing.T) {
	// T(x,z) :- E(x,y), T(y,z): planning the second atom.
	x, y, z := rules.V(0), rules.V(1), rules.V(2)
	body := []rules.Literal{
		{Pred: 0, Args: []rules.Arg{x, y}},
		{Pred: 1, Args: []rules.Arg{y, z}},
	}
	head := rules.Literal{Pred: 1, Args: []rules.Arg{x, z}}

	t.Run("first_atom_copies_needed_vars", func(t *testing.T) {
		joins, left, right := computeVarPos(nil, 0, body, head)
		assert.Empty(t, joins)
		assert.Empty(t, left)
		// x and y both occur later (head and second atom).
		assert.Equal(t, []int{0, 1}, right)
	})

	t.Run("second_atom_joins_on_y", func(t *testing.T) {
		joins, left, right := computeVarPos([]rules.VarID{0, 1}, 1, body, head)
		assert.Equal(t, []segment.JoinPair{{Left: 1, Right: 0}}, joins)
		assert.Equal(t, []int{0}, left)  // x survives for the head
		assert.Equal(t, []int{1}, right) // z is new
	})
}

// S5: projection with dedup. R = {(1,10),(1,20),(2,10)}, P(x) :- R(x,_).
func TestProjectionDedup(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	r := h.addEDB(t, "r", 2, []rules.Term{1, 10}, []rules.Term{1, 20}, []rules.Term{2, 10})
	p := h.addIDB(t, "p", 1)

	rule := rules.Rule{
		Head: rules.Literal{Pred: p, Args: []rules.Arg{rules.V(0)}},
		Body: []rules.Literal{{Pred: r, Args: []rules.Arg{rules.V(0), rules.V(1)}}},
	}
	out, err := h.exec.Execute(rule, Input{})
	require.NoError(t, err)
	require.NotNil(t, out.Segment)
	assert.Equal(t, [][]segment.Term{{1}, {2}}, rows(t, out.Segment))
	assert.Empty(t, out.ProvColumns)
}

// S4: negation. A = {1,2,3}, B = {2}, C(x) :- A(x), ~B(x).
func TestNegation(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	a := h.addEDB(t, "a", 1, []rules.Term{1}, []rules.Term{2}, []rules.Term{3})
	b := h.addEDB(t, "b", 1, []rules.Term{2})
	c := h.addIDB(t, "c", 1)

	rule := rules.Rule{
		Head: rules.Literal{Pred: c, Args: []rules.Arg{rules.V(0)}},
		Body: []rules.Literal{
			{Pred: a, Args: []rules.Arg{rules.V(0)}},
			{Pred: b, Args: []rules.Arg{rules.V(0)}, Negated: true},
		},
	}
	out, err := h.exec.Execute(rule, Input{})
	require.NoError(t, err)
	require.NotNil(t, out.Segment)
	assert.Equal(t, [][]segment.Term{{1}, {3}}, rows(t, out.Segment))
	// One join happened, so one side pair was split off.
	assert.Len(t, out.ProvColumns, 2)
}

func TestNegatedAtomMustNotBindNewVars(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	a := h.addEDB(t, "a", 1, []rules.Term{1})
	b := h.addEDB(t, "b", 2, []rules.Term{1, 2})
	c := h.addIDB(t, "c", 2)

	// y is bound only by the negated atom and used in the head.
	rule := rules.Rule{
		Head: rules.Literal{Pred: c, Args: []rules.Arg{rules.V(0), rules.V(1)}},
		Body: []rules.Literal{
			{Pred: a, Args: []rules.Arg{rules.V(0)}},
			{Pred: b, Args: []rules.Arg{rules.V(0), rules.V(1)}, Negated: true},
		},
	}
	_, err := h.exec.Execute(rule, Input{})
	assert.ErrorIs(t, err, ErrUnsupportedRule)

	t.Run("unused_negated_var_projects_away", func(t *testing.T) {
		// C(x) :- A(x), ~B(x,y): the anti-join runs on x alone.
		cp := h.addIDB(t, "c1", 1)
		rule := rules.Rule{
			Head: rules.Literal{Pred: cp, Args: []rules.Arg{rules.V(0)}},
			Body: []rules.Literal{
				{Pred: a, Args: []rules.Arg{rules.V(0)}},
				{Pred: b, Args: []rules.Arg{rules.V(0), rules.V(1)}, Negated: true},
			},
		}
		out, err := h.exec.Execute(rule, Input{})
		require.NoError(t, err)
		assert.Nil(t, out.Segment)
	})
}

func TestArityZeroRejected(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	z := h.addEDB(t, "z", 0)
	c := h.addIDB(t, "c", 1)
	rule := rules.Rule{
		Head: rules.Literal{Pred: c, Args: []rules.Arg{rules.C(1)}},
		Body: []rules.Literal{{Pred: z}},
	}
	_, err := h.exec.Execute(rule, Input{})
	assert.ErrorIs(t, err, ErrUnsupportedRule)
}

// Merge join of an EDB atom against an IDB node, with provenance threaded
// through the pipeline.
func TestJoinWithIDBNode(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	e := h.addEDB(t, "e", 2, []rules.Term{1, 2}, []rules.Term{2, 3}, []rules.Term{3, 4})
	tp := h.addIDB(t, "t", 2)

	// Seed node: T = {(1,2),(2,3),(3,4)}.
	nodeID := uint64(h.g.NNodes())
	seed := segment.NewBinaryConstProv([]segment.Pair{
		{First: 1, Second: 2}, {First: 2, Second: 3}, {First: 3, Second: 4},
	}, nodeID, true, 0)
	require.NoError(t, h.g.AddNodeProv(tp, 0, 1, seed, nil))

	// T(x,z) :- E(x,y), T(y,z).
	x, y, z := rules.V(0), rules.V(1), rules.V(2)
	rule := rules.Rule{
		Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, z}},
		Body: []rules.Literal{
			{Pred: e, Args: []rules.Arg{x, y}},
			{Pred: tp, Args: []rules.Arg{y, z}},
		},
	}
	out, err := h.exec.Execute(rule, Input{BodyNodes: [][]uint64{{nodeID}}})
	require.NoError(t, err)
	require.NotNil(t, out.Segment)
	assert.Equal(t, [][]segment.Term{{1, 3}, {2, 4}}, rows(t, out.Segment))

	require.Len(t, out.ProvColumns, 2)
	// Left predecessors are EDB rows; right predecessors the seed node.
	assert.Equal(t, []segment.Term{segment.Term(rules.NoNode), segment.Term(rules.NoNode)}, out.ProvColumns[0])
	assert.Equal(t, []segment.Term{segment.Term(nodeID), segment.Term(nodeID)}, out.ProvColumns[1])
}

// An empty intermediate result short-circuits the rule.
func TestEmptyIntermediateShortCircuits(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	e := h.addEDB(t, "e", 2, []rules.Term{1, 2})
	s := h.addEDB(t, "s", 2) // empty
	c := h.addIDB(t, "c", 2)

	x, y, z := rules.V(0), rules.V(1), rules.V(2)
	rule := rules.Rule{
		Head: rules.Literal{Pred: c, Args: []rules.Arg{x, z}},
		Body: []rules.Literal{
			{Pred: s, Args: []rules.Arg{x, y}},
			{Pred: e, Args: []rules.Arg{y, z}},
		},
	}
	out, err := h.exec.Execute(rule, Input{})
	require.NoError(t, err)
	assert.Nil(t, out.Segment)
}

// Head variable order differing from the body triggers a swap.
func TestHeadSwap(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	e := h.addEDB(t, "e", 2, []rules.Term{1, 2}, []rules.Term{3, 4})
	inv := h.addIDB(t, "inv", 2)

	x, y := rules.V(0), rules.V(1)
	rule := rules.Rule{
		Head: rules.Literal{Pred: inv, Args: []rules.Arg{y, x}},
		Body: []rules.Literal{{Pred: e, Args: []rules.Arg{x, y}}},
	}
	out, err := h.exec.Execute(rule, Input{})
	require.NoError(t, err)
	assert.Equal(t, [][]segment.Term{{2, 1}, {4, 3}}, rows(t, out.Segment))
}

func TestSortCacheReuse(t *testing.T) {
	h := newHarness(t, graph.NodeProvenance)
	e := h.addEDB(t, "e", 2, []rules.Term{1, 2}, []rules.Term{2, 3})
	tp := h.addIDB(t, "t", 2)

	nodeID := uint64(h.g.NNodes())
	seed := segment.NewBinaryConstProv([]segment.Pair{
		{First: 9, Second: 2},
	}, nodeID, true, 0)
	require.NoError(t, h.g.AddNodeProv(tp, 0, 1, seed, nil))

	// T(x,z) :- T(x,y), E(y,z): the IDB left side is sorted by column 1
	// through the cache (keyed by the node set).
	x, y, z := rules.V(0), rules.V(1), rules.V(2)
	rule := rules.Rule{
		Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, z}},
		Body: []rules.Literal{
			{Pred: tp, Args: []rules.Arg{x, y}},
			{Pred: e, Args: []rules.Arg{y, z}},
		},
	}
	for i := 0; i < 2; i++ {
		out, err := h.exec.Execute(rule, Input{BodyNodes: [][]uint64{{nodeID}}})
		require.NoError(t, err)
		require.NotNil(t, out.Segment)
	}
	hits, _ := h.exec.segCache.Stats()
	assert.GreaterOrEqual(t, hits, uint64(1))
}
