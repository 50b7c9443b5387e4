package chase

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orneryd/munindb/pkg/edb"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	program *rules.Program
	layer   *edb.Layer
}

func newFixture() *fixture {
	return &fixture{program: rules.NewProgram(), layer: edb.NewLayer()}
}

func (f *fixture) edbPred(t *testing.T, name string, arity int, facts ...[]rules.Term) rules.PredID {
	t.Helper()
	id, err := f.program.AddPredicate(name, arity, true)
	require.NoError(t, err)
	table := edb.NewMemoryTable(arity)
	for _, row := range facts {
		table.AddRow(row)
	}
	table.Freeze()
	f.layer.AddTable(id, table)
	return id
}

func (f *fixture) idbPred(t *testing.T, name string, arity int) rules.PredID {
	t.Helper()
	id, err := f.program.AddPredicate(name, arity, false)
	require.NoError(t, err)
	return id
}

func (f *fixture) rule(t *testing.T, r rules.Rule) int {
	t.Helper()
	idx, err := f.program.AddRule(r)
	require.NoError(t, err)
	return idx
}

func (f *fixture) run(t *testing.T, opts Options) *Chase {
	t.Helper()
	if opts.MaxSteps == 0 {
		opts.MaxSteps = 100
	}
	c, err := New(f.program, f.layer, opts)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))
	return c
}

func factPairs(c *Chase, pred rules.PredID) [][2]rules.Term {
	var out [][2]rules.Term
	c.Graph().EachFact(pred, func(row []segment.Term) bool {
		out = append(out, [2]rules.Term{row[0], row[1]})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

func factTerms(c *Chase, pred rules.PredID) []rules.Term {
	var out []rules.Term
	c.Graph().EachFact(pred, func(row []segment.Term) bool {
		out = append(out, row[0])
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// S1: transitive closure over E = {(1,2),(2,3),(3,4)}.
func TestTransitiveClosure(t *testing.T) {
	for _, mode := range []graph.ProvenanceMode{graph.NoProvenance, graph.NodeProvenance} {
		for _, cached := range []bool{false, true} {
			f := newFixture()
			e := f.edbPred(t, "e", 2, []rules.Term{1, 2}, []rules.Term{2, 3}, []rules.Term{3, 4})
			tp := f.idbPred(t, "t", 2)

			x, y, z := rules.V(0), rules.V(1), rules.V(2)
			f.rule(t, rules.Rule{
				Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, y}},
				Body: []rules.Literal{{Pred: e, Args: []rules.Arg{x, y}}},
			})
			f.rule(t, rules.Rule{
				Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, z}},
				Body: []rules.Literal{
					{Pred: e, Args: []rules.Arg{x, y}},
					{Pred: tp, Args: []rules.Arg{y, z}},
				},
			})

			c := f.run(t, Options{Provenance: mode, CacheRetain: cached})
			want := [][2]rules.Term{{1, 2}, {1, 3}, {1, 4}, {2, 3}, {2, 4}, {3, 4}}
			assert.Equal(t, want, factPairs(c, tp), "mode=%v cached=%v", mode, cached)
			assert.LessOrEqual(t, len(c.Graph().NodeIDsWithPredicate(tp)), 6)
		}
	}
}

// S2: redundant derivation. P(x) :- E(x) and P(x) :- P(x) must not create a
// node for the second rule.
func TestRedundantDerivation(t *testing.T) {
	f := newFixture()
	e := f.edbPred(t, "e", 1, []rules.Term{1}, []rules.Term{2})
	p := f.idbPred(t, "p", 1)

	x := rules.V(0)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: p, Args: []rules.Arg{x}},
		Body: []rules.Literal{{Pred: e, Args: []rules.Arg{x}}},
	})
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: p, Args: []rules.Arg{x}},
		Body: []rules.Literal{{Pred: p, Args: []rules.Arg{x}}},
	})

	c := f.run(t, Options{Provenance: graph.NodeProvenance})
	assert.Equal(t, []rules.Term{1, 2}, factTerms(c, p))
	assert.Len(t, c.Graph().NodeIDsWithPredicate(p), 1)
}

// S4 through the driver: stratified negation.
func TestStratifiedNegation(t *testing.T) {
	f := newFixture()
	a := f.edbPred(t, "a", 1, []rules.Term{1}, []rules.Term{2}, []rules.Term{3})
	b := f.edbPred(t, "b", 1, []rules.Term{2})
	cPred := f.idbPred(t, "c", 1)

	x := rules.V(0)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: cPred, Args: []rules.Arg{x}},
		Body: []rules.Literal{
			{Pred: a, Args: []rules.Arg{x}},
			{Pred: b, Args: []rules.Arg{x}, Negated: true},
		},
	})

	c := f.run(t, Options{Provenance: graph.NodeProvenance})
	assert.Equal(t, []rules.Term{1, 3}, factTerms(c, cPred))
}

// Negation over a derived predicate forces two strata.
func TestNegationOverDerivedPredicate(t *testing.T) {
	f := newFixture()
	node := f.edbPred(t, "node", 1, []rules.Term{1}, []rules.Term{2}, []rules.Term{3})
	edge := f.edbPred(t, "edge", 2, []rules.Term{1, 2})
	reached := f.idbPred(t, "reached", 1)
	isolated := f.idbPred(t, "isolated", 1)

	x, y := rules.V(0), rules.V(1)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: reached, Args: []rules.Arg{y}},
		Body: []rules.Literal{{Pred: edge, Args: []rules.Arg{x, y}}},
	})
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: isolated, Args: []rules.Arg{x}},
		Body: []rules.Literal{
			{Pred: node, Args: []rules.Arg{x}},
			{Pred: reached, Args: []rules.Arg{x}, Negated: true},
		},
	})

	c := f.run(t, Options{Provenance: graph.NodeProvenance})
	assert.Equal(t, []rules.Term{2}, factTerms(c, reached))
	assert.Equal(t, []rules.Term{1, 3}, factTerms(c, isolated))
}

func TestNotStratifiable(t *testing.T) {
	f := newFixture()
	e := f.edbPred(t, "e", 1, []rules.Term{1})
	p := f.idbPred(t, "p", 1)
	q := f.idbPred(t, "q", 1)

	x := rules.V(0)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: p, Args: []rules.Arg{x}},
		Body: []rules.Literal{
			{Pred: e, Args: []rules.Arg{x}},
			{Pred: q, Args: []rules.Arg{x}, Negated: true},
		},
	})
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: q, Args: []rules.Arg{x}},
		Body: []rules.Literal{
			{Pred: e, Args: []rules.Arg{x}},
			{Pred: p, Args: []rules.Arg{x}, Negated: true},
		},
	})

	_, err := New(f.program, f.layer, Options{})
	assert.ErrorIs(t, err, ErrNotStratifiable)
}

// Existential rules mint labelled nulls above the reserved threshold.
func TestExistentialRule(t *testing.T) {
	f := newFixture()
	person := f.edbPred(t, "person", 1, []rules.Term{1}, []rules.Term{2})
	parent := f.idbPred(t, "hasParent", 2)

	x, y := rules.V(0), rules.V(1)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: parent, Args: []rules.Arg{x, y}},
		Body: []rules.Literal{{Pred: person, Args: []rules.Arg{x}}},
	})

	c := f.run(t, Options{Provenance: graph.NodeProvenance, MaxSteps: 5})
	pairs := factPairs(c, parent)
	require.Len(t, pairs, 2)
	nulls := map[rules.Term]bool{}
	for _, p := range pairs {
		assert.True(t, rules.IsFreshNull(p[1]), "second position should be a labelled null")
		nulls[p[1]] = true
	}
	assert.Len(t, nulls, 2, "each row gets its own null")
}

// S3 through the driver: an EGD over derived equalities.
func TestEqualityGeneratingRule(t *testing.T) {
	f := newFixture()
	// same(a,b) says a and b denote one individual; b is a null.
	null := rules.FreshNullStart + 1
	attr := f.edbPred(t, "attr", 2,
		[]rules.Term{10, 7},
		[]rules.Term{null, 8})
	samePred := f.edbPred(t, "same", 2, []rules.Term{10, null})
	hold := f.idbPred(t, "holds", 2)
	eq := f.idbPred(t, "eq", 2)
	f.program.SetEqualityPredicate(eq)

	x, y := rules.V(0), rules.V(1)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: hold, Args: []rules.Arg{x, y}},
		Body: []rules.Literal{{Pred: attr, Args: []rules.Arg{x, y}}},
	})
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: eq, Args: []rules.Arg{x, y}},
		Body: []rules.Literal{{Pred: samePred, Args: []rules.Arg{x, y}}},
	})

	c := f.run(t, Options{Provenance: graph.NodeProvenance})
	// The null was rewritten to 10 everywhere.
	assert.Equal(t, [][2]rules.Term{{10, 7}, {10, 8}}, factPairs(c, hold))
}

func TestUNAContradictionPropagates(t *testing.T) {
	f := newFixture()
	samePred := f.edbPred(t, "same", 2, []rules.Term{1, 2})
	hold := f.idbPred(t, "holds", 1)
	eq := f.idbPred(t, "eq", 2)
	f.program.SetEqualityPredicate(eq)

	x, y := rules.V(0), rules.V(1)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: hold, Args: []rules.Arg{x}},
		Body: []rules.Literal{{Pred: samePred, Args: []rules.Arg{x, y}}},
	})
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: eq, Args: []rules.Arg{x, y}},
		Body: []rules.Literal{{Pred: samePred, Args: []rules.Arg{x, y}}},
	})

	c, err := New(f.program, f.layer, Options{Provenance: graph.NodeProvenance, MaxSteps: 10})
	require.NoError(t, err)
	err = c.Run(context.Background())
	assert.ErrorIs(t, err, graph.ErrUNAContradiction)
}

// Provenance consistency: every derived node's incoming edges point at
// earlier nodes whose predicate matches the rule body.
func TestProvenanceConsistency(t *testing.T) {
	f := newFixture()
	e := f.edbPred(t, "e", 2, []rules.Term{1, 2}, []rules.Term{2, 3}, []rules.Term{3, 4})
	tp := f.idbPred(t, "t", 2)

	x, y, z := rules.V(0), rules.V(1), rules.V(2)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, y}},
		Body: []rules.Literal{{Pred: e, Args: []rules.Arg{x, y}}},
	})
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, z}},
		Body: []rules.Literal{
			{Pred: e, Args: []rules.Arg{x, y}},
			{Pred: tp, Args: []rules.Arg{y, z}},
		},
	})

	c := f.run(t, Options{Provenance: graph.NodeProvenance})
	g := c.Graph()
	for _, id := range g.NodeIDsWithPredicate(tp) {
		for _, in := range g.NodeIncoming(id) {
			assert.Less(t, in, id, "incoming edges reference earlier nodes")
			assert.False(t, g.IsTmpNode(in))
			assert.Equal(t, tp, g.NodePredicate(in))
		}
		if ruleIdx := g.NodeRule(id); ruleIdx == 1 {
			// The recursive rule has one IDB body atom.
			assert.NotEmpty(t, g.NodeIncoming(id))
		}
	}
	// Steps are monotone in insertion order.
	var lastStep uint64
	for _, id := range g.NodeIDsWithPredicate(tp) {
		assert.GreaterOrEqual(t, g.NodeStep(id), lastStep)
		lastStep = g.NodeStep(id)
	}
}

// Stratum boundaries consolidate the lower stratum's nodes into one.
func TestStratumConsolidation(t *testing.T) {
	f := newFixture()
	e := f.edbPred(t, "e", 2, []rules.Term{1, 2}, []rules.Term{2, 3})
	tp := f.idbPred(t, "t", 2)
	miss := f.idbPred(t, "miss", 2)

	x, y, z := rules.V(0), rules.V(1), rules.V(2)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, y}},
		Body: []rules.Literal{{Pred: e, Args: []rules.Arg{x, y}}},
	})
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: tp, Args: []rules.Arg{x, z}},
		Body: []rules.Literal{
			{Pred: e, Args: []rules.Arg{x, y}},
			{Pred: tp, Args: []rules.Arg{y, z}},
		},
	})
	// miss(x,y) :- e(x,y), ~t(x,y) is empty but forces a second stratum.
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: miss, Args: []rules.Arg{x, y}},
		Body: []rules.Literal{
			{Pred: e, Args: []rules.Arg{x, y}},
			{Pred: tp, Args: []rules.Arg{x, y}, Negated: true},
		},
	})

	c := f.run(t, Options{Provenance: graph.NodeProvenance})
	assert.Empty(t, factTerms(c, miss))
	assert.Equal(t, [][2]rules.Term{{1, 2}, {1, 3}, {2, 3}}, factPairs(c, tp))

	// After consolidation exactly one node of t is non-empty.
	nonEmpty := 0
	for _, id := range c.Graph().NodeIDsWithPredicate(tp) {
		if c.Graph().NodeSize(id) > 0 {
			nonEmpty++
		}
	}
	assert.Equal(t, 1, nonEmpty)
}

func TestContextCancellation(t *testing.T) {
	f := newFixture()
	e := f.edbPred(t, "e", 1, []rules.Term{1})
	p := f.idbPred(t, "p", 1)
	x := rules.V(0)
	f.rule(t, rules.Rule{
		Head: rules.Literal{Pred: p, Args: []rules.Arg{x}},
		Body: []rules.Literal{{Pred: e, Args: []rules.Arg{x}}},
	})

	c, err := New(f.program, f.layer, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Run(ctx), context.Canceled)
}
