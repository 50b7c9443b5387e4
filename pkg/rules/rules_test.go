package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerms(t *testing.T) {
	assert.False(t, IsFreshNull(42))
	assert.True(t, IsFreshNull(FreshNullStart))
	assert.True(t, IsFreshNull(FreshNullStart+100))
	assert.False(t, IsFreshNull(TermAny))
}

func TestLiteralHelpers(t *testing.T) {
	l := Literal{Pred: 0, Args: []Arg{V(0), C(7), V(1), V(0)}}

	assert.Equal(t, 4, l.Arity())
	assert.Equal(t, 3, l.NVars())
	assert.True(t, l.HasRepeatedVars())
	assert.Equal(t, []VarID{0, 1}, l.Vars())
	assert.Equal(t, []VarPos{{Var: 0, Pos: 0}, {Var: 1, Pos: 2}}, l.VarsAndPos())

	t.Run("same_var_sequence", func(t *testing.T) {
		a := Literal{Pred: 1, Args: []Arg{V(0), C(5)}}
		b := Literal{Pred: 1, Args: []Arg{V(0), C(5)}}
		c := Literal{Pred: 1, Args: []Arg{V(1), C(5)}}
		assert.True(t, a.SameVarSequenceAs(b))
		assert.False(t, a.SameVarSequenceAs(c))
	})
}

func TestProgram(t *testing.T) {
	p := NewProgram()
	e, err := p.AddPredicate("e", 2, true)
	require.NoError(t, err)
	tp, err := p.AddPredicate("t", 2, false)
	require.NoError(t, err)

	t.Run("duplicate_name_same_arity", func(t *testing.T) {
		again, err := p.AddPredicate("e", 2, true)
		require.NoError(t, err)
		assert.Equal(t, e, again)
	})

	t.Run("duplicate_name_arity_mismatch", func(t *testing.T) {
		_, err := p.AddPredicate("e", 3, true)
		assert.ErrorIs(t, err, ErrArityMismatch)
	})

	t.Run("rule_arity_checked", func(t *testing.T) {
		_, err := p.AddRule(Rule{
			Head: Literal{Pred: tp, Args: []Arg{V(0)}},
			Body: []Literal{{Pred: e, Args: []Arg{V(0), V(1)}}},
		})
		assert.ErrorIs(t, err, ErrArityMismatch)
	})

	t.Run("valid_rule", func(t *testing.T) {
		idx, err := p.AddRule(Rule{
			Head: Literal{Pred: tp, Args: []Arg{V(0), V(1)}},
			Body: []Literal{{Pred: e, Args: []Arg{V(0), V(1)}}},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, idx)
		assert.Equal(t, 2, p.PredicateCard(tp))
		assert.True(t, p.IsEDB(e))
		assert.False(t, p.IsEDB(tp))
	})
}

func TestExistentialRules(t *testing.T) {
	r := Rule{
		Head: Literal{Pred: 1, Args: []Arg{V(0), V(5)}},
		Body: []Literal{{Pred: 0, Args: []Arg{V(0)}}},
	}
	assert.True(t, r.IsExistential())
	assert.Equal(t, []VarID{5}, r.ExistentialVars())

	flat := Rule{
		Head: Literal{Pred: 1, Args: []Arg{V(0), V(1)}},
		Body: []Literal{{Pred: 0, Args: []Arg{V(0), V(1)}}},
	}
	assert.False(t, flat.IsExistential())
}

func TestRewriteWithFreshVars(t *testing.T) {
	r := Rule{
		Head: Literal{Pred: 1, Args: []Arg{V(0), V(1)}},
		Body: []Literal{{Pred: 0, Args: []Arg{V(0), V(1)}}},
	}
	counter := uint32(100)
	rw := r.RewriteWithFreshVars(&counter)

	assert.Equal(t, VarID(100), rw.Head.Args[0].Var)
	assert.Equal(t, VarID(101), rw.Head.Args[1].Var)
	assert.Equal(t, rw.Head.Args[0].Var, rw.Body[0].Args[0].Var)
	assert.Equal(t, uint32(102), counter)
	// Original untouched.
	assert.Equal(t, VarID(0), r.Head.Args[0].Var)
}

func TestParseProgram(t *testing.T) {
	setup := func(t *testing.T) *Program {
		t.Helper()
		p := NewProgram()
		_, err := p.AddPredicate("e", 2, true)
		require.NoError(t, err)
		_, err = p.AddPredicate("b", 1, true)
		require.NoError(t, err)
		return p
	}

	t.Run("transitive_closure", func(t *testing.T) {
		p := setup(t)
		err := ParseProgram(p, `
% transitive closure
t(X,Y) :- e(X,Y).
t(X,Z) :- e(X,Y), t(Y,Z).
`, nil)
		require.NoError(t, err)
		require.Len(t, p.Rules(), 2)

		tp, ok := p.PredicateByName("t")
		require.True(t, ok)
		assert.False(t, tp.EDB)
		assert.Equal(t, 2, tp.Arity)

		r1 := p.Rule(1)
		assert.Len(t, r1.Body, 2)
		// The join variable Y is shared between the body atoms.
		assert.Equal(t, r1.Body[0].Args[1].Var, r1.Body[1].Args[0].Var)
	})

	t.Run("negation_and_constants", func(t *testing.T) {
		p := setup(t)
		err := ParseProgram(p, "c(X) :- e(X, 42), ~b(X).", nil)
		require.NoError(t, err)
		r := p.Rule(0)
		assert.False(t, r.Body[0].Negated)
		assert.True(t, r.Body[1].Negated)
		assert.Equal(t, Term(42), r.Body[0].Args[1].Const)
	})

	t.Run("symbolic_constant_resolution", func(t *testing.T) {
		p := setup(t)
		resolve := func(text string) (Term, error) { return Term(len(text)), nil }
		err := ParseProgram(p, "c(X) :- e(X, alice).", resolve)
		require.NoError(t, err)
		assert.Equal(t, Term(5), p.Rule(0).Body[0].Args[1].Const)
	})

	t.Run("unknown_body_predicate", func(t *testing.T) {
		p := setup(t)
		err := ParseProgram(p, "c(X) :- nope(X).", nil)
		assert.ErrorIs(t, err, ErrUnknownPredicate)
	})

	t.Run("syntax_errors", func(t *testing.T) {
		p := setup(t)
		assert.ErrorIs(t, ParseProgram(p, "c(X)", nil), ErrSyntax)
		assert.ErrorIs(t, ParseProgram(p, "c(X) :- ", nil), ErrSyntax)
	})
}
