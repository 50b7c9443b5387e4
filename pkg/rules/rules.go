package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned when assembling programs.
var (
	ErrUnknownPredicate = errors.New("unknown predicate")
	ErrArityMismatch    = errors.New("arity mismatch")
	ErrNoHead           = errors.New("rule has no head")
)

// VarID identifies a variable inside one rule. Variable ids are scoped to a
// rule; RewriteWithFreshVars renumbers them when rules are composed for
// containment checks.
type VarID uint32

// Arg is one argument position of a literal: either a variable or a constant.
type Arg struct {
	// Var holds the variable id when IsVar is true.
	Var VarID
	// Const holds the constant term when IsVar is false.
	Const Term
	IsVar bool
}

// V builds a variable argument.
func V(id VarID) Arg { return Arg{Var: id, IsVar: true} }

// C builds a constant argument.
func C(t Term) Arg { return Arg{Const: t} }

// Literal is one atom of a rule: a predicate applied to arguments, possibly
// negated when it occurs in a body.
type Literal struct {
	Pred    PredID
	Args    []Arg
	Negated bool
}

// Arity returns the number of argument positions.
func (l Literal) Arity() int { return len(l.Args) }

// NVars counts the variable positions, including repeats.
func (l Literal) NVars() int {
	n := 0
	for _, a := range l.Args {
		if a.IsVar {
			n++
		}
	}
	return n
}

// Vars returns the distinct variables in order of first occurrence.
func (l Literal) Vars() []VarID {
	var out []VarID
	seen := map[VarID]bool{}
	for _, a := range l.Args {
		if a.IsVar && !seen[a.Var] {
			seen[a.Var] = true
			out = append(out, a.Var)
		}
	}
	return out
}

// VarsAndPos returns every variable occurrence paired with its argument
// position, first occurrence only for repeated variables.
func (l Literal) VarsAndPos() []VarPos {
	var out []VarPos
	seen := map[VarID]bool{}
	for i, a := range l.Args {
		if a.IsVar && !seen[a.Var] {
			seen[a.Var] = true
			out = append(out, VarPos{Var: a.Var, Pos: i})
		}
	}
	return out
}

// HasRepeatedVars reports whether any variable occurs at two positions.
func (l Literal) HasRepeatedVars() bool {
	seen := map[VarID]bool{}
	for _, a := range l.Args {
		if !a.IsVar {
			continue
		}
		if seen[a.Var] {
			return true
		}
		seen[a.Var] = true
	}
	return false
}

// SameVarSequenceAs reports whether both literals bind the same variables at
// the same positions (constants compared for equality). Used to decide
// whether two EDB column views originate from compatible scans.
func (l Literal) SameVarSequenceAs(o Literal) bool {
	if l.Pred != o.Pred || len(l.Args) != len(o.Args) {
		return false
	}
	for i := range l.Args {
		if l.Args[i].IsVar != o.Args[i].IsVar {
			return false
		}
		if l.Args[i].IsVar {
			if l.Args[i].Var != o.Args[i].Var {
				return false
			}
		} else if l.Args[i].Const != o.Args[i].Const {
			return false
		}
	}
	return true
}

// VarPos pairs a variable with the position it first occurs at.
type VarPos struct {
	Var VarID
	Pos int
}

// Rule is a definite rule with a single head. EGD rules use the reserved
// equality predicate as head; existential rules have head variables that do
// not occur in the body.
type Rule struct {
	Head Literal
	Body []Literal
}

// IsExistential reports whether the head binds a variable absent from every
// body literal. Such variables receive fresh nulls during execution.
func (r Rule) IsExistential() bool {
	bodyVars := map[VarID]bool{}
	for _, b := range r.Body {
		for _, v := range b.Vars() {
			bodyVars[v] = true
		}
	}
	for _, a := range r.Head.Args {
		if a.IsVar && !bodyVars[a.Var] {
			return true
		}
	}
	return false
}

// ExistentialVars returns the head variables that are not bound by the body,
// in head order.
func (r Rule) ExistentialVars() []VarID {
	bodyVars := map[VarID]bool{}
	for _, b := range r.Body {
		for _, v := range b.Vars() {
			bodyVars[v] = true
		}
	}
	var out []VarID
	seen := map[VarID]bool{}
	for _, a := range r.Head.Args {
		if a.IsVar && !bodyVars[a.Var] && !seen[a.Var] {
			seen[a.Var] = true
			out = append(out, a.Var)
		}
	}
	return out
}

// RewriteWithFreshVars returns a copy of the rule with its variables
// renumbered consecutively from *counter in order of first occurrence (head
// first), advancing the counter past the ids it consumed.
// Containment checks compose rewritten rule bodies and need the variable
// namespaces to stay disjoint.
func (r Rule) RewriteWithFreshVars(counter *uint32) Rule {
	mapping := map[VarID]VarID{}
	next := VarID(*counter)
	remap := func(l Literal) Literal {
		args := make([]Arg, len(l.Args))
		for i, a := range l.Args {
			if !a.IsVar {
				args[i] = a
				continue
			}
			nv, ok := mapping[a.Var]
			if !ok {
				nv = next
				next++
				mapping[a.Var] = nv
			}
			args[i] = V(nv)
		}
		return Literal{Pred: l.Pred, Args: args, Negated: l.Negated}
	}
	out := Rule{Head: remap(r.Head)}
	for _, b := range r.Body {
		out.Body = append(out.Body, remap(b))
	}
	*counter = uint32(next)
	return out
}

// Predicate describes one predicate of a program.
type Predicate struct {
	ID    PredID
	Name  string
	Arity int
	// EDB predicates are backed by an input table; everything else is
	// derived and stored in the graph.
	EDB bool
}

// Program holds the predicate catalog and the rule list. Rule indexes are
// stable and used as derivation labels in graph nodes.
type Program struct {
	preds   []Predicate
	byName  map[string]PredID
	rules   []Rule
	equality PredID
	hasEquality bool
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{byName: map[string]PredID{}}
}

// AddPredicate registers a predicate and returns its id. Registering the same
// name twice returns the existing id, or ErrArityMismatch when the arity
// disagrees.
func (p *Program) AddPredicate(name string, arity int, edb bool) (PredID, error) {
	if id, ok := p.byName[name]; ok {
		if p.preds[id].Arity != arity {
			return 0, fmt.Errorf("%w: %s declared with arity %d, got %d",
				ErrArityMismatch, name, p.preds[id].Arity, arity)
		}
		return id, nil
	}
	id := PredID(len(p.preds))
	p.preds = append(p.preds, Predicate{ID: id, Name: name, Arity: arity, EDB: edb})
	p.byName[name] = id
	return id, nil
}

// SetEqualityPredicate marks the predicate whose derivations are interpreted
// as term equalities (EGD heads).
func (p *Program) SetEqualityPredicate(id PredID) {
	p.equality = id
	p.hasEquality = true
}

// EqualityPredicate returns the EGD predicate and whether one is declared.
func (p *Program) EqualityPredicate() (PredID, bool) {
	return p.equality, p.hasEquality
}

// PredicateByName resolves a name.
func (p *Program) PredicateByName(name string) (Predicate, bool) {
	id, ok := p.byName[name]
	if !ok {
		return Predicate{}, false
	}
	return p.preds[id], true
}

// Predicate returns the descriptor for id.
func (p *Program) Predicate(id PredID) Predicate { return p.preds[id] }

// PredicateCard returns the arity of id.
func (p *Program) PredicateCard(id PredID) int { return p.preds[id].Arity }

// NPredicates returns the number of registered predicates.
func (p *Program) NPredicates() int { return len(p.preds) }

// IsEDB reports whether id is an input predicate.
func (p *Program) IsEDB(id PredID) bool { return p.preds[id].EDB }

// AddRule appends a rule and returns its index. The head must not be an EDB
// predicate and arities must match the catalog.
func (p *Program) AddRule(r Rule) (int, error) {
	if len(r.Head.Args) != p.preds[r.Head.Pred].Arity {
		return 0, fmt.Errorf("%w: head of %s", ErrArityMismatch, p.preds[r.Head.Pred].Name)
	}
	for _, b := range r.Body {
		if int(b.Pred) >= len(p.preds) {
			return 0, ErrUnknownPredicate
		}
		if len(b.Args) != p.preds[b.Pred].Arity {
			return 0, fmt.Errorf("%w: body atom %s", ErrArityMismatch, p.preds[b.Pred].Name)
		}
	}
	p.rules = append(p.rules, r)
	return len(p.rules) - 1, nil
}

// Rules returns the rule list. The slice must not be mutated.
func (p *Program) Rules() []Rule { return p.rules }

// Rule returns the rule at idx.
func (p *Program) Rule(idx int) Rule { return p.rules[idx] }

// LiteralString renders a literal for diagnostics, e.g. "edge(?0,42)".
func (p *Program) LiteralString(l Literal) string {
	var sb strings.Builder
	if l.Negated {
		sb.WriteByte('~')
	}
	sb.WriteString(p.preds[l.Pred].Name)
	sb.WriteByte('(')
	for i, a := range l.Args {
		if i > 0 {
			sb.WriteByte(',')
		}
		if a.IsVar {
			fmt.Fprintf(&sb, "?%d", a.Var)
		} else {
			fmt.Fprintf(&sb, "%d", a.Const)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}
