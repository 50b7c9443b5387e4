// Package rules defines the logical vocabulary of MuninDB: terms, literals,
// rules and programs.
//
// Terms are dictionary-encoded 64-bit integers. The encoding of textual
// constants into term ids is handled by the EDB layer; this package only
// defines the numeric conventions shared by the whole engine:
//
//   - Ordinary constants live below FreshNullStart.
//   - Existential rules introduce fresh nulls at or above FreshNullStart.
//   - TermAny (all bits set) is the "absent / any" sentinel used for
//     unbound positions and missing provenance.
//
// Example:
//
//	t := rules.Term(42)
//	rules.IsFreshNull(t)              // false
//	n := rules.FreshNullStart + 7
//	rules.IsFreshNull(n)              // true
package rules

// Term is a dictionary-encoded value. Comparison semantics everywhere in the
// engine are plain unsigned 64-bit comparisons.
type Term uint64

// PredID identifies a predicate. Each predicate has a fixed arity.
type PredID uint32

const (
	// TermAny is the "absent/any" sentinel: an unbound argument in a query
	// literal, or a missing predecessor in provenance columns.
	TermAny Term = ^Term(0)

	// FreshNullStart is the first term id reserved for labelled nulls
	// introduced by existential rules. Everything below is an ordinary
	// dictionary constant.
	FreshNullStart Term = 1 << 44

	// NoRule marks nodes produced outside rule execution (merges,
	// consolidation, temporary nodes).
	NoRule = ^uint64(0)

	// NoNode is the nil node id used in provenance columns for rows that
	// have no predecessor (EDB-derived or term-rewritten rows).
	NoNode = ^uint64(0)
)

// IsFreshNull reports whether t is a labelled null rather than a dictionary
// constant. Under the unique-name assumption two distinct constants can never
// be equated, so EGD rewriting is only admissible when at least one side of
// an equality is a fresh null.
func IsFreshNull(t Term) bool {
	return t != TermAny && t >= FreshNullStart
}
