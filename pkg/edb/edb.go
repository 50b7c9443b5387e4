// Package edb hosts the extensional database: the input tables the reasoner
// joins against and deduplicates into.
//
// The derivation core consumes tables through the Table interface and never
// sees a concrete backend. Two backends ship with MuninDB:
//
//   - MemoryTable: a sorted columnar in-memory table, always scannable under
//     any binding pattern.
//   - Store: facts persisted in BadgerDB; Store.Table bulk-loads a
//     predicate's facts into a MemoryTable, and the term dictionary lives in
//     the same store.
//
// The Layer facade owns the per-predicate table registry, the term
// dictionary, and the cross-table set-difference used by the retain
// protocol (CheckNewIn).
package edb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

// Common errors
var (
	ErrNoTable         = errors.New("no table registered for predicate")
	ErrQueryNotAllowed = errors.New("binding pattern not supported by table")
	ErrUnknownTerm     = errors.New("term not in dictionary")
)

// Iterator scans table rows matching a literal.
type Iterator interface {
	Next() bool
	// Get returns the value at argument position pos of the literal.
	Get(pos int) rules.Term
}

// Table is one extensional relation.
type Table interface {
	// Arity returns the number of argument positions.
	Arity() int
	// NRows returns the full table cardinality.
	NRows() int
	// Cardinality counts the rows matching the literal's constants and
	// repeated-variable constraints.
	Cardinality(lit rules.Literal) int
	// IsQueryAllowed reports whether Iterator supports the literal's
	// binding pattern.
	IsQueryAllowed(lit rules.Literal) bool
	// Iterator scans rows matching the literal in storage order.
	Iterator(lit rules.Literal) (Iterator, error)
	// SortedIterator scans matching rows ordered by the given variable
	// positions.
	SortedIterator(lit rules.Literal, fields []int) (Iterator, error)
	// UsesSegments reports whether Segment is available; tables answering
	// false are scanned through column views instead.
	UsesSegments() bool
	// Segment returns the full table as columns, sorted by the first
	// column.
	Segment() []columns.Column
	// Column returns position pos of the rows matching lit, sorted when
	// sorted is true.
	Column(lit rules.Literal, pos int, sorted bool) ([]rules.Term, error)
	// CanChange reports whether the table may grow between steps.
	CanChange() bool
}

// Layer is the facade the derivation core talks to.
type Layer struct {
	mu     sync.RWMutex
	tables map[rules.PredID]Table
	dict   *Dictionary
}

// NewLayer returns an empty layer with a fresh in-memory dictionary.
func NewLayer() *Layer {
	return &Layer{tables: map[rules.PredID]Table{}, dict: NewDictionary()}
}

// NewLayerWithDictionary returns an empty layer around an existing
// dictionary (for persistent dictionaries).
func NewLayerWithDictionary(dict *Dictionary) *Layer {
	return &Layer{tables: map[rules.PredID]Table{}, dict: dict}
}

// AddTable registers the table backing pred.
func (l *Layer) AddTable(pred rules.PredID, t Table) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tables[pred] = t
}

// Table returns the backend for pred.
func (l *Layer) Table(pred rules.PredID) (Table, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tables[pred]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoTable, pred)
	}
	return t, nil
}

// HasTable reports whether pred has a registered backend.
func (l *Layer) HasTable(pred rules.PredID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tables[pred]
	return ok
}

// IsQueryAllowed reports whether the literal's binding pattern can be
// scanned directly. Callers fall back to nested-loop lookup joins when not.
func (l *Layer) IsQueryAllowed(lit rules.Literal) bool {
	t, err := l.Table(lit.Pred)
	if err != nil {
		return false
	}
	return t.IsQueryAllowed(lit)
}

// Iterator scans rows matching lit.
func (l *Layer) Iterator(lit rules.Literal) (Iterator, error) {
	t, err := l.Table(lit.Pred)
	if err != nil {
		return nil, err
	}
	return t.Iterator(lit)
}

// SortedIterator scans rows matching lit ordered by fields.
func (l *Layer) SortedIterator(lit rules.Literal, fields []int) (Iterator, error) {
	t, err := l.Table(lit.Pred)
	if err != nil {
		return nil, err
	}
	return t.SortedIterator(lit, fields)
}

// Cardinality returns the number of rows matching lit.
func (l *Layer) Cardinality(lit rules.Literal) (int, error) {
	t, err := l.Table(lit.Pred)
	if err != nil {
		return 0, err
	}
	return t.Cardinality(lit), nil
}

// GetOrAddDictNumber resolves text to a term id, minting one when absent.
func (l *Layer) GetOrAddDictNumber(text string) rules.Term {
	return l.dict.GetOrAdd(text)
}

// GetDictNumber resolves text without minting.
func (l *Layer) GetDictNumber(text string) (rules.Term, bool) {
	return l.dict.Get(text)
}

// GetDictText resolves a term id back to text.
func (l *Layer) GetDictText(id rules.Term) (string, error) {
	return l.dict.Text(id)
}

// Dictionary returns the shared term dictionary.
func (l *Layer) Dictionary() *Dictionary { return l.dict }

// CheckNewIn returns the projections (at pos1) of the rows of l1 that do not
// occur among the projections (at pos2) of the rows of l2. Both position
// lists must have the same length (1 or 2); results come back one column per
// position, sorted and deduplicated. This is how two EDB-backed segments are
// set-differenced without materializing either side into the graph.
func (l *Layer) CheckNewIn(l1 rules.Literal, pos1 []int, l2 rules.Literal, pos2 []int) ([]columns.Column, error) {
	if len(pos1) != len(pos2) || len(pos1) == 0 || len(pos1) > 2 {
		return nil, fmt.Errorf("%w: checkNewIn over %d positions", ErrQueryNotAllowed, len(pos1))
	}
	newTuples, err := l.projectSorted(l1, pos1)
	if err != nil {
		return nil, err
	}
	oldTuples, err := l.projectSorted(l2, pos2)
	if err != nil {
		return nil, err
	}
	kept := antijoinTuples(newTuples, oldTuples)
	out := make([]columns.Column, len(pos1))
	for c := range out {
		vals := make([]rules.Term, len(kept))
		for i, row := range kept {
			vals[i] = row[c]
		}
		if c == 0 {
			out[c] = columns.NewDenseSorted(vals)
		} else {
			out[c] = columns.NewDense(vals)
		}
	}
	return out, nil
}

// CheckNewInPairs returns the (pos[0], pos[1]) projections of l1's rows that
// are absent from the given sorted pair list.
func (l *Layer) CheckNewInPairs(l1 rules.Literal, pos []int, existing [][2]rules.Term) ([][2]rules.Term, error) {
	if len(pos) != 2 {
		return nil, fmt.Errorf("%w: pair checkNewIn needs two positions", ErrQueryNotAllowed)
	}
	newTuples, err := l.projectSorted(l1, pos)
	if err != nil {
		return nil, err
	}
	var out [][2]rules.Term
	j := 0
	for _, row := range newTuples {
		t := [2]rules.Term{row[0], row[1]}
		for j < len(existing) && lessPair(existing[j], t) {
			j++
		}
		if j < len(existing) && existing[j] == t {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CheckNewInTerms filters terms (sorted) down to those absent from position
// posOld of l2. Used by containment checks over unary projections.
func (l *Layer) CheckNewInTerms(terms []rules.Term, l2 rules.Literal, posOld int) ([]rules.Term, error) {
	oldTuples, err := l.projectSorted(l2, []int{posOld})
	if err != nil {
		return nil, err
	}
	var out []rules.Term
	j := 0
	for _, t := range terms {
		for j < len(oldTuples) && oldTuples[j][0] < t {
			j++
		}
		if j < len(oldTuples) && oldTuples[j][0] == t {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// projectSorted materializes the projection of lit at the given argument
// positions, sorted lexicographically and deduplicated.
func (l *Layer) projectSorted(lit rules.Literal, pos []int) ([][]rules.Term, error) {
	it, err := l.SortedIterator(lit, pos)
	if err != nil {
		return nil, err
	}
	var out [][]rules.Term
	for it.Next() {
		row := make([]rules.Term, len(pos))
		for i, p := range pos {
			row[i] = it.Get(p)
		}
		if n := len(out); n > 0 && equalRow(out[n-1], row) {
			continue
		}
		out = append(out, row)
	}
	// Sorted iterators order by the requested fields; deduplicate runs
	// that differ only on unprojected positions.
	sort.Slice(out, func(i, j int) bool { return lessRow(out[i], out[j]) })
	dedup := out[:0]
	for i, row := range out {
		if i == 0 || !equalRow(out[i-1], row) {
			dedup = append(dedup, row)
		}
	}
	return dedup, nil
}

func antijoinTuples(newTuples, oldTuples [][]rules.Term) [][]rules.Term {
	var out [][]rules.Term
	j := 0
	for _, row := range newTuples {
		for j < len(oldTuples) && lessRow(oldTuples[j], row) {
			j++
		}
		if j < len(oldTuples) && equalRow(oldTuples[j], row) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func lessRow(a, b []rules.Term) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func equalRow(a, b []rules.Term) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lessPair(a, b [2]rules.Term) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}
