package edb

import (
	"sort"
	"sync"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

// MemoryTable is a sorted columnar in-memory relation.
//
// Rows are stored column-major and kept lexicographically sorted, so full
// scans come out in sorted order. Every binding pattern is allowed; constant
// bindings, on the first column as on any other, and repeated variables are
// checked by a filtered scan over all rows.
//
// Handing the table to a Layer does not freeze it; Freeze sorts it. The
// reasoner treats EDB relations as unchanging during a chase (CanChange
// returns false).
type MemoryTable struct {
	mu    sync.RWMutex
	arity int
	cols  [][]rules.Term
	// sortCache memoizes row permutations for SortedIterator field lists.
	sortCache map[string][]int
}

// NewMemoryTable creates an empty table of the given arity.
func NewMemoryTable(arity int) *MemoryTable {
	return &MemoryTable{
		arity:     arity,
		cols:      make([][]rules.Term, arity),
		sortCache: map[string][]int{},
	}
}

// AddRow appends one fact. Call Freeze after loading; reads before Freeze
// see unsorted data.
func (t *MemoryTable) AddRow(row []rules.Term) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < t.arity; i++ {
		t.cols[i] = append(t.cols[i], row[i])
	}
	t.sortCache = map[string][]int{}
}

// Freeze sorts the rows lexicographically and drops duplicates. Loaders call
// it once after the last AddRow.
func (t *MemoryTable) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nrowsLocked()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		for c := 0; c < t.arity; c++ {
			if t.cols[c][idx[a]] != t.cols[c][idx[b]] {
				return t.cols[c][idx[a]] < t.cols[c][idx[b]]
			}
		}
		return false
	})
	newCols := make([][]rules.Term, t.arity)
	for c := range newCols {
		newCols[c] = make([]rules.Term, 0, n)
	}
	for pos, from := range idx {
		if pos > 0 {
			dup := true
			for c := 0; c < t.arity; c++ {
				if t.cols[c][from] != newCols[c][len(newCols[c])-1] {
					dup = false
					break
				}
			}
			if dup {
				continue
			}
		}
		for c := 0; c < t.arity; c++ {
			newCols[c] = append(newCols[c], t.cols[c][from])
		}
	}
	t.cols = newCols
	t.sortCache = map[string][]int{}
}

func (t *MemoryTable) Arity() int { return t.arity }

func (t *MemoryTable) NRows() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nrowsLocked()
}

func (t *MemoryTable) nrowsLocked() int {
	if t.arity == 0 {
		return 0
	}
	return len(t.cols[0])
}

func (t *MemoryTable) CanChange() bool    { return false }
func (t *MemoryTable) UsesSegments() bool { return true }

func (t *MemoryTable) IsQueryAllowed(rules.Literal) bool { return true }

// Segment returns the table's columns, sorted by the first column.
func (t *MemoryTable) Segment() []columns.Column {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]columns.Column, t.arity)
	for c := range out {
		if c == 0 {
			out[c] = columns.NewDenseSorted(t.cols[c])
		} else {
			out[c] = columns.NewDense(t.cols[c])
		}
	}
	return out
}

// matches reports whether row i satisfies the literal's constants and
// repeated variables.
func (t *MemoryTable) matches(i int, lit rules.Literal) bool {
	firstPos := map[rules.VarID]int{}
	for p, a := range lit.Args {
		if !a.IsVar {
			if a.Const != rules.TermAny && t.cols[p][i] != a.Const {
				return false
			}
			continue
		}
		if prev, seen := firstPos[a.Var]; seen {
			if t.cols[p][i] != t.cols[prev][i] {
				return false
			}
		} else {
			firstPos[a.Var] = p
		}
	}
	return true
}

func (t *MemoryTable) Cardinality(lit rules.Literal) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := 0; i < t.nrowsLocked(); i++ {
		if t.matches(i, lit) {
			n++
		}
	}
	return n
}

func (t *MemoryTable) Iterator(lit rules.Literal) (Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &memIterator{table: t, lit: lit, order: nil, pos: -1}, nil
}

func (t *MemoryTable) SortedIterator(lit rules.Literal, fields []int) (Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order := t.orderLocked(fields)
	return &memIterator{table: t, lit: lit, order: order, pos: -1}, nil
}

// orderLocked returns the row permutation sorting the table by fields,
// memoized per field list. A nil result means storage order already fits
// (empty fields, or fields that are a prefix of the column order 0, 1, ...).
func (t *MemoryTable) orderLocked(fields []int) []int {
	leading := true
	for i, f := range fields {
		if f != i {
			leading = false
			break
		}
	}
	if leading {
		return nil
	}
	key := ""
	for _, f := range fields {
		key += string(rune('a' + f))
	}
	if order, ok := t.sortCache[key]; ok {
		return order
	}
	n := t.nrowsLocked()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		for _, f := range fields {
			if t.cols[f][order[a]] != t.cols[f][order[b]] {
				return t.cols[f][order[a]] < t.cols[f][order[b]]
			}
		}
		return false
	})
	t.sortCache[key] = order
	return order
}

// Column returns position pos of the rows matching lit.
func (t *MemoryTable) Column(lit rules.Literal, pos int, sorted bool) ([]rules.Term, error) {
	it, err := t.Iterator(lit)
	if err != nil {
		return nil, err
	}
	var out []rules.Term
	for it.Next() {
		out = append(out, it.Get(pos))
	}
	if sorted {
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	}
	return out, nil
}

type memIterator struct {
	table *MemoryTable
	lit   rules.Literal
	order []int // nil means storage order
	pos   int
}

func (it *memIterator) Next() bool {
	n := it.table.nrowsLocked()
	for {
		it.pos++
		if it.pos >= n {
			return false
		}
		if it.table.matches(it.row(), it.lit) {
			return true
		}
	}
}

func (it *memIterator) row() int {
	if it.order == nil {
		return it.pos
	}
	return it.order[it.pos]
}

func (it *memIterator) Get(pos int) rules.Term {
	return it.table.cols[pos][it.row()]
}
