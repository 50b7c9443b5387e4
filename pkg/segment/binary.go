package segment

import (
	"sort"

	"github.com/orneryd/munindb/pkg/columns"
)

// Binary is an arity-2 segment without provenance.
type Binary struct {
	tuples      []Pair
	nodeID      uint64
	sorted      bool
	sortedField int
}

// NewBinary wraps tuples; the slice must not be mutated afterwards.
func NewBinary(tuples []Pair, nodeID uint64, sorted bool, sortedField int) *Binary {
	return &Binary{tuples: tuples, nodeID: nodeID, sorted: sorted, sortedField: sortedField}
}

func (s *Binary) NRows() int         { return len(s.tuples) }
func (s *Binary) NColumns() int      { return 2 }
func (s *Binary) IsEmpty() bool      { return len(s.tuples) == 0 }
func (s *Binary) ProvType() ProvType { return NoProv }
func (s *Binary) NodeID() uint64     { return s.nodeID }
func (s *Binary) HasColumnarBackend() bool { return false }

func (s *Binary) IsSorted() bool { return s.sorted && s.sortedField == 0 }

func (s *Binary) IsSortedBy(fields []int) bool {
	return len(fields) == 1 && s.sorted && fields[0] == s.sortedField
}

func (s *Binary) Iterator() Iterator {
	return &binaryIterator{tuples: s.tuples, node: s.nodeID, pos: -1}
}

func (s *Binary) Sort() Segment {
	if s.IsSorted() {
		return s
	}
	return NewBinary(sortPairs(s.tuples, 0), s.nodeID, true, 0)
}

func (s *Binary) SortBy(fields []int) Segment {
	field := 0
	if len(fields) > 0 {
		field = fields[0]
	}
	if s.sorted && field == s.sortedField {
		return s
	}
	return NewBinary(sortPairs(s.tuples, field), s.nodeID, true, field)
}

func (s *Binary) SortByProv() Segment { return s }

func (s *Binary) Unique() (Segment, error) {
	if !s.IsSorted() {
		return nil, ErrNotSorted
	}
	out := make([]Pair, 0, len(s.tuples))
	for i, v := range s.tuples {
		if i == 0 || v != s.tuples[i-1] {
			out = append(out, v)
		}
	}
	return NewBinary(out, s.nodeID, true, 0), nil
}

func (s *Binary) Slice(nodeID uint64, start, end int) Segment {
	return NewBinary(s.tuples[start:end], nodeID, s.sorted, s.sortedField)
}

func (s *Binary) SliceByNodes(startID uint64) ([]Segment, []uint64) {
	return sliceByNodes(s, startID)
}

func (s *Binary) Swap() (Segment, error) {
	out := make([]Pair, len(s.tuples))
	for i, t := range s.tuples {
		out[i] = Pair{First: t.Second, Second: t.First}
	}
	return NewBinary(out, s.nodeID, false, 0), nil
}

func (s *Binary) ProjectTo(fields []int) []columns.Column {
	out := make([]columns.Column, 0, len(fields))
	for _, f := range fields {
		out = append(out, columns.NewDense(s.column(f)))
	}
	return out
}

func (s *Binary) column(f int) []Term {
	out := make([]Term, len(s.tuples))
	for i, t := range s.tuples {
		if f == 0 {
			out[i] = t.First
		} else {
			out[i] = t.Second
		}
	}
	return out
}

func (s *Binary) AppendTerms(col int, out []Term) []Term {
	for _, t := range s.tuples {
		out = append(out, pairAt(t, col))
	}
	return out
}

func (s *Binary) AppendTermsProv(col int, out []TermProv) []TermProv {
	for _, t := range s.tuples {
		out = append(out, TermProv{Value: pairAt(t, col), Node: s.nodeID})
	}
	return out
}

func (s *Binary) AppendPairs(col1, col2 int, out []Pair) []Pair {
	for _, t := range s.tuples {
		out = append(out, Pair{First: pairAt(t, col1), Second: pairAt(t, col2)})
	}
	return out
}

func (s *Binary) AppendPairsProv(col1, col2 int, out []PairProv) []PairProv {
	for _, t := range s.tuples {
		out = append(out, PairProv{First: pairAt(t, col1), Second: pairAt(t, col2), Node: s.nodeID})
	}
	return out
}

func (s *Binary) AppendColumns(fields []int, out [][]Term, withProv bool) {
	for i, f := range fields {
		for _, t := range s.tuples {
			out[i] = append(out[i], pairAt(t, f))
		}
	}
	if withProv {
		last := len(out) - 1
		for range s.tuples {
			out[last] = append(out[last], Term(s.nodeID))
		}
	}
}

func (s *Binary) CountHits(terms []Term, col int) (int, error) {
	if !(s.sorted && s.sortedField == col) {
		return 0, ErrNotSorted
	}
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(s.tuples), func(i int) bool { return pairAt(s.tuples[i], col) >= t })
		if i < len(s.tuples) && pairAt(s.tuples[i], col) == t {
			hits++
		}
	}
	return hits, nil
}

func (s *Binary) CountHitPairs(terms []Pair, col1, col2 int) (int, error) {
	if col1 != 0 || col2 != 1 || !s.IsSorted() {
		return 0, ErrUnsupportedShape
	}
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(s.tuples), func(i int) bool {
			p := s.tuples[i]
			return p.First > t.First || (p.First == t.First && p.Second >= t.Second)
		})
		if i < len(s.tuples) && s.tuples[i] == t {
			hits++
		}
	}
	return hits, nil
}

// BinaryConstProv is an arity-2 segment whose rows all derive from one node.
type BinaryConstProv struct {
	Binary
}

// NewBinaryConstProv wraps tuples that all derive from nodeID.
func NewBinaryConstProv(tuples []Pair, nodeID uint64, sorted bool, sortedField int) *BinaryConstProv {
	return &BinaryConstProv{Binary{tuples: tuples, nodeID: nodeID, sorted: sorted, sortedField: sortedField}}
}

func (s *BinaryConstProv) ProvType() ProvType  { return SameNode }
func (s *BinaryConstProv) SortByProv() Segment { return s }

func (s *BinaryConstProv) Sort() Segment {
	if s.IsSorted() {
		return s
	}
	return NewBinaryConstProv(sortPairs(s.tuples, 0), s.nodeID, true, 0)
}

func (s *BinaryConstProv) SortBy(fields []int) Segment {
	field := 0
	if len(fields) > 0 {
		field = fields[0]
	}
	if s.sorted && field == s.sortedField {
		return s
	}
	return NewBinaryConstProv(sortPairs(s.tuples, field), s.nodeID, true, field)
}

func (s *BinaryConstProv) Unique() (Segment, error) {
	if !s.IsSorted() {
		return nil, ErrNotSorted
	}
	out := make([]Pair, 0, len(s.tuples))
	for i, v := range s.tuples {
		if i == 0 || v != s.tuples[i-1] {
			out = append(out, v)
		}
	}
	return NewBinaryConstProv(out, s.nodeID, true, 0), nil
}

func (s *BinaryConstProv) Slice(nodeID uint64, start, end int) Segment {
	return NewBinaryConstProv(s.tuples[start:end], nodeID, s.sorted, s.sortedField)
}

func (s *BinaryConstProv) SliceByNodes(startID uint64) ([]Segment, []uint64) {
	return sliceByNodes(s, startID)
}

func (s *BinaryConstProv) Swap() (Segment, error) {
	out := make([]Pair, len(s.tuples))
	for i, t := range s.tuples {
		out[i] = Pair{First: t.Second, Second: t.First}
	}
	return NewBinaryConstProv(out, s.nodeID, false, 0), nil
}

func (s *BinaryConstProv) ProjectTo(fields []int) []columns.Column {
	out := s.Binary.ProjectTo(fields)
	return append(out, columns.NewConst(Term(s.nodeID), len(s.tuples)))
}

func (s *BinaryConstProv) AppendTermsProv(col int, out []TermProv) []TermProv {
	for _, t := range s.tuples {
		out = append(out, TermProv{Value: pairAt(t, col), Node: s.nodeID})
	}
	return out
}

// BinaryProv is an arity-2 segment with a predecessor node per row.
type BinaryProv struct {
	tuples      []PairProv
	nodeID      uint64
	sorted      bool
	sortedField int
}

// NewBinaryProv wraps per-row-provenance tuples.
func NewBinaryProv(tuples []PairProv, nodeID uint64, sorted bool, sortedField int) *BinaryProv {
	return &BinaryProv{tuples: tuples, nodeID: nodeID, sorted: sorted, sortedField: sortedField}
}

func (s *BinaryProv) NRows() int         { return len(s.tuples) }
func (s *BinaryProv) NColumns() int      { return 2 }
func (s *BinaryProv) IsEmpty() bool      { return len(s.tuples) == 0 }
func (s *BinaryProv) ProvType() ProvType { return DiffNodes }
func (s *BinaryProv) NodeID() uint64     { return s.nodeID }
func (s *BinaryProv) HasColumnarBackend() bool { return false }

func (s *BinaryProv) IsSorted() bool { return s.sorted && s.sortedField == 0 }

func (s *BinaryProv) IsSortedBy(fields []int) bool {
	return len(fields) == 1 && s.sorted && fields[0] == s.sortedField
}

func (s *BinaryProv) Iterator() Iterator {
	return &binaryProvIterator{tuples: s.tuples, pos: -1}
}

func (s *BinaryProv) Sort() Segment {
	if s.IsSorted() {
		return s
	}
	out := make([]PairProv, len(s.tuples))
	copy(out, s.tuples)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.First != b.First {
			return a.First < b.First
		}
		if a.Second != b.Second {
			return a.Second < b.Second
		}
		return a.Node < b.Node
	})
	return NewBinaryProv(out, s.nodeID, true, 0)
}

func (s *BinaryProv) SortBy(fields []int) Segment {
	field := 0
	if len(fields) > 0 {
		field = fields[0]
	}
	if field == 0 {
		return s.Sort()
	}
	out := make([]PairProv, len(s.tuples))
	copy(out, s.tuples)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Second != b.Second {
			return a.Second < b.Second
		}
		return a.First < b.First
	})
	return NewBinaryProv(out, s.nodeID, true, 1)
}

func (s *BinaryProv) SortByProv() Segment {
	out := make([]PairProv, len(s.tuples))
	copy(out, s.tuples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return NewBinaryProv(out, s.nodeID, false, 0)
}

func (s *BinaryProv) Unique() (Segment, error) {
	if !s.IsSorted() {
		return nil, ErrNotSorted
	}
	out := make([]PairProv, 0, len(s.tuples))
	for i, v := range s.tuples {
		if i == 0 || v.First != s.tuples[i-1].First || v.Second != s.tuples[i-1].Second {
			out = append(out, v)
		}
	}
	return NewBinaryProv(out, s.nodeID, true, 0), nil
}

// Slice collapses the row range to constant provenance under nodeID.
func (s *BinaryProv) Slice(nodeID uint64, start, end int) Segment {
	out := make([]Pair, end-start)
	for i := start; i < end; i++ {
		out[i-start] = Pair{First: s.tuples[i].First, Second: s.tuples[i].Second}
	}
	return NewBinaryConstProv(out, nodeID, s.sorted, s.sortedField)
}

func (s *BinaryProv) SliceByNodes(startID uint64) ([]Segment, []uint64) {
	return sliceByNodes(s, startID)
}

func (s *BinaryProv) Swap() (Segment, error) {
	out := make([]PairProv, len(s.tuples))
	for i, t := range s.tuples {
		out[i] = PairProv{First: t.Second, Second: t.First, Node: t.Node}
	}
	return NewBinaryProv(out, s.nodeID, false, 0), nil
}

func (s *BinaryProv) ProjectTo(fields []int) []columns.Column {
	out := make([]columns.Column, 0, len(fields)+1)
	for _, f := range fields {
		col := make([]Term, len(s.tuples))
		for i, t := range s.tuples {
			col[i] = pairProvAt(t, f)
		}
		out = append(out, columns.NewDense(col))
	}
	nodes := make([]Term, len(s.tuples))
	for i, t := range s.tuples {
		nodes[i] = Term(t.Node)
	}
	return append(out, columns.NewDense(nodes))
}

func (s *BinaryProv) AppendTerms(col int, out []Term) []Term {
	for _, t := range s.tuples {
		out = append(out, pairProvAt(t, col))
	}
	return out
}

func (s *BinaryProv) AppendTermsProv(col int, out []TermProv) []TermProv {
	for _, t := range s.tuples {
		out = append(out, TermProv{Value: pairProvAt(t, col), Node: t.Node})
	}
	return out
}

func (s *BinaryProv) AppendPairs(col1, col2 int, out []Pair) []Pair {
	for _, t := range s.tuples {
		out = append(out, Pair{First: pairProvAt(t, col1), Second: pairProvAt(t, col2)})
	}
	return out
}

func (s *BinaryProv) AppendPairsProv(col1, col2 int, out []PairProv) []PairProv {
	for _, t := range s.tuples {
		out = append(out, PairProv{
			First:  pairProvAt(t, col1),
			Second: pairProvAt(t, col2),
			Node:   t.Node,
		})
	}
	return out
}

func (s *BinaryProv) AppendColumns(fields []int, out [][]Term, withProv bool) {
	for i, f := range fields {
		for _, t := range s.tuples {
			out[i] = append(out[i], pairProvAt(t, f))
		}
	}
	if withProv {
		last := len(out) - 1
		for _, t := range s.tuples {
			out[last] = append(out[last], Term(t.Node))
		}
	}
}

func (s *BinaryProv) CountHits(terms []Term, col int) (int, error) {
	if !(s.sorted && s.sortedField == col) {
		return 0, ErrNotSorted
	}
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(s.tuples), func(i int) bool { return pairProvAt(s.tuples[i], col) >= t })
		if i < len(s.tuples) && pairProvAt(s.tuples[i], col) == t {
			hits++
		}
	}
	return hits, nil
}

func (s *BinaryProv) CountHitPairs(terms []Pair, col1, col2 int) (int, error) {
	if col1 != 0 || col2 != 1 || !s.IsSorted() {
		return 0, ErrUnsupportedShape
	}
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(s.tuples), func(i int) bool {
			p := s.tuples[i]
			return p.First > t.First || (p.First == t.First && p.Second >= t.Second)
		})
		if i < len(s.tuples) && s.tuples[i].First == t.First && s.tuples[i].Second == t.Second {
			hits++
		}
	}
	return hits, nil
}

// Iterators

type binaryIterator struct {
	tuples []Pair
	node   uint64
	pos    int
	mark   int
}

func (it *binaryIterator) Next() bool {
	if it.pos+1 >= len(it.tuples) {
		return false
	}
	it.pos++
	return true
}

func (it *binaryIterator) Get(pos int) Term { return pairAt(it.tuples[it.pos], pos) }
func (it *binaryIterator) NodeID() uint64   { return it.node }
func (it *binaryIterator) Mark()            { it.mark = it.pos }
func (it *binaryIterator) Reset()           { it.pos = it.mark }

type binaryProvIterator struct {
	tuples []PairProv
	pos    int
	mark   int
}

func (it *binaryProvIterator) Next() bool {
	if it.pos+1 >= len(it.tuples) {
		return false
	}
	it.pos++
	return true
}

func (it *binaryProvIterator) Get(pos int) Term { return pairProvAt(it.tuples[it.pos], pos) }
func (it *binaryProvIterator) NodeID() uint64   { return it.tuples[it.pos].Node }
func (it *binaryProvIterator) Mark()            { it.mark = it.pos }
func (it *binaryProvIterator) Reset()           { it.pos = it.mark }

// Helpers

func pairAt(p Pair, pos int) Term {
	if pos == 0 {
		return p.First
	}
	return p.Second
}

func pairProvAt(p PairProv, pos int) Term {
	if pos == 0 {
		return p.First
	}
	return p.Second
}

func sortPairs(in []Pair, field int) []Pair {
	out := make([]Pair, len(in))
	copy(out, in)
	if field == 0 {
		sort.Slice(out, func(i, j int) bool {
			if out[i].First != out[j].First {
				return out[i].First < out[j].First
			}
			return out[i].Second < out[j].Second
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			if out[i].Second != out[j].Second {
				return out[i].Second < out[j].Second
			}
			return out[i].First < out[j].First
		})
	}
	return out
}
