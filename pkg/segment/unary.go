package segment

import (
	"sort"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

// Unary is an arity-1 segment without provenance.
type Unary struct {
	tuples      []Term
	nodeID      uint64
	sorted      bool
	sortedField int
}

// NewUnary wraps tuples; the slice must not be mutated afterwards.
func NewUnary(tuples []Term, nodeID uint64, sorted bool, sortedField int) *Unary {
	return &Unary{tuples: tuples, nodeID: nodeID, sorted: sorted, sortedField: sortedField}
}

func (s *Unary) NRows() int         { return len(s.tuples) }
func (s *Unary) NColumns() int      { return 1 }
func (s *Unary) IsEmpty() bool      { return len(s.tuples) == 0 }
func (s *Unary) ProvType() ProvType { return NoProv }
func (s *Unary) NodeID() uint64     { return s.nodeID }
func (s *Unary) HasColumnarBackend() bool { return false }

func (s *Unary) IsSorted() bool { return s.sorted && s.sortedField == 0 }

func (s *Unary) IsSortedBy(fields []int) bool {
	return len(fields) == 1 && s.sorted && fields[0] == s.sortedField
}

func (s *Unary) Iterator() Iterator {
	return &unaryIterator{tuples: s.tuples, node: s.nodeID, pos: -1}
}

func (s *Unary) Sort() Segment {
	if s.IsSorted() {
		return s
	}
	out := sortedCopy(s.tuples)
	return NewUnary(out, s.nodeID, true, 0)
}

func (s *Unary) SortBy(fields []int) Segment { return s.Sort() }

func (s *Unary) SortByProv() Segment { return s }

func (s *Unary) Unique() (Segment, error) {
	if !s.IsSorted() {
		return nil, ErrNotSorted
	}
	out := make([]Term, 0, len(s.tuples))
	for i, v := range s.tuples {
		if i == 0 || v != s.tuples[i-1] {
			out = append(out, v)
		}
	}
	return NewUnary(out, s.nodeID, true, 0), nil
}

func (s *Unary) Slice(nodeID uint64, start, end int) Segment {
	return NewUnary(s.tuples[start:end], nodeID, s.sorted, s.sortedField)
}

func (s *Unary) SliceByNodes(startID uint64) ([]Segment, []uint64) {
	return sliceByNodes(s, startID)
}

func (s *Unary) Swap() (Segment, error) { return nil, ErrUnsupportedShape }

func (s *Unary) ProjectTo(fields []int) []columns.Column {
	out := make([]columns.Column, 0, len(fields))
	for range fields {
		out = append(out, columns.NewDense(s.tuples))
	}
	return out
}

func (s *Unary) AppendTerms(col int, out []Term) []Term {
	return append(out, s.tuples...)
}

func (s *Unary) AppendTermsProv(col int, out []TermProv) []TermProv {
	for _, v := range s.tuples {
		out = append(out, TermProv{Value: v, Node: s.nodeID})
	}
	return out
}

func (s *Unary) AppendPairs(col1, col2 int, out []Pair) []Pair {
	for _, v := range s.tuples {
		out = append(out, Pair{First: v, Second: v})
	}
	return out
}

func (s *Unary) AppendPairsProv(col1, col2 int, out []PairProv) []PairProv {
	for _, v := range s.tuples {
		out = append(out, PairProv{First: v, Second: v, Node: s.nodeID})
	}
	return out
}

func (s *Unary) AppendColumns(fields []int, out [][]Term, withProv bool) {
	for i := range fields {
		out[i] = append(out[i], s.tuples...)
	}
	if withProv {
		last := len(out) - 1
		for range s.tuples {
			out[last] = append(out[last], Term(s.nodeID))
		}
	}
}

func (s *Unary) CountHits(terms []Term, col int) (int, error) {
	if !s.IsSorted() {
		return 0, ErrNotSorted
	}
	return countHitsSorted(s.tuples, terms), nil
}

func (s *Unary) CountHitPairs(terms []Pair, col1, col2 int) (int, error) {
	return 0, ErrUnsupportedShape
}

// UnaryConstProv is an arity-1 segment whose rows all derive from one node.
type UnaryConstProv struct {
	Unary
}

// NewUnaryConstProv wraps tuples that all derive from nodeID.
func NewUnaryConstProv(tuples []Term, nodeID uint64, sorted bool, sortedField int) *UnaryConstProv {
	return &UnaryConstProv{Unary{tuples: tuples, nodeID: nodeID, sorted: sorted, sortedField: sortedField}}
}

func (s *UnaryConstProv) ProvType() ProvType { return SameNode }

func (s *UnaryConstProv) SortByProv() Segment { return s }

func (s *UnaryConstProv) Sort() Segment {
	if s.IsSorted() {
		return s
	}
	return NewUnaryConstProv(sortedCopy(s.tuples), s.nodeID, true, 0)
}

func (s *UnaryConstProv) SortBy(fields []int) Segment { return s.Sort() }

func (s *UnaryConstProv) Unique() (Segment, error) {
	if !s.IsSorted() {
		return nil, ErrNotSorted
	}
	out := make([]Term, 0, len(s.tuples))
	for i, v := range s.tuples {
		if i == 0 || v != s.tuples[i-1] {
			out = append(out, v)
		}
	}
	return NewUnaryConstProv(out, s.nodeID, true, 0), nil
}

func (s *UnaryConstProv) Slice(nodeID uint64, start, end int) Segment {
	return NewUnaryConstProv(s.tuples[start:end], nodeID, s.sorted, s.sortedField)
}

func (s *UnaryConstProv) SliceByNodes(startID uint64) ([]Segment, []uint64) {
	return sliceByNodes(s, startID)
}

func (s *UnaryConstProv) ProjectTo(fields []int) []columns.Column {
	out := s.Unary.ProjectTo(fields)
	return append(out, columns.NewConst(Term(s.nodeID), len(s.tuples)))
}

// UnaryProv is an arity-1 segment with a predecessor node per row.
type UnaryProv struct {
	tuples      []TermProv
	nodeID      uint64
	sorted      bool
	sortedField int
}

// NewUnaryProv wraps per-row-provenance tuples.
func NewUnaryProv(tuples []TermProv, nodeID uint64, sorted bool, sortedField int) *UnaryProv {
	return &UnaryProv{tuples: tuples, nodeID: nodeID, sorted: sorted, sortedField: sortedField}
}

func (s *UnaryProv) NRows() int         { return len(s.tuples) }
func (s *UnaryProv) NColumns() int      { return 1 }
func (s *UnaryProv) IsEmpty() bool      { return len(s.tuples) == 0 }
func (s *UnaryProv) ProvType() ProvType { return DiffNodes }
func (s *UnaryProv) NodeID() uint64     { return s.nodeID }
func (s *UnaryProv) HasColumnarBackend() bool { return false }

func (s *UnaryProv) IsSorted() bool { return s.sorted && s.sortedField == 0 }

func (s *UnaryProv) IsSortedBy(fields []int) bool {
	return len(fields) == 1 && s.sorted && fields[0] == s.sortedField
}

func (s *UnaryProv) Iterator() Iterator {
	return &unaryProvIterator{tuples: s.tuples, pos: -1}
}

func (s *UnaryProv) Sort() Segment {
	if s.IsSorted() {
		return s
	}
	out := make([]TermProv, len(s.tuples))
	copy(out, s.tuples)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value < out[j].Value
		}
		return out[i].Node < out[j].Node
	})
	return NewUnaryProv(out, s.nodeID, true, 0)
}

func (s *UnaryProv) SortBy(fields []int) Segment { return s.Sort() }

func (s *UnaryProv) SortByProv() Segment {
	out := make([]TermProv, len(s.tuples))
	copy(out, s.tuples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return NewUnaryProv(out, s.nodeID, false, 0)
}

func (s *UnaryProv) Unique() (Segment, error) {
	if !s.IsSorted() {
		return nil, ErrNotSorted
	}
	out := make([]TermProv, 0, len(s.tuples))
	for i, v := range s.tuples {
		if i == 0 || v.Value != s.tuples[i-1].Value {
			out = append(out, v)
		}
	}
	return NewUnaryProv(out, s.nodeID, true, 0), nil
}

// Slice collapses the row range to constant provenance under nodeID. Callers
// slice after SortByProv, when a range holds a single predecessor.
func (s *UnaryProv) Slice(nodeID uint64, start, end int) Segment {
	out := make([]Term, end-start)
	for i := start; i < end; i++ {
		out[i-start] = s.tuples[i].Value
	}
	return NewUnaryConstProv(out, nodeID, s.sorted, s.sortedField)
}

func (s *UnaryProv) SliceByNodes(startID uint64) ([]Segment, []uint64) {
	return sliceByNodes(s, startID)
}

func (s *UnaryProv) Swap() (Segment, error) { return nil, ErrUnsupportedShape }

func (s *UnaryProv) ProjectTo(fields []int) []columns.Column {
	values := make([]Term, len(s.tuples))
	nodes := make([]Term, len(s.tuples))
	for i, t := range s.tuples {
		values[i] = t.Value
		nodes[i] = Term(t.Node)
	}
	out := make([]columns.Column, 0, len(fields)+1)
	for range fields {
		out = append(out, columns.NewDense(values))
	}
	return append(out, columns.NewDense(nodes))
}

func (s *UnaryProv) AppendTerms(col int, out []Term) []Term {
	for _, t := range s.tuples {
		out = append(out, t.Value)
	}
	return out
}

func (s *UnaryProv) AppendTermsProv(col int, out []TermProv) []TermProv {
	return append(out, s.tuples...)
}

func (s *UnaryProv) AppendPairs(col1, col2 int, out []Pair) []Pair {
	for _, t := range s.tuples {
		out = append(out, Pair{First: t.Value, Second: t.Value})
	}
	return out
}

func (s *UnaryProv) AppendPairsProv(col1, col2 int, out []PairProv) []PairProv {
	for _, t := range s.tuples {
		out = append(out, PairProv{First: t.Value, Second: t.Value, Node: t.Node})
	}
	return out
}

func (s *UnaryProv) AppendColumns(fields []int, out [][]Term, withProv bool) {
	for i := range fields {
		for _, t := range s.tuples {
			out[i] = append(out[i], t.Value)
		}
	}
	if withProv {
		last := len(out) - 1
		for _, t := range s.tuples {
			out[last] = append(out[last], Term(t.Node))
		}
	}
}

func (s *UnaryProv) CountHits(terms []Term, col int) (int, error) {
	if !s.IsSorted() {
		return 0, ErrNotSorted
	}
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(s.tuples), func(i int) bool { return s.tuples[i].Value >= t })
		if i < len(s.tuples) && s.tuples[i].Value == t {
			hits++
		}
	}
	return hits, nil
}

func (s *UnaryProv) CountHitPairs(terms []Pair, col1, col2 int) (int, error) {
	return 0, ErrUnsupportedShape
}

// Iterators

type unaryIterator struct {
	tuples []Term
	node   uint64
	pos    int
	mark   int
}

func (it *unaryIterator) Next() bool {
	if it.pos+1 >= len(it.tuples) {
		return false
	}
	it.pos++
	return true
}

func (it *unaryIterator) Get(pos int) Term { return it.tuples[it.pos] }
func (it *unaryIterator) NodeID() uint64   { return it.node }
func (it *unaryIterator) Mark()            { it.mark = it.pos }
func (it *unaryIterator) Reset()           { it.pos = it.mark }

type unaryProvIterator struct {
	tuples []TermProv
	pos    int
	mark   int
}

func (it *unaryProvIterator) Next() bool {
	if it.pos+1 >= len(it.tuples) {
		return false
	}
	it.pos++
	return true
}

func (it *unaryProvIterator) Get(pos int) Term { return it.tuples[it.pos].Value }
func (it *unaryProvIterator) NodeID() uint64   { return it.tuples[it.pos].Node }
func (it *unaryProvIterator) Mark()            { it.mark = it.pos }
func (it *unaryProvIterator) Reset()           { it.pos = it.mark }

// Shared helpers

func sortedCopy(in []Term) []Term {
	out := make([]Term, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func countHitsSorted(sorted []Term, terms []Term) int {
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= t })
		if i < len(sorted) && sorted[i] == t {
			hits++
		}
	}
	return hits
}

// sliceByNodes partitions a segment into runs of equal predecessor node,
// assigning consecutive fresh node ids from startID. The input must already
// be grouped by predecessor (SortByProv).
func sliceByNodes(s Segment, startID uint64) ([]Segment, []uint64) {
	var out []Segment
	var provNodes []uint64
	it := s.Iterator()
	startIdx, i := 0, 0
	currentNode := rules.NoNode
	for it.Next() {
		if i == 0 || it.NodeID() != currentNode {
			if startIdx < i {
				provNodes = append(provNodes, currentNode)
				out = append(out, s.Slice(startID, startIdx, i))
				startID++
			}
			startIdx = i
			currentNode = it.NodeID()
		}
		i++
	}
	if startIdx < i {
		provNodes = append(provNodes, currentNode)
		out = append(out, s.Slice(startID, startIdx, i))
	}
	return out, provNodes
}
