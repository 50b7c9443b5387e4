package segment

import (
	"sort"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

// Columnar is the generic segment: a list of shared columns, optionally
// followed by provenance columns. It covers arities of three and above,
// EDB-backed lazy views, and the full-provenance layout in which the data
// columns are followed by alternating (row offset, node id) column pairs
// with the node column last.
type Columnar struct {
	cols        []columns.Column
	nrows       int
	sorted      bool
	sortedField int
	// provWidth counts trailing provenance columns: 0 (no provenance),
	// 1 (node column), or 2*depth-1 for full provenance chains.
	provWidth int
}

// NewColumnar builds a columnar segment. provWidth trailing columns are
// treated as provenance.
func NewColumnar(cols []columns.Column, nrows int, sorted bool, sortedField int, provWidth int) *Columnar {
	return &Columnar{cols: cols, nrows: nrows, sorted: sorted, sortedField: sortedField, provWidth: provWidth}
}

func (s *Columnar) NRows() int    { return s.nrows }
func (s *Columnar) NColumns() int { return len(s.cols) - s.provWidth }
func (s *Columnar) IsEmpty() bool { return s.nrows == 0 }
func (s *Columnar) HasColumnarBackend() bool { return true }

// Column exposes the i-th physical column, provenance included.
func (s *Columnar) Column(i int) columns.Column { return s.cols[i] }

// ProvWidth returns the number of trailing provenance columns.
func (s *Columnar) ProvWidth() int { return s.provWidth }

func (s *Columnar) ProvType() ProvType {
	switch {
	case s.provWidth == 0:
		return NoProv
	case s.provWidth > 1:
		return FullProv
	}
	last := s.cols[len(s.cols)-1]
	if last.IsEmpty() || last.IsConstant() {
		return SameNode
	}
	return DiffNodes
}

func (s *Columnar) NodeID() uint64 {
	if s.provWidth == 0 {
		return rules.NoNode
	}
	last := s.cols[len(s.cols)-1]
	if !last.IsEmpty() && last.IsConstant() {
		return uint64(last.First())
	}
	return rules.NoNode
}

func (s *Columnar) IsSorted() bool { return s.sorted && s.sortedField == 0 }

func (s *Columnar) IsSortedBy(fields []int) bool {
	return len(fields) == 1 && s.sorted && fields[0] == s.sortedField
}

// rows materializes every physical column once.
func (s *Columnar) rows() [][]Term {
	out := make([][]Term, len(s.cols))
	for i, c := range s.cols {
		out[i] = c.Values()
	}
	return out
}

func (s *Columnar) Iterator() Iterator {
	return &columnarIterator{
		cols:  s.rows(),
		ncols: s.NColumns(),
		prov:  s.provWidth > 0,
		pos:   -1,
	}
}

// permute rebuilds the segment with rows in idx order.
func (s *Columnar) permute(idx []int, sorted bool, sortedField int) *Columnar {
	mat := s.rows()
	newCols := make([]columns.Column, len(s.cols))
	for c := range s.cols {
		// Constant columns survive any permutation unchanged.
		if s.cols[c].IsConstant() {
			newCols[c] = s.cols[c]
			continue
		}
		vals := make([]Term, s.nrows)
		for r, from := range idx {
			vals[r] = mat[c][from]
		}
		newCols[c] = columns.NewDense(vals)
	}
	return NewColumnar(newCols, s.nrows, sorted, sortedField, s.provWidth)
}

func (s *Columnar) sortIndex(fields []int, stable bool) []int {
	mat := s.rows()
	idx := make([]int, s.nrows)
	for i := range idx {
		idx[i] = i
	}
	less := func(i, j int) bool {
		a, b := idx[i], idx[j]
		for _, f := range fields {
			if mat[f][a] != mat[f][b] {
				return mat[f][a] < mat[f][b]
			}
		}
		return false
	}
	if stable {
		sort.SliceStable(idx, less)
	} else {
		sort.Slice(idx, less)
	}
	return idx
}

func (s *Columnar) Sort() Segment {
	if s.IsSorted() {
		return s
	}
	fields := make([]int, s.NColumns())
	for i := range fields {
		fields[i] = i
	}
	return s.permute(s.sortIndex(fields, false), true, 0)
}

func (s *Columnar) SortBy(fields []int) Segment {
	if len(fields) == 0 {
		return s.Sort()
	}
	if s.IsSortedBy(fields) {
		return s
	}
	// Tie-break with the remaining data columns for deterministic output.
	all := append([]int{}, fields...)
	seen := map[int]bool{}
	for _, f := range fields {
		seen[f] = true
	}
	for i := 0; i < s.NColumns(); i++ {
		if !seen[i] {
			all = append(all, i)
		}
	}
	return s.permute(s.sortIndex(all, false), true, fields[0])
}

func (s *Columnar) SortByProv() Segment {
	if s.provWidth == 0 {
		return s
	}
	last := len(s.cols) - 1
	if s.cols[last].IsConstant() {
		return s
	}
	return s.permute(s.sortIndex([]int{last}, true), false, s.sortedField)
}

func (s *Columnar) Unique() (Segment, error) {
	if !s.IsSorted() {
		return nil, ErrNotSorted
	}
	mat := s.rows()
	ncols := s.NColumns()
	keep := make([]int, 0, s.nrows)
	for r := 0; r < s.nrows; r++ {
		if r == 0 {
			keep = append(keep, r)
			continue
		}
		dup := true
		for c := 0; c < ncols; c++ {
			if mat[c][r] != mat[c][r-1] {
				dup = false
				break
			}
		}
		if !dup {
			keep = append(keep, r)
		}
	}
	if len(keep) == s.nrows {
		return s, nil
	}
	newCols := make([]columns.Column, len(s.cols))
	for c := range s.cols {
		if s.cols[c].IsConstant() {
			newCols[c] = s.cols[c].Slice(0, len(keep))
			continue
		}
		vals := make([]Term, len(keep))
		for i, r := range keep {
			vals[i] = mat[c][r]
		}
		newCols[c] = columns.NewDense(vals)
	}
	return NewColumnar(newCols, len(keep), true, s.sortedField, s.provWidth), nil
}

func (s *Columnar) Slice(nodeID uint64, start, end int) Segment {
	length := end - start
	ncols := s.NColumns()
	newCols := make([]columns.Column, 0, len(s.cols))
	for i := 0; i < ncols; i++ {
		if start == 0 && end == s.nrows {
			newCols = append(newCols, s.cols[i])
		} else {
			newCols = append(newCols, s.cols[i].Slice(start, end))
		}
	}
	provWidth := s.provWidth
	if provWidth > 0 {
		// A slice belongs to a single fresh node.
		provWidth = 1
		newCols = append(newCols, columns.NewConst(Term(nodeID), length))
	}
	return NewColumnar(newCols, length, s.sorted, s.sortedField, provWidth)
}

func (s *Columnar) SliceByNodes(startID uint64) ([]Segment, []uint64) {
	return sliceByNodes(s, startID)
}

func (s *Columnar) Swap() (Segment, error) {
	if s.NColumns() != 2 {
		return nil, ErrUnsupportedShape
	}
	newCols := make([]columns.Column, len(s.cols))
	copy(newCols, s.cols)
	newCols[0], newCols[1] = s.cols[1], s.cols[0]
	return NewColumnar(newCols, s.nrows, false, 0, s.provWidth), nil
}

func (s *Columnar) ProjectTo(fields []int) []columns.Column {
	out := make([]columns.Column, 0, len(fields)+1)
	for _, f := range fields {
		out = append(out, s.cols[f])
	}
	if s.provWidth > 0 {
		out = append(out, s.cols[len(s.cols)-1])
	}
	return out
}

func (s *Columnar) AppendTerms(col int, out []Term) []Term {
	r := s.cols[col].Reader()
	for r.HasNext() {
		out = append(out, r.Next())
	}
	return out
}

func (s *Columnar) AppendTermsProv(col int, out []TermProv) []TermProv {
	r := s.cols[col].Reader()
	provR := s.cols[len(s.cols)-1].Reader()
	for r.HasNext() {
		out = append(out, TermProv{Value: r.Next(), Node: uint64(provR.Next())})
	}
	return out
}

func (s *Columnar) AppendPairs(col1, col2 int, out []Pair) []Pair {
	r1 := s.cols[col1].Reader()
	r2 := s.cols[col2].Reader()
	for r1.HasNext() {
		out = append(out, Pair{First: r1.Next(), Second: r2.Next()})
	}
	return out
}

func (s *Columnar) AppendPairsProv(col1, col2 int, out []PairProv) []PairProv {
	r1 := s.cols[col1].Reader()
	r2 := s.cols[col2].Reader()
	provR := s.cols[len(s.cols)-1].Reader()
	for r1.HasNext() {
		out = append(out, PairProv{First: r1.Next(), Second: r2.Next(), Node: uint64(provR.Next())})
	}
	return out
}

func (s *Columnar) AppendColumns(fields []int, out [][]Term, withProv bool) {
	for i, f := range fields {
		r := s.cols[f].Reader()
		for r.HasNext() {
			out[i] = append(out[i], r.Next())
		}
	}
	if withProv && s.provWidth > 0 {
		last := len(out) - 1
		r := s.cols[len(s.cols)-1].Reader()
		for r.HasNext() {
			out[last] = append(out[last], r.Next())
		}
	}
}

func (s *Columnar) CountHits(terms []Term, col int) (int, error) {
	if !(s.sorted && s.sortedField == col) {
		return 0, ErrNotSorted
	}
	return columns.CountHits(columns.NewDenseSorted(s.cols[col].Values()), terms), nil
}

func (s *Columnar) CountHitPairs(terms []Pair, col1, col2 int) (int, error) {
	if !s.IsSorted() || col1 != 0 || col2 != 1 {
		return 0, ErrUnsupportedShape
	}
	v1 := s.cols[col1].Values()
	v2 := s.cols[col2].Values()
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(v1), func(i int) bool {
			return v1[i] > t.First || (v1[i] == t.First && v2[i] >= t.Second)
		})
		if i < len(v1) && v1[i] == t.First && v2[i] == t.Second {
			hits++
		}
	}
	return hits, nil
}

type columnarIterator struct {
	cols  [][]Term
	ncols int
	prov  bool
	pos   int
	mark  int
}

func (it *columnarIterator) Next() bool {
	if len(it.cols) == 0 || it.pos+1 >= len(it.cols[0]) {
		return false
	}
	it.pos++
	return true
}

func (it *columnarIterator) Get(pos int) Term { return it.cols[pos][it.pos] }

func (it *columnarIterator) NodeID() uint64 {
	if !it.prov {
		return rules.NoNode
	}
	return uint64(it.cols[len(it.cols)-1][it.pos])
}

func (it *columnarIterator) Mark()  { it.mark = it.pos }
func (it *columnarIterator) Reset() { it.pos = it.mark }
