// Package segment implements the columnar tuple blocks flowing through the
// derivation engine.
//
// A Segment is an ordered, immutable block of fixed-arity rows with optional
// per-row provenance. Four provenance modes exist:
//
//   - NoProv: plain tuples.
//   - SameNode: every row derives from one predecessor node; the node id is
//     a segment attribute, not stored per row.
//   - DiffNodes: every row carries its own predecessor node id.
//   - FullProv: every row carries a chain of (row offset, node id) pairs,
//     one per body atom of the deriving rule.
//
// Specialized unary and binary implementations keep hot joins cache
// friendly; a generic columnar implementation covers arities of three and
// above and segments backed by lazy EDB column views. Segments are shared by
// reference between the graph and rule executions; no operation mutates the
// receiver.
package segment

import (
	"errors"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

// Term aliases the engine-wide term type.
type Term = rules.Term

// Errors shared by segment operations.
var (
	// ErrUnsupportedShape flags arities or column selections a segment
	// kind cannot represent (arity-0 blocks, swap on non-binary rows).
	ErrUnsupportedShape = errors.New("unsupported segment shape")
	// ErrNotSorted is returned by Unique on unsorted input.
	ErrNotSorted = errors.New("segment is not sorted")
)

// ProvType describes how much provenance a segment records per row.
type ProvType int

const (
	NoProv ProvType = iota
	SameNode
	DiffNodes
	FullProv
)

func (p ProvType) String() string {
	switch p {
	case NoProv:
		return "noprov"
	case SameNode:
		return "samenode"
	case DiffNodes:
		return "diffnodes"
	case FullProv:
		return "fullprov"
	}
	return "unknown"
}

// TermProv is a unary row with its predecessor node.
type TermProv struct {
	Value Term
	Node  uint64
}

// Pair is a binary row.
type Pair struct {
	First, Second Term
}

// PairProv is a binary row with its predecessor node.
type PairProv struct {
	First, Second Term
	Node          uint64
}

// Segment is an immutable block of rows.
type Segment interface {
	// NRows returns the row count.
	NRows() int
	// NColumns returns the data arity (provenance columns excluded).
	NColumns() int
	// IsEmpty reports NRows() == 0.
	IsEmpty() bool

	// Iterator returns a forward row scan. Iterators support Mark/Reset
	// for merge joins.
	Iterator() Iterator

	// IsSortedBy reports whether the rows are known sorted by exactly the
	// given single field.
	IsSortedBy(fields []int) bool
	// IsSorted reports known lexicographic order on the first column.
	IsSorted() bool
	// Sort returns a lexicographically sorted segment.
	Sort() Segment
	// SortBy returns rows sorted by the given column positions.
	// An empty field list sorts by the first column.
	SortBy(fields []int) Segment
	// SortByProv stably sorts rows by predecessor node id.
	SortByProv() Segment
	// Unique removes adjacent duplicate rows comparing data columns only;
	// the first occurrence's provenance is kept. Input must be sorted.
	Unique() (Segment, error)

	// ProvType reports the provenance mode.
	ProvType() ProvType
	// NodeID returns the constant predecessor node of a SameNode segment.
	// The unary and binary kinds return the node id they were built with
	// in every mode; Columnar returns rules.NoNode unless its node column
	// is constant.
	NodeID() uint64

	// Slice returns rows [start, end) re-attributed to nodeID. SameNode
	// provenance is rewritten; DiffNodes slices collapse to SameNode.
	Slice(nodeID uint64, start, end int) Segment
	// SliceByNodes partitions the segment (which must be sorted by
	// predecessor) into runs of equal predecessor node, assigning fresh
	// node ids from startID. The second result holds each run's original
	// predecessor.
	SliceByNodes(startID uint64) ([]Segment, []uint64)

	// Swap exchanges the two data columns of a binary segment.
	Swap() (Segment, error)

	// ProjectTo returns the columns at the given data positions, followed
	// by the provenance column when one exists.
	ProjectTo(fields []int) []columns.Column

	// AppendTerms appends data column col to out.
	AppendTerms(col int, out []Term) []Term
	// AppendTermsProv appends (value, predecessor) rows of column col.
	AppendTermsProv(col int, out []TermProv) []TermProv
	// AppendPairs appends (col1, col2) rows.
	AppendPairs(col1, col2 int, out []Pair) []Pair
	// AppendPairsProv appends (col1, col2, predecessor) rows.
	AppendPairsProv(col1, col2 int, out []PairProv) []PairProv
	// AppendColumns appends the selected data columns (column-major) to
	// out; when withProv is true the predecessor column is appended to
	// the final slot of out.
	AppendColumns(fields []int, out [][]Term, withProv bool)

	// CountHits counts how many of terms occur in data column col. The
	// segment must be sorted by col.
	CountHits(terms []Term, col int) (int, error)
	// CountHitPairs counts how many of the pairs occur in (col1, col2).
	CountHitPairs(terms []Pair, col1, col2 int) (int, error)

	// HasColumnarBackend reports whether the segment exposes its columns
	// through Column().
	HasColumnarBackend() bool
}

// ColumnAccessor is implemented by columnar segments.
type ColumnAccessor interface {
	// Column returns the i-th physical column, provenance included.
	Column(i int) columns.Column
}

// Iterator scans segment rows.
//
//	it := seg.Iterator()
//	for it.Next() {
//		v := it.Get(0)
//		n := it.NodeID()
//	}
type Iterator interface {
	Next() bool
	// Get returns the value of data column pos for the current row.
	Get(pos int) Term
	// NodeID returns the current row's predecessor node. Unary and binary
	// kinds without per-row provenance report the segment's node id; a
	// Columnar segment without provenance reports rules.NoNode.
	NodeID() uint64
	// Mark remembers the current row; Reset rewinds to it.
	Mark()
	Reset()
}

// CompareIterators compares the current rows of two iterators over n leading
// data columns.
func CompareIterators(a, b Iterator, n int) int {
	for i := 0; i < n; i++ {
		va, vb := a.Get(i), b.Get(i)
		if va < vb {
			return -1
		}
		if va > vb {
			return 1
		}
	}
	return 0
}

// JoinPair maps a left column position to a right column position.
type JoinPair struct {
	Left, Right int
}

// CompareOn compares the current rows of two iterators on the given column
// pairs.
func CompareOn(left, right Iterator, on []JoinPair) int {
	for _, jp := range on {
		va, vb := left.Get(jp.Left), right.Get(jp.Right)
		if va < vb {
			return -1
		}
		if va > vb {
			return 1
		}
	}
	return 0
}
