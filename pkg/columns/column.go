// Package columns provides the immutable columnar value sequences that back
// derivation segments.
//
// A Column is an ordered, immutable run of terms. Four families exist:
//
//   - Dense: a plain slice of terms.
//   - Const: one term repeated n times, stored in O(1).
//   - Compressed: a list of (start, delta, length) arithmetic runs.
//   - EDB views (implemented by the edb package): a symbolic reference to
//     one argument of one input-table scan, materialized lazily.
//
// Columns are shared freely between segments; none of the operations mutate
// the receiver.
package columns

import "github.com/orneryd/munindb/pkg/rules"

// Term is re-exported for brevity in columnar code.
type Term = rules.Term

// Column is an immutable ordered sequence of terms.
type Column interface {
	// Len returns the number of values.
	Len() int
	// Get returns the value at position i.
	Get(i int) Term
	// Reader returns a forward iterator over the values.
	Reader() Reader
	// IsEmpty reports Len() == 0.
	IsEmpty() bool
	// IsConstant reports whether every value is identical. Constant
	// detection is structural (Const columns and zero-delta compressed
	// blocks), not a scan.
	IsConstant() bool
	// First returns the value at position 0.
	First() Term
	// Sort returns an ascending copy (or the receiver when already known
	// sorted by construction).
	Sort() Column
	// SortedUnique returns the distinct values in ascending order.
	SortedUnique() Column
	// Slice returns the half-open range [lo, hi).
	Slice(lo, hi int) Column
	// IsEDB reports whether the column is a lazy view over an EDB scan.
	IsEDB() bool
	// IsBackedBySlice reports whether Values() is available without
	// materialization.
	IsBackedBySlice() bool
	// Values returns the underlying slice, materializing when needed.
	// The result must not be mutated.
	Values() []Term
}

// Reader iterates a column front to back.
//
//	r := col.Reader()
//	for r.HasNext() {
//		v := r.Next()
//	}
type Reader interface {
	HasNext() bool
	Next() Term
}

type sliceReader struct {
	values []Term
	pos    int
}

func (r *sliceReader) HasNext() bool { return r.pos < len(r.values) }
func (r *sliceReader) Next() Term {
	v := r.values[r.pos]
	r.pos++
	return v
}

// NewReader returns a Reader over a raw slice.
func NewReader(values []Term) Reader { return &sliceReader{values: values} }
