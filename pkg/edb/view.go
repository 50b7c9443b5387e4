package edb

import (
	"sync"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

// ColumnView is a lazy columns.Column over one argument position of one EDB
// literal. Nothing is read from the table until the first access; the
// materialized image is cached. Retain recognizes pairs of views over
// compatible literals and answers set-differences through Layer.CheckNewIn
// without materializing either side.
type ColumnView struct {
	layer *Layer
	lit   rules.Literal
	pos   int
	// sortedScan is true when the backing scan orders this position
	// ascending (first projected variable of a sorted iterator).
	sortedScan bool
	length     int

	once sync.Once
	vals []rules.Term
}

// NewColumnView builds a view over argument position pos of lit. length must
// equal the literal's match count; it is known from Cardinality at plan time
// so building views stays free of table reads.
func NewColumnView(layer *Layer, lit rules.Literal, pos int, sortedScan bool, length int) *ColumnView {
	return &ColumnView{layer: layer, lit: lit, pos: pos, sortedScan: sortedScan, length: length}
}

// Literal returns the scanned literal.
func (v *ColumnView) Literal() rules.Literal { return v.lit }

// PosInLiteral returns the projected argument position.
func (v *ColumnView) PosInLiteral() int { return v.pos }

// Layer returns the owning EDB layer.
func (v *ColumnView) Layer() *Layer { return v.layer }

func (v *ColumnView) materialize() []rules.Term {
	v.once.Do(func() {
		var it Iterator
		var err error
		if v.sortedScan {
			it, err = v.layer.SortedIterator(v.lit, []int{v.pos})
		} else {
			it, err = v.layer.Iterator(v.lit)
		}
		if err != nil {
			// Views are only built for literals whose binding pattern
			// was accepted at plan time.
			panic(err)
		}
		vals := make([]rules.Term, 0, v.length)
		for it.Next() {
			vals = append(vals, it.Get(v.pos))
		}
		v.vals = vals
	})
	return v.vals
}

func (v *ColumnView) Len() int              { return v.length }
func (v *ColumnView) IsEmpty() bool         { return v.length == 0 }
func (v *ColumnView) IsEDB() bool           { return true }
func (v *ColumnView) IsBackedBySlice() bool { return false }
func (v *ColumnView) IsConstant() bool      { return v.length <= 1 }

func (v *ColumnView) Get(i int) rules.Term { return v.materialize()[i] }

func (v *ColumnView) First() rules.Term { return v.materialize()[0] }

func (v *ColumnView) Reader() columns.Reader {
	return columns.NewReader(v.materialize())
}

func (v *ColumnView) Values() []rules.Term { return v.materialize() }

func (v *ColumnView) Sort() columns.Column {
	if v.sortedScan {
		return v
	}
	return columns.NewDense(v.materialize()).Sort()
}

func (v *ColumnView) SortedUnique() columns.Column {
	return columns.NewDense(v.materialize()).SortedUnique()
}

func (v *ColumnView) Slice(lo, hi int) columns.Column {
	return columns.NewDense(v.materialize()[lo:hi])
}
