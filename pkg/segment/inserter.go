package segment

import (
	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
)

// Inserter collects rows column-major and builds the best fitting segment
// implementation. Join outputs and retain rewrites funnel through it.
//
//	ins := segment.NewInserter(3, 1) // two data columns + one node column
//	ins.AddRow([]segment.Term{a, b, segment.Term(node)})
//	seg := ins.Build(segment.DiffNodes, rules.NoNode, false, 0)
type Inserter struct {
	cols      [][]Term
	provWidth int
}

// NewInserter creates an inserter for ncols physical columns, of which the
// trailing provWidth are provenance.
func NewInserter(ncols, provWidth int) *Inserter {
	return &Inserter{cols: make([][]Term, ncols), provWidth: provWidth}
}

// AddRow appends one row. len(row) must equal the physical column count.
func (ins *Inserter) AddRow(row []Term) {
	for i, v := range row {
		ins.cols[i] = append(ins.cols[i], v)
	}
}

// NRows returns the number of rows collected so far.
func (ins *Inserter) NRows() int {
	if len(ins.cols) == 0 {
		return 0
	}
	return len(ins.cols[0])
}

// IsEmpty reports whether no row was added.
func (ins *Inserter) IsEmpty() bool { return ins.NRows() == 0 }

// NColumns returns the physical column count.
func (ins *Inserter) NColumns() int { return len(ins.cols) }

// Column returns the collected values of physical column i.
func (ins *Inserter) Column(i int) []Term { return ins.cols[i] }

// Build assembles the rows into a segment of the given provenance mode.
// SameNode attaches nodeID; DiffNodes reads the per-row node from the
// trailing provenance column.
func (ins *Inserter) Build(prov ProvType, nodeID uint64, sorted bool, sortedField int) Segment {
	data := len(ins.cols) - ins.provWidth
	nrows := ins.NRows()
	switch prov {
	case NoProv:
		switch data {
		case 1:
			return NewUnary(ins.cols[0], nodeID, sorted, sortedField)
		case 2:
			return NewBinary(zipPairs(ins.cols[0], ins.cols[1]), nodeID, sorted, sortedField)
		}
	case SameNode:
		switch data {
		case 1:
			return NewUnaryConstProv(ins.cols[0], nodeID, sorted, sortedField)
		case 2:
			return NewBinaryConstProv(zipPairs(ins.cols[0], ins.cols[1]), nodeID, sorted, sortedField)
		}
		cols := ins.dataColumns(data)
		cols = append(cols, columns.NewConst(Term(nodeID), nrows))
		return NewColumnar(cols, nrows, sorted, sortedField, 1)
	case DiffNodes:
		nodes := ins.cols[len(ins.cols)-1]
		switch data {
		case 1:
			tuples := make([]TermProv, nrows)
			for i := range tuples {
				tuples[i] = TermProv{Value: ins.cols[0][i], Node: uint64(nodes[i])}
			}
			return NewUnaryProv(tuples, rules.NoNode, sorted, sortedField)
		case 2:
			tuples := make([]PairProv, nrows)
			for i := range tuples {
				tuples[i] = PairProv{First: ins.cols[0][i], Second: ins.cols[1][i], Node: uint64(nodes[i])}
			}
			return NewBinaryProv(tuples, rules.NoNode, sorted, sortedField)
		}
		cols := ins.dataColumns(data)
		cols = append(cols, columns.NewDense(nodes))
		return NewColumnar(cols, nrows, sorted, sortedField, 1)
	case FullProv:
		cols := make([]columns.Column, 0, len(ins.cols))
		for _, c := range ins.cols {
			cols = append(cols, columns.NewDense(c))
		}
		return NewColumnar(cols, nrows, sorted, sortedField, ins.provWidth)
	}
	// Arity outside the specialized shapes without provenance.
	cols := ins.dataColumns(data)
	return NewColumnar(cols, nrows, sorted, sortedField, 0)
}

func (ins *Inserter) dataColumns(data int) []columns.Column {
	cols := make([]columns.Column, 0, data+1)
	for i := 0; i < data; i++ {
		cols = append(cols, columns.NewDense(ins.cols[i]))
	}
	return cols
}

func zipPairs(a, b []Term) []Pair {
	out := make([]Pair, len(a))
	for i := range a {
		out[i] = Pair{First: a[i], Second: b[i]}
	}
	return out
}

// FromColumns converts a generic column set into the best fitting segment
// kind. When prov is true the last column is provenance: a constant column
// collapses into the const-provenance shapes, anything else keeps per-row
// node ids.
func FromColumns(cols []columns.Column, nrows int, sorted bool, sortedField int, prov bool) Segment {
	ncols := len(cols)
	if !prov {
		switch ncols {
		case 1:
			return NewUnary(cols[0].Values(), rules.NoNode, sorted, sortedField)
		case 2:
			return NewBinary(zipPairs(cols[0].Values(), cols[1].Values()), rules.NoNode, sorted, sortedField)
		default:
			return NewColumnar(cols, nrows, sorted, sortedField, 0)
		}
	}
	provCol := cols[ncols-1]
	constProv := !provCol.IsEmpty() && provCol.IsConstant()
	switch ncols {
	case 2: // one data column + provenance
		if constProv {
			return NewUnaryConstProv(cols[0].Values(), uint64(provCol.First()), sorted, sortedField)
		}
		values := cols[0].Values()
		nodes := provCol.Values()
		tuples := make([]TermProv, nrows)
		for i := range tuples {
			tuples[i] = TermProv{Value: values[i], Node: uint64(nodes[i])}
		}
		return NewUnaryProv(tuples, rules.NoNode, sorted, sortedField)
	case 3: // two data columns + provenance
		if constProv {
			return NewBinaryConstProv(zipPairs(cols[0].Values(), cols[1].Values()),
				uint64(provCol.First()), sorted, sortedField)
		}
		v1, v2 := cols[0].Values(), cols[1].Values()
		nodes := provCol.Values()
		tuples := make([]PairProv, nrows)
		for i := range tuples {
			tuples[i] = PairProv{First: v1[i], Second: v2[i], Node: uint64(nodes[i])}
		}
		return NewBinaryProv(tuples, rules.NoNode, sorted, sortedField)
	default:
		return NewColumnar(cols, nrows, sorted, sortedField, 1)
	}
}
