package executor

import (
	"fmt"
	"time"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// join dispatches one body atom against the accumulator: left anti-join for
// negation, merge join when the right side is scannable, nested-loop lookup
// join when the EDB rejects the binding pattern.
func (e *Executor) join(inputLeft segment.Segment, nodesLeft, nodesRight []uint64,
	literalRight rules.Literal, joinVars []segment.JoinPair,
	copyLeft, copyRight []int, out *segment.Inserter) error {

	var inputRight segment.Segment
	mergeJoinPossible := true
	filter := constantFilter(literalRight)
	switch {
	case len(nodesRight) == 1 && filter == nil:
		inputRight = e.g.NodeData(nodesRight[0])
	case len(nodesRight) > 0:
		ncols := e.g.NodeData(nodesRight[0]).NColumns()
		var err error
		inputRight, err = e.g.MergeNodes(nodesRight, identity(ncols),
			graph.MergeOptions{FilterConstants: filter, RemoveDuplicates: true})
		if err != nil {
			return err
		}
	default:
		// No nodes: the atom is extensional.
		if !e.layer.IsQueryAllowed(literalRight) {
			mergeJoinPossible = false
		} else {
			var err error
			inputRight, err = e.processFirstAtomEDB(literalRight, identity(literalRight.Arity()))
			if err != nil {
				return err
			}
		}
	}

	if literalRight.Negated {
		if len(copyRight) != 0 {
			return fmt.Errorf("%w: negated atom binds new variables", ErrUnsupportedRule)
		}
		if inputRight == nil && len(nodesRight) == 0 && !e.layer.HasTable(literalRight.Pred) {
			// Negated IDB predicate with nothing derived: the
			// anti-join passes every left row through.
			return e.copyAllLeft(inputLeft, copyLeft, out)
		}
		if inputRight == nil {
			return fmt.Errorf("%w: negated atom not scannable", ErrUnsupportedRule)
		}
		return e.leftJoin(inputLeft, inputRight, joinVars, copyLeft, out)
	}
	if mergeJoinPossible {
		return e.mergeJoin(inputLeft, nodesLeft, inputRight, nodesRight,
			joinVars, copyLeft, copyRight, out)
	}
	return e.nestedLoopJoin(inputLeft, nodesLeft, literalRight,
		joinVars, copyLeft, copyRight, out)
}

// sortForJoin returns the input sorted by fields, going through the segment
// cache when the input derives from a stable node set.
func (e *Executor) sortForJoin(input segment.Segment, nodes []uint64, fields []int) segment.Segment {
	if len(fields) == 0 || input.IsSortedBy(fields) {
		return input
	}
	start := time.Now()
	defer func() { e.durationMergeSort += time.Since(start) }()
	if len(nodes) > 0 && e.segCache != nil {
		if cached, ok := e.segCache.Get(nodes, fields); ok {
			return cached
		}
		sorted := input.SortBy(fields)
		e.segCache.Put(nodes, fields, sorted)
		return sorted
	}
	return input.SortBy(fields)
}

// mergeJoin joins two segments sorted on the join columns, emitting
// copyLeft ∪ copyRight per match. With provenance, the two trailing output
// columns receive the left and right predecessors.
func (e *Executor) mergeJoin(inputLeft segment.Segment, nodesLeft []uint64,
	inputRight segment.Segment, nodesRight []uint64,
	joinVars []segment.JoinPair, copyLeft, copyRight []int,
	out *segment.Inserter) error {

	fields1 := make([]int, len(joinVars))
	fields2 := make([]int, len(joinVars))
	for i, jv := range joinVars {
		fields1[i] = jv.Left
		fields2[i] = jv.Right
	}

	inputLeft = e.sortForJoin(inputLeft, nodesLeft, fields1)
	inputRight = e.sortForJoin(inputRight, nodesRight, fields2)

	itrLeft := inputLeft.Iterator()
	itrRight := inputRight.Iterator()
	if !itrLeft.Next() || !itrRight.Next() {
		return nil
	}

	sizeRow := len(copyLeft) + len(copyRight)
	row := make([]segment.Term, out.NColumns())
	currentKey := make([]segment.Term, len(fields1))
	countLeft := -1
	leftActive := true

	res := segment.CompareOn(itrLeft, itrRight, joinVars)
	for {
		for res < 0 {
			if !itrLeft.Next() {
				return nil
			}
			res = segment.CompareOn(itrLeft, itrRight, joinVars)
		}
		for res > 0 {
			if !itrRight.Next() {
				return nil
			}
			res = segment.CompareOn(itrLeft, itrRight, joinVars)
		}
		if res != 0 {
			continue
		}

		if countLeft == -1 {
			// Measure the left group sharing the current key.
			itrLeft.Mark()
			countLeft = 1
			for i, f := range fields1 {
				currentKey[i] = itrLeft.Get(f)
			}
			for itrLeft.Next() {
				equal := true
				for i, f := range fields1 {
					if itrLeft.Get(f) != currentKey[i] {
						equal = false
						break
					}
				}
				if !equal {
					break
				}
				countLeft++
			}
		}

		itrLeft.Reset()
		for idx, rightPos := range copyRight {
			row[len(copyLeft)+idx] = itrRight.Get(rightPos)
		}
		leftActive = true
		for c := 0; c < countLeft; c++ {
			for idx, leftPos := range copyLeft {
				row[idx] = itrLeft.Get(leftPos)
			}
			if e.trackProvenance() {
				row[sizeRow] = segment.Term(itrLeft.NodeID())
				row[sizeRow+1] = segment.Term(itrRight.NodeID())
			}
			out.AddRow(row)
			if !itrLeft.Next() {
				leftActive = false
			}
		}

		if !itrRight.Next() {
			return nil
		}
		equal := true
		for i, f := range fields2 {
			if itrRight.Get(f) != currentKey[i] {
				equal = false
				break
			}
		}
		if !equal {
			countLeft = -1
			if !leftActive {
				return nil
			}
			res = segment.CompareOn(itrLeft, itrRight, joinVars)
		}
	}
}

// copyAllLeft projects every left row into the output, the degenerate
// anti-join against an empty right side.
func (e *Executor) copyAllLeft(inputLeft segment.Segment, copyLeft []int, out *segment.Inserter) error {
	row := make([]segment.Term, out.NColumns())
	it := inputLeft.Iterator()
	for it.Next() {
		for idx, leftPos := range copyLeft {
			row[idx] = it.Get(leftPos)
		}
		if e.trackProvenance() {
			row[len(copyLeft)] = segment.Term(it.NodeID())
			row[len(copyLeft)+1] = segment.Term(rules.NoNode)
		}
		out.AddRow(row)
	}
	return nil
}

// leftJoin emits the left rows that have no match on the right: the
// implementation of negated body atoms. Both sides are sorted on the join
// columns first.
func (e *Executor) leftJoin(inputLeft, inputRight segment.Segment,
	joinVars []segment.JoinPair, copyLeft []int, out *segment.Inserter) error {

	fields1 := make([]int, len(joinVars))
	fields2 := make([]int, len(joinVars))
	for i, jv := range joinVars {
		fields1[i] = jv.Left
		fields2[i] = jv.Right
	}
	itrLeft := inputLeft.SortBy(fields1).Iterator()
	itrRight := inputRight.SortBy(fields2).Iterator()

	row := make([]segment.Term, out.NColumns())
	emit := func() {
		for idx, leftPos := range copyLeft {
			row[idx] = itrLeft.Get(leftPos)
		}
		if e.trackProvenance() {
			row[len(copyLeft)] = segment.Term(itrLeft.NodeID())
			row[len(copyLeft)+1] = segment.Term(rules.NoNode)
		}
		out.AddRow(row)
	}

	leftActive := itrLeft.Next()
	if !leftActive {
		return nil
	}
	rightActive := itrRight.Next()

	for leftActive && rightActive {
		res := segment.CompareOn(itrLeft, itrRight, joinVars)
		if res <= 0 {
			if res < 0 {
				emit()
			}
			leftActive = itrLeft.Next()
		} else {
			rightActive = itrRight.Next()
		}
	}
	for leftActive {
		emit()
		leftActive = itrLeft.Next()
	}
	return nil
}

// nestedLoopJoin handles EDB atoms that cannot be scanned under the required
// binding: for each distinct key on the left, the literal is rebound with
// the key constants and the table is probed.
func (e *Executor) nestedLoopJoin(inputLeft segment.Segment, nodesLeft []uint64,
	literalRight rules.Literal, joinVars []segment.JoinPair,
	copyLeft, copyRight []int, out *segment.Inserter) error {

	fields1 := make([]int, len(joinVars))
	fields2 := make([]int, len(joinVars))
	for i, jv := range joinVars {
		fields1[i] = jv.Left
		fields2[i] = jv.Right
	}
	inputLeft = e.sortForJoin(inputLeft, nodesLeft, fields1)
	itrLeft := inputLeft.Iterator()

	sizeRow := len(copyLeft) + len(copyRight)
	row := make([]segment.Term, out.NColumns())
	currentKey := make([]segment.Term, len(fields1))

	// groupRows buffers the projected left rows sharing the current key,
	// each with its predecessor node appended.
	var groupRows [][]segment.Term
	captureLeft := func() {
		r := make([]segment.Term, len(copyLeft)+1)
		for idx, leftPos := range copyLeft {
			r[idx] = itrLeft.Get(leftPos)
		}
		r[len(copyLeft)] = segment.Term(itrLeft.NodeID())
		groupRows = append(groupRows, r)
	}

	active := itrLeft.Next()
	for active {
		for i, f := range fields1 {
			currentKey[i] = itrLeft.Get(f)
		}
		groupRows = groupRows[:0]
		captureLeft()
		for {
			if !itrLeft.Next() {
				active = false
				break
			}
			equal := true
			for i, f := range fields1 {
				if itrLeft.Get(f) != currentKey[i] {
					equal = false
					break
				}
			}
			if !equal {
				break
			}
			captureLeft()
		}

		// Probe the table with the key bound.
		bound := rules.Literal{Pred: literalRight.Pred, Negated: literalRight.Negated}
		bound.Args = append([]rules.Arg(nil), literalRight.Args...)
		for i, f := range fields2 {
			bound.Args[f] = rules.C(currentKey[i])
		}
		itrRight, err := e.layer.Iterator(bound)
		if err != nil {
			return err
		}
		for itrRight.Next() {
			for _, left := range groupRows {
				copy(row, left[:len(copyLeft)])
				for idx, rightPos := range copyRight {
					row[len(copyLeft)+idx] = itrRight.Get(rightPos)
				}
				if e.trackProvenance() {
					row[sizeRow] = left[len(copyLeft)]
					row[sizeRow+1] = segment.Term(rules.NoNode)
				}
				out.AddRow(row)
			}
		}
	}
	return nil
}

// postprocessJoin splits the two trailing predecessor columns off a join
// output into the side provenance list and threads a fresh row-offset
// column through as the new provenance.
func (e *Executor) postprocessJoin(out *segment.Inserter, sideProv *[][]segment.Term) segment.Segment {
	n := out.NColumns()
	nrows := out.NRows()
	dataCols := make([]columns.Column, 0, n-1)
	for i := 0; i < n-2; i++ {
		dataCols = append(dataCols, columns.NewDense(out.Column(i)))
	}
	*sideProv = append(*sideProv, out.Column(n-2), out.Column(n-1))
	dataCols = append(dataCols, columns.NewOffsetColumn(nrows))
	return segment.NewColumnar(dataCols, nrows, false, 0, 1)
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
