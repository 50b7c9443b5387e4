package graph

import (
	"fmt"
	"time"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/edb"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// Retain returns the subset of newtuples not already present in any existing
// node of pred, or nil when everything was a duplicate. newtuples must be
// sorted by the first column.
//
// Two modes: without the cache, every node of pred is anti-joined in
// insertion order, short-circuiting on empty; with the cache, the merged and
// sorted content of all prior nodes is memoized per predicate, extended
// incrementally from the last seen node count, and a single anti-join runs
// against it.
func (g *Graph) Retain(pred rules.PredID, newtuples segment.Segment) (segment.Segment, error) {
	start := time.Now()
	defer func() { g.durationRetain += time.Since(start) }()

	if g.duplAllowed || !g.HasNodesWithPredicate(pred) {
		return newtuples, nil
	}
	nodeIdxs := g.pred2Nodes[pred]

	if g.cacheRetainEnable && len(nodeIdxs) > 1 {
		existing, err := g.retainCacheSegment(pred, newtuples.NColumns())
		if err != nil {
			return nil, err
		}
		out, err := g.retainVsNode(existing, newtuples)
		if err != nil {
			return nil, err
		}
		if out == nil || out.IsEmpty() {
			return nil, nil
		}
		return out, nil
	}

	var err error
	for _, idx := range nodeIdxs {
		newtuples, err = g.retainVsNode(g.NodeData(idx), newtuples)
		if err != nil {
			return nil, err
		}
		if newtuples == nil || newtuples.IsEmpty() {
			return nil, nil
		}
	}
	return newtuples, nil
}

// retainCacheSegment builds or extends the merged+sorted cache entry for
// pred. The extension appends only the nodes added since the entry was
// built; the retain invariant guarantees the appended rows are disjoint from
// the cached ones, so a re-sort suffices and no dedup pass is needed.
func (g *Graph) retainCacheSegment(pred rules.PredID, ncols int) (segment.Segment, error) {
	nodeIdxs := g.pred2Nodes[pred]
	entry := g.cacheRetain[pred]
	if entry != nil && entry.nnodes >= len(nodeIdxs) {
		return entry.seg, nil
	}

	switch ncols {
	case 1:
		var tuples []segment.Term
		start := 0
		if entry != nil {
			tuples = entry.seg.AppendTerms(0, tuples)
			start = entry.nnodes
		}
		for _, idx := range nodeIdxs[start:] {
			tuples = g.NodeData(idx).AppendTerms(0, tuples)
		}
		seg := segment.NewUnary(tuples, rules.NoNode, false, 0).Sort()
		g.cacheRetain[pred] = &retainCacheEntry{nnodes: len(nodeIdxs), seg: seg}
		return seg, nil
	case 2:
		var tuples []segment.Pair
		start := 0
		if entry != nil {
			tuples = entry.seg.AppendPairs(0, 1, tuples)
			start = entry.nnodes
		}
		for _, idx := range nodeIdxs[start:] {
			tuples = g.NodeData(idx).AppendPairs(0, 1, tuples)
		}
		seg := segment.NewBinary(tuples, rules.NoNode, false, 0).Sort()
		g.cacheRetain[pred] = &retainCacheEntry{nnodes: len(nodeIdxs), seg: seg}
		return seg, nil
	default:
		if ncols == 0 {
			return nil, fmt.Errorf("%w: retain with arity 0", segment.ErrUnsupportedShape)
		}
		fields := identity(ncols)
		out := make([][]segment.Term, ncols)
		start := 0
		if entry != nil {
			entry.seg.AppendColumns(fields, out, false)
			start = entry.nnodes
		}
		for _, idx := range nodeIdxs[start:] {
			g.NodeData(idx).AppendColumns(fields, out, false)
		}
		cols := make([]columns.Column, ncols)
		for i := range cols {
			cols[i] = columns.NewDense(out[i])
		}
		seg := segment.NewColumnar(cols, len(out[0]), false, 0, 0).Sort()
		g.cacheRetain[pred] = &retainCacheEntry{nnodes: len(nodeIdxs), seg: seg}
		return seg, nil
	}
}

// invalidateRetainCache drops pred's cache entry; term replacement calls it
// for every predicate whose nodes were rewritten.
func (g *Graph) invalidateRetainCache(pred rules.PredID) {
	delete(g.cacheRetain, pred)
}

// retainVsNode removes from newtuples the rows present in existuples,
// dispatching on arity for the specialized paths.
func (g *Graph) retainVsNode(existuples, newtuples segment.Segment) (segment.Segment, error) {
	switch existuples.NColumns() {
	case 1:
		return g.retainVsNodeOne(existuples, newtuples)
	case 2:
		return g.retainVsNodeTwo(existuples, newtuples)
	default:
		return g.retainVsNodeGeneric(existuples, newtuples)
	}
}

// edbView extracts the EDB column view behind a columnar segment's column,
// when there is one.
func edbView(s segment.Segment, col int) (*edb.ColumnView, bool) {
	acc, ok := s.(segment.ColumnAccessor)
	if !ok {
		return nil, false
	}
	c := acc.Column(col)
	if !c.IsEDB() {
		return nil, false
	}
	v, ok := c.(*edb.ColumnView)
	return v, ok
}

// retainVsNodeOne handles unary relations. When both sides are EDB views the
// set difference is answered by the EDB layer without materializing either
// side; when only the new side is a column, a columnar anti-join preserves
// structural sharing.
func (g *Graph) retainVsNodeOne(existuples, newtuples segment.Segment) (segment.Segment, error) {
	newView, newIsEDB := edbView(newtuples, 0)
	if newIsEDB {
		if existView, existIsEDB := edbView(existuples, 0); existIsEDB {
			start := time.Now()
			cols, err := g.layer.CheckNewIn(
				newView.Literal(), []int{newView.PosInLiteral()},
				existView.Literal(), []int{existView.PosInLiteral()})
			g.durationEDBCheck += time.Since(start)
			if err != nil {
				return nil, err
			}
			retained := cols[0]
			if retained.IsEmpty() {
				return nil, nil
			}
			tuples := retained.Values()
			if g.trackProvenance() {
				return segment.NewUnaryConstProv(tuples, newtuples.NodeID(), true, 0), nil
			}
			return segment.NewUnary(tuples, newtuples.NodeID(), true, 0), nil
		}
		if acc, ok := existuples.(segment.ColumnAccessor); ok {
			kept, allNew := columns.Antijoin(acc2col(newtuples), acc.Column(0))
			if allNew {
				return newtuples, nil
			}
			if kept.IsEmpty() {
				return nil, nil
			}
			if g.trackProvenance() {
				return segment.NewUnaryConstProv(kept.Values(), newtuples.NodeID(), true, 0), nil
			}
			return segment.NewUnary(kept.Values(), newtuples.NodeID(), true, 0), nil
		}
	}
	return g.retainVsNodeGeneric(existuples, newtuples)
}

func acc2col(s segment.Segment) columns.Column {
	return s.(segment.ColumnAccessor).Column(0)
}

// retainVsNodeTwo handles binary relations backed by compatible EDB scans.
func (g *Graph) retainVsNodeTwo(existuples, newtuples segment.Segment) (segment.Segment, error) {
	newView1, ok1 := edbView(newtuples, 0)
	newView2, ok2 := edbView(newtuples, 1)
	if !ok1 || !ok2 || !newView1.Literal().SameVarSequenceAs(newView2.Literal()) {
		return g.retainVsNodeGeneric(existuples, newtuples)
	}
	posNew := []int{newView1.PosInLiteral(), newView2.PosInLiteral()}

	if existView1, okE1 := edbView(existuples, 0); okE1 {
		existView2, okE2 := edbView(existuples, 1)
		if okE2 && existView1.Literal().SameVarSequenceAs(existView2.Literal()) {
			start := time.Now()
			cols, err := g.layer.CheckNewIn(
				newView1.Literal(), posNew,
				existView1.Literal(), []int{existView1.PosInLiteral(), existView2.PosInLiteral()})
			g.durationEDBCheck += time.Since(start)
			if err != nil {
				return nil, err
			}
			if cols[0].IsEmpty() {
				return nil, nil
			}
			v1, v2 := cols[0].Values(), cols[1].Values()
			tuples := make([]segment.Pair, len(v1))
			for i := range v1 {
				tuples[i] = segment.Pair{First: v1[i], Second: v2[i]}
			}
			if g.trackProvenance() {
				return segment.NewBinaryConstProv(tuples, newtuples.NodeID(), true, 0), nil
			}
			return segment.NewBinary(tuples, newtuples.NodeID(), true, 0), nil
		}
		return g.retainVsNodeGeneric(existuples, newtuples)
	}

	// Existing side is tuple-backed: hand its sorted pairs to the layer.
	if existuples.ProvType() == segment.DiffNodes {
		return g.retainVsNodeGeneric(existuples, newtuples)
	}
	existing := existuples.AppendPairs(0, 1, nil)
	pairs := make([][2]rules.Term, len(existing))
	for i, p := range existing {
		pairs[i] = [2]rules.Term{p.First, p.Second}
	}
	start := time.Now()
	retained, err := g.layer.CheckNewInPairs(newView1.Literal(), posNew, pairs)
	g.durationEDBCheck += time.Since(start)
	if err != nil {
		return nil, err
	}
	if len(retained) == 0 {
		return nil, nil
	}
	tuples := make([]segment.Pair, len(retained))
	for i, p := range retained {
		tuples[i] = segment.Pair{First: p[0], Second: p[1]}
	}
	if g.trackProvenance() {
		return segment.NewBinaryConstProv(tuples, newtuples.NodeID(), true, 0), nil
	}
	return segment.NewBinary(tuples, newtuples.NodeID(), true, 0), nil
}

// retainVsNodeGeneric is the classical sorted merge anti-join. Both sides
// must be sorted by their data columns. When no duplicate is found the input
// segment is returned unchanged (structural sharing); when duplicates occur
// only after a clean prefix, copying starts at the first duplicate.
func (g *Graph) retainVsNodeGeneric(existuples, newtuples segment.Segment) (segment.Segment, error) {
	ncols := newtuples.NColumns()
	copyNode := newtuples.ProvType() == segment.DiffNodes
	extracol := 0
	if g.trackProvenance() && copyNode {
		extracol = 1
	}
	row := make([]segment.Term, ncols+extracol)

	var ins *segment.Inserter
	leftItr := existuples.Iterator()
	rightItr := newtuples.Iterator()
	moveLeft, moveRight := true, true
	activeRight := false
	countNew := 0
	isFiltered := false
	startCopyingIdx := 0

	addRight := func(it segment.Iterator) {
		for i := 0; i < ncols; i++ {
			row[i] = it.Get(i)
		}
		if extracol > 0 {
			row[ncols] = segment.Term(it.NodeID())
		}
		ins.AddRow(row)
	}

	// copyPrefix replays the first n kept rows of newtuples into the
	// inserter, skipping the duplicate prefix.
	copyPrefix := func(limit int) {
		i := 0
		itr := newtuples.Iterator()
		for i < limit && itr.Next() {
			if i >= startCopyingIdx {
				addRight(itr)
			}
			i++
		}
	}

	for {
		if moveRight {
			if !rightItr.Next() {
				activeRight = false
				break
			}
			activeRight = true
			moveRight = false
		}
		if moveLeft {
			if !leftItr.Next() {
				break
			}
			moveLeft = false
		}

		res := segment.CompareIterators(leftItr, rightItr, ncols)
		switch {
		case res < 0:
			moveLeft = true
		case res > 0:
			moveRight = true
			if isFiltered {
				addRight(rightItr)
			} else {
				countNew++
			}
		default:
			moveLeft, moveRight = true, true
			activeRight = false
			if !isFiltered && countNew == 0 {
				startCopyingIdx++
			}
			if !isFiltered && countNew > 0 {
				ins = segment.NewInserter(ncols+extracol, extracol)
				copyPrefix(startCopyingIdx + countNew)
				isFiltered = true
			}
		}
	}

	if isFiltered {
		if activeRight {
			addRight(rightItr)
		}
		for rightItr.Next() {
			addRight(rightItr)
		}
		return g.buildRetained(ins, newtuples.NodeID(), copyNode), nil
	}

	if countNew > 0 || activeRight {
		if startCopyingIdx == 0 {
			// Everything is new; share the input.
			return newtuples, nil
		}
		ins = segment.NewInserter(ncols+extracol, extracol)
		itr := newtuples.Iterator()
		i := 0
		for itr.Next() {
			if i >= startCopyingIdx {
				addRight(itr)
			}
			i++
		}
		return g.buildRetained(ins, newtuples.NodeID(), copyNode), nil
	}
	// All duplicates.
	return nil, nil
}

func (g *Graph) buildRetained(ins *segment.Inserter, nodeID uint64, copyNode bool) segment.Segment {
	if copyNode {
		return ins.Build(segment.DiffNodes, nodeID, true, 0)
	}
	return ins.Build(g.segProvType(), nodeID, true, 0)
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
