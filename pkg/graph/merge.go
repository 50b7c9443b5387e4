package graph

import (
	"fmt"
	"sort"

	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// MergeOptions tunes MergeNodes.
type MergeOptions struct {
	// FilterConstants, when non-empty, is aligned with the node columns;
	// rows whose column differs from a non-TermAny entry are dropped.
	FilterConstants []segment.Term
	// Lazy returns a composite façade instead of materializing.
	Lazy bool
	// ReplaceOffsets rewrites full-provenance row offsets during
	// materialization so they address the merged segment.
	ReplaceOffsets bool
	// RemoveDuplicates applies sort+unique when the projection reorders
	// or drops columns. Defaults handled by callers.
	RemoveDuplicates bool
}

// MergeNodes produces the union of the given nodes' data, projected to
// copyVarPos. Fast paths: a single node with an identity projection is
// returned by reference; a single columnar node with a one-variable
// projection is rebuilt from the referenced column plus a constant
// provenance column; Lazy defers everything into a Composite.
func (g *Graph) MergeNodes(nodeIDs []uint64, copyVarPos []int, opts MergeOptions) (segment.Segment, error) {
	if len(nodeIDs) == 0 {
		return nil, fmt.Errorf("%w: merge of zero nodes", ErrInvariantViolation)
	}
	ncols := len(copyVarPos)
	first := g.NodeData(nodeIDs[0])
	project := ncols > 0 && ncols < first.NColumns()
	shouldSortAndUnique := project || (ncols > 0 && copyVarPos[0] != 0)
	if len(opts.FilterConstants) > 0 {
		return g.mergeGeneral(nodeIDs, copyVarPos, shouldSortAndUnique, opts)
	}

	switch ncols {
	case 1:
		if len(nodeIDs) == 1 {
			if !project {
				return first, nil
			}
			if first.HasColumnarBackend() {
				return g.mergeSingleColumnar(first, copyVarPos, shouldSortAndUnique && opts.RemoveDuplicates)
			}
		}
		if opts.Lazy {
			return NewComposite(g, nodeIDs, copyVarPos, opts.ReplaceOffsets), nil
		}
		if g.trackProvenance() {
			var tuples []segment.TermProv
			for _, id := range nodeIDs {
				tuples = g.NodeData(id).AppendTermsProv(copyVarPos[0], tuples)
			}
			if shouldSortAndUnique && opts.RemoveDuplicates {
				tuples = sortUniqueTermProv(tuples)
				return segment.NewUnaryProv(tuples, rules.NoNode, true, 0), nil
			}
			return segment.NewUnaryProv(tuples, rules.NoNode, false, 0), nil
		}
		var tuples []segment.Term
		for _, id := range nodeIDs {
			tuples = g.NodeData(id).AppendTerms(copyVarPos[0], tuples)
		}
		if shouldSortAndUnique && opts.RemoveDuplicates {
			tuples = sortUniqueTerms(tuples)
			return segment.NewUnary(tuples, rules.NoNode, true, 0), nil
		}
		return segment.NewUnary(tuples, rules.NoNode, false, 0), nil

	case 2:
		if len(nodeIDs) == 1 && !project && copyVarPos[0] == 0 && copyVarPos[1] == 1 {
			return first, nil
		}
		if opts.Lazy {
			return NewComposite(g, nodeIDs, copyVarPos, opts.ReplaceOffsets), nil
		}
		if g.trackProvenance() {
			var tuples []segment.PairProv
			for _, id := range nodeIDs {
				tuples = g.NodeData(id).AppendPairsProv(copyVarPos[0], copyVarPos[1], tuples)
			}
			if shouldSortAndUnique && opts.RemoveDuplicates {
				tuples = sortUniquePairProv(tuples)
				return segment.NewBinaryProv(tuples, rules.NoNode, true, 0), nil
			}
			return segment.NewBinaryProv(tuples, rules.NoNode, false, 0), nil
		}
		var tuples []segment.Pair
		for _, id := range nodeIDs {
			tuples = g.NodeData(id).AppendPairs(copyVarPos[0], copyVarPos[1], tuples)
		}
		if shouldSortAndUnique && opts.RemoveDuplicates {
			tuples = sortUniquePairs(tuples)
			return segment.NewBinary(tuples, rules.NoNode, true, 0), nil
		}
		return segment.NewBinary(tuples, rules.NoNode, false, 0), nil

	default:
		return g.mergeGeneral(nodeIDs, copyVarPos, shouldSortAndUnique, opts)
	}
}

// mergeSingleColumnar projects one column out of a columnar node, keeping
// the provenance constant.
func (g *Graph) mergeSingleColumnar(data segment.Segment, copyVarPos []int, sortAndUnique bool) (segment.Segment, error) {
	projected := data.ProjectTo(copyVarPos)
	var out columns.Column
	if sortAndUnique {
		out = projected[0].SortedUnique()
	} else {
		out = projected[0]
	}
	nrows := out.Len()
	if g.trackProvenance() {
		cols := []columns.Column{out, columns.NewConst(segment.Term(data.NodeID()), nrows)}
		return segment.NewColumnar(cols, nrows, sortAndUnique, 0, 1), nil
	}
	return segment.NewColumnar([]columns.Column{out}, nrows, sortAndUnique, 0, 0), nil
}

// mergeGeneral covers projections of arity zero, three and above, and
// constant filtering. Filtering reads the full rows so constants at
// unprojected positions are enforced too, then projects down.
func (g *Graph) mergeGeneral(nodeIDs []uint64, copyVarPos []int, shouldSortAndUnique bool, opts MergeOptions) (segment.Segment, error) {
	withProv := g.trackProvenance()
	fetchPos := copyVarPos
	if len(opts.FilterConstants) > 0 {
		fetchPos = identity(g.NodeData(nodeIDs[0]).NColumns())
	}
	width := len(fetchPos)
	if withProv {
		width++
	}
	out := make([][]segment.Term, width)
	for _, id := range nodeIDs {
		g.NodeData(id).AppendColumns(fetchPos, out, withProv)
	}

	if len(opts.FilterConstants) > 0 {
		out = filterRows(out, fetchPos, opts.FilterConstants)
		// Project the surviving rows down to the requested positions.
		projected := make([][]segment.Term, 0, len(copyVarPos)+1)
		for _, pos := range copyVarPos {
			projected = append(projected, out[pos])
		}
		if withProv {
			projected = append(projected, out[len(out)-1])
		}
		out = projected
	}

	nrows := 0
	if len(out) > 0 {
		nrows = len(out[0])
	}
	cols := make([]columns.Column, len(out))
	for i := range out {
		cols[i] = columns.NewDense(out[i])
	}
	provWidth := 0
	if withProv {
		provWidth = 1
	}
	var seg segment.Segment = segment.NewColumnar(cols, nrows, false, 0, provWidth)
	if shouldSortAndUnique {
		seg = seg.Sort()
		if opts.RemoveDuplicates {
			return seg.Unique()
		}
	}
	return seg, nil
}

// filterRows drops rows violating the constant filter. filter is aligned to
// the projected positions; TermAny passes everything.
func filterRows(out [][]segment.Term, copyVarPos []int, filter []segment.Term) [][]segment.Term {
	if len(out) == 0 {
		return out
	}
	kept := make([][]segment.Term, len(out))
	for r := 0; r < len(out[0]); r++ {
		ok := true
		for c := range copyVarPos {
			f := filter[copyVarPos[c]]
			if f != rules.TermAny && out[c][r] != f {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for c := range out {
			kept[c] = append(kept[c], out[c][r])
		}
	}
	return kept
}

// MergeNodesWithPredicateIntoOne collapses every node of pred into a single
// sorted, deduplicated node carrying the highest existing step, zero-sizes
// the prior nodes and invalidates every cache touching them. Returns the
// resulting row count. Used at stratum boundaries.
func (g *Graph) MergeNodesWithPredicateIntoOne(pred rules.PredID) (int, error) {
	if !g.HasNodesWithPredicate(pred) {
		return 0, nil
	}
	nodeIDs := append([]uint64(nil), g.pred2Nodes[pred]...)
	if len(nodeIDs) == 1 {
		return g.NodeSize(nodeIDs[0]), nil
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })

	card := g.NodeData(nodeIDs[0]).NColumns()
	tuples, err := g.MergeNodes(nodeIDs, identity(card), MergeOptions{RemoveDuplicates: false})
	if err != nil {
		return 0, err
	}
	tuples = tuples.Sort()
	tuples, err = tuples.Unique()
	if err != nil {
		return 0, err
	}

	var lastStep uint64
	for _, id := range nodeIDs {
		g.nodes[id].data = tuples.Slice(id, 0, 0)
		if g.nodes[id].Step > lastStep {
			lastStep = g.nodes[id].Step
		}
		g.invalidateNodeCaches(id)
	}
	g.invalidateRetainCache(pred)

	newID := uint64(len(g.nodes))
	if g.trackProvenance() {
		data := tuples.Slice(newID, 0, tuples.NRows())
		if err := g.AddNodeProv(pred, rules.NoRule, lastStep, data, nil); err != nil {
			return 0, err
		}
	} else {
		if err := g.AddNodeNoProv(pred, rules.NoRule, lastStep, tuples); err != nil {
			return 0, err
		}
	}
	return tuples.NRows(), nil
}

// invalidateNodeCaches evicts every cached sorted variant involving id.
func (g *Graph) invalidateNodeCaches(id uint64) {
	if g.segCache != nil {
		g.segCache.Invalidate(id)
	}
}

// sort+unique helpers for the tuple shapes

func sortUniqueTerms(in []segment.Term) []segment.Term {
	sort.Slice(in, func(i, j int) bool { return in[i] < in[j] })
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func sortUniqueTermProv(in []segment.TermProv) []segment.TermProv {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Value != in[j].Value {
			return in[i].Value < in[j].Value
		}
		return in[i].Node < in[j].Node
	})
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func sortUniquePairs(in []segment.Pair) []segment.Pair {
	sort.Slice(in, func(i, j int) bool {
		if in[i].First != in[j].First {
			return in[i].First < in[j].First
		}
		return in[i].Second < in[j].Second
	})
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func sortUniquePairProv(in []segment.PairProv) []segment.PairProv {
	sort.Slice(in, func(i, j int) bool {
		if in[i].First != in[j].First {
			return in[i].First < in[j].First
		}
		if in[i].Second != in[j].Second {
			return in[i].Second < in[j].Second
		}
		return in[i].Node < in[j].Node
	})
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
