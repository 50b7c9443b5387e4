package graph

import (
	"fmt"

	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// AddNodeToBeRetained stages a rule output whose retain must be deferred:
// when several rules share a head predicate within a sub-step, their outputs
// must first be deduplicated against each other. provCols carries the side
// provenance columns of the contribution so node creation can still split by
// full derivation chains.
func (g *Graph) AddNodeToBeRetained(pred rules.PredID, data segment.Segment,
	provCols [][]segment.Term, ruleIdx, step uint64) error {
	staged := g.predTmpNodes[pred]
	if len(staged) >= maxStagedNodes {
		return fmt.Errorf("%w: %d", ErrTooManyStagedNodes, pred)
	}
	g.predTmpNodes[pred] = append(staged, stagedNode{
		data:     data,
		provCols: provCols,
		ruleIdx:  ruleIdx,
		step:     step,
	})
	return nil
}

// RetainAndAddFromTmpNodes concatenates every staged contribution for pred,
// deduplicates the union against itself and against the existing nodes, then
// creates one permanent node per surviving contribution, preserving each
// contribution's provenance.
//
// The trick making one sorted pass sufficient: each row is tagged with
// contributionIndex<<40 + originalPredecessor, so after retain a scan in tag
// order walks the contributions in staging order and recovers the original
// predecessor by subtracting the contribution base.
func (g *Graph) RetainAndAddFromTmpNodes(pred rules.PredID) error {
	staged := g.predTmpNodes[pred]
	if len(staged) == 0 {
		return nil
	}
	defer delete(g.predTmpNodes, pred)

	card := staged[0].data.NColumns()
	switch card {
	case 1:
		return g.retainStagedUnary(pred, staged)
	case 2:
		return g.retainStagedBinary(pred, staged)
	default:
		return fmt.Errorf("%w: deferred retain with arity %d", segment.ErrUnsupportedShape, card)
	}
}

func (g *Graph) retainStagedUnary(pred rules.PredID, staged []stagedNode) error {
	var tagged []segment.TermProv
	for idx, node := range staged {
		base := uint64(idx) * startTmpNodes
		it := node.data.Iterator()
		diff := node.data.ProvType() == segment.DiffNodes
		for it.Next() {
			tag := base
			if diff {
				tag += it.NodeID()
			}
			tagged = append(tagged, segment.TermProv{Value: it.Get(0), Node: tag})
		}
	}

	tagged = sortUniqueFirstTermProv(tagged)
	retained, err := g.Retain(pred, segment.NewUnaryProv(tagged, rules.NoNode, true, 0))
	if err != nil {
		return err
	}
	if retained == nil {
		return nil
	}
	ordered := retained.SortByProv()

	var values []segment.Term
	var valuesProv []segment.TermProv
	contrib := 0
	flush := func() error {
		return g.flushStagedUnary(pred, staged[contrib], values, valuesProv)
	}
	it := ordered.Iterator()
	for it.Next() {
		tag := it.NodeID()
		for tag >= uint64(contrib+1)*startTmpNodes {
			if err := flush(); err != nil {
				return err
			}
			values, valuesProv = nil, nil
			contrib++
			if contrib >= len(staged) {
				return fmt.Errorf("%w: staged tag out of range", ErrInvariantViolation)
			}
		}
		if staged[contrib].data.ProvType() == segment.DiffNodes {
			valuesProv = append(valuesProv, segment.TermProv{
				Value: it.Get(0),
				Node:  tag - uint64(contrib)*startTmpNodes,
			})
		} else {
			values = append(values, it.Get(0))
		}
	}
	return flush()
}

func (g *Graph) flushStagedUnary(pred rules.PredID, node stagedNode,
	values []segment.Term, valuesProv []segment.TermProv) error {
	if len(values) > 0 {
		seg := segment.NewUnaryConstProv(values, node.data.NodeID(), true, 0)
		return g.AddNodesProv(pred, node.ruleIdx, node.step, seg, node.provCols)
	}
	if len(valuesProv) == 0 {
		return nil
	}
	if len(node.provCols) > 0 {
		// The per-row ids are offsets into the contribution's side
		// provenance; realign the last pair to the surviving rows so
		// chain reconstruction can index by row again.
		plain := make([]segment.Term, len(valuesProv))
		offs := make([]uint64, len(valuesProv))
		for i, t := range valuesProv {
			plain[i] = t.Value
			offs[i] = t.Node
		}
		seg := segment.NewUnaryConstProv(plain, rules.NoNode, true, 0)
		return g.AddNodesProv(pred, node.ruleIdx, node.step, seg,
			realignSideColumns(node.provCols, offs))
	}
	seg := segment.NewUnaryProv(valuesProv, node.data.NodeID(), true, 0)
	return g.AddNodesProv(pred, node.ruleIdx, node.step, seg, node.provCols)
}

// realignSideColumns rewrites the last side pair so it is indexed by the
// surviving row order.
func realignSideColumns(provCols [][]segment.Term, offs []uint64) [][]segment.Term {
	n := len(provCols)
	newLeft := make([]segment.Term, len(offs))
	newRight := make([]segment.Term, len(offs))
	for i, off := range offs {
		newLeft[i] = provCols[n-2][off]
		newRight[i] = provCols[n-1][off]
	}
	out := append([][]segment.Term{}, provCols...)
	out[n-2] = newLeft
	out[n-1] = newRight
	return out
}

func (g *Graph) retainStagedBinary(pred rules.PredID, staged []stagedNode) error {
	var tagged []segment.PairProv
	for idx, node := range staged {
		base := uint64(idx) * startTmpNodes
		it := node.data.Iterator()
		diff := node.data.ProvType() == segment.DiffNodes
		for it.Next() {
			tag := base
			if diff {
				tag += it.NodeID()
			}
			tagged = append(tagged, segment.PairProv{First: it.Get(0), Second: it.Get(1), Node: tag})
		}
	}

	tagged = sortUniqueFirstPairProv(tagged)
	retained, err := g.Retain(pred, segment.NewBinaryProv(tagged, rules.NoNode, true, 0))
	if err != nil {
		return err
	}
	if retained == nil {
		return nil
	}
	ordered := retained.SortByProv()

	var pairs []segment.Pair
	var pairsProv []segment.PairProv
	contrib := 0
	flush := func() error {
		return g.flushStagedBinary(pred, staged[contrib], pairs, pairsProv)
	}
	it := ordered.Iterator()
	for it.Next() {
		tag := it.NodeID()
		for tag >= uint64(contrib+1)*startTmpNodes {
			if err := flush(); err != nil {
				return err
			}
			pairs, pairsProv = nil, nil
			contrib++
			if contrib >= len(staged) {
				return fmt.Errorf("%w: staged tag out of range", ErrInvariantViolation)
			}
		}
		if staged[contrib].data.ProvType() == segment.DiffNodes {
			pairsProv = append(pairsProv, segment.PairProv{
				First:  it.Get(0),
				Second: it.Get(1),
				Node:   tag - uint64(contrib)*startTmpNodes,
			})
		} else {
			pairs = append(pairs, segment.Pair{First: it.Get(0), Second: it.Get(1)})
		}
	}
	return flush()
}

func (g *Graph) flushStagedBinary(pred rules.PredID, node stagedNode,
	pairs []segment.Pair, pairsProv []segment.PairProv) error {
	if len(pairs) > 0 {
		seg := segment.NewBinaryConstProv(pairs, node.data.NodeID(), true, 0)
		return g.AddNodesProv(pred, node.ruleIdx, node.step, seg, node.provCols)
	}
	if len(pairsProv) == 0 {
		return nil
	}
	if len(node.provCols) > 0 {
		plain := make([]segment.Pair, len(pairsProv))
		offs := make([]uint64, len(pairsProv))
		for i, t := range pairsProv {
			plain[i] = segment.Pair{First: t.First, Second: t.Second}
			offs[i] = t.Node
		}
		seg := segment.NewBinaryConstProv(plain, rules.NoNode, true, 0)
		return g.AddNodesProv(pred, node.ruleIdx, node.step, seg,
			realignSideColumns(node.provCols, offs))
	}
	seg := segment.NewBinaryProv(pairsProv, node.data.NodeID(), true, 0)
	return g.AddNodesProv(pred, node.ruleIdx, node.step, seg, node.provCols)
}

// sortUniqueFirstTermProv sorts by (value, tag) and keeps the first
// occurrence per value, so the earliest staged contribution wins a
// duplicate.
func sortUniqueFirstTermProv(in []segment.TermProv) []segment.TermProv {
	in = sortUniqueTermProv(in)
	out := in[:0]
	for i, v := range in {
		if i == 0 || v.Value != out[len(out)-1].Value {
			out = append(out, v)
		}
	}
	return out
}

// sortUniqueFirstPairProv keeps the first occurrence per (first, second).
func sortUniqueFirstPairProv(in []segment.PairProv) []segment.PairProv {
	in = sortUniquePairProv(in)
	out := in[:0]
	for i, v := range in {
		if i == 0 || v.First != out[len(out)-1].First || v.Second != out[len(out)-1].Second {
			out = append(out, v)
		}
	}
	return out
}
