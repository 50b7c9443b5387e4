package graph

import (
	"fmt"
	"sort"

	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// ReplaceEqualTerms applies an equality-generating dependency step. data is
// a binary segment of (a, b) pairs meaning "a equals b". Each pair is
// normalized so the smaller id wins; the loser→winner map is closed
// transitively; then every node of every predicate is scanned and losers are
// substituted. Rows that changed move into fresh nodes (after a retain
// pass) with no single predecessor; unchanged rows stay where they were.
//
// Equating two terms that are both dictionary constants is a unique-name
// violation and returns ErrUNAContradiction.
func (g *Graph) ReplaceEqualTerms(ruleIdx, step uint64, data segment.Segment) error {
	if data.NColumns() != 2 {
		return fmt.Errorf("%w: term replacement needs binary input", segment.ErrUnsupportedShape)
	}

	var pairs []segment.Pair
	it := data.Iterator()
	for it.Next() {
		v1, v2 := it.Get(0), it.Get(1)
		if v1 == v2 {
			continue
		}
		if v1 < v2 {
			pairs = append(pairs, segment.Pair{First: v1, Second: v2})
		} else {
			pairs = append(pairs, segment.Pair{First: v2, Second: v1})
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	pairs = sortUniquePairs(pairs)

	// loser -> winner, smallest winner kept on conflicts.
	replace := map[segment.Term]segment.Term{}
	for _, p := range pairs {
		winner, loser := p.First, p.Second
		if !rules.IsFreshNull(winner) && !rules.IsFreshNull(loser) {
			return fmt.Errorf("%w (%d,%d)", ErrUNAContradiction, winner, loser)
		}
		if prev, ok := replace[loser]; !ok || winner < prev {
			replace[loser] = winner
		}
	}
	// Close transitively: a loser mapping to another loser follows the
	// chain to its final winner.
	for changed := true; changed; {
		changed = false
		for loser, winner := range replace {
			if next, ok := replace[winner]; ok {
				replace[loser] = next
				changed = true
			}
		}
	}

	preds := make([]rules.PredID, 0, len(g.pred2Nodes))
	for p := range g.pred2Nodes {
		preds = append(preds, p)
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i] < preds[j] })

	for _, pred := range preds {
		if err := g.replaceInPredicate(pred, ruleIdx, step, replace); err != nil {
			return err
		}
	}
	return nil
}

// replaceInPredicate rewrites every node of one predicate against the
// replacement map.
func (g *Graph) replaceInPredicate(pred rules.PredID, ruleIdx, step uint64,
	replace map[segment.Term]segment.Term) error {
	nodeIDs := g.pred2Nodes[pred]
	card := g.NodeData(nodeIDs[0]).NColumns()
	extra := 0
	if g.trackProvenance() {
		extra = 1
	}
	nfields := card + extra
	rewritten := segment.NewInserter(nfields, extra)
	row := make([]segment.Term, nfields)
	anyMutated := false

	for _, nodeID := range nodeIDs {
		data := g.NodeData(nodeID)
		var kept *segment.Inserter
		affected, unaffected := 0, 0

		it := data.Iterator()
		for it.Next() {
			found := false
			for i := 0; i < card; i++ {
				v := it.Get(i)
				if w, ok := replace[v]; ok {
					found = true
					row[i] = w
				} else {
					row[i] = v
				}
			}
			if found {
				if extra > 0 {
					// A rewritten row no longer has a single
					// originating node.
					row[card] = segment.Term(rules.NoNode)
				}
				rewritten.AddRow(row)
				affected++
				if unaffected > 0 && kept == nil {
					kept = segment.NewInserter(nfields, extra)
					replay := data.Iterator()
					for i := 0; i < unaffected && replay.Next(); i++ {
						for c := 0; c < card; c++ {
							row[c] = replay.Get(c)
						}
						if extra > 0 {
							row[card] = segment.Term(replay.NodeID())
						}
						kept.AddRow(row)
					}
				}
				continue
			}
			if extra > 0 {
				row[card] = segment.Term(it.NodeID())
			}
			if affected > 0 && kept == nil {
				kept = segment.NewInserter(nfields, extra)
			}
			if kept != nil {
				kept.AddRow(row)
			}
			unaffected++
		}

		switch {
		case kept != nil:
			g.nodes[nodeID].data = g.buildRewritten(kept, true)
			g.invalidateNodeCaches(nodeID)
			anyMutated = true
		case affected > 0:
			// Every row was rewritten; the node becomes empty.
			empty := segment.NewInserter(nfields, extra)
			g.nodes[nodeID].data = g.buildRewritten(empty, true)
			g.invalidateNodeCaches(nodeID)
			anyMutated = true
		}
	}

	if rewritten.IsEmpty() {
		return nil
	}
	if anyMutated || g.cacheRetain[pred] != nil {
		g.invalidateRetainCache(pred)
	}

	tuples := g.buildRewritten(rewritten, false).Sort()
	tuples, err := tuples.Unique()
	if err != nil {
		return err
	}
	retained, err := g.Retain(pred, tuples)
	if err != nil {
		return err
	}
	if retained == nil || retained.IsEmpty() {
		return nil
	}
	if g.trackProvenance() {
		newID := uint64(len(g.nodes))
		return g.AddNodeProv(pred, ruleIdx, step, retained.Slice(newID, 0, retained.NRows()), nil)
	}
	return g.AddNodeNoProv(pred, ruleIdx, step, retained)
}

// buildRewritten assembles an inserter whose trailing column (when present)
// carries per-row node ids; runs with a single node id collapse to SameNode.
func (g *Graph) buildRewritten(ins *segment.Inserter, sorted bool) segment.Segment {
	if !g.trackProvenance() {
		return ins.Build(segment.NoProv, rules.NoNode, sorted, 0)
	}
	nodes := ins.Column(ins.NColumns() - 1)
	constNode := true
	for i := 1; i < len(nodes); i++ {
		if nodes[i] != nodes[0] {
			constNode = false
			break
		}
	}
	if constNode && len(nodes) > 0 {
		return ins.Build(segment.SameNode, uint64(nodes[0]), sorted, 0)
	}
	return ins.Build(segment.DiffNodes, rules.NoNode, sorted, 0)
}
