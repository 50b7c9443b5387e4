package executor

import (
	"fmt"

	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// projectHead reorders the accumulator columns to the head's variable order
// (identity, swap of two, or arbitrary permutation), then optionally sorts
// and deduplicates.
func (e *Executor) projectHead(head rules.Literal, vars []rules.VarID,
	acc segment.Segment, shouldSort, shouldDelDupl bool) (segment.Segment, error) {

	if len(head.Args) != len(vars) || acc.NColumns() != len(vars) {
		return nil, fmt.Errorf("%w: head arity %d, body carries %d variables",
			ErrUnsupportedRule, len(head.Args), len(vars))
	}

	switch {
	case len(head.Args) == 2:
		if head.Args[0].IsVar && vars[0] != head.Args[0].Var {
			swapped, err := acc.Swap()
			if err != nil {
				return nil, err
			}
			acc = swapped
		}
	case len(head.Args) > 2:
		order := make([]int, 0, len(head.Args))
		for _, a := range head.Args {
			found := false
			for j, v := range vars {
				if a.IsVar && v == a.Var {
					order = append(order, j)
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("%w: head variable missing from body", ErrUnsupportedRule)
			}
		}
		reordered, err := reorderColumns(acc, order)
		if err != nil {
			return nil, err
		}
		acc = reordered
	}

	if shouldSort {
		acc = acc.Sort()
	}
	if shouldDelDupl {
		if !acc.IsSorted() {
			acc = acc.Sort()
		}
		return acc.Unique()
	}
	return acc, nil
}

// reorderColumns rebuilds the segment with data columns permuted; the
// provenance column stays last.
func reorderColumns(acc segment.Segment, order []int) (segment.Segment, error) {
	if identityOrder(order) {
		return acc, nil
	}
	cols := acc.ProjectTo(order)
	provWidth := 0
	if acc.ProvType() != segment.NoProv {
		provWidth = 1
	}
	return segment.NewColumnar(cols, acc.NRows(), false, 0, provWidth), nil
}

func identityOrder(order []int) bool {
	for i, o := range order {
		if i != o {
			return false
		}
	}
	return true
}

// shouldSortDelDupls decides whether head projection needs a sort and a
// dedup pass. A single-atom body whose leading variables already match the
// head skips the sort (unless several input nodes were merged); dedup is
// needed whenever the head drops variables. Multi-atom bodies always take
// both passes.
func shouldSortDelDupls(head rules.Literal, body []rules.Literal,
	bodyNodes [][]uint64) (shouldSort, shouldDelDupl bool) {
	if len(body) != 1 {
		return true, true
	}
	th := head.Args
	tb := body[0].Args
	sortedFields := 0
	for i := 0; i < len(th) && i < len(tb); i++ {
		if !th[i].IsVar || !tb[i].IsVar || th[i].Var != tb[i].Var {
			break
		}
		sortedFields++
	}
	shouldSort = sortedFields != len(th) ||
		(len(bodyNodes) > 0 && len(bodyNodes[0]) > 1)
	shouldDelDupl = len(th) < len(tb)
	return shouldSort, shouldDelDupl
}
