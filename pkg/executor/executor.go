// Package executor compiles a rule into a join pipeline over segments.
//
// Executing a rule H(y̅) :- L₁, …, Lₙ walks the body left to right keeping a
// columnar accumulator: the first atom seeds it (an EDB scan or the merge of
// the input IDB nodes), every later atom joins against it, and the head
// projection reorders the surviving columns. Three join strategies exist,
// tried in order: sorted left anti-join for negated atoms, merge join when
// the right side is scannable, and a nested-loop lookup join when the EDB
// rejects the binding pattern.
//
// When provenance is tracked, every join output carries the predecessor node
// of the left and right row; postprocessJoin splits those off into side
// columns and threads a row-offset column through the pipeline so the final
// rows can be traced back through every join.
package executor

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/munindb/pkg/cache"
	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/edb"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// ErrUnsupportedRule flags rule shapes the pipeline rejects: arity-0 atoms,
// repeated variables in an EDB scan, negated atoms binding new variables.
var ErrUnsupportedRule = errors.New("unsupported rule shape")

// Input names the graph nodes feeding one rule execution: one node set per
// IDB body atom, in body order.
type Input struct {
	RuleIdx uint64
	Step    uint64
	// BodyNodes[i] lists the graph nodes to read for the i-th IDB body
	// atom.
	BodyNodes [][]uint64
}

// Output is a rule's derivation before retain.
type Output struct {
	// Segment holds the head tuples. Nil when the rule derived nothing.
	Segment segment.Segment
	// ProvColumns are the side provenance columns split off by the join
	// pipeline: for each join, the left predecessor (a node id for the
	// first join, a row offset afterwards) and the right predecessor
	// node, realigned to the output rows. Empty for single-atom bodies.
	ProvColumns [][]segment.Term
}

// Executor runs rules against a graph and an EDB layer.
type Executor struct {
	g        *graph.Graph
	layer    *edb.Layer
	program  *rules.Program
	segCache *cache.Cache
	logger   *zap.Logger

	durationFirst     time.Duration
	durationMergeSort time.Duration
	durationJoin      time.Duration
	durationHead      time.Duration
}

// New creates an executor. segCache may be nil to disable sort memoization;
// logger may be nil.
func New(g *graph.Graph, layer *edb.Layer, program *rules.Program,
	segCache *cache.Cache, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{g: g, layer: layer, program: program, segCache: segCache, logger: logger}
}

func (e *Executor) trackProvenance() bool {
	return e.g.ProvenanceMode() != graph.NoProvenance
}

// computeVarPos plans the i-th body atom: which accumulator/atom positions
// join, which accumulator columns stay (needed by later atoms or the head),
// and which new atom variables come along.
func computeVarPos(leftVars []rules.VarID, bodyAtomIdx int, body []rules.Literal,
	head rules.Literal) (joinVars []segment.JoinPair, copyLeft, copyRight []int) {
	future := map[rules.VarID]bool{}
	for i := bodyAtomIdx + 1; i < len(body); i++ {
		for _, v := range body[i].Vars() {
			future[v] = true
		}
	}
	for _, v := range head.Vars() {
		future[v] = true
	}

	rightVars := body[bodyAtomIdx].VarsAndPos()
	added := map[rules.VarID]bool{}
	if bodyAtomIdx > 0 {
		for i, v := range leftVars {
			if future[v] {
				copyLeft = append(copyLeft, i)
				added[v] = true
			}
		}
		for _, rv := range rightVars {
			for j, lv := range leftVars {
				if rv.Var == lv {
					joinVars = append(joinVars, segment.JoinPair{Left: j, Right: rv.Pos})
					break
				}
			}
		}
	}
	for _, rv := range rightVars {
		if future[rv.Var] && !added[rv.Var] {
			copyRight = append(copyRight, rv.Pos)
			added[rv.Var] = true
		}
	}
	return joinVars, copyLeft, copyRight
}

// processFirstAtomEDB seeds the accumulator from an EDB scan, projecting to
// copyVarPos (tuple positions). With provenance, a constant ~0 node column
// marks the rows as EDB-derived.
func (e *Executor) processFirstAtomEDB(atom rules.Literal, copyVarPos []int) (segment.Segment, error) {
	if atom.Arity() == 0 {
		return nil, fmt.Errorf("%w: arity-0 atom", ErrUnsupportedRule)
	}
	if atom.HasRepeatedVars() && !e.layer.IsQueryAllowed(atom) {
		return nil, fmt.Errorf("%w: repeated variables in EDB atom", ErrUnsupportedRule)
	}
	table, err := e.layer.Table(atom.Pred)
	if err != nil {
		return nil, err
	}

	var cols []columns.Column
	allVarsPlain := atom.NVars() == atom.Arity() && !atom.HasRepeatedVars()
	if table.UsesSegments() && allVarsPlain {
		seg := table.Segment()
		for _, pos := range copyVarPos {
			cols = append(cols, seg[pos])
		}
	} else {
		// Bound or constant positions: build lazy views over the scan.
		card := table.Cardinality(atom)
		for _, pos := range copyVarPos {
			arg := atom.Args[pos]
			if arg.IsVar {
				cols = append(cols, edb.NewColumnView(e.layer, atom, pos, len(cols) == 0, card))
			} else {
				cols = append(cols, columns.NewConst(arg.Const, card))
			}
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: no columns to scan", ErrUnsupportedRule)
	}
	nrows := cols[0].Len()
	sorted := len(copyVarPos) > 0 && copyVarPos[0] == 0 && allVarsPlain
	provWidth := 0
	if e.trackProvenance() {
		cols = append(cols, columns.NewConst(segment.Term(rules.NoNode), nrows))
		provWidth = 1
	}
	return segment.NewColumnar(cols, nrows, sorted, 0, provWidth), nil
}

// Execute runs the rule over the given inputs. A nil Output.Segment means
// the rule derived nothing this step (an empty intermediate result quietly
// short-circuits the pipeline).
func (e *Executor) Execute(rule rules.Rule, in Input) (Output, error) {
	body := rule.Body
	var varsIntermediate []rules.VarID
	var acc segment.Segment
	var sideProv [][]segment.Term
	currentBodyNode := 0
	firstBodyAtomIsIDB := false

	for i := range body {
		atom := body[i]
		joinVars, copyLeft, copyRight := computeVarPos(varsIntermediate, i, body, rule.Head)
		isEDB := e.program.IsEDB(atom.Pred)

		var newVars []rules.VarID
		if i == 0 {
			start := time.Now()
			var err error
			if isEDB {
				acc, err = e.processFirstAtomEDB(atom, copyRight)
			} else {
				firstBodyAtomIsIDB = true
				acc, err = e.g.MergeNodes(in.BodyNodes[currentBodyNode], copyRight,
					graph.MergeOptions{
						FilterConstants:  constantFilter(atom),
						RemoveDuplicates: true,
					})
				currentBodyNode++
			}
			e.durationFirst += time.Since(start)
			if err != nil {
				return Output{}, err
			}
			if acc.IsEmpty() {
				return Output{}, nil
			}
		} else {
			extra := 0
			if e.trackProvenance() {
				extra = 2
			}
			out := segment.NewInserter(len(copyLeft)+len(copyRight)+extra, extra)

			var nodesLeft []uint64
			if i == 1 && firstBodyAtomIsIDB {
				nodesLeft = in.BodyNodes[0]
			}
			var nodesRight []uint64
			if !isEDB {
				nodesRight = in.BodyNodes[currentBodyNode]
			}

			start := time.Now()
			err := e.join(acc, nodesLeft, nodesRight, atom, joinVars, copyLeft, copyRight, out)
			e.durationJoin += time.Since(start)
			if err != nil {
				return Output{}, err
			}
			if out.IsEmpty() {
				return Output{}, nil
			}

			if e.trackProvenance() {
				acc = e.postprocessJoin(out, &sideProv)
			} else {
				acc = out.Build(segment.NoProv, rules.NoNode, false, 0)
			}
			for _, varIdx := range copyLeft {
				newVars = append(newVars, varsIntermediate[varIdx])
			}
			if !isEDB {
				currentBodyNode++
			}
		}
		for _, pos := range copyRight {
			newVars = append(newVars, atom.Args[pos].Var)
		}
		varsIntermediate = newVars
	}

	if acc == nil || acc.IsEmpty() {
		return Output{}, nil
	}

	start := time.Now()
	shouldSort, shouldDelDupl := shouldSortDelDupls(rule.Head, body, in.BodyNodes)
	projected, err := e.projectHead(rule.Head, varsIntermediate, acc, shouldSort, shouldDelDupl)
	e.durationHead += time.Since(start)
	if err != nil {
		return Output{}, err
	}

	out := Output{Segment: projected, ProvColumns: sideProv}
	if len(sideProv) > 0 {
		e.realignSideProvenance(&out)
	}
	return out, nil
}

// realignSideProvenance rewrites the last side pair so it is indexed by the
// output row order, and resets the segment's offset column to the identity.
// Later joins' offsets keep linking pairwise into the earlier columns.
func (e *Executor) realignSideProvenance(out *Output) {
	seg := out.Segment
	n := len(out.ProvColumns)
	lastLeft, lastRight := out.ProvColumns[n-2], out.ProvColumns[n-1]

	nrows := seg.NRows()
	newLeft := make([]segment.Term, nrows)
	newRight := make([]segment.Term, nrows)
	it := seg.Iterator()
	r := 0
	for it.Next() {
		off := it.NodeID()
		newLeft[r] = lastLeft[off]
		newRight[r] = lastRight[off]
		r++
	}
	out.ProvColumns[n-2] = newLeft
	out.ProvColumns[n-1] = newRight

	// Reset the segment's provenance to identity offsets so retain can
	// report which output rows survived.
	ncols := seg.NColumns()
	fields := make([]int, ncols)
	for i := range fields {
		fields[i] = i
	}
	dataCols := seg.ProjectTo(fields)
	cols := make([]columns.Column, 0, ncols+1)
	cols = append(cols, dataCols[:ncols]...)
	cols = append(cols, columns.NewOffsetColumn(nrows))
	out.Segment = segment.NewColumnar(cols, nrows, seg.IsSorted(), 0, 1)
}

// constantFilter returns the per-position constant constraints of an IDB
// atom, or nil when every position is a variable.
func constantFilter(atom rules.Literal) []segment.Term {
	any := false
	out := make([]segment.Term, len(atom.Args))
	for i, a := range atom.Args {
		if a.IsVar {
			out[i] = rules.TermAny
		} else {
			out[i] = a.Const
			any = true
		}
	}
	if !any {
		return nil
	}
	return out
}

// Stats returns the accumulated phase timings.
func (e *Executor) Stats() (first, mergeSort, join, head time.Duration) {
	return e.durationFirst, e.durationMergeSort, e.durationJoin, e.durationHead
}
