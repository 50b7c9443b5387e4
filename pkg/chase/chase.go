// Package chase drives the forward-chaining fixed point over the derivation
// graph.
//
// The driver stratifies the program by negation, then runs each stratum to a
// fixed point: per step it selects the admissible rules, builds semi-naive
// inputs (each IDB body atom takes one turn reading only the nodes derived
// since the previous step), executes them through the rule executor, and
// registers the surviving derivations in the graph via retain. Rules whose
// head is the equality predicate dispatch into term replacement instead.
// Stratum boundaries consolidate each predicate's nodes into one.
//
// Example:
//
//	c, err := chase.New(program, layer, chase.Options{
//		Provenance: graph.NodeProvenance,
//		CacheRetain: true,
//	})
//	if err != nil {
//		return err
//	}
//	if err := c.Run(ctx); err != nil {
//		return err
//	}
//	fmt.Println(c.Graph().NFacts(), "facts derived")
package chase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/munindb/pkg/cache"
	"github.com/orneryd/munindb/pkg/edb"
	"github.com/orneryd/munindb/pkg/executor"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// ErrNotStratifiable is returned when negation cycles through a predicate.
var ErrNotStratifiable = errors.New("program is not stratifiable")

// Options configures a chase run.
type Options struct {
	Provenance  graph.ProvenanceMode
	CacheRetain bool
	// SegmentCacheSize bounds the sorted-segment cache (entries).
	// Zero uses a default; negative disables the bound.
	SegmentCacheSize int
	// MaxSteps aborts a run that exceeds the bound; existential rules can
	// make the chase infinite. Zero means unbounded.
	MaxSteps int
	Logger   *zap.Logger
}

// Chase owns one materialization run.
type Chase struct {
	program  *rules.Program
	layer    *edb.Layer
	g        *graph.Graph
	exec     *executor.Executor
	segCache *cache.Cache
	logger   *zap.Logger

	opts        Options
	strata      []int
	nStrata     int
	currentStep uint64
}

// New wires a chase over a program and an EDB layer.
func New(program *rules.Program, layer *edb.Layer, opts Options) (*Chase, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	strata, nStrata, err := stratify(program)
	if err != nil {
		return nil, err
	}
	cacheSize := opts.SegmentCacheSize
	if cacheSize == 0 {
		cacheSize = 256
	}
	segCache := cache.New(cacheSize)
	g := graph.New(graph.Options{
		Provenance:  opts.Provenance,
		CacheRetain: opts.CacheRetain,
		Logger:      logger,
	})
	g.SetProgramLayer(program, layer, segCache)
	exec := executor.New(g, layer, program, segCache, logger)
	return &Chase{
		program:  program,
		layer:    layer,
		g:        g,
		exec:     exec,
		segCache: segCache,
		logger:   logger,
		opts:     opts,
		strata:   strata,
		nStrata:  nStrata,
	}, nil
}

// Graph exposes the derivation graph for inspection.
func (c *Chase) Graph() *graph.Graph { return c.g }

// CurrentIteration returns the number of completed steps.
func (c *Chase) CurrentIteration() uint64 { return c.currentStep }

// stratify assigns each predicate a stratum so that negative dependencies
// strictly descend. Levels are computed by relaxation; if levels still
// change after n+1 rounds (n predicates), a negation cycle exists and
// ErrNotStratifiable is returned.
func stratify(p *rules.Program) ([]int, int, error) {
	n := p.NPredicates()
	level := make([]int, n)
	for changed, rounds := true, 0; changed; rounds++ {
		if rounds > n+1 {
			return nil, 0, ErrNotStratifiable
		}
		changed = false
		for _, r := range p.Rules() {
			h := int(r.Head.Pred)
			for _, b := range r.Body {
				want := level[b.Pred]
				if b.Negated {
					want++
				}
				if level[h] < want {
					level[h] = want
					changed = true
				}
			}
		}
	}
	max := 0
	for _, l := range level {
		if l > max {
			max = l
		}
	}
	return level, max + 1, nil
}

// Run executes the chase to completion.
func (c *Chase) Run(ctx context.Context) error {
	start := time.Now()
	for stratum := 0; stratum < c.nStrata; stratum++ {
		ruleIdxs := c.rulesOfStratum(stratum)
		if len(ruleIdxs) == 0 {
			continue
		}
		if err := c.runStratum(ctx, stratum, ruleIdxs); err != nil {
			return err
		}
		// Consolidate the stratum's head predicates so later strata
		// (and negation) read a single node per predicate.
		if stratum < c.nStrata-1 {
			for _, pred := range c.headsOfStratum(stratum) {
				if _, err := c.g.MergeNodesWithPredicateIntoOne(pred); err != nil {
					return err
				}
			}
		}
	}
	c.logger.Info("chase finished",
		zap.Uint64("steps", c.currentStep),
		zap.Int("nodes", c.g.NNodes()),
		zap.Int("facts", c.g.NFacts()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Chase) rulesOfStratum(stratum int) []int {
	var out []int
	for i, r := range c.program.Rules() {
		if c.strata[r.Head.Pred] == stratum {
			out = append(out, i)
		}
	}
	return out
}

func (c *Chase) headsOfStratum(stratum int) []rules.PredID {
	seen := map[rules.PredID]bool{}
	var out []rules.PredID
	for _, r := range c.program.Rules() {
		if c.strata[r.Head.Pred] == stratum && !seen[r.Head.Pred] {
			seen[r.Head.Pred] = true
			out = append(out, r.Head.Pred)
		}
	}
	return out
}

// runStratum iterates the stratum's rules to a fixed point.
func (c *Chase) runStratum(ctx context.Context, stratum int, ruleIdxs []int) error {
	firstStep := c.currentStep + 1
	prevStep := uint64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.currentStep++
		step := c.currentStep
		if c.opts.MaxSteps > 0 && int(step) > c.opts.MaxSteps {
			return fmt.Errorf("chase exceeded %d steps", c.opts.MaxSteps)
		}

		nodesBefore := c.g.NNodes()

		// Several rules feeding one head predicate within a step go
		// through the staging area, so node creation can keep one node
		// per contributing rule after a single joint retain. Without
		// provenance there is nothing to preserve and eager retain is
		// cheaper.
		headCount := map[rules.PredID]int{}
		if c.opts.Provenance != graph.NoProvenance {
			for _, ri := range ruleIdxs {
				headCount[c.program.Rule(ri).Head.Pred]++
			}
		}

		derivedAny := false
		staged := map[rules.PredID]bool{}
		for _, ri := range ruleIdxs {
			rule := c.program.Rule(ri)
			inputs := c.prepareInputs(rule, firstStep, prevStep, step)
			for _, in := range inputs {
				in.RuleIdx = uint64(ri)
				in.Step = step
				derived, err := c.executeRule(rule, in, headCount[rule.Head.Pred] > 1, staged)
				if err != nil {
					return err
				}
				derivedAny = derivedAny || derived
			}
		}
		for pred := range staged {
			if err := c.g.RetainAndAddFromTmpNodes(pred); err != nil {
				return err
			}
		}
		c.g.CleanTmpNodes()

		c.logger.Debug("step finished",
			zap.Uint64("step", step),
			zap.Int("new_nodes", c.g.NNodes()-nodesBefore))

		if !derivedAny || c.g.NNodes() == nodesBefore {
			return nil
		}
		prevStep = step
	}
}

// prepareInputs builds the semi-naive input decomposition: one Input per IDB
// body atom, where that atom reads only the nodes of the previous step,
// atoms before it read older nodes, and atoms after it read everything.
// Rules without IDB atoms run once, at the stratum's first step.
func (c *Chase) prepareInputs(rule rules.Rule, firstStep, prevStep, step uint64) []executor.Input {
	// idbAtoms lists every IDB body atom (the executor consumes one node
	// set per IDB atom, negated ones included); deltaAtoms are the
	// positions eligible for the delta role.
	var idbAtoms, deltaAtoms []int
	for i, b := range rule.Body {
		if c.program.IsEDB(b.Pred) {
			continue
		}
		idbAtoms = append(idbAtoms, i)
		if !b.Negated {
			deltaAtoms = append(deltaAtoms, i)
		}
	}
	if len(deltaAtoms) == 0 {
		if step != firstStep {
			return nil
		}
		bodyNodes := make([][]uint64, 0, len(idbAtoms))
		for _, atomIdx := range idbAtoms {
			bodyNodes = append(bodyNodes, c.nodesInWindow(rule.Body[atomIdx].Pred, 0, step))
		}
		return []executor.Input{{BodyNodes: bodyNodes}}
	}

	var inputs []executor.Input
	for turn, deltaAtom := range deltaAtoms {
		bodyNodes := make([][]uint64, 0, len(idbAtoms))
		viable := true
		pos := 0
		for _, atomIdx := range idbAtoms {
			pred := rule.Body[atomIdx].Pred
			var nodes []uint64
			switch {
			case rule.Body[atomIdx].Negated:
				// Negated atoms always read the full predicate;
				// emptiness is fine (the anti-join passes all).
				bodyNodes = append(bodyNodes, c.nodesInWindow(pred, 0, step))
				continue
			case atomIdx == deltaAtom:
				nodes = c.nodesInWindow(pred, prevStep, step)
			case pos < turn:
				nodes = c.nodesInWindow(pred, 0, prevStep)
			default:
				nodes = c.nodesInWindow(pred, 0, step)
			}
			pos++
			if len(nodes) == 0 {
				viable = false
				break
			}
			bodyNodes = append(bodyNodes, nodes)
		}
		if viable {
			inputs = append(inputs, executor.Input{BodyNodes: bodyNodes})
		}
	}
	return inputs
}

// nodesInWindow returns pred's nodes with lo <= step < hi.
func (c *Chase) nodesInWindow(pred rules.PredID, lo, hi uint64) []uint64 {
	var out []uint64
	for _, id := range c.g.NodeIDsWithPredicate(pred) {
		s := c.g.NodeStep(id)
		if s >= lo && s < hi {
			out = append(out, id)
		}
	}
	return out
}

// executeRule runs one rule input and registers its output. Returns whether
// anything was derived.
func (c *Chase) executeRule(rule rules.Rule, in executor.Input,
	deferRetain bool, staged map[rules.PredID]bool) (bool, error) {

	execRule := rule
	existVars := rule.ExistentialVars()
	if len(existVars) > 0 {
		execRule = frontierRule(rule, existVars)
	}

	out, err := c.exec.Execute(execRule, in)
	if err != nil {
		return false, err
	}
	if out.Segment == nil || out.Segment.IsEmpty() {
		return false, nil
	}

	if len(existVars) > 0 {
		out.Segment = c.mintFreshNulls(rule, execRule, out.Segment)
	}

	head := rule.Head.Pred
	if eq, ok := c.program.EqualityPredicate(); ok && head == eq {
		return true, c.g.ReplaceEqualTerms(in.RuleIdx, in.Step, out.Segment)
	}

	if deferRetain {
		staged[head] = true
		return true, c.g.AddNodeToBeRetained(head, out.Segment, out.ProvColumns, in.RuleIdx, in.Step)
	}

	retained, err := c.g.Retain(head, out.Segment)
	if err != nil {
		return false, err
	}
	if retained == nil || retained.IsEmpty() {
		return false, nil
	}

	if c.g.ProvenanceMode() == graph.NoProvenance {
		return true, c.g.AddNodeNoProv(head, in.RuleIdx, in.Step, retained)
	}
	provCols := c.realignAfterRetain(out, retained)
	return true, c.g.AddNodesProv(head, in.RuleIdx, in.Step, retained, provCols)
}

// realignAfterRetain filters the side provenance columns down to the rows
// that survived retain, using the per-row offsets the executor threaded
// through the pipeline.
func (c *Chase) realignAfterRetain(out executor.Output, retained segment.Segment) [][]segment.Term {
	provCols := out.ProvColumns
	if len(provCols) == 0 {
		return nil
	}
	n := len(provCols)
	nrows := retained.NRows()
	newLeft := make([]segment.Term, 0, nrows)
	newRight := make([]segment.Term, 0, nrows)
	it := retained.Iterator()
	for it.Next() {
		off := it.NodeID()
		newLeft = append(newLeft, provCols[n-2][off])
		newRight = append(newRight, provCols[n-1][off])
	}
	realigned := append([][]segment.Term{}, provCols...)
	realigned[n-2] = newLeft
	realigned[n-1] = newRight
	return realigned
}

// frontierRule rewrites an existential rule so its head carries only the
// frontier (body-bound) variables; the dropped positions are re-introduced
// as fresh nulls after execution.
func frontierRule(r rules.Rule, existVars []rules.VarID) rules.Rule {
	exist := map[rules.VarID]bool{}
	for _, v := range existVars {
		exist[v] = true
	}
	var args []rules.Arg
	seen := map[rules.VarID]bool{}
	for _, a := range r.Head.Args {
		if a.IsVar && (exist[a.Var] || seen[a.Var]) {
			continue
		}
		if a.IsVar {
			seen[a.Var] = true
		}
		args = append(args, a)
	}
	out := r
	out.Head = rules.Literal{Pred: r.Head.Pred, Args: args}
	return out
}

// mintFreshNulls expands a frontier segment back to the full head arity,
// assigning one labelled null per existential variable per row.
func (c *Chase) mintFreshNulls(rule, execRule rules.Rule, seg segment.Segment) segment.Segment {
	frontierPos := map[rules.VarID]int{}
	for i, a := range execRule.Head.Args {
		if a.IsVar {
			frontierPos[a.Var] = i
		}
	}
	arity := len(rule.Head.Args)
	withProv := seg.ProvType() != segment.NoProv
	extra := 0
	if withProv {
		extra = 1
	}
	ins := segment.NewInserter(arity+extra, extra)
	row := make([]segment.Term, arity+extra)
	nulls := map[rules.VarID]rules.Term{}

	it := seg.Iterator()
	for it.Next() {
		for k := range nulls {
			delete(nulls, k)
		}
		for i, a := range rule.Head.Args {
			switch {
			case !a.IsVar:
				row[i] = a.Const
			default:
				if pos, ok := frontierPos[a.Var]; ok {
					row[i] = it.Get(pos)
					continue
				}
				null, ok := nulls[a.Var]
				if !ok {
					null = c.g.NextFreshNull()
					nulls[a.Var] = null
				}
				row[i] = null
			}
		}
		if withProv {
			row[arity] = segment.Term(it.NodeID())
		}
		ins.AddRow(row)
	}
	prov := segment.NoProv
	if withProv {
		prov = segment.DiffNodes
	}
	// Fresh nulls keep the frontier order intact only when the leading
	// head position is a frontier variable; re-sort to stay safe.
	built := ins.Build(prov, seg.NodeID(), false, 0)
	return built.Sort()
}
