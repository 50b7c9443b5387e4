// Package graph implements the derivation graph: the catalog of derived-fact
// blocks, the duplicate-elimination protocol (retain), node merging and
// slicing by provenance, equality-generating term replacement, and the
// staging area for deferred retain.
//
// Every block of facts derived for a predicate becomes a node. A node's
// incoming edges name the nodes whose rows fed the deriving rule, so the
// graph as a whole is a DAG recording why every fact exists. The retain
// protocol guarantees that the rows of any two nodes of the same predicate
// are disjoint.
//
// Example:
//
//	g := graph.New(graph.Options{Provenance: graph.NodeProvenance})
//	g.SetProgramLayer(program, layer, segCache)
//
//	retained, err := g.Retain(pred, candidate)
//	if err != nil {
//		return err
//	}
//	if retained != nil {
//		err = g.AddNodesProv(pred, ruleIdx, step, retained, nil)
//	}
package graph

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/munindb/pkg/cache"
	"github.com/orneryd/munindb/pkg/edb"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// Errors of the graph invariants.
var (
	// ErrInvariantViolation covers structural misuse: temporary nodes as
	// incoming edges, composite segments added to the graph, provenance
	// mode mismatches.
	ErrInvariantViolation = errors.New("derivation graph invariant violation")
	// ErrUNAContradiction is returned when term replacement would equate
	// two distinct dictionary constants.
	ErrUNAContradiction = errors.New("due to UNA, the chase does not exist")
	// ErrTooManyStagedNodes guards the deferred-retain encoding, which
	// packs the staged contribution index above bit 40.
	ErrTooManyStagedNodes = errors.New("too many staged contributions for predicate")
)

// ProvenanceMode selects how much derivation history the graph records.
type ProvenanceMode int

const (
	// NoProvenance records nodes without predecessor information.
	NoProvenance ProvenanceMode = iota
	// NodeProvenance records, per node, the predecessor nodes.
	NodeProvenance
	// FullProvenance additionally records, per row, the predecessor rows.
	FullProvenance
)

// startTmpNodes is the first id of the reserved temporary-node range; it
// also serves as the per-contribution stride of the deferred-retain
// encoding.
const startTmpNodes = uint64(1) << 40

// maxStagedNodes bounds staged contributions per predicate per step; the
// contribution index is packed above bit 40 of a 64-bit id.
const maxStagedNodes = 1 << 24

// Node is one block of derived facts.
type Node struct {
	Pred    rules.PredID
	RuleIdx uint64
	Step    uint64

	data     segment.Segment
	incoming []uint64
}

// Data returns the node's segment.
func (n *Node) Data() segment.Segment { return n.data }

// Incoming returns the predecessor node ids. The slice must not be mutated.
func (n *Node) Incoming() []uint64 { return n.incoming }

// stagedNode is one deferred-retain contribution.
type stagedNode struct {
	data     segment.Segment
	provCols [][]segment.Term // side provenance columns of the contribution
	ruleIdx  uint64
	step     uint64
}

type retainCacheEntry struct {
	nnodes int
	seg    segment.Segment
}

// Options configures a graph.
type Options struct {
	Provenance ProvenanceMode
	// CacheRetain enables the per-predicate merged-segment retain cache.
	CacheRetain bool
	// DuplicatesAllowed skips the retain invariant; only hosts that
	// deduplicate downstream set it.
	DuplicatesAllowed bool
	Logger            *zap.Logger
}

// Graph is the derivation graph. It is not safe for concurrent mutation; the
// chase driver serializes rule executions per step.
type Graph struct {
	mode              ProvenanceMode
	cacheRetainEnable bool
	duplAllowed       bool

	nodes      []Node
	pred2Nodes map[rules.PredID][]uint64

	tmpNodes     map[uint64]Node
	predTmpNodes map[rules.PredID][]stagedNode
	counterTmp   uint64

	cacheRetain map[rules.PredID]*retainCacheEntry

	counterNulls rules.Term

	program  *rules.Program
	layer    *edb.Layer
	segCache *cache.Cache

	logger *zap.Logger

	durationRetain   time.Duration
	durationEDBCheck time.Duration
}

// New creates an empty graph.
func New(opts Options) *Graph {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		mode:              opts.Provenance,
		cacheRetainEnable: opts.CacheRetain,
		duplAllowed:       opts.DuplicatesAllowed,
		pred2Nodes:        map[rules.PredID][]uint64{},
		tmpNodes:          map[uint64]Node{},
		predTmpNodes:      map[rules.PredID][]stagedNode{},
		counterTmp:        startTmpNodes,
		cacheRetain:       map[rules.PredID]*retainCacheEntry{},
		counterNulls:      rules.FreshNullStart,
		logger:            logger,
	}
}

// SetProgramLayer wires the collaborators the graph consults: the program
// for predicate cardinalities, the EDB layer for checkNewIn fast paths, and
// the shared segment cache for invalidation on node mutation. Any of them
// may be nil.
func (g *Graph) SetProgramLayer(program *rules.Program, layer *edb.Layer, segCache *cache.Cache) {
	g.program = program
	g.layer = layer
	g.segCache = segCache
}

// ProvenanceMode returns the configured mode.
func (g *Graph) ProvenanceMode() ProvenanceMode { return g.mode }

func (g *Graph) trackProvenance() bool { return g.mode != NoProvenance }

// segProvType maps the graph mode onto segment provenance for inserters.
func (g *Graph) segProvType() segment.ProvType {
	switch g.mode {
	case NodeProvenance:
		return segment.SameNode
	case FullProvenance:
		return segment.FullProv
	default:
		return segment.NoProv
	}
}

// NNodes returns the number of permanent nodes.
func (g *Graph) NNodes() int { return len(g.nodes) }

// NFacts returns the total rows across permanent nodes.
func (g *Graph) NFacts() int {
	n := 0
	for i := range g.nodes {
		n += g.nodes[i].data.NRows()
	}
	return n
}

// NEdges returns the total incoming-edge count.
func (g *Graph) NEdges() int {
	n := 0
	for i := range g.nodes {
		n += len(g.nodes[i].incoming)
	}
	return n
}

// IsTmpNode reports whether id lives in the reserved temporary range.
func (g *Graph) IsTmpNode(id uint64) bool { return id >= startTmpNodes }

// node resolves an id, dispatching on the reserved range.
func (g *Graph) node(id uint64) *Node {
	if g.trackProvenance() && id >= startTmpNodes {
		n := g.tmpNodes[id]
		return &n
	}
	return &g.nodes[id]
}

// NodeData returns the segment of a node.
func (g *Graph) NodeData(id uint64) segment.Segment { return g.node(id).data }

// NodeSize returns a node's row count.
func (g *Graph) NodeSize(id uint64) int { return g.node(id).data.NRows() }

// NodeStep returns the step a node was derived at.
func (g *Graph) NodeStep(id uint64) uint64 { return g.node(id).Step }

// NodeRule returns the rule index that derived the node (rules.NoRule for
// merged and temporary nodes; nodes added by term replacement carry the
// index of the EGD rule).
func (g *Graph) NodeRule(id uint64) uint64 { return g.node(id).RuleIdx }

// NodePredicate returns the node's head predicate.
func (g *Graph) NodePredicate(id uint64) rules.PredID { return g.node(id).Pred }

// NodeIncoming returns the predecessor node ids.
func (g *Graph) NodeIncoming(id uint64) []uint64 { return g.node(id).incoming }

// HasNodesWithPredicate reports whether pred has any node.
func (g *Graph) HasNodesWithPredicate(pred rules.PredID) bool {
	return len(g.pred2Nodes[pred]) > 0
}

// NodeIDsWithPredicate returns pred's node ids in insertion order. The slice
// must not be mutated.
func (g *Graph) NodeIDsWithPredicate(pred rules.PredID) []uint64 {
	return g.pred2Nodes[pred]
}

// PredicateIDs returns every predicate that has at least one node.
func (g *Graph) PredicateIDs() []rules.PredID {
	out := make([]rules.PredID, 0, len(g.pred2Nodes))
	for p := range g.pred2Nodes {
		out = append(out, p)
	}
	return out
}

// NextFreshNull mints a labelled null for existential rules.
func (g *Graph) NextFreshNull() rules.Term {
	t := g.counterNulls
	g.counterNulls++
	return t
}

// CounterNullValues returns the next labelled null without minting.
func (g *Graph) CounterNullValues() rules.Term { return g.counterNulls }

// SetCounterNullValues overrides the null counter (restart support).
func (g *Graph) SetCounterNullValues(c rules.Term) { g.counterNulls = c }

// isComposite detects lazy segments, which must never enter the graph.
func isComposite(s segment.Segment) bool {
	_, ok := s.(*Composite)
	return ok
}

// AddNodeNoProv appends a node in NoProvenance mode.
func (g *Graph) AddNodeNoProv(pred rules.PredID, ruleIdx, step uint64, data segment.Segment) error {
	if g.trackProvenance() {
		return fmt.Errorf("%w: AddNodeNoProv with provenance enabled", ErrInvariantViolation)
	}
	if isComposite(data) {
		return fmt.Errorf("%w: composite segment added to graph", ErrInvariantViolation)
	}
	id := uint64(len(g.nodes))
	g.nodes = append(g.nodes, Node{Pred: pred, RuleIdx: ruleIdx, Step: step, data: data})
	g.pred2Nodes[pred] = append(g.pred2Nodes[pred], id)
	g.logger.Debug("added node", zap.Uint64("node", id), zap.Int("facts", data.NRows()))
	return nil
}

// AddNodeProv appends a node with its incoming edges. The segment's node id
// must equal the new node's id when it carries SameNode provenance, and
// every incoming edge must be a permanent node.
func (g *Graph) AddNodeProv(pred rules.PredID, ruleIdx, step uint64,
	data segment.Segment, incoming []uint64) error {
	if !g.trackProvenance() {
		return fmt.Errorf("%w: AddNodeProv without provenance", ErrInvariantViolation)
	}
	if isComposite(data) {
		return fmt.Errorf("%w: composite segment added to graph", ErrInvariantViolation)
	}
	id := uint64(len(g.nodes))
	if data.ProvType() == segment.SameNode && data.NodeID() != id {
		return fmt.Errorf("%w: segment node id %d, node %d", ErrInvariantViolation, data.NodeID(), id)
	}
	for _, in := range incoming {
		if g.IsTmpNode(in) {
			return fmt.Errorf("%w: temporary node %d as incoming edge", ErrInvariantViolation, in)
		}
	}
	g.nodes = append(g.nodes, Node{
		Pred:     pred,
		RuleIdx:  ruleIdx,
		Step:     step,
		data:     data,
		incoming: append([]uint64(nil), incoming...),
	})
	g.pred2Nodes[pred] = append(g.pred2Nodes[pred], id)
	g.logger.Debug("added node", zap.Uint64("node", id),
		zap.Int("facts", data.NRows()), zap.Int("edges", len(incoming)))
	return nil
}

// AddTmpNode registers data under a fresh temporary id and returns the id.
func (g *Graph) AddTmpNode(pred rules.PredID, data segment.Segment) uint64 {
	id := g.counterTmp
	g.counterTmp++
	g.tmpNodes[id] = Node{Pred: pred, RuleIdx: rules.NoRule, Step: ^uint64(0), data: data}
	return id
}

// CleanTmpNodes drops all temporary and staged nodes. Called between steps.
func (g *Graph) CleanTmpNodes() {
	g.tmpNodes = map[uint64]Node{}
	g.predTmpNodes = map[rules.PredID][]stagedNode{}
}

// AddNodesProv splits a segment with multi-node provenance into
// single-predecessor-set nodes and adds each one.
//
// With no side provenance columns, a DiffNodes segment is re-sorted by
// predecessor and sliced into one node per predecessor; other segments
// become a single node whose sole incoming edge is the segment's node id
// (none for EDB-derived segments). With side provenance columns, the full
// predecessor tuple is reconstructed per row and one node is emitted per
// contiguous run of equal tuples.
func (g *Graph) AddNodesProv(pred rules.PredID, ruleIdx, step uint64,
	seg segment.Segment, provColumns [][]segment.Term) error {
	if len(provColumns) == 0 {
		if seg.ProvType() == segment.DiffNodes {
			resorted := seg.SortByProv()
			chunks, provNodes := resorted.SliceByNodes(uint64(len(g.nodes)))
			for i, c := range chunks {
				var incoming []uint64
				if provNodes[i] != rules.NoNode {
					incoming = []uint64{provNodes[i]}
				}
				if err := g.AddNodeProv(pred, ruleIdx, step, c, incoming); err != nil {
					return err
				}
			}
			return nil
		}
		var incoming []uint64
		if seg.NodeID() != rules.NoNode {
			incoming = []uint64{seg.NodeID()}
		}
		id := uint64(len(g.nodes))
		return g.AddNodeProv(pred, ruleIdx, step, seg.Slice(id, 0, seg.NRows()), incoming)
	}
	return g.addNodesFullProv(pred, ruleIdx, step, seg, provColumns)
}

// addNodesFullProv reconstructs, per row, the chain of predecessor nodes
// from the side provenance columns the join pipeline split off, groups rows
// by chain, and adds one node per group with the chain as incoming edges.
func (g *Graph) addNodesFullProv(pred rules.PredID, ruleIdx, step uint64,
	seg segment.Segment, provColumns [][]segment.Term) error {
	depth := (len(provColumns) + 2) / 2
	nrows := seg.NRows()
	provNodes := make([]uint64, nrows*depth)
	for i := 0; i < nrows; i++ {
		provRowIdx := i
		for j := depth - 1; j >= 0; j-- {
			if j == 0 {
				provNodes[i*depth] = uint64(provColumns[0][provRowIdx])
				continue
			}
			provNodes[i*depth+j] = uint64(provColumns[(j-1)*2+1][provRowIdx])
			if j > 1 {
				off := uint64(provColumns[(j-1)*2][provRowIdx])
				if off == rules.NoNode {
					provRowIdx = 0
				} else {
					provRowIdx = int(off)
				}
			}
		}
	}

	// Stable-sort row indices by predecessor tuple, then emit one node
	// per contiguous equal-tuple run.
	idxs := sortRowsByProvTuple(nrows, depth, provNodes)

	rows := materializeRows(seg)
	ncols := seg.NColumns()
	emit := func(rowIdxs []int, chain []uint64) error {
		id := uint64(len(g.nodes))
		ins := segment.NewInserter(ncols, 0)
		for _, r := range rowIdxs {
			ins.AddRow(rows[r])
		}
		data := ins.Build(segment.SameNode, id, false, 0)
		incoming := make([]uint64, 0, len(chain))
		for _, n := range chain {
			if n != rules.NoNode {
				incoming = append(incoming, n)
			}
		}
		return g.AddNodeProv(pred, ruleIdx, step, data, incoming)
	}

	var run []int
	var current []uint64
	tupleOf := func(row int) []uint64 {
		return provNodes[row*depth : (row+1)*depth]
	}
	for _, r := range idxs {
		t := tupleOf(r)
		if current == nil || !equalChain(current, t) {
			if len(run) > 0 {
				if err := emit(run, current); err != nil {
					return err
				}
			}
			run = run[:0]
			current = append([]uint64(nil), t...)
		}
		run = append(run, r)
	}
	if len(run) > 0 {
		return emit(run, current)
	}
	return nil
}

// sortRowsByProvTuple stable-sorts row indices by their predecessor tuple.
func sortRowsByProvTuple(nrows, depth int, provNodes []uint64) []int {
	idxs := make([]int, nrows)
	for i := range idxs {
		idxs[i] = i
	}
	sort.SliceStable(idxs, func(i, j int) bool {
		a, b := idxs[i], idxs[j]
		ta := provNodes[a*depth : (a+1)*depth]
		tb := provNodes[b*depth : (b+1)*depth]
		for k := range ta {
			if ta[k] != tb[k] {
				return ta[k] < tb[k]
			}
		}
		return false
	})
	return idxs
}

func equalChain(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// materializeRows reads a segment into row-major data tuples.
func materializeRows(seg segment.Segment) [][]segment.Term {
	ncols := seg.NColumns()
	out := make([][]segment.Term, 0, seg.NRows())
	it := seg.Iterator()
	for it.Next() {
		row := make([]segment.Term, ncols)
		for c := 0; c < ncols; c++ {
			row[c] = it.Get(c)
		}
		out = append(out, row)
	}
	return out
}

// EachFact streams every derived fact of pred, node by node in insertion
// order. fn returning false stops the walk. The row slice is reused between
// calls.
func (g *Graph) EachFact(pred rules.PredID, fn func(row []segment.Term) bool) {
	var row []segment.Term
	for _, id := range g.pred2Nodes[pred] {
		data := g.nodes[id].data
		ncols := data.NColumns()
		if cap(row) < ncols {
			row = make([]segment.Term, ncols)
		}
		row = row[:ncols]
		it := data.Iterator()
		for it.Next() {
			for c := 0; c < ncols; c++ {
				row[c] = it.Get(c)
			}
			if !fn(row) {
				return
			}
		}
	}
}

// Stats is a snapshot of graph-level counters.
type Stats struct {
	Nodes         int
	Facts         int
	Edges         int
	RetainTime    time.Duration
	EDBCheckTime  time.Duration
}

// Statistics returns the current counters.
func (g *Graph) Statistics() Stats {
	return Stats{
		Nodes:        g.NNodes(),
		Facts:        g.NFacts(),
		Edges:        g.NEdges(),
		RetainTime:   g.durationRetain,
		EDBCheckTime: g.durationEDBCheck,
	}
}

// LogStats emits the counters through the graph logger.
func (g *Graph) LogStats() {
	s := g.Statistics()
	g.logger.Info("derivation graph statistics",
		zap.Int("nodes", s.Nodes),
		zap.Int("facts", s.Facts),
		zap.Int("edges", s.Edges),
		zap.Duration("retain_time", s.RetainTime),
		zap.Duration("edb_check_time", s.EDBCheckTime))
}
