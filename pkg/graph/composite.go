package graph

import (
	"github.com/orneryd/munindb/pkg/columns"
	"github.com/orneryd/munindb/pkg/rules"
	"github.com/orneryd/munindb/pkg/segment"
)

// Composite is a lazy segment: a façade over a list of graph nodes and a
// projection plan that materializes only when row access is needed. It is
// meant to live within a single rule execution — adding one to the graph is
// an invariant violation, which AddNodeProv enforces.
type Composite struct {
	g              *Graph
	nodeIDs        []uint64
	copyVarPos     []int
	replaceOffsets bool

	materialized segment.Segment
}

// NewComposite builds the façade. Materialization is deferred until the
// first operation that needs rows.
func NewComposite(g *Graph, nodeIDs []uint64, copyVarPos []int, replaceOffsets bool) *Composite {
	return &Composite{
		g:              g,
		nodeIDs:        append([]uint64(nil), nodeIDs...),
		copyVarPos:     append([]int(nil), copyVarPos...),
		replaceOffsets: replaceOffsets,
	}
}

// NodeIDs returns the referenced nodes; the segment cache keys on them.
func (c *Composite) NodeIDs() []uint64 { return c.nodeIDs }

func (c *Composite) materialize() segment.Segment {
	if c.materialized == nil {
		seg, err := c.g.MergeNodes(c.nodeIDs, c.copyVarPos, MergeOptions{
			ReplaceOffsets:   c.replaceOffsets,
			RemoveDuplicates: true,
		})
		if err != nil {
			// The plan was validated when the composite was built.
			panic(err)
		}
		c.materialized = seg
	}
	return c.materialized
}

// NRows sums the referenced nodes without materializing.
func (c *Composite) NRows() int {
	if c.materialized != nil {
		return c.materialized.NRows()
	}
	n := 0
	for _, id := range c.nodeIDs {
		n += c.g.NodeSize(id)
	}
	return n
}

func (c *Composite) NColumns() int { return len(c.copyVarPos) }

func (c *Composite) IsEmpty() bool { return c.NRows() == 0 }

func (c *Composite) Iterator() segment.Iterator { return c.materialize().Iterator() }

func (c *Composite) IsSortedBy(fields []int) bool { return false }
func (c *Composite) IsSorted() bool               { return false }

func (c *Composite) Sort() segment.Segment { return c.materialize().Sort() }

func (c *Composite) SortBy(fields []int) segment.Segment { return c.materialize().SortBy(fields) }

func (c *Composite) SortByProv() segment.Segment { return c.materialize().SortByProv() }

func (c *Composite) Unique() (segment.Segment, error) { return c.materialize().Unique() }

func (c *Composite) ProvType() segment.ProvType {
	if c.g.trackProvenance() {
		if len(c.nodeIDs) == 1 {
			return segment.SameNode
		}
		return segment.DiffNodes
	}
	return segment.NoProv
}

func (c *Composite) NodeID() uint64 {
	if c.g.trackProvenance() && len(c.nodeIDs) == 1 {
		return c.nodeIDs[0]
	}
	return rules.NoNode
}

func (c *Composite) Slice(nodeID uint64, start, end int) segment.Segment {
	return c.materialize().Slice(nodeID, start, end)
}

func (c *Composite) SliceByNodes(startID uint64) ([]segment.Segment, []uint64) {
	return c.materialize().SliceByNodes(startID)
}

func (c *Composite) Swap() (segment.Segment, error) { return c.materialize().Swap() }

func (c *Composite) ProjectTo(fields []int) []columns.Column {
	return c.materialize().ProjectTo(fields)
}

func (c *Composite) AppendTerms(col int, out []segment.Term) []segment.Term {
	for _, id := range c.nodeIDs {
		out = c.g.NodeData(id).AppendTerms(c.copyVarPos[col], out)
	}
	return out
}

func (c *Composite) AppendTermsProv(col int, out []segment.TermProv) []segment.TermProv {
	for _, id := range c.nodeIDs {
		out = c.g.NodeData(id).AppendTermsProv(c.copyVarPos[col], out)
	}
	return out
}

func (c *Composite) AppendPairs(col1, col2 int, out []segment.Pair) []segment.Pair {
	for _, id := range c.nodeIDs {
		out = c.g.NodeData(id).AppendPairs(c.copyVarPos[col1], c.copyVarPos[col2], out)
	}
	return out
}

func (c *Composite) AppendPairsProv(col1, col2 int, out []segment.PairProv) []segment.PairProv {
	for _, id := range c.nodeIDs {
		out = c.g.NodeData(id).AppendPairsProv(c.copyVarPos[col1], c.copyVarPos[col2], out)
	}
	return out
}

func (c *Composite) AppendColumns(fields []int, out [][]segment.Term, withProv bool) {
	mapped := make([]int, len(fields))
	for i, f := range fields {
		mapped[i] = c.copyVarPos[f]
	}
	for _, id := range c.nodeIDs {
		c.g.NodeData(id).AppendColumns(mapped, out, withProv)
	}
}

func (c *Composite) CountHits(terms []segment.Term, col int) (int, error) {
	return c.materialize().CountHits(terms, col)
}

func (c *Composite) CountHitPairs(terms []segment.Pair, col1, col2 int) (int, error) {
	return c.materialize().CountHitPairs(terms, col1, col2)
}

func (c *Composite) HasColumnarBackend() bool { return false }
