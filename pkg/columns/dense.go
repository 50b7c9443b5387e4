package columns

import "sort"

// DenseColumn is a Column backed by a plain term slice.
type DenseColumn struct {
	values []Term
	sorted bool
}

// NewDense wraps values in a column. Ownership of the slice transfers to the
// column; callers must not mutate it afterwards.
func NewDense(values []Term) *DenseColumn {
	return &DenseColumn{values: values}
}

// NewDenseSorted wraps values known to be ascending.
func NewDenseSorted(values []Term) *DenseColumn {
	return &DenseColumn{values: values, sorted: true}
}

func (c *DenseColumn) Len() int          { return len(c.values) }
func (c *DenseColumn) Get(i int) Term    { return c.values[i] }
func (c *DenseColumn) Reader() Reader    { return &sliceReader{values: c.values} }
func (c *DenseColumn) IsEmpty() bool     { return len(c.values) == 0 }
func (c *DenseColumn) First() Term       { return c.values[0] }
func (c *DenseColumn) IsEDB() bool       { return false }
func (c *DenseColumn) IsBackedBySlice() bool { return true }
func (c *DenseColumn) Values() []Term    { return c.values }

func (c *DenseColumn) IsConstant() bool {
	return len(c.values) <= 1
}

func (c *DenseColumn) Sort() Column {
	if c.sorted {
		return c
	}
	out := make([]Term, len(c.values))
	copy(out, c.values)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return NewDenseSorted(out)
}

func (c *DenseColumn) SortedUnique() Column {
	sorted := c.Sort().Values()
	out := make([]Term, 0, len(sorted))
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return NewDenseSorted(out)
}

func (c *DenseColumn) Slice(lo, hi int) Column {
	return &DenseColumn{values: c.values[lo:hi], sorted: c.sorted}
}

// CountHits returns how many of terms occur in the column. The column must
// be sorted; terms may be in any order.
func CountHits(sorted Column, terms []Term) int {
	values := sorted.Values()
	hits := 0
	for _, t := range terms {
		i := sort.Search(len(values), func(i int) bool { return values[i] >= t })
		if i < len(values) && values[i] == t {
			hits++
		}
	}
	return hits
}
