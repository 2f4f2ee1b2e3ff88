// Package sampler provides adjacency tables and fixed fan-out neighbor samplers
// for GraphSAGE-style models.
//
// An adjacency table (see Table) holds the graph structure on the host as int32
// node ids. Two representations are supported:
//
//   - DenseTable: every node has exactly `width` neighbor entries, up-sampled
//     (with replacement) or down-sampled (without replacement) from its true
//     neighborhood at construction time. Fast to sample from, and the
//     representation used for training.
//   - SparseTable: a CSR ("compressed sparse row") edge list, one variable-length
//     row per node. Exact, and the representation used when degrees vary too much
//     for a dense table to make sense.
//
// Samplers draw a fixed number k of neighbors per input node, with replacement
// when the degree is insufficient. Typically one creates two samplers over two
// tables -- one with edges restricted to training nodes, and one with all
// edges -- and selects between them per train/eval split.
package sampler

import (
	"fmt"
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
)

// Table is a host-side adjacency table over nodes [0, NumNodes).
//
// The id NumNodes() is reserved as the "padding node": it is a valid row index
// into the feature matrix (whose last row is zeros) but has no adjacency row.
type Table interface {
	// NumNodes of the graph. Valid node ids are [0, NumNodes).
	NumNodes() int

	// Row returns the neighbor ids of the given node. The returned slice is
	// owned by the table and must not be modified.
	Row(id int32) []int32

	fmt.Stringer
}

// PaddingID returns the reserved padding node id for the given table, used
// wherever a "no node" value is needed (zero-degree sampling, masked
// self-embeddings). The feature matrix must carry a trailing zero row for it.
func PaddingID(t Table) int32 {
	return int32(t.NumNodes())
}

// Sampler draws fixed-size neighbor samples from an adjacency table.
type Sampler interface {
	// Sample returns k neighbor ids for each input id, flattened row-major
	// to a slice of len(ids)*k entries.
	Sample(ids []int32, k int) []int32

	// NumNodes of the underlying table.
	NumNodes() int
}

// DenseTable is a fixed-width adjacency table: row i holds exactly Width
// neighbor ids of node i. It carries one extra trailing row for the padding
// node, whose neighbors are all the padding id itself, so expanding a sampled
// padding id at a deeper layer keeps yielding padding.
type DenseTable struct {
	numNodes, width int
	entries         []int32 // Shaped [numNodes+1, width], row-major.
}

// NewDenseTable creates a dense table from pre-built row-major entries,
// shaped [numNodes, width]. The padding row is appended internally.
func NewDenseTable(numNodes, width int, entries []int32) *DenseTable {
	if numNodes <= 0 || width <= 0 {
		Panicf("sampler.NewDenseTable: numNodes=%d and width=%d must be positive", numNodes, width)
	}
	if len(entries) != numNodes*width {
		Panicf("sampler.NewDenseTable: got %d entries, want numNodes*width=%d", len(entries), numNodes*width)
	}
	for i, id := range entries {
		if id < 0 || id > int32(numNodes) {
			Panicf("sampler.NewDenseTable: entry #%d is %d, out of range [0, %d]", i, id, numNodes)
		}
	}
	return &DenseTable{numNodes: numNodes, width: width, entries: appendPaddingRow(entries, numNodes, width)}
}

func appendPaddingRow(entries []int32, numNodes, width int) []int32 {
	padding := int32(numNodes)
	for j := 0; j < width; j++ {
		entries = append(entries, padding)
	}
	return entries
}

// BuildDenseTable creates a dense table of exactly `width` neighbors per node
// from an edge list (pairs of source, target). Nodes with fewer than `width`
// neighbors are up-sampled with replacement; nodes with more are down-sampled
// without replacement. Nodes with no neighbors at all get rows of the padding
// id.
func BuildDenseTable(numNodes, width int, edges [][2]int32, rng *rand.Rand) *DenseTable {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rows := make([][]int32, numNodes)
	for _, e := range edges {
		src, tgt := e[0], e[1]
		if src < 0 || src >= int32(numNodes) || tgt < 0 || tgt >= int32(numNodes) {
			Panicf("sampler.BuildDenseTable: edge (%d, %d) out of range [0, %d)", src, tgt, numNodes)
		}
		rows[src] = append(rows[src], tgt)
	}
	padding := int32(numNodes)
	entries := make([]int32, 0, (numNodes+1)*width)
	for _, neighbors := range rows {
		switch {
		case len(neighbors) == 0:
			for j := 0; j < width; j++ {
				entries = append(entries, padding)
			}
		case len(neighbors) >= width:
			for _, j := range rng.Perm(len(neighbors))[:width] {
				entries = append(entries, neighbors[j])
			}
		default:
			for j := 0; j < width; j++ {
				entries = append(entries, neighbors[rng.IntN(len(neighbors))])
			}
		}
	}
	return &DenseTable{numNodes: numNodes, width: width, entries: appendPaddingRow(entries, numNodes, width)}
}

// NumNodes implements Table.
func (t *DenseTable) NumNodes() int { return t.numNodes }

// Width is the fixed number of neighbor entries per node.
func (t *DenseTable) Width() int { return t.width }

// Row implements Table. The padding id is a valid row.
func (t *DenseTable) Row(id int32) []int32 {
	if id < 0 || id > int32(t.numNodes) {
		Panicf("sampler.DenseTable: node id %d out of range [0, %d]", id, t.numNodes)
	}
	return t.entries[int(id)*t.width : (int(id)+1)*t.width]
}

// String implements fmt.Stringer.
func (t *DenseTable) String() string {
	return fmt.Sprintf("DenseTable: %s nodes x %d neighbors (%s entries)",
		humanize.Comma(int64(t.numNodes)), t.width, humanize.Comma(int64(len(t.entries))))
}

// SparseTable is a CSR adjacency table: the neighbors of node i are
// Targets[Starts[i]:Starts[i+1]].
type SparseTable struct {
	numNodes int
	starts   []int32 // len == numNodes+1.
	targets  []int32
	maxWidth int // Largest degree, used as the uniform-draw range when sampling.
}

// NewSparseTable creates a CSR table from an edge list (pairs of source,
// target). Edges are bucketed per source node; per-node degrees are fixed from
// here on.
func NewSparseTable(numNodes int, edges [][2]int32) *SparseTable {
	if numNodes <= 0 {
		Panicf("sampler.NewSparseTable: numNodes=%d must be positive", numNodes)
	}
	counts := make([]int32, numNodes)
	for _, e := range edges {
		src, tgt := e[0], e[1]
		if src < 0 || src >= int32(numNodes) || tgt < 0 || tgt >= int32(numNodes) {
			Panicf("sampler.NewSparseTable: edge (%d, %d) out of range [0, %d)", src, tgt, numNodes)
		}
		counts[src]++
	}
	starts := make([]int32, numNodes+1)
	maxWidth := 0
	for i, c := range counts {
		starts[i+1] = starts[i] + c
		if int(c) > maxWidth {
			maxWidth = int(c)
		}
	}
	targets := make([]int32, len(edges))
	fill := make([]int32, numNodes)
	for _, e := range edges {
		src := e[0]
		targets[starts[src]+fill[src]] = e[1]
		fill[src]++
	}
	return &SparseTable{numNodes: numNodes, starts: starts, targets: targets, maxWidth: maxWidth}
}

// NumNodes implements Table.
func (t *SparseTable) NumNodes() int { return t.numNodes }

// Degree returns the number of neighbors of the given node. The padding id
// has degree 0.
func (t *SparseTable) Degree(id int32) int {
	if id == int32(t.numNodes) {
		return 0
	}
	return int(t.starts[id+1] - t.starts[id])
}

// Row implements Table. The padding id has an empty row.
func (t *SparseTable) Row(id int32) []int32 {
	if id < 0 || id > int32(t.numNodes) {
		Panicf("sampler.SparseTable: node id %d out of range [0, %d]", id, t.numNodes)
	}
	if id == int32(t.numNodes) {
		return nil
	}
	return t.targets[t.starts[id]:t.starts[id+1]]
}

// String implements fmt.Stringer.
func (t *SparseTable) String() string {
	return fmt.Sprintf("SparseTable: %s nodes, %s edges, max degree %d",
		humanize.Comma(int64(t.numNodes)), humanize.Comma(int64(len(t.targets))), t.maxWidth)
}

// Dense samples from a DenseTable by drawing one fresh random column
// permutation per call, shared by every row of that call, and truncating it to
// the first k columns.
//
// Sharing the permutation across rows is a deliberate approximation (the rows
// are not independently sampled); it is cheap and its training dynamics are
// what the rest of the model is calibrated against, so it must not be replaced
// by a per-row shuffle.
type Dense struct {
	table *DenseTable
	rng   *rand.Rand
}

// NewDense creates a sampler over a dense table. If rng is nil a randomly
// seeded one is created.
func NewDense(table *DenseTable, rng *rand.Rand) *Dense {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Dense{table: table, rng: rng}
}

// NumNodes implements Sampler.
func (s *Dense) NumNodes() int { return s.table.NumNodes() }

// Sample implements Sampler.
// It panics if k is not in [1, table width].
func (s *Dense) Sample(ids []int32, k int) []int32 {
	if k <= 0 || k > s.table.width {
		Panicf("sampler.Dense: k=%d must be in [1, %d]", k, s.table.width)
	}
	perm := s.rng.Perm(s.table.width)[:k]
	out := make([]int32, 0, len(ids)*k)
	for _, id := range ids {
		row := s.table.Row(id)
		for _, col := range perm {
			out = append(out, row[col])
		}
	}
	return out
}

// Sparse samples from a SparseTable: for each node it draws k uniform column
// indices in [0, maxDegree) and reduces them modulo the node's true degree,
// which samples with replacement and lets k exceed the degree.
type Sparse struct {
	table *SparseTable
	rng   *rand.Rand
}

// NewSparse creates a sampler over a CSR table. It panics if the table is not
// in sparse form. If rng is nil a randomly seeded one is created.
func NewSparse(table Table, rng *rand.Rand) *Sparse {
	st, ok := table.(*SparseTable)
	if !ok {
		Panicf("sampler.NewSparse: adjacency must be a *SparseTable, got %T", table)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Sparse{table: st, rng: rng}
}

// NumNodes implements Sampler.
func (s *Sparse) NumNodes() int { return s.table.NumNodes() }

// Sample implements Sampler.
// k must be set explicitly to a positive value, there is no default.
// Zero-degree nodes yield the padding id.
func (s *Sparse) Sample(ids []int32, k int) []int32 {
	if k <= 0 {
		Panicf("sampler.Sparse: k must be set explicitly to a positive value, got %d", k)
	}
	padding := PaddingID(s.table)
	out := make([]int32, 0, len(ids)*k)
	for _, id := range ids {
		degree := s.table.Degree(id)
		if degree == 0 {
			for j := 0; j < k; j++ {
				out = append(out, padding)
			}
			continue
		}
		start := s.table.starts[id]
		for j := 0; j < k; j++ {
			sel := s.rng.IntN(s.table.maxWidth) % degree
			out = append(out, s.table.targets[start+int32(sel)])
		}
	}
	return out
}

// New creates the natural sampler for the given table representation.
func New(table Table, rng *rand.Rand) Sampler {
	switch t := table.(type) {
	case *DenseTable:
		return NewDense(t, rng)
	case *SparseTable:
		return NewSparse(t, rng)
	default:
		Panicf("sampler.New: no sampler for adjacency table type %T", table)
		panic(nil) // Quiet linter.
	}
}
