package sampler

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(42, 17))
}

// ringEdges returns the directed edges of a ring over numNodes nodes, each
// node connected to both ring neighbors.
func ringEdges(numNodes int) [][2]int32 {
	edges := make([][2]int32, 0, 2*numNodes)
	for i := 0; i < numNodes; i++ {
		next := int32((i + 1) % numNodes)
		edges = append(edges, [2]int32{int32(i), next}, [2]int32{next, int32(i)})
	}
	return edges
}

func TestBuildDenseTable(t *testing.T) {
	const numNodes, width = 6, 4
	table := BuildDenseTable(numNodes, width, ringEdges(numNodes), testRNG())
	require.Equal(t, numNodes, table.NumNodes())
	require.Equal(t, width, table.Width())

	for id := int32(0); id < numNodes; id++ {
		row := table.Row(id)
		require.Len(t, row, width)
		left := (id + numNodes - 1) % numNodes
		right := (id + 1) % numNodes
		for _, neighbor := range row {
			// Degree 2 < width, so rows are upsampled from the true neighbors.
			assert.Contains(t, []int32{left, right}, neighbor)
		}
	}

	// The padding row points at the padding node itself.
	for _, neighbor := range table.Row(PaddingID(table)) {
		assert.Equal(t, PaddingID(table), neighbor)
	}
}

func TestBuildDenseTableDownsamples(t *testing.T) {
	// A star: node 0 has 5 neighbors, downsampled without replacement to 3.
	edges := [][2]int32{{0, 1}, {0, 2}, {0, 3}, {0, 4}, {0, 5}}
	table := BuildDenseTable(6, 3, edges, testRNG())
	row := table.Row(0)
	seen := map[int32]bool{}
	for _, neighbor := range row {
		assert.False(t, seen[neighbor], "downsampling must not repeat neighbor %d", neighbor)
		seen[neighbor] = true
	}

	// Isolated nodes get all-padding rows.
	for _, neighbor := range table.Row(1) {
		assert.Equal(t, PaddingID(table), neighbor)
	}
}

func TestDenseSampleSharesPermutation(t *testing.T) {
	// Row i holds the distinct values (i+j) % numNodes at column j, so the
	// column permutation of each sampled row can be recovered and compared.
	const numNodes, width = 10, 5
	entries := make([]int32, 0, numNodes*width)
	for i := 0; i < numNodes; i++ {
		for j := 0; j < width; j++ {
			entries = append(entries, int32((i+j)%numNodes))
		}
	}
	table := NewDenseTable(numNodes, width, entries)
	s := NewDense(table, testRNG())

	ids := []int32{0, 1, 2, 3}
	const k = 3
	out := s.Sample(ids, k)
	require.Len(t, out, len(ids)*k)

	// Recover which source column each of the k output slots used, per row;
	// every row of one call must share the same column order.
	var firstCols []int
	for row := 0; row < len(ids); row++ {
		cols := make([]int, k)
		for j := 0; j < k; j++ {
			sampled := out[row*k+j]
			found := -1
			for col, v := range table.Row(ids[row]) {
				if v == sampled {
					found = col
					break
				}
			}
			require.GreaterOrEqual(t, found, 0, "sampled id %d not in row %d", sampled, row)
			cols[j] = found
		}
		if firstCols == nil {
			firstCols = cols
		} else {
			assert.Equal(t, firstCols, cols, "row %d used a different column permutation", row)
		}
	}
}

func TestDenseSampleValidation(t *testing.T) {
	table := BuildDenseTable(6, 4, ringEdges(6), testRNG())
	s := NewDense(table, testRNG())
	require.Panics(t, func() { s.Sample([]int32{0}, 0) })
	require.Panics(t, func() { s.Sample([]int32{0}, 5) })
}

func TestSparseSampleValidity(t *testing.T) {
	const numNodes = 6
	table := NewSparseTable(numNodes, ringEdges(numNodes))
	s := NewSparse(table, testRNG())

	ids := []int32{0, 2, 5}
	const k = 7 // More than any degree: modular wraparound samples with replacement.
	out := s.Sample(ids, k)
	require.Len(t, out, len(ids)*k)
	for row, id := range ids {
		for j := 0; j < k; j++ {
			assert.Contains(t, table.Row(id), out[row*k+j],
				"sampled id for node %d must be one of its true neighbors", id)
		}
	}
}

func TestSparseSampleZeroDegree(t *testing.T) {
	// Node 3 has no outgoing edges.
	table := NewSparseTable(4, [][2]int32{{0, 1}, {1, 0}, {2, 0}})
	s := NewSparse(table, testRNG())
	out := s.Sample([]int32{3}, 4)
	for _, id := range out {
		assert.Equal(t, PaddingID(table), id)
	}
}

func TestSparseSampleRequiresExplicitK(t *testing.T) {
	table := NewSparseTable(6, ringEdges(6))
	s := NewSparse(table, testRNG())
	require.Panics(t, func() { s.Sample([]int32{0}, 0) })
	require.Panics(t, func() { s.Sample([]int32{0}, -1) })
}

func TestNewSparseRejectsDenseTable(t *testing.T) {
	dense := BuildDenseTable(6, 4, ringEdges(6), testRNG())
	require.Panics(t, func() { NewSparse(dense, testRNG()) })
}

func TestNewPicksSamplerByTable(t *testing.T) {
	dense := BuildDenseTable(6, 4, ringEdges(6), testRNG())
	_, ok := New(dense, testRNG()).(*Dense)
	assert.True(t, ok)
	sparse := NewSparseTable(6, ringEdges(6))
	_, ok = New(sparse, testRNG()).(*Sparse)
	assert.True(t, ok)
}
