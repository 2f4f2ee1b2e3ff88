package qwalk

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"

	"github.com/gomlx/graphsage/sampler"
)

// ringTable returns the CSR table of a ring over numNodes nodes.
func ringTable(numNodes int) *sampler.SparseTable {
	edges := make([][2]int32, 0, 2*numNodes)
	for i := 0; i < numNodes; i++ {
		next := int32((i + 1) % numNodes)
		edges = append(edges, [2]int32{int32(i), next}, [2]int32{next, int32(i)})
	}
	return sampler.NewSparseTable(numNodes, edges)
}

func TestBuildPlanAdjacency(t *testing.T) {
	table := ringTable(6)
	// Two seeds, fan-out 3: seed A sampled {5, 1, 0}, seed B sampled {2, 4, 3}.
	sampled := []int32{5, 1, 0, 2, 4, 3}
	plan := BuildPlan(table, sampled, 2)
	require.Equal(t, 2, plan.BatchSize)
	require.Equal(t, 3, plan.FanOut)

	adjacency := tensors.CopyFlatData[float32](plan.Adjacency)
	require.Len(t, adjacency, 2*3*3)
	// Seed A: 0 is adjacent to both 5 and 1, which are not adjacent to each
	// other; the local subgraph is a path centered on position 2.
	wantA := []float32{
		0, 0, 1,
		0, 0, 1,
		1, 1, 0,
	}
	assert.Equal(t, wantA, adjacency[:9])
	// Local adjacency is symmetric for an undirected graph.
	for seed := 0; seed < 2; seed++ {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				assert.Equal(t, adjacency[seed*9+i*3+j], adjacency[seed*9+j*3+i])
			}
		}
	}
	assert.Equal(t, 2, plan.MaxDegree)
}

func TestBuildPlanAmplitudeNormalization(t *testing.T) {
	table := ringTable(6)
	sampled := []int32{5, 1, 0, 2, 4, 3}
	plan := BuildPlan(table, sampled, 2)

	b, f, d := plan.BatchSize, plan.FanOut, plan.MaxDegree
	amps := tensors.CopyFlatData[float32](plan.InitAmps)
	adjacency := tensors.CopyFlatData[float32](plan.Adjacency)
	for seed := 0; seed < b; seed++ {
		for j := 0; j < f; j++ {
			degree := 0
			for col := 0; col < f; col++ {
				if adjacency[(seed*f+j)*f+col] != 0 {
					degree++
				}
			}
			var sumSquares float64
			for s := 0; s < d; s++ {
				for tgt := 0; tgt < f; tgt++ {
					a := float64(amps[((seed*f+j)*d+s)*f+tgt])
					sumSquares += a * a
					if tgt != j {
						// Initial mass sits only at the node's own position.
						assert.Zero(t, a)
					}
				}
			}
			if degree > 0 {
				assert.InDelta(t, 1.0, sumSquares, 1e-6,
					"node %d of seed %d: squared amplitudes must sum to 1", j, seed)
			} else {
				assert.Zero(t, sumSquares)
			}
		}
	}
}

func TestBuildPlanSwapIsPermutation(t *testing.T) {
	table := ringTable(6)
	sampled := []int32{5, 1, 0, 2, 4, 3}
	plan := BuildPlan(table, sampled, 2)

	f, d := plan.FanOut, plan.MaxDegree
	swap := tensors.CopyFlatData[int32](plan.SwapIndices)
	require.Len(t, swap, plan.BatchSize*f*d)
	for seed := 0; seed < plan.BatchSize; seed++ {
		seen := map[int32]bool{}
		for _, src := range swap[seed*f*d : (seed+1)*f*d] {
			require.GreaterOrEqual(t, src, int32(0))
			require.Less(t, src, int32(f*d))
			// With a symmetric local adjacency the routing is a bijection of
			// the (node, slot) positions.
			assert.False(t, seen[src], "source position %d routed twice", src)
			seen[src] = true
		}
	}
}

func TestBuildPlanZeroDegree(t *testing.T) {
	// No sampled id is adjacent to any other: all local degrees are zero.
	table := ringTable(8)
	sampled := []int32{0, 2, 4, 6}
	plan := BuildPlan(table, sampled, 1)
	assert.Equal(t, 1, plan.MaxDegree)
	for _, a := range tensors.CopyFlatData[float32](plan.InitAmps) {
		assert.Zero(t, a)
	}
	// Swap routing degenerates to the identity.
	for p, src := range tensors.CopyFlatData[int32](plan.SwapIndices) {
		assert.Equal(t, int32(p), src)
	}
}

func TestBuildPlanValidation(t *testing.T) {
	table := ringTable(6)
	require.Panics(t, func() { BuildPlan(table, []int32{0, 1, 2}, 2) })
	require.Panics(t, func() { BuildPlan(table, nil, 1) })
}

func TestGroverCoin(t *testing.T) {
	coin := tensors.CopyFlatData[float32](groverCoin(4))
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := float32(0.5)
			if i == j {
				want = -0.5
			}
			assert.InDelta(t, want, coin[i*4+j], 1e-6)
		}
	}
}

// walkExec builds an executor around Engine.Walk for a fixed plan layout.
func walkExec(engine *Engine, ctx *context.Context) *context.Exec {
	backend := graphtest.BuildTestBackend()
	return context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return engine.Walk(ctx, inputs[0], inputs[1], inputs[2])
	})
}

func TestWalkZeroStepsIsIdentityMixing(t *testing.T) {
	table := ringTable(6)
	sampled := []int32{5, 1, 0, 2, 4, 3}
	plan := BuildPlan(table, sampled, 2)

	const featureDim = 4
	neighbors := make([]float32, len(sampled)*featureDim)
	for i := range neighbors {
		neighbors[i] = float32(i%7) - 3
	}
	neighborsT := tensors.FromFlatDataAndDimensions(neighbors, len(sampled), featureDim)

	// With no time steps the mixing matrix is the identity restricted to
	// nodes of positive local degree, so the neighbors come back unchanged.
	exec := walkExec(New().WithTimeSteps(0), context.New())
	out := exec.Call(plan.InitAmps, plan.SwapIndices, neighborsT)[0]
	require.Equal(t, []int{len(sampled), featureDim}, out.Shape().Dimensions)
	got := tensors.CopyFlatData[float32](out)
	for i := range neighbors {
		assert.InDelta(t, neighbors[i], got[i], 1e-5)
	}
}

func TestWalkProducesFiniteWeights(t *testing.T) {
	table := ringTable(6)
	sampled := []int32{5, 1, 0, 2, 4, 3}
	plan := BuildPlan(table, sampled, 2)

	const featureDim = 3
	neighbors := make([]float32, len(sampled)*featureDim)
	for i := range neighbors {
		neighbors[i] = float32(i)*0.25 - 1
	}
	neighborsT := tensors.FromFlatDataAndDimensions(neighbors, len(sampled), featureDim)

	ctx := context.New()
	exec := walkExec(New(), ctx)
	out := exec.Call(plan.InitAmps, plan.SwapIndices, neighborsT)[0]
	require.Equal(t, []int{len(sampled), featureDim}, out.Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float32](out) {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}

	// Coin variables were created per (degree, time step), Grover-initialized.
	v := ctx.GetVariableByScopeAndName("/coins/d2", "t0")
	require.NotNil(t, v)
	coin := tensors.CopyFlatData[float32](v.Value())
	assert.InDelta(t, 0.0, coin[0], 1e-6) // 2/2 - 1.
	assert.InDelta(t, 1.0, coin[1], 1e-6) // 2/2.
}
