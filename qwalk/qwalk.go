// Package qwalk implements a discrete-time quantum-walk over the locally
// sampled subgraph of each seed node, producing a learned reweighting of the
// sampled neighbors' features.
//
// The walk replaces the aggregator's plain statistical reduction with an
// amplitude-based neighbor importance: amplitudes spread over each local
// subgraph through alternating "coin" and "swap" operators, and their squared
// magnitudes after a fixed number of time steps weight the neighbor features.
// Only the coin operators are learned; everything derived from the batch
// (local adjacency, initial amplitudes, swap routing) is rebuilt per batch on
// the host and fed to the computation graph as inputs.
package qwalk

import (
	"fmt"
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/graphsage/sampler"
)

// DefaultTimeSteps is the number of coin+swap applications per walk.
const DefaultTimeSteps = 4

// Plan holds the host-built, per-batch state of a walk at one layer depth:
// the local subgraphs of the batch's seeds, the initial amplitudes and the
// swap routing. Plans are transient -- built fresh for every batch, consumed
// by one forward pass and discarded. Only coin variables persist across
// batches.
type Plan struct {
	// BatchSize (B) is the number of seed nodes, FanOut (F) the number of
	// sampled ids per seed at this depth, MaxDegree (D, at least 1) the
	// largest local degree observed across the batch.
	BatchSize, FanOut, MaxDegree int

	// Adjacency of the local subgraphs, Float32[B, F, F]: entry (b, i, j) is 1
	// when the j-th sampled id of seed b is a true neighbor of the i-th.
	Adjacency *tensors.Tensor

	// InitAmps is Float32[B, F, D, F]: node j of seed b starts with amplitude
	// 1/sqrt(degree(j)) on each of its degree(j) used slots, at its own
	// position. Zero-degree nodes keep all-zero slots.
	InitAmps *tensors.Tensor

	// SwapIndices is Int32[B, F*D]: for each (node, slot) output position, the
	// flattened (node*D + slot) source position amplitude is routed from.
	SwapIndices *tensors.Tensor
}

// BuildPlan builds the walk plan for one layer depth. sampled is the
// flattened id group at that depth, row-major [batchSize, F]; membership is
// tested against each id's row in the given adjacency table.
func BuildPlan(table sampler.Table, sampled []int32, batchSize int) *Plan {
	if batchSize <= 0 || len(sampled) == 0 || len(sampled)%batchSize != 0 {
		Panicf("qwalk.BuildPlan: %d sampled ids do not divide into batchSize=%d rows", len(sampled), batchSize)
	}
	b := batchSize
	f := len(sampled) / batchSize

	adjacency := make([]float32, b*f*f)
	degrees := make([]int, b*f)
	maxDegree := 0
	for seed := 0; seed < b; seed++ {
		ids := sampled[seed*f : (seed+1)*f]
		for i := 0; i < f; i++ {
			neighborhood := make(map[int32]struct{}, f)
			for _, n := range table.Row(ids[i]) {
				neighborhood[n] = struct{}{}
			}
			degree := 0
			for j := 0; j < f; j++ {
				if _, ok := neighborhood[ids[j]]; ok {
					adjacency[(seed*f+i)*f+j] = 1
					degree++
				}
			}
			degrees[seed*f+i] = degree
			if degree > maxDegree {
				maxDegree = degree
			}
		}
	}
	// An all-isolated batch still needs one (zero-amplitude) slot so the
	// tensors keep a valid shape.
	d := max(maxDegree, 1)

	amps := make([]float32, b*f*d*f)
	for seed := 0; seed < b; seed++ {
		for j := 0; j < f; j++ {
			degree := degrees[seed*f+j]
			if degree == 0 {
				continue
			}
			amp := float32(1 / math.Sqrt(float64(degree)))
			for s := 0; s < degree; s++ {
				amps[((seed*f+j)*d+s)*f+j] = amp
			}
		}
	}

	swap := make([]int32, b*f*d)
	for seed := 0; seed < b; seed++ {
		slotsUsed := make([]int32, f)
		for j := 0; j < f; j++ {
			row := adjacency[(seed*f+j)*f : (seed*f+j+1)*f]
			var neighbors []int32
			for col, v := range row {
				if v != 0 {
					neighbors = append(neighbors, int32(col))
				}
			}
			for n := 0; n < d; n++ {
				p := seed*f*d + j*d + n
				if n < len(neighbors) {
					tgt := neighbors[n]
					swap[p] = tgt*int32(d) + slotsUsed[tgt]
					slotsUsed[tgt]++
				} else {
					// No amplitude to route: keep the slot's own mass.
					swap[p] = int32(j*d + n)
				}
			}
		}
	}

	return &Plan{
		BatchSize:   b,
		FanOut:      f,
		MaxDegree:   d,
		Adjacency:   tensors.FromFlatDataAndDimensions(adjacency, b, f, f),
		InitAmps:    tensors.FromFlatDataAndDimensions(amps, b, f, d, f),
		SwapIndices: tensors.FromFlatDataAndDimensions(swap, b, f*d),
	}
}

// Engine applies the walk in the computation graph. It is stateless except
// for configuration; the learned coin operators live in the model's context,
// keyed by local degree and time step.
type Engine struct {
	timeSteps int
}

// New creates an engine with DefaultTimeSteps.
func New() *Engine {
	return &Engine{timeSteps: DefaultTimeSteps}
}

// WithTimeSteps sets the number of coin+swap applications.
// It returns the updated engine, for chaining.
func (e *Engine) WithTimeSteps(n int) *Engine {
	if n < 0 {
		Panicf("qwalk.Engine: timeSteps=%d must be >= 0", n)
	}
	e.timeSteps = n
	return e
}

// TimeSteps returns the configured number of walk steps.
func (e *Engine) TimeSteps() int { return e.timeSteps }

// Walk runs the quantum walk and returns the reweighted neighbor features,
// with the same shape as neighbors.
//
// amps and swapIndices are the graph inputs fed from a Plan's InitAmps and
// SwapIndices; neighbors is the prepared feature tensor of the walked id
// group, shaped [B*F, featureDim].
//
// Coin variables are created lazily, one [d, d] matrix per (local degree,
// time step) pair, under scope "coins/d<degree>", Grover-diffusion
// initialized. Distinct degrees seen across depths (or batches) get their own
// coin sets, selected by matching size.
func (e *Engine) Walk(ctx *context.Context, amps, swapIndices, neighbors *Node) *Node {
	g := neighbors.Graph()
	if amps.Rank() != 4 {
		Panicf("qwalk.Walk: amps must be rank-4 [B, F, D, F], got %s", amps.Shape())
	}
	b := amps.Shape().Dimensions[0]
	f := amps.Shape().Dimensions[1]
	d := amps.Shape().Dimensions[2]
	if amps.Shape().Dimensions[3] != f {
		Panicf("qwalk.Walk: amps must be shaped [B, F, D, F], got %s", amps.Shape())
	}
	swapIndices.AssertDims(b, f*d)
	if neighbors.Rank() != 2 || neighbors.Shape().Dimensions[0] != b*f {
		Panicf("qwalk.Walk: neighbors must be shaped [B*F=%d, featureDim], got %s", b*f, neighbors.Shape())
	}
	featureDim := neighbors.Shape().Dimensions[1]

	// Flattened batch offsets turn the per-seed swap routing into one gather
	// over all seeds at once.
	offsets := MulScalar(Iota(g, shapes.Make(dtypes.Int32, b, 1), 0), float64(f*d))
	flatIndices := Reshape(Add(swapIndices, offsets), b*f*d, 1)

	for t := 0; t < e.timeSteps; t++ {
		coin := e.coin(ctx, g, d, t)
		// Coin operator mixes amplitude mass among each node's slots.
		amps = Einsum("bfet,ed->bfdt", amps, coin)
		// Swap operator routes mass along the local subgraph's edges. A
		// gather keeps the gradient flowing through the amplitude values.
		amps = Reshape(Gather(Reshape(amps, b*f*d, f), flatIndices), b, f, d, f)
	}

	// Squared magnitudes, summed over slots, give a [B, F, F] position-to-node
	// mixing applied to the neighbor features.
	dist := ReduceSum(Square(amps), 2)
	mixed := Einsum("bft,bfi->bti", dist, Reshape(neighbors, b, f, featureDim))
	return Reshape(mixed, b*f, featureDim)
}

// coin returns the learned coin operator for the given degree and time step,
// creating it Grover-initialized on the first sight of this degree.
func (e *Engine) coin(ctx *context.Context, g *Graph, degree, step int) *Node {
	ctxCoins := ctx.In("coins").In(fmt.Sprintf("d%d", degree)).Checked(false)
	v := ctxCoins.VariableWithValue(fmt.Sprintf("t%d", step), groverCoin(degree))
	return v.ValueGraph(g)
}

// groverCoin builds the Grover-diffusion matrix 2/n off the diagonal and
// 2/n - 1 on it, the standard initial coin of a quantum walk.
func groverCoin(n int) *tensors.Tensor {
	coin := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				coin.Set(i, j, 2/float64(n)-1)
			} else {
				coin.Set(i, j, 2/float64(n))
			}
		}
	}
	flat := make([]float32, n*n)
	for i, v := range coin.RawMatrix().Data {
		flat[i] = float32(v)
	}
	return tensors.FromFlatDataAndDimensions(flat, n, n)
}
