package graphsage

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/lstm"
)

// aggregator combines a group's own features with its sampled neighbors'
// features into one output vector per node. All strategies share one shape
// contract: self is [B, inputDim], neighbors is [B*k, inputDim] with k
// implicit in the ratio of the leading dimensions, and the output is
// [B, OutputDim()].
type aggregator struct {
	kind      AggregatorKind
	inputDim  int
	outputDim int // Raw width, before the combine function.
	combine   CombineKind

	poolHiddenDim      int
	lstmHiddenDim      int
	bidirectional      bool
	attentionHiddenDim int

	activation activations.Type
}

func newAggregator(cfg *Config, inputDim int, spec LayerSpec) *aggregator {
	if cfg.Aggregator == AggregatorLSTM && cfg.Bidirectional && cfg.LSTMHiddenDim%2 != 0 {
		Panicf("graphsage: bidirectional lstm aggregator requires an even LSTMHiddenDim, got %d", cfg.LSTMHiddenDim)
	}
	return &aggregator{
		kind:               cfg.Aggregator,
		inputDim:           inputDim,
		outputDim:          spec.OutputDim,
		combine:            cfg.Combine,
		poolHiddenDim:      cfg.PoolHiddenDim,
		lstmHiddenDim:      cfg.LSTMHiddenDim,
		bidirectional:      cfg.Bidirectional,
		attentionHiddenDim: cfg.AttentionHiddenDim,
		activation:         spec.Activation,
	}
}

// OutputDim is the realized output width: the combine function applied to the
// raw configured width. The next layer's input width derives from this, not
// from the raw width.
func (a *aggregator) OutputDim() int {
	return a.combine.OutputDim(a.outputDim)
}

// Apply aggregates one (self, neighbors) pair. The same ctx scope is applied
// to every pair of a round, so the caller hands it Checked(false).
func (a *aggregator) Apply(ctx *context.Context, self, neighbors *Node) *Node {
	b := self.Shape().Dimensions[0]
	if neighbors.Shape().Dimensions[0]%b != 0 {
		Panicf("graphsage: %d neighbor rows do not divide into %d nodes", neighbors.Shape().Dimensions[0], b)
	}
	k := neighbors.Shape().Dimensions[0] / b
	in := neighbors.Shape().Dimensions[1]

	var reduced *Node // [b, reducedDim]
	switch a.kind {
	case AggregatorMean:
		reduced = ReduceMean(Reshape(neighbors, b, k, in), 1)
	case AggregatorMaxPool, AggregatorMeanPool:
		hidden := layers.DenseWithBias(ctx.In("pool"), neighbors, a.poolHiddenDim)
		hidden = activations.Apply(activations.TypeRelu, hidden)
		grouped := Reshape(hidden, b, k, a.poolHiddenDim)
		if a.kind == AggregatorMaxPool {
			reduced = ReduceMax(grouped, 1)
		} else {
			reduced = ReduceMean(grouped, 1)
		}
	case AggregatorLSTM:
		reduced = a.recurrentReduce(ctx, Reshape(neighbors, b, k, in))
	case AggregatorAttention:
		reduced = a.attentionReduce(ctx, self, neighbors, b, k, in)
	default:
		Panicf("graphsage: invalid aggregator kind %d", a.kind)
	}

	selfOut := layers.Dense(ctx.In("self"), self, false, a.outputDim)
	neighborOut := layers.Dense(ctx.In("neighbors"), reduced, false, a.outputDim)

	var out *Node
	switch a.combine {
	case CombineConcat:
		out = Concatenate([]*Node{selfOut, neighborOut}, -1)
	case CombineSum:
		out = Add(selfOut, neighborOut)
	default:
		Panicf("graphsage: invalid combine kind %d", a.combine)
	}
	return activations.Apply(a.activation, out)
}

// recurrentReduce runs the neighbor sequence [b, k, in] through the recurrent
// unit and returns the final time step's state, [b, lstmHiddenDim]. Neighbor
// order affects the result; tests must fix the sampling order.
func (a *aggregator) recurrentReduce(ctx *context.Context, sequence *Node) *Node {
	b := sequence.Shape().Dimensions[0]
	k := sequence.Shape().Dimensions[1]
	numDirections := 1
	direction := lstm.DirForward
	if a.bidirectional {
		numDirections = 2
		direction = lstm.DirBidirectional
	}
	hidden := a.lstmHiddenDim / numDirections
	allStates, _, _ := lstm.New(ctx.In("lstm"), sequence, hidden).Direction(direction).Done()
	// allStates is [k, numDirections, b, hidden]; keep the last sequence
	// position of every direction, concatenated per node.
	last := Reshape(Slice(allStates, AxisElem(k-1)), numDirections, b, hidden)
	last = TransposeAllDims(last, 1, 0, 2)
	return Reshape(last, b, a.lstmHiddenDim)
}

// attentionReduce scores every neighbor against its own seed through a shared
// two-layer tanh transform and reduces the neighbors by the softmax-weighted
// sum. The softmax runs over each node's k neighbor slots independently.
func (a *aggregator) attentionReduce(ctx *context.Context, self, neighbors *Node, b, k, in int) *Node {
	score := func(x *Node) *Node {
		x = layers.Dense(ctx.In("attention_0"), x, false, a.attentionHiddenDim)
		x = activations.Apply(activations.TypeTanh, x)
		return layers.Dense(ctx.In("attention_1"), x, false, a.attentionHiddenDim)
	}
	neighborScores := Reshape(score(neighbors), b, k, a.attentionHiddenDim)
	selfScores := score(self)
	weights := Softmax(Einsum("bkh,bh->bk", neighborScores, selfScores), -1)
	return Einsum("bk,bki->bi", weights, Reshape(neighbors, b, k, in))
}
