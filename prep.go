package graphsage

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
)

// preparer maps an id group (+ optional raw features) at a given layer depth
// to the feature tensor the aggregators consume. One preparer serves all
// depths, so the caller hands it a Checked(false) context scope: the same
// kernels are deliberately applied to every depth.
type preparer struct {
	kind     PrepKind
	numNodes int
	inputDim int

	embedDim  int // PrepEmbedding.
	linearDim int // PrepLinear.
}

func newPreparer(cfg *Config) *preparer {
	return &preparer{
		kind:      cfg.Prep,
		numNodes:  cfg.NumNodes,
		inputDim:  cfg.InputDim,
		embedDim:  cfg.EmbedDim,
		linearDim: cfg.LinearDim,
	}
}

// OutputDim of the prepared features, the input width of the first
// aggregation layer.
func (p *preparer) OutputDim() int {
	switch p.kind {
	case PrepIdentity:
		return p.inputDim
	case PrepEmbedding:
		if p.inputDim > 0 {
			return p.inputDim + p.embedDim
		}
		return p.embedDim
	case PrepLinear:
		return p.linearDim
	default:
		Panicf("graphsage: invalid preparer kind %d", p.kind)
		panic(nil) // Quiet linter.
	}
}

// Apply builds the prepared features for one id group. ids is Int32[n], raw
// is Float32[n, inputDim] or nil when the model has no raw features.
func (p *preparer) Apply(ctx *context.Context, ids, raw *Node, depth int) *Node {
	switch p.kind {
	case PrepIdentity:
		return raw
	case PrepEmbedding:
		indices := ids
		if depth == 0 {
			// Embedding a seed's own id would leak its identity straight into
			// its prediction, so the root layer embeds the padding id instead.
			indices = AddScalar(ZerosLike(ids), float64(p.numNodes))
		}
		embedded := layers.Embedding(ctx.In("embeddings"), indices, dtypes.Float32, p.numNodes+1, p.embedDim, false)
		// Learned affine transform, for changing scale and location.
		embedded = layers.DenseWithBias(ctx.In("embeddings_transform"), embedded, p.embedDim)
		if raw == nil {
			return embedded
		}
		return Concatenate([]*Node{raw, embedded}, -1)
	case PrepLinear:
		return layers.Dense(ctx.In("projection"), raw, false, p.linearDim)
	default:
		Panicf("graphsage: invalid preparer kind %d", p.kind)
		panic(nil) // Quiet linter.
	}
}
