// Package graphsage implements inductive representation learning on graphs in
// the GraphSAGE style: for every seed node it samples a fixed-depth,
// fixed-fanout neighborhood, aggregates neighbor features layer by layer with
// one of several aggregation strategies, and produces an embedding and class
// logits. Because it learns aggregation functions and not per-node parameters,
// a trained model generalizes to nodes never seen during training.
//
// The companion packages hold the host-side pieces: sampler (adjacency tables,
// neighbor samplers and the dataset glue), qwalk (the optional quantum-walk
// neighbor reweighting) and lrschedule (progress-driven learning-rate
// schedules). This package ties them to a gomlx computation graph: Model owns
// the context with all learned variables, builds the forward and train-step
// graphs, and executes them through cached context.NewExec calls.
package graphsage

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/losses"

	"github.com/gomlx/graphsage/lrschedule"
)

// Default hyperparameter values, from the reference hyperparameters the
// aggregators were tuned with.
const (
	DefaultEmbedDim           = 64
	DefaultLinearDim          = 32
	DefaultPoolHiddenDim      = 512
	DefaultLSTMHiddenDim      = 512
	DefaultAttentionHiddenDim = 32
	DefaultLearningRate       = 0.01
)

// AggregatorKind selects one of the neighbor aggregation strategies.
type AggregatorKind int

const (
	// AggregatorMean reduces neighbors by their arithmetic mean.
	AggregatorMean AggregatorKind = iota

	// AggregatorMaxPool passes every neighbor through a shared
	// linear+ReLU perceptron and reduces by elementwise max.
	AggregatorMaxPool

	// AggregatorMeanPool is AggregatorMaxPool with a mean reduction.
	AggregatorMeanPool

	// AggregatorLSTM feeds the neighbor sequence through a recurrent unit and
	// takes the final time step. Neighbor order affects the output.
	AggregatorLSTM

	// AggregatorAttention scores every neighbor against its seed with a
	// shared two-layer tanh transform and reduces by the softmax-weighted sum.
	AggregatorAttention
)

var aggregatorNames = map[string]AggregatorKind{
	"mean":      AggregatorMean,
	"max_pool":  AggregatorMaxPool,
	"mean_pool": AggregatorMeanPool,
	"lstm":      AggregatorLSTM,
	"attention": AggregatorAttention,
}

// String implements fmt.Stringer.
func (k AggregatorKind) String() string {
	for name, kind := range aggregatorNames {
		if kind == k {
			return name
		}
	}
	return "invalid"
}

// AggregatorByName converts an aggregator name ("mean", "max_pool",
// "mean_pool", "lstm", "attention") to its kind. Unknown names panic.
func AggregatorByName(name string) AggregatorKind {
	kind, ok := aggregatorNames[name]
	if !ok {
		Panicf("graphsage: unknown aggregator %q, valid values are mean, max_pool, mean_pool, lstm and attention", name)
	}
	return kind
}

// PrepKind selects the feature preparation strategy applied to every id group
// before aggregation.
type PrepKind int

const (
	// PrepIdentity passes raw features through unchanged.
	PrepIdentity PrepKind = iota

	// PrepEmbedding concatenates a learned per-node embedding (passed through
	// a learned affine transform) to the raw features, or stands in for them
	// entirely when there are none. At depth 0 the seed's own embedding is
	// masked by the padding id so node identity never leaks into its own
	// prediction.
	PrepEmbedding

	// PrepLinear projects raw features through a learned bias-free linear map.
	PrepLinear
)

var prepNames = map[string]PrepKind{
	"identity":       PrepIdentity,
	"node_embedding": PrepEmbedding,
	"linear":         PrepLinear,
}

// String implements fmt.Stringer.
func (k PrepKind) String() string {
	for name, kind := range prepNames {
		if kind == k {
			return name
		}
	}
	return "invalid"
}

// PrepByName converts a preparer name ("identity", "node_embedding",
// "linear") to its kind. Unknown names panic.
func PrepByName(name string) PrepKind {
	kind, ok := prepNames[name]
	if !ok {
		Panicf("graphsage: unknown preparer %q, valid values are identity, node_embedding and linear", name)
	}
	return kind
}

// CombineKind selects how an aggregator merges the self and neighbor
// transforms into one vector. The realized output width of an aggregator is a
// property of the combine function, not only of the configured width.
type CombineKind int

const (
	// CombineConcat concatenates along the feature axis, doubling the width.
	CombineConcat CombineKind = iota

	// CombineSum adds elementwise, preserving the width.
	CombineSum
)

// OutputDim returns the combined width for a raw (per-branch) width.
func (c CombineKind) OutputDim(raw int) int {
	switch c {
	case CombineConcat:
		return 2 * raw
	case CombineSum:
		return raw
	default:
		Panicf("graphsage: invalid combine kind %d", c)
		panic(nil) // Quiet linter.
	}
}

// String implements fmt.Stringer.
func (c CombineKind) String() string {
	switch c {
	case CombineConcat:
		return "concat"
	case CombineSum:
		return "sum"
	default:
		return "invalid"
	}
}

// LayerSpec configures one sampling+aggregation layer.
type LayerSpec struct {
	// TrainSamples and EvalSamples are the fan-outs used per split.
	TrainSamples, EvalSamples int

	// OutputDim is the raw width of the layer's aggregator; the realized
	// width additionally depends on the combine function.
	OutputDim int

	// Activation applied to the aggregator output. activations.TypeNone for
	// a linear layer.
	Activation activations.Type
}

// Config assembles a Model. The zero value of the optional fields picks the
// documented defaults; required fields are validated by New, which panics on
// the first inconsistency found.
type Config struct {
	// NumNodes in the graph; node ids are [0, NumNodes) and NumNodes itself
	// is the reserved padding id.
	NumNodes int

	// InputDim is the raw feature width, 0 when there are no raw features
	// (only valid with PrepEmbedding).
	InputDim int

	// NumClasses for the classifier head.
	NumClasses int

	// Layers, ordered from the seeds outwards. At least one.
	Layers []LayerSpec

	Aggregator AggregatorKind
	Prep       PrepKind
	Combine    CombineKind

	// EmbedDim of PrepEmbedding's node embeddings. Default 64.
	EmbedDim int

	// LinearDim is PrepLinear's projected width. Default 32.
	LinearDim int

	// PoolHiddenDim is the perceptron width of the pool aggregators.
	// Default 512.
	PoolHiddenDim int

	// LSTMHiddenDim is the total recurrent state width; split across
	// directions when Bidirectional, and then it must be even. Default 512.
	LSTMHiddenDim int

	// Bidirectional runs the recurrent aggregator in both directions.
	Bidirectional bool

	// AttentionHiddenDim is the width of the attention scoring transform.
	// Default 32.
	AttentionHiddenDim int

	// QuantumWalk enables the quantum-walk neighbor reweighting stage.
	QuantumWalk bool

	// WalkSteps is the number of quantum-walk time steps.
	// Default qwalk.DefaultTimeSteps.
	WalkSteps int

	// LearningRate fed to the schedule. Default 0.01.
	LearningRate float64

	// WeightDecay of the optimizer (AdamW-style). Default 0.
	WeightDecay float64

	// Schedule maps training progress to a learning rate; driven exclusively
	// through Model.SetProgress. Default lrschedule.Constant(LearningRate).
	Schedule lrschedule.Schedule

	// Loss for TrainStep. Default losses.SparseCategoricalCrossEntropyLogits.
	Loss losses.LossFn
}

// withDefaults returns a copy of cfg with the optional fields filled in.
func (cfg *Config) withDefaults() *Config {
	c := *cfg
	if c.EmbedDim == 0 {
		c.EmbedDim = DefaultEmbedDim
	}
	if c.LinearDim == 0 {
		c.LinearDim = DefaultLinearDim
	}
	if c.PoolHiddenDim == 0 {
		c.PoolHiddenDim = DefaultPoolHiddenDim
	}
	if c.LSTMHiddenDim == 0 {
		c.LSTMHiddenDim = DefaultLSTMHiddenDim
	}
	if c.AttentionHiddenDim == 0 {
		c.AttentionHiddenDim = DefaultAttentionHiddenDim
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Schedule == nil {
		c.Schedule = lrschedule.Constant(c.LearningRate)
	}
	if c.Loss == nil {
		c.Loss = losses.SparseCategoricalCrossEntropyLogits
	}
	c.Layers = append([]LayerSpec(nil), cfg.Layers...)
	return &c
}

// validate panics on the first configuration inconsistency. cfg must already
// have its defaults filled in.
func (cfg *Config) validate() {
	if cfg.NumNodes <= 0 {
		Panicf("graphsage: NumNodes=%d must be positive", cfg.NumNodes)
	}
	if cfg.NumClasses <= 0 {
		Panicf("graphsage: NumClasses=%d must be positive", cfg.NumClasses)
	}
	if len(cfg.Layers) == 0 {
		Panicf("graphsage: at least one layer must be configured")
	}
	for i, layer := range cfg.Layers {
		if layer.TrainSamples <= 0 || layer.EvalSamples <= 0 {
			Panicf("graphsage: layer #%d fan-outs (train=%d, eval=%d) must be positive",
				i, layer.TrainSamples, layer.EvalSamples)
		}
		if layer.OutputDim <= 0 {
			Panicf("graphsage: layer #%d OutputDim=%d must be positive", i, layer.OutputDim)
		}
	}
	if _, ok := aggregatorNames[cfg.Aggregator.String()]; !ok {
		Panicf("graphsage: invalid aggregator kind %d", cfg.Aggregator)
	}
	if _, ok := prepNames[cfg.Prep.String()]; !ok {
		Panicf("graphsage: invalid preparer kind %d", cfg.Prep)
	}
	if cfg.InputDim == 0 && cfg.Prep != PrepEmbedding {
		Panicf("graphsage: %s preparer requires raw features (InputDim > 0)", cfg.Prep)
	}
	if cfg.InputDim < 0 {
		Panicf("graphsage: InputDim=%d must be >= 0", cfg.InputDim)
	}
	if cfg.Aggregator == AggregatorLSTM && cfg.Bidirectional && cfg.LSTMHiddenDim%2 != 0 {
		Panicf("graphsage: bidirectional lstm aggregator requires an even LSTMHiddenDim, got %d", cfg.LSTMHiddenDim)
	}
	if cfg.WalkSteps < 0 {
		Panicf("graphsage: WalkSteps=%d must be >= 0", cfg.WalkSteps)
	}
	if cfg.WeightDecay < 0 {
		Panicf("graphsage: WeightDecay=%g must be >= 0", cfg.WeightDecay)
	}
}
