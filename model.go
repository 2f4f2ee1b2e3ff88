package graphsage

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphsage/qwalk"
	"github.com/gomlx/graphsage/sampler"
)

// frozenScope holds the non-learnable variables uploaded at construction
// (currently only the feature matrix).
const frozenScope = "frozen"

// Model orchestrates the full pipeline for a batch of seed ids: sampler
// expansion into L+1 id groups, feature preparation per depth, the pairwise
// aggregation reduction down to one embedding per seed, L2 normalization and
// the classifier head.
//
// It owns one sampler per split (train edges only vs. all edges), the
// context with every learned variable, and the optimizer. All methods are
// blocking and single-threaded: parameters are only mutated by TrainStep and
// SetProgress, never concurrently with a forward pass.
type Model struct {
	cfg     *Config
	backend backends.Backend
	ctx     *context.Context

	trainTable, fullTable     sampler.Table
	trainSampler, evalSampler sampler.Sampler

	prep *preparer
	aggs []*aggregator
	walk *qwalk.Engine

	optimizer *clippedAdam

	forwardExec, trainStepExec *context.Exec
}

// New validates the configuration and wires the model. trainTable holds only
// edges to training nodes, fullTable all edges; both must cover cfg.NumNodes
// nodes. features must be Float32[NumNodes+1, InputDim] with a trailing zero
// row for the padding id, or nil when InputDim is 0.
//
// All configuration errors panic here, before any training starts.
func New(backend backends.Backend, cfg *Config, trainTable, fullTable sampler.Table, features *tensors.Tensor) *Model {
	cfg = cfg.withDefaults()
	cfg.validate()
	if trainTable.NumNodes() != cfg.NumNodes || fullTable.NumNodes() != cfg.NumNodes {
		Panicf("graphsage: adjacency tables cover %d/%d nodes, config says NumNodes=%d",
			trainTable.NumNodes(), fullTable.NumNodes(), cfg.NumNodes)
	}
	checkFanOuts(cfg, trainTable, true)
	checkFanOuts(cfg, fullTable, false)
	if cfg.InputDim > 0 {
		if features == nil {
			Panicf("graphsage: InputDim=%d but no feature matrix given", cfg.InputDim)
		}
		if features.Rank() != 2 || features.Shape().Dimensions[0] != cfg.NumNodes+1 ||
			features.Shape().Dimensions[1] != cfg.InputDim {
			Panicf("graphsage: features shaped %s, want [NumNodes+1=%d, InputDim=%d] "+
				"(the trailing row is the padding node's zeros)",
				features.Shape(), cfg.NumNodes+1, cfg.InputDim)
		}
	} else if features != nil {
		Panicf("graphsage: InputDim=0 but a feature matrix was given")
	}

	m := &Model{
		cfg:          cfg,
		backend:      backend,
		ctx:          context.New(),
		trainTable:   trainTable,
		fullTable:    fullTable,
		trainSampler: sampler.New(trainTable, nil),
		evalSampler:  sampler.New(fullTable, nil),
		prep:         newPreparer(cfg),
		optimizer:    newClippedAdam(cfg),
	}
	if features != nil {
		m.ctx.In(frozenScope).VariableWithValue("features", features).SetTrainable(false)
	}
	inputDim := m.prep.OutputDim()
	for _, spec := range cfg.Layers {
		agg := newAggregator(cfg, inputDim, spec)
		m.aggs = append(m.aggs, agg)
		inputDim = agg.OutputDim()
	}
	if cfg.QuantumWalk {
		m.walk = qwalk.New()
		if cfg.WalkSteps > 0 {
			m.walk.WithTimeSteps(cfg.WalkSteps)
		}
	}

	m.forwardExec = context.NewExec(backend, m.ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			return m.forwardGraph(ctx, inputs)
		})
	m.trainStepExec = context.NewExec(backend, m.ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			return m.trainStepGraph(ctx, inputs)
		})
	return m
}

// checkFanOuts panics when a dense table is narrower than a configured
// fan-out: a sparse table samples with replacement, a dense one cannot.
func checkFanOuts(cfg *Config, table sampler.Table, train bool) {
	dense, ok := table.(*sampler.DenseTable)
	if !ok {
		return
	}
	for i, layer := range cfg.Layers {
		k := layer.EvalSamples
		if train {
			k = layer.TrainSamples
		}
		if k > dense.Width() {
			Panicf("graphsage: layer #%d fan-out %d exceeds the dense table width %d", i, k, dense.Width())
		}
	}
}

// Context with all of the model's variables, e.g. for checkpointing or
// inspection.
func (m *Model) Context() *context.Context { return m.ctx }

// Config the model was built with (defaults filled in).
func (m *Model) Config() Config { return *m.cfg }

// expand runs the host-side part of a forward pass: L rounds of sampling from
// the split's table, producing the L+1 flattened id groups, plus the per-depth
// quantum-walk plans when enabled. It returns the execution arguments in the
// layout forwardGraph expects.
func (m *Model) expand(seeds []int32, train bool) []any {
	if len(seeds) == 0 {
		Panicf("graphsage: empty batch of seed ids")
	}
	smp, table := m.evalSampler, m.fullTable
	if train {
		smp, table = m.trainSampler, m.trainTable
	}
	numLayers := len(m.cfg.Layers)
	groups := make([][]int32, numLayers+1)
	groups[0] = seeds
	for i, spec := range m.cfg.Layers {
		k := spec.EvalSamples
		if train {
			k = spec.TrainSamples
		}
		groups[i+1] = smp.Sample(groups[i], k)
	}
	if klog.V(2).Enabled() {
		sizes := make([]int, len(groups))
		for i, group := range groups {
			sizes[i] = len(group)
		}
		klog.Infof("graphsage: expanded %d seeds to id groups sized %v (train=%v)", len(seeds), sizes, train)
	}

	args := make([]any, 0, numLayers+1+2*numLayers)
	for _, group := range groups {
		args = append(args, tensors.FromFlatDataAndDimensions(group, len(group)))
	}
	if m.walk != nil {
		for depth := 1; depth <= numLayers; depth++ {
			plan := qwalk.BuildPlan(table, groups[depth], len(seeds))
			args = append(args, plan.InitAmps, plan.SwapIndices)
		}
	}
	return args
}

// forwardGraph builds the model graph: gather/prepare features for every id
// group, run the aggregation reduction and classify. inputs follow expand's
// layout: L+1 id groups, then, when the walk is enabled, one (amplitudes,
// swap indices) pair per depth.
func (m *Model) forwardGraph(ctx *context.Context, inputs []*Node) *Node {
	numLayers := len(m.cfg.Layers)
	wantInputs := numLayers + 1
	if m.walk != nil {
		wantInputs += 2 * numLayers
	}
	if len(inputs) != wantInputs {
		Panicf("graphsage: forward graph got %d inputs, want %d", len(inputs), wantInputs)
	}
	groups := inputs[:numLayers+1]
	g := groups[0].Graph()
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))

	var featuresTable *Node
	if m.cfg.InputDim > 0 {
		v := m.ctx.GetVariableByScopeAndName(context.ScopeSeparator+frozenScope, "features")
		if v == nil {
			Panicf("graphsage: frozen feature matrix missing from the model context")
			panic(nil) // Quiet linter.
		}
		featuresTable = v.ValueGraph(g)
	}

	// The same prep kernels apply to every depth, and the same aggregation
	// kernels to every pair of a round, so scope re-use checking is off.
	ctxPrep := ctx.In("prep").Checked(false)
	feats := make([]*Node, numLayers+1)
	for depth, ids := range groups {
		var raw *Node
		if featuresTable != nil {
			raw = Gather(featuresTable, InsertAxes(ids, -1))
		}
		feats[depth] = m.prep.Apply(ctxPrep, ids, raw, depth)
	}

	ctxWalk := ctx.In("walk")
	ctxAgg := ctx.In("aggregation")
	for round, agg := range m.aggs {
		ctxRound := ctxAgg.In(fmt.Sprintf("layer_%d", round)).Checked(false)
		next := make([]*Node, len(feats)-1)
		for k := 0; k+1 < len(feats); k++ {
			neighbors := feats[k+1]
			if m.walk != nil {
				amps := inputs[numLayers+1+2*k]
				swapIndices := inputs[numLayers+1+2*k+1]
				neighbors = m.walk.Walk(ctxWalk, amps, swapIndices, neighbors)
			}
			next[k] = agg.Apply(ctxRound, feats[k], neighbors)
		}
		feats = next
	}
	if len(feats) != 1 {
		Panicf("graphsage: aggregation ended with %d feature groups, want exactly 1", len(feats))
	}

	embedding := L2Normalize(feats[0], -1)
	return layers.DenseWithBias(ctx.In("classifier"), embedding, m.cfg.NumClasses)
}

// trainStepGraph is forwardGraph plus loss and the optimizer update; the last
// input holds the labels. It returns the predictions, so callers can compute
// metrics without a second pass.
func (m *Model) trainStepGraph(ctx *context.Context, inputs []*Node) *Node {
	labels := inputs[len(inputs)-1]
	predictions := m.forwardGraph(ctx, inputs[:len(inputs)-1])
	loss := ReduceAllMean(m.cfg.Loss([]*Node{labels}, []*Node{predictions}))
	m.optimizer.UpdateGraph(ctx, predictions.Graph(), loss)
	return predictions
}

// Forward computes class logits, Float32[len(seeds), NumClasses], for a batch
// of seed ids. train selects the sampler and fan-outs of the split; it does
// not update any parameter.
func (m *Model) Forward(seeds []int32, train bool) *tensors.Tensor {
	return m.forwardExec.Call(m.expand(seeds, train)...)[0]
}

// TrainStep runs one training step on the batch: forward, loss, backward,
// global-gradient-norm clipping at GradientClipNorm and the optimizer update.
// It returns the batch predictions. A failure inside the step panics; no
// partial state is recovered.
func (m *Model) TrainStep(seeds, labels []int32) *tensors.Tensor {
	if len(labels) != len(seeds) {
		Panicf("graphsage: got %d labels for %d seeds", len(labels), len(seeds))
	}
	args := m.expand(seeds, true)
	args = append(args, tensors.FromFlatDataAndDimensions(labels, len(labels), 1))
	return m.trainStepExec.Call(args...)[0]
}

// SetProgress pushes the schedule's rate for training progress p in [0, 1]
// into the optimizer's learning-rate variable. This is the sole learning-rate
// decay mechanism; call it from the training loop as progress advances.
func (m *Model) SetProgress(p float64) {
	rate := m.cfg.Schedule(p)
	// Also the creation value, in case no step has created the variable yet.
	m.optimizer.learningRate = rate
	v := m.ctx.GetVariableByScopeAndName(context.ScopeSeparator+"optimizers", optimizers.ParamLearningRate)
	if v != nil {
		v.SetValue(tensors.FromValue(float32(rate)))
	}
	klog.V(1).Infof("graphsage: progress %.3f -> learning rate %g", p, rate)
}

// LearningRate returns the optimizer's current learning rate.
func (m *Model) LearningRate() float64 {
	v := m.ctx.GetVariableByScopeAndName(context.ScopeSeparator+"optimizers", optimizers.ParamLearningRate)
	if v == nil {
		return m.optimizer.learningRate
	}
	return float64(tensors.ToScalar[float32](v.Value()))
}
