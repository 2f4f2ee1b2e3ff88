package graphsage

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
)

// GradientClipNorm is the fixed global-gradient-norm threshold applied before
// every optimizer step.
const GradientClipNorm = 5.0

const clippedAdamScope = "ClippedAdamOptimizer"

// clippedAdam is Adam with the gradients rescaled to a maximum global L2 norm
// before the moment updates. The learning rate lives in the usual
// "optimizers"-scoped variable so SetProgress can push schedule values into
// it between steps.
type clippedAdam struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
	clipNorm     float64
}

var _ optimizers.Interface = (*clippedAdam)(nil)

func newClippedAdam(cfg *Config) *clippedAdam {
	return &clippedAdam{
		learningRate: cfg.Schedule(0),
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
		weightDecay:  cfg.WeightDecay,
		clipNorm:     GradientClipNorm,
	}
}

// UpdateGraph builds the gradient, clipping and weight-update operations for
// one training step. It implements optimizers.Interface.
func (o *clippedAdam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss, got loss.shape=%s", loss.Shape())
	}
	dtype := loss.DType()

	lrVar := optimizers.LearningRateVar(ctx, dtype, o.learningRate)
	learningRate := lrVar.ValueGraph(g)

	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	adamStep := optimizers.IncrementGlobalStepGraph(ctx.In(clippedAdamScope), g, dtype)
	beta1 := Const(g, shapes.CastAsDType(o.beta1, dtype))
	debiasBeta1 := Inverse(OneMinus(Pow(beta1, adamStep)))
	beta2 := Const(g, shapes.CastAsDType(o.beta2, dtype))
	debiasBeta2 := Inverse(OneMinus(Pow(beta2, adamStep)))
	epsilon := Const(g, shapes.CastAsDType(o.epsilon, dtype))

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("optimizer found no trainable variables")
	}
	grads = clipByGlobalNorm(g, grads, o.clipNorm)

	numTrainable := len(grads)
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			if varIdx < numTrainable {
				o.applyStep(ctx, g, v, grads[varIdx], learningRate, beta1, debiasBeta1, beta2, debiasBeta2, epsilon)
			}
			varIdx++
		}
	})
	if varIdx != numTrainable {
		Panicf("BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but the optimizer "+
			"sees %d -- were new variables created in between?", numTrainable, varIdx)
	}
}

// clipByGlobalNorm rescales all gradients by min(1, clipNorm/globalNorm),
// where globalNorm is the L2 norm over every gradient element of the step.
func clipByGlobalNorm(g *Graph, grads []*Node, clipNorm float64) []*Node {
	sumSquares := ReduceAllSum(Square(grads[0]))
	for _, grad := range grads[1:] {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(grad)))
	}
	globalNorm := Sqrt(sumSquares)
	scale := MinScalar(Div(Const(g, shapes.CastAsDType(clipNorm, globalNorm.DType())),
		AddScalar(globalNorm, 1e-12)), 1.0)
	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, scale)
	}
	return clipped
}

// applyStep updates one variable and its 1st and 2nd moment accumulators.
func (o *clippedAdam) applyStep(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	learningRate, beta1, debiasBeta1, beta2, debiasBeta2, epsilon *Node) {

	m1Var, m2Var := o.momentVariables(ctx, v)
	moment1, moment2 := m1Var.ValueGraph(g), m2Var.ValueGraph(g)

	moment1 = Add(Mul(beta1, moment1), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasBeta1)

	moment2 = Add(Mul(beta2, moment2), Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)
	debiasedMoment2 := Mul(moment2, debiasBeta2)

	value := v.ValueGraph(g)
	stepDirection := Div(debiasedMoment1, Add(Sqrt(debiasedMoment2), epsilon))
	if o.weightDecay > 0 {
		stepDirection = Add(stepDirection, MulScalar(value, o.weightDecay))
	}
	v.SetValueGraph(Sub(value, Mul(learningRate, stepDirection)))
}

// momentVariables returns (creating if needed, zero initialized) the moment
// accumulators of the given trainable variable, stored under the optimizer's
// scope mirroring the variable's own scope.
func (o *clippedAdam) momentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, clippedAdamScope, trainable.Scope())
	ctxMoments := ctx.InAbsPath(scopePath).WithInitializer(initializers.Zero)
	shape := trainable.Shape()
	m1 = ctxMoments.VariableWithShape(trainable.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = ctxMoments.VariableWithShape(trainable.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}

// Clear deletes the optimizer's accumulators. It implements
// optimizers.Interface.
func (o *clippedAdam) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + clippedAdamScope).DeleteVariablesInScope()
}
