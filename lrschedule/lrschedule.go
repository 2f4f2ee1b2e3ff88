// Package lrschedule provides learning-rate schedules as pure functions from
// training progress to a rate.
//
// The training loop computes its progress fraction p in [0, 1] (e.g. steps
// taken / total steps) and calls Model.SetProgress(p), which evaluates the
// schedule and pushes the resulting rate into the optimizer. This is the sole
// learning-rate decay mechanism: the schedules hold no state and know nothing
// about steps or epochs.
package lrschedule

import (
	"math"

	. "github.com/gomlx/exceptions"
)

// Schedule maps a training progress fraction in [0, 1] to a learning rate.
type Schedule func(progress float64) float64

// Constant keeps the initial learning rate for the whole training.
func Constant(lrInit float64) Schedule {
	return func(progress float64) float64 {
		return lrInit
	}
}

// Linear decays the learning rate linearly from lrInit to 0 at progress 1.
func Linear(lrInit float64) Schedule {
	return func(progress float64) float64 {
		return lrInit * (1 - progress)
	}
}

// Step multiplies the learning rate by gamma each time progress crosses one of
// the given milestones (fractions in (0, 1), in increasing order).
func Step(lrInit, gamma float64, milestones ...float64) Schedule {
	for i, m := range milestones {
		if m <= 0 || m >= 1 {
			Panicf("lrschedule.Step: milestone #%d is %g, must be in (0, 1)", i, m)
		}
		if i > 0 && m <= milestones[i-1] {
			Panicf("lrschedule.Step: milestones must be increasing, got %g after %g", m, milestones[i-1])
		}
	}
	return func(progress float64) float64 {
		rate := lrInit
		for _, m := range milestones {
			if progress >= m {
				rate *= gamma
			}
		}
		return rate
	}
}

// Cosine anneals the learning rate from lrInit to lrFinal following a half
// cosine over the whole training.
func Cosine(lrInit, lrFinal float64) Schedule {
	return func(progress float64) float64 {
		progress = math.Min(math.Max(progress, 0), 1)
		return lrFinal + (lrInit-lrFinal)*(1+math.Cos(math.Pi*progress))/2
	}
}

// FromName builds a schedule by name: "constant", "linear", "cosine" or
// "step" (gamma 0.1, milestones at 1/2 and 3/4). It panics on unknown names,
// so misconfiguration fails at construction and not mid-training.
func FromName(name string, lrInit float64) Schedule {
	switch name {
	case "constant":
		return Constant(lrInit)
	case "linear":
		return Linear(lrInit)
	case "cosine":
		return Cosine(lrInit, 0)
	case "step":
		return Step(lrInit, 0.1, 0.5, 0.75)
	default:
		Panicf("lrschedule.FromName: unknown schedule %q, valid values are constant, linear, cosine and step", name)
		panic(nil) // Quiet linter.
	}
}
