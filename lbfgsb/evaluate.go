// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "fmt"

// FunctionWithGradient is the pair of evaluators driving a minimization:
// a function f: Rⁿ → R and its gradient f': Rⁿ → Rⁿ. The optimizer calls
// them synchronously, never concurrently, and never retains the slices it
// passes in. A non-nil error aborts the run immediately with a Failure
// status carrying the error text verbatim.
type FunctionWithGradient interface {
	// EvaluateFunction returns the value of the function at point.
	EvaluateFunction(point []float64) (float64, error)
	// EvaluateGradient writes the gradient at point into grad, which is
	// allocated by the optimizer with the same length as point.
	EvaluateGradient(point, grad []float64) error
}

// GeneralObjectiveFunction combines plain Go functions into a
// FunctionWithGradient. Either error-returning or plain variants may be
// set, but Function/Fn and Gradient/Grad must not both be nil.
type GeneralObjectiveFunction struct {
	Function func(point []float64) (float64, error)
	Gradient func(point, grad []float64) error

	// Infallible variants, for objectives that cannot fail.
	Fn   func(point []float64) float64
	Grad func(point, grad []float64)
}

func (o GeneralObjectiveFunction) EvaluateFunction(point []float64) (float64, error) {
	if o.Function != nil {
		return o.Function(point)
	}
	return o.Fn(point), nil
}

func (o GeneralObjectiveFunction) EvaluateGradient(point, grad []float64) error {
	if o.Gradient != nil {
		return o.Gradient(point, grad)
	}
	o.Grad(point, grad)
	return nil
}

// IterationLogger receives a snapshot after each completed iteration,
// subject to the Problem.LogEvery gate. The snapshot and its slices are
// only valid for the duration of the call.
type IterationLogger func(info *IterationInfo)

// IterationInfo describes one completed iteration.
type IterationInfo struct {
	Iteration   int
	FEvals      int // objective evaluations this iteration
	GEvals      int // gradient evaluations this iteration
	FEvalsTotal int
	GEvalsTotal int
	StepLength  float64
	X           []float64
	F           float64
	G           []float64
	FDelta      float64 // objective decrease this iteration
	FDeltaBound float64 // decrease below which the run converges
	GNorm       float64 // projected gradient infinity norm
	GNormBound  float64 // norm below which the run converges
}

// Header describes the columns of String.
func (ii *IterationInfo) Header() string {
	return "iter, f(x), step, df(x) <1?, ||f'(x)|| <1?, #f(), #g()"
}

// String formats the iteration as a table row; the <1? columns show each
// convergence ratio and whether it already satisfies its bound.
func (ii *IterationInfo) String() string {
	return fmt.Sprintf("%d %g %g %g %s %g %s %d %d",
		ii.Iteration, ii.F, ii.StepLength,
		ii.FDelta, ratioColumn(ii.FDelta, ii.FDeltaBound),
		ii.GNorm, ratioColumn(ii.GNorm, ii.GNormBound),
		ii.FEvalsTotal, ii.GEvalsTotal)
}

// ratioColumn renders val/bound and whether it clears the bound. A zero
// bound means the corresponding convergence test is off.
func ratioColumn(val, bound float64) string {
	if bound <= zero {
		return "-"
	}
	mark := "F"
	if val/bound < one {
		mark = "T"
	}
	return fmt.Sprintf("%.2g%s", val/bound, mark)
}
