// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lbfgsb minimizes smooth nonlinear functions of many variables
// subject to per-variable box constraints, using the limited-memory BFGS
// algorithm with bound projection (L-BFGS-B). The objective and its
// gradient are supplied by the caller as callbacks; the optimizer runs one
// sequential trajectory per workspace and reports per-iteration diagnostics
// through an optional logging callback.
package lbfgsb

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Status messages are bounded, mirroring the fixed report buffer of the
// reference implementation.
const messageLimit = 250

const defaultMaxIterations = 15000

// BoundType encodes which sides of a variable are constrained. The values
// follow the classic bounds-control convention.
type BoundType int32

const (
	NoBound    BoundType = 0 // unconstrained variable
	LowerBound BoundType = 1 // lower bound only
	BothBounds BoundType = 2 // lower and upper bound
	UpperBound BoundType = 3 // upper bound only
)

// Bound constrains one variable. Lower and Upper are only meaningful where
// Typ requires them; for BothBounds, Lower == Upper pins the variable for
// the whole run. Bounds are fixed at validation time and never mutated.
type Bound struct {
	Typ          BoundType
	Lower, Upper float64
}

func (b Bound) hasLower() bool { return b.Typ == LowerBound || b.Typ == BothBounds }
func (b Bound) hasUpper() bool { return b.Typ == BothBounds || b.Typ == UpperBound }

// NewBounds assembles a bounds table from a control-code array and the
// bound values, all of length dim. Entries of lower/upper not selected by
// the control code are ignored.
func NewBounds(control []BoundType, lower, upper []float64) ([]Bound, error) {
	if len(lower) != len(control) || len(upper) != len(control) {
		return nil, &Status{UsageError, fmt.Sprintf(
			"bounds size disagreement: control %d, lower %d, upper %d",
			len(control), len(lower), len(upper))}
	}
	bounds := make([]Bound, len(control))
	for i, c := range control {
		if c < NoBound || c > UpperBound {
			return nil, &Status{UsageError, fmt.Sprintf(
				"bad bounds control code %d at %d, expected 0..3", c, i)}
		}
		bounds[i] = Bound{Typ: c, Lower: lower[i], Upper: upper[i]}
	}
	return bounds, nil
}

// BoundsFromLimits derives a bounds table from raw limit arrays where NaN or
// the matching infinity marks an absent bound. Either slice may be nil.
func BoundsFromLimits(lower, upper []float64) []Bound {
	n := max(len(lower), len(upper))
	bounds := make([]Bound, n)
	for i := range bounds {
		var b Bound
		if i < len(lower) && !math.IsNaN(lower[i]) && !math.IsInf(lower[i], -1) {
			b.Typ, b.Lower = LowerBound, lower[i]
		}
		if i < len(upper) && !math.IsNaN(upper[i]) && !math.IsInf(upper[i], 1) {
			b.Upper = upper[i]
			if b.Typ == LowerBound {
				b.Typ = BothBounds
			} else {
				b.Typ = UpperBound
			}
		}
		bounds[i] = b
	}
	return bounds
}

// Stop bundles the termination criteria. Any satisfied criterion stops the
// run; zero values disable the optional ones.
type Stop struct {
	// MaxIterations caps the iteration count; 0 selects a large default.
	MaxIterations int
	// MaxEvaluations caps the combined objective and gradient
	// evaluation count; 0 means unlimited.
	MaxEvaluations int
	// MaxTime caps the wall-clock time of the run, checked before each
	// evaluation; 0 means unlimited.
	MaxTime time.Duration
	// FTolerance stops the run once the relative objective decrease
	//	(fₖ₋₁ - fₖ) / max(|fₖ₋₁|, |fₖ|, 1)
	// falls to this value or below.
	FTolerance float64
	// GTolerance stops the run once the infinity norm of the projected
	// gradient falls to this value or below.
	GTolerance float64
	// DescentThreshold stops the run once the search direction norm
	// falls below DescentThreshold·(1+|f|); 0 disables the test.
	DescentThreshold float64
}

// StatusCode classifies the outcome of a run. Success in optimization is
// not binary, so a plain error cannot carry the result.
type StatusCode uint8

const (
	// Success is normal termination at a converged point.
	Success StatusCode = iota
	// Approximate is normal termination with a looser answer, for
	// example convergence reached through a struggling line search.
	Approximate
	// Warning means the result is usable but the run stopped short of
	// convergence, for example on an iteration or time ceiling.
	Warning
	// Failure means the algorithm could not proceed: repeated line
	// search breakdown or an evaluation error reported by a callback.
	Failure
	// UsageError marks malformed input, caught before iterating.
	UsageError
	// InternalError marks a violated invariant of the optimizer itself.
	InternalError
)

func (c StatusCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case Approximate:
		return "APPROXIMATE"
	case Warning:
		return "WARNING"
	case Failure:
		return "FAILURE"
	case UsageError:
		return "USAGE_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is the terminal classification of a run plus a human-readable
// message of bounded length.
type Status struct {
	Code    StatusCode
	Message string
}

func (s Status) String() string {
	return fmt.Sprintf("Exit status: %v; Message: %v;", s.Code, s.Message)
}

// Error lets a Status be handled as an error value.
func (s Status) Error() string { return s.String() }

// AsError returns nil for Success and the status itself otherwise.
func (s Status) AsError() error {
	if s.Code != Success {
		return &s
	}
	return nil
}

// Problem specifies a bound-constrained minimization.
type Problem struct {
	// Dim is the number of variables.
	Dim int
	// Memory is the number of correction pairs retained for the Hessian
	// approximation; 0 degrades to projected gradient steps.
	Memory int
	// Objective supplies function and gradient values.
	Objective FunctionWithGradient
	// Bounds is the per-variable box, or nil for an unconstrained run.
	Bounds []Bound
	// Stop bundles the termination criteria.
	Stop Stop
	// Search configures the line search; the zero value is the default.
	Search SearchControl
	// Logger, when set, receives a snapshot of every LogEvery-th
	// completed iteration and of the final one. LogEvery <= 0 disables
	// logging even with a Logger installed.
	Logger   IterationLogger
	LogEvery int
	// Trace, when set, receives the algorithm's debug trace.
	Trace logrus.FieldLogger
}

// Minimizer is a validated Problem. One Minimizer may serve concurrent runs
// as long as every goroutine brings its own Workspace.
type Minimizer struct {
	spec runSpec
}

// Workspace holds all mutable state of one run, reusable across sequential
// runs. For dimension n and memory m it allocates roughly
// 2mn + 11m² + 5n + 8m floats.
type Workspace struct {
	n, m int
	runState
}

// Result is the outcome of one run. X, F and G describe the best point
// found, which is populated even when Status reports a failure.
type Result struct {
	X      []float64
	F      float64
	G      []float64
	Status Status
	// Iters counts completed iterations; FEvals and GEvals count every
	// objective and gradient invocation, including rejected line search
	// trials.
	Iters  int
	FEvals int
	GEvals int
}

func usageError(format string, args ...any) error {
	return &Status{UsageError, fmt.Sprintf(format, args...)}
}

// New validates the problem. A non-nil error is always a *Status with code
// UsageError.
func (p *Problem) New() (*Minimizer, error) {
	n, m := p.Dim, p.Memory
	stop := p.Stop

	switch {
	case n <= 0:
		return nil, usageError("problem dimension must be positive, got %d", n)
	case m < 0:
		return nil, usageError("memory size must not be negative, got %d", m)
	case p.Objective == nil:
		return nil, usageError("objective evaluator is required")
	case stop.MaxIterations < 0:
		return nil, usageError("max iterations must not be negative, got %d", stop.MaxIterations)
	case math.IsNaN(stop.FTolerance) || stop.FTolerance < zero:
		return nil, usageError("function tolerance must be a non-negative number, got %v", stop.FTolerance)
	case math.IsNaN(stop.GTolerance) || stop.GTolerance < zero:
		return nil, usageError("gradient tolerance must be a non-negative number, got %v", stop.GTolerance)
	case math.IsNaN(stop.DescentThreshold) || stop.DescentThreshold < zero:
		return nil, usageError("descent threshold must be a non-negative number, got %v", stop.DescentThreshold)
	case p.Search.DecreaseTol < 0 || p.Search.CurvatureTol < 0 ||
		p.Search.StepTol < 0 || p.Search.MaxTrials < 0 || p.Search.SlowTrials < 0:
		return nil, usageError("line search tolerances must not be negative")
	}

	bounds := p.Bounds
	if bounds == nil {
		bounds = make([]Bound, n)
	} else if len(bounds) != n {
		return nil, usageError("bounds size %d does not match dimension %d", len(bounds), n)
	}

	for i, b := range bounds {
		if b.Typ < NoBound || b.Typ > UpperBound {
			return nil, usageError("bad bounds control code %d at %d, expected 0..3", b.Typ, i)
		}
		if b.hasLower() && (math.IsNaN(b.Lower) || math.IsInf(b.Lower, 0)) {
			return nil, usageError("lower bound at %d must be finite, got %v", i, b.Lower)
		}
		if b.hasUpper() && (math.IsNaN(b.Upper) || math.IsInf(b.Upper, 0)) {
			return nil, usageError("upper bound at %d must be finite, got %v", i, b.Upper)
		}
		if b.Typ == BothBounds && b.Lower > b.Upper {
			return nil, usageError("bound range at %d has no feasible point: [%v, %v]", i, b.Lower, b.Upper)
		}
	}

	if stop.MaxIterations == 0 {
		stop.MaxIterations = defaultMaxIterations
	}
	if stop.MaxEvaluations <= 0 {
		stop.MaxEvaluations = math.MaxInt
	}

	return &Minimizer{spec: runSpec{
		dim: n, mem: m,
		eps:      math.Nextafter(1, 2) - 1,
		obj:      p.Objective,
		bounds:   bounds,
		stop:     stop,
		search:   p.Search.withDefaults(),
		logger:   p.Logger,
		logEvery: p.LogEvery,
		trace:    traceLog{log: p.Trace},
	}}, nil
}

// NewWorkspace allocates the state for one run. Concurrent runs must not
// share a workspace; sequential runs may reuse one.
func (m *Minimizer) NewWorkspace() *Workspace {
	w := &Workspace{n: m.spec.dim, m: m.spec.mem}
	w.init(w.n, w.m)
	return w
}

// Minimize runs one trajectory from x0 with a throwaway workspace.
func (m *Minimizer) Minimize(x0 []float64) *Result {
	return m.MinimizeWithWorkspace(x0, m.NewWorkspace())
}

// MinimizeWithWorkspace runs one trajectory from x0 reusing w. x0 is not
// modified; the result owns fresh X and G slices.
func (m *Minimizer) MinimizeWithWorkspace(x0 []float64, w *Workspace) *Result {
	if len(x0) != m.spec.dim {
		return &Result{Status: Status{UsageError, fmt.Sprintf(
			"initial point size %d does not match dimension %d", len(x0), m.spec.dim)}}
	}
	if w.n != m.spec.dim || w.m != m.spec.mem {
		return &Result{Status: Status{UsageError, fmt.Sprintf(
			"workspace sized for n=%d m=%d, problem has n=%d m=%d",
			w.n, w.m, m.spec.dim, m.spec.mem)}}
	}

	pt := point{
		x: append([]float64(nil), x0...),
		g: make([]float64, len(x0)),
	}

	d := driver{spec: &m.spec, st: &w.runState, pt: &pt}
	return d.run()
}

func clipMessage(msg string) string {
	if len(msg) > messageLimit {
		return msg[:messageLimit]
	}
	return msg
}
