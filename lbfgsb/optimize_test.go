// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sphere() GeneralObjectiveFunction {
	return GeneralObjectiveFunction{
		Fn: func(x []float64) (f float64) {
			for _, v := range x {
				f += v * v
			}
			return f
		},
		Grad: func(x, g []float64) {
			for i, v := range x {
				g[i] = 2 * v
			}
		},
	}
}

func TestMinimizeSphere(t *testing.T) {
	p := Problem{
		Dim: 3, Memory: 5,
		Objective: sphere(),
		Stop:      Stop{MaxIterations: 100, GTolerance: 1e-8},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{7, -8, 9})
	require.Equal(t, Success, r.Status.Code, r.Status.Message)
	assert.NoError(t, r.Status.AsError())
	assert.Less(t, r.F, 1e-12)
	for _, v := range r.X {
		assert.InDelta(t, 0, v, 1e-6)
	}
	assert.Positive(t, r.Iters)
	assert.Equal(t, r.FEvals, r.GEvals)
}

func TestMinimizeBoundActive(t *testing.T) {
	// min (x-1)² over [2, 10]: the solution sits on the lower bound,
	// where the projected gradient vanishes.
	obj := GeneralObjectiveFunction{
		Fn:   func(x []float64) float64 { return (x[0] - 1) * (x[0] - 1) },
		Grad: func(x, g []float64) { g[0] = 2 * (x[0] - 1) },
	}
	p := Problem{
		Dim: 1, Memory: 5,
		Objective: obj,
		Bounds:    []Bound{{Typ: BothBounds, Lower: 2, Upper: 10}},
		Stop:      Stop{MaxIterations: 50, GTolerance: 1e-8},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{5})
	require.Equal(t, Success, r.Status.Code, r.Status.Message)
	assert.InDelta(t, 2, r.X[0], 1e-9)
	assert.InDelta(t, 1, r.F, 1e-9)
}

func TestMinimizeRosenbrockBounded(t *testing.T) {
	const n = 25

	obj := GeneralObjectiveFunction{
		Fn: func(x []float64) (f float64) {
			f = 0.25 * (x[0] - 1) * (x[0] - 1)
			for i := 1; i < n; i++ {
				d := x[i] - x[i-1]*x[i-1]
				f += d * d
			}
			return 4 * f
		},
		Grad: func(x, g []float64) {
			t1 := x[1] - x[0]*x[0]
			g[0] = 2*(x[0]-1) - 16*x[0]*t1
			for i := 1; i < n-1; i++ {
				t2 := t1
				t1 = x[i+1] - x[i]*x[i]
				g[i] = 8*t2 - 16*x[i]*t1
			}
			g[n-1] = 8 * t1
		},
	}

	bounds := make([]Bound, n)
	x0 := make([]float64, n)
	for i := range bounds {
		if i%2 == 0 {
			bounds[i] = Bound{Typ: BothBounds, Lower: 1, Upper: 100}
		} else {
			bounds[i] = Bound{Typ: BothBounds, Lower: -100, Upper: 100}
		}
		x0[i] = 3
	}

	p := Problem{
		Dim: n, Memory: 5,
		Objective: obj,
		Bounds:    bounds,
		Stop:      Stop{MaxIterations: 100, GTolerance: 1e-5, FTolerance: 1e-9},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize(x0)
	require.Equal(t, Success, r.Status.Code, r.Status.Message)
	assert.Less(t, r.F, 1e-7)
	for i, v := range r.X {
		assert.InDelta(t, 1, v, 1e-3, "component %d", i)
	}
	assert.Less(t, r.Iters, 60)
}

// Case source: scipy test_lbfgsb bounds clipping, exercising infeasible
// starting points on every bound configuration.
func TestMinimizeBoundClipping(t *testing.T) {
	obj := GeneralObjectiveFunction{
		Fn:   func(x []float64) float64 { return (x[0] - 1) * (x[0] - 1) },
		Grad: func(x, g []float64) { g[0] = 2 * (x[0] - 1) },
	}

	nan := math.NaN()
	cases := []struct {
		init         float64
		lower, upper float64
		want         float64
	}{
		{10, nan, 0, 0},
		{-10, 2, nan, 2},
		{-10, nan, 0, 0},
		{10, 2, nan, 2},
		{-0.5, -1, 0, 0},
		{10, -1, 0, 0},
	}

	for i, tc := range cases {
		p := Problem{
			Dim: 1, Memory: 5,
			Objective: obj,
			Bounds:    BoundsFromLimits([]float64{tc.lower}, []float64{tc.upper}),
			Stop:      Stop{MaxIterations: 50, GTolerance: 1e-8},
		}
		min, err := p.New()
		require.NoError(t, err, "case %d", i)

		r := min.Minimize([]float64{tc.init})
		require.Equal(t, Success, r.Status.Code, "case %d: %s", i, r.Status.Message)
		assert.InDelta(t, tc.want, r.X[0], 1e-8, "case %d", i)
	}
}

func TestMinimizePinnedVariable(t *testing.T) {
	obj := GeneralObjectiveFunction{
		Fn: func(x []float64) float64 {
			return (x[0]-5)*(x[0]-5) + (x[1]-1)*(x[1]-1)
		},
		Grad: func(x, g []float64) {
			g[0] = 2 * (x[0] - 5)
			g[1] = 2 * (x[1] - 1)
		},
	}
	p := Problem{
		Dim: 2, Memory: 5,
		Objective: obj,
		Bounds: []Bound{
			{Typ: BothBounds, Lower: 3, Upper: 3},
			{Typ: NoBound},
		},
		Stop: Stop{MaxIterations: 50, GTolerance: 1e-8},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{0, 0})
	require.Equal(t, Success, r.Status.Code, r.Status.Message)
	assert.Equal(t, 3.0, r.X[0])
	assert.InDelta(t, 1, r.X[1], 1e-6)
}

func TestEvaluationError(t *testing.T) {
	boom := errors.New("sensor offline")
	p := Problem{
		Dim: 2, Memory: 5,
		Objective: GeneralObjectiveFunction{
			Function: func([]float64) (float64, error) { return 0, boom },
			Grad:     func(_, g []float64) {},
		},
		Stop: Stop{MaxIterations: 50},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{1, 1})
	assert.Equal(t, Failure, r.Status.Code)
	assert.Equal(t, "sensor offline", r.Status.Message)
	assert.Error(t, r.Status.AsError())
	assert.Zero(t, r.Iters)
	assert.Equal(t, 1, r.FEvals)
	assert.Zero(t, r.GEvals)
}

func TestMinimizeRestartFromSolution(t *testing.T) {
	p := Problem{
		Dim: 3, Memory: 5,
		Objective: sphere(),
		Stop:      Stop{MaxIterations: 100, GTolerance: 1e-8},
	}
	min, err := p.New()
	require.NoError(t, err)

	first := min.Minimize([]float64{7, -8, 9})
	require.Equal(t, Success, first.Status.Code, first.Status.Message)

	// Restarting at a converged point terminates on the initial
	// convergence check, before any step is taken.
	second := min.Minimize(first.X)
	require.Equal(t, Success, second.Status.Code, second.Status.Message)
	assert.LessOrEqual(t, second.Iters, 1)
	assert.Equal(t, first.X, second.X)
}

func TestEvaluationAccounting(t *testing.T) {
	var fCalls, gCalls int
	obj := GeneralObjectiveFunction{
		Fn: func(x []float64) float64 {
			fCalls++
			return (x[0]-1)*(x[0]-1) + x[1]*x[1]
		},
		Grad: func(x, g []float64) {
			gCalls++
			g[0] = 2 * (x[0] - 1)
			g[1] = 2 * x[1]
		},
	}
	p := Problem{
		Dim: 2, Memory: 5,
		Objective: obj,
		Bounds: []Bound{
			{Typ: BothBounds, Lower: 2, Upper: 10},
			{Typ: NoBound},
		},
		Stop: Stop{MaxIterations: 50, GTolerance: 1e-8},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{5, 3})
	require.Equal(t, Success, r.Status.Code, r.Status.Message)
	assert.Equal(t, fCalls, r.FEvals)
	assert.Equal(t, gCalls, r.GEvals)
}

func TestMinimizeFeasibleIterates(t *testing.T) {
	const lower, upper = 2.0, 10.0

	// Every point handed to the callbacks must already lie inside the
	// box, including line search trials and the projected start.
	inBox := func(t *testing.T, x []float64) {
		t.Helper()
		assert.GreaterOrEqual(t, x[0], lower)
		assert.LessOrEqual(t, x[0], upper)
	}
	obj := GeneralObjectiveFunction{
		Fn: func(x []float64) float64 {
			inBox(t, x)
			return (x[0] - 1) * (x[0] - 1)
		},
		Grad: func(x, g []float64) {
			inBox(t, x)
			g[0] = 2 * (x[0] - 1)
		},
	}
	p := Problem{
		Dim: 1, Memory: 5,
		Objective: obj,
		Bounds:    []Bound{{Typ: BothBounds, Lower: lower, Upper: upper}},
		Stop:      Stop{MaxIterations: 50, GTolerance: 1e-8},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{20})
	require.Equal(t, Success, r.Status.Code, r.Status.Message)
	assert.InDelta(t, lower, r.X[0], 1e-9)
}

func TestEvaluationPanic(t *testing.T) {
	p := Problem{
		Dim: 1, Memory: 5,
		Objective: GeneralObjectiveFunction{
			Fn:   func([]float64) float64 { panic("model detached") },
			Grad: func(_, g []float64) {},
		},
		Stop: Stop{MaxIterations: 50},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{1})
	assert.Equal(t, Failure, r.Status.Code)
	assert.Contains(t, r.Status.Message, "objective callback panic")
	assert.Contains(t, r.Status.Message, "model detached")
	assert.Equal(t, 1, r.FEvals)
	assert.Zero(t, r.GEvals)
}

func TestGradientPanic(t *testing.T) {
	p := Problem{
		Dim: 1, Memory: 5,
		Objective: GeneralObjectiveFunction{
			Fn:   func(x []float64) float64 { return x[0] * x[0] },
			Grad: func(_, g []float64) { panic("index out of range") },
		},
		Stop: Stop{MaxIterations: 50},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{1})
	assert.Equal(t, Failure, r.Status.Code)
	assert.Contains(t, r.Status.Message, "gradient callback panic")
	assert.Contains(t, r.Status.Message, "index out of range")
	assert.Equal(t, 1, r.FEvals)
	assert.Equal(t, 1, r.GEvals)
}

func TestProblemValidation(t *testing.T) {
	valid := func() Problem {
		return Problem{
			Dim: 2, Memory: 5,
			Objective: sphere(),
			Stop:      Stop{MaxIterations: 10},
		}
	}

	cases := []struct {
		name string
		mut  func(*Problem)
	}{
		{"zero dim", func(p *Problem) { p.Dim = 0 }},
		{"negative dim", func(p *Problem) { p.Dim = -1 }},
		{"negative memory", func(p *Problem) { p.Memory = -1 }},
		{"nil objective", func(p *Problem) { p.Objective = nil }},
		{"bounds mismatch", func(p *Problem) { p.Bounds = make([]Bound, 5) }},
		{"bad control code", func(p *Problem) { p.Bounds = []Bound{{Typ: 7}, {}} }},
		{"inverted range", func(p *Problem) {
			p.Bounds = []Bound{{Typ: BothBounds, Lower: 2, Upper: 1}, {}}
		}},
		{"nan lower bound", func(p *Problem) {
			p.Bounds = []Bound{{Typ: LowerBound, Lower: math.NaN()}, {}}
		}},
		{"negative f tolerance", func(p *Problem) { p.Stop.FTolerance = -1 }},
		{"nan g tolerance", func(p *Problem) { p.Stop.GTolerance = math.NaN() }},
		{"negative search trials", func(p *Problem) { p.Search.MaxTrials = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid()
			tc.mut(&p)
			_, err := p.New()
			require.Error(t, err)
			var status *Status
			require.ErrorAs(t, err, &status)
			assert.Equal(t, UsageError, status.Code)
		})
	}
}

func TestMinimizeDimensionMismatch(t *testing.T) {
	p := Problem{Dim: 3, Memory: 5, Objective: sphere(), Stop: Stop{MaxIterations: 10}}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{1, 2})
	assert.Equal(t, UsageError, r.Status.Code)
	assert.Zero(t, r.Iters)
}

func TestWorkspaceMismatch(t *testing.T) {
	small := Problem{Dim: 2, Memory: 5, Objective: sphere(), Stop: Stop{MaxIterations: 10}}
	big := Problem{Dim: 3, Memory: 5, Objective: sphere(), Stop: Stop{MaxIterations: 10}}

	ms, err := small.New()
	require.NoError(t, err)
	mb, err := big.New()
	require.NoError(t, err)

	r := mb.MinimizeWithWorkspace([]float64{1, 2, 3}, ms.NewWorkspace())
	assert.Equal(t, UsageError, r.Status.Code)
}

func TestWorkspaceReuse(t *testing.T) {
	p := Problem{
		Dim: 3, Memory: 5,
		Objective: sphere(),
		Stop:      Stop{MaxIterations: 100, GTolerance: 1e-8},
	}
	min, err := p.New()
	require.NoError(t, err)

	w := min.NewWorkspace()
	first := min.MinimizeWithWorkspace([]float64{7, -8, 9}, w)
	require.Equal(t, Success, first.Status.Code)

	// A second trajectory through the same workspace must not see any
	// state of the first one.
	second := min.MinimizeWithWorkspace([]float64{7, -8, 9}, w)
	require.Equal(t, Success, second.Status.Code)
	assert.Equal(t, first.Iters, second.Iters)
	assert.Equal(t, first.FEvals, second.FEvals)
	assert.Equal(t, first.X, second.X)
}

func TestIterationLimit(t *testing.T) {
	rosen := GeneralObjectiveFunction{
		Fn: func(x []float64) float64 {
			a, b := x[0], x[1]
			return (1-a)*(1-a) + 100*(b-a*a)*(b-a*a)
		},
		Grad: func(x, g []float64) {
			a, b := x[0], x[1]
			g[0] = -2*(1-a) - 400*a*(b-a*a)
			g[1] = 200 * (b - a*a)
		},
	}
	p := Problem{
		Dim: 2, Memory: 5,
		Objective: rosen,
		Stop:      Stop{MaxIterations: 3, GTolerance: 1e-10},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{-1.2, 1})
	assert.Equal(t, Warning, r.Status.Code)
	assert.Contains(t, r.Status.Message, "iteration limit")
	assert.Error(t, r.Status.AsError())
}

func TestTimeLimit(t *testing.T) {
	slow := GeneralObjectiveFunction{
		Fn: func(x []float64) float64 {
			time.Sleep(5 * time.Millisecond)
			return x[0] * x[0]
		},
		Grad: func(x, g []float64) { g[0] = 2 * x[0] },
	}
	p := Problem{
		Dim: 1, Memory: 5,
		Objective: slow,
		Stop:      Stop{MaxIterations: 1000, MaxTime: time.Millisecond},
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{100})
	assert.Equal(t, Warning, r.Status.Code)
	assert.Contains(t, r.Status.Message, "time limit")
}

func TestIterationLogging(t *testing.T) {
	var infos []IterationInfo
	p := Problem{
		Dim: 3, Memory: 5,
		Objective: sphere(),
		Stop:      Stop{MaxIterations: 100, GTolerance: 1e-8},
		Logger: func(info *IterationInfo) {
			infos = append(infos, *info)
			assert.NotEmpty(t, info.Header())
			assert.NotEmpty(t, info.String())
		},
		LogEvery: 1,
	}
	min, err := p.New()
	require.NoError(t, err)

	r := min.Minimize([]float64{7, -8, 9})
	require.Equal(t, Success, r.Status.Code)
	require.NotEmpty(t, infos)

	assert.Equal(t, 0, infos[0].Iteration)
	last := infos[len(infos)-1]
	assert.Equal(t, r.Iters, last.Iteration)
	assert.Equal(t, r.FEvals, last.FEvalsTotal)
	assert.Equal(t, 1e-8, last.GNormBound)

	// Accepted iterates decrease monotonically.
	for i := 1; i < len(infos); i++ {
		assert.LessOrEqual(t, infos[i].F, infos[i-1].F)
	}
}

func TestIterationInfoText(t *testing.T) {
	info := IterationInfo{
		Iteration: 3, F: 0.5, StepLength: 1,
		FDelta: 0.1, FDeltaBound: 0.2,
		GNorm: 4, GNormBound: 2,
		FEvalsTotal: 7, GEvalsTotal: 7,
	}
	row := info.String()
	assert.Contains(t, row, "0.5T")
	assert.Contains(t, row, "2F")

	// A zero bound means the test is off; its column shows no ratio.
	info.FDeltaBound = 0
	info.GNormBound = 0
	row = info.String()
	assert.NotContains(t, row, "Inf")
	assert.NotContains(t, row, "NaN")
	assert.Contains(t, row, "-")
}

func TestStatusText(t *testing.T) {
	s := Status{Code: Approximate, Message: "close enough"}
	assert.Contains(t, s.String(), "APPROXIMATE")
	assert.Contains(t, s.Error(), "close enough")
	assert.Nil(t, Status{Code: Success}.AsError())
}

func TestNewBounds(t *testing.T) {
	b, err := NewBounds(
		[]BoundType{NoBound, LowerBound, BothBounds, UpperBound},
		[]float64{0, 1, 2, 3},
		[]float64{9, 8, 7, 6})
	require.NoError(t, err)
	assert.False(t, b[0].hasLower())
	assert.True(t, b[1].hasLower())
	assert.False(t, b[1].hasUpper())
	assert.True(t, b[2].hasLower())
	assert.True(t, b[2].hasUpper())
	assert.True(t, b[3].hasUpper())

	_, err = NewBounds([]BoundType{5}, []float64{0}, []float64{0})
	require.Error(t, err)
	_, err = NewBounds([]BoundType{NoBound}, []float64{0, 1}, []float64{0})
	require.Error(t, err)
}

func TestBoundsFromLimits(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	b := BoundsFromLimits([]float64{nan, 1, -inf, 2}, []float64{3, nan, 4, 5})
	assert.Equal(t, UpperBound, b[0].Typ)
	assert.Equal(t, LowerBound, b[1].Typ)
	assert.Equal(t, UpperBound, b[2].Typ)
	assert.Equal(t, BothBounds, b[3].Typ)
}
