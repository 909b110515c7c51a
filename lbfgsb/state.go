// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "time"

const (
	zero  = 0.0
	one   = 1.0
	two   = 2.0
	three = 3.0
)

// Variable classification maintained across the Cauchy search and the
// subspace minimization. Free variables have state <= stateFree, variables
// pinned at a bound have state > stateFree.
const (
	stateParked int8 = -3 // bounded but the gradient component is zero
	stateLoose  int8 = -1 // no bounds at all
	stateFree   int8 = 0  // bounded and moving
	stateLower  int8 = 1  // held at the lower bound
	stateUpper  int8 = 2  // held at the upper bound
	statePinned int8 = 3  // lower == upper, never moves
)

// Numerical degeneracies detected while maintaining the compact factors or
// running the line search. They trigger a memory refresh before escalating.
type numErr int

const (
	numOK numErr = iota
	errCholK1      // first Cholesky block of K is not positive definite
	errCholK2      // second Cholesky block of K is not positive definite
	errCholT       // T = θS'S + LD⁻¹L' is not positive definite
	errSingular    // singular triangular system
	errAscent      // directional derivative >= 0, search impossible
	errSearchFail  // line search exhausted its trial budget
	errSearchParam // invalid scalar-search configuration
	errRestart     // bad direction, retry with a refreshed memory
)

// Terminal classification of the iteration loop (runContinue keeps going).
type stopReason int

const (
	runContinue stopReason = iota
	stopGradConverged // projected gradient norm <= GTolerance
	stopFuncConverged // relative objective decrease <= FTolerance
	stopSmallDescent  // descent direction below DescentThreshold
	stopIterLimit
	stopEvalLimit
	stopTimeLimit
	stopEvalFailed   // evaluator reported an error or panicked
	stopSearchFailed // line search broke down with an empty memory
	stopDegenerate   // repeated numerical degeneracy
)

// Subspace minimization outcome, reported through the debug trace.
const (
	subNone   = -1 // subspace step skipped
	subInside = 0  // minimizer found strictly inside the box
	subClipped = 1 // minimizer clipped against a bound
)

type stopwatch struct {
	begin time.Time
}

func (s *stopwatch) reset()                  { s.begin = time.Now() }
func (s *stopwatch) elapsed() time.Duration { return time.Since(s.begin) }

// point is the optimization location lent to the sub-solvers: the current
// iterate, its objective value and gradient.
type point struct {
	x, g []float64
	f    float64
}

// stash saves the location before a line search so a failed search can
// restore it.
func (p *point) stash(x []float64, f *float64, g []float64) {
	copy(x, p.x)
	copy(g, p.g)
	*f = p.f
}

func (p *point) restore(x []float64, f float64, g []float64) {
	copy(p.x, x)
	copy(p.g, g)
	p.f = f
}

// runSpec is the immutable description of one optimization problem shared by
// every sub-solver. It never changes after validation.
type runSpec struct {
	dim, mem int
	eps      float64 // machine epsilon
	obj      FunctionWithGradient
	bounds   []Bound
	stop     Stop
	search   SearchControl
	logger   IterationLogger
	logEvery int
	trace    traceLog
}

// runState is the complete mutable state of one run. Workspaces embed it so
// a validated Minimizer can serve concurrent runs, one state each.
// For dimension n and memory m the buffers total roughly
// 2mn + 11m² + 5n + 8m floats.
type runState struct {
	// Correction memory: S and Y hold up to mem columns in a ring
	// delimited by head/tail, stored row-major with stride mem so one
	// variable's history is contiguous.
	corrS, corrY []float64 // n × m
	dotSY, dotSS []float64 // m × m: lower triangle of S'Y, upper of S'S
	cholT        []float64 // m × m: Cholesky factor of θS'S + LD⁻¹L'
	factK, rawK  []float64 // 2m × 2m: K factorization and raw products
	theta        float64
	col          int // number of stored corrections
	head, tail   int
	updates      int  // total accepted corrections
	updated      bool // last correction was accepted

	// Iteration vectors.
	cp    []float64 // generalized Cauchy point, then the trial point
	dir   []float64 // search direction
	xSave []float64 // x before the line search
	gSave []float64 // g before the line search; also holds the reduced
	// gradient and the Newton direction during the subspace stage
	xBack []float64 // backup for the subspace projection
	brk   []float64 // breakpoint values
	work  []float64 // 8m scratch shared by the compact-form products

	idx   []int  // free/active partition of variable indices
	aux   []int  // breakpoint order, then the enter/leave sets
	state []int8 // per-variable classification

	nFree, nActive int
	nEnter, nLeave int
	constrained    bool
	boxed          bool
	clamped        bool // initial point was projected into the box

	// Line search scalars.
	scalar   searchScalar
	stp      float64
	gd, gd0  float64
	dNorm    float64
	dNormSq  float64
	trials   int // evaluations spent in the current search
	backs    int // backtracks in the current search
	slow     bool
	srchStat searchStatus

	// Convergence bookkeeping.
	iter           int
	fEvals, gEvals int
	fMark, gMark   int // counters at the start of the iteration
	fPrev          float64
	pgNorm         float64
	segs           int // GCP segments this iteration
	totalSegs      int
	skips          int // rejected corrections
	restarts       int // consecutive memory refreshes
	subRes         int

	clock, lap stopwatch
	tCauchy    time.Duration
	tSubspace  time.Duration
	tSearch    time.Duration
}

func (s *runState) init(n, m int) {
	s.corrS = make([]float64, n*m)
	s.corrY = make([]float64, n*m)
	s.dotSY = make([]float64, m*m)
	s.dotSS = make([]float64, m*m)
	s.cholT = make([]float64, m*m)
	s.factK = make([]float64, 4*m*m)
	s.rawK = make([]float64, 4*m*m)
	s.cp = make([]float64, n)
	s.dir = make([]float64, n)
	s.xSave = make([]float64, n)
	s.gSave = make([]float64, n)
	s.xBack = make([]float64, n)
	s.brk = make([]float64, n)
	s.work = make([]float64, 8*m)
	s.idx = make([]int, n)
	s.aux = make([]int, n)
	s.state = make([]int8, n)
}

// clearRun resets everything for a fresh trajectory.
func (s *runState) clearRun() {
	s.refreshMemory()
	s.iter = 0
	s.fEvals, s.gEvals = 0, 0
	s.fMark, s.gMark = 0, 0
	s.fPrev = zero
	s.pgNorm = zero
	s.segs, s.totalSegs, s.skips = 0, 0, 0
	s.restarts = 0
	s.nFree, s.nActive = 0, 0
	s.nEnter, s.nLeave = 0, 0
	s.subRes = subNone
	s.stp = zero
	s.gd, s.gd0 = zero, zero
	s.dNorm, s.dNormSq = zero, zero
	s.trials, s.backs = 0, 0
	s.slow = false
	s.srchStat = scalarStart
	s.constrained, s.boxed, s.clamped = false, false, false
	s.tCauchy, s.tSubspace, s.tSearch = 0, 0, 0
	for i := range s.state {
		s.state[i] = stateFree
	}
}

// refreshMemory discards the correction history after a numerical
// degeneracy, falling back to the identity scaling.
func (s *runState) refreshMemory() {
	s.col = 0
	s.head, s.tail = 0, 0
	s.updates = 0
	s.updated = false
	s.theta = one
}

func (s *runState) totalEvals() int { return s.fEvals + s.gEvals }
