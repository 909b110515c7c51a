// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// driver runs one trajectory, sequencing the Cauchy search, the subspace
// minimization, the line search and the correction update, and deciding
// when to stop.
type driver struct {
	spec *runSpec
	st   *runState
	pt   *point

	evalErr error
}

// evalAt computes f and g at the current pt.x, first enforcing the time
// budget. A callback error or panic halts the run with the callback's own
// account of the failure.
func (d *driver) evalAt(reason stopReason) (next stopReason) {
	spec, st, pt := d.spec, d.st, d.pt

	next = reason
	if spec.stop.MaxTime > 0 && st.clock.elapsed() >= spec.stop.MaxTime {
		return stopTimeLimit
	}

	callback := "objective"
	defer func() {
		if r := recover(); r != nil {
			d.evalErr = errors.Errorf("%s callback panic: %v", callback, r)
			next = stopEvalFailed
		}
	}()

	st.fEvals++
	f, err := spec.obj.EvaluateFunction(pt.x)
	if err != nil {
		d.evalErr = err
		return stopEvalFailed
	}
	pt.f = f

	callback = "gradient"
	st.gEvals++
	err = spec.obj.EvaluateGradient(pt.x, pt.g)
	if err != nil {
		d.evalErr = err
		return stopEvalFailed
	}
	return next
}

// beginIteration opens the next iteration and applies the caller's
// ceilings.
func (d *driver) beginIteration(reason stopReason) stopReason {
	spec, st, pt := d.spec, d.st, d.pt

	st.iter++
	if reason != runContinue {
		return reason
	}
	switch {
	case st.iter > spec.stop.MaxIterations:
		return stopIterLimit
	case st.totalEvals() >= spec.stop.MaxEvaluations:
		return stopEvalLimit
	case spec.stop.DescentThreshold > zero &&
		st.dNorm <= spec.stop.DescentThreshold*(one+math.Abs(pt.f)):
		return stopSmallDescent
	}
	return reason
}

// convergence tests the projected gradient norm and the relative objective
// decrease. A convergence outcome takes precedence over a ceiling hit in
// the same iteration.
func (d *driver) convergence(reason stopReason) stopReason {
	spec, st, pt := d.spec, d.st, d.pt

	st.pgNorm = projGradNorm(pt, spec)
	if reason == stopEvalFailed || reason == stopTimeLimit {
		// The iterate was restored, the norm only feeds the report.
		return reason
	}
	if st.pgNorm <= spec.stop.GTolerance {
		return stopGradConverged
	}
	if st.iter > 0 {
		change := math.Max(math.Abs(st.fPrev), math.Max(math.Abs(pt.f), one))
		if st.fPrev-pt.f <= spec.stop.FTolerance*change {
			return stopFuncConverged
		}
	}
	return reason
}

// report snapshots the finished iteration for the caller's logger and rolls
// the per-iteration evaluation marks forward.
func (d *driver) report(final bool) {
	spec, st, pt := d.spec, d.st, d.pt

	spec.trace.debugf("at iterate %5d  f=%12.5e  |proj g|=%12.5e  segs=%d sub=%d",
		st.iter, pt.f, st.pgNorm, st.segs, st.subRes)

	if spec.logger != nil && spec.logEvery > 0 &&
		(final || st.iter%spec.logEvery == 0) {
		fDelta, step := st.fPrev-pt.f, st.stp
		if st.iter == 0 {
			fDelta, step = zero, zero
		}
		change := math.Max(math.Abs(st.fPrev), math.Max(math.Abs(pt.f), one))
		spec.logger(&IterationInfo{
			Iteration:   st.iter,
			FEvals:      st.fEvals - st.fMark,
			GEvals:      st.gEvals - st.gMark,
			FEvalsTotal: st.fEvals,
			GEvalsTotal: st.gEvals,
			StepLength:  step,
			X:           pt.x,
			F:           pt.f,
			G:           pt.g,
			FDelta:      fDelta,
			FDeltaBound: spec.stop.FTolerance * change,
			GNorm:       st.pgNorm,
			GNormBound:  spec.stop.GTolerance,
		})
	}
	st.fMark, st.gMark = st.fEvals, st.gEvals
}

// cauchyStage computes the generalized Cauchy point. It is skipped on an
// unconstrained run with a warm memory, where the current iterate already
// minimizes the quadratic along the projected gradient path. wrk reports
// whether the free set changed, forcing a refactorization of K.
func (d *driver) cauchyStage() (fault numErr, wrk bool) {
	spec, st, pt := d.spec, d.st, d.pt

	if !st.constrained && st.col > 0 {
		vcopy(spec.dim, pt.x, 1, st.cp, 1)
		st.segs = 0
		return numOK, st.updated
	}

	st.lap.reset()
	if fault = cauchyPoint(pt, spec, st); fault == numOK {
		wrk = partitionVars(spec, st)
		st.totalSegs += st.segs
	}
	st.tCauchy += st.lap.elapsed()

	if fault != numOK {
		d.spec.trace.debugf("singular triangular system in the Cauchy search")
	}
	return fault, wrk
}

// subspaceStage minimizes the quadratic model over the variables left free
// at the Cauchy point, writing the candidate into st.cp. It is skipped
// while the memory is empty or no variable is free.
func (d *driver) subspaceStage(wrk bool) (fault numErr) {
	spec, st, pt := d.spec, d.st, d.pt

	st.subRes = subNone
	if st.nFree == 0 || st.col == 0 {
		return numOK
	}

	st.lap.reset()
	if wrk {
		fault = factorK(spec, st)
	}
	if fault == numOK {
		fault = reducedGradient(pt, spec, st)
	}
	if fault == numOK {
		fault = subspaceStep(pt, spec, st)
	}
	st.tSubspace += st.lap.elapsed()

	switch fault {
	case errCholK1, errCholK2:
		spec.trace.debugf("nonpositive definiteness in the Cholesky factorization of K")
	case errSingular:
		spec.trace.debugf("singular triangular system in the subspace minimization")
	}
	return fault
}

// searchStage moves the iterate along the direction from x to the subspace
// candidate, trading scalar trial steps against objective evaluations. On
// breakdown with a non-empty memory it asks for a refresh and retry; with
// an empty memory there is nothing left to fall back to.
func (d *driver) searchStage(reason *stopReason) (fault numErr) {
	spec, st, pt := d.spec, d.st, d.pt

	n := spec.dim
	x, xc, dir := pt.x, st.cp, st.dir
	if n > len(x) || n > len(xc) || n > len(dir) {
		panic("lbfgsb: searchStage slice bounds")
	}
	for i := 0; i < n; i++ {
		dir[i] = xc[i] - x[i]
	}

	st.lap.reset()
	searchInit(pt, spec, st)
	pt.stash(st.xSave, &st.fPrev, st.gSave)

	done := false
	for !done {
		fault, done = searchIterate(pt, spec, st)
		if fault == numOK && st.backs < spec.search.MaxTrials {
			if !done {
				if *reason = d.evalAt(*reason); *reason != runContinue {
					break
				}
				st.trials++
				st.backs = st.trials - 1
			}
			continue
		}
		if st.col == 0 {
			*reason = stopSearchFailed
			if fault == numOK {
				fault = errSearchFail
			}
			st.iter++
		} else {
			fault = errRestart
		}
		break
	}

	if !done {
		pt.restore(st.xSave, st.fPrev, st.gSave)
	}

	switch fault {
	case errAscent:
		spec.trace.debugf("ascent direction in projection gd = %f", st.gd)
	case errRestart:
		spec.trace.debugf("bad direction in the line search")
	}
	st.tSearch += st.lap.elapsed()
	return fault
}

// updateStage folds the accepted step into the correction memory and
// refactors T.
func (d *driver) updateStage() (fault numErr) {
	spec, st := d.spec, d.st

	if spec.mem == 0 {
		return numOK
	}
	storeCorrection(d.pt, spec, st)
	if fault = factorT(spec, st); fault != numOK {
		spec.trace.debugf("nonpositive definiteness in the Cholesky factorization of T")
	}
	return fault
}

// run is the iteration loop. A numerical fault inside an iteration discards
// the correction memory and retries from the same iterate; a second
// consecutive fault gives up.
func (d *driver) run() *Result {
	spec, st, pt := d.spec, d.st, d.pt
	tr := spec.trace

	st.clearRun()
	st.clock.reset()

	if tr.on() {
		tr.debugf("running l-bfgs-b: n=%d m=%d eps=%10.3e", spec.dim, spec.mem, spec.eps)
	}
	clampInitial(pt, spec, st)

	reason := d.evalAt(runContinue)
	if reason == runContinue {
		reason = d.convergence(reason)
		d.report(reason != runContinue)
	}

	fault := numOK
	wrk := false
	for reason == runContinue {

		if fault != numOK {
			fault = numOK
			st.refreshMemory()
			st.restarts++
			if st.restarts > 1 {
				reason = stopDegenerate
				break
			}
			tr.debugf("refreshing the correction memory and restarting the iteration")
		}

		tr.debugf("iteration %5d", st.iter+1)

		if fault, wrk = d.cauchyStage(); fault != numOK {
			continue
		}
		if fault = d.subspaceStage(wrk); fault != numOK {
			continue
		}
		if fault = d.searchStage(&reason); fault != numOK {
			continue
		}

		reason = d.beginIteration(reason)
		reason = d.convergence(reason)
		d.report(reason != runContinue)

		if reason == runContinue {
			if fault = d.updateStage(); fault == numOK {
				st.restarts = 0
			}
		} else if reason == stopFuncConverged && st.backs >= spec.search.SlowTrials {
			st.slow = true
		}
	}

	return d.finish(reason, fault)
}

// finish classifies the terminal reason and packages the best point found.
func (d *driver) finish(reason stopReason, fault numErr) *Result {
	spec, st, pt := d.spec, d.st, d.pt

	var code StatusCode
	var msg string
	switch reason {
	case stopGradConverged:
		code = Success
		msg = fmt.Sprintf("converged: projected gradient norm %g at or below %g",
			st.pgNorm, spec.stop.GTolerance)
	case stopFuncConverged:
		if st.slow {
			code = Approximate
			msg = fmt.Sprintf("converged on a struggling line search: relative objective decrease within tolerance %g after %d backtracks",
				spec.stop.FTolerance, st.backs)
		} else {
			code = Success
			msg = fmt.Sprintf("converged: relative objective decrease within tolerance %g",
				spec.stop.FTolerance)
		}
	case stopSmallDescent:
		code = Approximate
		msg = fmt.Sprintf("stopped: search direction norm %g below the descent threshold", st.dNorm)
	case stopIterLimit:
		code = Warning
		msg = fmt.Sprintf("iteration limit reached: %d", spec.stop.MaxIterations)
	case stopEvalLimit:
		code = Warning
		msg = fmt.Sprintf("evaluation limit reached: %d", spec.stop.MaxEvaluations)
	case stopTimeLimit:
		code = Warning
		msg = fmt.Sprintf("time limit reached: %v", spec.stop.MaxTime)
	case stopEvalFailed:
		code = Failure
		msg = d.evalErr.Error()
	case stopSearchFailed:
		code = Failure
		switch fault {
		case errAscent:
			msg = "the line search direction is not a descent direction"
		case errSearchParam:
			msg = "the line search rejected its configuration"
		default:
			msg = "the line search could not find an acceptable step"
		}
	case stopDegenerate:
		code = InternalError
		msg = "repeated numerical degeneracy, giving up after refreshing the correction memory"
	default:
		code = InternalError
		msg = fmt.Sprintf("stopped without a reason (%d)", reason)
	}

	if tr := spec.trace; tr.on() {
		tr.with(logrusFields(st)).debugf("finished: %v %s", code, msg)
	}

	return &Result{
		X:      pt.x,
		F:      pt.f,
		G:      pt.g,
		Status: Status{Code: code, Message: clipMessage(msg)},
		Iters:  st.iter,
		FEvals: st.fEvals,
		GEvals: st.gEvals,
	}
}
