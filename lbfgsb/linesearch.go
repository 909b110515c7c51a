// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "math"

// No bound limits the step: effectively infinite ceiling.
const stepHuge = 1.0e+10

// Defaults for SearchControl, matching the reference Fortran routine.
const (
	defaultDecreaseTol  = 1.0e-3
	defaultCurvatureTol = 0.9
	defaultStepTol      = 0.1
	defaultMaxTrials    = 20
	defaultSlowTrials   = 10
)

// SearchControl configures the line search. The underlying Fortran contract
// never documented its constants, so they are surfaced here instead of being
// hard-coded; the zero value selects the reference defaults.
type SearchControl struct {
	// DecreaseTol is the sufficient-decrease (Armijo) coefficient:
	// f(x+αd) must not exceed f(x) + DecreaseTol·α·g'd.
	DecreaseTol float64
	// CurvatureTol is the curvature coefficient:
	// |g(x+αd)'d| must not exceed CurvatureTol·|g'd|.
	CurvatureTol float64
	// StepTol stops the search with a warning once the bracketing
	// interval shrinks below this fraction of its upper endpoint.
	StepTol float64
	// MaxTrials caps the objective/gradient evaluations in one search
	// before it is declared failed.
	MaxTrials int
	// SlowTrials is the evaluation count past which a search is
	// considered slow; converging on a slow search downgrades the final
	// status to Approximate.
	SlowTrials int
}

func (c SearchControl) withDefaults() SearchControl {
	if c.DecreaseTol == 0 {
		c.DecreaseTol = defaultDecreaseTol
	}
	if c.CurvatureTol == 0 {
		c.CurvatureTol = defaultCurvatureTol
	}
	if c.StepTol == 0 {
		c.StepTol = defaultStepTol
	}
	if c.MaxTrials == 0 {
		c.MaxTrials = defaultMaxTrials
	}
	if c.SlowTrials == 0 {
		c.SlowTrials = defaultSlowTrials
	}
	return c
}

// searchInit prepares a line search along st.dir: the step ceiling is the
// distance to the nearest bound crossing, so no trial point ever leaves the
// box.
func searchInit(pt *point, spec *runSpec, st *runState) {
	x := pt.x
	d := st.dir
	b := spec.bounds

	if len(b) > len(d) || len(b) > len(x) {
		panic("lbfgsb: searchInit slice bounds")
	}

	st.dNormSq = dot(spec.dim, d, 1, d, 1)
	st.dNorm = math.Sqrt(st.dNormSq)

	stepMax := stepHuge
	if st.constrained {
		if st.iter == 0 {
			stepMax = one
		} else {
			for i, bi := range b {
				di := d[i]
				if bi.Typ == NoBound {
					continue
				}
				if di < zero && bi.hasLower() {
					if span := bi.Lower - x[i]; span >= zero {
						stepMax = zero
					} else if di*stepMax < span {
						stepMax = span / di
					}
				} else if di > zero && bi.hasUpper() {
					if span := bi.Upper - x[i]; span <= zero {
						stepMax = zero
					} else if di*stepMax > span {
						stepMax = span / di
					}
				}
			}
		}
	}

	ctl := spec.search
	st.scalar.tol = scalarTol{
		decrease:  ctl.DecreaseTol,
		curvature: ctl.CurvatureTol,
		width:     ctl.StepTol,
		stepMin:   zero,
		stepMax:   stepMax,
	}

	if st.iter == 0 && !st.boxed {
		st.stp = math.Min(one/st.dNorm, stepMax)
	} else {
		st.stp = one
	}

	st.trials = 0
	st.backs = 0
	st.srchStat = scalarStart
}

// searchIterate advances the scalar search by one exchange. done
// reports that the search reached a terminal scalar status; when it is
// false the caller must evaluate the objective at the updated pt.x and call
// again.
func searchIterate(pt *point, spec *runSpec, st *runState) (numErr, bool) {
	n := spec.dim
	x, g := pt.x, pt.g
	d, xs, xc := st.dir, st.xSave, st.cp

	if n < 0 || n > len(x) || n > len(d) || n > len(xs) {
		panic("lbfgsb: searchIterate slice bounds")
	}

	st.gd = dot(n, g, 1, d, 1)
	if st.trials == 0 {
		st.gd0 = st.gd
		if st.gd >= zero {
			// Not a descent direction, nothing to search.
			return errAscent, false
		}
	}

	st.stp, st.srchStat = stepSearch(pt.f, st.gd, st.stp, st.srchStat, &st.scalar.tol, &st.scalar.ctx)
	done := st.srchStat&(scalarConv|scalarWarn|scalarErr) > 0

	if !done {
		// Move to the trial point.
		if st.stp == one {
			vcopy(n, xc, 1, x, 1)
		} else {
			for i := 0; i < n; i++ {
				x[i] = st.stp*d[i] + xs[i]
			}
		}
	} else if st.srchStat&scalarErr > 0 {
		return errSearchParam, done
	}
	return numOK, done
}
