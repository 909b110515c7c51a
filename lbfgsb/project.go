// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "math"

// projGradNorm computes the infinity norm of the projected gradient, the
// convergence measure of the run. Each component is clipped so a step along
// -g cannot leave the box:
//
//	proj gᵢ = max(xᵢ-uᵢ, gᵢ)  if gᵢ < 0
//	proj gᵢ = min(xᵢ-lᵢ, gᵢ)  if gᵢ > 0
//	proj gᵢ = gᵢ              otherwise
func projGradNorm(pt *point, spec *runSpec) float64 {
	n, b, g, x := spec.dim, spec.bounds, pt.g, pt.x
	if n < 0 || n > len(b) || n > len(g) || n > len(x) {
		panic("lbfgsb: projGradNorm slice bounds")
	}

	norm := zero
	for i := 0; i < n; i++ {
		gi := g[i]
		bi := b[i]
		if gi < zero {
			if bi.hasUpper() {
				gi = math.Max(x[i]-bi.Upper, gi)
			}
		} else if gi > zero {
			if bi.hasLower() {
				gi = math.Min(x[i]-bi.Lower, gi)
			}
		}
		norm = math.Max(norm, math.Abs(gi))
	}
	return norm
}

// clampInitial projects an infeasible starting point onto the box,
// classifies every variable and records whether the problem is constrained
// at all (and fully boxed). Fixed variables (lower == upper) are pinned for
// the whole run.
func clampInitial(pt *point, spec *runSpec, st *runState) {
	n, b, x := spec.dim, spec.bounds, pt.x
	state := st.state
	if n < 0 || n > len(b) || n > len(x) || n > len(state) {
		panic("lbfgsb: clampInitial slice bounds")
	}

	atBound := 0
	clamped, constrained, boxed := false, false, true

	for i := 0; i < n; i++ {
		bi := b[i]
		if bi.Typ == NoBound {
			continue
		}
		if bi.hasLower() && x[i] <= bi.Lower {
			if x[i] < bi.Lower {
				clamped = true
				x[i] = bi.Lower
			}
			atBound++
		} else if bi.hasUpper() && x[i] >= bi.Upper {
			if x[i] > bi.Upper {
				clamped = true
				x[i] = bi.Upper
			}
			atBound++
		}
	}

	for i := 0; i < n; i++ {
		bi := b[i]
		boxed = boxed && bi.Typ == BothBounds
		switch {
		case bi.Typ == NoBound:
			state[i] = stateLoose
		case bi.Typ == BothBounds && bi.Upper-bi.Lower <= zero:
			constrained = true
			state[i] = statePinned
		default:
			constrained = true
			state[i] = stateFree
		}
	}

	if clamped {
		spec.trace.debugf("initial point infeasible, restarting from its projection")
	}
	if !constrained {
		spec.trace.debugf("problem is unconstrained")
	} else {
		spec.trace.debugf("%d variables start exactly at a bound", atBound)
	}

	st.clamped = clamped
	st.constrained = constrained
	st.boxed = boxed
}
