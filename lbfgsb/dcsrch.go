// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "math"

const (
	half      = 0.5
	twoThirds = 0.66
	extraLow  = 1.1 // extrapolation window around an unbracketed step
	extraHigh = 4.0
)

const (
	stageArmijo = 1
	stageWolfe  = 2
)

// searchStatus is the state of the scalar search conversation: the caller
// keeps evaluating f and f' at the returned step while the status is
// scalarEval, and stops on a converged, warning or error status.
type searchStatus int

const (
	scalarStart searchStatus = 0
	scalarConv  searchStatus = 1 << (4 + iota)
	scalarEval
	scalarErr
	scalarWarn
)

const (
	scalarErrStepLow searchStatus = scalarErr | (1 + iota)
	scalarErrStepHigh
	scalarErrInitGrad
	scalarErrDecreaseTol
	scalarErrCurvatureTol
	scalarErrWidthTol
	scalarErrBoundLow
	scalarErrBoundOrder
)

const (
	scalarWarnRounding searchStatus = scalarWarn | (1 + iota)
	scalarWarnWidth
	scalarWarnAtMax
	scalarWarnAtMin
)

// scalarTol carries the per-search tolerances in resolved form.
type scalarTol struct {
	decrease  float64 // sufficient-decrease coefficient
	curvature float64 // curvature coefficient
	width     float64 // relative interval-width warning threshold
	stepMin   float64
	stepMax   float64
}

// scalarCtx is the conversation state kept between stepSearch calls.
type scalarCtx struct {
	bracket    bool
	stage      int
	g0, gx, gy float64
	f0, fx, fy float64
	stx, sty   float64
	width      [2]float64
	bound      [2]float64
}

type searchScalar struct {
	tol scalarTol
	ctx scalarCtx
}

// stepSearch finds a step that satisfies the sufficient-decrease condition
//
//	f(stp) <= f(0) + decrease·stp·f'(0)
//
// and the curvature condition |f'(stp)| <= curvature·|f'(0)|. Each call
// advances an interval [stx, sty] guaranteed to contain a minimizer of the
// modified function ψ(stp) = f(stp) - f(0) - decrease·stp·f'(0) (of f itself
// once ψ turned non-positive with f' >= 0). On scalarEval the caller must
// supply f and f' at the returned step and call again; on scalarWarn only
// the sufficient-decrease condition is guaranteed.
func stepSearch(f, g, stp float64, task searchStatus, tol *scalarTol, ctx *scalarCtx) (float64, searchStatus) {

	if task == scalarStart {
		switch {
		case stp < tol.stepMin:
			task = scalarErrStepLow
		case stp > tol.stepMax:
			task = scalarErrStepHigh
		case g >= zero:
			task = scalarErrInitGrad
		case tol.decrease < zero:
			task = scalarErrDecreaseTol
		case tol.curvature < zero:
			task = scalarErrCurvatureTol
		case tol.width < zero:
			task = scalarErrWidthTol
		case tol.stepMin < zero:
			task = scalarErrBoundLow
		case tol.stepMax < tol.stepMin:
			task = scalarErrBoundOrder
		}
		if task&scalarErr > 0 {
			return stp, task
		}

		ctx.bracket = false
		ctx.stage = stageArmijo
		ctx.f0, ctx.g0 = f, g
		ctx.width[0] = tol.stepMax - tol.stepMin
		ctx.width[1] = ctx.width[0] / half

		ctx.stx, ctx.fx, ctx.gx = zero, ctx.f0, ctx.g0
		ctx.sty, ctx.fy, ctx.gy = zero, ctx.f0, ctx.g0
		ctx.bound[0] = zero
		ctx.bound[1] = stp + extraHigh*stp
		return stp, scalarEval
	}

	gTest := tol.decrease * ctx.g0
	fTest := ctx.f0 + stp*gTest

	stepLo, stepHi := ctx.bound[0], ctx.bound[1]
	switch {
	case ctx.bracket && (stp <= stepLo || stp >= stepHi):
		task = scalarWarnRounding
	case ctx.bracket && stepHi-stepLo <= tol.width*stepHi:
		task = scalarWarnWidth
	case stp == tol.stepMax && f <= fTest && g <= gTest:
		task = scalarWarnAtMax
	case stp == tol.stepMin && (f > fTest || g >= gTest):
		task = scalarWarnAtMin
	case f <= fTest && math.Abs(g) <= tol.curvature*(-ctx.g0):
		task = scalarConv
	}
	if task&(scalarWarn|scalarConv) > 0 {
		return stp, task
	}

	if ctx.stage == stageArmijo && f <= fTest && g >= zero {
		ctx.stage = stageWolfe
	}

	// While ψ drives the search, interpolate on the modified values.
	if ctx.stage == stageArmijo && f <= ctx.fx && f > fTest {
		fm := f - stp*gTest
		fxm := ctx.fx - ctx.stx*gTest
		fym := ctx.fy - ctx.sty*gTest
		gm := g - gTest
		gxm := ctx.gx - gTest
		gym := ctx.gy - gTest
		stepInterp(&ctx.stx, &fxm, &gxm, &ctx.sty, &fym, &gym, &stp, fm, gm, &ctx.bracket, ctx.bound)
		ctx.fx = fxm + ctx.stx*gTest
		ctx.fy = fym + ctx.sty*gTest
		ctx.gx = gxm + gTest
		ctx.gy = gym + gTest
	} else {
		stepInterp(&ctx.stx, &ctx.fx, &ctx.gx, &ctx.sty, &ctx.fy, &ctx.gy, &stp, f, g, &ctx.bracket, ctx.bound)
	}

	// Force bisection when the interval shrinks too slowly.
	if ctx.bracket {
		if math.Abs(ctx.sty-ctx.stx) >= twoThirds*ctx.width[1] {
			stp = ctx.stx + half*(ctx.sty-ctx.stx)
		}
		ctx.width[1] = ctx.width[0]
		ctx.width[0] = math.Abs(ctx.sty - ctx.stx)
	}

	if ctx.bracket {
		stepLo = math.Min(ctx.stx, ctx.sty)
		stepHi = math.Max(ctx.stx, ctx.sty)
	} else {
		stepLo = stp + extraLow*(stp-ctx.stx)
		stepHi = stp + extraHigh*(stp-ctx.stx)
	}
	ctx.bound[0], ctx.bound[1] = stepLo, stepHi

	stp = math.Min(math.Max(stp, tol.stepMin), tol.stepMax)

	if ctx.bracket && (stp <= stepLo || stp >= stepHi) ||
		(ctx.bracket && stepHi-stepLo <= tol.width*stepHi) {
		stp = ctx.stx
	}

	return stp, scalarEval
}

// stepInterp computes a safeguarded trial step and updates the interval
// [stx, sty] known to contain a step satisfying both search conditions.
// stx always tracks the endpoint with the least function value; once
// bracket is true, min(stx,sty) < stp < max(stx,sty) holds and the
// derivative at stx points into the interval.
func stepInterp(
	stx, fx, dx *float64,
	sty, fy, dy *float64,
	stp *float64, fp, dp float64,
	bracket *bool, bound [2]float64) {

	stepMin, stepMax := bound[0], bound[1]
	sgnd := dp * (*dx / math.Abs(*dx))

	var next float64
	switch {
	case fp > *fx:
		// Higher value: the minimum is bracketed between stx and stp.
		// Take the cubic step when it lands closer to stx, otherwise
		// split it with the quadratic step.
		theta := three*(*fx-fp)/(*stp-*stx) + *dx + dp
		s := math.Max(math.Max(math.Abs(theta), math.Abs(*dx)), math.Abs(dp))
		gamma := s * math.Sqrt((theta/s)*(theta/s)-(*dx/s)*(dp/s))
		if *stp < *stx {
			gamma = -gamma
		}
		p := (gamma - *dx) + theta
		q := ((gamma - *dx) + gamma) + dp
		r := p / q
		cubic := *stx + r*(*stp-*stx)
		quad := *stx + ((*dx/((*fx-fp)/(*stp-*stx)+*dx))/two)*(*stp-*stx)
		if math.Abs(cubic-*stx) < math.Abs(quad-*stx) {
			next = cubic
		} else {
			next = cubic + (quad-cubic)/two
		}
		*bracket = true

	case sgnd < zero:
		// Lower value, opposite derivative signs: bracketed between
		// stx and stp. Prefer the farther of cubic and secant steps.
		theta := three*(*fx-fp)/(*stp-*stx) + *dx + dp
		s := math.Max(math.Max(math.Abs(theta), math.Abs(*dx)), math.Abs(dp))
		gamma := s * math.Sqrt((theta/s)*(theta/s)-(*dx/s)*(dp/s))
		if *stp > *stx {
			gamma = -gamma
		}
		p := (gamma - dp) + theta
		q := ((gamma - dp) + gamma) + *dx
		r := p / q
		cubic := *stp + r*(*stx-*stp)
		secant := *stp + (dp/(dp-*dx))*(*stx-*stp)
		if math.Abs(cubic-*stp) > math.Abs(secant-*stp) {
			next = cubic
		} else {
			next = secant
		}
		*bracket = true

	case math.Abs(dp) < math.Abs(*dx):
		// Lower value, same sign, shrinking derivative. The cubic is
		// only trusted when it tends to infinity along the step or its
		// minimum lies beyond stp; otherwise fall back to the secant.
		theta := three*(*fx-fp)/(*stp-*stx) + *dx + dp
		s := math.Max(math.Max(math.Abs(theta), math.Abs(*dx)), math.Abs(dp))
		// gamma = 0 only when the cubic does not tend to infinity
		// along the step direction.
		gamma := s * math.Sqrt(math.Max(zero, (theta/s)*(theta/s)-(*dx/s)*(dp/s)))
		if *stp > *stx {
			gamma = -gamma
		}
		p := (gamma - dp) + theta
		q := (gamma + (*dx - dp)) + gamma
		r := p / q
		var cubic float64
		switch {
		case r < zero && gamma != zero:
			cubic = *stp + r*(*stx-*stp)
		case *stp > *stx:
			cubic = stepMax
		default:
			cubic = stepMin
		}
		secant := *stp + (dp/(dp-*dx))*(*stx-*stp)
		if *bracket {
			if math.Abs(cubic-*stp) < math.Abs(secant-*stp) {
				next = cubic
			} else {
				next = secant
			}
			if *stp > *stx {
				next = math.Min(*stp+twoThirds*(*sty-*stp), next)
			} else {
				next = math.Max(*stp+twoThirds*(*sty-*stp), next)
			}
		} else {
			if math.Abs(cubic-*stp) > math.Abs(secant-*stp) {
				next = cubic
			} else {
				next = secant
			}
			next = math.Min(stepMax, next)
			next = math.Max(stepMin, next)
		}

	default:
		// Lower value, same sign, growing derivative. Without a
		// bracket the step runs to the window edge.
		if *bracket {
			theta := three*(fp-*fy)/(*sty-*stp) + *dy + dp
			s := math.Max(math.Max(math.Abs(theta), math.Abs(*dy)), math.Abs(dp))
			gamma := s * math.Sqrt((theta/s)*(theta/s)-(*dy/s)*(dp/s))
			if *stp > *sty {
				gamma = -gamma
			}
			p := (gamma - dp) + theta
			q := ((gamma - dp) + gamma) + *dy
			r := p / q
			next = *stp + r*(*sty-*stp)
		} else if *stp > *stx {
			next = stepMax
		} else {
			next = stepMin
		}
	}

	// Update the interval.
	if fp > *fx {
		*sty = *stp
		*fy = fp
		*dy = dp
	} else {
		if sgnd < zero {
			*sty = *stx
			*fy = *fx
			*dy = *dx
		}
		*stx = *stp
		*fx = fp
		*dx = dp
	}

	*stp = next
}
