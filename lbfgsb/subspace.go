// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "math"

// reducedGradient computes r = -Z'(g + B(xᶜ-x)) over the free variables,
// the gradient of the quadratic model at the Cauchy point restricted to the
// free subspace:
//
//	r = Z'(-g - θ(xᶜ-x) + WMc),  c = W'(xᶜ-x)
//
// c is left in the scratch by the Cauchy search. The result lands in
// st.gSave[:nFree], which the subspace step then turns into the Newton
// direction.
func reducedGradient(pt *point, spec *runSpec, st *runState) numErr {
	x, g := pt.x, pt.g
	n, m := spec.dim, spec.mem

	theta := st.theta
	idx := st.idx
	col, head, free := st.col, st.head, st.nFree

	xc := st.cp
	r := st.gSave

	c := st.work[2*m : 4*m]
	v := st.work[:2*m]

	if (n < 0 || n > len(r) || n > len(g)) || (col < 0 || col > len(v)) ||
		(free < 0 || free > len(r)) || (len(xc) != len(x) || len(xc) != len(g)) {
		panic("lbfgsb: reducedGradient slice bounds")
	}

	if !st.constrained && col > 0 {
		// Unconstrained with memory: xᶜ = x, so r = -g.
		for i := 0; i < n; i++ {
			r[i] = -g[i]
		}
		return numOK
	}

	for i, k := range idx[:free] {
		r[i] = -theta*(xc[k]-x[k]) - g[k]
	}

	if err := middleSolve(spec, st, c, v); err != numOK {
		return err
	}

	// r += W·Mc.
	ring := head
	corrS, corrY := st.corrS, st.corrY
	for j := 0; j < col; j++ {
		mc1, mc2 := v[j], theta*v[col+j]
		for i, k := range idx[:free] {
			r[i] += corrY[k*m+ring]*mc1 + corrS[k*m+ring]*mc2
		}
		ring = (ring + 1) % m
	}

	return numOK
}

// subspaceStep minimizes the quadratic model over the free variables,
// holding the active set at its bounds. The unconstrained Newton direction
// follows from the Sherman-Morrison form of the reduced Hessian,
//
//	du = r/θ + Z'W K⁻¹ W'Z r / θ²
//
// with K⁻¹ applied through the LEL' factors built by factorK. The step is
// then projected back into the box; if the projected direction is not a
// descent direction the path is truncated at the first bound crossing
// instead. On exit st.cp holds the subspace minimizer.
func subspaceStep(pt *point, spec *runSpec, st *runState) numErr {
	free := st.nFree
	if free <= 0 {
		return numOK
	}

	n, m, b := spec.dim, spec.mem, spec.bounds
	col, head := st.col, st.head

	m2 := 2 * m
	col2 := 2 * col

	idx := st.idx
	theta := st.theta

	x := st.cp    // Cauchy point in, subspace minimizer out
	d := st.gSave // reduced gradient in, Newton direction out
	xp := st.xBack

	corrS, corrY := st.corrS, st.corrY
	kf := st.factK

	wv := st.work[:m2]

	if n < 0 || n > len(x) || n > len(xp) || col < 0 || col > len(wv) ||
		free > len(d) || free > len(x) || free > len(b) || free > len(idx) {
		panic("lbfgsb: subspaceStep slice bounds")
	}

	// wv = W'Z r.
	ring := head
	for i := 0; i < col; i++ {
		var yr, sr float64
		for j, k := range idx[:free] {
			yr += corrY[k*m+ring] * d[j]
			sr += corrS[k*m+ring] * d[j]
		}
		wv[i] = yr
		wv[col+i] = theta * sr
		ring = (ring + 1) % m
	}

	// Apply K⁻¹ = L⁻ᵀ E⁻¹ L⁻¹ (E flips the sign of the first block).
	if trisolve(kf, m2, col2, wv, 1, solveUpperTrans) != 0 {
		return errSingular
	}
	scal(col, -one, wv, 1)
	if trisolve(kf, m2, col2, wv, 1, solveUpper) != 0 {
		return errSingular
	}

	// d = (r + Z'W wv/θ) / θ.
	ring = head
	for jy := 0; jy < col; jy++ {
		js := col + jy
		for i, k := range idx[:free] {
			d[i] += (corrY[k*m+ring] * wv[jy] / theta) + (corrS[k*m+ring] * wv[js])
		}
		ring = (ring + 1) % m
	}
	for i := 0; i < free; i++ {
		d[i] *= one / theta
	}

	vcopy(n, x, 1, xp, 1)

	// Project x + du onto the box.
	clipped := false
	for i, k := range idx[:free] {
		dk := d[i]
		xk := x[k]
		bk := b[k]
		switch bk.Typ {
		case NoBound:
			x[k] = xk + dk
		case LowerBound:
			x[k] = math.Max(bk.Lower, xk+dk)
			clipped = clipped || x[k] == bk.Lower
		case UpperBound:
			x[k] = math.Min(bk.Upper, xk+dk)
			clipped = clipped || x[k] == bk.Upper
		case BothBounds:
			x[k] = math.Min(bk.Upper, math.Max(bk.Lower, xk+dk))
			clipped = clipped || x[k] == bk.Lower || x[k] == bk.Upper
		}
	}

	if clipped {
		st.subRes = subClipped
	} else {
		st.subRes = subInside
	}

	// Clipping can flip the direction uphill; check (x̂-xₖ)'gₖ.
	ascent := zero
	if clipped {
		xx, gg := pt.x, pt.g
		if n > len(x) || n > len(xx) || n > len(gg) {
			panic("lbfgsb: subspaceStep slice bounds")
		}
		for i := 0; i < n; i++ {
			ascent += (x[i] - xx[i]) * gg[i]
		}
	}

	if ascent > zero {
		// Not a descent direction: truncate the raw Newton path at the
		// first bound crossing instead of projecting.
		copy(x[:n], xp[:n])
		spec.trace.debugf("projected subspace step is uphill, backtracking into the box")

		alpha := one
		stp := alpha
		cut := 0
		for i, k := range idx[:free] {
			dk := d[i]
			bk := b[k]
			if bk.Typ == NoBound {
				continue
			}
			if dk < zero && bk.hasLower() {
				if span := bk.Lower - x[k]; span >= 0 {
					stp = zero
				} else if dk*alpha < span {
					stp = span / dk
				}
			} else if dk > zero && bk.hasUpper() {
				if span := bk.Upper - x[k]; span <= 0 {
					stp = zero
				} else if dk*alpha > span {
					stp = span / dk
				}
			}
			if stp < alpha {
				alpha = stp
				cut = i
			}
		}

		if alpha < one {
			dk := d[cut]
			k := idx[cut]
			if dk > zero {
				x[k] = b[k].Upper
				d[cut] = zero
			} else if dk < zero {
				x[k] = b[k].Lower
				d[cut] = zero
			}
		}

		for i, k := range idx[:free] {
			x[k] += alpha * d[i]
		}
	}

	return numOK
}
