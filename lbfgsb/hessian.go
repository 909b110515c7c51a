// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "math"

// The limited-memory matrix B is kept in the compact representation
//
//	B = θI - W M W',   W = [ Y θS ],   M = [ -D   L' ]⁻¹
//	                                       [  L  θS'S ]
//
// where D = diag(s'y) and L is the strictly lower triangle of S'Y over the
// stored corrections. Nothing of size dim×dim is ever formed; the routines
// below maintain the m×m and 2m×2m factors the solvers query.

// middleSolve computes p = Mv for a 2m interface vector v, using the
// Cholesky factor J'J of T = θS'S + LD⁻¹L' (held in st.cholT) to apply the
// block inverse:
//
//	[ -D   L' ]⁻¹ = ( [  D¹ᐟ²     0 ] [ -D¹ᐟ²  D⁻¹ᐟ²L' ] )⁻¹
//	[  L  θS'S ]     ( [ -LD⁻¹ᐟ²  J ] [  0     J'      ] )
//
// solved as two triangular sweeps.
func middleSolve(spec *runSpec, st *runState, v, p []float64) numErr {
	m := spec.mem
	col := st.col
	if col == 0 {
		return numOK
	}

	sy := st.dotSY
	jt := st.cholT

	v1, v2 := v[:col], v[col:2*col]
	p1, p2 := p[:col], p[col:2*col]

	// Forward block: p2 = J⁻¹(v2 + LD⁻¹v1), p1 = D⁻¹ᐟ²v1.
	p2[0] = v2[0]
	for i := 1; i < col; i++ {
		var sum float64
		for j := 0; j < i; j++ {
			sum += sy[i*m+j] * v1[j] / sy[j*m+j]
		}
		p2[i] = v2[i] + sum
	}
	if trisolve(jt, m, col, p2, 1, solveUpperTrans) != 0 {
		return errSingular
	}
	for i := 0; i < col; i++ {
		p1[i] = v1[i] / math.Sqrt(sy[i*m+i])
	}

	// Backward block: p2 = J⁻ᵀp2, p1 = -D⁻¹ᐟ²p1 + D⁻¹L'p2.
	if trisolve(jt, m, col, p2, 1, solveUpper) != 0 {
		return errSingular
	}
	for i := 0; i < col; i++ {
		p1[i] /= -math.Sqrt(sy[i*m+i])
	}
	for i := 0; i < col; i++ {
		var sum float64
		for j := i + 1; j < col; j++ {
			sum += sy[j*m+i] * p2[j] / sy[i*m+i]
		}
		p1[i] += sum
	}

	return numOK
}

// storeCorrection folds the step s = stp·d and the gradient change
// y = g₊ - g into the correction ring, refreshing θ = y'y/s'y and the S'Y /
// S'S triangles. The pair is discarded (history untouched) when the
// curvature s'y is not sufficiently positive, which keeps B positive
// definite.
func storeCorrection(pt *point, spec *runSpec, st *runState) {
	n, m := spec.dim, spec.mem

	s := st.dir   // step direction, scaled below
	y := st.gSave // holds the previous gradient on entry

	if len(y) < len(pt.g) {
		panic("lbfgsb: storeCorrection slice bounds")
	}
	for i, g := range pt.g {
		y[i] = g - y[i]
	}

	yy := dot(n, y, 1, y, 1)
	sy := st.gd - st.gd0
	yNrm := -st.gd0
	if st.stp != one {
		sy *= st.stp
		yNrm *= st.stp
		scal(n, st.stp, s, 1)
	}

	// Curvature safeguard: skip unless s'y clears eps times the descent
	// magnitude -stp·g'd.
	if sy <= spec.eps*yNrm {
		st.skips++
		st.updated = false
		spec.trace.debugf("skipping correction, s'y=%g below curvature threshold", sy)
		return
	}

	st.updated = true
	st.updates++

	// Advance the ring, evicting the oldest pair once full.
	if st.updates <= m {
		st.col = st.updates
		st.tail = (st.head + st.updates - 1) % m
	} else {
		st.tail = (st.tail + 1) % m
		st.head = (st.head + 1) % m
	}

	corrS, corrY := st.corrS, st.corrY
	dSY, dSS := st.dotSY, st.dotSS

	vcopy(n, s, 1, corrS[st.tail:], m)
	vcopy(n, y, 1, corrY[st.tail:], m)

	st.theta = yy / sy

	// Shift the S'S upper and S'Y lower triangles when a pair was evicted.
	col := st.col
	if st.updates > m {
		for j := 0; j < col-1; j++ {
			vcopy(col-(j+1), dSS[(j+1)*m+(j+1):], 1, dSS[j*m+j:], 1)
			vcopy(j+1, dSY[(j+1)*m+1:], 1, dSY[j*m:], 1)
		}
	}

	// New last row of S'Y and last column of S'S.
	ring := st.head
	for j := 0; j < col-1; j++ {
		dSY[(col-1)*m+j] = dot(n, s, 1, corrY[ring:], m)
		dSS[j*m+(col-1)] = dot(n, corrS[ring:], m, s, 1)
		ring = (ring + 1) % m
	}

	dSY[(col-1)*m+(col-1)] = sy
	dSS[(col-1)*m+(col-1)] = st.dNormSq
	if st.stp != one {
		dSS[(col-1)*m+(col-1)] *= st.stp * st.stp
	}
}

// factorT forms T = θS'S + LD⁻¹L' in the upper triangle of st.cholT and
// Cholesky factors it, leaving J' there for the middle-matrix solves.
func factorT(spec *runSpec, st *runState) numErr {
	m := spec.mem
	col := st.col
	theta := st.theta

	jt := st.cholT
	dSS, dSY := st.dotSS, st.dotSY

	if col < 0 || col > len(jt) || col > len(dSS) {
		panic("lbfgsb: factorT slice bounds")
	}

	for j := 0; j < col; j++ {
		jt[j] = theta * dSS[j]
	}
	for i := 1; i < col; i++ {
		for j := i; j < col; j++ {
			var ldl float64
			for k := 0; k < min(i, j); k++ {
				ldl += dSY[i*m+k] * dSY[j*m+k] / dSY[k*m+k]
			}
			jt[i*m+j] = ldl + theta*dSS[i*m+j]
		}
	}

	if cholesky(jt, m, col) != 0 {
		return errCholT
	}
	return numOK
}

// factorK forms the LEL' factorization of the indefinite matrix
//
//	K = [ -D - Y'ZZ'Y/θ   La' - Rz' ]       E = [ -I  0 ]
//	    [ La - Rz         θS'AA'S   ]           [  0  I ]
//
// where Z selects the free variables, A the active ones, La is the strict
// lower triangle of S'AA'Y and Rz the upper triangle of S'ZZ'Y. st.rawK
// caches the raw inner products between iterations so only the rows touched
// by new corrections or by free-set churn are recomputed.
func factorK(spec *runSpec, st *runState) numErr {
	n, m := spec.dim, spec.mem
	col, head := st.col, st.head

	m2 := 2 * m
	col2 := 2 * col

	kf := st.factK
	kr := st.rawK

	corrS, corrY, dSY := st.corrS, st.corrY, st.dotSY
	if col < 0 || col > len(kf) || col2 < 0 || col2 > len(kf) {
		panic("lbfgsb: factorK slice bounds")
	}

	idx := st.idx
	aux := st.aux

	if st.updated {
		if st.updates > m {
			// Shift the cached products over the evicted pair.
			for jy := 0; jy < m-1; jy++ {
				js := m + jy
				y0, y1 := jy*m2, (jy+1)*m2+1
				vcopy(jy+1, kr[y1:], 1, kr[y0:], 1) // Y'ZZ'Y
				s0, s1 := js*m2+m, (js+1)*m2+1+m
				vcopy(jy+1, kr[s1:], 1, kr[s0:], 1) // S'AA'S
				r0, r1 := js*m2, (js+1)*m2+1
				vcopy(m-1, kr[r1:], 1, kr[r0:], 1) // La + Rz
			}
		}

		freeAt, activeAt := idx[:st.nFree], idx[st.nFree:n]

		// New last rows of blocks (1,1), (2,1) and (2,2).
		iRing := (head + col - 1) % m
		jRing := head

		rowY := kr[(col-1)*m2:]
		rowS := kr[(m+col-1)*m2:]
		for jy := 0; jy < col; jy++ {
			js := m + jy

			var yzy, sas, say float64
			for _, k := range freeAt {
				yzy += corrY[k*m+iRing] * corrY[k*m+jRing]
			}
			for _, k := range activeAt {
				sas += corrS[k*m+iRing] * corrS[k*m+jRing]
				say += corrS[k*m+iRing] * corrY[k*m+jRing]
			}
			rowY[jy] = yzy
			rowS[js] = sas
			rowS[jy] = say // La
			jRing = (jRing + 1) % m
		}

		// New last column of block (2,1).
		jRing = (head + col - 1) % m
		iRing = head

		colR := kr[(m*m2)+col-1:]
		for i := 0; i < col; i++ {
			var szy float64
			for _, k := range freeAt {
				szy += corrS[k*m+iRing] * corrY[k*m+jRing]
			}
			colR[i*m2] = szy // Rz
			iRing = (iRing + 1) % m
		}
	}

	// Patch the older entries for the variables that switched sets.
	nOld := col
	if st.updated {
		nOld--
	}

	enter, leave := st.nEnter, st.nLeave

	iRing := head
	for iy := 0; iy < nOld; iy++ {
		is := m + iy
		jRing := head
		for jy := 0; jy <= iy; jy++ {
			js := m + jy

			var yIn, sIn, yOut, sOut float64
			for _, k := range aux[:enter] { // moved from active to free
				yIn += corrY[k*m+iRing] * corrY[k*m+jRing]
				sIn += corrS[k*m+iRing] * corrS[k*m+jRing]
			}
			for _, k := range aux[leave:n] { // moved from free to active
				yOut += corrY[k*m+iRing] * corrY[k*m+jRing]
				sOut += corrS[k*m+iRing] * corrS[k*m+jRing]
			}

			kr[iy*m2+jy] += yIn - yOut
			kr[is*m2+js] += sOut - sIn
			jRing = (jRing + 1) % m
		}
		iRing = (iRing + 1) % m
	}

	iRing = head
	for is := m; is < m+nOld; is++ {
		jRing := head
		for jy := 0; jy < nOld; jy++ {
			var sayIn, syOut float64
			for _, k := range aux[:enter] {
				sayIn += corrS[k*m+iRing] * corrY[k*m+jRing]
			}
			for _, k := range aux[leave:n] {
				syOut += corrS[k*m+iRing] * corrY[k*m+jRing]
			}
			if is-m <= jy { // Rz block
				kr[is*m2+jy] += sayIn - syOut
			} else { // La block
				kr[is*m2+jy] -= sayIn - syOut
			}
			jRing = (jRing + 1) % m
		}
		iRing = (iRing + 1) % m
	}

	// Assemble the upper triangle of the 2col × 2col matrix
	//	[ D + Y'ZZ'Y/θ   -La' + Rz' ]
	//	[ -La + Rz        θS'AA'S   ]
	theta := st.theta
	for iy := 0; iy < col; iy++ {
		is := col + iy
		is1 := m + iy

		for jy := 0; jy <= iy; jy++ {
			js := col + jy
			js1 := m + jy
			kf[jy*m2+iy] = kr[iy*m2+jy] / theta
			kf[js*m2+is] = kr[is1*m2+js1] * theta
		}
		for jy := 0; jy < iy; jy++ {
			kf[jy*m2+is] = -kr[is1*m2+jy]
		}
		for jy := iy; jy < col; jy++ {
			kf[jy*m2+is] = kr[is1*m2+jy]
		}
		kf[iy*m2+iy] += dSY[iy*m+iy]
	}

	// Factor: Cholesky the (1,1) block, push L⁻¹ through the (1,2) block,
	// complete the Schur complement and Cholesky the (2,2) block.
	if cholesky(kf, m2, col) != 0 {
		return errCholK1
	}
	for js := col; js < col2; js++ {
		trisolve(kf, m2, col, kf[js:], m2, solveUpperTrans)
	}
	for is := col; is < col2; is++ {
		for js := is; js < col2; js++ {
			kf[is*m2+js] += dot(col, kf[is:], m2, kf[js:], m2)
		}
	}
	if cholesky(kf[col*m2+col:], m2, col) != 0 {
		return errCholK2
	}

	return numOK
}
