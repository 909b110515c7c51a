// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "math"

// cauchyPoint computes the generalized Cauchy point: the first local
// minimizer of the quadratic model
//
//	m(x) = f + g'(x-xₖ) + ½(x-xₖ)'B(x-xₖ)
//
// along the piecewise linear path proj(xₖ - t·g) obtained by projecting the
// steepest descent ray onto the box. The walk visits the per-variable
// breakpoints in ascending order (a min-heap keeps ties stable by index) and
// stops at the first segment whose restricted model derivative turns
// non-negative. On return st.cp holds the Cauchy point and st.state the
// variables it pinned.
func cauchyPoint(pt *point, spec *runSpec, st *runState) numErr {

	// A zero projected gradient means the path never leaves x.
	xcp := st.cp
	if st.pgNorm <= zero {
		spec.trace.debugf("projected gradient is zero, Cauchy point = x")
		vcopy(spec.dim, pt.x, 1, xcp, 1)
		return numOK
	}

	m, n := spec.mem, spec.dim
	theta := st.theta
	col, col2 := st.col, 2*st.col

	brk := st.brk // breakpoint t per variable
	dir := st.dir // Cauchy direction, -g on moving variables

	// Compact form W = [ Y θS ]. The scratch is split into
	//	p = W'd, c = W'(xᶜ-x), w = the W row of the breaking variable,
	//	v = workspace for the middle-matrix solve.
	p := st.work[:2*m]
	c := st.work[2*m : 4*m]
	w := st.work[4*m : 6*m]
	v := st.work[6*m:]

	// Derivatives of the model restricted to the current segment:
	//	f1 = g'd = -d'd, f2 = -θ·f1 - p'Mp
	var f1, f2, f2org float64

	nFree := n
	nBreak := 0
	bkMin, bkArg := zero, 0
	bounded := true

	if col2 < 0 || col2 > len(p) || col2 > len(c) {
		panic("lbfgsb: cauchyPoint slice bounds")
	}
	for i := 0; i < col2; i++ {
		p[i] = zero
	}

	x, g := pt.x, pt.g
	b := spec.bounds

	// order holds breakpoint indices at the front and variables that are
	// unbounded along the ray at the back.
	state := st.state
	order := st.aux

	if n < 0 || n > len(x) || n > len(g) || n > len(b) ||
		n > len(dir) || n > len(xcp) || n > len(state) || n > len(order) {
		panic("lbfgsb: cauchyPoint slice bounds")
	}

	for i := 0; i < n; i++ {
		negG, bi := -g[i], b[i]
		var tl, tu float64
		if state[i] != statePinned && state[i] != stateLoose {
			if bi.hasLower() {
				tl = x[i] - bi.Lower
			}
			if bi.hasUpper() {
				tu = bi.Upper - x[i]
			}
			// A variable close enough to a bound counts as at it.
			state[i] = stateFree
			if bi.hasLower() && tl <= zero {
				if negG <= zero {
					state[i] = stateLower
				}
			} else if bi.hasUpper() && tu <= zero {
				if negG >= zero {
					state[i] = stateUpper
				}
			} else if math.Abs(negG) <= zero {
				state[i] = stateParked
			}
		}

		yrow := st.corrY[i*m : (i+1)*m]
		srow := st.corrS[i*m : (i+1)*m]

		if state[i] != stateFree && state[i] != stateLoose {
			dir[i] = zero
			continue
		}

		dir[i] = negG
		f1 -= negG * negG

		// p += -gᵢ [yᵢ sᵢ]'
		py, ps := p[:col], p[col:col2]
		if col < 0 || col > len(py) || col > len(ps) {
			panic("lbfgsb: cauchyPoint slice bounds")
		}
		ring := st.head
		for j := 0; j < col; j++ {
			py[j] += yrow[ring] * negG
			ps[j] += srow[ring] * negG
			ring = (ring + 1) % m
		}

		if bi.hasLower() && negG < zero {
			order[nBreak], brk[nBreak] = i, tl/(-negG)
			if nBreak == 0 || brk[nBreak] < bkMin {
				bkMin, bkArg = brk[nBreak], nBreak
			}
			nBreak++
		} else if bi.hasUpper() && negG > zero {
			order[nBreak], brk[nBreak] = i, tu/negG
			if nBreak == 0 || brk[nBreak] < bkMin {
				bkMin, bkArg = brk[nBreak], nBreak
			}
			nBreak++
		} else {
			// No bound limits this variable along the ray.
			nFree--
			order[nFree] = i
			if math.Abs(negG) > zero {
				bounded = false
			}
		}
	}

	if theta != one {
		scal(col, theta, p[col:col2], 1)
	}

	// Start the walk from xᶜ = x.
	vcopy(n, x, 1, xcp, 1)

	if nBreak == 0 && nFree == n {
		// The direction is the zero vector.
		return numOK
	}

	for i := 0; i < col2; i++ {
		c[i] = zero
	}
	f2 = -theta * f1
	f2org = f2

	if col > 0 {
		if err := middleSolve(spec, st, p, v); err != numOK {
			return err
		}
		f2 -= dot(col2, v, 1, p, 1)
	}

	dtMin := -f1 / f2
	dtSum := zero
	st.segs = 1

	spec.trace.debugf("cauchy search over %d breakpoints", nBreak)

	found := nBreak == 0
	nLeft := nBreak
	for round := 1; nLeft > 0; round++ {
		var bkIdx int
		var bkVal, bkOld float64
		if round == 1 {
			// The smallest breakpoint is already known; most walks
			// stop here and never pay for the heap.
			bkVal, bkIdx = bkMin, order[bkArg]
		} else {
			if round == 2 {
				// Swap the consumed minimum out before heapifying.
				if last := nBreak - 1; bkArg != last {
					brk[bkArg], brk[last] = brk[last], brk[bkArg]
					order[bkArg], order[last] = order[last], order[bkArg]
				}
			}
			heapNext(nLeft, brk, order, round > 2)
			bkOld, bkVal, bkIdx = brk[nLeft], brk[nLeft-1], order[nLeft-1]
		}

		dt := bkVal - bkOld

		// The minimizer sits inside this segment.
		if dtMin < dt {
			found = true
			break
		}

		// Otherwise the breaking variable gets fixed at its bound and
		// drops out of the direction.
		dtSum += dt
		nLeft--

		if bkIdx < 0 || bkIdx >= n {
			panic("lbfgsb: cauchyPoint slice bounds")
		}

		dBrk := dir[bkIdx]
		dBrk2 := dBrk * dBrk
		dir[bkIdx] = zero

		if dBrk > zero {
			xcp[bkIdx], state[bkIdx] = b[bkIdx].Upper, stateUpper
		} else {
			xcp[bkIdx], state[bkIdx] = b[bkIdx].Lower, stateLower
		}
		zBrk := xcp[bkIdx] - x[bkIdx]

		if nLeft == 0 && nBreak == n {
			// Every variable is fixed.
			dtMin = dt
			break
		}

		st.segs++

		// Roll the derivatives over the consumed segment:
		//	f1 += f2·dt + g² + θ·g·z - g·w'Mc
		//	f2 -= θ·g² + 2g·w'Mp + g²·w'Mw
		f1 += f2*dt + dBrk2 - theta*dBrk*zBrk
		f2 -= theta * dBrk2

		if col > 0 {
			axpy(col2, dt, p, 1, c, 1)

			w1, w2 := w[:col], w[col:col*2]
			if col > len(w1) || col > len(w2) {
				panic("lbfgsb: cauchyPoint slice bounds")
			}
			yrow := st.corrY[bkIdx*m : (bkIdx+1)*m]
			srow := st.corrS[bkIdx*m : (bkIdx+1)*m]
			ring := st.head
			for j := 0; j < col; j++ {
				w1[j] = yrow[ring]
				w2[j] = theta * srow[ring]
				ring = (ring + 1) % m
			}

			if err := middleSolve(spec, st, w, v); err != numOK {
				return err
			}
			wmc := dot(col2, c, 1, v, 1)
			wmp := dot(col2, p, 1, v, 1)
			wmw := dot(col2, w, 1, v, 1)

			axpy(col2, -dBrk, w, 1, p, 1)

			f1 += dBrk * wmc
			f2 += 2.0*dBrk*wmp - dBrk2*wmw
		}

		f2 = math.Max(spec.eps*f2org, f2)
		dtMin = -f1 / f2
		if nLeft == 0 && bounded {
			f1, f2, dtMin = zero, zero, zero
		}
	}

	if nLeft == 0 || found {
		spec.trace.debugf("cauchy point in segment %d, distance to stationary %.2e", st.segs, dtMin)

		dtMin = math.Max(dtMin, zero)
		dtSum += dtMin

		// Advance the variables whose breakpoints were never reached.
		axpy(n, dtSum, dir, 1, xcp, 1)
	}

	// c = W'(xᶜ-x), reused by the reduced gradient.
	if col > 0 {
		axpy(col2, dtMin, p, 1, c, 1)
	}

	return numOK
}

// heapNext pops the smallest remaining breakpoint to brk[n-1], restoring the
// min-heap over brk[:n-1]. When sorted is false the heap is built first.
func heapNext(n int, brk []float64, order []int, sorted bool) {
	if n < 0 || n > len(brk) || n > len(order) {
		panic("lbfgsb: heapNext slice bounds")
	}

	if !sorted {
		for k := 1; k < n; k++ {
			i := k
			val, at := brk[i], order[i]
			for i > 0 && i < n {
				parent := (i - 1) / 2
				if val >= brk[parent] {
					break
				}
				brk[i], order[i] = brk[parent], order[parent]
				i = parent
			}
			brk[i], order[i] = val, at
		}
	}

	if n > 1 {
		topVal, topAt := brk[0], order[0]
		// Sift the last element down from the root.
		val, at := brk[n-1], order[n-1]
		i := 0
		for {
			j := 2*i + 1
			if j >= n {
				break
			}
			if j+1 < n && brk[j+1] < brk[j] {
				j++
			}
			if brk[j] >= val {
				break
			}
			brk[i], order[i] = brk[j], order[j]
			i = j
		}
		brk[i], order[i] = val, at
		brk[n-1], order[n-1] = topVal, topAt
	}
}

// partitionVars splits the variable indices into the free set and the active
// set fixed at the Cauchy point, and counts the variables that entered or
// left the free set since the previous iteration. Returns whether the K
// factorization must be rebuilt.
func partitionVars(spec *runSpec, st *runState) bool {
	n := spec.dim

	// idx[:nFree] are free, idx[nFree:] are active.
	// aux[:nEnter] entered the free set, aux[nLeave:] left it.
	idx := st.idx
	aux := st.aux
	state := st.state

	enter, leave := 0, n
	if st.iter > 0 && st.constrained {
		for _, k := range idx[:st.nFree] {
			if state[k] > stateFree {
				leave--
				aux[leave] = k
			}
		}
		for _, k := range idx[st.nFree:n] {
			if state[k] <= stateFree {
				aux[enter] = k
				enter++
			}
		}
		spec.trace.debugf("free set: %d leave, %d enter", n-leave, enter)
	}
	st.nEnter = enter
	st.nLeave = leave

	free, act := 0, n
	for i := 0; i < n; i++ {
		if state[i] <= stateFree {
			idx[free] = i
			free++
		} else {
			act--
			idx[act] = i
		}
	}
	st.nFree = free
	st.nActive = n - free

	return (leave < n) || (enter > 0) || st.updated
}
