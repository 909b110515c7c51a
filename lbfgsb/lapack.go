// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "math"

// Strided BLAS-1 kernels and the two LINPACK factorization routines the
// compact L-BFGS-B representation needs. The work arrays address triangular
// blocks with a Fortran leading dimension, so the kernels keep explicit
// increments instead of adopting a matrix library.

// dot returns x·y over n elements with the given increments.
func dot(n int, x []float64, incx int, y []float64, incy int) (d float64) {
	if n <= 0 {
		return zero
	}
	lx, ly := uint(incx*(n-1)), uint(incy*(n-1))
	if lx >= uint(len(x)) || ly >= uint(len(y)) {
		panic("lbfgsb: dot slice bounds")
	}
	ix, iy := uint(0), uint(0)
	for ix <= lx && iy <= ly {
		d += x[ix] * y[iy]
		ix += uint(incx)
		iy += uint(incy)
	}
	return
}

// axpy computes y += a*x over n elements with the given increments.
func axpy(n int, a float64, x []float64, incx int, y []float64, incy int) {
	if n <= 0 || a == zero {
		return
	}
	lx, ly := uint(incx*(n-1)), uint(incy*(n-1))
	if lx >= uint(len(x)) || ly >= uint(len(y)) {
		panic("lbfgsb: axpy slice bounds")
	}
	ix, iy := uint(0), uint(0)
	for ix <= lx && iy <= ly {
		y[iy] += a * x[ix]
		ix += uint(incx)
		iy += uint(incy)
	}
}

// vcopy copies n elements of x into y with the given increments.
func vcopy(n int, x []float64, incx int, y []float64, incy int) {
	if n <= 0 {
		return
	}
	if incx == 1 && incy == 1 {
		copy(y[:n], x[:n])
		return
	}
	lx, ly := uint(incx*(n-1)), uint(incy*(n-1))
	if lx >= uint(len(x)) || ly >= uint(len(y)) {
		panic("lbfgsb: vcopy slice bounds")
	}
	ix, iy := uint(0), uint(0)
	for ix <= lx && iy <= ly {
		y[iy] = x[ix]
		ix += uint(incx)
		iy += uint(incy)
	}
}

// scal multiplies n elements of x by a with the given increment.
func scal(n int, a float64, x []float64, incx int) {
	if n <= 0 || incx <= 0 {
		return
	}
	l := uint(incx * n)
	if l > uint(len(x)) {
		panic("lbfgsb: scal slice bounds")
	}
	for i := uint(0); i < l; i += uint(incx) {
		x[i] *= a
	}
}

// Triangular solve variants. The transposed flavors solve T'x = b.
const (
	solveLower = iota
	solveUpper
	solveLowerTrans
	solveUpperTrans
)

// trisolve solves T*x = b or T'*x = b in place, where T is the n-order
// triangular block of t with leading dimension ldt and b is strided by ldb.
// Returns the 1-based index of the first zero diagonal element when the
// system is singular, 0 otherwise.
func trisolve(t []float64, ldt, n int, b []float64, ldb int, job int) int {
	tn := uint(ldt * n)
	if len(t) == 0 || len(b) == 0 || tn > uint(len(t)) {
		panic("lbfgsb: trisolve slice bounds")
	}

	for at := uint(0); at < tn; at += uint(1 + ldt) {
		if t[at] == zero {
			return 1 + int(at)/(1+ldt)
		}
	}

	switch job {
	case solveLower:
		b[0] /= t[0]
		for j := 1; j < n; j++ {
			axpy(n-j, -b[(j-1)*ldb], t[j*ldt+(j-1):], ldt, b[j*ldb:], ldb)
			b[j*ldb] /= t[j*ldt+j]
		}
	case solveUpper:
		b[(n-1)*ldb] /= t[(n-1)*ldt+(n-1)]
		for j := n - 2; j >= 0; j-- {
			axpy(j+1, -b[(j+1)*ldb], t[j+1:], ldt, b, ldb)
			b[j*ldb] /= t[j*ldt+j]
		}
	case solveLowerTrans:
		b[(n-1)*ldb] /= t[(n-1)*ldt+(n-1)]
		for j := n - 2; j >= 0; j-- {
			s := dot((n-1)-j, t[(j+1)*ldt+j:], ldt, b[(j+1)*ldb:], ldb)
			b[j*ldb] = (b[j*ldb] - s) / t[j*ldt+j]
		}
	case solveUpperTrans:
		b[0] /= t[0]
		for j := 1; j < n; j++ {
			s := dot(j, t[j:], ldt, b, ldb)
			b[j*ldb] = (b[j*ldb] - s) / t[j*ldt+j]
		}
	default:
		return -1
	}
	return 0
}

// cholesky factors the n-order symmetric positive definite block of a
// (leading dimension lda) as R'R, overwriting the upper triangle with R.
// Returns k > 0 when the leading minor of order k is not positive definite.
func cholesky(a []float64, lda, n int) int {
	if n > len(a) {
		panic("lbfgsb: cholesky slice bounds")
	}
	for j := 0; j < n; j++ {
		var s float64
		for k := 0; k < j; k++ {
			t := (a[k*lda+j] - dot(k, a[k:], lda, a[j:], lda)) / a[k*lda+k]
			a[k*lda+j] = t
			s += t * t
		}
		s = a[j*lda+j] - s
		if s <= zero {
			return j + 1
		}
		a[j*lda+j] = math.Sqrt(s)
	}
	return 0
}
