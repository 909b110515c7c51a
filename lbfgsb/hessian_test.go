// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushCorrection feeds one accepted (s, y) pair through storeCorrection with
// a unit step, faking the line search scalars the routine reads.
func pushCorrection(spec *runSpec, st *runState, pt *point, s, y []float64) {
	n := spec.dim
	copy(st.dir, s)
	for i := 0; i < n; i++ {
		st.gSave[i] = 0
		pt.g[i] = y[i]
	}
	st.stp = 1
	st.gd = dot(n, y, 1, s, 1)
	st.gd0 = 0
	st.dNormSq = dot(n, s, 1, s, 1)
	storeCorrection(pt, spec, st)
}

func TestStoreCorrectionScaling(t *testing.T) {
	spec, st := newTestRun(2, 3, nil)
	pt := &point{x: make([]float64, 2), g: make([]float64, 2)}

	pushCorrection(spec, st, pt, []float64{1, 0}, []float64{2, 0})

	require.True(t, st.updated)
	assert.Equal(t, 1, st.col)
	// θ = y'y / s'y.
	assert.InDelta(t, 2.0, st.theta, 1e-12)
	assert.InDelta(t, 2.0, st.dotSY[0], 1e-12)
	assert.InDelta(t, 1.0, st.dotSS[0], 1e-12)
}

func TestStoreCorrectionSkipsFlatCurvature(t *testing.T) {
	spec, st := newTestRun(2, 3, nil)
	pt := &point{x: make([]float64, 2), g: make([]float64, 2)}

	// y = 0 gives s'y = 0, which must not enter the memory.
	pushCorrection(spec, st, pt, []float64{1, 0}, []float64{0, 0})

	assert.False(t, st.updated)
	assert.Equal(t, 0, st.col)
	assert.Equal(t, 1, st.skips)
}

func TestStoreCorrectionEvictsOldest(t *testing.T) {
	spec, st := newTestRun(2, 2, nil)
	pt := &point{x: make([]float64, 2), g: make([]float64, 2)}

	pushCorrection(spec, st, pt, []float64{1, 0}, []float64{2, 0})
	pushCorrection(spec, st, pt, []float64{0, 1}, []float64{0, 3})
	pushCorrection(spec, st, pt, []float64{1, 1}, []float64{1, 4})

	m := spec.mem
	assert.Equal(t, 2, st.col)
	assert.Equal(t, 3, st.updates)
	assert.Equal(t, 1, st.head)
	assert.Equal(t, 0, st.tail)

	// The newest pair lands in the evicted slot.
	assert.Equal(t, []float64{1, 1}, []float64{st.corrS[0*m+0], st.corrS[1*m+0]})
	assert.Equal(t, []float64{1, 4}, []float64{st.corrY[0*m+0], st.corrY[1*m+0]})

	// Triangles hold the surviving pairs in ring order: the diagonal of
	// S'Y carries their curvatures, the last row the cross products.
	assert.InDelta(t, 3.0, st.dotSY[0*m+0], 1e-12)
	assert.InDelta(t, 5.0, st.dotSY[1*m+1], 1e-12)
	assert.InDelta(t, 3.0, st.dotSY[1*m+0], 1e-12) // s₃·y₂
	assert.InDelta(t, 1.0, st.dotSS[0*m+0], 1e-12)
	assert.InDelta(t, 1.0, st.dotSS[0*m+1], 1e-12) // s₂·s₃
	assert.InDelta(t, 2.0, st.dotSS[1*m+1], 1e-12)
	assert.InDelta(t, 17.0/5.0, st.theta, 1e-12)
}

func TestMiddleSolveSingleCorrection(t *testing.T) {
	// With one stored pair the middle matrix is diag(-D, θS'S)⁻¹, easy
	// to verify by hand.
	spec, st := newTestRun(2, 3, nil)
	pt := &point{x: make([]float64, 2), g: make([]float64, 2)}

	pushCorrection(spec, st, pt, []float64{1, 1}, []float64{1, 1})
	require.Equal(t, numOK, factorT(spec, st))

	// D = s'y = 2, θ = 1, θS'S = 2.
	v := []float64{1, 1, 0, 0, 0, 0}
	p := make([]float64, 6)
	require.Equal(t, numOK, middleSolve(spec, st, v, p))
	assert.InDelta(t, -0.5, p[0], 1e-12)
	assert.InDelta(t, 0.5, p[1], 1e-12)
}

func TestFactorTNotPositiveDefinite(t *testing.T) {
	spec, st := newTestRun(2, 3, nil)
	pt := &point{x: make([]float64, 2), g: make([]float64, 2)}

	pushCorrection(spec, st, pt, []float64{1, 0}, []float64{2, 0})
	// Sabotage the stored S'S diagonal so T loses positive definiteness.
	st.dotSS[0] = -1
	assert.Equal(t, errCholT, factorT(spec, st))
}
