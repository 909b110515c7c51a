// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRun wires a bare spec/state pair the sub-solvers can run on.
func newTestRun(n, m int, bounds []Bound) (*runSpec, *runState) {
	if bounds == nil {
		bounds = make([]Bound, n)
	}
	spec := &runSpec{
		dim: n, mem: m,
		eps:    2.220446049250313e-16,
		bounds: bounds,
		stop:   Stop{MaxIterations: 100, MaxEvaluations: 1 << 30},
		search: SearchControl{}.withDefaults(),
	}
	st := &runState{}
	st.init(n, m)
	st.clearRun()
	return spec, st
}

func TestHeapNext(tt *testing.T) {
	for k := 1; k < 500; k++ {
		brk := make([]float64, k)
		order := make([]int, k)
		for i := range brk {
			brk[i] = float64(i)
			order[i] = i
		}
		rand.Shuffle(k, func(i, j int) {
			brk[i], brk[j] = brk[j], brk[i]
			order[i], order[j] = order[j], order[i]
		})

		for n := k; n > 1; n-- {
			heapNext(n, brk, order, n < k)
			heap := brk[:n-1]
			// The root of the remaining heap is its minimum and the
			// popped element does not exceed it.
			if slices.Min(heap) != heap[0] || brk[n-1] > heap[0] {
				tt.Fatalf("heap property broken at n=%v: %v", n, brk)
			}
		}

		// Popping minima to the tail leaves the values descending, with
		// the companion array still tracking them.
		for i := range brk {
			if brk[i] != float64(k-1-i) || order[i] != k-1-i {
				tt.Fatalf("pop order broken: %v %v", brk, order)
			}
		}
	}
}

func TestCauchyPointUnconstrained(t *testing.T) {
	// With an empty memory B = I, so the Cauchy point of an unbounded
	// walk is exactly x - g.
	spec, st := newTestRun(3, 5, nil)
	pt := &point{x: []float64{1, -2, 3}, g: []float64{0.5, -1, 2}}

	clampInitial(pt, spec, st)
	st.pgNorm = projGradNorm(pt, spec)
	require.Equal(t, numOK, cauchyPoint(pt, spec, st))

	for i := range pt.x {
		assert.InDelta(t, pt.x[i]-pt.g[i], st.cp[i], 1e-12)
	}
}

func TestCauchyPointHitsBound(t *testing.T) {
	// The steepest descent ray crosses the lower bound before the
	// unconstrained minimizer, so the variable is fixed there.
	bounds := []Bound{{Typ: BothBounds, Lower: -0.5, Upper: 10}}
	spec, st := newTestRun(1, 5, bounds)
	pt := &point{x: []float64{0}, g: []float64{1}}

	clampInitial(pt, spec, st)
	st.pgNorm = projGradNorm(pt, spec)
	require.Equal(t, numOK, cauchyPoint(pt, spec, st))

	assert.Equal(t, -0.5, st.cp[0])
	assert.Equal(t, stateLower, st.state[0])
}

func TestCauchyPointStopsInSegment(t *testing.T) {
	// The unconstrained minimizer x - g sits inside the box, so no
	// breakpoint is consumed and the walk stops in the first segment.
	bounds := []Bound{
		{Typ: BothBounds, Lower: -10, Upper: 10},
		{Typ: BothBounds, Lower: -10, Upper: 10},
	}
	spec, st := newTestRun(2, 5, bounds)
	pt := &point{x: []float64{1, 1}, g: []float64{2, -3}}

	clampInitial(pt, spec, st)
	st.pgNorm = projGradNorm(pt, spec)
	require.Equal(t, numOK, cauchyPoint(pt, spec, st))

	assert.Equal(t, 1, st.segs)
	for i := range pt.x {
		assert.InDelta(t, pt.x[i]-pt.g[i], st.cp[i], 1e-12)
	}
}

func TestPartitionVars(t *testing.T) {
	bounds := []Bound{
		{Typ: BothBounds, Lower: -1, Upper: 1},
		{Typ: BothBounds, Lower: -1, Upper: 1},
		{Typ: BothBounds, Lower: -1, Upper: 1},
	}
	spec, st := newTestRun(3, 5, bounds)
	st.constrained = true
	st.updated = true
	st.state[0] = stateFree
	st.state[1] = stateUpper
	st.state[2] = stateFree

	wrk := partitionVars(spec, st)
	assert.True(t, wrk)
	assert.Equal(t, 2, st.nFree)
	assert.Equal(t, 1, st.nActive)
	assert.ElementsMatch(t, []int{0, 2}, st.idx[:2])
	assert.Equal(t, []int{1}, st.idx[2:])

	// A second pass with an unchanged partition and no fresh correction
	// reports that K can be reused.
	st.iter = 1
	st.updated = false
	assert.False(t, partitionVars(spec, st))
}
