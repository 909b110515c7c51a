// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// driveScalar runs the step-search conversation on a one-dimensional
// function until it reaches a terminal status.
func driveScalar(t *testing.T, phi, der func(float64) float64, stp0 float64, tol scalarTol) (float64, searchStatus) {
	t.Helper()

	var ctx scalarCtx
	f, g := phi(0), der(0)
	stp, task := stp0, scalarStart
	for i := 0; i < 100; i++ {
		stp, task = stepSearch(f, g, stp, task, &tol, &ctx)
		if task&scalarEval == 0 {
			return stp, task
		}
		f, g = phi(stp), der(stp)
	}
	t.Fatal("scalar search did not terminate")
	return stp, task
}

func wolfeHolds(stp float64, phi, der func(float64) float64, tol scalarTol) bool {
	phi0, der0 := phi(0), der(0)
	if phi(stp) > phi0+tol.decrease*stp*der0 {
		return false
	}
	return math.Abs(der(stp)) <= tol.curvature*math.Abs(der0)
}

func TestStepSearchWolfe(t *testing.T) {
	tol := scalarTol{
		decrease:  1e-4,
		curvature: 0.9,
		width:     1e-14,
		stepMin:   1e-8,
		stepMax:   50,
	}

	cases := []struct {
		name     string
		phi, der func(float64) float64
	}{
		{
			"quartic",
			func(s float64) float64 { return -s - s*s*s + s*s*s*s },
			func(s float64) float64 { return -1 - 3*s*s + 4*s*s*s },
		},
		{
			"exp",
			func(s float64) float64 { return math.Exp(-4*s) + s*s },
			func(s float64) float64 { return -4*math.Exp(-4*s) + 2*s },
		},
		{
			"sine",
			func(s float64) float64 { return -math.Sin(10 * s) },
			func(s float64) float64 { return -10 * math.Cos(10*s) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, stp0 := range []float64{1e-3, 0.5, 1} {
				stp, task := driveScalar(t, tc.phi, tc.der, stp0, tol)
				require.NotZero(t, task&scalarConv, "start %g ended with %v", stp0, task)
				assert.True(t, wolfeHolds(stp, tc.phi, tc.der, tol),
					"start %g, step %g violates the Wolfe conditions", stp0, stp)
			}
		})
	}
}

func TestStepSearchHitsCeiling(t *testing.T) {
	// A linear descent never satisfies the curvature condition, so the
	// search must run into its ceiling and say so.
	phi := func(s float64) float64 { return -s }
	der := func(float64) float64 { return -1 }

	tol := scalarTol{decrease: 1e-4, curvature: 0.9, width: 1e-14, stepMax: 5}
	stp, task := driveScalar(t, phi, der, 1, tol)
	assert.Equal(t, scalarWarnAtMax, task)
	assert.Equal(t, 5.0, stp)
}

func TestStepSearchRejectsAscent(t *testing.T) {
	var ctx scalarCtx
	tol := scalarTol{decrease: 1e-4, curvature: 0.9, width: 1e-14, stepMax: 5}
	_, task := stepSearch(1, 0.5, 1, scalarStart, &tol, &ctx)
	assert.Equal(t, scalarErrInitGrad, task)
}

func TestStepSearchRejectsBadWindow(t *testing.T) {
	var ctx scalarCtx
	tol := scalarTol{decrease: 1e-4, curvature: 0.9, width: 1e-14, stepMin: 2, stepMax: 1}
	_, task := stepSearch(1, -1, 1, scalarStart, &tol, &ctx)
	assert.NotZero(t, task&scalarErr)
}
