// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lbfgsb runs the bound-constrained minimizer on a few classic
// benchmark problems and reports the trajectory, mainly as a smoke test and
// a usage example.
package main

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/numkit/lbfgsb/lbfgsb"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	memory   int
	gradTol  float64
	funcTol  float64
	maxIters int
	logEvery int
	verbose  bool
}

// RootCmd wires the benchmark sub-commands and the shared solver flags.
func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "lbfgsb",
		Short: "Minimize benchmark functions with the L-BFGS-B solver.",
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.IntVarP(&opts.memory, "memory", "m", 5, "number of correction pairs to retain")
	flags.Float64Var(&opts.gradTol, "gtol", 1e-8, "projected gradient tolerance")
	flags.Float64Var(&opts.funcTol, "ftol", 0, "relative objective decrease tolerance")
	flags.IntVar(&opts.maxIters, "max-iterations", 200, "iteration ceiling")
	flags.IntVar(&opts.logEvery, "log-every", 1, "iterations between progress lines, 0 to disable")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "emit the solver's debug trace")

	cmd.AddCommand(
		sphereCmd(opts),
		rosenbrockCmd(opts),
		boxedCmd(opts),
	)
	return cmd
}

func sphereCmd(opts *options) *cobra.Command {
	var dim int
	cmd := &cobra.Command{
		Use:   "sphere",
		Short: "Minimize the unconstrained sphere function Σxᵢ².",
		RunE: func(*cobra.Command, []string) error {
			obj := lbfgsb.GeneralObjectiveFunction{
				Fn: func(x []float64) (f float64) {
					for _, v := range x {
						f += v * v
					}
					return f
				},
				Grad: func(x, g []float64) {
					for i, v := range x {
						g[i] = 2 * v
					}
				},
			}
			x0 := make([]float64, dim)
			for i := range x0 {
				x0[i] = float64(i + 1)
			}
			return solve(opts, lbfgsb.Problem{Dim: dim, Objective: obj}, x0)
		},
	}
	cmd.Flags().IntVarP(&dim, "dim", "n", 10, "problem dimension")
	return cmd
}

func rosenbrockCmd(opts *options) *cobra.Command {
	var dim int
	cmd := &cobra.Command{
		Use:   "rosenbrock",
		Short: "Minimize the chained Rosenbrock function with odd variables bounded below by 1.",
		RunE: func(*cobra.Command, []string) error {
			n := dim
			obj := lbfgsb.GeneralObjectiveFunction{
				Fn: func(x []float64) (f float64) {
					f = 0.25 * (x[0] - 1) * (x[0] - 1)
					for i := 1; i < n; i++ {
						d := x[i] - x[i-1]*x[i-1]
						f += d * d
					}
					return 4 * f
				},
				Grad: func(x, g []float64) {
					t1 := x[1] - x[0]*x[0]
					g[0] = 2*(x[0]-1) - 16*x[0]*t1
					for i := 1; i < n-1; i++ {
						t2 := t1
						t1 = x[i+1] - x[i]*x[i]
						g[i] = 8*t2 - 16*x[i]*t1
					}
					g[n-1] = 8 * t1
				},
			}
			bounds := make([]lbfgsb.Bound, n)
			x0 := make([]float64, n)
			for i := range bounds {
				if i%2 == 0 {
					bounds[i] = lbfgsb.Bound{Typ: lbfgsb.BothBounds, Lower: 1, Upper: 100}
				} else {
					bounds[i] = lbfgsb.Bound{Typ: lbfgsb.BothBounds, Lower: -100, Upper: 100}
				}
				x0[i] = 3
			}
			return solve(opts, lbfgsb.Problem{Dim: n, Objective: obj, Bounds: bounds}, x0)
		},
	}
	cmd.Flags().IntVarP(&dim, "dim", "n", 25, "problem dimension, at least 2")
	return cmd
}

func boxedCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boxed",
		Short: "Minimize (x-1)² over [2, 10] from an infeasible start.",
		RunE: func(*cobra.Command, []string) error {
			obj := lbfgsb.GeneralObjectiveFunction{
				Fn:   func(x []float64) float64 { return (x[0] - 1) * (x[0] - 1) },
				Grad: func(x, g []float64) { g[0] = 2 * (x[0] - 1) },
			}
			p := lbfgsb.Problem{
				Dim:       1,
				Objective: obj,
				Bounds:    []lbfgsb.Bound{{Typ: lbfgsb.BothBounds, Lower: 2, Upper: 10}},
			}
			return solve(opts, p, []float64{25})
		},
	}
	return cmd
}

// solve fills in the shared solver options, runs one trajectory and logs the
// outcome. Non-success statuses surface as errors so the process exit code
// reflects them.
func solve(opts *options, p lbfgsb.Problem, x0 []float64) error {
	p.Memory = opts.memory
	p.Stop.GTolerance = opts.gradTol
	p.Stop.FTolerance = opts.funcTol
	p.Stop.MaxIterations = opts.maxIters
	p.LogEvery = opts.logEvery
	if opts.logEvery > 0 {
		p.Logger = func(info *lbfgsb.IterationInfo) {
			log.WithFields(log.Fields{
				"iter":  info.Iteration,
				"f":     info.F,
				"projg": info.GNorm,
				"step":  info.StepLength,
				"evals": info.FEvalsTotal,
			}).Info("iterate")
		}
	}
	if opts.verbose {
		p.Trace = log.StandardLogger()
	}

	min, err := p.New()
	if err != nil {
		return errors.Wrap(err, "invalid problem")
	}
	r := min.Minimize(x0)

	log.WithFields(log.Fields{
		"status": r.Status.Code,
		"f":      r.F,
		"iters":  r.Iters,
		"fEvals": r.FEvals,
		"gEvals": r.GEvals,
	}).Info(r.Status.Message)
	if len(r.X) <= 10 {
		log.Infof("x = %v", r.X)
	}
	return r.Status.AsError()
}
