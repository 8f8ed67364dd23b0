// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pnp

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/curioloop/posefit/dual"
	"github.com/curioloop/posefit/levmar"
)

// Options control a refinement. Zero fields fall back to DefaultOptions.
type Options struct {
	MaxIterations      int     // iteration limit
	GradientTolerance  float64 // ‖Jᵀr‖∞ convergence threshold
	ParameterTolerance float64 // relative step norm convergence threshold
	CostTolerance      float64 // relative cost decrease convergence threshold
	InitialDamping     float64 // λ₀, scales the diagonal of JᵀJ
	DampingIncrease    float64 // λ factor after a rejected step
	DampingDecrease    float64 // λ divisor after an accepted step
	// Wall time budget of the solve, zero means unlimited.
	MaxDuration time.Duration
	// Goroutines used to evaluate correspondences, 1 evaluates inline.
	Workers int
	// Pose update rule and the tangent space of the Jacobian.
	Parameterization Parameterization
	// Record the pose after every accepted step.
	KeepTrajectory bool
	// Progress output, nil is silent.
	Logger *levmar.Logger
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	stop, damp := levmar.DefaultTermination(), levmar.DefaultDamping()
	return Options{
		MaxIterations:      stop.MaxIterations,
		GradientTolerance:  stop.GradTolerance,
		ParameterTolerance: stop.StepTolerance,
		CostTolerance:      stop.CostTolerance,
		InitialDamping:     damp.Initial,
		DampingIncrease:    damp.Increase,
		DampingDecrease:    damp.Decrease,
		Workers:            runtime.GOMAXPROCS(0),
		Parameterization:   ComposeRotation,
	}
}

func (o Options) withDefault() Options {
	d := DefaultOptions()
	if o.MaxIterations == 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.GradientTolerance == 0 {
		o.GradientTolerance = d.GradientTolerance
	}
	if o.ParameterTolerance == 0 {
		o.ParameterTolerance = d.ParameterTolerance
	}
	if o.CostTolerance == 0 {
		o.CostTolerance = d.CostTolerance
	}
	if o.InitialDamping == 0 {
		o.InitialDamping = d.InitialDamping
	}
	if o.DampingIncrease == 0 {
		o.DampingIncrease = d.DampingIncrease
	}
	if o.DampingDecrease == 0 {
		o.DampingDecrease = d.DampingDecrease
	}
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	return o
}

// problem translates the options into an optimizer problem over ev.
func (o Options) problem(ev *Evaluator) (*levmar.Optimizer, error) {
	switch {
	case o.Workers < 0:
		return nil, errors.Wrapf(ErrInvalidOptions, "workers must not be less than 0, got %d", o.Workers)
	case o.Parameterization != ComposeRotation && o.Parameterization != AdditiveRotation:
		return nil, errors.Wrapf(ErrInvalidOptions, "unknown parameterization %d", o.Parameterization)
	}

	p := levmar.Problem{
		N: dual.N,
		Eval: func(x []float64, sys *levmar.Normal) float64 {
			var pose Pose
			copy(pose[:], x)
			if sys == nil {
				return ev.Cost(pose)
			}
			return ev.Normal(pose, sys)
		},
		Plus: o.Parameterization.retract,
		Stop: levmar.Termination{
			MaxIterations: o.MaxIterations,
			MaxDuration:   o.MaxDuration,
			GradTolerance: o.GradientTolerance,
			StepTolerance: o.ParameterTolerance,
			CostTolerance: o.CostTolerance,
		},
		Damp: levmar.Damping{
			Initial:  o.InitialDamping,
			Increase: o.DampingIncrease,
			Decrease: o.DampingDecrease,
		},
		KeepTrajectory: o.KeepTrajectory,
	}
	opt, err := p.New(o.Logger)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	return opt, nil
}

// Reason is the terminal state of a solve.
type Reason int

const (
	// Converged means a gradient, step or cost change test was satisfied.
	Converged Reason = iota
	// MaxIterations means the iteration limit was reached first.
	MaxIterations
	// Diverged means the damping exploded or a non-finite value appeared.
	Diverged
	// Cancelled means the context was done or the time budget was spent.
	Cancelled
)

func (r Reason) String() string {
	switch r {
	case Converged:
		return "converged"
	case MaxIterations:
		return "max iterations reached"
	case Diverged:
		return "diverged"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func reasonOf(s levmar.Status) Reason {
	switch {
	case s.Converged():
		return Converged
	case s == levmar.OverIterLimit:
		return MaxIterations
	case s == levmar.OverTimeLimit || s == levmar.HaltCancelled:
		return Cancelled
	default:
		return Diverged
	}
}

// SolveResult reports a refinement. Pose is always the best accepted pose,
// whatever the Reason.
type SolveResult struct {
	Pose        Pose
	Cost        float64 // ½‖r‖² at Pose
	Iterations  int
	Evaluations int
	Reason      Reason
	CostHistory []float64 // cost at the start and after every accepted step
	Trajectory  []Pose    // accepted poses, when Options.KeepTrajectory is set
	Summary     levmar.Summary
}

func (r *SolveResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reason: %s (%s)\n", r.Reason, r.Summary.Status)
	fmt.Fprintf(&b, "pose: %s\n", r.Pose)
	if len(r.CostHistory) > 0 {
		fmt.Fprintf(&b, "cost: %.6e -> %.6e\n", r.CostHistory[0], r.Cost)
	}
	fmt.Fprintf(&b, "iterations: %d, evaluations: %d, rejected: %d\n", r.Iterations, r.Evaluations, r.Summary.NumReject)
	fmt.Fprintf(&b, "elapsed: %s", r.Summary.Elapsed)
	return b.String()
}

// Solve refines initial against the correspondences observed by a camera
// with intrinsics k. Invalid inputs are reported before any iteration runs;
// afterwards every outcome, divergence and cancellation included, is a result.
func Solve(ctx context.Context, k Intrinsics, pairs []Correspondence, initial Pose, opts Options) (*SolveResult, error) {
	set, err := NewCorrespondenceSet(k, pairs)
	if err != nil {
		return nil, err
	}
	return SolveSet(ctx, set, initial, opts)
}

// SolveSet is Solve on a validated correspondence set.
func SolveSet(ctx context.Context, set *CorrespondenceSet, initial Pose, opts Options) (*SolveResult, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefault()
	ev := NewEvaluator(set, opts.Parameterization, opts.Workers)
	opt, err := opts.problem(ev)
	if err != nil {
		return nil, err
	}

	res := opt.Fit(ctx, initial[:], opt.Init())

	out := &SolveResult{
		Cost:        res.F,
		Iterations:  res.NumIter,
		Evaluations: res.NumEval,
		Reason:      reasonOf(res.Status),
		CostHistory: res.History,
		Summary:     res.Summary,
	}
	copy(out.Pose[:], res.X)
	for _, x := range res.Trajectory {
		var p Pose
		copy(p[:], x)
		out.Trajectory = append(out.Trajectory, p)
	}
	return out, nil
}
