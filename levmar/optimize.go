// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package levmar implements a dense Levenberg-Marquardt minimizer for small
// nonlinear least-squares problems  min ½‖r(x)‖².
package levmar

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated
	LogNoop LogLevel = -1
	// LogLast print only the exit summary
	LogLast LogLevel = 0
	// LogEval print also one progress line for every iteration
	LogEval LogLevel = 1
	// LogTrace print also rejected steps, singular systems and x of every iteration
	LogTrace LogLevel = 99
)

// Logger handles logging output for the optimizer.
// Note the writers must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer // Writer to output log messages.
	Out   io.Writer // Writer for the progress table.
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

func (l *Logger) out(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Out, format)
	}
}

// Evaluation returns the cost ½‖r(x)‖² at x.
// When sys is not nil it must also be filled with the normal equations of the
// linearization at x (see Normal). The optimizer never retains x or sys.
type Evaluation func(x []float64, sys *Normal) (cost float64)

// Retraction moves x along the tangent step delta and stores the result in dst.
// The Jacobian reported by Evaluation must be taken with respect to delta at zero.
type Retraction func(x, delta, dst []float64)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The iteration stop when the number of iteration exceeds limit.
	MaxIterations int
	// The iteration stop when the wall time spent in Fit exceeds limit (zero means unlimited).
	MaxDuration time.Duration
	// The iteration will stop when the gradient satisfied:
	//   ‖ Jᵀr ‖∞ ≤ 𝚐𝚝𝚘𝚕
	GradTolerance float64
	// The iteration will stop when the step satisfied:
	//   ‖ Δ ‖ ≤ 𝚡𝚝𝚘𝚕 × (‖ x ‖ + 𝚡𝚝𝚘𝚕)
	StepTolerance float64
	// The iteration will stop when an accepted step satisfied:
	//   (fₖ - fₖ₊₁) / fₖ ≤ 𝚏𝚝𝚘𝚕
	CostTolerance float64
	// The number of rejected or singular step attempts allowed within one iteration.
	MaxRetries int
}

// Damping specifies the trust-region control of the damping factor λ.
// The damped system is (JᵀJ + λD)Δ = -Jᵀr with D the clamped diagonal of JᵀJ.
type Damping struct {
	Initial  float64 // λ₀
	Increase float64 // λ ← λ × Increase after a rejected step
	Decrease float64 // λ ← λ / Decrease after an accepted step
	Min, Max float64 // λ never drops below Min; exceeding Max ends the fit
	// Bounds applied to the diagonal of JᵀJ before scaling by λ.
	MinDiagonal, MaxDiagonal float64
	// Steps with gain ratio ρ ≤ AcceptRatio are rejected.
	AcceptRatio float64
}

// DefaultTermination returns the stopping criteria used when a field is left zero.
func DefaultTermination() Termination {
	return Termination{
		MaxIterations: 50,
		GradTolerance: 1e-10,
		StepTolerance: 1e-8,
		CostTolerance: 1e-6,
		MaxRetries:    10,
	}
}

// DefaultDamping returns the damping schedule used when a field is left zero.
func DefaultDamping() Damping {
	return Damping{
		Initial:     1e-3,
		Increase:    2,
		Decrease:    3,
		Min:         1e-32,
		Max:         1e16,
		MinDiagonal: 1e-6,
		MaxDiagonal: 1e32,
	}
}

// Problem specifies the problem for Levenberg-Marquardt optimizer.
type Problem struct {
	N    int         // The problem dimension
	Eval Evaluation  // Cost and normal equations
	Plus Retraction  // Optional manifold update, defaults to x + Δ
	Stop Termination // Stop condition
	Damp Damping     // Trust-region control
	// Record every accepted x in Summary.Trajectory.
	KeepTrajectory bool
}

// New creates a new Levenberg-Marquardt optimizer for given problem.
// Zero fields of Stop and Damp are replaced by their defaults.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	if logger.Msg == nil {
		logger.Msg = os.Stdout
	}
	if logger.Out == nil {
		logger.Out = os.Stderr
	}

	n, eval, plus := p.N, p.Eval, p.Plus
	stop := withDefaultTermination(p.Stop)
	damp := withDefaultDamping(p.Damp)

	if plus == nil {
		plus = addStep
	}

	switch {
	case n <= 0:
		err = errors.New("problem dimension must be greater than 0")
	case eval == nil:
		err = errors.New("evaluation target is required")
	case stop.MaxIterations < 0:
		err = errors.New("max iteration must not be less than 0")
	case stop.MaxRetries < 1:
		err = errors.New("max retries must be greater than 0")
	case stop.MaxDuration < 0:
		err = errors.New("max duration must not be less than 0")
	case invalidTol(stop.GradTolerance):
		err = errors.New("gradient tolerance must be finite and not less than 0")
	case invalidTol(stop.StepTolerance):
		err = errors.New("step tolerance must be finite and not less than 0")
	case invalidTol(stop.CostTolerance):
		err = errors.New("cost tolerance must be finite and not less than 0")
	case !(damp.Initial > 0) || math.IsInf(damp.Initial, 0):
		err = errors.New("initial damping must be greater than 0")
	case !(damp.Increase > 1) || math.IsInf(damp.Increase, 0):
		err = errors.New("damping increase factor must be finite and greater than 1")
	case !(damp.Decrease > 1) || math.IsInf(damp.Decrease, 0):
		err = errors.New("damping decrease factor must be finite and greater than 1")
	case !(damp.Min > 0) || !(damp.Max > damp.Min):
		err = errors.New("damping range has no feasible value")
	case !(damp.MinDiagonal > 0) || !(damp.MaxDiagonal >= damp.MinDiagonal):
		err = errors.New("diagonal range has no feasible value")
	case math.IsNaN(damp.AcceptRatio) || damp.AcceptRatio < 0 || damp.AcceptRatio >= 1:
		err = errors.New("accept ratio must be in [0, 1)")
	}

	if err != nil {
		return
	}

	optimizer = &Optimizer{
		iterSpec{
			n:      n,
			eval:   eval,
			plus:   plus,
			stop:   stop,
			damp:   damp,
			logger: *logger,
			trace:  p.KeepTrajectory,
		},
	}
	return
}

func invalidTol(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}

func withDefaultTermination(s Termination) Termination {
	d := DefaultTermination()
	if s.MaxIterations == 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.GradTolerance == 0 {
		s.GradTolerance = d.GradTolerance
	}
	if s.StepTolerance == 0 {
		s.StepTolerance = d.StepTolerance
	}
	if s.CostTolerance == 0 {
		s.CostTolerance = d.CostTolerance
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = d.MaxRetries
	}
	return s
}

func withDefaultDamping(p Damping) Damping {
	d := DefaultDamping()
	if p.Initial == 0 {
		p.Initial = d.Initial
	}
	if p.Increase == 0 {
		p.Increase = d.Increase
	}
	if p.Decrease == 0 {
		p.Decrease = d.Decrease
	}
	if p.Min == 0 {
		p.Min = d.Min
	}
	if p.Max == 0 {
		p.Max = d.Max
	}
	if p.MinDiagonal == 0 {
		p.MinDiagonal = d.MinDiagonal
	}
	if p.MaxDiagonal == 0 {
		p.MaxDiagonal = d.MaxDiagonal
	}
	return p
}

func addStep(x, delta, dst []float64) {
	for i := range dst {
		dst[i] = x[i] + delta[i]
	}
}

// iterSpec is the immutable part of an optimizer.
type iterSpec struct {
	n      int
	eval   Evaluation
	plus   Retraction
	stop   Termination
	damp   Damping
	logger Logger
	trace  bool
}

// Optimizer implemented using the Levenberg-Marquardt algorithm.
type Optimizer struct {
	iterSpec
}

// Workspace contains the state and context of the optimization process.
// Given problem dimension n, total work space is approximately float64[3×n² + 8×n].
type Workspace struct {
	n int
	iterCtx
}

// Result contains the final result of the optimization process.
type Result struct {
	OK      bool      // Whether the optimization was converged.
	F       float64   // Final cost ½‖r‖².
	X, G    []float64 // Final solution and gradient Jᵀr.
	Summary           // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status     Status        // Final status after optimization.
	NumIter    int           // Number of iterations performed.
	NumEval    int           // Number of cost evaluations performed.
	NumReject  int           // Number of rejected or singular step attempts.
	Damping    float64       // Final damping factor λ.
	Elapsed    time.Duration // Wall time spent in Fit.
	History    []float64     // Cost at start and after every accepted step.
	Trajectory [][]float64   // Accepted x, only when KeepTrajectory is set.
}

// Init allocate the workspace for Levenberg-Marquardt optimizer.
// To avoid race conditions, separate workspaces need to be created for each goroutine.
// But multiple workspaces could share one optimizer.
func (o *Optimizer) Init() *Workspace {
	w := new(Workspace)
	w.n = o.n
	w.init(w.n)
	return w
}

// Fit runs the optimization process using the initial guess x and workspace w.
// The initial guess is copied and never modified. Cancelling ctx stops the
// process at the top of the next iteration with the best x found so far.
func (o *Optimizer) Fit(ctx context.Context, x []float64, w *Workspace) *Result {

	if len(x) != o.n {
		panic("initial x dimension not match spec")
	}

	if w.n != o.n {
		panic("workspace dimension not match spec")
	}

	loc := iterLoc{
		x:   slices.Clone(x),
		sys: NewNormal(o.n),
	}

	driver := iterDriver{
		optimizer: o,
		workspace: w,
		location:  &loc,
		ctx:       ctx,
	}

	res := driver.mainLoop()
	return &Result{
		OK: res.Converged(),
		X:  loc.x, F: loc.f,
		G: mat.Col(nil, 0, loc.sys.Jtr),
		Summary: Summary{
			Status:     res,
			NumIter:    w.iter,
			NumEval:    w.totalEval,
			NumReject:  w.totalReject,
			Damping:    w.lambda,
			Elapsed:    w.elapsed(),
			History:    slices.Clone(w.history),
			Trajectory: w.trajectory,
		},
	}
}
