// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// iterLoc is the current accepted location.
type iterLoc struct {
	f   float64   // cost at x
	x   []float64 // n
	sys *Normal   // linearization at x
}

// iterCtx is the mutable state of one fit.
type iterCtx struct {
	iter        int
	totalEval   int
	totalReject int
	retries     int // attempts in the latest iteration
	lambda      float64
	rho         float64
	fChange     float64
	stepNorm    float64
	gradNorm    float64
	start       time.Time
	step        *mat.VecDense // n
	trial       []float64     // n
	solver      linearSolver
	history     []float64
	trajectory  [][]float64
}

func (c *iterCtx) init(n int) {
	c.step = mat.NewVecDense(n, nil)
	c.trial = make([]float64, n)
	c.solver = newLinearSolver(n)
}

func (c *iterCtx) clear() {
	c.iter, c.totalEval, c.totalReject, c.retries = 0, 0, 0, 0
	c.rho, c.fChange, c.stepNorm, c.gradNorm = 0, 0, 0, 0
	c.history = c.history[:0]
	c.trajectory = nil
	c.start = time.Now()
}

func (c *iterCtx) elapsed() time.Duration {
	return time.Since(c.start)
}

// iterDriver is the main driver for iterations in an optimization process,
// responsible for managing the flow of the optimization.
type iterDriver struct {
	optimizer *Optimizer
	workspace *Workspace
	location  *iterLoc
	ctx       context.Context
}

// evaluate calls the problem evaluation, turning a panic into HaltEvalPanic.
func (d *iterDriver) evaluate(x []float64, sys *Normal) (f float64, task Status) {
	o, w := d.optimizer, d.workspace
	defer func() {
		if r := recover(); r != nil {
			task = HaltEvalPanic
			if log := o.logger; log.enable(LogTrace) {
				log.log("Evaluation panicked: %v\n", r)
			}
		}
	}()
	if sys != nil {
		sys.Reset()
	}
	f = o.eval(x, sys)
	w.totalEval++
	if !isFinite(f) {
		task = DivNonFinite
	}
	return
}

// newIteration checks the conditions that stop an iteration before it starts.
func (d *iterDriver) newIteration() Status {
	o, w := d.optimizer, d.workspace
	if d.ctx.Err() != nil {
		return HaltCancelled
	}
	if o.stop.MaxDuration > 0 && w.elapsed() >= o.stop.MaxDuration {
		return OverTimeLimit
	}
	if w.iter >= o.stop.MaxIterations {
		return OverIterLimit
	}
	w.iter++
	return iterLoop
}

// checkGradient tests the gradient of the current linearization.
func (d *iterDriver) checkGradient() Status {
	o, w, loc := d.optimizer, d.workspace, d.location
	g := loc.sys.Jtr.RawVector().Data
	w.gradNorm = floats.Norm(g, math.Inf(1))
	switch {
	case !isFinite(w.gradNorm):
		return DivNonFinite
	case w.gradNorm <= o.stop.GradTolerance:
		return ConvGradNorm
	}
	return iterLoop
}

// mainLoop is the main execution loop of the iteration process.
// Each iteration solves the damped system, tries the step and adapts λ
// until a step is accepted or the retry budget of the iteration runs out.
func (d *iterDriver) mainLoop() (task Status) {

	o, w, loc := d.optimizer, d.workspace, d.location
	spec := &o.iterSpec

	w.clear()
	w.lambda = spec.damp.Initial

	d.printInit()

	if loc.f, task = d.evaluate(loc.x, loc.sys); task == iterLoop {
		w.history = append(w.history, loc.f)
		d.record()
		task = d.checkGradient()
	}
	d.printIter(false)

	for task == iterLoop {

		if task = d.newIteration(); task != iterLoop {
			break
		}

		var accepted bool
		accepted, task = d.searchStep()
		if task != iterLoop {
			break
		}
		if !accepted {
			// The iteration counts as a rejection; λ has been raised.
			d.printIter(false)
			continue
		}

		task = d.acceptStep()
		d.printIter(true)
	}

	d.printExit(task)
	return
}

// searchStep solves for Δ and evaluates x ⊕ Δ, retrying with a larger λ
// after a singular system or a rejected step.
func (d *iterDriver) searchStep() (accepted bool, task Status) {
	o, w, loc := d.optimizer, d.workspace, d.location
	spec := &o.iterSpec
	log := spec.logger

	for w.retries = 1; w.retries <= spec.stop.MaxRetries; w.retries++ {

		if err := w.solver.solve(loc.sys, w.lambda, &spec.damp, w.step); err != nil {
			if log.enable(LogTrace) {
				log.log("  λ = %.3e: %v\n", w.lambda, err)
			}
			if task = d.rejectStep(); task != iterLoop {
				return
			}
			continue
		}

		step := w.step.RawVector().Data
		w.stepNorm = floats.Norm(step, 2)
		xNorm := floats.Norm(loc.x, 2)
		if w.stepNorm <= spec.stop.StepTolerance*(xNorm+spec.stop.StepTolerance) {
			task = ConvStepNorm
			return
		}

		spec.plus(loc.x, step, w.trial)
		fTrial, evalTask := d.evaluate(w.trial, nil)
		if evalTask == HaltEvalPanic {
			task = evalTask
			return
		}

		pred := predictedReduction(loc.sys, w.step)
		w.rho = (loc.f - fTrial) / pred
		if evalTask == iterLoop && pred > 0 && w.rho > spec.damp.AcceptRatio {
			w.fChange = loc.f - fTrial
			loc.f = fTrial
			accepted = true
			return
		}

		if log.enable(LogTrace) {
			log.log("  λ = %.3e: step rejected, f = %.6e, ρ = %.3e\n", w.lambda, fTrial, w.rho)
		}
		if task = d.rejectStep(); task != iterLoop {
			return
		}
	}
	w.retries = spec.stop.MaxRetries
	return
}

// rejectStep raises λ, failing once it exceeds the damping limit.
func (d *iterDriver) rejectStep() Status {
	o, w := d.optimizer, d.workspace
	w.totalReject++
	w.lambda *= o.damp.Increase
	if w.lambda > o.damp.Max {
		return DivDampingLimit
	}
	return iterLoop
}

// acceptStep moves to the trial point, relinearizes and tests convergence.
func (d *iterDriver) acceptStep() Status {
	o, w, loc := d.optimizer, d.workspace, d.location
	spec := &o.iterSpec

	fOld := loc.f + w.fChange
	copy(loc.x, w.trial)
	w.lambda = math.Max(w.lambda/spec.damp.Decrease, spec.damp.Min)

	for _, v := range loc.x {
		if !isFinite(v) {
			return DivNonFinite
		}
	}

	// Relinearize; the accepted trial cost stays authoritative so the
	// history decreases strictly.
	if _, task := d.evaluate(loc.x, loc.sys); task != iterLoop {
		return task
	}
	w.history = append(w.history, loc.f)
	d.record()

	if task := d.checkGradient(); task != iterLoop {
		return task
	}
	if w.fChange <= spec.stop.CostTolerance*fOld {
		return ConvCostChange
	}
	return iterLoop
}

func (d *iterDriver) record() {
	if d.optimizer.trace {
		d.workspace.trajectory = append(d.workspace.trajectory, slices.Clone(d.location.x))
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// printInit prints the problem setting and the table header.
func (d *iterDriver) printInit() {
	spec := &d.optimizer.iterSpec
	log := spec.logger
	if !log.enable(LogEval) {
		return
	}
	log.log("LEVENBERG-MARQUARDT\n")
	log.log("N = %d    λ₀ = %.2e    gtol = %.2e    xtol = %.2e    ftol = %.2e\n",
		spec.n, spec.damp.Initial, spec.stop.GradTolerance, spec.stop.StepTolerance, spec.stop.CostTolerance)
	log.out("iter      cost      cost_change  |gradient|   |step|    tr_ratio    λ       retry\n")
}

// printIter prints one line of the progress table.
func (d *iterDriver) printIter(accepted bool) {
	w, loc := d.workspace, d.location
	log := d.optimizer.logger
	if !log.enable(LogEval) {
		return
	}
	change := 0.0
	if accepted {
		change = w.fChange
	}
	log.out("%4d % 14.6e % 12.2e % 12.2e % 10.2e % 10.2e % 10.2e %4d\n",
		w.iter, loc.f, change, w.gradNorm, w.stepNorm, w.rho, w.lambda, w.retries)

	if log.enable(LogTrace) {
		log.log(" X =")
		for i, v := range loc.x {
			log.log(" %.6e", v)
			if (i+1)%6 == 0 && i+1 < len(loc.x) {
				log.log("\n    ")
			}
		}
		log.log("\n")
	}
}

// printExit logs the final statistics and exit conditions of the optimization process.
func (d *iterDriver) printExit(task Status) {
	w, loc := d.workspace, d.location
	log := d.optimizer.logger
	if !log.enable(LogLast) {
		return
	}

	log.log("\n           * * *\n")
	log.log("Tit   = total number of iterations\n")
	log.log("Tnf   = total number of cost evaluations\n")
	log.log("Rej   = total number of rejected steps\n")
	log.log("Grad  = max norm of the final gradient\n")
	log.log("F     = final cost\n")
	log.log("\n           * * *\n")
	log.log("\n   N      Tit      Tnf    Rej    Grad          F\n")
	log.log("%5d %6d %7d %6d %9.2e %12.5e\n",
		d.optimizer.n, w.iter, w.totalEval, w.totalReject, w.gradNorm, loc.f)
	log.log("\n%s\n", task)
	log.log("\n Total User time: %s\n", formatNs(w.elapsed().Nanoseconds()))
}

func formatNs(nanoseconds int64) string {
	switch {
	case nanoseconds >= 1e9: // Convert to seconds
		return fmt.Sprintf("%.2f s", float64(nanoseconds)/1e9)
	case nanoseconds >= 1e6: // Convert to milliseconds
		return fmt.Sprintf("%.2f ms", float64(nanoseconds)/1e6)
	case nanoseconds >= 1e3: // Convert to microseconds
		return fmt.Sprintf("%.2f µs", float64(nanoseconds)/1e3)
	default: // Keep in nanoseconds
		return fmt.Sprintf("%.2f ns", float64(nanoseconds))
	}
}
