// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

// Status is the state of the iteration; every value except iterLoop is terminal.
type Status int

const (
	iterLoop Status = 0
	// ConvGradNorm the max norm of the gradient Jᵀr dropped below GradTolerance.
	ConvGradNorm Status = 1 << (iota - 1)
	// ConvStepNorm the step Δ became relatively smaller than StepTolerance.
	ConvStepNorm
	// ConvCostChange the relative cost decrease of an accepted step dropped below CostTolerance.
	ConvCostChange
	// OverIterLimit the number of iterations exceeded MaxIterations.
	OverIterLimit
	// OverTimeLimit the wall time exceeded MaxDuration.
	OverTimeLimit
	// HaltCancelled the context was cancelled.
	HaltCancelled
	// HaltEvalPanic the evaluation panicked.
	HaltEvalPanic
	// DivNonFinite the cost, gradient or x became NaN or infinite.
	DivNonFinite
	// DivDampingLimit the damping exceeded Damping.Max without an acceptable step.
	DivDampingLimit
)

const (
	statusConv = ConvGradNorm | ConvStepNorm | ConvCostChange
	statusHalt = OverTimeLimit | HaltCancelled
	statusDiv  = HaltEvalPanic | DivNonFinite | DivDampingLimit
)

// Converged reports whether one of the tolerance tests was satisfied.
func (s Status) Converged() bool { return s&statusConv != 0 }

// Halted reports whether the iteration was stopped from outside.
func (s Status) Halted() bool { return s&statusHalt != 0 }

// Diverged reports whether the iteration broke down numerically.
func (s Status) Diverged() bool { return s&statusDiv != 0 }

func (s Status) String() string {
	switch s {
	case iterLoop:
		return "ITERATING"
	case ConvGradNorm:
		return "CONVERGENCE: NORM_OF_GRADIENT_<=_GTOL"
	case ConvStepNorm:
		return "CONVERGENCE: NORM_OF_STEP_<=_XTOL"
	case ConvCostChange:
		return "CONVERGENCE: REL_REDUCTION_OF_F_<=_FTOL"
	case OverIterLimit:
		return "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	case OverTimeLimit:
		return "STOP: WALL TIME EXCEEDING THE TIME LIMIT"
	case HaltCancelled:
		return "STOP: CONTEXT CANCELLED"
	case HaltEvalPanic:
		return "ABNORMAL: EVALUATION PANICKED"
	case DivNonFinite:
		return "ABNORMAL: NON-FINITE COST OR PARAMETER"
	case DivDampingLimit:
		return "ABNORMAL: DAMPING EXCEEDS LIMIT"
	default:
		return "UNKNOWN STATUS"
	}
}
