// Package numdiff estimates Jacobians by finite differences.
//
// It is the reference that analytic or automatic derivatives are checked
// against, so it favours plain, predictable arithmetic over speed.
package numdiff

import (
	"errors"
	"math"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// ApproxSpec describes the function whose Jacobian is estimated.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
type ApproxSpec struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x passed to this function is an n-vector.
	// The result is store in an m-vector y.
	Object func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Relative step size, the absolute step is h = RelStep × max(1, |x|).
	// Chosen from the machine epsilon and Method when zero.
	RelStep float64
	// Absolute step size, takes precedence over RelStep when not zero.
	AbsStep float64

	lo, hi, f0 []float64
}

// Check the parameters and allocate the buffers.
func (as *ApproxSpec) Check(x0, jac []float64) error {
	switch {
	case as.N <= 0 || as.M <= 0:
		return errors.New("negative dimensions")
	case as.Method != Forward && as.Method != Central:
		return errors.New("unknown method")
	case as.Object == nil:
		return errors.New("object function is required")
	case as.N != len(x0):
		return errors.New("invalid x0 dimensions")
	case as.N*as.M != len(jac):
		return errors.New("invalid jacobian dimensions")
	case as.RelStep < 0 || as.AbsStep < 0:
		return errors.New("step size must not be less than 0")
	}
	if len(as.f0) != as.M {
		as.lo = make([]float64, as.M)
		as.hi = make([]float64, as.M)
		as.f0 = make([]float64, as.M)
	}
	return nil
}

// Diff stores in jac the row-major m×n estimate jac[i×n+j] ≈ ∂yᵢ/∂xⱼ at x0.
// x0 is perturbed in place during the evaluation and restored before return.
func (as *ApproxSpec) Diff(x0, jac []float64) error {
	if err := as.Check(x0, jac); err != nil {
		return err
	}

	n, fun := as.N, as.Object
	if as.Method == Forward {
		fun(x0, as.f0)
	}

	for j, x := range x0 {
		h := as.step(x)
		var lo, hi, inv float64
		switch as.Method {
		case Central:
			lo, hi = x-h, x+h
			x0[j] = lo
			fun(x0, as.lo)
			x0[j] = hi
			fun(x0, as.hi)
			inv = 1 / (hi - lo)
			for i := range as.hi {
				jac[i*n+j] = (as.hi[i] - as.lo[i]) * inv
			}
		default:
			hi = x + h
			x0[j] = hi
			fun(x0, as.hi)
			inv = 1 / (hi - x)
			for i := range as.hi {
				jac[i*n+j] = (as.hi[i] - as.f0[i]) * inv
			}
		}
		x0[j] = x
	}
	return nil
}

// step returns a positive step that is exactly representable around x.
func (as *ApproxSpec) step(x float64) float64 {
	h := as.AbsStep
	if h == 0 {
		rel := as.RelStep
		if rel == 0 {
			rel = sqrtEps
			if as.Method == Central {
				rel = cubeEps
			}
		}
		h = rel * math.Max(1, math.Abs(x))
	}
	return (x + h) - x
}

// MaxRelativeError returns max |a - b| / max(1, |b|) over all entries,
// the usual figure of merit when checking a Jacobian a against a reference b.
func MaxRelativeError(a, b []float64) float64 {
	if len(a) != len(b) {
		panic("dimension not match")
	}
	worst := 0.0
	for i := range a {
		e := math.Abs(a[i]-b[i]) / math.Max(1, math.Abs(b[i]))
		if e > worst || math.IsNaN(e) {
			worst = e
		}
	}
	return worst
}
