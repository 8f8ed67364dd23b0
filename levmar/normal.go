// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularSystem is reported when the damped normal matrix is not
// positive definite or the solution is not finite. The optimizer recovers
// from it by raising λ, it never escapes Fit.
var ErrSingularSystem = errors.New("damped normal equations are not positive definite")

// Normal holds the Gauss-Newton normal equations of a linearization
//
//	JᵀJ Δ = -Jᵀr
//
// accumulated row by row from the Jacobian J and residual r.
type Normal struct {
	JtJ *mat.SymDense // n × n, only the upper triangle is stored
	Jtr *mat.VecDense // n, the gradient of ½‖r‖²
}

// NewNormal allocates zeroed normal equations of dimension n.
func NewNormal(n int) *Normal {
	return &Normal{
		JtJ: mat.NewSymDense(n, nil),
		Jtr: mat.NewVecDense(n, nil),
	}
}

// Dim returns the problem dimension.
func (s *Normal) Dim() int {
	return s.Jtr.Len()
}

// Reset zeroes both JᵀJ and Jᵀr.
func (s *Normal) Reset() {
	a := s.JtJ.RawSymmetric()
	n := a.N
	for i := 0; i < n; i++ {
		row := a.Data[i*a.Stride+i : i*a.Stride+n]
		for j := range row {
			row[j] = 0
		}
	}
	s.Jtr.Zero()
}

// AddRow accumulates one Jacobian row j with its residual r:
// JᵀJ += jᵀj and Jᵀr += jᵀr.
func (s *Normal) AddRow(j []float64, r float64) {
	a := s.JtJ.RawSymmetric()
	g := s.Jtr.RawVector()
	n := a.N
	if len(j) != n {
		panic("jacobian row dimension not match")
	}
	for p := 0; p < n; p++ {
		jp := j[p]
		if jp == 0 {
			continue
		}
		row := a.Data[p*a.Stride : p*a.Stride+n]
		for q := p; q < n; q++ {
			row[q] += jp * j[q]
		}
		g.Data[p*g.Inc] += jp * r
	}
}

// Merge adds the equations of o into s.
func (s *Normal) Merge(o *Normal) {
	a, b := s.JtJ.RawSymmetric(), o.JtJ.RawSymmetric()
	if a.N != b.N {
		panic("normal equations dimension not match")
	}
	for p := 0; p < a.N; p++ {
		for q := p; q < a.N; q++ {
			a.Data[p*a.Stride+q] += b.Data[p*b.Stride+q]
		}
	}
	s.Jtr.AddVec(s.Jtr, o.Jtr)
}

// linearSolver solves the damped normal equations of a fixed dimension.
type linearSolver struct {
	damped *mat.SymDense
	rhs    *mat.VecDense
	chol   mat.Cholesky
}

func newLinearSolver(n int) linearSolver {
	return linearSolver{
		damped: mat.NewSymDense(n, nil),
		rhs:    mat.NewVecDense(n, nil),
	}
}

// solve stores in step the solution of (JᵀJ + λD)Δ = -Jᵀr where
// D = diag(JᵀJ) with every entry clamped to [minDiag, maxDiag].
func (ls *linearSolver) solve(sys *Normal, lambda float64, damp *Damping, step *mat.VecDense) error {
	n := sys.Dim()
	ls.damped.CopySym(sys.JtJ)
	for i := 0; i < n; i++ {
		d := sys.JtJ.At(i, i)
		d = math.Min(math.Max(d, damp.MinDiagonal), damp.MaxDiagonal)
		ls.damped.SetSym(i, i, ls.damped.At(i, i)+lambda*d)
	}

	if ok := ls.chol.Factorize(ls.damped); !ok {
		return ErrSingularSystem
	}

	ls.rhs.ScaleVec(-1, sys.Jtr)
	if err := ls.chol.SolveVecTo(step, ls.rhs); err != nil {
		// A Condition error still carries a usable solution.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return errors.Wrap(ErrSingularSystem, err.Error())
		}
	}

	for i := 0; i < n; i++ {
		if v := step.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrSingularSystem
		}
	}
	return nil
}

// predictedReduction returns the cost decrease promised by the linear model
//
//	L(0) - L(Δ) = -Jᵀr·Δ - ½ ΔᵀJᵀJΔ
func predictedReduction(sys *Normal, step *mat.VecDense) float64 {
	return -mat.Dot(sys.Jtr, step) - 0.5*mat.Inner(step, sys.JtJ, step)
}
