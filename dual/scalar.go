// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dual implements forward-mode automatic differentiation.
//
// Model code is written once against the Scalar constraint and instantiated
// twice: with Float to compute values, and with Jet to compute values together
// with their first derivatives. Both instantiations execute the same
// arithmetic, so a derivative can never drift away from the formula it
// differentiates.
package dual

import "math"

// Scalar is the arithmetic a differentiable model may use.
//
// Operands are values, results are new values; no method mutates its receiver.
// The zero value of T must be usable as a receiver for Lift.
type Scalar[T any] interface {
	// Value returns the real part.
	Value() float64
	// Lift returns the constant c, whose derivative is zero.
	Lift(c float64) T

	Add(T) T
	Sub(T) T
	Mul(T) T
	Div(T) T
	// Scale multiplies by the constant c.
	Scale(c float64) T

	Sqrt() T
	Sin() T
	Cos() T
}

// Float is a plain real number satisfying Scalar.
type Float float64

func (a Float) Value() float64 { return float64(a) }
func (Float) Lift(c float64) Float { return Float(c) }
func (a Float) Add(b Float) Float { return a + b }
func (a Float) Sub(b Float) Float { return a - b }
func (a Float) Mul(b Float) Float { return a * b }
func (a Float) Div(b Float) Float { return a / b }
func (a Float) Scale(c float64) Float { return a * Float(c) }
func (a Float) Sqrt() Float { return Float(math.Sqrt(float64(a))) }
func (a Float) Sin() Float { return Float(math.Sin(float64(a))) }
func (a Float) Cos() Float { return Float(math.Cos(float64(a))) }

// Lift converts c into a constant of any Scalar type.
func Lift[T Scalar[T]](c float64) T {
	var z T
	return z.Lift(c)
}

// Dot returns a·b for 3-vectors.
func Dot[T Scalar[T]](a, b [3]T) T {
	return a[0].Mul(b[0]).Add(a[1].Mul(b[1])).Add(a[2].Mul(b[2]))
}

// Cross returns a×b for 3-vectors.
func Cross[T Scalar[T]](a, b [3]T) [3]T {
	return [3]T{
		a[1].Mul(b[2]).Sub(a[2].Mul(b[1])),
		a[2].Mul(b[0]).Sub(a[0].Mul(b[2])),
		a[0].Mul(b[1]).Sub(a[1].Mul(b[0])),
	}
}
