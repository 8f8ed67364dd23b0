// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pnp

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/curioloop/posefit/dual"
)

// epsilon is the squared angle below which a rotation is treated as first order.
var epsilon = math.Nextafter(1, 2) - 1

// RotatePoint rotates p by the angle-axis vector aa using Rodrigues' formula
//
//	p cosθ + (k × p) sinθ + k (k·p)(1 - cosθ),  θ = ‖aa‖, k = aa/θ
//
// and the first order form p + aa × p when θ² is below machine epsilon, which
// keeps the derivative exact at the identity.
func RotatePoint[T dual.Scalar[T]](aa, p [3]T) [3]T {
	var out [3]T
	theta2 := dual.Dot(aa, aa)
	if theta2.Value() > epsilon {
		theta := theta2.Sqrt()
		sin, cos := theta.Sin(), theta.Cos()
		one := dual.Lift[T](1)
		inv := one.Div(theta)
		k := [3]T{aa[0].Mul(inv), aa[1].Mul(inv), aa[2].Mul(inv)}
		kxp := dual.Cross(k, p)
		kdp := dual.Dot(k, p).Mul(one.Sub(cos))
		for i := range out {
			out[i] = p[i].Mul(cos).Add(kxp[i].Mul(sin)).Add(k[i].Mul(kdp))
		}
		return out
	}
	axp := dual.Cross(aa, p)
	for i := range out {
		out[i] = p[i].Add(axp[i])
	}
	return out
}

// Rotate is RotatePoint on plain vectors.
func Rotate(aa, p r3.Vector) r3.Vector {
	q := RotatePoint(
		[3]dual.Float{dual.Float(aa.X), dual.Float(aa.Y), dual.Float(aa.Z)},
		[3]dual.Float{dual.Float(p.X), dual.Float(p.Y), dual.Float(p.Z)},
	)
	return r3.Vector{X: float64(q[0]), Y: float64(q[1]), Z: float64(q[2])}
}

// toQuat returns the unit quaternion cos(θ/2) + sin(θ/2)·k of an angle-axis vector.
func toQuat(aa r3.Vector) quat.Number {
	return quat.Exp(quat.Number{Imag: aa.X / 2, Jmag: aa.Y / 2, Kmag: aa.Z / 2})
}

// fromQuat returns the angle-axis vector of the rotation q with the angle
// folded into [0, π]. q need not be normalized, the angle is 2·atan2(‖v‖, w).
func fromQuat(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := quat.Number{Imag: q.Imag, Jmag: q.Jmag, Kmag: q.Kmag}
	s := quat.Abs(v)
	if s == 0 {
		return r3.Vector{}
	}
	f := 2 * math.Atan2(s, q.Real) / s
	return r3.Vector{X: f * v.Imag, Y: f * v.Jmag, Z: f * v.Kmag}
}

// Compose returns the angle-axis vector of the rotation a applied after b.
func Compose(a, b r3.Vector) r3.Vector {
	return fromQuat(quat.Mul(toQuat(a), toQuat(b)))
}

// Parameterization selects how a tangent step updates a Pose, and therefore
// which derivative the residual Jacobian reports.
type Parameterization int

const (
	// ComposeRotation updates the rotation by composition, R ← exp(δr)·R, and
	// the translation by addition. The Jacobian is taken with respect to δ at
	// zero, which stays well conditioned for any rotation angle.
	ComposeRotation Parameterization = iota
	// AdditiveRotation adds the step to all 6 parameters. The Jacobian is the
	// plain derivative with respect to the angle-axis and translation values.
	AdditiveRotation
)

func (m Parameterization) String() string {
	switch m {
	case ComposeRotation:
		return "compose"
	case AdditiveRotation:
		return "additive"
	default:
		return "unknown"
	}
}

// Plus returns x ⊕ delta.
func (m Parameterization) Plus(x Pose, delta [6]float64) Pose {
	var out Pose
	for i := 3; i < 6; i++ {
		out[i] = x[i] + delta[i]
	}
	switch m {
	case AdditiveRotation:
		for i := 0; i < 3; i++ {
			out[i] = x[i] + delta[i]
		}
	default:
		r := Compose(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}, x.Rotation())
		out[0], out[1], out[2] = r.X, r.Y, r.Z
	}
	return out
}

// retract adapts Plus to the optimizer's slice interface.
func (m Parameterization) retract(x, delta, dst []float64) {
	var p Pose
	var d [6]float64
	copy(p[:], x)
	copy(d[:], delta)
	p = m.Plus(p, d)
	copy(dst, p[:])
}
