// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pnp

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/curioloop/posefit/dual"
)

// DegenerateDepth is the world-frame depth below which projection falls back
// to the orthographic model.
const DegenerateDepth = 0.01

// IsDegenerate reports whether p is projected orthographically.
//
// The test looks at the untransformed world z of the scene point, not at the
// camera-frame depth that the perspective division actually uses. A point far
// from the world plane z=0 but close to the camera plane is therefore still
// divided by its small depth, and the switch introduces a jump in both the
// residual and its Jacobian as |p.Z| crosses the threshold. This reproduces
// the established model and is suspect; see DESIGN.md.
func IsDegenerate(p r3.Vector) bool {
	return math.Abs(p.Z) < DegenerateDepth
}

// cameraPoint maps the world point p into the camera frame at pose ⊕ delta.
// With delta seeded as dual variables at zero the result carries the
// derivative with respect to the tangent step of m.
func cameraPoint[T dual.Scalar[T]](m Parameterization, pose Pose, delta [6]T, p r3.Vector) [3]T {
	lift := dual.Lift[T]
	sp := [3]T{lift(p.X), lift(p.Y), lift(p.Z)}

	var q [3]T
	switch m {
	case AdditiveRotation:
		aa := [3]T{lift(pose[0]).Add(delta[0]), lift(pose[1]).Add(delta[1]), lift(pose[2]).Add(delta[2])}
		q = RotatePoint(aa, sp)
	default:
		aa := [3]T{lift(pose[0]), lift(pose[1]), lift(pose[2])}
		q = RotatePoint([3]T{delta[0], delta[1], delta[2]}, RotatePoint(aa, sp))
	}

	for i := range q {
		q[i] = q[i].Add(lift(pose[3+i])).Add(delta[3+i])
	}
	return q
}

// project maps a camera-frame point to pixels. orthographic selects the
// degenerate branch, see IsDegenerate.
func project[T dual.Scalar[T]](k Intrinsics, q [3]T, orthographic bool) (u, v T) {
	lift := dual.Lift[T]
	if orthographic {
		u = q[0].Scale(k.Fx).Add(lift(k.Cx))
		v = q[1].Scale(k.Fy).Add(lift(k.Cy))
		return
	}
	u = q[0].Div(q[2]).Scale(k.Fx).Add(lift(k.Cx))
	v = q[1].Div(q[2]).Scale(k.Fy).Add(lift(k.Cy))
	return
}

// reprojection returns predicted minus observed pixel of c at pose ⊕ delta.
func reprojection[T dual.Scalar[T]](k Intrinsics, m Parameterization, pose Pose, delta [6]T, c Correspondence) (ru, rv T) {
	q := cameraPoint(m, pose, delta, c.Scene)
	u, v := project(k, q, IsDegenerate(c.Scene))
	return u.Sub(dual.Lift[T](c.Image.X)), v.Sub(dual.Lift[T](c.Image.Y))
}

// Project returns the pixel at which the world point p is seen from pose.
func Project(k Intrinsics, pose Pose, p r3.Vector) r2.Point {
	var zero [6]dual.Float
	q := cameraPoint(ComposeRotation, pose, zero, p)
	u, v := project(k, q, IsDegenerate(p))
	return r2.Point{X: float64(u), Y: float64(v)}
}
