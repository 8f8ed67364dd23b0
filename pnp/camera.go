// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pnp refines the pose of a calibrated pinhole camera from known
// 3D scene points and their observed image projections.
//
// The pose is parameterized by 6 numbers: an angle-axis rotation followed by a
// translation, mapping world points into the camera frame. Refinement
// minimizes the squared reprojection error with Levenberg-Marquardt starting
// from a caller supplied guess; derivatives come from dual numbers evaluated
// through the same projection code that produces the residuals.
package pnp

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// MinCorrespondences is the smallest set that constrains all 6 pose parameters.
const MinCorrespondences = 3

var (
	// ErrInsufficientCorrespondences is returned for fewer than MinCorrespondences pairs.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrInvalidIntrinsics is returned for non-finite intrinsics or a non-positive focal length.
	ErrInvalidIntrinsics = errors.New("invalid intrinsics")
	// ErrInvalidPose is returned for an initial pose with non-finite parameters.
	ErrInvalidPose = errors.New("invalid pose")
	// ErrInvalidOptions is returned when solver options cannot be honoured.
	ErrInvalidOptions = errors.New("invalid options")
)

// Intrinsics are the pinhole parameters of a calibrated, undistorted camera.
type Intrinsics struct {
	Fx, Fy float64 // focal lengths in pixels
	Cx, Cy float64 // principal point in pixels
}

// Validate reports ErrInvalidIntrinsics unless all values are finite and both
// focal lengths are positive.
func (k Intrinsics) Validate() error {
	for _, v := range [...]float64{k.Fx, k.Fy, k.Cx, k.Cy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidIntrinsics, "non-finite value in %+v", k)
		}
	}
	if k.Fx <= 0 || k.Fy <= 0 {
		return errors.Wrapf(ErrInvalidIntrinsics, "focal length must be positive, got fx=%g fy=%g", k.Fx, k.Fy)
	}
	return nil
}

// Correspondence pairs a world point with its observed pixel.
type Correspondence struct {
	Scene r3.Vector
	Image r2.Point
}

// Pose holds the angle-axis rotation [0:3] and translation [3:6] that map a
// world point p into the camera frame as R·p + t.
type Pose [6]float64

// NewPose assembles a pose from its rotation vector and translation.
func NewPose(rotation, translation r3.Vector) Pose {
	return Pose{rotation.X, rotation.Y, rotation.Z, translation.X, translation.Y, translation.Z}
}

// Rotation returns the angle-axis vector; its norm is the angle in radians.
func (p Pose) Rotation() r3.Vector {
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}
}

// Translation returns the translation part.
func (p Pose) Translation() r3.Vector {
	return r3.Vector{X: p[3], Y: p[4], Z: p[5]}
}

// Validate reports ErrInvalidPose if any parameter is NaN or infinite.
func (p Pose) Validate() error {
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidPose, "parameter %d is %v", i, v)
		}
	}
	return nil
}

func (p Pose) String() string {
	return fmt.Sprintf("%g, %g, %g, %g, %g, %g", p[0], p[1], p[2], p[3], p[4], p[5])
}

// CorrespondenceSet is an immutable, ordered set of correspondences observed
// by one camera. The order fixes the order of residuals.
type CorrespondenceSet struct {
	k     Intrinsics
	pairs []Correspondence
}

// NewCorrespondenceSet validates and copies its inputs.
func NewCorrespondenceSet(k Intrinsics, pairs []Correspondence) (*CorrespondenceSet, error) {
	if len(pairs) < MinCorrespondences {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences, "got %d, need at least %d", len(pairs), MinCorrespondences)
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	for i, c := range pairs {
		v := [...]float64{c.Scene.X, c.Scene.Y, c.Scene.Z, c.Image.X, c.Image.Y}
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, errors.Errorf("correspondence %d has a non-finite coordinate", i)
			}
		}
	}
	return &CorrespondenceSet{
		k:     k,
		pairs: append([]Correspondence(nil), pairs...),
	}, nil
}

// Intrinsics returns the camera parameters.
func (s *CorrespondenceSet) Intrinsics() Intrinsics { return s.k }

// Len returns the number of correspondences.
func (s *CorrespondenceSet) Len() int { return len(s.pairs) }

// At returns the i-th correspondence.
func (s *CorrespondenceSet) At(i int) Correspondence { return s.pairs[i] }

// Grid returns rows×cols points on the plane z, spaced by spacing along x and
// y, the layout of a planar calibration target. Points are ordered row by row.
func Grid(rows, cols int, spacing, z float64) []r3.Vector {
	pts := make([]r3.Vector, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			pts = append(pts, r3.Vector{X: float64(j) * spacing, Y: float64(i) * spacing, Z: z})
		}
	}
	return pts
}

// Synthesize projects scenes through pose and returns the exact correspondences.
func Synthesize(k Intrinsics, pose Pose, scenes []r3.Vector) []Correspondence {
	pairs := make([]Correspondence, len(scenes))
	for i, p := range scenes {
		pairs[i] = Correspondence{Scene: p, Image: Project(k, pose, p)}
	}
	return pairs
}
