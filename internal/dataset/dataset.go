// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dataset reads pose refinement problems from YAML or JSON files.
//
// A problem file carries the camera intrinsics, the correspondences, the
// initial pose, an optional ground truth and optional solver overrides.
// Fields omitted from the options block keep their defaults, so partial
// files are safe.
package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/curioloop/posefit/pnp"
)

// MaxFileSize bounds the size of a problem file.
const MaxFileSize = 4 << 20

// Camera holds the pinhole intrinsics in pixels.
type Camera struct {
	Fx float64 `yaml:"fx"`
	Fy float64 `yaml:"fy"`
	Cx float64 `yaml:"cx"`
	Cy float64 `yaml:"cy"`
}

// Point is one correspondence: a world point and its observed pixel.
type Point struct {
	Scene []float64 `yaml:"scene,flow"`
	Image []float64 `yaml:"image,flow"`
}

// Tuning overrides solver options. Nil fields keep the solver defaults.
type Tuning struct {
	MaxIterations      *int     `yaml:"max_iterations,omitempty"`
	GradientTolerance  *float64 `yaml:"gradient_tolerance,omitempty"`
	ParameterTolerance *float64 `yaml:"parameter_tolerance,omitempty"`
	CostTolerance      *float64 `yaml:"cost_tolerance,omitempty"`
	InitialDamping     *float64 `yaml:"initial_damping,omitempty"`
	DampingIncrease    *float64 `yaml:"damping_increase,omitempty"`
	DampingDecrease    *float64 `yaml:"damping_decrease,omitempty"`
	MaxDuration        *string  `yaml:"max_duration,omitempty"` // duration string like "500ms"
	Workers            *int     `yaml:"workers,omitempty"`
	Parameterization   *string  `yaml:"parameterization,omitempty"` // compose or additive
	KeepTrajectory     *bool    `yaml:"keep_trajectory,omitempty"`
}

// Problem is the content of a problem file.
type Problem struct {
	Name    string    `yaml:"name,omitempty"`
	Camera  Camera    `yaml:"camera"`
	Truth   []float64 `yaml:"truth,omitempty,flow"`
	Initial []float64 `yaml:"initial,flow"`
	Options *Tuning   `yaml:"options,omitempty"`
	Points  []Point   `yaml:"points"`
}

// Load reads and validates a problem file. The file must have a .yaml, .yml
// or .json extension and be at most MaxFileSize bytes.
func Load(path string) (*Problem, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, errors.Errorf("problem file must have .yaml, .yml or .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat problem file")
	}
	if info.Size() > MaxFileSize {
		return nil, errors.Errorf("problem file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read problem file")
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", cleanPath)
	}
	return p, nil
}

// Parse decodes and validates a problem. JSON input is accepted as well.
// Unknown fields are rejected.
func Parse(data []byte) (*Problem, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	p := new(Problem)
	if err := dec.Decode(p); err != nil {
		return nil, errors.Wrap(err, "failed to parse problem")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid problem")
	}
	return p, nil
}

// Marshal encodes the problem as YAML.
func (p *Problem) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, errors.Wrap(err, "failed to encode problem")
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the shape of the problem. Numeric preconditions such as a
// positive focal length are left to the solver.
func (p *Problem) Validate() error {
	if len(p.Initial) != 6 {
		return errors.Errorf("initial pose must have 6 values, got %d", len(p.Initial))
	}
	if p.Truth != nil && len(p.Truth) != 6 {
		return errors.Errorf("truth pose must have 6 values, got %d", len(p.Truth))
	}
	for i, pt := range p.Points {
		if len(pt.Scene) != 3 {
			return errors.Errorf("point %d: scene must have 3 values, got %d", i, len(pt.Scene))
		}
		if len(pt.Image) != 2 {
			return errors.Errorf("point %d: image must have 2 values, got %d", i, len(pt.Image))
		}
	}
	if p.Options != nil {
		return p.Options.Validate()
	}
	return nil
}

// Intrinsics returns the camera as solver intrinsics.
func (p *Problem) Intrinsics() pnp.Intrinsics {
	return pnp.Intrinsics{Fx: p.Camera.Fx, Fy: p.Camera.Fy, Cx: p.Camera.Cx, Cy: p.Camera.Cy}
}

// Correspondences returns the points in file order.
func (p *Problem) Correspondences() []pnp.Correspondence {
	pairs := make([]pnp.Correspondence, len(p.Points))
	for i, pt := range p.Points {
		pairs[i] = pnp.Correspondence{
			Scene: r3.Vector{X: pt.Scene[0], Y: pt.Scene[1], Z: pt.Scene[2]},
			Image: r2.Point{X: pt.Image[0], Y: pt.Image[1]},
		}
	}
	return pairs
}

// InitialPose returns the starting pose.
func (p *Problem) InitialPose() pnp.Pose {
	var pose pnp.Pose
	copy(pose[:], p.Initial)
	return pose
}

// TruthPose returns the ground truth, if the file has one.
func (p *Problem) TruthPose() (pnp.Pose, bool) {
	var pose pnp.Pose
	if p.Truth == nil {
		return pose, false
	}
	copy(pose[:], p.Truth)
	return pose, true
}

// SolverOptions returns opts with the file overrides applied on top.
func (p *Problem) SolverOptions(opts pnp.Options) pnp.Options {
	if p.Options == nil {
		return opts
	}
	return p.Options.Apply(opts)
}

// FromCorrespondences builds a problem from solver inputs.
func FromCorrespondences(name string, k pnp.Intrinsics, pairs []pnp.Correspondence, initial pnp.Pose) *Problem {
	p := &Problem{
		Name:    name,
		Camera:  Camera{Fx: k.Fx, Fy: k.Fy, Cx: k.Cx, Cy: k.Cy},
		Initial: initial[:],
		Points:  make([]Point, len(pairs)),
	}
	for i, c := range pairs {
		p.Points[i] = Point{
			Scene: []float64{c.Scene.X, c.Scene.Y, c.Scene.Z},
			Image: []float64{c.Image.X, c.Image.Y},
		}
	}
	return p
}

// Validate checks that the overrides that are set can be honoured.
func (t *Tuning) Validate() error {
	if t.MaxDuration != nil && *t.MaxDuration != "" {
		if _, err := time.ParseDuration(*t.MaxDuration); err != nil {
			return errors.Wrapf(err, "invalid max_duration %q", *t.MaxDuration)
		}
	}
	if t.Parameterization != nil {
		if _, err := parseParameterization(*t.Parameterization); err != nil {
			return err
		}
	}
	return nil
}

// Apply returns opts with every set field of t replacing the matching option.
// t must have passed Validate.
func (t *Tuning) Apply(opts pnp.Options) pnp.Options {
	if t.MaxIterations != nil {
		opts.MaxIterations = *t.MaxIterations
	}
	if t.GradientTolerance != nil {
		opts.GradientTolerance = *t.GradientTolerance
	}
	if t.ParameterTolerance != nil {
		opts.ParameterTolerance = *t.ParameterTolerance
	}
	if t.CostTolerance != nil {
		opts.CostTolerance = *t.CostTolerance
	}
	if t.InitialDamping != nil {
		opts.InitialDamping = *t.InitialDamping
	}
	if t.DampingIncrease != nil {
		opts.DampingIncrease = *t.DampingIncrease
	}
	if t.DampingDecrease != nil {
		opts.DampingDecrease = *t.DampingDecrease
	}
	if t.MaxDuration != nil && *t.MaxDuration != "" {
		opts.MaxDuration, _ = time.ParseDuration(*t.MaxDuration)
	}
	if t.Workers != nil {
		opts.Workers = *t.Workers
	}
	if t.Parameterization != nil {
		opts.Parameterization, _ = parseParameterization(*t.Parameterization)
	}
	if t.KeepTrajectory != nil {
		opts.KeepTrajectory = *t.KeepTrajectory
	}
	return opts
}

func parseParameterization(s string) (pnp.Parameterization, error) {
	for _, m := range []pnp.Parameterization{pnp.ComposeRotation, pnp.AdditiveRotation} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown parameterization %q, want compose or additive", s)
}
