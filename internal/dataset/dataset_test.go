// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curioloop/posefit/pnp"
)

const chessboard = "../../testdata/chessboard.yaml"

func TestLoadChessboard(t *testing.T) {
	p, err := Load(chessboard)
	require.NoError(t, err)

	assert.Equal(t, "chessboard", p.Name)
	assert.Len(t, p.Points, 80)
	k := p.Intrinsics()
	assert.Equal(t, 2311.0603987479462, k.Fx)
	assert.Equal(t, k.Fx, k.Fy)

	truth, ok := p.TruthPose()
	require.True(t, ok)
	initial := p.InitialPose()
	for i := 0; i < 3; i++ {
		assert.Equal(t, truth[i], initial[i])
		assert.InDelta(t, truth[3+i]+1000, initial[3+i], 1e-9)
	}

	pairs := p.Correspondences()
	assert.Equal(t, 433.576, pairs[0].Image.X)
	assert.Equal(t, 266.7, pairs[0].Scene.Y)
	assert.Equal(t, 342.9, pairs[79].Scene.X)

	opts := p.SolverOptions(pnp.DefaultOptions())
	assert.Equal(t, 100, opts.MaxIterations)
	assert.Equal(t, pnp.ComposeRotation, opts.Parameterization)
	assert.Equal(t, pnp.DefaultOptions().CostTolerance, opts.CostTolerance)
}

func TestSolveChessboard(t *testing.T) {
	p, err := Load(chessboard)
	require.NoError(t, err)
	truth, _ := p.TruthPose()

	res, err := pnp.Solve(context.Background(), p.Intrinsics(), p.Correspondences(), p.InitialPose(),
		p.SolverOptions(pnp.Options{}))
	require.NoError(t, err)
	require.Equal(t, pnp.Converged, res.Reason, "status %v", res.Summary.Status)

	set, err := pnp.NewCorrespondenceSet(p.Intrinsics(), p.Correspondences())
	require.NoError(t, err)
	atTruth := pnp.NewEvaluator(set, pnp.ComposeRotation, 1).Cost(truth)
	assert.LessOrEqual(t, res.Cost, atTruth*(1+1e-6))

	for i := 0; i < 3; i++ {
		assert.InDelta(t, truth[i], res.Pose[i], 5e-2, "rotation %d", i)
		assert.InDelta(t, truth[3+i], res.Pose[3+i], 5, "translation %d", i)
	}
}

func TestParseOptions(t *testing.T) {
	doc := `
initial: [0, 0, 0, 0, 0, 10]
camera: {fx: 100, fy: 100, cx: 50, cy: 50}
options:
  cost_tolerance: 1e-9
  max_duration: 250ms
  workers: 2
  parameterization: additive
  keep_trajectory: true
points:
  - {scene: [0, 0, 1], image: [50, 50]}
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	_, ok := p.TruthPose()
	assert.False(t, ok)

	base := pnp.Options{MaxIterations: 9, CostTolerance: 1}
	got := p.SolverOptions(base)
	want := pnp.Options{
		MaxIterations:    9,
		CostTolerance:    1e-9,
		MaxDuration:      250 * time.Millisecond,
		Workers:          2,
		Parameterization: pnp.AdditiveRotation,
		KeepTrajectory:   true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}

	p.Options = nil
	assert.Equal(t, base, p.SolverOptions(base))
}

func TestParseJSON(t *testing.T) {
	doc := `{"camera": {"fx": 1, "fy": 1, "cx": 0, "cy": 0}, "initial": [1, 2, 3, 4, 5, 6], "points": [{"scene": [1, 2, 3], "image": [4, 5]}]}`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, pnp.Pose{1, 2, 3, 4, 5, 6}, p.InitialPose())
	assert.Equal(t, 3.0, p.Correspondences()[0].Scene.Z)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, doc, msg string
	}{
		{"short initial", "initial: [1, 2]\n", "initial pose must have 6 values"},
		{"short truth", "initial: [1, 2, 3, 4, 5, 6]\ntruth: [1]\n", "truth pose must have 6 values"},
		{"short scene", "initial: [1, 2, 3, 4, 5, 6]\npoints: [{scene: [1, 2], image: [1, 2]}]\n", "point 0: scene"},
		{"long image", "initial: [1, 2, 3, 4, 5, 6]\npoints: [{scene: [1, 2, 3], image: [1, 2, 3]}]\n", "point 0: image"},
		{"bad duration", "initial: [1, 2, 3, 4, 5, 6]\noptions: {max_duration: soon}\n", "invalid max_duration"},
		{"bad parameterization", "initial: [1, 2, 3, 4, 5, 6]\noptions: {parameterization: euler}\n", "unknown parameterization"},
		{"unknown field", "initial: [1, 2, 3, 4, 5, 6]\ndistortion: [0.1]\n", "field distortion not found"},
		{"not yaml", "initial: [1, 2\n", "failed to parse problem"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "problem.txt"))
	assert.ErrorContains(t, err, "extension")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to stat")

	big := filepath.Join(dir, "big.yaml")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("#", MaxFileSize+1)), 0o600))
	_, err = Load(big)
	assert.ErrorContains(t, err, "too large")
}

func TestRoundTrip(t *testing.T) {
	k := pnp.Intrinsics{Fx: 800, Fy: 810, Cx: 320, Cy: 240}
	pose := pnp.Pose{0.1, -0.2, 0.3, 1, 2, 30}
	pairs := pnp.Synthesize(k, pose, pnp.Grid(2, 3, 1.5, 0.5))

	data, err := FromCorrespondences("synthetic", k, pairs, pose).Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "synthetic.yml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "synthetic", p.Name)
	assert.Equal(t, k, p.Intrinsics())
	assert.Equal(t, pose, p.InitialPose())
	assert.Equal(t, pairs, p.Correspondences())
}
