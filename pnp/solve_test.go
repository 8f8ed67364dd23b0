// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pnp

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curioloop/posefit/levmar"
)

func TestSolveRecovery(t *testing.T) {
	for _, m := range []Parameterization{ComposeRotation, AdditiveRotation} {
		t.Run(m.String(), func(t *testing.T) {
			initial := shifted(boardPose, 1000)
			res, err := Solve(context.Background(), boardCamera, board(), initial,
				Options{MaxIterations: 100, Parameterization: m})
			require.NoError(t, err)
			require.Equal(t, Converged, res.Reason, "status %v", res.Summary.Status)

			for i := 0; i < 3; i++ {
				assert.InDelta(t, boardPose[i], res.Pose[i], 1e-2, "rotation %d", i)
				assert.InDelta(t, boardPose[3+i], res.Pose[3+i], 1, "translation %d", i)
			}
			assert.Less(t, res.Cost, 1e-6*res.CostHistory[0])
			assert.Equal(t, shifted(boardPose, 1000), initial, "initial pose modified")
			assert.Equal(t, res.Summary.NumIter, res.Iterations)
			assert.GreaterOrEqual(t, res.Evaluations, res.Iterations)
		})
	}
}

func TestSolveMonotonicCost(t *testing.T) {
	res, err := Solve(context.Background(), boardCamera, board(), shifted(boardPose, 1000),
		Options{KeepTrajectory: true, MaxIterations: 100})
	require.NoError(t, err)
	require.NotEmpty(t, res.CostHistory)
	require.Len(t, res.Trajectory, len(res.CostHistory))

	for k := 1; k < len(res.CostHistory); k++ {
		assert.Less(t, res.CostHistory[k], res.CostHistory[k-1], "step %d", k)
	}
	assert.Equal(t, res.Cost, res.CostHistory[len(res.CostHistory)-1])
	assert.Equal(t, res.Pose, res.Trajectory[len(res.Trajectory)-1])
	assert.Equal(t, shifted(boardPose, 1000), res.Trajectory[0])
}

func TestSolveDeterministic(t *testing.T) {
	pairs := Synthesize(boardCamera, boardPose, Grid(15, 20, 19.05, 100))
	// Observation noise keeps the final cost away from zero.
	for i := range pairs {
		pairs[i].Image.X += 0.3 * math.Sin(float64(i))
		pairs[i].Image.Y += 0.3 * math.Cos(float64(3*i))
	}
	run := func(workers int) *SolveResult {
		res, err := Solve(context.Background(), boardCamera, pairs, perturbed, Options{Workers: workers})
		require.NoError(t, err)
		return res
	}
	a, b := run(1), run(8)
	assert.Equal(t, Converged, a.Reason)
	assert.Equal(t, a.Pose, b.Pose)
	assert.Equal(t, a.CostHistory, b.CostHistory)
	assert.Equal(t, a.Iterations, b.Iterations)
	assert.Greater(t, a.Cost, 0.0)
}

func TestSolvePerfectStart(t *testing.T) {
	res, err := Solve(context.Background(), boardCamera, board(), boardPose, Options{})
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Reason)
	assert.LessOrEqual(t, res.Iterations, 1)
	if diff := cmp.Diff(boardPose, res.Pose, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("pose moved from the optimum (-want +got):\n%s", diff)
	}
}

func TestSolveTermination(t *testing.T) {
	initial := shifted(boardPose, 1000)

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := Solve(ctx, boardCamera, board(), initial, Options{})
		require.NoError(t, err)
		assert.Equal(t, Cancelled, res.Reason)
		assert.Equal(t, levmar.HaltCancelled, res.Summary.Status)
		assert.Equal(t, initial, res.Pose)
		assert.Equal(t, 0, res.Iterations)
	})

	t.Run("time budget", func(t *testing.T) {
		res, err := Solve(context.Background(), boardCamera, board(), initial, Options{MaxDuration: time.Nanosecond})
		require.NoError(t, err)
		assert.Equal(t, Cancelled, res.Reason)
		assert.Equal(t, levmar.OverTimeLimit, res.Summary.Status)
	})

	t.Run("iteration limit", func(t *testing.T) {
		res, err := Solve(context.Background(), boardCamera, board(), initial, Options{MaxIterations: 1})
		require.NoError(t, err)
		assert.Equal(t, MaxIterations, res.Reason)
		assert.Equal(t, 1, res.Iterations)
		assert.LessOrEqual(t, res.Cost, res.CostHistory[0])
	})

	t.Run("non-finite start", func(t *testing.T) {
		// The whole target lies on the camera plane, so every depth is zero.
		bad := Pose{0, 0, 0, 0, 0, -100}
		res, err := Solve(context.Background(), boardCamera, board(), bad, Options{})
		require.NoError(t, err)
		assert.Equal(t, Diverged, res.Reason)
		assert.Equal(t, levmar.DivNonFinite, res.Summary.Status)
		assert.Equal(t, bad, res.Pose)
		assert.Contains(t, res.String(), "reason: diverged")
	})
}

func TestSolvePreconditions(t *testing.T) {
	ctx := context.Background()
	pairs := board()

	tests := []struct {
		name    string
		k       Intrinsics
		pairs   []Correspondence
		initial Pose
		opts    Options
		err     error
	}{
		{"two pairs", boardCamera, pairs[:2], boardPose, Options{}, ErrInsufficientCorrespondences},
		{"no pairs", boardCamera, nil, boardPose, Options{}, ErrInsufficientCorrespondences},
		{"zero focal", Intrinsics{Fx: 0, Fy: 2311.06, Cx: 1024.8, Cy: 1009.45}, pairs, boardPose, Options{}, ErrInvalidIntrinsics},
		{"nan pose", boardCamera, pairs, Pose{math.NaN()}, Options{}, ErrInvalidPose},
		{"negative workers", boardCamera, pairs, boardPose, Options{Workers: -1}, ErrInvalidOptions},
		{"bad parameterization", boardCamera, pairs, boardPose, Options{Parameterization: 7}, ErrInvalidOptions},
		{"negative damping", boardCamera, pairs, boardPose, Options{InitialDamping: -1}, ErrInvalidOptions},
		{"shrinking increase", boardCamera, pairs, boardPose, Options{DampingIncrease: 0.5}, ErrInvalidOptions},
		{"infinite increase", boardCamera, pairs, boardPose, Options{DampingIncrease: math.Inf(1)}, ErrInvalidOptions},
		{"infinite decrease", boardCamera, pairs, boardPose, Options{DampingDecrease: math.Inf(1)}, ErrInvalidOptions},
		{"negative tolerance", boardCamera, pairs, boardPose, Options{CostTolerance: -1}, ErrInvalidOptions},
		{"negative iterations", boardCamera, pairs, boardPose, Options{MaxIterations: -1}, ErrInvalidOptions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Solve(ctx, tc.k, tc.pairs, tc.initial, tc.opts)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	_, err := Solve(ctx, boardCamera, pairs, boardPose, Options{Workers: -1})
	assert.ErrorContains(t, err, "workers must not be less than 0")
}

func TestSolveLogging(t *testing.T) {
	var msg, out bytes.Buffer
	res, err := Solve(context.Background(), boardCamera, board(), shifted(boardPose, 1000), Options{
		Logger: &levmar.Logger{Level: levmar.LogEval, Msg: &msg, Out: &out},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "iter"))
	assert.GreaterOrEqual(t, strings.Count(out.String(), "\n"), res.Iterations+1)
	assert.Contains(t, msg.String(), "LEVENBERG-MARQUARDT")
	assert.Contains(t, msg.String(), res.Summary.Status.String())
	assert.Contains(t, res.String(), "reason: converged")
}

func TestDefaultOptions(t *testing.T) {
	d := DefaultOptions()
	if diff := cmp.Diff(d, Options{}.withDefault(), cmpopts.IgnoreFields(Options{}, "Logger")); diff != "" {
		t.Errorf("zero options do not resolve to defaults (-want +got):\n%s", diff)
	}
	assert.Equal(t, 50, d.MaxIterations)
	assert.Equal(t, 1e-10, d.GradientTolerance)
	assert.Equal(t, 1e-8, d.ParameterTolerance)
	assert.Equal(t, 1e-6, d.CostTolerance)
	assert.Equal(t, 1e-3, d.InitialDamping)
	assert.Equal(t, ComposeRotation, d.Parameterization)
	assert.Positive(t, d.Workers)

	o := Options{MaxIterations: 7, Workers: 1}.withDefault()
	assert.Equal(t, 7, o.MaxIterations)
	assert.Equal(t, 1, o.Workers)
	assert.Equal(t, d.CostTolerance, o.CostTolerance)
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "converged", Converged.String())
	assert.Equal(t, "max iterations reached", MaxIterations.String())
	assert.Equal(t, "diverged", Diverged.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "unknown", Reason(-1).String())
}

func TestReasonOf(t *testing.T) {
	tests := map[levmar.Status]Reason{
		levmar.ConvGradNorm:    Converged,
		levmar.ConvStepNorm:    Converged,
		levmar.ConvCostChange:  Converged,
		levmar.OverIterLimit:   MaxIterations,
		levmar.OverTimeLimit:   Cancelled,
		levmar.HaltCancelled:   Cancelled,
		levmar.HaltEvalPanic:   Diverged,
		levmar.DivNonFinite:    Diverged,
		levmar.DivDampingLimit: Diverged,
	}
	for s, want := range tests {
		assert.Equal(t, want, reasonOf(s), s.String())
	}
}
