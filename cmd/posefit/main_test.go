// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curioloop/posefit/internal/dataset"
	"github.com/curioloop/posefit/pnp"
)

func TestWritePlots(t *testing.T) {
	problem, err := dataset.Load("../../testdata/chessboard.yaml")
	require.NoError(t, err)

	res, err := pnp.Solve(context.Background(), problem.Intrinsics(), problem.Correspondences(),
		problem.InitialPose(), problem.SolverOptions(pnp.Options{Workers: 1}))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, writePlots(filepath.Join(dir, "cost.svg"), problem, res))
	for _, name := range []string{"cost.svg", "cost_reprojection.svg"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		require.Positive(t, info.Size(), name)
	}
}
