// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command posefit refines the pose of a calibrated camera from a problem file
// of 3D-2D correspondences and prints the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/geo/r2"

	"github.com/curioloop/posefit/internal/costplot"
	"github.com/curioloop/posefit/internal/dataset"
	"github.com/curioloop/posefit/levmar"
	"github.com/curioloop/posefit/pnp"
)

// Config holds the command line settings.
type Config struct {
	ProblemFile      string
	Verbose          bool
	Trace            bool
	PlotFile         string
	Workers          int
	Timeout          time.Duration
	Parameterization string
	CheckJacobian    bool
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.ProblemFile, "problem", "testdata/chessboard.yaml", "problem file (.yaml, .yml or .json)")
	flag.BoolVar(&cfg.Verbose, "v", false, "print one progress line per iteration")
	flag.BoolVar(&cfg.Trace, "trace", false, "also print rejected steps and the pose of every iteration")
	flag.StringVar(&cfg.PlotFile, "plot", "", "write the cost history plot to this file (.png, .svg, .pdf)")
	flag.IntVar(&cfg.Workers, "workers", 0, "goroutines per evaluation, 0 uses GOMAXPROCS")
	flag.DurationVar(&cfg.Timeout, "timeout", 0, "stop refining after this long, 0 disables")
	flag.StringVar(&cfg.Parameterization, "param", "", "override the pose update rule: compose or additive")
	flag.BoolVar(&cfg.CheckJacobian, "check", false, "compare the Jacobian at the initial pose with finite differences")
	flag.Parse()
	if flag.NArg() > 0 {
		cfg.ProblemFile = flag.Arg(0)
	}
	return cfg
}

func main() {
	cfg := parseFlags()

	problem, err := dataset.Load(cfg.ProblemFile)
	if err != nil {
		log.Fatalf("failed to load problem: %v", err)
	}

	opts := problem.SolverOptions(pnp.Options{})
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	if cfg.Timeout > 0 {
		opts.MaxDuration = cfg.Timeout
	}
	switch cfg.Parameterization {
	case "":
	case pnp.ComposeRotation.String():
		opts.Parameterization = pnp.ComposeRotation
	case pnp.AdditiveRotation.String():
		opts.Parameterization = pnp.AdditiveRotation
	default:
		log.Fatalf("unknown parameterization %q", cfg.Parameterization)
	}
	switch {
	case cfg.Trace:
		opts.Logger = &levmar.Logger{Level: levmar.LogTrace, Msg: os.Stdout, Out: os.Stdout}
	case cfg.Verbose:
		opts.Logger = &levmar.Logger{Level: levmar.LogEval, Msg: os.Stdout, Out: os.Stdout}
	}

	k, pairs, initial := problem.Intrinsics(), problem.Correspondences(), problem.InitialPose()
	if truth, ok := problem.TruthPose(); ok {
		fmt.Printf("\nGround truth: %s\n", truth)
	}
	fmt.Printf("\nInitial pose: %s\n", initial)

	if cfg.CheckJacobian {
		set, err := pnp.NewCorrespondenceSet(k, pairs)
		if err != nil {
			log.Fatalf("invalid problem: %v", err)
		}
		worst, err := pnp.NewEvaluator(set, opts.Parameterization, 1).CheckJacobian(initial)
		if err != nil {
			log.Fatalf("jacobian check failed: %v", err)
		}
		fmt.Printf("\nJacobian max relative error: %.3e\n", worst)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := pnp.Solve(ctx, k, pairs, initial, opts)
	if err != nil {
		log.Fatalf("solve failed: %v", err)
	}

	fmt.Printf("\n%s\n", res)
	fmt.Printf("\nFinal pose: %s\n", res.Pose)

	if cfg.PlotFile != "" {
		if err := writePlots(cfg.PlotFile, problem, res); err != nil {
			log.Fatalf("failed to write plot: %v", err)
		}
		fmt.Printf("\nPlots written next to %s\n", cfg.PlotFile)
	}

	if res.Reason != pnp.Converged {
		os.Exit(2)
	}
}

// writePlots saves the cost history to path and the final reprojection to a
// sibling file with a "_reprojection" suffix.
func writePlots(path string, problem *dataset.Problem, res *pnp.SolveResult) error {
	title := problem.Name
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	p, err := costplot.History(title, res.CostHistory)
	if err != nil {
		return err
	}
	if err := costplot.Save(path, p); err != nil {
		return err
	}

	k := problem.Intrinsics()
	pairs := problem.Correspondences()
	observed := make([]r2.Point, len(pairs))
	predicted := make([]r2.Point, len(pairs))
	for i, c := range pairs {
		observed[i] = c.Image
		predicted[i] = pnp.Project(k, res.Pose, c.Scene)
	}
	p, err = costplot.Reprojection(title, observed, predicted)
	if err != nil {
		return err
	}
	ext := filepath.Ext(path)
	return costplot.Save(strings.TrimSuffix(path, ext)+"_reprojection"+ext, p)
}
