// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pnp

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/posefit/dual"
	"github.com/curioloop/posefit/levmar"
	"github.com/curioloop/posefit/numdiff"
)

// chunkSize is the number of correspondences evaluated by one task.
// Chunk bounds never depend on the worker count, so serial and parallel
// evaluations reduce in the same order and agree bit for bit.
const chunkSize = 64

// Evaluator computes reprojection residuals and their Jacobian for a fixed
// correspondence set. It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	set     *CorrespondenceSet
	param   Parameterization
	workers int
}

// NewEvaluator returns an evaluator differentiating with respect to the tangent
// step of param. workers bounds the goroutines of one evaluation; values below
// 2 evaluate inline.
func NewEvaluator(set *CorrespondenceSet, param Parameterization, workers int) *Evaluator {
	return &Evaluator{set: set, param: param, workers: workers}
}

// Len returns the number of residuals, twice the number of correspondences.
func (e *Evaluator) Len() int {
	return 2 * e.set.Len()
}

// Residuals stores in dst, grown if needed, the 2N residuals at pose and
// returns it. Entry 2i is the u error of correspondence i and 2i+1 its v error.
func (e *Evaluator) Residuals(pose Pose, dst []float64) []float64 {
	if cap(dst) < e.Len() {
		dst = make([]float64, e.Len())
	}
	dst = dst[:e.Len()]
	e.residualsAt(pose, [6]float64{}, dst)
	return dst
}

// residualsAt evaluates the residuals at pose ⊕ delta on plain floats.
func (e *Evaluator) residualsAt(pose Pose, delta [6]float64, dst []float64) {
	var d [6]dual.Float
	for i, v := range delta {
		d[i] = dual.Float(v)
	}
	k := e.set.Intrinsics()
	e.mustRun(func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			ru, rv := reprojection(k, e.param, pose, d, e.set.At(i))
			dst[2*i], dst[2*i+1] = float64(ru), float64(rv)
		}
		return nil
	})
}

// Cost returns ½‖r‖² at pose.
func (e *Evaluator) Cost(pose Pose) float64 {
	var zero [6]dual.Float
	k := e.set.Intrinsics()
	partial := make([]float64, e.numChunks())
	e.mustRun(func(lo, hi int) error {
		var f float64
		for i := lo; i < hi; i++ {
			ru, rv := reprojection(k, e.param, pose, zero, e.set.At(i))
			f += float64(ru*ru + rv*rv)
		}
		partial[lo/chunkSize] = 0.5 * f
		return nil
	})
	var f float64
	for _, v := range partial {
		f += v
	}
	return f
}

// Evaluate returns the residuals and the 2N×6 Jacobian at pose.
func (e *Evaluator) Evaluate(pose Pose) ([]float64, *mat.Dense) {
	r := make([]float64, e.Len())
	jac := mat.NewDense(e.Len(), dual.N, nil)
	k := e.set.Intrinsics()
	delta := seed()
	e.mustRun(func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			ru, rv := reprojection(k, e.param, pose, delta, e.set.At(i))
			r[2*i], r[2*i+1] = ru.V, rv.V
			jac.SetRow(2*i, ru.D[:])
			jac.SetRow(2*i+1, rv.D[:])
		}
		return nil
	})
	return r, jac
}

// Normal fills sys with JᵀJ and Jᵀr at pose and returns ½‖r‖².
// Each chunk accumulates privately; the partial systems are merged in chunk
// order.
func (e *Evaluator) Normal(pose Pose, sys *levmar.Normal) float64 {
	k := e.set.Intrinsics()
	delta := seed()
	parts := make([]*levmar.Normal, e.numChunks())
	costs := make([]float64, len(parts))
	e.mustRun(func(lo, hi int) error {
		local := levmar.NewNormal(dual.N)
		var f float64
		for i := lo; i < hi; i++ {
			ru, rv := reprojection(k, e.param, pose, delta, e.set.At(i))
			local.AddRow(ru.D[:], ru.V)
			local.AddRow(rv.D[:], rv.V)
			f += ru.V*ru.V + rv.V*rv.V
		}
		c := lo / chunkSize
		parts[c], costs[c] = local, 0.5*f
		return nil
	})

	sys.Reset()
	var f float64
	for c, p := range parts {
		sys.Merge(p)
		f += costs[c]
	}
	return f
}

// CheckJacobian compares the dual-number Jacobian at pose with a central
// finite difference of the residuals along the same tangent step and returns
// the largest relative deviation.
func (e *Evaluator) CheckJacobian(pose Pose) (float64, error) {
	_, jac := e.Evaluate(pose)
	ref := make([]float64, e.Len()*dual.N)
	spec := numdiff.ApproxSpec{
		N: dual.N, M: e.Len(),
		Method: numdiff.Central,
		Object: func(x, y []float64) {
			var d [6]float64
			copy(d[:], x)
			e.residualsAt(pose, d, y)
		},
	}
	if err := spec.Diff(make([]float64, dual.N), ref); err != nil {
		return 0, errors.Wrap(err, "finite difference")
	}
	return numdiff.MaxRelativeError(jac.RawMatrix().Data, ref), nil
}

func seed() (delta [6]dual.Jet) {
	for i := range delta {
		delta[i] = dual.Variable(0, i)
	}
	return
}

func (e *Evaluator) numChunks() int {
	return (e.set.Len() + chunkSize - 1) / chunkSize
}

// mustRun calls fn on every chunk [lo, hi) of the correspondences.
// A panic inside a worker is re-raised on the calling goroutine so the
// optimizer can recover it.
func (e *Evaluator) mustRun(fn func(lo, hi int) error) {
	n := e.set.Len()
	if e.workers < 2 || n <= chunkSize {
		for lo := 0; lo < n; lo += chunkSize {
			if err := fn(lo, min(lo+chunkSize, n)); err != nil {
				panic(err)
			}
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for lo := 0; lo < n; lo += chunkSize {
		hi := min(lo+chunkSize, n)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("chunk [%d, %d): %v", lo, hi, r)
				}
			}()
			return fn(lo, hi)
		})
	}
	if err := g.Wait(); err != nil {
		panic(err)
	}
}
