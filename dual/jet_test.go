// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dual

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// model is differentiated below: f(x, y) = sin(x·y) + √(x² + y²) / cos(x) - 3y.
func model[T Scalar[T]](x, y T) T {
	r := x.Mul(x).Add(y.Mul(y)).Sqrt()
	return x.Mul(y).Sin().Add(r.Div(x.Cos())).Sub(y.Scale(3))
}

func TestJetMatchesClosedForm(t *testing.T) {
	x, y := 0.7, -1.3
	f := model(Variable(x, 0), Variable(y, 1))

	r := math.Hypot(x, y)
	dfdx := y*math.Cos(x*y) + (x/r)/math.Cos(x) + r*math.Sin(x)/(math.Cos(x)*math.Cos(x))
	dfdy := x*math.Cos(x*y) + (y/r)/math.Cos(x) - 3

	assert.InDelta(t, float64(model(Float(x), Float(y))), f.V, 1e-15)
	assert.InDelta(t, dfdx, f.D[0], 1e-12)
	assert.InDelta(t, dfdy, f.D[1], 1e-12)
	for k := 2; k < N; k++ {
		assert.Zero(t, f.D[k], "unseeded direction %d", k)
	}
}

func TestJetArithmetic(t *testing.T) {
	a := Variable(2, 0)
	b := Variable(5, 1)

	tests := []struct {
		name   string
		got    Jet
		v      float64
		da, db float64
	}{
		{"add", a.Add(b), 7, 1, 1},
		{"sub", a.Sub(b), -3, 1, -1},
		{"mul", a.Mul(b), 10, 5, 2},
		{"div", a.Div(b), 0.4, 1.0 / 5, -2.0 / 25},
		{"scale", a.Scale(-4), -8, -4, 0},
		{"sqrt", b.Sqrt(), math.Sqrt(5), 0, 0.5 / math.Sqrt(5)},
		{"sin", a.Sin(), math.Sin(2), math.Cos(2), 0},
		{"cos", a.Cos(), math.Cos(2), 0, -math.Sin(2)},
		{"lift", a.Lift(9).Add(a), 11, 1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.v, tc.got.V, 1e-15)
			assert.InDelta(t, tc.da, tc.got.D[0], 1e-15)
			assert.InDelta(t, tc.db, tc.got.D[1], 1e-15)
		})
	}
}

func TestVectorHelpers(t *testing.T) {
	a := [3]Float{1, 2, 3}
	b := [3]Float{-4, 0.5, 2}

	require.Equal(t, Float(1*-4+2*0.5+3*2), Dot(a, b))

	c := Cross(a, b)
	require.Equal(t, [3]Float{2*2 - 3*0.5, 3*-4 - 1*2, 1*0.5 - 2*-4}, c)
	assert.Zero(t, float64(Dot(c, a)))
	assert.Zero(t, float64(Dot(c, b)))

	assert.Equal(t, Constant(4), Lift[Jet](4))
	assert.Equal(t, Float(4), Lift[Float](4))
}
