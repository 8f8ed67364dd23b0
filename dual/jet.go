// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dual

import "math"

// N is the number of infinitesimal parts carried by a Jet, one per
// parameter of a rigid pose.
const N = 6

// Jet is a dual number a + Σ vᵢεᵢ with εᵢεⱼ = 0.
//
// The real part of every operation uses the same floating-point operation as
// the matching Float method, so a model evaluated with Jet and with Float
// yields the same values.
//
// Seeding parameter k with Variable(x, k) makes D[k] of every result the
// partial derivative with respect to that parameter.
type Jet struct {
	V float64    // real part
	D [N]float64 // infinitesimal part
}

// Variable returns the jet x + εₖ.
func Variable(x float64, k int) Jet {
	j := Jet{V: x}
	j.D[k] = 1
	return j
}

// Constant returns the jet c with zero infinitesimal part.
func Constant(c float64) Jet {
	return Jet{V: c}
}

func (a Jet) Value() float64 { return a.V }

func (Jet) Lift(c float64) Jet { return Jet{V: c} }

func (a Jet) Add(b Jet) Jet {
	r := Jet{V: a.V + b.V}
	for i := range r.D {
		r.D[i] = a.D[i] + b.D[i]
	}
	return r
}

func (a Jet) Sub(b Jet) Jet {
	r := Jet{V: a.V - b.V}
	for i := range r.D {
		r.D[i] = a.D[i] - b.D[i]
	}
	return r
}

// Mul applies (a + u)(b + v) = ab + (av + bu).
func (a Jet) Mul(b Jet) Jet {
	r := Jet{V: a.V * b.V}
	for i := range r.D {
		r.D[i] = a.V*b.D[i] + b.V*a.D[i]
	}
	return r
}

// Div applies (a + u)/(b + v) = a/b + (u - (a/b)v)/b.
func (a Jet) Div(b Jet) Jet {
	q := a.V / b.V
	r := Jet{V: q}
	for i := range r.D {
		r.D[i] = (a.D[i] - q*b.D[i]) / b.V
	}
	return r
}

func (a Jet) Scale(c float64) Jet {
	r := Jet{V: a.V * c}
	for i := range r.D {
		r.D[i] = a.D[i] * c
	}
	return r
}

// Sqrt has an infinite derivative at zero; callers branch away from it.
func (a Jet) Sqrt() Jet {
	s := math.Sqrt(a.V)
	return a.chain(s, 0.5/s)
}

func (a Jet) Sin() Jet {
	return a.chain(math.Sin(a.V), math.Cos(a.V))
}

func (a Jet) Cos() Jet {
	return a.chain(math.Cos(a.V), -math.Sin(a.V))
}

// chain returns f(a) given f(a.V) and f′(a.V).
func (a Jet) chain(f, df float64) Jet {
	r := Jet{V: f}
	for i := range r.D {
		r.D[i] = df * a.D[i]
	}
	return r
}
