package model

import (
	"math"

	"github.com/bioFAM/scDoRI/utils"
	"gonum.org/v1/gonum/mat"
)

// Adam updates the trainable blocks of a parameter store. Moments are kept
// per parameter name; frozen blocks are never touched.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	iter int
	m    map[string]*mat.Dense
	v    map[string]*mat.Dense
}

// NewAdam returns an optimizer with the usual defaults and the given rate.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make(map[string]*mat.Dense),
		v:            make(map[string]*mat.Dense),
	}
}

// Step applies one update with grads to every parameter of a trainable
// block, then projects non-negative parameters back onto [0, inf).
// Parameters without a gradient are left unchanged.
func (a *Adam) Step(p *Params, grads Grads) {
	a.iter++
	t := float64(a.iter)
	lrt := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))

	for _, param := range p.All() {
		if !p.Trainable(param.Block) {
			continue
		}
		g, ok := grads[param.Name]
		if !ok {
			continue
		}
		r, c := param.Value.Dims()
		m, ok := a.m[param.Name]
		if !ok {
			m = mat.NewDense(r, c, nil)
			a.m[param.Name] = m
			a.v[param.Name] = mat.NewDense(r, c, nil)
		}
		v := a.v[param.Name]

		for i := 0; i < r; i++ {
			w, gr, mr, vr := param.Value.RawRowView(i), g.RawRowView(i), m.RawRowView(i), v.RawRowView(i)
			for j := range w {
				mr[j] = a.Beta1*mr[j] + (1-a.Beta1)*gr[j]
				vr[j] = a.Beta2*vr[j] + (1-a.Beta2)*gr[j]*gr[j]
				w[j] -= lrt * mr[j] / (math.Sqrt(vr[j]) + a.Epsilon)
			}
		}
		if param.NonNegative {
			utils.ClampMin(param.Value, 0)
		}
	}
}
