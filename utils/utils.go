// Package utils gathers the element-wise helpers shared by the layers, the
// model and the downstream analysis.
package utils

import (
	"math"

	"github.com/bioFAM/scDoRI/rng"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Eps keeps logarithms of mixture rates away from zero.
const Eps = 1e-8

// ToApply makes a scalar function usable with mat.Dense.Apply.
func ToApply(f func(float64) float64) func(i, j int, v float64) float64 {
	return func(_, _ int, v float64) float64 {
		return f(v)
	}
}

// Relu is max(0, x).
func Relu(x float64) float64 {
	return math.Max(0, x)
}

// Indic returns 1{x > 0}; used as the relu derivative.
func Indic(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// Softplus is log(1 + exp(x)), computed without overflow.
func Softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// Sigmoid is the logistic function, the derivative of Softplus.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// WeightsInit fills a rows x cols matrix with values in (-1, 1)/sqrt(inputs).
func WeightsInit(rows, cols int, inputs float64, s *rng.Stream) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = s.Uniform(-1, 1) / math.Sqrt(inputs)
	}
	return mat.NewDense(rows, cols, data)
}

// UniformInit fills a rows x cols matrix with values in [0, 1).
func UniformInit(rows, cols int, s *rng.Stream) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = s.Float64()
	}
	return mat.NewDense(rows, cols, data)
}

// Log1p returns log(1 + m) element-wise.
func Log1p(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(ToApply(math.Log1p), m)
	return &out
}

// RowSums returns the sum of every row of m.
func RowSums(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	sums := make([]float64, r)
	for i := 0; i < r; i++ {
		sums[i] = floats.Sum(m.RawRowView(i))
	}
	return sums
}

// SoftmaxRows applies a numerically stable softmax to every row of m.
func SoftmaxRows(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		max := floats.Max(row)
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - max)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
	return out
}

// SoftmaxRowsBackward maps the gradient dy with respect to y = SoftmaxRows(x)
// onto x: dx_j = y_j (dy_j - sum_k dy_k y_k).
func SoftmaxRowsBackward(y, dy *mat.Dense) *mat.Dense {
	r, c := y.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		yr, dyr, dxr := y.RawRowView(i), dy.RawRowView(i), dx.RawRowView(i)
		dot := floats.Dot(yr, dyr)
		for j := range dxr {
			dxr[j] = yr[j] * (dyr[j] - dot)
		}
	}
	return dx
}

// OneHot expands batch indices into an n x numBatches indicator matrix.
func OneHot(index []int, numBatches int) *mat.Dense {
	out := mat.NewDense(len(index), numBatches, nil)
	for i, b := range index {
		out.Set(i, b, 1)
	}
	return out
}

// AllFinite reports whether every entry of m is finite.
func AllFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// ClampMin sets every entry of m below min to min.
func ClampMin(m *mat.Dense, min float64) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			if v < min {
				row[j] = min
			}
		}
	}
}

// SliceRows copies the given rows of m into a new matrix.
func SliceRows(m *mat.Dense, rows []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		copy(out.RawRowView(i), m.RawRowView(r))
	}
	return out
}
