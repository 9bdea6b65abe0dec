package layers

import (
	"testing"

	"github.com/bioFAM/scDoRI/rng"
	"github.com/bioFAM/scDoRI/utils"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const h = 1e-6

// weighted returns sum(m .* r), a scalar whose gradient with respect to m is r.
func weighted(m, r *mat.Dense) float64 {
	var prod mat.Dense
	prod.MulElem(m, r)
	return mat.Sum(&prod)
}

func checkGrad(t *testing.T, param, grad *mat.Dense, f func() float64) {
	t.Helper()
	rows, cols := param.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			orig := param.At(i, j)
			param.Set(i, j, orig+h)
			plus := f()
			param.Set(i, j, orig-h)
			minus := f()
			param.Set(i, j, orig)
			require.InDelta(t, (plus-minus)/(2*h), grad.At(i, j), 1e-5, "entry (%d,%d)", i, j)
		}
	}
}

func TestDenseBackward(t *testing.T) {
	s := rng.New(11)
	for _, relu := range []bool{false, true} {
		d := &Dense{
			Weights: utils.WeightsInit(4, 3, 4, s),
			Bias:    utils.WeightsInit(1, 3, 1, s),
			Relu:    relu,
		}
		x := utils.WeightsInit(5, 4, 1, s)
		r := utils.WeightsInit(5, 3, 1, s)

		out := d.Forward(x)
		require.Equal(t, 5, out.RawMatrix().Rows)
		next, dW, dB := d.Backward(r)

		f := func() float64 { return weighted((&Dense{Weights: d.Weights, Bias: d.Bias, Relu: relu}).Forward(x), r) }
		checkGrad(t, d.Weights, dW, f)
		checkGrad(t, d.Bias, dB, f)
		checkGrad(t, x, next, f)
	}
}

func TestMixtureDecoderBackward(t *testing.T) {
	s := rng.New(5)
	for _, logLink := range []bool{true, false} {
		theta := utils.SoftmaxRows(utils.WeightsInit(6, 3, 1, s))
		profile := utils.SoftmaxRows(utils.WeightsInit(3, 4, 1, s))
		onehot := utils.OneHot([]int{0, 1, 1, 0, 1, 0}, 2)
		batch := utils.WeightsInit(2, 4, 1, s)
		library := []float64{10, 3, 7, 1, 20, 5}
		r := utils.WeightsInit(6, 4, 1, s)

		d := &MixtureDecoder{LogLink: logLink}
		mu := d.Forward(theta, profile, onehot, batch, library)
		for i, lib := range library {
			require.InDelta(t, lib, floats.Sum(mu.RawRowView(i)), 1e-9)
		}
		dTheta, dProfile, dBatch := d.Backward(r)

		f := func() float64 {
			return weighted((&MixtureDecoder{LogLink: logLink}).Forward(theta, profile, onehot, batch, library), r)
		}
		checkGrad(t, theta, dTheta, f)
		checkGrad(t, profile, dProfile, f)
		checkGrad(t, batch, dBatch, f)
	}
}
