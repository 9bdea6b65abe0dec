package layers

import (
	"github.com/bioFAM/scDoRI/utils"
	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer y = act(x W + b). The weights are owned by
// the model's parameter store; the layer only remembers what Backward needs.
type Dense struct {
	Weights *mat.Dense // nin x nout
	Bias    *mat.Dense // 1 x nout
	Relu    bool

	lastInput *mat.Dense // n x nin
	u         *mat.Dense // n x nout, pre-activation
}

// Forward computes a forward pass of the Dense layer.
func (d *Dense) Forward(input *mat.Dense) *mat.Dense {
	n, _ := input.Dims()
	_, nout := d.Weights.Dims()

	d.lastInput = input
	d.u = mat.NewDense(n, nout, nil)
	d.u.Mul(input, d.Weights)
	bias := d.Bias.RawRowView(0)
	for i := 0; i < n; i++ {
		row := d.u.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}

	if !d.Relu {
		return mat.DenseCopyOf(d.u)
	}
	output := mat.NewDense(n, nout, nil)
	output.Apply(utils.ToApply(utils.Relu), d.u)
	return output
}

// Backward takes d loss / d output of the last Forward and returns the error
// for the previous layer together with the weight and bias gradients.
func (d *Dense) Backward(err *mat.Dense) (next, dW, dB *mat.Dense) {
	n, nout := err.Dims()
	nin, _ := d.Weights.Dims()

	delta := mat.DenseCopyOf(err)
	if d.Relu {
		var deriv mat.Dense
		deriv.Apply(utils.ToApply(utils.Indic), d.u)
		delta.MulElem(delta, &deriv)
	}

	dW = mat.NewDense(nin, nout, nil)
	dW.Mul(d.lastInput.T(), delta)

	dB = mat.NewDense(1, nout, nil)
	bias := dB.RawRowView(0)
	for i := 0; i < n; i++ {
		for j, v := range delta.RawRowView(i) {
			bias[j] += v
		}
	}

	next = mat.NewDense(n, nin, nil)
	next.Mul(delta, d.Weights.T())
	return next, dW, dB
}
