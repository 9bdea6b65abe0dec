// Package layers contains the building blocks of the scDoRI network: the
// dense encoder layers and the topic mixture decoders that turn topic
// proportions into negative-binomial means.
package layers

import (
	"math"

	"github.com/bioFAM/scDoRI/utils"
	"gonum.org/v1/gonum/mat"
)

// MixtureDecoder maps topic proportions onto per-feature NB means:
//
//	s  = theta M                (n x F)
//	l  = link(s) + onehot Batch (n x F)
//	mu = library * softmax(l)
//
// With LogLink the link is log(s + eps), which suits non-negative topic
// profiles; otherwise s is used as logits directly (GRN effects can be
// negative).
type MixtureDecoder struct {
	LogLink bool

	theta   *mat.Dense
	profile *mat.Dense
	onehot  *mat.Dense
	library []float64
	s       *mat.Dense
	p       *mat.Dense
}

// Forward returns the NB means for the given topic proportions, topic
// profiles (K x F), batch one-hot (n x B), batch factors (B x F) and per-cell
// library sizes.
func (d *MixtureDecoder) Forward(theta, profile, onehot, batch *mat.Dense, library []float64) *mat.Dense {
	n, _ := theta.Dims()
	_, f := profile.Dims()

	d.theta, d.profile, d.onehot, d.library = theta, profile, onehot, library

	d.s = mat.NewDense(n, f, nil)
	d.s.Mul(theta, profile)

	logits := mat.NewDense(n, f, nil)
	if d.LogLink {
		logits.Apply(utils.ToApply(func(v float64) float64 { return math.Log(v + utils.Eps) }), d.s)
	} else {
		logits.Copy(d.s)
	}
	var shift mat.Dense
	shift.Mul(onehot, batch)
	logits.Add(logits, &shift)

	d.p = utils.SoftmaxRows(logits)
	mu := mat.DenseCopyOf(d.p)
	for i := 0; i < n; i++ {
		row := mu.RawRowView(i)
		for j := range row {
			row[j] *= library[i]
		}
	}
	return mu
}

// Backward takes d loss / d mu and returns the gradients with respect to
// theta, the topic profiles and the batch factors.
func (d *MixtureDecoder) Backward(dMu *mat.Dense) (dTheta, dProfile, dBatch *mat.Dense) {
	n, f := dMu.Dims()

	dP := mat.DenseCopyOf(dMu)
	for i := 0; i < n; i++ {
		row := dP.RawRowView(i)
		for j := range row {
			row[j] *= d.library[i]
		}
	}
	dLogits := utils.SoftmaxRowsBackward(d.p, dP)

	_, nb := d.onehot.Dims()
	dBatch = mat.NewDense(nb, f, nil)
	dBatch.Mul(d.onehot.T(), dLogits)

	dS := dLogits
	if d.LogLink {
		dS = mat.NewDense(n, f, nil)
		dS.Apply(func(i, j int, v float64) float64 {
			return v / (d.s.At(i, j) + utils.Eps)
		}, dLogits)
	}

	k, _ := d.profile.Dims()
	dTheta = mat.NewDense(n, k, nil)
	dTheta.Mul(dS, d.profile.T())
	dProfile = mat.NewDense(k, f, nil)
	dProfile.Mul(d.theta.T(), dS)
	return dTheta, dProfile, dBatch
}

// Probabilities returns softmax(l) of the last Forward, i.e. the means divided
// by the library size.
func (d *MixtureDecoder) Probabilities() *mat.Dense {
	return d.p
}
