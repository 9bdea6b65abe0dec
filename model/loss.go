package model

import (
	"fmt"
	"math"

	"github.com/bioFAM/scDoRI/utils"
	"gonum.org/v1/gonum/mat"
)

// LossWeights scale the four reconstruction terms. A zero weight removes the
// term: it is neither computed nor differentiated.
type LossWeights struct {
	ATAC   float64
	TF     float64
	RNA    float64
	RNAGRN float64
}

// Penalties are the L1/L2 coefficients on the decoder parameters.
type Penalties struct {
	L1TopicPeak float64
	L2TopicPeak float64
	L1TopicTF   float64
	L2TopicTF   float64
	L1GenePeak  float64
	L2GenePeak  float64
	L1Activator float64
	L1Repressor float64
}

// Objective is what a training step minimises.
type Objective struct {
	Weights   LossWeights
	Penalties Penalties
}

// LossBreakdown holds the unweighted reconstruction terms, the penalty sum and
// the weighted total.
type LossBreakdown struct {
	ATAC   float64
	TF     float64
	RNA    float64
	RNAGRN float64
	Reg    float64
	Total  float64
}

// Add accumulates o into l, weighting every field by w.
func (l *LossBreakdown) Add(o LossBreakdown, w float64) {
	l.ATAC += w * o.ATAC
	l.TF += w * o.TF
	l.RNA += w * o.RNA
	l.RNAGRN += w * o.RNAGRN
	l.Reg += w * o.Reg
	l.Total += w * o.Total
}

// NonFiniteLossError reports a NaN or infinite loss term.
type NonFiniteLossError struct {
	Term  string
	Value float64
}

func (e *NonFiniteLossError) Error() string {
	return fmt.Sprintf("non-finite %s loss: %v", e.Term, e.Value)
}

func finite(term string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &NonFiniteLossError{Term: term, Value: v}
	}
	return nil
}

// Loss evaluates the objective on b without computing gradients.
func (m *Model) Loss(b Batch, obj Objective) (LossBreakdown, error) {
	bd, _, err := m.loss(b, obj, false)
	return bd, err
}

// LossAndGrad evaluates the objective on b and returns the gradient of the
// total with respect to every parameter.
func (m *Model) LossAndGrad(b Batch, obj Objective) (LossBreakdown, Grads, error) {
	return m.loss(b, obj, true)
}

func (m *Model) loss(b Batch, obj Objective, withGrad bool) (LossBreakdown, Grads, error) {
	var bd LossBreakdown
	if err := m.CheckBatch(b); err != nil {
		return bd, nil, err
	}
	w := obj.Weights
	if w.RNAGRN != 0 && m.topicTF == nil {
		return bd, nil, fmt.Errorf("GRN reconstruction requested before the topic TF expression was set")
	}
	br := branches{atac: w.ATAC != 0, tf: w.TF != 0, rna: w.RNA != 0, grn: w.RNAGRN != 0}
	out := m.forward(b, br)

	n, k := out.Topics.Dims()
	grads := Grads{}
	dTopics := mat.NewDense(n, k, nil)
	dTopicPeak := mat.NewDense(m.Dims.Topics, m.Dims.Peaks, nil)

	if br.atac {
		loss, dMu, dDisp := utils.NBLoss(b.ATAC, out.ATAC, m.dispersion(TopicPeakDispersion))
		if err := finite("atac", loss); err != nil {
			return bd, nil, err
		}
		bd.ATAC = loss
		if withGrad {
			dMu.Scale(w.ATAC, dMu)
			dT, dProfile, dBatch := m.atacDec.Backward(dMu)
			dTopics.Add(dTopics, dT)
			dTopicPeak.Add(dTopicPeak, dProfile)
			grads[TopicPeakBatch] = dBatch
			grads[TopicPeakDispersion] = m.dispersionGrad(TopicPeakDispersion, dDisp, w.ATAC)
		}
	}

	if br.tf {
		loss, dMu, dDisp := utils.NBLoss(b.TF, out.TF, m.dispersion(TopicTFDispersion))
		if err := finite("tf", loss); err != nil {
			return bd, nil, err
		}
		bd.TF = loss
		if withGrad {
			dMu.Scale(w.TF, dMu)
			dT, dProfile, dBatch := m.tfDec.Backward(dMu)
			dTopics.Add(dTopics, dT)
			grads[TopicTFDecoder] = utils.SoftmaxRowsBackward(m.TopicTF(), dProfile)
			grads[TopicTFBatch] = dBatch
			grads[TopicTFDispersion] = m.dispersionGrad(TopicTFDispersion, dDisp, w.TF)
		}
	}

	if br.rna {
		loss, dMu, dDisp := utils.NBLoss(b.RNA, out.RNA, m.dispersion(PeakGeneDispersion))
		if err := finite("rna", loss); err != nil {
			return bd, nil, err
		}
		bd.RNA = loss
		if withGrad {
			dMu.Scale(w.RNA, dMu)
			dT, dR, dBatch := m.rnaDec.Backward(dMu)
			dTopics.Add(dTopics, dT)

			// R = A F^T
			var dA mat.Dense
			dA.Mul(dR, m.GenePeak())
			dTopicPeak.Add(dTopicPeak, &dA)
			dF := mat.NewDense(m.Dims.Genes, m.Dims.Peaks, nil)
			dF.Mul(dR.T(), m.TopicPeak())
			dF.MulElem(dF, m.priors.GenePeakDistance)
			grads[PeakGeneFactor] = dF
			grads[PeakGeneBatch] = dBatch
			grads[PeakGeneDispersion] = m.dispersionGrad(PeakGeneDispersion, dDisp, w.RNA)
		}
	}

	if br.grn {
		loss, dMu, dDisp := utils.NBLoss(b.RNA, out.RNAFromGRN, m.dispersion(GRNDispersion))
		if err := finite("rna_grn", loss); err != nil {
			return bd, nil, err
		}
		bd.RNAGRN = loss
		if withGrad {
			dMu.Scale(w.RNAGRN, dMu)
			dT, dQ, dBatch := m.grnDec.Backward(dMu)
			dTopics.Add(dTopics, dT)
			grads[GRNActivator], grads[GRNRepressor] = m.grnWeightGrads(dQ)
			grads[GRNBatch] = dBatch
			grads[GRNDispersion] = m.dispersionGrad(GRNDispersion, dDisp, w.RNAGRN)
		}
	}

	reg := m.penalties(obj.Penalties, grads, withGrad)
	if err := finite("reg", reg); err != nil {
		return bd, nil, err
	}
	bd.Reg = reg
	bd.Total = w.ATAC*bd.ATAC + w.TF*bd.TF + w.RNA*bd.RNA + w.RNAGRN*bd.RNAGRN + bd.Reg
	if err := finite("total", bd.Total); err != nil {
		return bd, nil, err
	}
	if !withGrad {
		return bd, nil, nil
	}

	if br.atac || br.rna {
		addGrad(grads, TopicPeakDecoder, utils.SoftmaxRowsBackward(m.TopicPeak(), dTopicPeak))
	}
	dZ := utils.SoftmaxRowsBackward(out.Topics, dTopics)
	dH2, dW3, dB3 := m.enc3.Backward(dZ)
	dH1, dW2, dB2 := m.enc2.Backward(dH2)
	_, dW1, dB1 := m.enc1.Backward(dH1)
	grads[EncoderW1], grads[EncoderB1] = dW1, dB1
	grads[EncoderW2], grads[EncoderB2] = dW2, dB2
	grads[EncoderW3], grads[EncoderB3] = dW3, dB3
	return bd, grads, nil
}

// dispersionGrad maps d loss / d theta onto the raw parameter a, with
// theta = softplus(a) + floor.
func (m *Model) dispersionGrad(name string, dTheta []float64, weight float64) *mat.Dense {
	raw := m.Params.Get(name).RawRowView(0)
	g := mat.NewDense(1, len(raw), nil)
	row := g.RawRowView(0)
	for i, v := range raw {
		row[i] = weight * dTheta[i] * utils.Sigmoid(v)
	}
	return g
}

// grnWeightGrads maps d loss / d Q onto the activator and repressor tensors.
// With Q_k = E_k W_k, d W_k = E_k^T dQ_k.
func (m *Model) grnWeightGrads(dQ *mat.Dense) (dAct, dRep *mat.Dense) {
	t, g := m.Dims.TFs, m.Dims.Genes
	dAct = mat.NewDense(m.Dims.Topics*t, g, nil)
	dRep = mat.NewDense(m.Dims.Topics*t, g, nil)
	for k := 0; k < m.Dims.Topics; k++ {
		var dW mat.Dense
		dW.Outer(1, m.topicTF.RowView(k), dQ.RowView(k))
		a := dAct.Slice(k*t, (k+1)*t, 0, g).(*mat.Dense)
		a.MulElem(&dW, m.priors.ChipAct)
		r := dRep.Slice(k*t, (k+1)*t, 0, g).(*mat.Dense)
		r.MulElem(&dW, m.priors.ChipRep)
		r.Scale(-1, r)
	}
	return dAct, dRep
}

// penalties returns the regularisation term and, when withGrad is set, adds
// its gradient to grads.
func (m *Model) penalties(pen Penalties, grads Grads, withGrad bool) float64 {
	total := 0.0
	apply := func(name string, l1, l2 float64) {
		if l1 == 0 && l2 == 0 {
			return
		}
		v := m.Params.Get(name)
		r, c := v.Dims()
		size := float64(r * c)
		var g *mat.Dense
		if withGrad {
			g = mat.NewDense(r, c, nil)
		}
		for i := 0; i < r; i++ {
			row := v.RawRowView(i)
			for j, x := range row {
				total += l1*math.Abs(x)/size + l2*x*x/size
				if g != nil {
					g.Set(i, j, l1*sign(x)/size+2*l2*x/size)
				}
			}
		}
		if g != nil {
			addGrad(grads, name, g)
		}
	}
	apply(TopicPeakDecoder, pen.L1TopicPeak, pen.L2TopicPeak)
	apply(TopicTFDecoder, pen.L1TopicTF, pen.L2TopicTF)
	apply(PeakGeneFactor, pen.L1GenePeak, pen.L2GenePeak)
	apply(GRNActivator, pen.L1Activator, 0)
	apply(GRNRepressor, pen.L1Repressor, 0)
	return total
}

func addGrad(grads Grads, name string, g *mat.Dense) {
	if cur, ok := grads[name]; ok {
		cur.Add(cur, g)
		return
	}
	grads[name] = g
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
