// Package model holds the scDoRI network: an encoder from paired RNA/ATAC
// counts to topic proportions, and four negative-binomial decoders that
// reconstruct ATAC peaks, TF expression, RNA through peak-gene links and RNA
// through the topic GRN.
package model

import (
	"errors"
	"fmt"

	"github.com/bioFAM/scDoRI/layers"
	"github.com/bioFAM/scDoRI/rng"
	"github.com/bioFAM/scDoRI/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrDimension is returned when tensors or priors disagree with the model
// dimensions.
var ErrDimension = errors.New("dimension mismatch")

// dispersionFloor keeps the NB inverse dispersion strictly positive.
const dispersionFloor = 1e-4

// Dims are the sizes the model is built for.
type Dims struct {
	Genes    int
	Peaks    int
	TFs      int
	Topics   int
	Batches  int
	Encoder1 int
	Encoder2 int
}

// Priors are the fixed inputs of the model.
type Priors struct {
	GenePeakDistance *mat.Dense // genes x peaks
	ChipAct          *mat.Dense // TFs x genes
	ChipRep          *mat.Dense // TFs x genes
}

// Batch is a set of cells: RNA (n x genes), ATAC (n x peaks) and TF
// expression (n x TFs) counts, plus the batch index of every cell.
type Batch struct {
	RNA        *mat.Dense
	ATAC       *mat.Dense
	TF         *mat.Dense
	BatchIndex []int
}

// Len returns the number of cells.
func (b Batch) Len() int {
	return len(b.BatchIndex)
}

// Output holds the reconstructions of a forward pass. RNAFromGRN is nil while
// no topic TF expression has been set.
type Output struct {
	Topics     *mat.Dense // n x topics, rows on the simplex
	ATAC       *mat.Dense
	TF         *mat.Dense
	RNA        *mat.Dense
	RNAFromGRN *mat.Dense
}

// Model is the scDoRI network. It keeps the intermediate values of the last
// forward pass and must not be shared between goroutines.
type Model struct {
	Dims   Dims
	Params *Params

	priors  Priors
	topicTF *mat.Dense // topics x TFs, constant during backprop

	enc1, enc2, enc3 layers.Dense
	atacDec          layers.MixtureDecoder
	tfDec            layers.MixtureDecoder
	rnaDec           layers.MixtureDecoder
	grnDec           layers.MixtureDecoder
}

// New builds a model with freshly initialised parameters drawn from s.
func New(dims Dims, priors Priors, s *rng.Stream) (*Model, error) {
	if dims.Genes <= 0 || dims.Peaks <= 0 || dims.TFs <= 0 || dims.Topics <= 0 ||
		dims.Batches <= 0 || dims.Encoder1 <= 0 || dims.Encoder2 <= 0 {
		return nil, fmt.Errorf("%w: all sizes must be positive, got %+v", ErrDimension, dims)
	}
	if err := checkShape("gene-peak distance", priors.GenePeakDistance, dims.Genes, dims.Peaks); err != nil {
		return nil, err
	}
	if err := checkShape("activator ChIP prior", priors.ChipAct, dims.TFs, dims.Genes); err != nil {
		return nil, err
	}
	if err := checkShape("repressor ChIP prior", priors.ChipRep, dims.TFs, dims.Genes); err != nil {
		return nil, err
	}

	in := dims.Genes + dims.Peaks
	p := newParams()
	p.add(BlockEncoder, EncoderW1, utils.WeightsInit(in, dims.Encoder1, float64(in), s), false)
	p.add(BlockEncoder, EncoderB1, mat.NewDense(1, dims.Encoder1, nil), false)
	p.add(BlockEncoder, EncoderW2, utils.WeightsInit(dims.Encoder1, dims.Encoder2, float64(dims.Encoder1), s), false)
	p.add(BlockEncoder, EncoderB2, mat.NewDense(1, dims.Encoder2, nil), false)
	p.add(BlockEncoder, EncoderW3, utils.WeightsInit(dims.Encoder2, dims.Topics, float64(dims.Encoder2), s), false)
	p.add(BlockEncoder, EncoderB3, mat.NewDense(1, dims.Topics, nil), false)

	p.add(BlockTopicPeak, TopicPeakDecoder, utils.UniformInit(dims.Topics, dims.Peaks, s), false)
	p.add(BlockTopicPeak, TopicPeakBatch, mat.NewDense(dims.Batches, dims.Peaks, nil), false)
	p.add(BlockTopicPeak, TopicPeakDispersion, mat.NewDense(1, dims.Peaks, nil), false)

	p.add(BlockTopicTF, TopicTFDecoder, utils.UniformInit(dims.Topics, dims.TFs, s), false)
	p.add(BlockTopicTF, TopicTFBatch, mat.NewDense(dims.Batches, dims.TFs, nil), false)
	p.add(BlockTopicTF, TopicTFDispersion, mat.NewDense(1, dims.TFs, nil), false)

	p.add(BlockPeakGene, PeakGeneFactor, utils.UniformInit(dims.Genes, dims.Peaks, s), true)
	p.add(BlockPeakGene, PeakGeneBatch, mat.NewDense(dims.Batches, dims.Genes, nil), false)
	p.add(BlockPeakGene, PeakGeneDispersion, mat.NewDense(1, dims.Genes, nil), false)

	p.add(BlockGRN, GRNActivator, utils.UniformInit(dims.Topics*dims.TFs, dims.Genes, s), true)
	p.add(BlockGRN, GRNRepressor, utils.UniformInit(dims.Topics*dims.TFs, dims.Genes, s), true)
	p.add(BlockGRN, GRNBatch, mat.NewDense(dims.Batches, dims.Genes, nil), false)
	p.add(BlockGRN, GRNDispersion, mat.NewDense(1, dims.Genes, nil), false)

	m := &Model{
		Dims:    dims,
		Params:  p,
		priors:  priors,
		atacDec: layers.MixtureDecoder{LogLink: true},
		tfDec:   layers.MixtureDecoder{LogLink: true},
		rnaDec:  layers.MixtureDecoder{LogLink: true},
	}
	m.enc1 = layers.Dense{Weights: p.Get(EncoderW1), Bias: p.Get(EncoderB1), Relu: true}
	m.enc2 = layers.Dense{Weights: p.Get(EncoderW2), Bias: p.Get(EncoderB2), Relu: true}
	m.enc3 = layers.Dense{Weights: p.Get(EncoderW3), Bias: p.Get(EncoderB3)}
	return m, nil
}

func checkShape(what string, m *mat.Dense, rows, cols int) error {
	if m == nil {
		return fmt.Errorf("%w: %s is missing", ErrDimension, what)
	}
	r, c := m.Dims()
	if r != rows || c != cols {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrDimension, what, r, c, rows, cols)
	}
	return nil
}

// CheckBatch verifies that b matches the model dimensions.
func (m *Model) CheckBatch(b Batch) error {
	n := b.Len()
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrDimension)
	}
	if err := checkShape("RNA batch", b.RNA, n, m.Dims.Genes); err != nil {
		return err
	}
	if err := checkShape("ATAC batch", b.ATAC, n, m.Dims.Peaks); err != nil {
		return err
	}
	if err := checkShape("TF batch", b.TF, n, m.Dims.TFs); err != nil {
		return err
	}
	for _, idx := range b.BatchIndex {
		if idx < 0 || idx >= m.Dims.Batches {
			return fmt.Errorf("%w: batch index %d outside [0, %d)", ErrDimension, idx, m.Dims.Batches)
		}
	}
	return nil
}

// SetTopicTFExpression sets the topics x TFs expression matrix used by the
// GRN decoder. It is treated as a constant by the gradient computation.
func (m *Model) SetTopicTFExpression(e *mat.Dense) error {
	if err := checkShape("topic TF expression", e, m.Dims.Topics, m.Dims.TFs); err != nil {
		return err
	}
	m.topicTF = mat.DenseCopyOf(e)
	return nil
}

// TopicTFExpression returns the matrix last passed to SetTopicTFExpression.
func (m *Model) TopicTFExpression() *mat.Dense {
	return m.topicTF
}

// Priors returns the fixed priors of the model.
func (m *Model) Priors() Priors {
	return m.priors
}

// Forward runs the network on b and returns every available reconstruction.
func (m *Model) Forward(b Batch) (*Output, error) {
	if err := m.CheckBatch(b); err != nil {
		return nil, err
	}
	return m.forward(b, branches{atac: true, tf: true, rna: true, grn: m.topicTF != nil}), nil
}

// Topics returns the topic proportions of b without running the decoders.
func (m *Model) Topics(b Batch) (*mat.Dense, error) {
	if err := m.CheckBatch(b); err != nil {
		return nil, err
	}
	return m.encode(b), nil
}

type branches struct {
	atac, tf, rna, grn bool
}

func (m *Model) encode(b Batch) *mat.Dense {
	n := b.Len()
	in := mat.NewDense(n, m.Dims.Genes+m.Dims.Peaks, nil)
	rna, atac := utils.Log1p(b.RNA), utils.Log1p(b.ATAC)
	for i := 0; i < n; i++ {
		row := in.RawRowView(i)
		copy(row[:m.Dims.Genes], rna.RawRowView(i))
		copy(row[m.Dims.Genes:], atac.RawRowView(i))
	}
	h1 := m.enc1.Forward(in)
	h2 := m.enc2.Forward(h1)
	return utils.SoftmaxRows(m.enc3.Forward(h2))
}

func (m *Model) forward(b Batch, br branches) *Output {
	out := &Output{Topics: m.encode(b)}
	onehot := utils.OneHot(b.BatchIndex, m.Dims.Batches)
	p := m.Params

	if br.atac || br.rna {
		peaks := m.TopicPeak()
		if br.atac {
			out.ATAC = m.atacDec.Forward(out.Topics, peaks, onehot, p.Get(TopicPeakBatch), utils.RowSums(b.ATAC))
		}
		if br.rna {
			out.RNA = m.rnaDec.Forward(out.Topics, m.topicGene(peaks), onehot, p.Get(PeakGeneBatch), utils.RowSums(b.RNA))
		}
	}
	if br.tf {
		out.TF = m.tfDec.Forward(out.Topics, m.TopicTF(), onehot, p.Get(TopicTFBatch), utils.RowSums(b.TF))
	}
	if br.grn && m.topicTF != nil {
		out.RNAFromGRN = m.grnDec.Forward(out.Topics, m.topicGRN(), onehot, p.Get(GRNBatch), utils.RowSums(b.RNA))
	}
	return out
}

// TopicPeak returns the topics x peaks profiles, each row on the simplex.
func (m *Model) TopicPeak() *mat.Dense {
	return utils.SoftmaxRows(m.Params.Get(TopicPeakDecoder))
}

// TopicTF returns the topics x TFs profiles, each row on the simplex.
func (m *Model) TopicTF() *mat.Dense {
	return utils.SoftmaxRows(m.Params.Get(TopicTFDecoder))
}

// GenePeak returns the effective peak-gene links: the learned factor masked
// by the distance prior (genes x peaks).
func (m *Model) GenePeak() *mat.Dense {
	var f mat.Dense
	f.MulElem(m.Params.Get(PeakGeneFactor), m.priors.GenePeakDistance)
	return &f
}

func (m *Model) topicGene(peaks *mat.Dense) *mat.Dense {
	r := mat.NewDense(m.Dims.Topics, m.Dims.Genes, nil)
	r.Mul(peaks, m.GenePeak().T())
	return r
}

// TopicGRN returns the signed TFs x genes network of topic k: the activator
// weights masked by the activator prior minus the repressor weights masked by
// the repressor prior.
func (m *Model) TopicGRN(k int) *mat.Dense {
	act, rep := m.topicSlice(GRNActivator, k), m.topicSlice(GRNRepressor, k)
	w := mat.NewDense(m.Dims.TFs, m.Dims.Genes, nil)
	w.MulElem(act, m.priors.ChipAct)
	var neg mat.Dense
	neg.MulElem(rep, m.priors.ChipRep)
	w.Sub(w, &neg)
	return w
}

// ActivatorWeights returns the TFs x genes activator weights of topic k.
func (m *Model) ActivatorWeights(k int) *mat.Dense {
	return mat.DenseCopyOf(m.topicSlice(GRNActivator, k))
}

// RepressorWeights returns the TFs x genes repressor weights of topic k.
func (m *Model) RepressorWeights(k int) *mat.Dense {
	return mat.DenseCopyOf(m.topicSlice(GRNRepressor, k))
}

// topicSlice is a view on the rows of topic k of a topic-major GRN tensor.
func (m *Model) topicSlice(name string, k int) *mat.Dense {
	t := m.Dims.TFs
	return m.Params.Get(name).Slice(k*t, (k+1)*t, 0, m.Dims.Genes).(*mat.Dense)
}

// topicGRN computes Q with Q_k = E_k W_k (topics x genes).
func (m *Model) topicGRN() *mat.Dense {
	q := mat.NewDense(m.Dims.Topics, m.Dims.Genes, nil)
	for k := 0; k < m.Dims.Topics; k++ {
		var row mat.Dense
		row.Mul(m.topicTF.Slice(k, k+1, 0, m.Dims.TFs), m.TopicGRN(k))
		q.SetRow(k, row.RawRowView(0))
	}
	return q
}

// dispersion maps the raw dispersion parameter onto softplus(a) + floor.
func (m *Model) dispersion(name string) []float64 {
	raw := m.Params.Get(name).RawRowView(0)
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = utils.Softplus(v) + dispersionFloor
	}
	return out
}
