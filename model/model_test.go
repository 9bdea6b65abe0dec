package model

import (
	"errors"
	"math"
	"testing"

	"github.com/bioFAM/scDoRI/rng"
	"github.com/bioFAM/scDoRI/utils"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var testDims = Dims{Genes: 6, Peaks: 8, TFs: 3, Topics: 3, Batches: 2, Encoder1: 5, Encoder2: 4}

func counts(rows, cols int, s *rng.Stream) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] = float64(s.Intn(6))
		}
		row[0]++
	}
	return m
}

func newTestModel(t *testing.T, seed int64) (*Model, Batch) {
	t.Helper()
	s := rng.New(seed)
	priors := Priors{
		GenePeakDistance: utils.UniformInit(testDims.Genes, testDims.Peaks, s),
		ChipAct:          utils.UniformInit(testDims.TFs, testDims.Genes, s),
		ChipRep:          utils.UniformInit(testDims.TFs, testDims.Genes, s),
	}
	m, err := New(testDims, priors, s.Derive("init", 0))
	require.NoError(t, err)

	n := 7
	b := Batch{
		RNA:        counts(n, testDims.Genes, s),
		ATAC:       counts(n, testDims.Peaks, s),
		TF:         counts(n, testDims.TFs, s),
		BatchIndex: []int{0, 1, 0, 0, 1, 1, 0},
	}
	return m, b
}

func TestNewRejectsMismatchedPriors(t *testing.T) {
	s := rng.New(1)
	priors := Priors{
		GenePeakDistance: mat.NewDense(testDims.Genes, testDims.Peaks+1, nil),
		ChipAct:          mat.NewDense(testDims.TFs, testDims.Genes, nil),
		ChipRep:          mat.NewDense(testDims.TFs, testDims.Genes, nil),
	}
	_, err := New(testDims, priors, s)
	require.ErrorIs(t, err, ErrDimension)

	priors.GenePeakDistance = mat.NewDense(testDims.Genes, testDims.Peaks, nil)
	priors.ChipRep = nil
	_, err = New(testDims, priors, s)
	require.ErrorIs(t, err, ErrDimension)
}

func TestForwardTopicsOnSimplex(t *testing.T) {
	m, b := newTestModel(t, 2)
	out, err := m.Forward(b)
	require.NoError(t, err)
	require.Nil(t, out.RNAFromGRN)

	for i := 0; i < b.Len(); i++ {
		row := out.Topics.RawRowView(i)
		require.InDelta(t, 1, floats.Sum(row), 1e-12)
		require.GreaterOrEqual(t, floats.Min(row), 0.0)
		require.InDelta(t, floats.Sum(b.ATAC.RawRowView(i)), floats.Sum(out.ATAC.RawRowView(i)), 1e-9)
		require.InDelta(t, floats.Sum(b.RNA.RawRowView(i)), floats.Sum(out.RNA.RawRowView(i)), 1e-9)
	}

	require.NoError(t, m.SetTopicTFExpression(utils.UniformInit(testDims.Topics, testDims.TFs, rng.New(3))))
	out, err = m.Forward(b)
	require.NoError(t, err)
	require.NotNil(t, out.RNAFromGRN)
}

func TestForwardRejectsBadBatch(t *testing.T) {
	m, b := newTestModel(t, 2)
	b.BatchIndex = []int{0, 1, 0, 0, 1, 1, 2}
	_, err := m.Forward(b)
	require.ErrorIs(t, err, ErrDimension)

	_, b = newTestModel(t, 2)
	b.TF = mat.NewDense(7, testDims.TFs+1, nil)
	_, err = m.Forward(b)
	require.ErrorIs(t, err, ErrDimension)
}

func TestZeroWeightTermIsSkipped(t *testing.T) {
	m, b := newTestModel(t, 4)
	factor := m.Params.Get(PeakGeneFactor)
	factor.Set(0, 0, math.NaN())

	obj := Objective{Weights: LossWeights{ATAC: 1, TF: 0.5}}
	bd, err := m.Loss(b, obj)
	require.NoError(t, err)
	require.Zero(t, bd.RNA)
	require.Zero(t, bd.RNAGRN)
	require.Equal(t, bd.ATAC+0.5*bd.TF, bd.Total)

	obj.Weights.RNA = 1
	_, err = m.Loss(b, obj)
	var nf *NonFiniteLossError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "rna", nf.Term)
}

func TestGRNTermNeedsTopicTFExpression(t *testing.T) {
	m, b := newTestModel(t, 4)
	_, err := m.Loss(b, Objective{Weights: LossWeights{RNAGRN: 1}})
	require.Error(t, err)
}

func TestPenaltyValues(t *testing.T) {
	m, b := newTestModel(t, 5)
	act := m.Params.Get(GRNActivator)
	peaks := m.Params.Get(TopicPeakDecoder)

	bd, err := m.Loss(b, Objective{Penalties: Penalties{L1Activator: 2, L2TopicPeak: 3}})
	require.NoError(t, err)

	var abs, sq mat.Dense
	abs.Apply(utils.ToApply(math.Abs), act)
	sq.MulElem(peaks, peaks)
	r1, c1 := act.Dims()
	r2, c2 := peaks.Dims()
	want := 2*mat.Sum(&abs)/float64(r1*c1) + 3*mat.Sum(&sq)/float64(r2*c2)
	require.InDelta(t, want, bd.Reg, 1e-12)
	require.InDelta(t, want, bd.Total, 1e-12)
}

func TestLossGradientMatchesFiniteDifference(t *testing.T) {
	m, b := newTestModel(t, 6)
	require.NoError(t, m.SetTopicTFExpression(utils.UniformInit(testDims.Topics, testDims.TFs, rng.New(7))))
	obj := Objective{
		Weights: LossWeights{ATAC: 1, TF: 0.7, RNA: 1.3, RNAGRN: 0.9},
		Penalties: Penalties{
			L2TopicPeak: 0.1, L2TopicTF: 0.2, L2GenePeak: 0.3,
			L1Activator: 0.05, L1Repressor: 0.05,
		},
	}
	_, grads, err := m.LossAndGrad(b, obj)
	require.NoError(t, err)

	const h = 1e-6
	f := func() float64 {
		bd, err := m.Loss(b, obj)
		require.NoError(t, err)
		return bd.Total
	}
	for _, param := range m.Params.All() {
		g, ok := grads[param.Name]
		require.True(t, ok, param.Name)
		r, c := param.Value.Dims()
		// a few entries per tensor keep the test fast
		for _, idx := range [][2]int{{0, 0}, {r - 1, c - 1}, {r / 2, c / 2}} {
			i, j := idx[0], idx[1]
			orig := param.Value.At(i, j)
			param.Value.Set(i, j, orig+h)
			plus := f()
			param.Value.Set(i, j, orig-h)
			minus := f()
			param.Value.Set(i, j, orig)

			num := (plus - minus) / (2 * h)
			an := g.At(i, j)
			require.LessOrEqual(t, math.Abs(num-an), 1e-4*(1+math.Abs(an)),
				"%s (%d,%d): numeric %v analytic %v", param.Name, i, j, num, an)
		}
	}
}

func TestFrozenBlocksStayBitIdentical(t *testing.T) {
	m, b := newTestModel(t, 8)
	require.NoError(t, m.SetTopicTFExpression(utils.UniformInit(testDims.Topics, testDims.TFs, rng.New(9))))
	for _, blk := range []Block{BlockEncoder, BlockTopicPeak, BlockTopicTF, BlockPeakGene} {
		m.Params.SetTrainable(blk, false)
	}
	require.Equal(t, []Block{BlockGRN}, m.Params.TrainableBlocks())
	before := m.Params.Snapshot()

	obj := Objective{Weights: LossWeights{ATAC: 1, TF: 1, RNA: 1, RNAGRN: 1}}
	opt := NewAdam(1e-2)
	for step := 0; step < 3; step++ {
		_, grads, err := m.LossAndGrad(b, obj)
		require.NoError(t, err)
		opt.Step(m.Params, grads)
	}

	for _, param := range m.Params.All() {
		same := floats.Equal(before[param.Name].RawMatrix().Data, param.Value.RawMatrix().Data)
		if param.Block == BlockGRN {
			require.False(t, same, param.Name)
		} else {
			require.True(t, same, param.Name)
		}
	}
}

func TestAdamProjectsNonNegative(t *testing.T) {
	m, _ := newTestModel(t, 10)
	factor := m.Params.Get(PeakGeneFactor)
	r, c := factor.Dims()
	grad := mat.NewDense(r, c, nil)
	grad.Apply(func(_, _ int, _ float64) float64 { return 1 }, grad)

	opt := NewAdam(5)
	opt.Step(m.Params, Grads{PeakGeneFactor: grad, TopicPeakDecoder: mat.NewDense(testDims.Topics, testDims.Peaks, nil)})
	require.Equal(t, 0.0, floats.Min(factor.RawMatrix().Data))
}

func TestTopicGRNIsSignedMaskedDifference(t *testing.T) {
	m, _ := newTestModel(t, 11)
	k := 1
	act, rep := m.ActivatorWeights(k), m.RepressorWeights(k)
	w := m.TopicGRN(k)
	p := m.Priors()
	for i := 0; i < testDims.TFs; i++ {
		for j := 0; j < testDims.Genes; j++ {
			want := act.At(i, j)*p.ChipAct.At(i, j) - rep.At(i, j)*p.ChipRep.At(i, j)
			require.InDelta(t, want, w.At(i, j), 1e-15)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	m, b := newTestModel(t, 12)
	snap := m.Params.Snapshot()
	obj := Objective{Weights: LossWeights{ATAC: 1, TF: 1, RNA: 1}}
	before, err := m.Loss(b, obj)
	require.NoError(t, err)

	_, grads, err := m.LossAndGrad(b, obj)
	require.NoError(t, err)
	NewAdam(0.1).Step(m.Params, grads)
	moved, err := m.Loss(b, obj)
	require.NoError(t, err)
	require.NotEqual(t, before.Total, moved.Total)

	require.NoError(t, m.Params.Restore(snap))
	after, err := m.Loss(b, obj)
	require.NoError(t, err)
	require.Equal(t, before.Total, after.Total)
}
