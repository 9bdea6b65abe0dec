package downstream

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bioFAM/scDoRI/dataio"
	"github.com/bioFAM/scDoRI/model"
	"github.com/bioFAM/scDoRI/rng"
	"github.com/bioFAM/scDoRI/utils"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func newModel(t *testing.T, dims model.Dims, seed int64) *model.Model {
	t.Helper()
	s := rng.New(seed)
	m, err := model.New(dims, model.Priors{
		GenePeakDistance: utils.UniformInit(dims.Genes, dims.Peaks, s),
		ChipAct:          utils.UniformInit(dims.TFs, dims.Genes, s),
		ChipRep:          utils.UniformInit(dims.TFs, dims.Genes, s),
	}, s)
	require.NoError(t, err)
	return m
}

var dims = model.Dims{Genes: 12, Peaks: 9, TFs: 6, Topics: 5, Batches: 1, Encoder1: 4, Encoder2: 3}

func TestSignificantGRNDeterministic(t *testing.T) {
	m := newModel(t, dims, 1)
	e := utils.UniformInit(dims.Topics, dims.TFs, rng.New(2))

	first, err := SignificantGRN(context.Background(), m, e, 50, 1, rng.New(3))
	require.NoError(t, err)
	again, err := SignificantGRN(context.Background(), m, e, 50, 1, rng.New(3))
	require.NoError(t, err)
	parallel, err := SignificantGRN(context.Background(), m, e, 50, 4, rng.New(3))
	require.NoError(t, err)

	require.NotEmpty(t, first.Links)
	require.Empty(t, cmp.Diff(first, again))
	require.Empty(t, cmp.Diff(first, parallel))
	for _, l := range first.Links {
		require.Greater(t, l.Observed, 0.0)
		require.Greater(t, l.PValue, 0.0)
		require.LessOrEqual(t, l.PValue, 1.0)
	}
}

func TestSignificantGRNPValues(t *testing.T) {
	small := model.Dims{Genes: 3, Peaks: 2, TFs: 2, Topics: 1, Batches: 1, Encoder1: 2, Encoder2: 2}
	m, err := model.New(small, model.Priors{
		GenePeakDistance: mat.NewDense(3, 2, []float64{1, 1, 1, 1, 1, 1}),
		ChipAct:          mat.NewDense(2, 3, []float64{1, 1, 1, 1, 1, 1}),
		ChipRep:          mat.NewDense(2, 3, []float64{1, 1, 1, 1, 1, 1}),
	}, rng.New(1))
	require.NoError(t, err)
	require.NoError(t, m.Params.Set(model.GRNActivator, mat.NewDense(2, 3, []float64{2, 2, 2, 1, 1, 1})))
	require.NoError(t, m.Params.Set(model.GRNRepressor, mat.NewDense(2, 3, nil)))
	e := mat.NewDense(1, 2, []float64{1, 1})

	const permutations = 200
	seed := rng.New(9)
	res, err := SignificantGRN(context.Background(), m, e, permutations, 2, seed)
	require.NoError(t, err)
	require.Len(t, res.Links, 6)

	identity := 0
	stream := seed.Derive("perm", 0)
	for r := 0; r < permutations; r++ {
		if stream.Perm(2)[0] == 0 {
			identity++
		}
	}
	for _, l := range res.Links {
		require.Equal(t, Activator, l.Direction)
		if l.TF == 0 {
			require.Equal(t, float64(identity+1)/float64(permutations+1), l.PValue)
		} else {
			// the weaker TF is always matched or beaten by the null
			require.Equal(t, 1.0, l.PValue)
		}
	}
}

func TestSignificantGRNCancelled(t *testing.T) {
	m := newModel(t, dims, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SignificantGRN(ctx, m, utils.UniformInit(dims.Topics, dims.TFs, rng.New(2)), 10, 2, rng.New(3))
	require.ErrorIs(t, err, context.Canceled)

	_, err = SignificantGRN(context.Background(), m, mat.NewDense(1, dims.TFs, nil), 10, 2, rng.New(3))
	require.ErrorIs(t, err, model.ErrDimension)
}

func TestTFActivity(t *testing.T) {
	m := newModel(t, dims, 4)
	e := utils.UniformInit(dims.Topics, dims.TFs, rng.New(5))
	act, rep, err := TopicTFScores(m, e)
	require.NoError(t, err)

	p := m.Priors()
	k, tf := 2, 3
	want := 0.0
	w := m.ActivatorWeights(k)
	for g := 0; g < dims.Genes; g++ {
		want += w.At(tf, g) * p.ChipAct.At(tf, g)
	}
	require.InDelta(t, e.At(k, tf)*want, act.At(k, tf), 1e-12)
	require.GreaterOrEqual(t, floats.Min(rep.RawMatrix().Data), 0.0)

	topics := utils.SoftmaxRows(utils.WeightsInit(7, dims.Topics, 1, rng.New(6)))
	activity, err := ComputeTFActivity(m, e, topics)
	require.NoError(t, err)
	r, c := activity.Activator.Dims()
	require.Equal(t, []int{7, dims.TFs}, []int{r, c})
	require.InDelta(t, floats.Dot(topics.RawRowView(1), mat.Col(nil, tf, act)), activity.Activator.At(1, tf), 1e-12)
}

func TestRegulonsAndExport(t *testing.T) {
	res := &GRNResult{NumPermutations: 99, Links: []Link{
		{Topic: 0, TF: 1, Gene: 2, Direction: Activator, Observed: 1, PValue: 0.01},
		{Topic: 1, TF: 1, Gene: 2, Direction: Activator, Observed: 1, PValue: 0.02},
		{Topic: 1, TF: 1, Gene: 0, Direction: Repressor, Observed: 1, PValue: 0.04},
		{Topic: 2, TF: 0, Gene: 1, Direction: Activator, Observed: 1, PValue: 0.5},
	}}
	require.Equal(t, []Regulon{{TF: 1, Activated: []int{2}, Repressed: []int{0}}}, res.Regulons(0.05))
	require.Len(t, res.Regulons(1), 2)

	summary := res.Summarize([]float64{0.01, 0.05})
	require.Equal(t, CutoffSummary{Cutoff: 0.01, Activator: 1, TFs: 1, MedianPValue: 0.01}, summary[0])
	require.Equal(t, 2, summary[1].Activator)
	require.Equal(t, 1, summary[1].Repressor)

	dir := t.TempDir()
	paths, err := WriteRegulons(dir, res, []float64{0.05}, []string{"GATA1", "SPI1"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "regulons_p0.05.csv")}, paths)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, []string{
		"tf,gene,topic,direction,p_value",
		"SPI1,2,0,activator,0.01",
		"SPI1,2,1,activator,0.02",
		"SPI1,0,1,repressor,0.04",
	}, lines)
}

func TestLatentTopicsExport(t *testing.T) {
	m := newModel(t, dims, 7)
	s := rng.New(8)
	n := 11
	rna := mat.NewDense(n, dims.Genes, nil)
	rna.Apply(func(_, _ int, _ float64) float64 { return float64(s.Intn(5) + 1) }, rna)
	atac := mat.NewDense(n, dims.Peaks, nil)
	atac.Apply(func(_, _ int, _ float64) float64 { return float64(s.Intn(3) + 1) }, atac)
	labels := make([]string, n)
	for i := range labels {
		labels[i] = "b"
	}
	d, err := dataio.NewDataset(rna, atac, []int{0, 1, 2, 3, 4, 5}, labels)
	require.NoError(t, err)

	topics, err := LatentTopics(m, d, 4)
	require.NoError(t, err)
	r, c := topics.Dims()
	require.Equal(t, []int{n, dims.Topics}, []int{r, c})
	for i := 0; i < n; i++ {
		require.InDelta(t, 1, floats.Sum(topics.RawRowView(i)), 1e-12)
	}

	path, err := WriteLatent(t.TempDir(), topics)
	require.NoError(t, err)
	back, err := dataio.ReadNpy(path)
	require.NoError(t, err)
	require.Equal(t, topics.RawMatrix().Data, back.RawMatrix().Data)
}
