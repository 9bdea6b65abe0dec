package train

import (
	"fmt"
	"sort"

	"github.com/bioFAM/scDoRI/config"
	"github.com/bioFAM/scDoRI/dataio"
	"github.com/bioFAM/scDoRI/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// TopicTFExpression computes the topics x TFs expression matrix the GRN
// decoder is conditioned on, from the given cells of d.
func TopicTFExpression(cfg config.TrainConfig, m *model.Model, d *dataio.Dataset, cells []int) (*mat.Dense, error) {
	var e *mat.Dense
	switch cfg.TFExpressionMode {
	case config.TFExpressionObserved:
		topics, err := Topics(m, d, cells, cfg.BatchSizeCellPrediction)
		if err != nil {
			return nil, err
		}
		e = observedTFExpression(topics, d, cells, cfg.CellsPerTopic)
	case config.TFExpressionLatent:
		e = m.TopicTF()
	default:
		return nil, fmt.Errorf("%w: tf_expression_mode %q", config.ErrInvalidConfig, cfg.TFExpressionMode)
	}
	ScaleAndClamp(e, cfg.TFExpressionClamp)
	return e, nil
}

// Topics returns the topic proportions of the given cells, evaluated in
// batches of batchSize cells.
func Topics(m *model.Model, d *dataio.Dataset, cells []int, batchSize int) (*mat.Dense, error) {
	out := mat.NewDense(len(cells), m.Dims.Topics, nil)
	row := 0
	for _, b := range d.Batches(cells, batchSize, nil) {
		theta, err := m.Topics(b)
		if err != nil {
			return nil, err
		}
		for i := 0; i < b.Len(); i++ {
			out.SetRow(row, theta.RawRowView(i))
			row++
		}
	}
	return out, nil
}

// observedTFExpression averages the library-normalised TF counts of the
// perTopic cells with the highest weight on every topic.
func observedTFExpression(topics *mat.Dense, d *dataio.Dataset, cells []int, perTopic int) *mat.Dense {
	n, k := topics.Dims()
	_, t := d.TF.Dims()
	if perTopic > n {
		perTopic = n
	}

	norm := mat.NewDense(n, t, nil)
	for i, c := range cells {
		lib := floats.Sum(d.RNA.RawRowView(c))
		if lib <= 0 {
			continue
		}
		row := norm.RawRowView(i)
		copy(row, d.TF.RawRowView(c))
		floats.Scale(1/lib, row)
	}

	e := mat.NewDense(k, t, nil)
	order := make([]int, n)
	for topic := 0; topic < k; topic++ {
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return topics.At(order[a], topic) > topics.At(order[b], topic)
		})
		row := e.RawRowView(topic)
		for _, i := range order[:perTopic] {
			floats.Add(row, norm.RawRowView(i))
		}
		floats.Scale(1/float64(perTopic), row)
	}
	return e
}

// ScaleAndClamp scales every TF (column) of e to a maximum of one across
// topics and zeroes the entries below clamp.
func ScaleAndClamp(e *mat.Dense, clamp float64) {
	k, t := e.Dims()
	for j := 0; j < t; j++ {
		max := 0.0
		for i := 0; i < k; i++ {
			if v := e.At(i, j); v > max {
				max = v
			}
		}
		for i := 0; i < k; i++ {
			v := 0.0
			if max > 0 {
				v = e.At(i, j) / max
			}
			if v < clamp {
				v = 0
			}
			e.Set(i, j, v)
		}
	}
}
