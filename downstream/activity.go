// Package downstream turns a trained scDoRI model into results: per-cell
// topic proportions, TF activities, and permutation-tested topic-specific
// regulons.
package downstream

import (
	"fmt"

	"github.com/bioFAM/scDoRI/dataio"
	"github.com/bioFAM/scDoRI/model"
	"github.com/bioFAM/scDoRI/train"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LatentTopics returns the topic proportions of every cell of d (cells x
// topics), evaluated in batches of batchSize cells.
func LatentTopics(m *model.Model, d *dataio.Dataset, batchSize int) (*mat.Dense, error) {
	return train.Topics(m, d, d.All(), batchSize)
}

// TFActivity holds per-cell activator and repressor activities (cells x TFs).
type TFActivity struct {
	Activator *mat.Dense
	Repressor *mat.Dense
}

// TopicTFScores returns the activator and repressor score of every TF in
// every topic (topics x TFs): E_kt times the summed prior-masked weights of
// the TF over all genes.
func TopicTFScores(m *model.Model, e *mat.Dense) (act, rep *mat.Dense, err error) {
	k, t := m.Dims.Topics, m.Dims.TFs
	if r, c := e.Dims(); r != k || c != t {
		return nil, nil, fmt.Errorf("%w: topic TF expression is %dx%d, want %dx%d", model.ErrDimension, r, c, k, t)
	}
	p := m.Priors()
	act = mat.NewDense(k, t, nil)
	rep = mat.NewDense(k, t, nil)
	var masked mat.Dense
	for topic := 0; topic < k; topic++ {
		masked.MulElem(m.ActivatorWeights(topic), p.ChipAct)
		for tf := 0; tf < t; tf++ {
			act.Set(topic, tf, e.At(topic, tf)*floats.Sum(masked.RawRowView(tf)))
		}
		masked.MulElem(m.RepressorWeights(topic), p.ChipRep)
		for tf := 0; tf < t; tf++ {
			rep.Set(topic, tf, e.At(topic, tf)*floats.Sum(masked.RawRowView(tf)))
		}
	}
	return act, rep, nil
}

// ComputeTFActivity weights the topic scores by the topic proportions of
// every cell.
func ComputeTFActivity(m *model.Model, e, topics *mat.Dense) (TFActivity, error) {
	act, rep, err := TopicTFScores(m, e)
	if err != nil {
		return TFActivity{}, err
	}
	if _, c := topics.Dims(); c != m.Dims.Topics {
		return TFActivity{}, fmt.Errorf("%w: %d topic columns, want %d", model.ErrDimension, c, m.Dims.Topics)
	}
	var a, r mat.Dense
	a.Mul(topics, act)
	r.Mul(topics, rep)
	return TFActivity{Activator: &a, Repressor: &r}, nil
}
