package train

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bioFAM/scDoRI/config"
	"github.com/bioFAM/scDoRI/dataio"
	"github.com/bioFAM/scDoRI/model"
	"github.com/bioFAM/scDoRI/rng"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// Checkpoint file names inside the weights folders.
const (
	SCDoRICheckpoint = "best_scdori.npz"
	GRNCheckpoint    = "best_grn.npz"
)

// phase1Blocks are the blocks fitted by the phase-1 schedule.
var phase1Blocks = []model.Block{model.BlockEncoder, model.BlockTopicPeak, model.BlockTopicTF, model.BlockPeakGene}

// Split holds the training and validation cells of a run.
type Split struct {
	Train []int
	Val   []int
}

// SplitCells draws the validation cells of a run from s.
func SplitCells(cfg config.TrainConfig, d *dataio.Dataset, s *rng.Stream) (Split, error) {
	train, val, err := d.Split(cfg.ValidationFraction, s.Derive("split", 0))
	if err != nil {
		return Split{}, err
	}
	log.Lvlf2("Split %d cells into %d training and %d validation cells", d.Len(), len(train), len(val))
	return Split{Train: train, Val: val}, nil
}

// NewModel builds a model for d with weights drawn from s.
func NewModel(cfg config.TrainConfig, d *dataio.Dataset, priors model.Priors, s *rng.Stream) (*model.Model, error) {
	return model.New(d.Dims(cfg), priors, s.Derive("init", 0))
}

// loop is the epoch loop shared by both stages.
type loop struct {
	cfg   config.TrainConfig
	m     *model.Model
	d     *dataio.Dataset
	split Split
	s     *rng.Stream

	stage       string
	maxEpochs   int
	opt         *model.Adam
	stopper     *EarlyStopper
	phaseFor    func(epoch int) Phase
	beforeEpoch func(epoch int) error

	checkpoint string
	finalPath  string
	saveBlocks []model.Block
}

func (l *loop) run() (*RunSummary, error) {
	summary := &RunSummary{Stage: l.stage, State: StateExhausted, BestEpoch: -1, Checkpoint: l.finalPath}
	var best map[string]*mat.Dense

	for epoch := 0; epoch < l.maxEpochs; epoch++ {
		start := time.Now()
		phase := l.phaseFor(epoch)
		if epoch > 0 && phase != l.phaseFor(epoch-1) {
			// a new phase selects its best epoch on its own objective
			l.stopper.Reset()
			best = nil
			log.Lvlf1("[%s] entering %s at epoch %d", l.stage, phase, epoch)
		}
		if l.beforeEpoch != nil {
			if err := l.beforeEpoch(epoch); err != nil {
				return nil, fmt.Errorf("%s epoch %d: %w", l.stage, epoch, err)
			}
		}
		obj := Objective(l.cfg, phase)

		var trainLoss model.LossBreakdown
		for _, b := range l.d.Batches(l.split.Train, l.cfg.BatchSizeCell, l.s) {
			bd, grads, err := l.m.LossAndGrad(b, obj)
			if err != nil {
				return nil, fmt.Errorf("%s epoch %d: %w", l.stage, epoch, err)
			}
			l.opt.Step(l.m.Params, grads)
			trainLoss.Add(bd, float64(b.Len())/float64(len(l.split.Train)))
		}
		rec := EpochRecord{Epoch: epoch, Phase: phase.String(), TrainLoss: trainLoss.Total}
		summary.EpochsRun = epoch + 1

		if epoch%l.cfg.EvalFrequency == 0 {
			val, err := l.validate(obj)
			if err != nil {
				return nil, fmt.Errorf("%s epoch %d validation: %w", l.stage, epoch, err)
			}
			rec.Evaluated = true
			rec.ValLoss, rec.ValATAC, rec.ValTF, rec.ValRNA, rec.ValRNAGRN = val.Total, val.ATAC, val.TF, val.RNA, val.RNAGRN
			log.Lvlf1("[%s] epoch %d (%s): train %.4f, val %.4f (atac %.4f, tf %.4f, rna %.4f, rna_grn %.4f)",
				l.stage, epoch, phase, trainLoss.Total, val.Total, val.ATAC, val.TF, val.RNA, val.RNAGRN)

			if l.stopper.Observe(epoch, val.Total) {
				best = l.m.Params.Snapshot()
				if err := dataio.SaveCheckpoint(l.checkpoint, l.m.Params, l.saveBlocks...); err != nil {
					return nil, err
				}
				log.Lvlf2("[%s] new best validation loss %.4f at epoch %d", l.stage, val.Total, epoch)
			}
		} else {
			log.Lvlf2("[%s] epoch %d (%s): train %.4f", l.stage, epoch, phase, trainLoss.Total)
		}

		rec.Seconds = time.Since(start).Seconds()
		if l.cfg.Timing {
			log.Lvlf1("[%s] epoch %d took %v", l.stage, epoch, time.Since(start))
		}
		summary.History = append(summary.History, rec)

		if l.stopper.ShouldStop() {
			summary.State = StateConverged
			log.Lvlf1("[%s] early stopping at epoch %d: no improvement for %d epochs",
				l.stage, epoch, l.stopper.EpochsWithoutImprovement)
			break
		}
	}

	if best != nil {
		if err := l.m.Params.Restore(best); err != nil {
			return nil, err
		}
	}
	if err := dataio.SaveCheckpoint(l.finalPath, l.m.Params, l.saveBlocks...); err != nil {
		return nil, err
	}
	summary.BestEpoch = l.stopper.BestEpoch
	summary.BestValLoss = l.stopper.BestLoss
	summary.summarize()
	if err := summary.Save(filepath.Join(filepath.Dir(l.checkpoint), l.stage+"_summary.toml")); err != nil {
		return nil, err
	}
	log.Lvlf1("[%s] %s after %d epochs, best validation loss %.4f at epoch %d",
		l.stage, summary.State, summary.EpochsRun, summary.BestValLoss, summary.BestEpoch)
	return summary, nil
}

// validate averages the objective over the validation cells, weighting every
// batch by its size.
func (l *loop) validate(obj model.Objective) (model.LossBreakdown, error) {
	var total model.LossBreakdown
	for _, b := range l.d.Batches(l.split.Val, l.cfg.BatchSizeCellPrediction, nil) {
		bd, err := l.m.Loss(b, obj)
		if err != nil {
			return total, err
		}
		total.Add(bd, float64(b.Len())/float64(len(l.split.Val)))
	}
	return total, nil
}

// TrainSCDoRI runs the phase-1 schedule (warmup_1, then warmup_2) on m. The
// GRN block stays frozen. Early stopping restarts when warmup_2 begins, so
// on return m holds the parameters of the best warmup_2 validation epoch
// (warmup_1 only when warmup_2 never ran an evaluation). They are also saved
// to cfg.BestSCDoRIModelPath.
func TrainSCDoRI(cfg config.TrainConfig, m *model.Model, d *dataio.Dataset, split Split, s *rng.Stream) (*RunSummary, error) {
	for _, b := range phase1Blocks {
		m.Params.SetTrainable(b, true)
	}
	m.Params.SetTrainable(model.BlockGRN, false)
	if cfg.WeightRNAGRNPhase1 != 0 || cfg.WeightRNAGRNPhase2 != 0 {
		log.Warn("GRN reconstruction weights are ignored during warm-up")
	}
	log.Lvl1("Training scDoRI modules 1-3 for at most", cfg.MaxSCDoRIEpochs, "epochs, warmup_1 for", cfg.EpochWarmup1)

	l := &loop{
		cfg:        cfg,
		m:          m,
		d:          d,
		split:      split,
		s:          s.Derive("scdori", 0),
		stage:      "scdori",
		maxEpochs:  cfg.MaxSCDoRIEpochs,
		opt:        model.NewAdam(cfg.LearningRateSCDoRI),
		stopper:    NewEarlyStopper(cfg.Phase1Patience, cfg.EvalFrequency),
		phaseFor:   func(epoch int) Phase { return PhaseForEpoch(epoch, cfg.EpochWarmup1) },
		checkpoint: filepath.Join(cfg.WeightsFolderSCDoRI, SCDoRICheckpoint),
		finalPath:  cfg.BestSCDoRIModelPath,
		saveBlocks: phase1Blocks,
	}
	return l.run()
}

// TrainGRN fits the GRN block of m, usually after LoadSCDoRI. The other
// blocks are updated only when the config asks for it. Topic TF expression
// is recomputed from the training cells before every epoch. On return m
// holds the best parameters, also saved to cfg.BestGRNModelPath.
func TrainGRN(cfg config.TrainConfig, m *model.Model, d *dataio.Dataset, split Split, s *rng.Stream) (*RunSummary, error) {
	m.Params.SetTrainable(model.BlockEncoder, cfg.UpdateEncoderInGRN)
	m.Params.SetTrainable(model.BlockTopicPeak, cfg.UpdateTopicPeakInGRN)
	m.Params.SetTrainable(model.BlockTopicTF, cfg.UpdateTopicTFInGRN)
	m.Params.SetTrainable(model.BlockPeakGene, cfg.UpdatePeakGeneInGRN)
	m.Params.SetTrainable(model.BlockGRN, true)
	log.Lvl1("Training GRN for at most", cfg.MaxGRNEpochs, "epochs, trainable blocks:", m.Params.TrainableBlocks())

	updateTFExpression := func(int) error {
		e, err := TopicTFExpression(cfg, m, d, split.Train)
		if err != nil {
			return err
		}
		return m.SetTopicTFExpression(e)
	}

	l := &loop{
		cfg:         cfg,
		m:           m,
		d:           d,
		split:       split,
		s:           s.Derive("grn", 0),
		stage:       "grn",
		maxEpochs:   cfg.MaxGRNEpochs,
		opt:         model.NewAdam(cfg.LearningRateGRN),
		stopper:     NewEarlyStopper(cfg.GRNValPatience, cfg.EvalFrequency),
		phaseFor:    func(int) Phase { return GRN },
		beforeEpoch: updateTFExpression,
		checkpoint:  filepath.Join(cfg.WeightsFolderGRN, GRNCheckpoint),
		finalPath:   cfg.BestGRNModelPath,
	}
	summary, err := l.run()
	if err != nil {
		return nil, err
	}
	// the restored parameters need the matching TF expression
	if err := updateTFExpression(0); err != nil {
		return nil, err
	}
	return summary, nil
}

// LoadSCDoRI loads the best phase-1 checkpoint into m. The GRN block is not
// part of it and keeps its current values.
func LoadSCDoRI(cfg config.TrainConfig, m *model.Model) error {
	_, err := dataio.LoadCheckpoint(cfg.BestSCDoRIModelPath, m.Params, true)
	return err
}

// LoadGRN loads the best GRN checkpoint into m and recomputes the topic TF
// expression for the given cells.
func LoadGRN(cfg config.TrainConfig, m *model.Model, d *dataio.Dataset, cells []int) error {
	if _, err := dataio.LoadCheckpoint(cfg.BestGRNModelPath, m.Params, false); err != nil {
		return err
	}
	e, err := TopicTFExpression(cfg, m, d, cells)
	if err != nil {
		return err
	}
	return m.SetTopicTFExpression(e)
}
