package train

import (
	"github.com/bioFAM/scDoRI/dataio"
	"github.com/montanaflynn/stats"
	"go.dedis.ch/onet/v3/log"
)

// State is how a training phase ended.
type State string

const (
	// StateConverged means early stopping ended the phase.
	StateConverged State = "converged"
	// StateExhausted means the epoch budget ran out.
	StateExhausted State = "exhausted"
)

// EpochRecord is one line of the training history.
type EpochRecord struct {
	Epoch     int     `toml:"epoch"`
	Phase     string  `toml:"phase"`
	TrainLoss float64 `toml:"train_loss"`
	Evaluated bool    `toml:"evaluated"`
	ValLoss   float64 `toml:"val_loss"`
	ValATAC   float64 `toml:"val_atac"`
	ValTF     float64 `toml:"val_tf"`
	ValRNA    float64 `toml:"val_rna"`
	ValRNAGRN float64 `toml:"val_rna_grn"`
	Seconds   float64 `toml:"seconds"`
}

// RunSummary describes a finished training stage.
type RunSummary struct {
	Stage       string  `toml:"stage"`
	State       State   `toml:"state"`
	EpochsRun   int     `toml:"epochs_run"`
	BestEpoch   int     `toml:"best_epoch"`
	BestValLoss float64 `toml:"best_val_loss"`
	Checkpoint  string  `toml:"checkpoint"`

	ValLossMean   float64 `toml:"val_loss_mean"`
	ValLossMedian float64 `toml:"val_loss_median"`
	ValLossStdDev float64 `toml:"val_loss_stddev"`

	History []EpochRecord `toml:"history"`
}

// ValidationLosses returns the validation losses of the evaluated epochs.
func (s *RunSummary) ValidationLosses() []float64 {
	var out []float64
	for _, r := range s.History {
		if r.Evaluated {
			out = append(out, r.ValLoss)
		}
	}
	return out
}

// summarize fills the aggregate statistics of the validation history.
func (s *RunSummary) summarize() {
	data := stats.Float64Data(s.ValidationLosses())
	if len(data) == 0 {
		return
	}
	var err error
	if s.ValLossMean, err = stats.Mean(data); err != nil {
		log.Warn("Mean of validation losses:", err)
	}
	if s.ValLossMedian, err = stats.Median(data); err != nil {
		log.Warn("Median of validation losses:", err)
	}
	if s.ValLossStdDev, err = stats.StandardDeviation(data); err != nil {
		log.Warn("Standard deviation of validation losses:", err)
	}
}

// Save writes the summary as TOML at path.
func (s *RunSummary) Save(path string) error {
	return dataio.WriteTOML(path, *s)
}
