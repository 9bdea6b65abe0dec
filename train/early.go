package train

import "math"

// EarlyStopper tracks the best validation loss of a phase. Patience is
// counted in epochs: every evaluation without improvement adds the
// evaluation interval to EpochsWithoutImprovement.
type EarlyStopper struct {
	Patience      int
	EvalFrequency int

	BestLoss                 float64
	BestEpoch                int
	EpochsWithoutImprovement int
}

// NewEarlyStopper returns a stopper that has not seen any evaluation.
func NewEarlyStopper(patience, evalFrequency int) *EarlyStopper {
	return &EarlyStopper{
		Patience:      patience,
		EvalFrequency: evalFrequency,
		BestLoss:      math.Inf(1),
		BestEpoch:     -1,
	}
}

// Observe records the validation loss of epoch and reports whether it is a
// new best.
func (s *EarlyStopper) Observe(epoch int, loss float64) bool {
	if loss < s.BestLoss {
		s.BestLoss = loss
		s.BestEpoch = epoch
		s.EpochsWithoutImprovement = 0
		return true
	}
	s.EpochsWithoutImprovement += s.EvalFrequency
	return false
}

// Reset forgets every evaluation seen so far. Losses of different phases
// weigh different terms and are not compared.
func (s *EarlyStopper) Reset() {
	s.BestLoss = math.Inf(1)
	s.BestEpoch = -1
	s.EpochsWithoutImprovement = 0
}

// ShouldStop reports whether the patience is exhausted.
func (s *EarlyStopper) ShouldStop() bool {
	return s.EpochsWithoutImprovement >= s.Patience
}
