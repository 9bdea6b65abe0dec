// Package train runs the two training stages of scDoRI: the phase-1
// schedule over the topic, peak and peak-gene decoders (warmup_1 then
// warmup_2), and the GRN phase that fits the topic-specific TF-gene links.
package train

import (
	"fmt"

	"github.com/bioFAM/scDoRI/config"
	"github.com/bioFAM/scDoRI/model"
)

// Phase identifies a training stage and thereby its loss weights.
type Phase int

const (
	Warmup1 Phase = iota
	Warmup2
	GRN
)

func (p Phase) String() string {
	switch p {
	case Warmup1:
		return "warmup_1"
	case Warmup2:
		return "warmup_2"
	case GRN:
		return "grn"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// PhaseForEpoch returns the phase-1 sub-phase of epoch e.
func PhaseForEpoch(e, epochWarmup1 int) Phase {
	if e < epochWarmup1 {
		return Warmup1
	}
	return Warmup2
}

// Weights returns the loss weights configured for p. Warm-up phases never
// fit the GRN branch.
func Weights(cfg config.TrainConfig, p Phase) model.LossWeights {
	switch p {
	case Warmup1:
		return model.LossWeights{ATAC: cfg.WeightATACPhase1, TF: cfg.WeightTFPhase1, RNA: cfg.WeightRNAPhase1}
	case Warmup2:
		return model.LossWeights{ATAC: cfg.WeightATACPhase2, TF: cfg.WeightTFPhase2, RNA: cfg.WeightRNAPhase2}
	}
	return model.LossWeights{
		ATAC:   cfg.WeightATACGRN,
		TF:     cfg.WeightTFGRN,
		RNA:    cfg.WeightRNAGRN,
		RNAGRN: cfg.WeightRNAFromGRN,
	}
}

// Penalties returns the regularisation coefficients of p. The GRN
// activator/repressor penalties only apply in the GRN phase.
func Penalties(cfg config.TrainConfig, p Phase) model.Penalties {
	pen := model.Penalties{
		L1TopicPeak: cfg.L1PenaltyTopicPeak,
		L2TopicPeak: cfg.L2PenaltyTopicPeak,
		L1TopicTF:   cfg.L1PenaltyTopicTF,
		L2TopicTF:   cfg.L2PenaltyTopicTF,
		L1GenePeak:  cfg.L1PenaltyGenePeak,
		L2GenePeak:  cfg.L2PenaltyGenePeak,
	}
	if p == GRN {
		pen.L1Activator = cfg.L1PenaltyGRNActivator
		pen.L1Repressor = cfg.L1PenaltyGRNRepressor
	}
	return pen
}

// Objective combines the weights and penalties of p.
func Objective(cfg config.TrainConfig, p Phase) model.Objective {
	return model.Objective{Weights: Weights(cfg, p), Penalties: Penalties(cfg, p)}
}
