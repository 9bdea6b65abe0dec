// Package config holds the immutable parameter set that drives every stage of
// scDoRI training: data locations, architecture sizes, phase lengths, loss
// weights, penalties, early stopping and significance testing.
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml"
	"go.dedis.ch/onet/v3/log"
)

// TFExpressionMode selects the source of topic-level TF expression used by
// the GRN branch.
type TFExpressionMode string

const (
	// TFExpressionObserved uses measured TF expression of the top cells of
	// every topic. The string value follows the historical "True" flag.
	TFExpressionObserved TFExpressionMode = "True"
	// TFExpressionLatent uses the model's own topic-TF decoder.
	TFExpressionLatent TFExpressionMode = "latent"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// UnmarshalText rejects any mode that is not explicitly supported.
func (m *TFExpressionMode) UnmarshalText(text []byte) error {
	mode, err := ParseTFExpressionMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseTFExpressionMode converts s into a TFExpressionMode.
func ParseTFExpressionMode(s string) (TFExpressionMode, error) {
	switch TFExpressionMode(s) {
	case TFExpressionObserved, TFExpressionLatent:
		return TFExpressionMode(s), nil
	}
	return "", fmt.Errorf("%w: tf_expression_mode %q is neither %q nor %q",
		ErrInvalidConfig, s, TFExpressionObserved, TFExpressionLatent)
}

// TrainConfig is the global configuration of the pipeline. It is passed by
// value and never modified once loaded.
type TrainConfig struct {
	LogLevel int  `toml:"log_level"`
	Timing   bool `toml:"timing"`

	// data paths
	DataDir              string `toml:"data_dir"`
	OutputSubdir         string `toml:"output_subdir"`
	RNAMetacellFile      string `toml:"rna_metacell_file"`
	ATACMetacellFile     string `toml:"atac_metacell_file"`
	BatchCol             string `toml:"batch_col"`
	GenePeakDistanceFile string `toml:"gene_peak_distance_file"`
	ChipSeqActFile       string `toml:"insilico_chipseq_act_file"`
	ChipSeqRepFile       string `toml:"insilico_chipseq_rep_file"`

	RandomSeed int64 `toml:"random_seed"`

	// batches and architecture
	BatchSizeCell           int     `toml:"batch_size_cell"`
	BatchSizeCellPrediction int     `toml:"batch_size_cell_prediction"`
	ValidationFraction      float64 `toml:"validation_fraction"`
	DimEncoder1             int     `toml:"dim_encoder1"`
	DimEncoder2             int     `toml:"dim_encoder2"`
	NumTopics               int     `toml:"num_topics"`

	// phase 1 (modules 1, 2, 3)
	EpochWarmup1    int `toml:"epoch_warmup_1"`
	MaxSCDoRIEpochs int `toml:"max_scdori_epochs"`

	// GRN phase (module 4)
	MaxGRNEpochs         int  `toml:"max_grn_epochs"`
	UpdateEncoderInGRN   bool `toml:"update_encoder_in_grn"`
	UpdatePeakGeneInGRN  bool `toml:"update_peak_gene_in_grn"`
	UpdateTopicPeakInGRN bool `toml:"update_topic_peak_in_grn"`
	UpdateTopicTFInGRN   bool `toml:"update_topic_tf_in_grn"`

	// evaluation and early stopping
	EvalFrequency  int `toml:"eval_frequency"`
	Phase1Patience int `toml:"phase1_patience"`
	GRNValPatience int `toml:"grn_val_patience"`

	LearningRateSCDoRI float64 `toml:"learning_rate_scdori"`
	LearningRateGRN    float64 `toml:"learning_rate_grn"`

	// warmup_1 weights
	WeightATACPhase1   float64 `toml:"weight_atac_phase1"`
	WeightTFPhase1     float64 `toml:"weight_tf_phase1"`
	WeightRNAPhase1    float64 `toml:"weight_rna_phase1"`
	WeightRNAGRNPhase1 float64 `toml:"weight_rna_grn_phase1"`

	// warmup_2 weights
	WeightATACPhase2   float64 `toml:"weight_atac_phase2"`
	WeightTFPhase2     float64 `toml:"weight_tf_phase2"`
	WeightRNAPhase2    float64 `toml:"weight_rna_phase2"`
	WeightRNAGRNPhase2 float64 `toml:"weight_rna_grn_phase2"`

	// GRN phase weights
	WeightATACGRN    float64 `toml:"weight_atac_grn"`
	WeightTFGRN      float64 `toml:"weight_tf_grn"`
	WeightRNAGRN     float64 `toml:"weight_rna_grn"`
	WeightRNAFromGRN float64 `toml:"weight_rna_from_grn"`

	// regularization
	L1PenaltyTopicTF      float64 `toml:"l1_penalty_topic_tf"`
	L2PenaltyTopicTF      float64 `toml:"l2_penalty_topic_tf"`
	L1PenaltyTopicPeak    float64 `toml:"l1_penalty_topic_peak"`
	L2PenaltyTopicPeak    float64 `toml:"l2_penalty_topic_peak"`
	L1PenaltyGenePeak     float64 `toml:"l1_penalty_gene_peak"`
	L2PenaltyGenePeak     float64 `toml:"l2_penalty_gene_peak"`
	L1PenaltyGRNActivator float64 `toml:"l1_penalty_grn_activator"`
	L1PenaltyGRNRepressor float64 `toml:"l1_penalty_grn_repressor"`

	// TF expression
	TFExpressionMode  TFExpressionMode `toml:"tf_expression_mode"`
	TFExpressionClamp float64          `toml:"tf_expression_clamp"`
	CellsPerTopic     int              `toml:"cells_per_topic"`

	// save locations
	WeightsFolderSCDoRI string `toml:"weights_folder_scdori"`
	WeightsFolderGRN    string `toml:"weights_folder_grn"`
	BestSCDoRIModelPath string `toml:"best_scdori_model_path"`
	BestGRNModelPath    string `toml:"best_grn_model_path"`

	// significance testing
	SignificanceCutoffs []float64 `toml:"significance_cutoffs"`
	NumPermutations     int       `toml:"num_permutations"`
	NumWorkers          int       `toml:"num_workers"`
}

// Default returns the reference configuration.
func Default() TrainConfig {
	return TrainConfig{
		LogLevel: 1,

		DataDir:              "data",
		OutputSubdir:         "generated",
		RNAMetacellFile:      "rna_processed",
		ATACMetacellFile:     "atac_processed",
		BatchCol:             "sample",
		GenePeakDistanceFile: "gene_peak_distance_exp.npy",
		ChipSeqActFile:       "insilico_chipseq_act.npy",
		ChipSeqRepFile:       "insilico_chipseq_rep.npy",

		RandomSeed: 200,

		BatchSizeCell:           128,
		BatchSizeCellPrediction: 512,
		ValidationFraction:      0.1,
		DimEncoder1:             500,
		DimEncoder2:             200,
		NumTopics:               40,

		EpochWarmup1:    1,
		MaxSCDoRIEpochs: 1,

		MaxGRNEpochs: 1,

		EvalFrequency:  1,
		Phase1Patience: 50,
		GRNValPatience: 5,

		LearningRateSCDoRI: 0.005,
		LearningRateGRN:    0.001,

		WeightATACPhase1: 1.0,
		WeightTFPhase1:   200.0,

		WeightATACPhase2: 1.0,
		WeightTFPhase2:   200.0,
		WeightRNAPhase2:  20.0,

		WeightATACGRN:    1.0,
		WeightTFGRN:      200.0,
		WeightRNAGRN:     20.0,
		WeightRNAFromGRN: 20.0,

		L1PenaltyTopicTF:      0.001,
		L1PenaltyTopicPeak:    0.001,
		L2PenaltyTopicPeak:    0.001,
		L1PenaltyGenePeak:     0.001,
		L2PenaltyGenePeak:     0.005,
		L1PenaltyGRNActivator: 0.00005,

		TFExpressionMode:  TFExpressionObserved,
		TFExpressionClamp: 0.1,
		CellsPerTopic:     200,

		WeightsFolderSCDoRI: "weights/weights_directory_scdori",
		WeightsFolderGRN:    "weights/weights_directory_grn",
		BestSCDoRIModelPath: "models/best_scdori_final.npz",
		BestGRNModelPath:    "models/best_grn.npz",

		SignificanceCutoffs: []float64{0.001, 0.005, 0.01, 0.05},
		NumPermutations:     1000,
		NumWorkers:          4,
	}
}

// Load reads a TOML file on top of the defaults and validates the result.
// Keys that do not match any field are reported as an error.
func Load(path string) (TrainConfig, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return TrainConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return TrainConfig{}, fmt.Errorf("%w: unknown keys %v in %s", ErrInvalidConfig, undecoded, path)
	}
	if err := cfg.Validate(); err != nil {
		return TrainConfig{}, err
	}
	log.Lvl2("Loaded config from", path)
	return cfg, nil
}

// Marshal encodes the resolved configuration, used to snapshot a run next to
// its checkpoints.
func (c TrainConfig) Marshal() ([]byte, error) {
	return gotoml.Marshal(c)
}

// Validate checks sizes, schedules and coefficients.
func (c TrainConfig) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"batch_size_cell", c.BatchSizeCell},
		{"batch_size_cell_prediction", c.BatchSizeCellPrediction},
		{"dim_encoder1", c.DimEncoder1},
		{"dim_encoder2", c.DimEncoder2},
		{"num_topics", c.NumTopics},
		{"max_scdori_epochs", c.MaxSCDoRIEpochs},
		{"max_grn_epochs", c.MaxGRNEpochs},
		{"eval_frequency", c.EvalFrequency},
		{"phase1_patience", c.Phase1Patience},
		{"grn_val_patience", c.GRNValPatience},
		{"cells_per_topic", c.CellsPerTopic},
		{"num_permutations", c.NumPermutations},
		{"num_workers", c.NumWorkers},
	}
	for _, f := range positive {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, f.name, f.value)
		}
	}

	if c.EpochWarmup1 < 0 || c.EpochWarmup1 > c.MaxSCDoRIEpochs {
		return fmt.Errorf("%w: epoch_warmup_1 (%d) must lie in [0, max_scdori_epochs=%d]",
			ErrInvalidConfig, c.EpochWarmup1, c.MaxSCDoRIEpochs)
	}
	if c.ValidationFraction <= 0 || c.ValidationFraction >= 1 {
		return fmt.Errorf("%w: validation_fraction must lie in (0, 1), got %v", ErrInvalidConfig, c.ValidationFraction)
	}
	if c.LearningRateSCDoRI <= 0 || c.LearningRateGRN <= 0 {
		return fmt.Errorf("%w: learning rates must be positive", ErrInvalidConfig)
	}

	nonNegative := []struct {
		name  string
		value float64
	}{
		{"weight_atac_phase1", c.WeightATACPhase1},
		{"weight_tf_phase1", c.WeightTFPhase1},
		{"weight_rna_phase1", c.WeightRNAPhase1},
		{"weight_rna_grn_phase1", c.WeightRNAGRNPhase1},
		{"weight_atac_phase2", c.WeightATACPhase2},
		{"weight_tf_phase2", c.WeightTFPhase2},
		{"weight_rna_phase2", c.WeightRNAPhase2},
		{"weight_rna_grn_phase2", c.WeightRNAGRNPhase2},
		{"weight_atac_grn", c.WeightATACGRN},
		{"weight_tf_grn", c.WeightTFGRN},
		{"weight_rna_grn", c.WeightRNAGRN},
		{"weight_rna_from_grn", c.WeightRNAFromGRN},
		{"l1_penalty_topic_tf", c.L1PenaltyTopicTF},
		{"l2_penalty_topic_tf", c.L2PenaltyTopicTF},
		{"l1_penalty_topic_peak", c.L1PenaltyTopicPeak},
		{"l2_penalty_topic_peak", c.L2PenaltyTopicPeak},
		{"l1_penalty_gene_peak", c.L1PenaltyGenePeak},
		{"l2_penalty_gene_peak", c.L2PenaltyGenePeak},
		{"l1_penalty_grn_activator", c.L1PenaltyGRNActivator},
		{"l1_penalty_grn_repressor", c.L1PenaltyGRNRepressor},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidConfig, f.name, f.value)
		}
	}

	if _, err := ParseTFExpressionMode(string(c.TFExpressionMode)); err != nil {
		return err
	}
	if c.TFExpressionClamp < 0 || c.TFExpressionClamp > 1 {
		return fmt.Errorf("%w: tf_expression_clamp must lie in [0, 1], got %v", ErrInvalidConfig, c.TFExpressionClamp)
	}
	if len(c.SignificanceCutoffs) == 0 {
		return fmt.Errorf("%w: significance_cutoffs is empty", ErrInvalidConfig)
	}
	for _, cut := range c.SignificanceCutoffs {
		if cut <= 0 || cut > 1 {
			return fmt.Errorf("%w: significance cutoff %v outside (0, 1]", ErrInvalidConfig, cut)
		}
	}
	return nil
}

// InputDir is the directory holding the processed containers and priors.
func (c TrainConfig) InputDir() string {
	return filepath.Join(c.DataDir, c.OutputSubdir)
}

// InputPath joins name onto InputDir.
func (c TrainConfig) InputPath(name string) string {
	return filepath.Join(c.InputDir(), name)
}
