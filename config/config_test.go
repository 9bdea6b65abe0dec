package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
num_topics = 3
dim_encoder1 = 16
dim_encoder2 = 8
max_scdori_epochs = 4
epoch_warmup_1 = 2
tf_expression_mode = "latent"
significance_cutoffs = [0.01, 0.05]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.NumTopics = 3
	want.DimEncoder1 = 16
	want.DimEncoder2 = 8
	want.MaxSCDoRIEpochs = 4
	want.EpochWarmup1 = 2
	want.TFExpressionMode = TFExpressionLatent
	want.SignificanceCutoffs = []float64{0.01, 0.05}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("loaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `tf_expression_mode = "maybe"`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, `num_topicz = 3`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*TrainConfig){
		"zero topics":         func(c *TrainConfig) { c.NumTopics = 0 },
		"warmup past max":     func(c *TrainConfig) { c.EpochWarmup1 = c.MaxSCDoRIEpochs + 1 },
		"negative weight":     func(c *TrainConfig) { c.WeightTFPhase2 = -1 },
		"negative penalty":    func(c *TrainConfig) { c.L1PenaltyGRNRepressor = -0.1 },
		"validation fraction": func(c *TrainConfig) { c.ValidationFraction = 1 },
		"cutoff above one":    func(c *TrainConfig) { c.SignificanceCutoffs = []float64{0.5, 2} },
		"no cutoffs":          func(c *TrainConfig) { c.SignificanceCutoffs = nil },
		"clamp above one":     func(c *TrainConfig) { c.TFExpressionClamp = 1.5 },
		"empty mode":          func(c *TrainConfig) { c.TFExpressionMode = "" },
		"zero learning rate":  func(c *TrainConfig) { c.LearningRateGRN = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidateReportsFirstInvalidField(t *testing.T) {
	cfg := Default()
	cfg.NumWorkers = 0
	cfg.BatchSizeCell = -1
	cfg.NumTopics = 0
	cfg.WeightTFGRN = -1
	cfg.WeightATACPhase1 = -1
	for i := 0; i < 20; i++ {
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
		require.Contains(t, err.Error(), "batch_size_cell must be positive, got -1")
	}

	cfg = Default()
	cfg.WeightTFGRN = -1
	cfg.WeightATACPhase1 = -2
	for i := 0; i < 20; i++ {
		require.Contains(t, cfg.Validate().Error(), "weight_atac_phase1")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.NumTopics = 7
	data, err := cfg.Marshal()
	require.NoError(t, err)

	var back TrainConfig
	_, err = toml.Decode(string(data), &back)
	require.NoError(t, err)
	require.Equal(t, 7, back.NumTopics)
	require.Equal(t, cfg.TFExpressionMode, back.TFExpressionMode)
	require.Equal(t, cfg.SignificanceCutoffs, back.SignificanceCutoffs)
}

func TestInputPath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/d"
	cfg.OutputSubdir = "gen"
	require.Equal(t, "/d/gen/x.npy", cfg.InputPath("x.npy"))
}
