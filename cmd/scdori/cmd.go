package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bioFAM/scDoRI/config"
	"github.com/bioFAM/scDoRI/dataio"
	"github.com/bioFAM/scDoRI/downstream"
	"github.com/bioFAM/scDoRI/model"
	"github.com/bioFAM/scDoRI/rng"
	"github.com/bioFAM/scDoRI/train"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.dedis.ch/onet/v3/log"
)

// session is the state shared by every subcommand of one invocation.
type session struct {
	cfg    config.TrainConfig
	stream *rng.Stream
	data   *dataio.Dataset
	priors model.Priors
	split  train.Split
}

func openSession(cmd *cobra.Command) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	log.SetDebugVisible(cfg.LogLevel)

	d, err := dataio.Load(cfg)
	if err != nil {
		return nil, err
	}
	priors, err := dataio.LoadPriors(cfg, d)
	if err != nil {
		return nil, err
	}
	s := rng.New(cfg.RandomSeed)
	split, err := train.SplitCells(cfg, d, s)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, stream: s, data: d, priors: priors, split: split}, nil
}

func (s *session) newModel() (*model.Model, error) {
	return train.NewModel(s.cfg, s.data, s.priors, s.stream)
}

// snapshotConfig stores the resolved config next to the checkpoints of a run.
func (s *session) snapshotConfig(dir string) error {
	data, err := s.cfg.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.toml"), data, 0o644)
}

func (s *session) trainSCDoRI() (*model.Model, *train.RunSummary, error) {
	if err := s.snapshotConfig(s.cfg.WeightsFolderSCDoRI); err != nil {
		return nil, nil, err
	}
	m, err := s.newModel()
	if err != nil {
		return nil, nil, err
	}
	summary, err := train.TrainSCDoRI(s.cfg, m, s.data, s.split, s.stream)
	return m, summary, err
}

func (s *session) trainGRN() (*model.Model, *train.RunSummary, error) {
	if err := s.snapshotConfig(s.cfg.WeightsFolderGRN); err != nil {
		return nil, nil, err
	}
	m, err := s.newModel()
	if err != nil {
		return nil, nil, err
	}
	if err := train.LoadSCDoRI(s.cfg, m); err != nil {
		return nil, nil, err
	}
	summary, err := train.TrainGRN(s.cfg, m, s.data, s.split, s.stream)
	return m, summary, err
}

func (s *session) downstream(cmd *cobra.Command, m *model.Model, out string) error {
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	topics, err := downstream.LatentTopics(m, s.data, s.cfg.BatchSizeCellPrediction)
	if err != nil {
		return err
	}
	if _, err := downstream.WriteLatent(out, topics); err != nil {
		return err
	}

	e := m.TopicTFExpression()
	activity, err := downstream.ComputeTFActivity(m, e, topics)
	if err != nil {
		return err
	}
	if err := dataio.WriteNpy(filepath.Join(out, "tf_activity_activator.npy"), activity.Activator); err != nil {
		return err
	}
	if err := dataio.WriteNpy(filepath.Join(out, "tf_activity_repressor.npy"), activity.Repressor); err != nil {
		return err
	}

	res, err := downstream.SignificantGRN(cmd.Context(), m, e, s.cfg.NumPermutations, s.cfg.NumWorkers,
		s.stream.Derive("significance", 0))
	if err != nil {
		return err
	}
	if _, err := downstream.WriteRegulons(out, res, s.cfg.SignificanceCutoffs, s.data.TFs, s.data.Genes); err != nil {
		return err
	}
	printRegulonTable(res.Summarize(s.cfg.SignificanceCutoffs))
	return nil
}

func printRunTable(summaries ...*train.RunSummary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"STAGE", "STATE", "EPOCHS", "BEST EPOCH", "BEST VAL LOSS", "CHECKPOINT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, s := range summaries {
		table.Append([]string{
			s.Stage,
			string(s.State),
			strconv.Itoa(s.EpochsRun),
			strconv.Itoa(s.BestEpoch),
			fmt.Sprintf("%.4f", s.BestValLoss),
			s.Checkpoint,
		})
	}
	table.Render()
}

func printRegulonTable(rows []downstream.CutoffSummary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"P-VALUE CUTOFF", "ACTIVATING LINKS", "REPRESSING LINKS", "TFS", "MEDIAN P"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, r := range rows {
		table.Append([]string{
			strconv.FormatFloat(r.Cutoff, 'g', -1, 64),
			strconv.Itoa(r.Activator),
			strconv.Itoa(r.Repressor),
			strconv.Itoa(r.TFs),
			fmt.Sprintf("%.4g", r.MedianPValue),
		})
	}
	table.Render()
}

// NewCLI builds the scdori command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scdori",
		Short:         "Topic and gene regulatory network models for paired scRNA/scATAC data",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "TOML config file (defaults when empty)")

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the topic, peak and peak-gene modules (warmup_1 and warmup_2)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			_, summary, err := s.trainSCDoRI()
			if err != nil {
				return err
			}
			printRunTable(summary)
			return nil
		},
	}

	grnCmd := &cobra.Command{
		Use:   "grn",
		Short: "Train the GRN module starting from the best scDoRI checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			_, summary, err := s.trainGRN()
			if err != nil {
				return err
			}
			printRunTable(summary)
			return nil
		},
	}

	downstreamCmd := &cobra.Command{
		Use:   "downstream",
		Short: "Export latent topics, TF activities and permutation-tested regulons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			m, err := s.newModel()
			if err != nil {
				return err
			}
			if err := train.LoadGRN(s.cfg, m, s.data, s.split.Train); err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			return s.downstream(cmd, m, out)
		},
	}
	downstreamCmd.Flags().StringP("out", "o", "results", "Output directory")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run training, GRN training and the downstream analysis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			_, first, err := s.trainSCDoRI()
			if err != nil {
				return err
			}
			m, second, err := s.trainGRN()
			if err != nil {
				return err
			}
			printRunTable(first, second)
			out, _ := cmd.Flags().GetString("out")
			return s.downstream(cmd, m, out)
		},
	}
	runCmd.Flags().StringP("out", "o", "results", "Output directory")

	rootCmd.AddCommand(trainCmd, grnCmd, downstreamCmd, runCmd)
	return rootCmd
}
