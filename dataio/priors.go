package dataio

import (
	"errors"
	"fmt"

	"github.com/bioFAM/scDoRI/config"
	"github.com/bioFAM/scDoRI/model"
	"github.com/bioFAM/scDoRI/utils"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidPrior is returned for priors with negative or non-finite entries.
var ErrInvalidPrior = errors.New("invalid prior")

// LoadPriors reads the gene-peak distance and the in-silico ChIP-seq priors
// and brings them to the shapes the model expects.
func LoadPriors(cfg config.TrainConfig, d *Dataset) (model.Priors, error) {
	dims := d.Dims(cfg)

	path := cfg.InputPath(cfg.GenePeakDistanceFile)
	raw, err := readPrior(path)
	if err != nil {
		return model.Priors{}, fmt.Errorf("loading gene-peak distance: %w", err)
	}
	distance, err := orientDistance(raw, dims)
	if err != nil {
		return model.Priors{}, fmt.Errorf("loading gene-peak distance %s: %w", path, err)
	}

	act, err := loadChip(cfg.InputPath(cfg.ChipSeqActFile), distance, dims)
	if err != nil {
		return model.Priors{}, fmt.Errorf("loading activator prior: %w", err)
	}
	rep, err := loadChip(cfg.InputPath(cfg.ChipSeqRepFile), distance, dims)
	if err != nil {
		return model.Priors{}, fmt.Errorf("loading repressor prior: %w", err)
	}
	return model.Priors{GenePeakDistance: distance, ChipAct: act, ChipRep: rep}, nil
}

// readPrior reads a prior matrix and checks that every entry is finite and
// non-negative.
func readPrior(path string) (*mat.Dense, error) {
	m, err := ReadNpy(path)
	if err != nil {
		return nil, err
	}
	if !utils.AllFinite(m) {
		return nil, fmt.Errorf("%w: %s has non-finite entries", ErrInvalidPrior, path)
	}
	if lo := floats.Min(m.RawMatrix().Data); lo < 0 {
		return nil, fmt.Errorf("%w: %s has negative entries (min %v)", ErrInvalidPrior, path, lo)
	}
	return m, nil
}

// orientDistance returns the distance prior as genes x peaks. Files are
// stored peaks x genes; a genes x peaks matrix is accepted as is. A square
// matrix is read as peaks x genes.
func orientDistance(raw *mat.Dense, dims model.Dims) (*mat.Dense, error) {
	r, c := raw.Dims()
	switch {
	case r == dims.Peaks && c == dims.Genes:
		return mat.DenseCopyOf(raw.T()), nil
	case r == dims.Genes && c == dims.Peaks:
		return raw, nil
	}
	return nil, fmt.Errorf("%w: distance is %dx%d, want %dx%d (peaks x genes) or %dx%d",
		model.ErrDimension, r, c, dims.Peaks, dims.Genes, dims.Genes, dims.Peaks)
}

// loadChip accepts a TFs x genes prior as is and projects a TFs x peaks prior
// onto genes.
func loadChip(path string, distance *mat.Dense, dims model.Dims) (*mat.Dense, error) {
	chip, err := readPrior(path)
	if err != nil {
		return nil, err
	}
	r, c := chip.Dims()
	switch {
	case r == dims.TFs && c == dims.Genes:
		return chip, nil
	case r == dims.TFs && c == dims.Peaks:
		log.Lvl2("Projecting peak-level prior", path, "onto genes")
		return ProjectChip(chip, distance), nil
	}
	return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d or %dx%d",
		model.ErrDimension, path, r, c, dims.TFs, dims.Genes, dims.TFs, dims.Peaks)
}

// ProjectChip maps a TFs x peaks binding prior onto genes through the
// genes x peaks distance prior and scales every TF to a maximum of one.
func ProjectChip(chip, distance *mat.Dense) *mat.Dense {
	t, _ := chip.Dims()
	g, _ := distance.Dims()
	out := mat.NewDense(t, g, nil)
	out.Mul(chip, distance.T())
	ScaleRowsToMax(out)
	return out
}

// ScaleRowsToMax divides every row by its maximum. Rows whose maximum is not
// positive are left unchanged.
func ScaleRowsToMax(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		if max := floats.Max(row); max > 0 {
			floats.Scale(1/max, row)
		}
	}
}
