package dataio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bioFAM/scDoRI/config"
	"github.com/bioFAM/scDoRI/model"
	"github.com/bioFAM/scDoRI/rng"
	"github.com/bioFAM/scDoRI/utils"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"
)

// TFColumn marks transcription factors in the RNA var table.
const TFColumn = "is_tf"

// ErrMisaligned is returned when RNA and ATAC cells differ.
var ErrMisaligned = errors.New("RNA and ATAC cells are not aligned")

// Dataset holds aligned RNA and ATAC counts of all cells, the TF expression
// sub-matrix and the batch of every cell.
type Dataset struct {
	RNA        *mat.Dense // cells x genes
	ATAC       *mat.Dense // cells x peaks
	TF         *mat.Dense // cells x TFs
	BatchIndex []int
	BatchNames []string

	CellIDs []string
	Genes   []string
	Peaks   []string
	TFs     []string
}

// NewDataset builds a dataset from count matrices. tfColumns are the RNA
// columns holding TF expression; batchLabels give the batch of every cell.
func NewDataset(rna, atac *mat.Dense, tfColumns []int, batchLabels []string) (*Dataset, error) {
	n, g := rna.Dims()
	na, _ := atac.Dims()
	if n != na {
		return nil, fmt.Errorf("%w: %d RNA cells, %d ATAC cells", ErrMisaligned, n, na)
	}
	if len(batchLabels) != n {
		return nil, fmt.Errorf("%w: %d batch labels for %d cells", model.ErrDimension, len(batchLabels), n)
	}
	if len(tfColumns) == 0 {
		return nil, errors.New("no TF among the RNA features")
	}

	tf := mat.NewDense(n, len(tfColumns), nil)
	for j, col := range tfColumns {
		if col < 0 || col >= g {
			return nil, fmt.Errorf("%w: TF column %d outside %d genes", model.ErrDimension, col, g)
		}
		for i := 0; i < n; i++ {
			tf.Set(i, j, rna.At(i, col))
		}
	}

	names := uniqueSorted(batchLabels)
	lookup := make(map[string]int, len(names))
	for i, name := range names {
		lookup[name] = i
	}
	index := make([]int, n)
	for i, label := range batchLabels {
		index[i] = lookup[label]
	}

	return &Dataset{RNA: rna, ATAC: atac, TF: tf, BatchIndex: index, BatchNames: names}, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Load reads the RNA and ATAC containers named by cfg.
func Load(cfg config.TrainConfig) (*Dataset, error) {
	rna, err := LoadContainer(cfg.InputPath(cfg.RNAMetacellFile))
	if err != nil {
		return nil, fmt.Errorf("loading RNA: %w", err)
	}
	atac, err := LoadContainer(cfg.InputPath(cfg.ATACMetacellFile))
	if err != nil {
		return nil, fmt.Errorf("loading ATAC: %w", err)
	}
	if len(rna.ObsNames) != len(atac.ObsNames) {
		return nil, fmt.Errorf("%w: %d RNA cells, %d ATAC cells", ErrMisaligned, len(rna.ObsNames), len(atac.ObsNames))
	}
	for i := range rna.ObsNames {
		if rna.ObsNames[i] != atac.ObsNames[i] {
			return nil, fmt.Errorf("%w: cell %d is %q in RNA and %q in ATAC",
				ErrMisaligned, i, rna.ObsNames[i], atac.ObsNames[i])
		}
	}

	labels, err := rna.ObsColumn(cfg.BatchCol)
	if err != nil {
		return nil, err
	}
	isTF, err := rna.VarColumn(TFColumn)
	if err != nil {
		return nil, err
	}
	var tfCols []int
	var tfNames []string
	for j, flag := range isTF {
		if parseFlag(flag) {
			tfCols = append(tfCols, j)
			tfNames = append(tfNames, rna.VarNames[j])
		}
	}

	d, err := NewDataset(rna.X, atac.X, tfCols, labels)
	if err != nil {
		return nil, err
	}
	d.CellIDs = rna.ObsNames
	d.Genes = rna.VarNames
	d.Peaks = atac.VarNames
	d.TFs = tfNames
	log.Lvlf1("Dataset: %d cells, %d genes, %d peaks, %d TFs, %d batches",
		d.Len(), len(d.Genes), len(d.Peaks), len(d.TFs), len(d.BatchNames))
	return d, nil
}

func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Len returns the number of cells.
func (d *Dataset) Len() int {
	return len(d.BatchIndex)
}

// Dims returns the model dimensions for this dataset and cfg.
func (d *Dataset) Dims(cfg config.TrainConfig) model.Dims {
	_, g := d.RNA.Dims()
	_, p := d.ATAC.Dims()
	_, t := d.TF.Dims()
	return model.Dims{
		Genes:    g,
		Peaks:    p,
		TFs:      t,
		Topics:   cfg.NumTopics,
		Batches:  len(d.BatchNames),
		Encoder1: cfg.DimEncoder1,
		Encoder2: cfg.DimEncoder2,
	}
}

// Split shuffles the cells with s and holds out a fraction for validation.
// Both parts are non-empty.
func (d *Dataset) Split(fraction float64, s *rng.Stream) (train, val []int, err error) {
	n := d.Len()
	if n < 2 {
		return nil, nil, fmt.Errorf("cannot split %d cells into training and validation", n)
	}
	nVal := int(math.Round(fraction * float64(n)))
	if nVal < 1 {
		nVal = 1
	}
	if nVal > n-1 {
		nVal = n - 1
	}
	perm := s.Perm(n)
	val = append([]int(nil), perm[:nVal]...)
	train = append([]int(nil), perm[nVal:]...)
	sort.Ints(val)
	sort.Ints(train)
	return train, val, nil
}

// Subset gathers the given cells into a model batch.
func (d *Dataset) Subset(cells []int) model.Batch {
	index := make([]int, len(cells))
	for i, c := range cells {
		index[i] = d.BatchIndex[c]
	}
	return model.Batch{
		RNA:        utils.SliceRows(d.RNA, cells),
		ATAC:       utils.SliceRows(d.ATAC, cells),
		TF:         utils.SliceRows(d.TF, cells),
		BatchIndex: index,
	}
}

// Batches cuts cells into batches of at most size cells. With a non-nil
// stream the order is shuffled first; cells itself is left untouched.
func (d *Dataset) Batches(cells []int, size int, s *rng.Stream) []model.Batch {
	order := append([]int(nil), cells...)
	if s != nil {
		s.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	var out []model.Batch
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		out = append(out, d.Subset(order[start:end]))
	}
	return out
}

// All returns the indices of every cell.
func (d *Dataset) All() []int {
	idx := make([]int, d.Len())
	for i := range idx {
		idx[i] = i
	}
	return idx
}
