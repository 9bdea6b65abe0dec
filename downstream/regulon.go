package downstream

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bioFAM/scDoRI/dataio"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
)

// LatentFile is the name of the exported topic proportions.
const LatentFile = "latent_topics.npy"

// Significant returns the links with a p-value at most cutoff.
func (r *GRNResult) Significant(cutoff float64) []Link {
	var out []Link
	for _, l := range r.Links {
		if l.PValue <= cutoff {
			out = append(out, l)
		}
	}
	return out
}

// Regulon is the set of genes a TF activates or represses in at least one
// topic.
type Regulon struct {
	TF        int
	Activated []int
	Repressed []int
}

// Regulons groups the significant links of every TF, merging topics.
func (r *GRNResult) Regulons(cutoff float64) []Regulon {
	type sets struct{ act, rep map[int]bool }
	byTF := make(map[int]*sets)
	for _, l := range r.Significant(cutoff) {
		s, ok := byTF[l.TF]
		if !ok {
			s = &sets{act: make(map[int]bool), rep: make(map[int]bool)}
			byTF[l.TF] = s
		}
		if l.Direction == Activator {
			s.act[l.Gene] = true
		} else {
			s.rep[l.Gene] = true
		}
	}

	out := make([]Regulon, 0, len(byTF))
	for tf, s := range byTF {
		out = append(out, Regulon{TF: tf, Activated: sortedKeys(s.act), Repressed: sortedKeys(s.rep)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TF < out[j].TF })
	return out
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// CutoffSummary counts the significant links at one cutoff.
type CutoffSummary struct {
	Cutoff       float64
	Activator    int
	Repressor    int
	TFs          int
	MedianPValue float64
}

// Summarize counts the links passing every cutoff.
func (r *GRNResult) Summarize(cutoffs []float64) []CutoffSummary {
	out := make([]CutoffSummary, len(cutoffs))
	for i, cut := range cutoffs {
		sig := r.Significant(cut)
		s := CutoffSummary{Cutoff: cut, TFs: len(r.Regulons(cut))}
		pvals := make(stats.Float64Data, 0, len(sig))
		for _, l := range sig {
			if l.Direction == Activator {
				s.Activator++
			} else {
				s.Repressor++
			}
			pvals = append(pvals, l.PValue)
		}
		if len(pvals) > 0 {
			s.MedianPValue, _ = stats.Median(pvals)
		}
		out[i] = s
	}
	return out
}

// RegulonFile is the CSV name used for cutoff.
func RegulonFile(cutoff float64) string {
	return "regulons_p" + strconv.FormatFloat(cutoff, 'g', -1, 64) + ".csv"
}

// WriteRegulons writes one CSV per cutoff into dir and returns the paths.
// Names fall back to indices when tfNames or geneNames are nil.
func WriteRegulons(dir string, r *GRNResult, cutoffs []float64, tfNames, geneNames []string) ([]string, error) {
	header := []string{"tf", "gene", "topic", "direction", "p_value"}
	var paths []string
	for _, cut := range cutoffs {
		var rows [][]string
		for _, l := range r.Significant(cut) {
			rows = append(rows, []string{
				name(tfNames, l.TF),
				name(geneNames, l.Gene),
				strconv.Itoa(l.Topic),
				string(l.Direction),
				strconv.FormatFloat(l.PValue, 'g', -1, 64),
			})
		}
		path := filepath.Join(dir, RegulonFile(cut))
		if err := dataio.WriteCSV(path, header, rows); err != nil {
			return nil, fmt.Errorf("writing regulons at %v: %w", cut, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func name(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return strconv.Itoa(i)
}

// WriteLatent saves the cells x topics proportions as latent_topics.npy in dir.
func WriteLatent(dir string, topics *mat.Dense) (string, error) {
	path := filepath.Join(dir, LatentFile)
	return path, dataio.WriteNpy(path, topics)
}
