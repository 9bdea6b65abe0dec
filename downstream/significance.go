package downstream

import (
	"context"
	"fmt"
	"time"

	"github.com/bioFAM/scDoRI/model"
	"github.com/bioFAM/scDoRI/rng"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Direction is the sign of a TF-gene link.
type Direction string

const (
	Activator Direction = "activator"
	Repressor Direction = "repressor"
)

// Link is a tested TF-gene edge of one topic.
type Link struct {
	Topic     int
	TF        int
	Gene      int
	Direction Direction
	Observed  float64
	PValue    float64
}

// GRNResult holds every candidate link of every topic, ordered by topic,
// direction, TF and gene.
type GRNResult struct {
	Links           []Link
	NumPermutations int
}

// linkStatistic returns c(t, g) = E_t * w_tg * prior_tg for one topic.
func linkStatistic(expr []float64, weights, prior *mat.Dense) *mat.Dense {
	t, g := weights.Dims()
	c := mat.NewDense(t, g, nil)
	c.MulElem(weights, prior)
	for i := 0; i < t; i++ {
		row := c.RawRowView(i)
		for j := range row {
			row[j] *= expr[i]
		}
	}
	return c
}

// SignificantGRN tests every TF-gene link with a positive statistic against a
// null where the TF assignments of a topic are permuted, and returns
// empirical p-values (#{null >= observed} + 1) / (permutations + 1). Topics
// are spread over workers goroutines; topic k draws its permutations from
// s.Derive("perm", k), so the result does not depend on the worker count.
func SignificantGRN(ctx context.Context, m *model.Model, e *mat.Dense, permutations, workers int, s *rng.Stream) (*GRNResult, error) {
	if r, c := e.Dims(); r != m.Dims.Topics || c != m.Dims.TFs {
		return nil, fmt.Errorf("%w: topic TF expression is %dx%d, want %dx%d",
			model.ErrDimension, r, c, m.Dims.Topics, m.Dims.TFs)
	}
	if permutations <= 0 || workers <= 0 {
		return nil, fmt.Errorf("permutations (%d) and workers (%d) must be positive", permutations, workers)
	}
	start := time.Now()
	p := m.Priors()

	perTopic := make([][]Link, m.Dims.Topics)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k := 0; k < m.Dims.Topics; k++ {
		k := k
		act := linkStatistic(e.RawRowView(k), m.ActivatorWeights(k), p.ChipAct)
		rep := linkStatistic(e.RawRowView(k), m.RepressorWeights(k), p.ChipRep)
		g.Go(func() error {
			stream := s.Derive("perm", k)
			links, err := testTopic(ctx, k, act, rep, permutations, stream)
			if err != nil {
				return err
			}
			perTopic[k] = links
			log.Lvlf3("Topic %d: %d candidate links", k, len(links))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &GRNResult{NumPermutations: permutations}
	for _, links := range perTopic {
		res.Links = append(res.Links, links...)
	}
	log.Lvlf2("Permutation test: %d candidate links over %d topics, %d permutations, %v",
		len(res.Links), m.Dims.Topics, permutations, time.Since(start))
	return res, nil
}

// testTopic runs the permutations of one topic. Activator and repressor
// statistics share the same TF permutation.
func testTopic(ctx context.Context, k int, act, rep *mat.Dense, permutations int, s *rng.Stream) ([]Link, error) {
	t, g := act.Dims()
	actHits := make([]int, t*g)
	repHits := make([]int, t*g)

	for r := 0; r < permutations; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perm := s.Perm(t)
		for i := 0; i < t; i++ {
			obsAct, obsRep := act.RawRowView(i), rep.RawRowView(i)
			nullAct, nullRep := act.RawRowView(perm[i]), rep.RawRowView(perm[i])
			for j := 0; j < g; j++ {
				if obsAct[j] > 0 && nullAct[j] >= obsAct[j] {
					actHits[i*g+j]++
				}
				if obsRep[j] > 0 && nullRep[j] >= obsRep[j] {
					repHits[i*g+j]++
				}
			}
		}
	}

	var links []Link
	collect := func(dir Direction, stat *mat.Dense, hits []int) {
		for i := 0; i < t; i++ {
			for j, obs := range stat.RawRowView(i) {
				if obs <= 0 {
					continue
				}
				links = append(links, Link{
					Topic:     k,
					TF:        i,
					Gene:      j,
					Direction: dir,
					Observed:  obs,
					PValue:    float64(hits[i*g+j]+1) / float64(permutations+1),
				})
			}
		}
	}
	collect(Activator, act, actHits)
	collect(Repressor, rep, repHits)
	return links, nil
}
