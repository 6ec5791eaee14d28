package aggregate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/crowdloop/internal/task"
)

// FitFunc is a replaceable aggregation algorithm.
type FitFunc func(classes []task.Label, votes map[string][]Vote) (map[string]Distribution, error)

// External adapts an opaque algorithm to the Aggregator contract: items
// without votes come back nil, every other item must get a distribution
// with non-negative mass, which is then renormalised.
type External struct {
	Name string
	Fit  FitFunc
}

func (e External) Aggregate(classes []task.Label, votes map[string][]Vote) (map[string]Distribution, error) {
	voted := make(map[string][]Vote, len(votes))
	out := make(map[string]Distribution, len(votes))
	for id, vs := range votes {
		if len(vs) == 0 {
			out[id] = nil
			continue
		}
		voted[id] = vs
	}
	if len(voted) == 0 {
		return out, nil
	}

	res, err := e.Fit(classes, voted)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	for id := range voted {
		d, ok := res[id]
		if !ok || len(d) == 0 {
			return nil, fmt.Errorf("%s: no distribution for item %s", e.Name, id)
		}
		sum := 0.0
		for l, p := range d {
			if p < 0 || math.IsNaN(p) {
				return nil, fmt.Errorf("%s: item %s: invalid probability %v for %s", e.Name, id, p, l)
			}
			sum += p
		}
		if sum == 0 {
			return nil, fmt.Errorf("%s: item %s: zero probability mass", e.Name, id)
		}
		norm := make(Distribution, len(d))
		for l, p := range d {
			norm[l] = p / sum
		}
		out[id] = norm
	}
	return out, nil
}

// DefaultEMIterations is the fixed iteration budget of the EM aggregator.
const DefaultEMIterations = 10

// NewDawidSkene returns the confusion-matrix EM aggregator.
func NewDawidSkene(iterations int) External {
	if iterations <= 0 {
		iterations = DefaultEMIterations
	}
	return External{Name: "dawid-skene", Fit: func(classes []task.Label, votes map[string][]Vote) (map[string]Distribution, error) {
		return dawidSkene(classes, votes, iterations), nil
	}}
}

// confusionPrior is the additive smoothing of confusion-matrix rows.
const confusionPrior = 0.01

func dawidSkene(classes []task.Label, votes map[string][]Vote, iterations int) map[string]Distribution {
	space := labelSpace(classes, votes)
	k := len(space)
	index := make(map[task.Label]int, k)
	for i, l := range space {
		index[l] = i
	}

	items := make([]string, 0, len(votes))
	for id := range votes {
		items = append(items, id)
	}
	sort.Strings(items)

	workerIdx := make(map[string]int)
	for _, id := range items {
		for _, v := range votes[id] {
			if _, ok := workerIdx[v.Worker]; !ok {
				workerIdx[v.Worker] = len(workerIdx)
			}
		}
	}

	// T[i][j]: posterior that item i has true class j. Seeded by majority.
	t := make([][]float64, len(items))
	for i, id := range items {
		t[i] = make([]float64, k)
		for _, v := range votes[id] {
			t[i][index[v.Label]]++
		}
		floats.Scale(1/floats.Sum(t[i]), t[i])
	}

	prior := make([]float64, k)
	confusion := make([][][]float64, len(workerIdx))
	for w := range confusion {
		confusion[w] = make([][]float64, k)
		for j := range confusion[w] {
			confusion[w][j] = make([]float64, k)
		}
	}
	logp := make([]float64, k)

	for it := 0; it < iterations; it++ {
		// M-step.
		for j := range prior {
			prior[j] = 0
		}
		for w := range confusion {
			for j := range confusion[w] {
				for l := range confusion[w][j] {
					confusion[w][j][l] = confusionPrior
				}
			}
		}
		for i, id := range items {
			floats.Add(prior, t[i])
			for _, v := range votes[id] {
				w := workerIdx[v.Worker]
				l := index[v.Label]
				for j := 0; j < k; j++ {
					confusion[w][j][l] += t[i][j]
				}
			}
		}
		floats.Scale(1/floats.Sum(prior), prior)
		for w := range confusion {
			for j := range confusion[w] {
				floats.Scale(1/floats.Sum(confusion[w][j]), confusion[w][j])
			}
		}

		// E-step.
		for i, id := range items {
			for j := 0; j < k; j++ {
				lp := math.Log(math.Max(prior[j], math.SmallestNonzeroFloat64))
				for _, v := range votes[id] {
					lp += math.Log(confusion[workerIdx[v.Worker]][j][index[v.Label]])
				}
				logp[j] = lp
			}
			norm := floats.LogSumExp(logp)
			for j := 0; j < k; j++ {
				t[i][j] = math.Exp(logp[j] - norm)
			}
		}
	}

	out := make(map[string]Distribution, len(items))
	for i, id := range items {
		d := make(Distribution, k)
		for j, l := range space {
			d[l] = t[i][j]
		}
		out[id] = d
	}
	return out
}
