package aggregate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/crowdloop/internal/task"
)

// MissingWeightError is returned when a voter has no weight.
type MissingWeightError struct {
	Worker string
}

func (e *MissingWeightError) Error() string {
	return fmt.Sprintf("aggregate: no weight for worker %q", e.Worker)
}

// weightClamp keeps log terms finite for weights of exactly 0 or 1.
const weightClamp = 1e-9

// WeightedMaxLikelihood scores every candidate label l with
//
//	P(l) ∝ (1/C) · Π_i [a_i == l ? q_i : (1-q_i)/(C-1)]
//
// where q_i is the weight of the worker who gave answer a_i and C is the
// size of the label space. Products are accumulated in log space.
type WeightedMaxLikelihood struct {
	Weights map[string]float64
}

// WithWeights returns a copy using weights.
func (m WeightedMaxLikelihood) WithWeights(weights map[string]float64) Aggregator {
	return WeightedMaxLikelihood{Weights: weights}
}

func (m WeightedMaxLikelihood) Aggregate(classes []task.Label, votes map[string][]Vote) (map[string]Distribution, error) {
	space := labelSpace(classes, votes)
	c := float64(len(space))
	out := make(map[string]Distribution, len(votes))

	for itemID, vs := range votes {
		if len(vs) == 0 {
			out[itemID] = nil
			continue
		}
		q := make([]float64, len(vs))
		for i, v := range vs {
			w, ok := m.Weights[v.Worker]
			if !ok {
				return nil, &MissingWeightError{Worker: v.Worker}
			}
			q[i] = math.Min(math.Max(w, weightClamp), 1-weightClamp)
		}
		if len(space) == 1 {
			out[itemID] = Distribution{space[0]: 1}
			continue
		}

		logp := make([]float64, len(space))
		for j, l := range space {
			lp := -math.Log(c)
			for i, v := range vs {
				if v.Label == l {
					lp += math.Log(q[i])
				} else {
					lp += math.Log((1 - q[i]) / (c - 1))
				}
			}
			logp[j] = lp
		}
		norm := floats.LogSumExp(logp)
		d := make(Distribution, len(space))
		for j, l := range space {
			d[l] = math.Exp(logp[j] - norm)
		}
		out[itemID] = d
	}
	return out, nil
}
