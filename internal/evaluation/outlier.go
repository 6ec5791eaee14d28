package evaluation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/task"
)

// StatisticalOutlier is used for subjective multi-rater scoring (e.g.
// rating outputs of several algorithms). A worker's per-algorithm mean
// scores are correlated with the pooled per-algorithm means of the whole
// batch; workers below MinCorrelation score 0 of 1, everyone else 1 of 1.
type StatisticalOutlier struct {
	AlgorithmField string // input field naming the algorithm being rated
	ScoreField     string // numeric answer field
	MinCorrelation float64

	reliable map[string]bool
}

var logOutlier = monitoring.Tagged("outlier")

// Update aggregates the batch. It must be called before Evaluate and again
// whenever the batch changes.
func (s *StatisticalOutlier) Update(batch []task.Submission) error {
	type acc struct{ sum, n float64 }
	pooled := make(map[string]*acc)
	perWorker := make(map[string]map[string]*acc)

	for _, sub := range batch {
		if perWorker[sub.Worker] == nil {
			perWorker[sub.Worker] = make(map[string]*acc)
		}
		for _, p := range sub.Pairs {
			algo, ok := p.Item.Get(s.AlgorithmField)
			if !ok {
				return fmt.Errorf("submission %s: item has no field %q", sub.ID, s.AlgorithmField)
			}
			score, ok := p.Answer.Get(s.ScoreField)
			if !ok || score.Kind != task.KindNumber {
				continue
			}
			key := algo.Key()
			if pooled[key] == nil {
				pooled[key] = &acc{}
			}
			pooled[key].sum += score.Num
			pooled[key].n++
			w := perWorker[sub.Worker]
			if w[key] == nil {
				w[key] = &acc{}
			}
			w[key].sum += score.Num
			w[key].n++
		}
	}

	algos := make([]string, 0, len(pooled))
	for a := range pooled {
		algos = append(algos, a)
	}
	sort.Strings(algos)
	means := make(map[string]float64, len(algos))
	meanVals := make([]float64, len(algos))
	for i, a := range algos {
		means[a] = pooled[a].sum / pooled[a].n
		meanVals[i] = means[a]
	}
	flat := len(meanVals) < 2 || stat.Variance(meanVals, nil) == 0

	s.reliable = make(map[string]bool, len(perWorker))
	for worker, scores := range perWorker {
		if flat {
			s.reliable[worker] = true
			continue
		}
		var xs, ys []float64
		for _, a := range algos {
			if sc, ok := scores[a]; ok {
				xs = append(xs, sc.sum/sc.n)
				ys = append(ys, means[a])
			}
		}
		if len(xs) < 2 {
			s.reliable[worker] = false
			continue
		}
		corr := stat.Correlation(xs, ys, nil)
		s.reliable[worker] = !math.IsNaN(corr) && corr >= s.MinCorrelation
		if !s.reliable[worker] {
			logOutlier("worker %s correlation %.3f below %.3f", worker, corr, s.MinCorrelation)
		}
	}
	return nil
}

func (s *StatisticalOutlier) Evaluate(sub task.Submission) (Result, error) {
	if s.reliable == nil {
		return Result{}, ErrNotUpdated
	}
	ok, seen := s.reliable[sub.Worker]
	if !seen {
		return Result{}, fmt.Errorf("worker %s of submission %s: %w", sub.Worker, sub.ID, ErrNotUpdated)
	}
	if ok {
		return Result{Correct: 1, Total: 1}, nil
	}
	return Result{Correct: 0, Total: 1}, nil
}
