package aggregate

import "github.com/banshee-data/crowdloop/internal/task"

// MajorityVote assigns each label its share of the votes. A single vote
// yields probability 1 for that label.
type MajorityVote struct{}

func (MajorityVote) Aggregate(_ []task.Label, votes map[string][]Vote) (map[string]Distribution, error) {
	out := make(map[string]Distribution, len(votes))
	for itemID, vs := range votes {
		if len(vs) == 0 {
			out[itemID] = nil
			continue
		}
		d := make(Distribution)
		share := 1 / float64(len(vs))
		for _, v := range vs {
			d[v.Label] += share
		}
		out[itemID] = d
	}
	return out, nil
}
