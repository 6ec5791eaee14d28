package aggregate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdloop/internal/task"
)

var (
	labelA = task.Label{Value: "A"}
	labelB = task.Label{Value: "B"}
	labelC = task.Label{Value: "C"}
)

func votesOf(labels ...task.Label) []Vote {
	out := make([]Vote, len(labels))
	for i, l := range labels {
		out[i] = Vote{Label: l, Worker: string(rune('a' + i))}
	}
	return out
}

func uniformWeights(w float64, workers ...string) map[string]float64 {
	out := make(map[string]float64, len(workers))
	for _, id := range workers {
		out[id] = w
	}
	return out
}

func TestMajorityVote(t *testing.T) {
	t.Parallel()

	res, err := MajorityVote{}.Aggregate(nil, map[string][]Vote{
		"i1": votesOf(labelA, labelA, labelB),
		"i2": votesOf(labelC),
		"i3": nil,
	})
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3, res["i1"][labelA], 1e-9)
	assert.InDelta(t, 1.0/3, res["i1"][labelB], 1e-9)
	assert.Equal(t, 1.0, res["i2"][labelC])
	assert.Nil(t, res["i3"])
}

func TestWeightedMaxLikelihood_PrefersMajority(t *testing.T) {
	t.Parallel()

	agg := WeightedMaxLikelihood{Weights: uniformWeights(0.8, "a", "b", "c")}
	res, err := agg.Aggregate([]task.Label{labelA, labelB}, map[string][]Vote{
		"i1": votesOf(labelA, labelA, labelB),
	})
	require.NoError(t, err)

	d := res["i1"]
	assert.Greater(t, d[labelA], d[labelB])
	assert.InDelta(t, 1.0, d[labelA]+d[labelB], 1e-9)
	// 0.8 vs 0.2 odds per vote: A wins 4:1
	assert.InDelta(t, 0.8, d[labelA], 1e-9)
}

func TestWeightedMaxLikelihood_Errors(t *testing.T) {
	t.Parallel()

	agg := WeightedMaxLikelihood{Weights: uniformWeights(0.8, "a")}
	_, err := agg.Aggregate(nil, map[string][]Vote{"i1": votesOf(labelA, labelB)})

	var mwe *MissingWeightError
	require.True(t, errors.As(err, &mwe))
	assert.Equal(t, "b", mwe.Worker)
}

func TestWeightedMaxLikelihood_SingleClass(t *testing.T) {
	t.Parallel()

	agg := WeightedMaxLikelihood{Weights: uniformWeights(0.1, "a", "b")}
	res, err := agg.Aggregate(nil, map[string][]Vote{"i1": votesOf(labelA, labelA)})
	require.NoError(t, err)
	assert.Equal(t, Distribution{labelA: 1}, res["i1"])
}

func TestWeightedMaxLikelihood_ExtremeWeights(t *testing.T) {
	t.Parallel()

	agg := WeightedMaxLikelihood{Weights: map[string]float64{"a": 1, "b": 0, "c": 1}}
	res, err := agg.Aggregate([]task.Label{labelA, labelB, labelC}, map[string][]Vote{
		"i1": votesOf(labelA, labelB, labelA),
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res["i1"].Sum(), 1e-6)
	assert.Greater(t, res["i1"][labelA], 0.99)
}

func TestAggregators_Normalised(t *testing.T) {
	t.Parallel()

	votes := map[string][]Vote{
		"i1": votesOf(labelA, labelA, labelB),
		"i2": votesOf(labelB, labelC, labelC, labelA),
		"i3": votesOf(labelC),
		"i4": votesOf(labelA, labelB),
	}
	aggs := map[string]Aggregator{
		"majority":       MajorityVote{},
		"dawid-skene":    NewDawidSkene(0),
		"max-likelihood": WeightedMaxLikelihood{Weights: uniformWeights(0.7, "a", "b", "c", "d")},
	}
	for name, agg := range aggs {
		name, agg := name, agg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			res, err := agg.Aggregate([]task.Label{labelA, labelB, labelC}, votes)
			require.NoError(t, err)
			require.Len(t, res, len(votes))
			for id, d := range res {
				assert.InDelta(t, 1.0, d.Sum(), 1e-6, "item %s", id)
			}
		})
	}
}

func TestDawidSkene_Agreement(t *testing.T) {
	t.Parallel()

	res, err := NewDawidSkene(10).Aggregate(nil, map[string][]Vote{
		"i1": votesOf(labelA, labelA, labelA),
		"i2": votesOf(labelB, labelB, labelA),
		"i3": nil,
	})
	require.NoError(t, err)

	best, _, ok := MostProbableLabel(res["i1"])
	require.True(t, ok)
	assert.Equal(t, labelA, best)
	best, _, _ = MostProbableLabel(res["i2"])
	assert.Equal(t, labelB, best)
	assert.Nil(t, res["i3"])
}

func TestExternal_EnforcesContract(t *testing.T) {
	t.Parallel()

	t.Run("renormalises", func(t *testing.T) {
		t.Parallel()
		ext := External{Name: "stub", Fit: func(_ []task.Label, votes map[string][]Vote) (map[string]Distribution, error) {
			return map[string]Distribution{"i1": {labelA: 3, labelB: 1}}, nil
		}}
		res, err := ext.Aggregate(nil, map[string][]Vote{"i1": votesOf(labelA), "i2": nil})
		require.NoError(t, err)
		assert.InDelta(t, 0.75, res["i1"][labelA], 1e-12)
		assert.Nil(t, res["i2"])
	})

	t.Run("missing item", func(t *testing.T) {
		t.Parallel()
		ext := External{Name: "stub", Fit: func(_ []task.Label, _ map[string][]Vote) (map[string]Distribution, error) {
			return map[string]Distribution{}, nil
		}}
		_, err := ext.Aggregate(nil, map[string][]Vote{"i1": votesOf(labelA)})
		assert.ErrorContains(t, err, "no distribution for item i1")
	})

	t.Run("negative mass", func(t *testing.T) {
		t.Parallel()
		ext := External{Name: "stub", Fit: func(_ []task.Label, _ map[string][]Vote) (map[string]Distribution, error) {
			return map[string]Distribution{"i1": {labelA: -1}}, nil
		}}
		_, err := ext.Aggregate(nil, map[string][]Vote{"i1": votesOf(labelA)})
		assert.Error(t, err)
	})

	t.Run("no votes skips fit", func(t *testing.T) {
		t.Parallel()
		ext := External{Name: "stub", Fit: func(_ []task.Label, _ map[string][]Vote) (map[string]Distribution, error) {
			t.Fatal("fit called")
			return nil, nil
		}}
		res, err := ext.Aggregate(nil, map[string][]Vote{"i1": nil})
		require.NoError(t, err)
		assert.Nil(t, res["i1"])
	})
}

func TestAggregate_Groups(t *testing.T) {
	t.Parallel()

	colorRed := task.Label{Group: "color", Value: "red"}
	colorBlue := task.Label{Group: "color", Value: "blue"}
	sizeBig := task.Label{Group: "size", Value: "big"}
	sizeSmall := task.Label{Group: "size", Value: "small"}
	classes := []task.Label{colorRed, colorBlue, sizeBig, sizeSmall}

	agg := WeightedMaxLikelihood{Weights: uniformWeights(0.9, "a", "b", "c")}
	res, err := Aggregate(agg, classes, map[string][]Vote{
		"i1": votesOf(colorRed, colorRed, colorBlue),
		"i2": votesOf(sizeSmall),
	})
	require.NoError(t, err)

	// each group only sees its own two classes
	assert.Len(t, res["i1"], 2)
	assert.Contains(t, res["i1"], colorBlue)
	assert.Len(t, res["i2"], 2)
	assert.Contains(t, res["i2"], sizeBig)

	_, err = Aggregate(agg, classes, map[string][]Vote{"i1": votesOf(colorRed, sizeBig)})
	assert.ErrorIs(t, err, ErrMixedAnswerClasses)
}

func TestMostProbableLabel(t *testing.T) {
	t.Parallel()

	l, p, ok := MostProbableLabel(Distribution{labelB: 0.5, labelA: 0.5})
	require.True(t, ok)
	assert.Equal(t, labelA, l)
	assert.Equal(t, 0.5, p)

	l, p, _ = MostProbableLabel(Distribution{labelA: 0.2, labelC: 0.7, labelB: 0.1})
	assert.Equal(t, labelC, l)
	assert.Equal(t, 0.7, p)

	_, _, ok = MostProbableLabel(nil)
	assert.False(t, ok)
}

func TestMostProbableLabel_StableAcrossRuns(t *testing.T) {
	t.Parallel()

	d := Distribution{labelC: 1.0 / 3, labelB: 1.0 / 3, labelA: 1.0 / 3}
	for i := 0; i < 50; i++ {
		l, _, _ := MostProbableLabel(d)
		require.Equal(t, labelA, l)
	}
}

func TestWeightFromCounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		counts Counts
		k      float64
		want   float64
	}{
		{"one of three", Counts{Correct: 1, Total: 3}, 0.5, 0.375},
		{"no checks", Counts{}, 0.5, 0.5},
		{"perfect", Counts{Correct: 4, Total: 4}, 0.5, 0.9},
		{"unsmoothed", Counts{Correct: 3, Total: 4}, 0, 0.75},
		{"unsmoothed empty", Counts{}, 0, 0.5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, WeightFromCounts(tt.counts, tt.k), 1e-12)
		})
	}
}

func TestEstimateWeights(t *testing.T) {
	t.Parallel()

	var c Counts
	c.Add(1, 2)
	c.Add(0, 1)
	got := EstimateWeights(map[string]Counts{"w1": c, "w2": {Correct: 2, Total: 2}}, DefaultSmoothing)
	assert.InDelta(t, 0.375, got["w1"], 1e-12)
	assert.InDelta(t, 2.5/3, got["w2"], 1e-12)
}

func TestWeighted_WithWeights(t *testing.T) {
	var agg Aggregator = WeightedMaxLikelihood{}
	w, ok := agg.(Weighted)
	require.True(t, ok)
	_, isWeighted := Aggregator(MajorityVote{}).(Weighted)
	assert.False(t, isWeighted)

	votes := map[string][]Vote{"i": {{Label: task.Label{Value: "A"}, Worker: "w"}}}
	_, err := agg.Aggregate(nil, votes)
	var mw *MissingWeightError
	assert.ErrorAs(t, err, &mw)

	res, err := w.WithWeights(map[string]float64{"w": 0.9}).Aggregate([]task.Label{{Value: "A"}, {Value: "B"}}, votes)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res["i"][task.Label{Value: "A"}], 1e-9)
}
