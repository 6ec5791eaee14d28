package autoworker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdloop/internal/aggregate"
	"github.com/banshee-data/crowdloop/internal/task"
)

func lengthClassifier(calls *int) SolveFunc {
	return func(_ context.Context, it task.Item) (task.Answer, error) {
		*calls++
		v, _ := it.Get("text")
		label := "short"
		if len(v.Str) > 5 {
			label = "long"
		}
		return task.Answer{Fields: []task.Field{task.F("label", task.LabelValue(label))}}, nil
	}
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()
	c := NewCache()
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", task.CheckAnswer(true, "x"))
	c.Put("b", task.CheckAnswer(false, "x"))
	c.Put("a", task.CheckAnswer(false, "y"))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "y", got.Worker)
	assert.Equal(t, 2, c.Len())
}

func TestCache_Concurrent(t *testing.T) {
	t.Parallel()
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := strings.Repeat("x", i%4+1)
			c.Put(id, task.CheckAnswer(true, id))
			c.Get(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, c.Len())
}

func TestWorker_Memoizes(t *testing.T) {
	t.Parallel()
	calls := 0
	w := New("bot", 0.9, lengthClassifier(&calls))
	it := task.NewItem(task.F("text", task.String("hello world")))

	a1, err := w.Answer(context.Background(), it)
	require.NoError(t, err)
	a2, err := w.Answer(context.Background(), it)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, a1, a2)
	assert.Equal(t, "bot", a1.Worker)
	assert.Equal(t, 1, w.Cached())
}

func TestWorker_ErrorNotCached(t *testing.T) {
	t.Parallel()
	boom := errors.New("model unavailable")
	w := New("bot", 0.9, func(context.Context, task.Item) (task.Answer, error) {
		return task.Answer{}, boom
	})
	_, err := w.Answer(context.Background(), task.NewItem(task.F("text", task.String("x"))))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, w.Cached())
}

func TestVotes(t *testing.T) {
	t.Parallel()
	calls := 0
	w := New("bot", 0.7, lengthClassifier(&calls))
	short := task.NewItem(task.F("text", task.String("hi")))
	long := task.NewItem(task.F("text", task.String("a long sentence")))

	votes, err := Votes(context.Background(), []*Worker{w}, []task.Item{short, long}, task.LabelSpec{Field: "label"})
	require.NoError(t, err)
	assert.Equal(t, []aggregate.Vote{{Label: task.Label{Value: "short"}, Worker: "bot"}}, votes[short.ID()])
	assert.Equal(t, []aggregate.Vote{{Label: task.Label{Value: "long"}, Worker: "bot"}}, votes[long.ID()])

	missing, err := Votes(context.Background(), []*Worker{w}, []task.Item{short}, task.LabelSpec{Field: "other"})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, 2, calls)

	assert.Equal(t, map[string]float64{"bot": 0.7}, Weights([]*Worker{w}))
}
