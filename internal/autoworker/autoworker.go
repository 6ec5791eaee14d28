// Package autoworker runs automated (non-human) workers in process. Their
// answers are memoized by item ID in a cache that is never persisted: after
// a restart the answers are recomputed, which is only sound for
// deterministic workers.
package autoworker

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/crowdloop/internal/aggregate"
	"github.com/banshee-data/crowdloop/internal/task"
)

// Cache memoizes answers by item ID. Answers live in an append-only arena
// indexed by a map.
type Cache struct {
	mu    sync.Mutex
	arena []task.Answer
	index map[string]int
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{index: make(map[string]int)}
}

// Get returns the memoized answer for itemID.
func (c *Cache) Get(itemID string) (task.Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[itemID]
	if !ok {
		return task.Answer{}, false
	}
	return c.arena[i], true
}

// Put stores a for itemID, replacing any earlier answer.
func (c *Cache) Put(itemID string, a task.Answer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[itemID]; ok {
		c.arena[i] = a
		return
	}
	c.index[itemID] = len(c.arena)
	c.arena = append(c.arena, a)
}

// Len is the number of memoized answers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arena)
}

// SolveFunc computes an answer for an item. It must be deterministic.
type SolveFunc func(ctx context.Context, item task.Item) (task.Answer, error)

// Worker is one automated worker.
type Worker struct {
	ID string
	// Weight is the reliability used by weighted aggregation, since an
	// automated worker never answers control items.
	Weight float64
	Solve  SolveFunc

	cache *Cache
}

// New creates a worker with its own cache.
func New(id string, weight float64, solve SolveFunc) *Worker {
	return &Worker{ID: id, Weight: weight, Solve: solve, cache: NewCache()}
}

// Answer returns the worker's answer for item, computing it at most once
// per process.
func (w *Worker) Answer(ctx context.Context, item task.Item) (task.Answer, error) {
	id := item.ID()
	if a, ok := w.cache.Get(id); ok {
		return a, nil
	}
	a, err := w.Solve(ctx, item)
	if err != nil {
		return task.Answer{}, fmt.Errorf("automated worker %s on item %s: %w", w.ID, id, err)
	}
	a.Worker = w.ID
	w.cache.Put(id, a)
	return a, nil
}

// Cached is the number of answers memoized so far.
func (w *Worker) Cached() int { return w.cache.Len() }

// Votes asks every worker about every item and returns the labels they
// produce, keyed by item ID. Answers without a label are skipped.
func Votes(ctx context.Context, workers []*Worker, items []task.Item, spec task.LabelSpec) (map[string][]aggregate.Vote, error) {
	out := make(map[string][]aggregate.Vote)
	for _, it := range items {
		for _, w := range workers {
			a, err := w.Answer(ctx, it)
			if err != nil {
				return nil, err
			}
			if l, ok := spec.Extract(it, a); ok {
				out[it.ID()] = append(out[it.ID()], aggregate.Vote{Label: l, Worker: w.ID})
			}
		}
	}
	return out, nil
}

// Weights returns the configured weight of every worker.
func Weights(workers []*Worker) map[string]float64 {
	out := make(map[string]float64, len(workers))
	for _, w := range workers {
		out[w.ID] = w.Weight
	}
	return out
}
