// Package testutil provides shared fixtures for tests that drive campaigns
// end to end: a local sqlite service on a mock clock and simulated workers
// that take assignable work and submit it.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/service/sqliteservice"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/timeutil"
)

// Epoch is the start time of every mock clock handed out here.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// NewService opens a sqlite service in a temporary directory, closed when
// the test ends.
func NewService(t testing.TB, opts sqliteservice.Options) (*sqliteservice.Service, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(Epoch)
	if opts.Clock == nil {
		opts.Clock = clock
	}
	svc, err := sqliteservice.Open(filepath.Join(t.TempDir(), "service.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, clock
}

// TextItem is a one-field item {"text": s}.
func TextItem(s string) task.Item {
	return task.NewItem(task.F("text", task.String(s)))
}

// TextSchema is the schema of TextItem.
var TextSchema = task.Schema{Fields: []task.FieldSpec{{Name: "text", Kind: task.KindString}}}

// LabelAnswer is a one-field answer {"label": v}.
func LabelAnswer(v string) task.Answer {
	return task.Answer{Fields: []task.Field{task.F("label", task.LabelValue(v))}}
}

// Session is one simulated sitting of a worker.
type Session struct {
	Worker string
	// Took is how long the worker spent; the submission starts that long
	// before the service clock.
	Took time.Duration
	// Pick selects items from the assignable ones; nil takes them all.
	Pick func(service.ItemRecord) bool
	// Answer produces the worker's answer to an item.
	Answer func(service.ItemRecord) task.Answer
}

// Submit runs a session against batch and returns the stored submission.
// It fails the test when nothing is assignable.
func Submit(t testing.TB, svc *sqliteservice.Service, clock timeutil.Clock, batch string, s Session) task.Submission {
	t.Helper()
	ctx := context.Background()
	avail, err := svc.Assignable(ctx, batch, s.Worker)
	require.NoError(t, err)

	var answers []sqliteservice.WorkerAnswer
	for _, rec := range avail {
		if s.Pick != nil && !s.Pick(rec) {
			continue
		}
		answers = append(answers, sqliteservice.WorkerAnswer{ItemID: rec.ID, Answer: s.Answer(rec)})
	}
	require.NotEmpty(t, answers, "nothing assignable to %s in %s", s.Worker, batch)

	sub, err := svc.Submit(ctx, batch, s.Worker, clock.Now().Add(-s.Took), answers)
	require.NoError(t, err)
	return sub
}

// Truth answers from a table of correct labels keyed by the item's text
// field; control items get their known answer.
func Truth(labels map[string]string) func(service.ItemRecord) task.Answer {
	return func(rec service.ItemRecord) task.Answer {
		if rec.Known != nil {
			return *rec.Known
		}
		v, _ := rec.Item.Get("text")
		return LabelAnswer(labels[v.Str])
	}
}

// Controls answers control items with wrong for the first n of them (in
// assignable order) and correctly afterwards; other items are answered by
// rest.
func Controls(wrong int, rest func(service.ItemRecord) task.Answer) func(service.ItemRecord) task.Answer {
	seen := 0
	return func(rec service.ItemRecord) task.Answer {
		if rec.Known == nil {
			return rest(rec)
		}
		seen++
		if seen <= wrong {
			return LabelAnswer("__wrong__")
		}
		return *rec.Known
	}
}
