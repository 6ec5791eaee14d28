package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdloop/internal/config"
	"github.com/banshee-data/crowdloop/internal/evaluation"
	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/service/sqliteservice"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

const classificationConfig = `{
  "mode": "classification",
  "batch_id": "animals",
  "schema": [{"name": "text", "kind": "string"}],
  "overlap": 1,
  "can_have_zero_checks": true,
  "rules": [
    {"when": {"metric": "accuracy", "op": ">=", "value": 0}, "action": {"type": "status", "status": "accepted"}}
  ]
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func writeInput(t *testing.T, in inputFile) string {
	t.Helper()
	data, err := json.Marshal(in)
	require.NoError(t, err)
	return writeFile(t, "items.json", string(data))
}

type decodedOutput struct {
	Mode    string          `json:"mode"`
	Done    bool            `json:"done"`
	Results json.RawMessage `json:"results"`
}

func TestLoadInput(t *testing.T) {
	in := inputFile{
		Items: []task.Item{testutil.TextItem("a"), testutil.TextItem("b")},
		Controls: []task.ControlAnswer{
			{Item: testutil.TextItem("c"), Answer: testutil.LabelAnswer("cat")},
		},
	}
	got, err := loadInput(writeInput(t, in))
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, testutil.TextItem("a").ID(), got.Items[0].ID())
	require.Len(t, got.Controls, 1)
	v, ok := got.Controls[0].Answer.Get("label")
	require.True(t, ok)
	assert.Equal(t, "cat", v.Str)

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.json")},
		{"bad json", writeFile(t, "bad.json", "{")},
		{"no items", writeFile(t, "empty.json", `{"items": []}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadInput(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestOpenService(t *testing.T) {
	cfg := config.EmptyCampaignConfig()

	remote, release, err := openService(cfg, "http://localhost:1", "tok", "")
	require.NoError(t, err)
	release()
	_, ok := remote.(*service.Retrying)
	assert.True(t, ok, "remote service is retried")

	local, release, err := openService(cfg, "", "", filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer release()
	_, ok = local.(*sqliteservice.Service)
	assert.True(t, ok)
}

func TestRunCampaign_ClassificationOnce(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.LoadCampaignConfig(writeFile(t, "campaign.json", classificationConfig))
	require.NoError(t, err)
	svc, clock := testutil.NewService(t, sqliteservice.Options{})
	in := inputFile{Items: []task.Item{testutil.TextItem("cat photo"), testutil.TextItem("dog photo")}}

	var buf bytes.Buffer
	require.NoError(t, runCampaign(ctx, cfg, svc, in, runOptions{once: true, out: &buf}))

	var out decodedOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, config.ModeClassification, out.Mode)
	assert.False(t, out.Done, "nothing answered yet")

	var pending []struct {
		ItemID string      `json:"item_id"`
		Label  *task.Label `json:"label"`
	}
	require.NoError(t, json.Unmarshal(out.Results, &pending))
	require.Len(t, pending, 2)
	for _, r := range pending {
		assert.Nil(t, r.Label, r.ItemID)
	}

	testutil.Submit(t, svc, clock, "animals", testutil.Session{
		Worker: "w1",
		Answer: testutil.Truth(map[string]string{"cat photo": "cat", "dog photo": "dog"}),
	})

	buf.Reset()
	require.NoError(t, runCampaign(ctx, cfg, svc, in, runOptions{once: true, out: &buf}))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.True(t, out.Done)

	var resolved []struct {
		ItemID     string      `json:"item_id"`
		Label      *task.Label `json:"label"`
		Confidence float64     `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(out.Results, &resolved))
	labels := map[string]string{}
	for _, r := range resolved {
		require.NotNil(t, r.Label, r.ItemID)
		assert.InDelta(t, 1.0, r.Confidence, 1e-9)
		labels[r.ItemID] = r.Label.Value
	}
	assert.Equal(t, map[string]string{
		testutil.TextItem("cat photo").ID(): "cat",
		testutil.TextItem("dog photo").ID(): "dog",
	}, labels)

	subs, err := svc.ListSubmissions(ctx, "animals", task.StatusAccepted)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

const feedbackConfig = `{
  "mode": "feedback",
  "batch_id": "boxes",
  "schema": [{"name": "text", "kind": "string"}],
  "overlap": 1,
  "evaluation": "cross_check",
  "check_sample": {"max_items_to_check": 2},
  "rules": [
    {"when": {"metric": "accuracy", "op": "<", "value": 0.5}, "action": {"type": "status", "status": "rejected"}},
    {"when": {"metric": "accuracy", "op": ">=", "value": 0.5}, "action": {"type": "status", "status": "accepted"}}
  ],
  "check_rules": [
    {"when": {"metric": "accuracy", "op": ">=", "value": 0}, "action": {"type": "status", "status": "accepted"}}
  ]
}`

func TestRunCampaign_FeedbackOnce(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.LoadCampaignConfig(writeFile(t, "campaign.json", feedbackConfig))
	require.NoError(t, err)
	svc, clock := testutil.NewService(t, sqliteservice.Options{})
	in := inputFile{Items: []task.Item{testutil.TextItem("street"), testutil.TextItem("park")}}

	var buf bytes.Buffer
	require.NoError(t, runCampaign(ctx, cfg, svc, in, runOptions{once: true, out: &buf}))

	var out decodedOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, config.ModeFeedback, out.Mode)
	assert.False(t, out.Done)

	var results []struct {
		ItemID    string          `json:"item_id"`
		Finalized bool            `json:"finalized"`
		Solutions []task.Solution `json:"solutions"`
	}
	require.NoError(t, json.Unmarshal(out.Results, &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Finalized)
		assert.Empty(t, r.Solutions)
	}

	items, err := svc.ListItems(ctx, "boxes")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	state, err := svc.BatchState(ctx, "boxes")
	require.NoError(t, err)
	assert.Equal(t, service.BatchOpen, state)

	testutil.Submit(t, svc, clock, "boxes", testutil.Session{
		Worker: "w1",
		Answer: func(service.ItemRecord) task.Answer { return testutil.LabelAnswer("box") },
	})
	buf.Reset()
	require.NoError(t, runCampaign(ctx, cfg, svc, in, runOptions{once: true, out: &buf}))
	checks, err := svc.ListItems(ctx, "boxes-check")
	require.NoError(t, err)
	assert.Len(t, checks, 2)

	// The check batch has no control items, so check submissions are
	// scored without them.
	testutil.Submit(t, svc, clock, "boxes-check", testutil.Session{
		Worker: "c1",
		Answer: func(service.ItemRecord) task.Answer { return task.CheckAnswer(true, "") },
	})
	buf.Reset()
	require.NoError(t, runCampaign(ctx, cfg, svc, in, runOptions{once: true, out: &buf}))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.True(t, out.Done)
	assert.Contains(t, string(out.Results), `"verdict": "OK"`)

	require.NoError(t, json.Unmarshal(out.Results, &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Finalized)
		require.Len(t, r.Solutions, 1)
		assert.Equal(t, task.VerdictOK, r.Solutions[0].Verdict)
		assert.Equal(t, "w1", r.Solutions[0].Answer.Worker)
	}
}

func TestRunCampaign_ControlEvaluationNeedsControls(t *testing.T) {
	body := strings.Replace(feedbackConfig, `"overlap": 1,`, `"overlap": 1, "can_have_zero_checks": false,`, 1)
	cfg, err := config.LoadCampaignConfig(writeFile(t, "campaign.json", body))
	require.NoError(t, err)
	svc, _ := testutil.NewService(t, sqliteservice.Options{})
	in := inputFile{Items: []task.Item{testutil.TextItem("street")}}

	var buf bytes.Buffer
	err = runCampaign(context.Background(), cfg, svc, in, runOptions{once: true, out: &buf})
	require.ErrorIs(t, err, evaluation.ErrNoChecks)
	assert.Zero(t, buf.Len())

	_, err = svc.ListItems(context.Background(), "boxes")
	assert.ErrorIs(t, err, service.ErrBatchNotFound, "nothing published")

	in.Controls = []task.ControlAnswer{{
		Item:   task.CheckItem(testutil.TextItem("ctl"), testutil.LabelAnswer("box")),
		Answer: task.CheckAnswer(true, ""),
	}}
	require.NoError(t, runCampaign(context.Background(), cfg, svc, in, runOptions{once: true, out: &buf}))
}

func TestRunCampaign_InvalidItems(t *testing.T) {
	cfg, err := config.LoadCampaignConfig(writeFile(t, "campaign.json", classificationConfig))
	require.NoError(t, err)
	svc, _ := testutil.NewService(t, sqliteservice.Options{})
	in := inputFile{Items: []task.Item{task.NewItem(task.F("text", task.Number(3)))}}

	var buf bytes.Buffer
	err = runCampaign(context.Background(), cfg, svc, in, runOptions{once: true, out: &buf})
	require.Error(t, err)
	assert.Zero(t, buf.Len(), "no results on failure")

	_, err = svc.ListItems(context.Background(), "animals")
	assert.ErrorIs(t, err, service.ErrBatchNotFound)
}
