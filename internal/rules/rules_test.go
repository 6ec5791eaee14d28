package rules

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// recordingService logs every side effect in call order and honours
// idempotency keys the way the remote service does.
type recordingService struct {
	service.Service

	mu       sync.Mutex
	calls    []string
	keys     map[string]bool
	statuses map[string]task.Status
	comments map[string]string
	opState  service.OperationState
}

func newRecordingService() *recordingService {
	return &recordingService{
		keys:     make(map[string]bool),
		statuses: make(map[string]task.Status),
		comments: make(map[string]string),
		opState:  service.OperationSuccess,
	}
}

func (r *recordingService) RestrictWorker(_ context.Context, rs service.Restriction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[rs.Key] {
		return nil
	}
	r.keys[rs.Key] = true
	r.calls = append(r.calls, fmt.Sprintf("block %s %s", rs.Worker, rs.Scope))
	return nil
}

func (r *recordingService) GrantBonus(_ context.Context, b service.Bonus) (service.OperationHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.keys[b.Key] {
		r.keys[b.Key] = true
		r.calls = append(r.calls, fmt.Sprintf("bonus %s %.2f", b.Worker, b.Amount))
	}
	return service.OperationHandle("op-" + b.Key), nil
}

func (r *recordingService) OperationStatus(_ context.Context, h service.OperationHandle) (service.Operation, error) {
	return service.Operation{Handle: h, State: r.opState, Diagnostic: "payment declined"}, nil
}

func (r *recordingService) SetSubmissionStatus(_ context.Context, id string, st task.Status, comment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.statuses[id]; ok && cur != task.StatusSubmitted {
		return service.ErrStatusConflict
	}
	r.statuses[id] = st
	r.comments[id] = comment
	r.calls = append(r.calls, fmt.Sprintf("status %s %s", id, st))
	return nil
}

func acc(op Op, v float64) Threshold { return Threshold{Metric: MetricAccuracy, Op: op, Value: v} }
func dur(op Op, v float64) Threshold { return Threshold{Metric: MetricDuration, Op: op, Value: v} }

func testEngine() Engine {
	return Engine{Rules: []Rule{
		{When: acc(OpLT, 0.3), Action: BlockWorker{Scope: service.ScopeProject, Duration: 24 * time.Hour}},
		{When: acc(OpLT, 0.5), Action: SetStatus{Status: task.StatusRejected, Comment: "Too many mistakes"}},
		{When: acc(OpLT, 0.8), Action: SetStatus{Status: task.StatusRejected, Comment: "unreachable for < 0.5"}},
		{When: acc(OpLT, 0.2), Action: BlockWorker{Scope: service.ScopeAll}},
		{When: acc(OpGE, 0.5), Action: SetStatus{Status: task.StatusAccepted}},
	}}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	v := Values{MetricAccuracy: 0.4, MetricDuration: 30}
	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"lt", acc(OpLT, 0.5), true},
		{"le equal", acc(OpLE, 0.4), true},
		{"gt", acc(OpGT, 0.4), false},
		{"ge", dur(OpGE, 30), true},
		{"eq", dur(OpEQ, 30), true},
		{"ne", dur(OpNE, 30), false},
		{"all", All{acc(OpLT, 0.5), dur(OpLT, 60)}, true},
		{"all fails", All{acc(OpLT, 0.5), dur(OpGT, 60)}, false},
		{"any", Any{acc(OpGT, 0.9), dur(OpLT, 60)}, true},
		{"not", Not{P: acc(OpLT, 0.5)}, false},
		{"missing metric", Threshold{Metric: "speed", Op: OpGT, Value: 0}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.p.Match(v))
		})
	}

	assert.Equal(t, []Metric{MetricAccuracy, MetricDuration}, All{dur(OpLT, 1), acc(OpLT, 1), dur(OpGT, 0)}.Metrics())
	assert.Equal(t, "(accuracy < 0.5 or not duration > 10)", Any{acc(OpLT, 0.5), Not{P: dur(OpGT, 10)}}.String())
}

func TestPlan_FirstStatusWinsBlocksIndependent(t *testing.T) {
	t.Parallel()

	// below the reject threshold and below both block thresholds
	p := testEngine().Plan(Values{MetricAccuracy: 0.1})
	require.NotNil(t, p.Status)
	assert.Equal(t, 1, p.Status.Rule)
	assert.Equal(t, task.StatusRejected, p.Status.Action.Status)
	assert.Equal(t, []int{0, 3}, []int{p.Blocks[0].Rule, p.Blocks[1].Rule})

	// below reject, above the stricter block
	p = testEngine().Plan(Values{MetricAccuracy: 0.25})
	assert.Len(t, p.Blocks, 1)
	assert.Equal(t, 1, p.Status.Rule)

	p = testEngine().Plan(Values{MetricAccuracy: 0.9})
	assert.Empty(t, p.Blocks)
	assert.Equal(t, task.StatusAccepted, p.Status.Action.Status)
}

func TestApply_Order(t *testing.T) {
	t.Parallel()

	svc := newRecordingService()
	eng := testEngine()
	eng.Rules = append(eng.Rules, Rule{When: acc(OpLT, 0.3), Action: GrantBonus{Amount: 0.1}})
	sub := task.Submission{ID: "s1", Worker: "w1", Status: task.StatusSubmitted}

	out, err := eng.Apply(context.Background(), svc, Input{Submission: sub, Values: Values{MetricAccuracy: 0.1}, Wrong: []int{0, 2}})
	require.NoError(t, err)

	want := []string{"block w1 project", "block w1 all", "bonus w1 0.10", "status s1 rejected"}
	if diff := cmp.Diff(want, svc.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Outcome{Blocks: 2, Bonuses: 1, Status: task.StatusRejected}, out)
	assert.Equal(t, "Too many mistakes. Wrong items: 1, 3", svc.comments["s1"])
}

func TestApply_ResumeAfterCrash(t *testing.T) {
	t.Parallel()

	svc := newRecordingService()
	eng := testEngine()
	sub := task.Submission{ID: "s1", Worker: "w1", Status: task.StatusSubmitted}
	in := Input{Submission: sub, Values: Values{MetricAccuracy: 0.25}}

	// first run crashed after the block landed
	require.NoError(t, svc.RestrictWorker(context.Background(), service.Restriction{Worker: "w1", Scope: service.ScopeProject, Key: "s1/block/0"}))

	_, err := eng.Apply(context.Background(), svc, in)
	require.NoError(t, err)
	_, err = eng.Apply(context.Background(), svc, in)
	require.NoError(t, err)

	assert.Equal(t, []string{"block w1 project", "status s1 rejected"}, svc.calls)
}

func TestApply_SkipsDecidedSubmission(t *testing.T) {
	t.Parallel()

	svc := newRecordingService()
	sub := task.Submission{ID: "s1", Worker: "w1", Status: task.StatusAccepted}
	out, err := testEngine().Apply(context.Background(), svc, Input{Submission: sub, Values: Values{MetricAccuracy: 0.1}})
	require.NoError(t, err)
	assert.Empty(t, out.Status)
	assert.Equal(t, 2, out.Blocks)
}

func TestApply_BonusFailure(t *testing.T) {
	t.Parallel()

	svc := newRecordingService()
	svc.opState = service.OperationFailed
	eng := Engine{
		Rules: []Rule{
			{When: acc(OpGE, 0.9), Action: GrantBonus{Amount: 1}},
			{When: acc(OpGE, 0.9), Action: SetStatus{Status: task.StatusAccepted}},
		},
		Await: service.AwaitOptions{Clock: timeutil.NewMockClock(time.Unix(0, 0))},
	}
	sub := task.Submission{ID: "s1", Worker: "w1", Status: task.StatusSubmitted}

	_, err := eng.Apply(context.Background(), svc, Input{Submission: sub, Values: Values{MetricAccuracy: 1}})
	var ofe *service.OperationFailedError
	require.ErrorAs(t, err, &ofe)
	assert.Equal(t, "payment declined", ofe.Diagnostic)
	assert.NotContains(t, svc.statuses, "s1")
}

func TestPriorFilter(t *testing.T) {
	t.Parallel()

	eng := Engine{Rules: []Rule{
		{When: acc(OpLT, 0.5), Action: SetStatus{Status: task.StatusRejected}},
		{When: dur(OpLT, 10), Action: BlockWorker{Scope: service.ScopeProject}},
		{When: dur(OpLT, 10), Action: SetStatus{Status: task.StatusRejected, Comment: "too fast"}},
		{When: All{dur(OpLT, 20), acc(OpLT, 1)}, Action: BlockWorker{Scope: service.ScopeAll}},
	}}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fast := task.Submission{ID: "fast", Worker: "w1", Status: task.StatusSubmitted, CreatedAt: start, SubmittedAt: start.Add(5 * time.Second)}
	slow := task.Submission{ID: "slow", Worker: "w2", Status: task.StatusSubmitted, CreatedAt: start, SubmittedAt: start.Add(time.Minute)}

	svc := newRecordingService()
	rest, err := NewPriorFilter(eng).Filter(context.Background(), svc, []task.Submission{fast, slow})
	require.NoError(t, err)

	require.Len(t, rest, 1)
	assert.Equal(t, "slow", rest[0].ID)
	assert.Equal(t, []string{"block w1 project", "status fast rejected"}, svc.calls)
	assert.True(t, svc.keys["fast/block/1"], "prior filter keeps declared rule indexes")
}

func TestFilterSelectors(t *testing.T) {
	t.Parallel()

	eng := Engine{Rules: []Rule{
		{When: acc(OpLT, 0.5), Action: SetStatus{Status: task.StatusRejected}},
		{When: dur(OpLT, 10), Action: SetStatus{Status: task.StatusRejected}},
		{When: All{dur(OpLT, 20), acc(OpLT, 1)}, Action: BlockWorker{}},
		{When: acc(OpGE, 0.9), Action: GrantBonus{Amount: 1}},
	}}

	main := eng.Filter(ReadsAccuracy)
	assert.Len(t, main.Rules, 3)
	p := main.Plan(Values{MetricAccuracy: 0.95, MetricDuration: 5})
	require.Len(t, p.Bonuses, 1)
	assert.Equal(t, 3, p.Bonuses[0].Rule)

	assert.Len(t, eng.Filter(DurationOnly).Rules, 1)
	assert.Len(t, eng.Filter(IsBonus).Rules, 1)
}

func TestRejectionComment(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", RejectionComment("", nil))
	assert.Equal(t, "Bad work", RejectionComment("Bad work", nil))
	assert.Equal(t, "wrong items: 2", RejectionComment("", []int{1}))
	assert.Equal(t, "Bad work. Wrong items: 1, 4", RejectionComment("Bad work.", []int{0, 3}))
}
