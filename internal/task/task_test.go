package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catItem(url string) Item {
	return NewItem(F("image", Media(url)), F("question", String("is it a cat?")))
}

func TestItemID_Deterministic(t *testing.T) {
	t.Parallel()

	a := catItem("https://img/1.jpg")
	b := catItem("https://img/1.jpg")
	c := catItem("https://img/2.jpg")

	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
	// known value pins the encoding across releases
	assert.Equal(t, a.ID(), NewItem(F("image", Media("https://img/1.jpg")), F("question", String("is it a cat?"))).ID())
}

func TestItemID_KindAndOrderMatter(t *testing.T) {
	t.Parallel()

	asString := NewItem(F("x", String("1")))
	asNumber := NewItem(F("x", Number(1)))
	assert.NotEqual(t, asString.ID(), asNumber.ID())

	ab := NewItem(F("a", String("1")), F("b", String("2")))
	ba := NewItem(F("b", String("2")), F("a", String("1")))
	assert.NotEqual(t, ab.ID(), ba.ID())
}

func TestSolutionID_IgnoresWorker(t *testing.T) {
	t.Parallel()

	it := catItem("https://img/1.jpg")
	a1 := Answer{Fields: []Field{F("label", LabelValue("cat"))}, Worker: "w1"}
	a2 := Answer{Fields: []Field{F("label", LabelValue("cat"))}, Worker: "w2"}
	a3 := Answer{Fields: []Field{F("label", LabelValue("dog"))}, Worker: "w1"}

	assert.Equal(t, SolutionID(it, a1), SolutionID(it, a2))
	assert.NotEqual(t, SolutionID(it, a1), SolutionID(it, a3))
	assert.Equal(t, CheckItem(it, a1).ID(), SolutionID(it, a1))
}

func TestValue_JSON(t *testing.T) {
	t.Parallel()

	in := NewItem(F("s", String("x")), F("n", Number(2.5)), F("b", Bool(true)), F("l", LabelValue("cat")), F("m", Media("u")))
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Item
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ID(), out.ID())

	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"blob","value":"x"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"number","value":"x"}`), &v))
}

func TestValidateItems(t *testing.T) {
	t.Parallel()

	schema := Schema{Fields: []FieldSpec{{Name: "image", Kind: KindMedia}, {Name: "question", Kind: KindString}}}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		ids, err := ValidateItems(schema, []Item{catItem("1"), catItem("2")})
		require.NoError(t, err)
		assert.Equal(t, []string{catItem("1").ID(), catItem("2").ID()}, ids)
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateItems(schema, []Item{catItem("1"), catItem("2"), catItem("1")})
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, 2, verr.Index)
		assert.Contains(t, err.Error(), "duplicate of item #0")
	})

	t.Run("unconstrained schema still rejects duplicates", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateItems(Schema{}, []Item{catItem("1"), NewItem(F("x", Number(1)))})
		require.NoError(t, err)
		_, err = ValidateItems(Schema{}, []Item{catItem("1"), catItem("1")})
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	t.Run("arity", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateItems(schema, []Item{NewItem(F("image", Media("1")))})
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Contains(t, verr.Reason, "expected 2 fields")
	})

	t.Run("kind", func(t *testing.T) {
		t.Parallel()
		_, err := ValidateItems(schema, []Item{NewItem(F("image", String("1")), F("question", String("q")))})
		assert.ErrorContains(t, err, "expected kind media")
	})
}

func TestLabelSpec_Extract(t *testing.T) {
	t.Parallel()

	it := NewItem(F("text", String("hello")), F("question", String("toxic")))
	ans := Answer{Fields: []Field{F("answer", Bool(true))}}

	l, ok := LabelSpec{Field: "answer"}.Extract(it, ans)
	require.True(t, ok)
	assert.Equal(t, Label{Value: "true"}, l)

	l, ok = LabelSpec{Field: "answer", GroupField: "question"}.Extract(it, ans)
	require.True(t, ok)
	assert.Equal(t, "toxic/true", l.Key())

	_, ok = LabelSpec{Field: "missing"}.Extract(it, ans)
	assert.False(t, ok)
}

func TestStatus_CanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusSubmitted.CanTransition(StatusAccepted))
	assert.True(t, StatusSubmitted.CanTransition(StatusRejected))
	assert.False(t, StatusAccepted.CanTransition(StatusRejected))
	assert.False(t, StatusRejected.CanTransition(StatusAccepted))
	assert.False(t, StatusSubmitted.CanTransition(StatusSubmitted))
}

func TestSubmission_Duration(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := Submission{CreatedAt: start, SubmittedAt: start.Add(90 * time.Second)}
	assert.Equal(t, 90*time.Second, s.Duration())

	s.SubmittedAt = start.Add(-time.Second)
	assert.Zero(t, s.Duration())
}

func TestOverlap_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, StaticOverlap(3).Validate())
	assert.NoError(t, DynamicOverlap(1, 5, Threshold{Default: 0.8}).Validate())
	assert.ErrorContains(t, DynamicOverlap(4, 2, Threshold{Default: 0.8}).Validate(), "exceeds max")
	assert.Error(t, StaticOverlap(0).Validate())
	assert.Error(t, DynamicOverlap(1, 2, Threshold{Default: 1.5}).Validate())
}

func TestThreshold_For(t *testing.T) {
	t.Parallel()

	th := Threshold{Default: 0.7, PerLabel: map[string]float64{"cat": 0.9}}
	assert.Equal(t, 0.9, th.For(Label{Value: "cat"}))
	assert.Equal(t, 0.7, th.For(Label{Value: "dog"}))
}

func TestF1AndVerdict(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.6666, F1(1, 0.5), 1e-3)
	assert.Zero(t, F1(0, 0))
	assert.Equal(t, VerdictUnknown, VerdictOf(nil))
	assert.Equal(t, VerdictOK, VerdictOf(&SolutionEvaluation{OK: true}))
	assert.Equal(t, "BAD", VerdictOf(&SolutionEvaluation{}).String())
	assert.True(t, VerdictOK > VerdictUnknown && VerdictUnknown > VerdictBad)
}

func TestVerdict_JSON(t *testing.T) {
	t.Parallel()

	sol := Solution{ItemID: "i1", SubmissionID: "s1", Verdict: VerdictOK}
	data, err := json.Marshal(sol)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"verdict":"OK"`)

	var back Solution
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, VerdictOK, back.Verdict)

	for _, v := range []Verdict{VerdictBad, VerdictUnknown} {
		b, err := v.MarshalText()
		require.NoError(t, err)
		var got Verdict
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, v, got)
	}
	var bad Verdict
	assert.Error(t, bad.UnmarshalText([]byte("MAYBE")))
}
