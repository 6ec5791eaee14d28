package task

import (
	"fmt"
	"math"
)

// SolutionEvaluation is the outcome of checking one answer to a markup item.
// It is recomputed from the current verification answers, never mutated.
type SolutionEvaluation struct {
	ID         string   `json:"id"` // SolutionID of (item, answer)
	ItemID     string   `json:"item_id"`
	OK         bool     `json:"ok"`
	Confidence float64  `json:"confidence"`
	Answers    []Answer `json:"answers"`
}

// Verdict classifies a candidate answer after (possibly partial) checking.
// The numeric order is the preference order.
type Verdict int

const (
	VerdictBad Verdict = iota
	VerdictUnknown
	VerdictOK
)

func (v Verdict) String() string {
	switch v {
	case VerdictBad:
		return "BAD"
	case VerdictOK:
		return "OK"
	default:
		return "UNKNOWN"
	}
}

// MarshalText writes the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "BAD":
		*v = VerdictBad
	case "UNKNOWN":
		*v = VerdictUnknown
	case "OK":
		*v = VerdictOK
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// VerdictOf maps an optional evaluation to a verdict.
func VerdictOf(e *SolutionEvaluation) Verdict {
	switch {
	case e == nil:
		return VerdictUnknown
	case e.OK:
		return VerdictOK
	default:
		return VerdictBad
	}
}

// Solution is one candidate answer to a markup item.
type Solution struct {
	ItemID             string              `json:"item_id"`
	Answer             Answer              `json:"answer"`
	SubmissionID       string              `json:"submission_id"`
	Verdict            Verdict             `json:"verdict"`
	Evaluation         *SolutionEvaluation `json:"evaluation,omitempty"`
	SubmissionAccuracy float64             `json:"submission_accuracy"`
	SubmissionRecall   float64             `json:"submission_recall"` // share of the submission that was checked
}

// F1 is the harmonic mean of accuracy and recall, 0 when both are 0.
func F1(accuracy, recall float64) float64 {
	if accuracy+recall == 0 || math.IsNaN(accuracy) || math.IsNaN(recall) {
		return 0
	}
	return 2 * accuracy * recall / (accuracy + recall)
}
