package loop

import (
	"slices"
	"sort"

	"github.com/banshee-data/crowdloop/internal/task"
)

// RankSolutions returns the solutions best first: by verdict (OK, UNKNOWN,
// BAD), then evaluation confidence with absent confidence last, then
// F1(submission accuracy, submission recall). Submission ID breaks the
// remaining ties. The input is not modified.
func RankSolutions(sols []task.Solution) []task.Solution {
	out := slices.Clone(sols)
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

func better(a, b task.Solution) bool {
	if a.Verdict != b.Verdict {
		return a.Verdict > b.Verdict
	}
	switch {
	case a.Evaluation != nil && b.Evaluation == nil:
		return true
	case a.Evaluation == nil && b.Evaluation != nil:
		return false
	case a.Evaluation != nil && a.Evaluation.Confidence != b.Evaluation.Confidence:
		return a.Evaluation.Confidence > b.Evaluation.Confidence
	}
	fa := task.F1(a.SubmissionAccuracy, a.SubmissionRecall)
	fb := task.F1(b.SubmissionAccuracy, b.SubmissionRecall)
	if fa != fb {
		return fa > fb
	}
	return a.SubmissionID < b.SubmissionID
}
