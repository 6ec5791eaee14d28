package aggregate

// DefaultSmoothing is the Laplace constant k used for worker weights.
const DefaultSmoothing = 0.5

// Counts is a worker's check record.
type Counts struct {
	Correct int
	Total   int
}

// Add accumulates another record.
func (c *Counts) Add(correct, total int) {
	c.Correct += correct
	c.Total += total
}

// WeightFromCounts returns (correct + k) / (total + 2k). A worker with no
// checks gets 0.5.
func WeightFromCounts(c Counts, k float64) float64 {
	if k < 0 {
		k = DefaultSmoothing
	}
	den := float64(c.Total) + 2*k
	if den == 0 {
		return 0.5
	}
	return (float64(c.Correct) + k) / den
}

// EstimateWeights converts every worker's counts to a weight. The result is
// a pure function of counts.
func EstimateWeights(counts map[string]Counts, k float64) map[string]float64 {
	out := make(map[string]float64, len(counts))
	for w, c := range counts {
		out[w] = WeightFromCounts(c, k)
	}
	return out
}
