package task

import "fmt"

// Threshold is a confidence requirement, either a single scalar or a
// per-label table falling back to Default.
type Threshold struct {
	Default  float64            `json:"default"`
	PerLabel map[string]float64 `json:"per_label,omitempty"`
}

// For returns the threshold that applies to l.
func (t Threshold) For(l Label) float64 {
	if v, ok := t.PerLabel[l.Key()]; ok {
		return v
	}
	return t.Default
}

// Overlap is the replication requirement of an item: Static(n) or
// Dynamic(min, max, confidence).
type Overlap struct {
	Min        int       `json:"min"`
	Max        int       `json:"max"`
	Dynamic    bool      `json:"dynamic"`
	Confidence Threshold `json:"confidence"`
}

// StaticOverlap requires exactly n accepted answers.
func StaticOverlap(n int) Overlap {
	return Overlap{Min: n, Max: n}
}

// DynamicOverlap requires at least min answers and keeps asking, one at a
// time, until the best label is confident enough or max is reached.
func DynamicOverlap(min, max int, confidence Threshold) Overlap {
	return Overlap{Min: min, Max: max, Dynamic: true, Confidence: confidence}
}

// Validate checks min <= max and sane thresholds.
func (o Overlap) Validate() error {
	if o.Min < 1 {
		return fmt.Errorf("overlap min must be at least 1, got %d", o.Min)
	}
	if o.Min > o.Max {
		return fmt.Errorf("overlap min %d exceeds max %d", o.Min, o.Max)
	}
	if o.Dynamic {
		if o.Confidence.Default < 0 || o.Confidence.Default > 1 {
			return fmt.Errorf("overlap confidence must be in [0,1], got %f", o.Confidence.Default)
		}
		for k, v := range o.Confidence.PerLabel {
			if v < 0 || v > 1 {
				return fmt.Errorf("overlap confidence for %q must be in [0,1], got %f", k, v)
			}
		}
	}
	return nil
}
