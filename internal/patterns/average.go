package patterns

// RunningAverage is an incrementally maintained mean. The zero value is an
// empty average.
type RunningAverage struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
}

// Add folds one sample in: mean' = (mean*count + sample) / (count+1).
func (a RunningAverage) Add(sample float64) RunningAverage {
	n := a.Count + 1
	return RunningAverage{
		Count: n,
		Mean:  (a.Mean*float64(a.Count) + sample) / float64(n),
	}
}

// Merge combines two averages as if all their samples had been added to one.
// It is associative and has the zero value as identity.
func (a RunningAverage) Merge(b RunningAverage) RunningAverage {
	n := a.Count + b.Count
	if n == 0 {
		return RunningAverage{}
	}
	return RunningAverage{
		Count: n,
		Mean:  (a.Mean*float64(a.Count) + b.Mean*float64(b.Count)) / float64(n),
	}
}
