package odin

// Confidences is a per-example matrix of class probabilities: one row per
// example in dataset iteration order, each row non-negative and summing to 1.
type Confidences [][]float64

// NumRows returns the number of scored examples.
func (c Confidences) NumRows() int { return len(c) }

// NumClasses returns the number of classes, or 0 for an empty matrix.
func (c Confidences) NumClasses() int {
	if len(c) == 0 {
		return 0
	}
	return len(c[0])
}

// MaxPerRow returns the highest class probability of each row -- the
// confidence score used for OOD discrimination.
func (c Confidences) MaxPerRow() []float64 {
	maxes := make([]float64, len(c))
	for i, row := range c {
		best := row[0]
		for _, p := range row[1:] {
			if p > best {
				best = p
			}
		}
		maxes[i] = best
	}
	return maxes
}

// ArgMaxPerRow returns the most likely class of each row.
func (c Confidences) ArgMaxPerRow() []int {
	choices := make([]int, len(c))
	for i, row := range c {
		best := 0
		for j, p := range row {
			if p > row[best] {
				best = j
			}
		}
		choices[i] = best
	}
	return choices
}
