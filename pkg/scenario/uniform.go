package scenario

import "fmt"

// Uniform is a count x width matrix of Uniform(0,1) variates, kept so the
// same randomness can be thresholded at several failure probabilities.
type Uniform struct {
	Start  int
	Count  int
	Width  int
	Values []float64
}

// Threshold derives Bernoulli scenarios: commodity j of row r fails when
// its variate is below p, and then carries weights[j] as load.
func (u *Uniform) Threshold(p float64, weights []float64) (*Set, error) {
	if !(p >= 0 && p <= 1) {
		return nil, fmt.Errorf("%w: failure probability %v outside [0, 1]", ErrInvalidInput, p)
	}
	if err := validateWeights(weights); err != nil {
		return nil, err
	}
	if len(weights) != u.Width {
		return nil, fmt.Errorf("%w: %d weights for substrate width %d", ErrInvalidInput, len(weights), u.Width)
	}

	s := &Set{
		Start:    u.Start,
		Count:    u.Count,
		Width:    u.Width,
		Loads:    make([]float64, len(u.Values)),
		Failures: make([]int, u.Count),
	}
	for r := 0; r < u.Count; r++ {
		base := r * u.Width
		for j, w := range weights {
			if u.Values[base+j] < p {
				s.Loads[base+j] = w
				s.Failures[r]++
			}
		}
	}
	return s, nil
}
