// Package importance reweights scenarios drawn at a proposal failure
// probability so that averages estimate quantities under a target
// probability. All products are formed in the log domain.
package importance

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
)

var (
	// ErrInvalidInput is returned for probabilities outside [0,1] or
	// failure counts outside [0, numLinks].
	ErrInvalidInput = errors.New("invalid importance sampling input")

	// ErrImpossibleScenario is returned for a scenario that has zero
	// probability under the proposal and therefore cannot have been drawn.
	ErrImpossibleScenario = errors.New("scenario impossible under proposal")

	// ErrWeightOverflow is returned when a weight exceeds the float64 range.
	ErrWeightOverflow = errors.New("importance weight overflow")

	// ErrInvalidWeights is returned for weight vectors that are the wrong
	// length, negative, or not finite.
	ErrInvalidWeights = errors.New("invalid importance weights")
)

// maxLogWeight is ln(math.MaxFloat64).
var maxLogWeight = math.Log(math.MaxFloat64)

// term returns k*(ln a - ln b) with 0*ln0 taken as 0. It returns -Inf when
// a is zero and k > 0 (the scenario is impossible under the target), and
// ErrImpossibleScenario when b is zero and k > 0.
func term(k int, lnA, lnB float64) (float64, error) {
	if k == 0 {
		return 0, nil
	}
	if math.IsInf(lnB, -1) {
		return 0, ErrImpossibleScenario
	}
	if math.IsInf(lnA, -1) {
		return math.Inf(-1), nil
	}
	return float64(k) * (lnA - lnB), nil
}

// LogWeight returns the log likelihood ratio of a scenario with m of
// numLinks links failed under target versus proposal:
//
//	m(ln t - ln q) + (n-m)(ln(1-t) - ln(1-q))
//
// It is exactly 0 when target == proposal.
func LogWeight(m, numLinks int, target, proposal float64) (float64, error) {
	if numLinks < 0 || m < 0 || m > numLinks {
		return 0, fmt.Errorf("%w: %d failures of %d links", ErrInvalidInput, m, numLinks)
	}
	if !(target >= 0 && target <= 1) || !(proposal >= 0 && proposal <= 1) {
		return 0, fmt.Errorf("%w: target %v proposal %v", ErrInvalidInput, target, proposal)
	}
	if m > 0 && proposal == 0 || numLinks-m > 0 && proposal == 1 {
		return 0, fmt.Errorf("%w: %d of %d failed with proposal %v", ErrImpossibleScenario, m, numLinks, proposal)
	}
	if target == proposal {
		return 0, nil
	}

	up, err := term(m, math.Log(target), math.Log(proposal))
	if err != nil {
		return 0, fmt.Errorf("%w: %d failures with proposal %v", err, m, proposal)
	}
	down, err := term(numLinks-m, math.Log1p(-target), math.Log1p(-proposal))
	if err != nil {
		return 0, fmt.Errorf("%w: %d surviving links with proposal %v", err, numLinks-m, proposal)
	}
	return up + down, nil
}

// Weight exponentiates LogWeight once.
func Weight(m, numLinks int, target, proposal float64) (float64, error) {
	lw, err := LogWeight(m, numLinks, target, proposal)
	if err != nil {
		return 0, err
	}
	if lw > maxLogWeight {
		return 0, fmt.Errorf("%w: log weight %.2f", ErrWeightOverflow, lw)
	}
	return math.Exp(lw), nil
}

// Reweighter computes per-scenario weights for a set drawn at Proposal.
type Reweighter struct {
	Target   float64
	Proposal float64
	// NumLinks is the number of Bernoulli draws per scenario; zero means
	// the set width.
	NumLinks int
	Metrics  *metrics.Registry
}

func (rw Reweighter) numLinks(s *scenario.Set) int {
	if rw.NumLinks > 0 {
		return rw.NumLinks
	}
	return s.Width
}

// LogWeights returns the log weight of every row of s.
func (rw Reweighter) LogWeights(s *scenario.Set) ([]float64, error) {
	n := rw.numLinks(s)
	out := make([]float64, s.Count)
	for r := 0; r < s.Count; r++ {
		lw, err := LogWeight(s.Failures[r], n, rw.Target, rw.Proposal)
		if err != nil {
			if errors.Is(err, ErrImpossibleScenario) {
				rw.Metrics.RecordWeightError("impossible")
			}
			return nil, fmt.Errorf("scenario %d: %w", s.Index(r), err)
		}
		out[r] = lw
	}
	rw.Metrics.RecordEffectiveSampleSize(EffectiveSampleSize(out))
	return out, nil
}

// Weights returns the weight of every row of s.
func (rw Reweighter) Weights(s *scenario.Set) ([]float64, error) {
	logw, err := rw.LogWeights(s)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(logw))
	for i, lw := range logw {
		if lw > maxLogWeight {
			rw.Metrics.RecordWeightError("overflow")
			return nil, fmt.Errorf("scenario %d: %w: log weight %.2f", s.Index(i), ErrWeightOverflow, lw)
		}
		out[i] = math.Exp(lw)
	}
	return out, nil
}

// Normalize rescales log weights by their maximum, returning weights in
// [0,1] and the log scale that was removed. All -Inf input yields zeros
// and a -Inf scale.
func Normalize(logw []float64) ([]float64, float64) {
	out := make([]float64, len(logw))
	if len(logw) == 0 {
		return out, math.Inf(-1)
	}
	scale := floats.Max(logw)
	if math.IsInf(scale, -1) {
		return out, scale
	}
	for i, lw := range logw {
		out[i] = math.Exp(lw - scale)
	}
	return out, scale
}

// EffectiveSampleSize returns (sum w)^2 / sum w^2 computed from log weights.
func EffectiveSampleSize(logw []float64) float64 {
	if len(logw) == 0 {
		return 0
	}
	if math.IsInf(floats.Max(logw), -1) {
		return 0
	}
	doubled := make([]float64, len(logw))
	floats.ScaleTo(doubled, 2, logw)
	return math.Exp(2*floats.LogSumExp(logw) - floats.LogSumExp(doubled))
}

// Validate checks an optional weight vector against n scenarios. A nil
// vector is valid and means every weight is 1.
func Validate(weights []float64, n int) error {
	if weights == nil {
		return nil
	}
	if len(weights) != n {
		return fmt.Errorf("%w: %d weights for %d scenarios", ErrInvalidWeights, len(weights), n)
	}
	for i, w := range weights {
		if !(w >= 0) || math.IsInf(w, 1) {
			return fmt.Errorf("%w: weight %v at scenario %d", ErrInvalidWeights, w, i)
		}
	}
	return nil
}

// At returns weights[i], or 1 when weights is nil.
func At(weights []float64, i int) float64 {
	if weights == nil {
		return 1
	}
	return weights[i]
}
