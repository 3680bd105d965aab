// Package scoring holds the deterministic score arithmetic the constraint
// engine gates: the simplicity lookup table and the weighted total.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/david/opportunity-validator/internal/models"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrConfiguration    = errors.New("configuration error")
	ErrMissingDimension = errors.New("missing dimension score")
)

// WeightTolerance is how far the weights may drift from summing to 1.0.
const WeightTolerance = 0.001

// Weights assigns each dimension its share of the total score.
type Weights map[models.Dimension]float64

// DefaultWeights returns the production weighting.
func DefaultWeights() Weights {
	return Weights{
		models.DimensionMarketDemand:          0.20,
		models.DimensionPainIntensity:         0.25,
		models.DimensionMonetizationPotential: 0.20,
		models.DimensionMarketGap:             0.10,
		models.DimensionTechnicalFeasibility:  0.05,
		models.DimensionSimplicity:            0.20,
	}
}

// Validate checks that only known dimensions are weighted and that the
// weights sum to 1.0 within WeightTolerance.
func (w Weights) Validate() error {
	known := make(map[models.Dimension]bool, len(models.Dimensions))
	for _, d := range models.Dimensions {
		known[d] = true
	}

	sum := 0.0
	for _, d := range models.Dimensions {
		v := w[d]
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: weight for %s must be non-negative (got %v)", ErrConfiguration, d, v)
		}
		sum += v
	}
	for d := range w {
		if !known[d] {
			return fmt.Errorf("%w: unknown dimension %q in weights", ErrConfiguration, d)
		}
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("%w: weights sum to %.4f, expected 1.0 (tolerance %.3f)", ErrConfiguration, sum, WeightTolerance)
	}
	return nil
}

// simplicityTable maps a core function count to its simplicity score.
// Every count not listed scores 0.
var simplicityTable = map[int]float64{
	1: 100.0,
	2: 85.0,
	3: 70.0,
}

// SimplicityScore looks up the simplicity sub-score for a function count.
func SimplicityScore(functionCount int) (float64, error) {
	if functionCount < 0 {
		return 0, fmt.Errorf("%w: function count must be non-negative (got %d)", ErrInvalidArgument, functionCount)
	}
	return simplicityTable[functionCount], nil
}

// FunctionCountFromFloat converts a deserialized numeric count into an int,
// rejecting negative and non-integral values.
func FunctionCountFromFloat(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: function count must be integral (got %v)", ErrInvalidArgument, v)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: function count must be non-negative (got %v)", ErrInvalidArgument, v)
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: function count out of range (got %v)", ErrInvalidArgument, v)
	}
	return int(v), nil
}

// TotalScore computes the weighted sum over the six dimensions, rounded to two
// decimals. The sum runs in the fixed models.Dimensions order so repeated runs
// produce identical floats.
func TotalScore(scores models.DimensionScores, weights Weights) (float64, error) {
	if weights == nil {
		weights = DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		return 0, err
	}

	total := 0.0
	for _, d := range models.Dimensions {
		v, ok := scores[d]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingDimension, d)
		}
		if math.IsNaN(v) || v < 0 || v > 100 {
			return 0, fmt.Errorf("%w: %s score must be within [0,100] (got %v)", ErrInvalidArgument, d, v)
		}
		total += v * weights[d]
	}

	return Round2(total), nil
}

// Round2 rounds to two decimal places for storage stability.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
