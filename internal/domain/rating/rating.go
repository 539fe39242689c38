// Package rating derives per-algorithm ratings from a PB's score data.
package rating

import (
	"fmt"
	"math"

	"github.com/okian/pbengine/internal/domain/model"
)

const (
	maxPercent       = 100
	defaultPrecision = 2
)

// Option applies a configuration option to the Calculator.
type Option func(*Calculator)

// WithWeights sets the algorithm weights. Non-positive weights are ignored.
func WithWeights(weights map[string]float64) Option {
	return func(c *Calculator) {
		c.weights = make(map[string]float64, len(weights))
		for name, w := range weights {
			if w > 0 && !math.IsInf(w, 0) {
				c.weights[name] = w
			}
		}
	}
}

// WithPrecision sets the number of decimals kept in each rating.
func WithPrecision(decimals int) Option {
	return func(c *Calculator) {
		if decimals >= 0 {
			c.precision = decimals
		}
	}
}

// Rater computes ratings from score data. Implementations must be pure.
type Rater interface {
	ComputeRatings(sd model.ScoreData) (map[string]float64, error)
}

// Calculator rates a score as percent times a per-algorithm weight.
type Calculator struct {
	weights   map[string]float64
	precision int
}

// New creates a calculator with configuration options.
func New(opts ...Option) *Calculator {
	c := &Calculator{
		weights:   make(map[string]float64),
		precision: defaultPrecision,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComputeRatings returns one rating per configured algorithm.
func (c *Calculator) ComputeRatings(sd model.ScoreData) (map[string]float64, error) {
	if err := Validate(sd); err != nil {
		return nil, err
	}
	scale := math.Pow(10, float64(c.precision))
	out := make(map[string]float64, len(c.weights))
	for name, w := range c.weights {
		out[name] = math.Round(sd.Percent*w*scale) / scale
	}
	return out, nil
}

// Validate reports ErrMalformedMetrics for values no rating algorithm can use.
func Validate(sd model.ScoreData) error {
	if !finite(sd.Score) || sd.Score < 0 {
		return fmt.Errorf("%w: score %v", ErrMalformedMetrics, sd.Score)
	}
	if !finite(sd.Percent) || sd.Percent < 0 || sd.Percent > maxPercent {
		return fmt.Errorf("%w: percent %v", ErrMalformedMetrics, sd.Percent)
	}
	for name, v := range sd.Metrics {
		if !finite(v) {
			return fmt.Errorf("%w: metric %s=%v", ErrMalformedMetrics, name, v)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
