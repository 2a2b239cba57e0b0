package ml

import (
	"fmt"
	"math"
)

// Linear holds one weight row and bias per output. A regressor or a binary
// classifier scored with a single logit has one row; a K-class
// one-vs-rest classifier has K.
type Linear struct {
	Weights [][]float64
	Bias    []float64
}

func (m *Linear) Family() Family {
	return FamilyLinear
}

func (m *Linear) InputWidth() int {
	if len(m.Weights) == 0 {
		return 0
	}
	return len(m.Weights[0])
}

func (m *Linear) Outputs() int {
	return len(m.Weights)
}

func (m *Linear) Validate() error {
	if len(m.Weights) == 0 {
		return fmt.Errorf("%w: linear model has no weights", ErrInvalidModel)
	}
	if len(m.Bias) != len(m.Weights) {
		return fmt.Errorf("%w: linear model has %d weight rows but %d biases", ErrInvalidModel, len(m.Weights), len(m.Bias))
	}
	for k, b := range m.Bias {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("%w: bias %d is not finite", ErrInvalidModel, k)
		}
	}
	width := len(m.Weights[0])
	for k, row := range m.Weights {
		if len(row) != width {
			return fmt.Errorf("%w: weight row %d has width %d, expected %d", ErrInvalidModel, k, len(row), width)
		}
		for _, w := range row {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return fmt.Errorf("%w: weight row %d is not finite", ErrInvalidModel, k)
			}
		}
	}
	return nil
}

// scores sums left to right in feature order so results match the
// training-side evaluation bit for bit.
func (m *Linear) scores(x []float64, dst []float64) {
	for k, row := range m.Weights {
		sum := 0.0
		for i, w := range row {
			sum += w * x[i]
		}
		dst[k] = sum + m.Bias[k]
	}
}
