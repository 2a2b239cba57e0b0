package ml

import (
	"fmt"
	"math"
)

// TreeEnsemble is a boosted sum of trees. Trees[k] is the group scoring
// output k; each output is Bias[k] + LearningRate * sum of its trees.
type TreeEnsemble struct {
	Width        int
	LearningRate float64
	Bias         []float64
	Trees        [][]Tree
}

func (m *TreeEnsemble) Family() Family {
	return FamilyTreeEnsemble
}

func (m *TreeEnsemble) InputWidth() int {
	return m.Width
}

func (m *TreeEnsemble) Outputs() int {
	return len(m.Trees)
}

func (m *TreeEnsemble) NumTrees() int {
	n := 0
	for _, group := range m.Trees {
		n += len(group)
	}
	return n
}

func (m *TreeEnsemble) Validate() error {
	if m.Width < 0 {
		return fmt.Errorf("%w: negative input width %d", ErrInvalidModel, m.Width)
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("%w: tree ensemble has no outputs", ErrInvalidModel)
	}
	if len(m.Bias) != len(m.Trees) {
		return fmt.Errorf("%w: tree ensemble has %d tree groups but %d biases", ErrInvalidModel, len(m.Trees), len(m.Bias))
	}
	if math.IsNaN(m.LearningRate) || math.IsInf(m.LearningRate, 0) {
		return fmt.Errorf("%w: learning rate is not finite", ErrInvalidModel)
	}
	for k, b := range m.Bias {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("%w: bias %d is not finite", ErrInvalidModel, k)
		}
	}
	for k, group := range m.Trees {
		for j, tree := range group {
			if err := tree.Validate(m.Width); err != nil {
				return fmt.Errorf("output %d tree %d: %w", k, j, err)
			}
		}
	}
	return nil
}

func (m *TreeEnsemble) scores(x []float64, dst []float64) {
	for k, group := range m.Trees {
		sum := 0.0
		for _, tree := range group {
			sum += tree.Evaluate(x)
		}
		dst[k] = m.Bias[k] + m.LearningRate*sum
	}
}
