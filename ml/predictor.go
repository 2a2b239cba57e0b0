package ml

import (
	"errors"
	"fmt"
)

var ErrInvalidModel = errors.New("invalid model")

// Family tags the model families a Predictor can be. The numeric values are
// part of the artifact format.
type Family uint8

const (
	FamilyLinear       Family = 1
	FamilyTreeEnsemble Family = 2
)

func (f Family) String() string {
	switch f {
	case FamilyLinear:
		return "linear"
	case FamilyTreeEnsemble:
		return "tree_ensemble"
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// Predictor is the closed set of trained model families. Only *Linear and
// *TreeEnsemble implement it.
type Predictor interface {
	Family() Family
	// InputWidth is the feature vector length the model was trained on.
	InputWidth() int
	// Outputs is the number of raw scores produced per prediction.
	Outputs() int
	// Validate checks structural consistency once, before any scoring.
	Validate() error

	predictor()
}

func (*Linear) predictor()       {}
func (*TreeEnsemble) predictor() {}

// Scores computes the raw scores for x into dst, reallocating when dst is
// too short. x must have the predictor's InputWidth.
func Scores(p Predictor, x []float64, dst []float64) []float64 {
	n := p.Outputs()
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	switch m := p.(type) {
	case *Linear:
		m.scores(x, dst)
	case *TreeEnsemble:
		m.scores(x, dst)
	default:
		panic(fmt.Sprintf("ml: unknown predictor %T", p))
	}
	return dst
}
