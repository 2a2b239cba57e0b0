// Package artifact reads and writes the versioned binary container holding
// a trained model's schema and parameters.
package artifact

import (
	"errors"
	"time"

	"tabmodel/ml"
	"tabmodel/schema"
)

// Metadata describes where a model came from. Metrics holds the training
// evaluation (e.g. "rmse", "accuracy", "baseline_accuracy").
type Metadata struct {
	ID           string
	CreatedAt    time.Time
	TargetColumn string
	Metrics      map[string]float64
}

// Artifact is a decoded model. Its parts are never mutated after Decode.
type Artifact struct {
	Metadata  Metadata
	Schema    *schema.Schema
	Predictor ml.Predictor
}

// Validate checks the cross-structure invariants between schema and
// predictor. Every failure is ErrCorrupt.
func (a *Artifact) Validate() error {
	if a.Schema == nil || a.Predictor == nil {
		return ErrCorrupt.With("missing schema or predictor")
	}
	if err := a.Predictor.Validate(); err != nil {
		if errors.Is(err, ml.ErrInvalidModel) {
			return ErrCorrupt.With(err)
		}
		return err
	}
	if dim, width := a.Schema.EncodedDimension(), a.Predictor.InputWidth(); dim != width {
		return ErrCorrupt.Withf("schema encodes %d features but %s predictor expects %d", dim, a.Predictor.Family(), width)
	}
	task := a.Schema.Task()
	outputs := a.Predictor.Outputs()
	switch task.Type {
	case schema.Regression:
		if outputs != 1 {
			return ErrCorrupt.Withf("regression predictor has %d outputs", outputs)
		}
	case schema.Classification:
		k := task.NumClasses()
		if outputs != k && !(k == 2 && outputs == 1) {
			return ErrCorrupt.Withf("%d classes but predictor has %d outputs", k, outputs)
		}
	}
	return nil
}
