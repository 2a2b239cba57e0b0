// Package monitoring encodes prediction and outcome events for the remote
// monitoring collector and ships them there.
package monitoring

import (
	"math"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"tabmodel/features"
	"tabmodel/ml"
	"tabmodel/schema"
)

type EventType string

const (
	EventPrediction EventType = "prediction"
	EventTrueValue  EventType = "true_value"
)

// Event is a prediction (input, output and optionally the true value) or a
// true value reported later for an earlier prediction's identifier.
type Event struct {
	Type       EventType
	Identifier string
	ModelID    string
	Date       time.Time
	Input      features.Record
	Output     *ml.Output
	TrueValue  features.Value
}

// NewPrediction builds a prediction event. An empty identifier gets a
// random one so a true value can be attached later.
func NewPrediction(modelID, identifier string, input features.Record, output ml.Output) Event {
	if identifier == "" {
		identifier = uuid.NewString()
	}
	return Event{
		Type:       EventPrediction,
		Identifier: identifier,
		ModelID:    modelID,
		Date:       time.Now().UTC(),
		Input:      input,
		Output:     &output,
	}
}

func NewTrueValue(modelID, identifier string, trueValue features.Value) Event {
	return Event{
		Type:       EventTrueValue,
		Identifier: identifier,
		ModelID:    modelID,
		Date:       time.Now().UTC(),
		TrueValue:  trueValue,
	}
}

type wireEvent struct {
	Type       EventType       `json:"type"`
	Identifier string          `json:"identifier,omitempty"`
	ModelID    string          `json:"model_id"`
	Date       time.Time       `json:"date"`
	Input      features.Record `json:"input,omitempty"`
	Output     *wireOutput     `json:"output,omitempty"`
	TrueValue  *features.Value `json:"true_value,omitempty"`
}

type wireOutput struct {
	Type          string             `json:"type"`
	Value         *float64           `json:"value,omitempty"`
	ClassName     string             `json:"class_name,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// Encode validates e against the model's task and returns its JSON wire
// payload. A mismatch fails with ErrInvalidPayload.
func Encode(e Event, task schema.Task) ([]byte, error) {
	if err := Validate(e, task); err != nil {
		return nil, err
	}
	w := wireEvent{
		Type:       e.Type,
		Identifier: e.Identifier,
		ModelID:    e.ModelID,
		Date:       e.Date.UTC(),
		Input:      e.Input,
	}
	if e.Output != nil {
		o := e.Output
		w.Output = &wireOutput{Type: o.Type.String()}
		if o.Type == schema.Regression {
			v := o.Value
			w.Output.Value = &v
		} else {
			w.Output.ClassName = o.ClassName
			w.Output.Probabilities = o.Probabilities
		}
	}
	if !e.TrueValue.IsMissing() {
		v := e.TrueValue
		w.TrueValue = &v
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, ErrInvalidPayload.With(err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte, task schema.Task) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, ErrInvalidPayload.With(err)
	}
	e := Event{
		Type:       w.Type,
		Identifier: w.Identifier,
		ModelID:    w.ModelID,
		Date:       w.Date,
		Input:      w.Input,
	}
	if w.TrueValue != nil {
		e.TrueValue = *w.TrueValue
	}
	if w.Output != nil {
		o, err := decodeOutput(w.Output, task)
		if err != nil {
			return Event{}, err
		}
		e.Output = &o
	}
	if err := Validate(e, task); err != nil {
		return Event{}, err
	}
	return e, nil
}

func decodeOutput(w *wireOutput, task schema.Task) (ml.Output, error) {
	switch w.Type {
	case schema.Regression.String():
		if w.Value == nil {
			return ml.Output{}, ErrInvalidPayload.With("regression output without value")
		}
		return ml.Output{Type: schema.Regression, Value: *w.Value}, nil
	case schema.Classification.String():
		idx, _ := task.ClassIndex(w.ClassName)
		return ml.Output{
			Type:          schema.Classification,
			ClassName:     w.ClassName,
			ClassIndex:    idx,
			Probabilities: w.Probabilities,
		}, nil
	}
	return ml.Output{}, ErrInvalidPayload.Withf("unknown output type %q", w.Type)
}

// Validate checks that e is well formed and that its output and true value
// have the shape the task declares.
func Validate(e Event, task schema.Task) error {
	if e.ModelID == "" {
		return ErrInvalidPayload.With("missing model id")
	}
	switch e.Type {
	case EventPrediction:
		if e.Output == nil {
			return ErrInvalidPayload.With("prediction event without output")
		}
		if err := validateOutput(*e.Output, task); err != nil {
			return err
		}
		if !e.TrueValue.IsMissing() {
			return validateTrueValue(e.TrueValue, task)
		}
		return nil
	case EventTrueValue:
		if e.Identifier == "" {
			return ErrInvalidPayload.With("true value event without identifier")
		}
		if e.Output != nil || len(e.Input) > 0 {
			return ErrInvalidPayload.With("true value event carries a prediction")
		}
		if e.TrueValue.IsMissing() {
			return ErrInvalidPayload.With("true value event without true value")
		}
		return validateTrueValue(e.TrueValue, task)
	}
	return ErrInvalidPayload.Withf("unknown event type %q", e.Type)
}

func validateOutput(o ml.Output, task schema.Task) error {
	if o.Type != task.Type {
		return ErrInvalidPayload.Withf("%s output for a %s model", o.Type, task.Type)
	}
	if o.Type == schema.Regression {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			return ErrInvalidPayload.Withf("non-finite regression value %v", o.Value)
		}
		return nil
	}

	idx, ok := task.ClassIndex(o.ClassName)
	if !ok {
		return ErrInvalidPayload.Withf("unknown class %q", o.ClassName)
	}
	if idx != o.ClassIndex {
		return ErrInvalidPayload.Withf("class %q has index %d, not %d", o.ClassName, idx, o.ClassIndex)
	}
	if len(o.Probabilities) != len(task.ClassLabels) {
		return ErrInvalidPayload.Withf("%d probabilities for %d classes", len(o.Probabilities), len(task.ClassLabels))
	}
	sum := 0.0
	for _, label := range task.ClassLabels {
		p, ok := o.Probabilities[label]
		if !ok {
			return ErrInvalidPayload.Withf("missing probability for class %q", label)
		}
		if !(p >= 0 && p <= 1) {
			return ErrInvalidPayload.Withf("probability %v for class %q out of range", p, label)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return ErrInvalidPayload.Withf("probabilities sum to %v", sum)
	}
	return nil
}

func validateTrueValue(v features.Value, task schema.Task) error {
	if task.Type == schema.Regression {
		if _, ok := v.Float(); !ok {
			return ErrInvalidPayload.Withf("true value %s is not numeric", v)
		}
		return nil
	}
	label, _ := v.Text()
	if _, ok := task.ClassIndex(label); !ok {
		return ErrInvalidPayload.Withf("true value %q is not a class label", label)
	}
	return nil
}
