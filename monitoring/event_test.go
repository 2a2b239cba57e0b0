package monitoring

import (
	"errors"
	"math"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabmodel/features"
	"tabmodel/ml"
	"tabmodel/schema"
)

var (
	regressionTask = schema.Task{Type: schema.Regression}
	titanicTask    = schema.Task{Type: schema.Classification, ClassLabels: []string{"died", "survived"}}
)

func titanicRecord() features.Record {
	return features.Record{
		"age":    features.Number(29.5),
		"sex":    features.String("female"),
		"alone":  features.Bool(true),
		"ticket": features.String("PC 17599"),
	}
}

func TestEventRoundTrip(t *testing.T) {
	date := time.Date(2026, 5, 1, 12, 30, 0, 123456789, time.UTC)
	cases := map[string]struct {
		event Event
		task  schema.Task
	}{
		"classification with true value": {
			event: Event{
				Type:       EventPrediction,
				Identifier: "passenger-1",
				ModelID:    "titanic",
				Date:       date,
				Input:      titanicRecord(),
				Output:     &ml.Output{Type: schema.Classification, ClassName: "survived", ClassIndex: 1, Probabilities: map[string]float64{"died": 0.25, "survived": 0.75}},
				TrueValue:  features.String("survived"),
			},
			task: titanicTask,
		},
		"regression": {
			event: Event{
				Type:    EventPrediction,
				ModelID: "housing",
				Date:    date,
				Input:   features.Record{"sqft": features.Number(1450)},
				Output:  &ml.Output{Type: schema.Regression, Value: 312000.25},
			},
			task: regressionTask,
		},
		"true value": {
			event: Event{
				Type:       EventTrueValue,
				Identifier: "house-9",
				ModelID:    "housing",
				Date:       date,
				TrueValue:  features.Number(298000),
			},
			task: regressionTask,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := Encode(tc.event, tc.task)
			require.NoError(t, err)

			got, err := Decode(data, tc.task)
			require.NoError(t, err)
			assert.Equal(t, tc.event.Type, got.Type)
			assert.Equal(t, tc.event.Identifier, got.Identifier)
			assert.True(t, tc.event.Date.Equal(got.Date))
			assert.True(t, tc.event.Input.Equal(got.Input), "input %v != %v", tc.event.Input, got.Input)
			assert.Equal(t, tc.event.Output, got.Output)
			assert.True(t, tc.event.TrueValue.Equal(got.TrueValue))
		})
	}
}

func TestEncodeWireFormat(t *testing.T) {
	e := NewPrediction("titanic", "", features.Record{"age": features.Number(4)},
		ml.Format([]float64{0}, titanicTask))
	assert.NotEmpty(t, e.Identifier)

	data, err := Encode(e, titanicTask)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "prediction", wire["type"])
	assert.Equal(t, "titanic", wire["model_id"])
	assert.Equal(t, map[string]any{"age": 4.0}, wire["input"])
	output := wire["output"].(map[string]any)
	assert.Equal(t, "classification", output["type"])
	assert.Equal(t, "died", output["class_name"])
	assert.NotContains(t, wire, "true_value")
}

func TestEncodeRejectsMismatchedOutput(t *testing.T) {
	valid := func() Event {
		return Event{
			Type:    EventPrediction,
			ModelID: "titanic",
			Output:  &ml.Output{Type: schema.Classification, ClassName: "died", ClassIndex: 0, Probabilities: map[string]float64{"died": 0.6, "survived": 0.4}},
		}
	}
	cases := map[string]func(*Event){
		"regression output":   func(e *Event) { e.Output = &ml.Output{Type: schema.Regression, Value: 1} },
		"unknown class":       func(e *Event) { e.Output.ClassName = "rescued" },
		"wrong class index":   func(e *Event) { e.Output.ClassIndex = 1 },
		"missing probability": func(e *Event) { delete(e.Output.Probabilities, "survived") },
		"extra probability":   func(e *Event) { e.Output.Probabilities["rescued"] = 0 },
		"bad sum":             func(e *Event) { e.Output.Probabilities["survived"] = 0.9 },
		"out of range":        func(e *Event) { e.Output.Probabilities = map[string]float64{"died": 1.5, "survived": -0.5} },
		"no output":           func(e *Event) { e.Output = nil },
		"no model":            func(e *Event) { e.ModelID = "" },
		"unknown type":        func(e *Event) { e.Type = "feedback" },
		"bad true value":      func(e *Event) { e.TrueValue = features.String("rescued") },
	}
	require.NoError(t, Validate(valid(), titanicTask))
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := valid()
			mutate(&e)
			_, err := Encode(e, titanicTask)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload), "got %v", err)
		})
	}
}

func TestEncodeRejectsBadRegression(t *testing.T) {
	e := Event{Type: EventPrediction, ModelID: "housing", Output: &ml.Output{Type: schema.Regression, Value: math.Inf(1)}}
	_, err := Encode(e, regressionTask)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	e = NewTrueValue("housing", "house-1", features.String("expensive"))
	_, err = Encode(e, regressionTask)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	e = NewTrueValue("housing", "", features.Number(1))
	_, err = Encode(e, regressionTask)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`{"type":"prediction","model_id":"m","output":{"type":"ranking"}}`,
		`{"type":"prediction","model_id":"m","output":{"type":"regression"}}`,
		`{"type":"true_value","model_id":"m","identifier":"x"}`,
	} {
		_, err := Decode([]byte(data), regressionTask)
		assert.True(t, errors.Is(err, ErrInvalidPayload), "%s: got %v", data, err)
	}
}
