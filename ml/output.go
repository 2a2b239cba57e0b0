package ml

import (
	"math"
	"strconv"

	json "github.com/goccy/go-json"
	"gonum.org/v1/gonum/floats"

	"tabmodel/schema"
)

// Output is a formatted prediction. Value is set for regression; ClassName,
// ClassIndex and Probabilities for classification.
type Output struct {
	Type          schema.TaskType
	Value         float64
	ClassName     string
	ClassIndex    int
	Probabilities map[string]float64
}

// Probability is the probability of the predicted class.
func (o Output) Probability() float64 {
	return o.Probabilities[o.ClassName]
}

// MarshalJSON writes {"type":"regression","value":v} or
// {"type":"classification","class_name":c,"probabilities":{...}}. A
// regression value that overflowed is written as a string ("+Inf", "NaN").
func (o Output) MarshalJSON() ([]byte, error) {
	if o.Type == schema.Regression {
		var value interface{} = o.Value
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			value = strconv.FormatFloat(o.Value, 'f', -1, 64)
		}
		return json.Marshal(struct {
			Type  string      `json:"type"`
			Value interface{} `json:"value"`
		}{o.Type.String(), value})
	}
	return json.Marshal(struct {
		Type          string             `json:"type"`
		ClassName     string             `json:"class_name"`
		Probabilities map[string]float64 `json:"probabilities"`
	}{o.Type.String(), o.ClassName, o.Probabilities})
}

// Format turns raw scores into the task's output shape. scores must have
// the arity validated at load time: one for regression, one or K for a
// binary task, K for a multiclass task.
func Format(scores []float64, task schema.Task) Output {
	if task.Type == schema.Regression {
		return Output{Type: schema.Regression, Value: scores[0]}
	}

	probs := make([]float64, len(task.ClassLabels))
	for _, s := range scores {
		if math.IsNaN(s) {
			// overflowed score; fall back to uniform
			for i := range probs {
				probs[i] = 1 / float64(len(probs))
			}
			return classification(probs, task)
		}
	}
	switch {
	case len(scores) == 1:
		p := sigmoid(scores[0])
		probs[task.PositiveClassIndex()] = p
		probs[task.NegativeClassIndex] = 1 - p
	case len(scores) == 2:
		p := sigmoid(scores[1] - scores[0])
		probs[1] = p
		probs[0] = 1 - p
	default:
		softmax(scores, probs)
	}
	return classification(probs, task)
}

// classification picks the most probable class; ties go to the lowest index.
func classification(probs []float64, task schema.Task) Output {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	out := Output{
		Type:          schema.Classification,
		ClassName:     task.ClassLabels[best],
		ClassIndex:    best,
		Probabilities: make(map[string]float64, len(probs)),
	}
	for i, label := range task.ClassLabels {
		out.Probabilities[label] = probs[i]
	}
	return out
}

func sigmoid(x float64) float64 {
	if math.IsNaN(x) {
		return 0.5
	}
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func softmax(scores []float64, dst []float64) {
	lse := floats.LogSumExp(scores)
	if math.IsInf(lse, 0) {
		// all mass on the largest score
		for i := range dst {
			dst[i] = 0
		}
		dst[floats.MaxIdx(scores)] = 1
		return
	}
	for i, s := range scores {
		dst[i] = math.Exp(s - lse)
	}
	sum := floats.Sum(dst)
	floats.Scale(1/sum, dst)
}
