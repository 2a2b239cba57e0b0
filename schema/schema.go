// Package schema describes the input features and the prediction task of a
// trained tabular model.
package schema

import (
	"errors"
	"fmt"
)

var ErrInvalidSchema = errors.New("invalid schema")

type Kind int

const (
	KindNumber Kind = iota
	KindEnum
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindEnum:
		return "enum"
	case KindText:
		return "text"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FeatureSpec describes one input column. Values is the closed category set
// of an enum feature; TextEncoding names the strategy used for text features.
type FeatureSpec struct {
	Name         string
	Kind         Kind
	Values       []string
	TextEncoding string
}

// Width is the number of encoded slots the feature occupies. Enum features
// get one slot per category plus a trailing unknown slot.
func (f FeatureSpec) Width() int {
	if f.Kind == KindEnum {
		return len(f.Values) + 1
	}
	return 1
}

type TaskType int

const (
	Regression TaskType = iota
	Classification
)

func (t TaskType) String() string {
	switch t {
	case Regression:
		return "regression"
	case Classification:
		return "classification"
	}
	return fmt.Sprintf("task(%d)", int(t))
}

type Task struct {
	Type               TaskType
	ClassLabels        []string
	NegativeClassIndex int
}

func (t Task) NumClasses() int {
	return len(t.ClassLabels)
}

func (t Task) IsBinary() bool {
	return t.Type == Classification && len(t.ClassLabels) == 2
}

// PositiveClassIndex is the index of the class a single binary logit scores.
func (t Task) PositiveClassIndex() int {
	return 1 - t.NegativeClassIndex
}

func (t Task) ClassIndex(label string) (int, bool) {
	for i, l := range t.ClassLabels {
		if l == label {
			return i, true
		}
	}
	return -1, false
}

// Schema is immutable once built by New and safe for concurrent use.
type Schema struct {
	features  []FeatureSpec
	task      Task
	offsets   []int
	index     map[string]int
	dimension int
}

func New(features []FeatureSpec, task Task) (*Schema, error) {
	if err := validateTask(task); err != nil {
		return nil, err
	}
	s := &Schema{
		features: make([]FeatureSpec, len(features)),
		task:     copyTask(task),
		offsets:  make([]int, len(features)),
		index:    make(map[string]int, len(features)),
	}
	for i, f := range features {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: feature %d has no name", ErrInvalidSchema, i)
		}
		if _, exists := s.index[f.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate feature %q", ErrInvalidSchema, f.Name)
		}
		switch f.Kind {
		case KindNumber, KindText:
			if len(f.Values) > 0 {
				return nil, fmt.Errorf("%w: %s feature %q declares values", ErrInvalidSchema, f.Kind, f.Name)
			}
		case KindEnum:
			seen := make(map[string]struct{}, len(f.Values))
			for _, v := range f.Values {
				if _, dup := seen[v]; dup {
					return nil, fmt.Errorf("%w: enum feature %q repeats value %q", ErrInvalidSchema, f.Name, v)
				}
				seen[v] = struct{}{}
			}
		default:
			return nil, fmt.Errorf("%w: feature %q has unknown kind %d", ErrInvalidSchema, f.Name, int(f.Kind))
		}

		spec := f
		spec.Values = append([]string(nil), f.Values...)
		s.features[i] = spec
		s.index[f.Name] = i
		s.offsets[i] = s.dimension
		s.dimension += spec.Width()
	}
	return s, nil
}

func validateTask(task Task) error {
	switch task.Type {
	case Regression:
		if len(task.ClassLabels) > 0 {
			return fmt.Errorf("%w: regression task declares class labels", ErrInvalidSchema)
		}
	case Classification:
		if len(task.ClassLabels) < 2 {
			return fmt.Errorf("%w: classification needs at least 2 classes, got %d", ErrInvalidSchema, len(task.ClassLabels))
		}
		seen := make(map[string]struct{}, len(task.ClassLabels))
		for _, label := range task.ClassLabels {
			if _, dup := seen[label]; dup {
				return fmt.Errorf("%w: duplicate class label %q", ErrInvalidSchema, label)
			}
			seen[label] = struct{}{}
		}
		if task.NegativeClassIndex < 0 || task.NegativeClassIndex >= len(task.ClassLabels) {
			return fmt.Errorf("%w: negative class index %d out of range", ErrInvalidSchema, task.NegativeClassIndex)
		}
	default:
		return fmt.Errorf("%w: unknown task type %d", ErrInvalidSchema, int(task.Type))
	}
	return nil
}

func copyTask(task Task) Task {
	task.ClassLabels = append([]string(nil), task.ClassLabels...)
	return task
}

// EncodedDimension is the length of the feature vector produced for this schema.
func (s *Schema) EncodedDimension() int {
	return s.dimension
}

func (s *Schema) NumFeatures() int {
	return len(s.features)
}

func (s *Schema) Feature(i int) FeatureSpec {
	return s.features[i]
}

// Features returns a copy of the feature list in schema order.
func (s *Schema) Features() []FeatureSpec {
	out := make([]FeatureSpec, len(s.features))
	copy(out, s.features)
	return out
}

// Offset is the first encoded slot of feature i.
func (s *Schema) Offset(i int) int {
	return s.offsets[i]
}

func (s *Schema) Lookup(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func (s *Schema) Task() Task {
	return copyTask(s.task)
}
