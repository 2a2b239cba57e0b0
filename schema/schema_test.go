package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func titanicFeatures() []FeatureSpec {
	return []FeatureSpec{
		{Name: "age", Kind: KindNumber},
		{Name: "sex", Kind: KindEnum, Values: []string{"male", "female"}},
		{Name: "class", Kind: KindEnum, Values: []string{"1", "2", "3"}},
		{Name: "name", Kind: KindText, TextEncoding: "xxhash64"},
	}
}

func TestEncodedDimension(t *testing.T) {
	s, err := New(titanicFeatures(), Task{Type: Classification, ClassLabels: []string{"died", "survived"}})
	require.NoError(t, err)

	// 1 + (2+1) + (3+1) + 1
	assert.Equal(t, 9, s.EncodedDimension())
	assert.Equal(t, 0, s.Offset(0))
	assert.Equal(t, 1, s.Offset(1))
	assert.Equal(t, 4, s.Offset(2))
	assert.Equal(t, 8, s.Offset(3))

	i, ok := s.Lookup("class")
	assert.True(t, ok)
	assert.Equal(t, 2, i)
	_, ok = s.Lookup("fare")
	assert.False(t, ok)
}

func TestNewRejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		features []FeatureSpec
		task     Task
	}{
		"duplicate feature": {
			features: []FeatureSpec{{Name: "a", Kind: KindNumber}, {Name: "a", Kind: KindNumber}},
			task:     Task{Type: Regression},
		},
		"empty name": {
			features: []FeatureSpec{{Kind: KindNumber}},
			task:     Task{Type: Regression},
		},
		"duplicate enum value": {
			features: []FeatureSpec{{Name: "a", Kind: KindEnum, Values: []string{"x", "x"}}},
			task:     Task{Type: Regression},
		},
		"number with values": {
			features: []FeatureSpec{{Name: "a", Kind: KindNumber, Values: []string{"x"}}},
			task:     Task{Type: Regression},
		},
		"single class": {
			task: Task{Type: Classification, ClassLabels: []string{"only"}},
		},
		"regression with labels": {
			task: Task{Type: Regression, ClassLabels: []string{"a", "b"}},
		},
		"negative index out of range": {
			task: Task{Type: Classification, ClassLabels: []string{"a", "b"}, NegativeClassIndex: 2},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.features, tc.task)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchema))
		})
	}
}

func TestSchemaIsImmutable(t *testing.T) {
	features := titanicFeatures()
	labels := []string{"died", "survived"}
	s, err := New(features, Task{Type: Classification, ClassLabels: labels})
	require.NoError(t, err)

	features[1].Values[0] = "changed"
	labels[0] = "changed"
	got := s.Features()
	got[0].Name = "changed"

	assert.Equal(t, "male", s.Feature(1).Values[0])
	assert.Equal(t, "died", s.Task().ClassLabels[0])
	assert.Equal(t, "age", s.Feature(0).Name)
}

func TestBinaryTask(t *testing.T) {
	task := Task{Type: Classification, ClassLabels: []string{"yes", "no"}, NegativeClassIndex: 1}
	assert.True(t, task.IsBinary())
	assert.Equal(t, 0, task.PositiveClassIndex())
	i, ok := task.ClassIndex("no")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestJSONSchema(t *testing.T) {
	s, err := New(titanicFeatures(), Task{Type: Regression})
	require.NoError(t, err)

	data, err := json.Marshal(s.JSONSchema())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "object", m["type"])
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, props, 4)
	sex := props["sex"].(map[string]any)
	assert.Equal(t, []any{"male", "female"}, sex["enum"])
}
