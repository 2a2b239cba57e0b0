package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabmodel/schema"
)

func newTestSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New([]schema.FeatureSpec{
		{Name: "age", Kind: schema.KindNumber},
		{Name: "sex", Kind: schema.KindEnum, Values: []string{"male", "female"}},
		{Name: "fare", Kind: schema.KindNumber},
		{Name: "name", Kind: schema.KindText},
	}, schema.Task{Type: schema.Classification, ClassLabels: []string{"died", "survived"}})
	require.NoError(t, err)
	return s
}

func TestEncodeEnumUnknownValue(t *testing.T) {
	s, err := schema.New([]schema.FeatureSpec{
		{Name: "sex", Kind: schema.KindEnum, Values: []string{"male", "female"}},
	}, schema.Task{Type: schema.Regression})
	require.NoError(t, err)
	enc, err := NewEncoder(s)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0, 1}, enc.Encode(Record{"sex": String("unknown_value")}))
	assert.Equal(t, []float64{0, 1, 0}, enc.Encode(Record{"sex": String("female")}))
	assert.Equal(t, []float64{0, 0, 1}, enc.Encode(Record{}))
	// exact, case-sensitive match
	assert.Equal(t, []float64{0, 0, 1}, enc.Encode(Record{"sex": String("Male")}))
}

func TestEncodeNumbers(t *testing.T) {
	enc, err := NewEncoder(newTestSchema(t))
	require.NoError(t, err)

	cases := []struct {
		name string
		in   Value
		want float64
	}{
		{"number", Number(29.5), 29.5},
		{"numeric string", String(" 12.25 "), 12.25},
		{"garbage string", String("twelve"), 0},
		{"bool true", Bool(true), 1},
		{"bool-like string", String("false"), 0},
		{"missing", Value{}, 0},
		{"nan", Number(math.NaN()), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := enc.Encode(Record{"age": tc.in})
			assert.Equal(t, tc.want, v[0])
		})
	}
}

func TestEncodeTotalOverMessyRecords(t *testing.T) {
	enc, err := NewEncoder(newTestSchema(t))
	require.NoError(t, err)

	records := []Record{
		nil,
		{},
		{"unexpected": Number(1)},
		{"sex": Number(3), "age": String("n/a")},
		{"name": Bool(true), "fare": String("")},
	}
	for _, r := range records {
		v := enc.Encode(r)
		require.Len(t, v, enc.Dimension())
		active := v[1] + v[2] + v[3]
		assert.Equal(t, 1.0, active, "exactly one enum slot must be set")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	enc, err := NewEncoder(newTestSchema(t))
	require.NoError(t, err)

	r := Record{"age": Number(40), "sex": String("male"), "fare": String("7.25"), "name": String("Braund, Mr. Owen Harris")}
	first := enc.Encode(r)
	for i := 0; i < 50; i++ {
		copied := make(Record, len(r))
		for k, v := range r {
			copied[k] = v
		}
		got := enc.Encode(copied)
		for j := range first {
			assert.Equal(t, math.Float64bits(first[j]), math.Float64bits(got[j]))
		}
	}
}

func TestEncodeIntoReusesBuffer(t *testing.T) {
	enc, err := NewEncoder(newTestSchema(t))
	require.NoError(t, err)

	buf := make([]float64, enc.Dimension())
	for i := range buf {
		buf[i] = 42
	}
	got := enc.EncodeInto(Record{"sex": String("male")}, buf)
	assert.Equal(t, []float64{0, 1, 0, 0, 0, 0}, got)
	assert.Len(t, enc.EncodeInto(Record{}, nil), enc.Dimension())
}

func TestTextEncoding(t *testing.T) {
	enc, err := NewEncoder(newTestSchema(t))
	require.NoError(t, err)

	a := enc.Encode(Record{"name": String("Ｈｅｌｌｏ")})[5]
	b := enc.Encode(Record{"name": String("Hello")})[5]
	assert.Equal(t, a, b, "NFKC forms hash identically")
	assert.GreaterOrEqual(t, a, 0.0)
	assert.Less(t, a, 1.0)
	assert.Equal(t, 0.0, enc.Encode(Record{})[5])

	// numbers and booleans hash their text form, like enum matching
	assert.Equal(t, enc.Encode(Record{"name": String("3")})[5], enc.Encode(Record{"name": Number(3)})[5])
	assert.Equal(t, enc.Encode(Record{"name": String("true")})[5], enc.Encode(Record{"name": Bool(true)})[5])
	assert.NotEqual(t, 0.0, enc.Encode(Record{"name": Number(3)})[5])
}

func TestCustomTextEncoder(t *testing.T) {
	s, err := schema.New([]schema.FeatureSpec{
		{Name: "review", Kind: schema.KindText, TextEncoding: "length"},
	}, schema.Task{Type: schema.Regression})
	require.NoError(t, err)

	_, err = NewEncoder(s)
	assert.Error(t, err)

	enc, err := NewEncoder(s, WithTextEncoder("length", TextEncoderFunc(func(s string) float64 {
		return float64(len(s))
	})))
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, enc.Encode(Record{"review": String("great")}))
}

func TestUnknowns(t *testing.T) {
	enc, err := NewEncoder(newTestSchema(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"sex"}, enc.Unknowns(Record{"sex": String("other")}))
	assert.Equal(t, []string{"sex"}, enc.Unknowns(Record{}))
	assert.Empty(t, enc.Unknowns(Record{"sex": String("female")}))
}
