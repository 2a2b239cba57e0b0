package artifact

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabmodel/ml"
	"tabmodel/schema"
)

func heartSchema(t *testing.T, task schema.Task) *schema.Schema {
	t.Helper()
	s, err := schema.New([]schema.FeatureSpec{
		{Name: "age", Kind: schema.KindNumber},
		{Name: "chest_pain", Kind: schema.KindEnum, Values: []string{"typical", "atypical", "asymptomatic"}},
		{Name: "notes", Kind: schema.KindText, TextEncoding: "xxhash64"},
	}, task)
	require.NoError(t, err)
	return s
}

func binaryTask() schema.Task {
	return schema.Task{Type: schema.Classification, ClassLabels: []string{"absent", "present"}}
}

func linearArtifact(t *testing.T) *Artifact {
	return &Artifact{
		Metadata: Metadata{
			ID:           "5b0c9b0e-60a5-4bd4-8a83-0a1f1fb0d3a2",
			CreatedAt:    time.Date(2026, 3, 14, 15, 9, 26, 535, time.UTC),
			TargetColumn: "diagnosis",
			Metrics:      map[string]float64{"accuracy": 0.86, "baseline_accuracy": 0.54},
		},
		Schema: heartSchema(t, binaryTask()),
		Predictor: &ml.Linear{
			Weights: [][]float64{{0.03, 0.5, -0.25, 1.5, -0.1, 0.2}},
			Bias:    []float64{-1.2},
		},
	}
}

func treeArtifact(t *testing.T) *Artifact {
	stump := func(feature int, threshold, left, right float64) ml.Tree {
		return ml.Tree{Nodes: []ml.TreeNode{
			{FeatureIdx: feature, Threshold: threshold, LeftChild: 1, RightChild: 2},
			{IsLeaf: true, Value: left},
			{IsLeaf: true, Value: right},
		}}
	}
	task := schema.Task{Type: schema.Classification, ClassLabels: []string{"low", "medium", "high"}}
	return &Artifact{
		Metadata: Metadata{ID: "tree", TargetColumn: "risk"},
		Schema:   heartSchema(t, task),
		Predictor: &ml.TreeEnsemble{
			Width:        6,
			LearningRate: 0.1,
			Bias:         []float64{0.2, 0.1, -0.3},
			Trees: [][]ml.Tree{
				{stump(0, 50, 1, -1), stump(1, 0.5, 0.3, -0.3)},
				{stump(0, 60, 0.2, 0.4)},
				{stump(4, 0.5, -1, 2)},
			},
		},
	}
}

func frame(version uint16, body []byte) []byte {
	out := make([]byte, headerSize)
	copy(out, Magic)
	binary.LittleEndian.PutUint16(out[4:6], version)
	binary.LittleEndian.PutUint32(out[6:10], uint32(len(body)))
	binary.LittleEndian.PutUint64(out[10:18], xxhash.Sum64(body))
	return append(out, body...)
}

func TestRoundTripLinear(t *testing.T) {
	for _, version := range []uint16{Version1, Version2} {
		original := linearArtifact(t)
		data, err := Encode(original, version)
		require.NoError(t, err)
		assert.Equal(t, version, binary.LittleEndian.Uint16(data[4:6]))

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, original.Metadata.ID, decoded.Metadata.ID)
		assert.True(t, original.Metadata.CreatedAt.Equal(decoded.Metadata.CreatedAt))
		assert.Equal(t, original.Metadata.Metrics, decoded.Metadata.Metrics)
		assert.Equal(t, original.Schema.Features(), decoded.Schema.Features())
		assert.Equal(t, original.Schema.Task(), decoded.Schema.Task())
		assert.Equal(t, original.Predictor, decoded.Predictor)
		assert.Equal(t, decoded.Schema.EncodedDimension(), decoded.Predictor.InputWidth())
	}
}

func TestRoundTripTreeEnsemble(t *testing.T) {
	original := treeArtifact(t)
	data, err := Encode(original, Version2)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original.Predictor, decoded.Predictor)
	assert.Equal(t, 3, decoded.Predictor.Outputs())
	assert.Nil(t, decoded.Metadata.Metrics)
	assert.True(t, decoded.Metadata.CreatedAt.IsZero())
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	data, err := Encode(linearArtifact(t), Version1)
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(data[4:6], 7)

	_, err = Decode(data)
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
	assert.False(t, errors.Is(err, ErrCorrupt))

	_, err = Encode(linearArtifact(t), 3)
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
}

func TestDecodeCorruptContainer(t *testing.T) {
	data, err := Encode(linearArtifact(t), Version1)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	badMagic := append([]byte(nil), data...)
	copy(badMagic, "NOPE")

	cases := map[string][]byte{
		"empty":     nil,
		"header":    data[:headerSize-1],
		"truncated": data[:len(data)-3],
		"checksum":  flipped,
		"magic":     badMagic,
		"garbage":   frame(Version1, []byte{0xff, 0xff, 0xff}),
		"zstd":      frame(Version2, []byte("not zstd")),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
		})
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	w := &writer{}
	a := linearArtifact(t)
	w.metadata(a.Metadata)
	w.schema(a.Schema)
	require.NoError(t, w.predictor(a.Predictor))
	w.byte(0)

	_, err := Decode(frame(Version1, w.buf))
	assert.True(t, errors.Is(err, ErrCorrupt))
}

// rawArtifact writes the sections without Encode's validation so
// structurally inconsistent artifacts can be produced.
func rawArtifact(t *testing.T, s *schema.Schema, p ml.Predictor) []byte {
	t.Helper()
	w := &writer{}
	w.metadata(Metadata{ID: "raw"})
	w.schema(s)
	require.NoError(t, w.predictor(p))
	return frame(Version1, w.buf)
}

func TestDecodeStructuralMismatch(t *testing.T) {
	regression := heartSchema(t, schema.Task{Type: schema.Regression})
	classifier := heartSchema(t, binaryTask())
	leaf := ml.Tree{Nodes: []ml.TreeNode{{IsLeaf: true, Value: 1}}}

	cases := map[string]struct {
		schema    *schema.Schema
		predictor ml.Predictor
	}{
		"split beyond width": {
			schema: regression,
			predictor: &ml.TreeEnsemble{Width: 6, Bias: []float64{0}, Trees: [][]ml.Tree{{{Nodes: []ml.TreeNode{
				{FeatureIdx: 6, Threshold: 1, LeftChild: 1, RightChild: 2},
				{IsLeaf: true}, {IsLeaf: true},
			}}}}},
		},
		"cyclic tree": {
			schema: regression,
			predictor: &ml.TreeEnsemble{Width: 6, Bias: []float64{0}, Trees: [][]ml.Tree{{{Nodes: []ml.TreeNode{
				{FeatureIdx: 0, Threshold: 1, LeftChild: 0, RightChild: 1},
				{IsLeaf: true},
			}}}}},
		},
		"width mismatch": {
			schema:    regression,
			predictor: &ml.Linear{Weights: [][]float64{{1, 2, 3}}, Bias: []float64{0}},
		},
		"class count mismatch": {
			schema:    classifier,
			predictor: &ml.TreeEnsemble{Width: 6, Bias: []float64{0, 0, 0}, Trees: [][]ml.Tree{{leaf}, {leaf}, {leaf}}},
		},
		"nan linear bias": {
			schema:    regression,
			predictor: &ml.Linear{Weights: [][]float64{make([]float64, 6)}, Bias: []float64{math.NaN()}},
		},
		"inf ensemble bias": {
			schema:    regression,
			predictor: &ml.TreeEnsemble{Width: 6, Bias: []float64{math.Inf(1)}, Trees: [][]ml.Tree{{leaf}}},
		},
		"regression arity": {
			schema:    regression,
			predictor: &ml.Linear{Weights: [][]float64{make([]float64, 6), make([]float64, 6)}, Bias: []float64{0, 0}},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(rawArtifact(t, tc.schema, tc.predictor))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
		})
	}
}

func TestDecodeDuplicateFeature(t *testing.T) {
	w := &writer{}
	w.metadata(Metadata{})
	w.uvarint(2)
	for i := 0; i < 2; i++ {
		w.byte(tagNumber)
		w.string("age")
	}
	w.byte(tagRegression)
	require.NoError(t, w.predictor(&ml.Linear{Weights: [][]float64{{1, 1}}, Bias: []float64{0}}))

	_, err := Decode(frame(Version1, w.buf))
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
}

func TestDecodeHugeCountsDoNotAllocate(t *testing.T) {
	w := &writer{}
	w.string("id")
	w.varint(0)
	w.string("")
	w.uvarint(1 << 60)

	_, err := Decode(frame(Version1, w.buf))
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
}

func TestBinaryClassifierSingleLogitAccepted(t *testing.T) {
	a := linearArtifact(t)
	require.NoError(t, a.Validate())
	assert.Equal(t, 1, a.Predictor.Outputs())
}
