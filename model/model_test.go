package model

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabmodel/artifact"
	"tabmodel/features"
	"tabmodel/ml"
	"tabmodel/schema"
)

func titanicArtifact(t *testing.T, id string) []byte {
	t.Helper()
	s, err := schema.New([]schema.FeatureSpec{
		{Name: "age", Kind: schema.KindNumber},
		{Name: "sex", Kind: schema.KindEnum, Values: []string{"male", "female"}},
		{Name: "fare", Kind: schema.KindNumber},
	}, schema.Task{Type: schema.Classification, ClassLabels: []string{"died", "survived"}})
	require.NoError(t, err)

	// age, sex=male, sex=female, sex=unknown, fare
	data, err := artifact.Encode(&artifact.Artifact{
		Metadata: artifact.Metadata{ID: id, TargetColumn: "survived", Metrics: map[string]float64{"accuracy": 0.8}},
		Schema:   s,
		Predictor: &ml.Linear{
			Weights: [][]float64{{-0.02, -1.3, 1.2, 0, 0.01}},
			Bias:    []float64{0.3},
		},
	}, artifact.CurrentVersion)
	require.NoError(t, err)
	return data
}

func housingArtifact(t *testing.T) []byte {
	t.Helper()
	s, err := schema.New([]schema.FeatureSpec{
		{Name: "sqft", Kind: schema.KindNumber},
		{Name: "city", Kind: schema.KindEnum, Values: []string{"sf", "nyc"}},
	}, schema.Task{Type: schema.Regression})
	require.NoError(t, err)

	data, err := artifact.Encode(&artifact.Artifact{
		Schema: s,
		Predictor: &ml.TreeEnsemble{
			Width:        4,
			LearningRate: 0.5,
			Bias:         []float64{100},
			Trees: [][]ml.Tree{{
				{Nodes: []ml.TreeNode{
					{FeatureIdx: 0, Threshold: 150.0, LeftChild: 1, RightChild: 2},
					{IsLeaf: true, Value: -1.0},
					{IsLeaf: true, Value: 1.0},
				}},
				{Nodes: []ml.TreeNode{
					{FeatureIdx: 1, Threshold: 0.5, LeftChild: 1, RightChild: 2},
					{IsLeaf: true, Value: 0},
					{IsLeaf: true, Value: 10},
				}},
			}},
		},
	}, artifact.Version1)
	require.NoError(t, err)
	return data
}

func TestPredictClassification(t *testing.T) {
	m, err := Load(titanicArtifact(t, "titanic"))
	require.NoError(t, err)
	assert.Equal(t, "titanic", m.ID())
	assert.Equal(t, m.Schema().EncodedDimension(), m.Predictor().InputWidth())

	out := m.Predict(features.Record{"age": features.Number(30), "sex": features.String("female"), "fare": features.Number(50)})
	assert.Equal(t, schema.Classification, out.Type)
	assert.Equal(t, "survived", out.ClassName)
	score := -0.02*30 + 1.2 + 0.01*50 + 0.3
	assert.InDelta(t, 1/(1+math.Exp(-score)), out.Probabilities["survived"], 1e-12)
	assert.InDelta(t, 1, out.Probabilities["survived"]+out.Probabilities["died"], 1e-9)
}

func TestPredictRegressionTree(t *testing.T) {
	m, err := Load(housingArtifact(t))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID(), "id derived from content")

	out := m.Predict(features.Record{"sqft": features.Number(150), "city": features.String("sf")})
	assert.Equal(t, schema.Regression, out.Type)
	assert.Equal(t, 100+0.5*(-1.0+10), out.Value)

	out = m.Predict(features.Record{"sqft": features.String("151")})
	assert.Equal(t, 100+0.5*(1.0+0), out.Value)
}

func TestPredictIsTotal(t *testing.T) {
	m, err := Load(titanicArtifact(t, "titanic"))
	require.NoError(t, err)

	for _, r := range []features.Record{nil, {}, {"sex": features.Bool(true)}, {"age": features.String("old"), "cabin": features.String("C85")}} {
		out := m.Predict(r)
		assert.Contains(t, []string{"died", "survived"}, out.ClassName)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]byte("nope"))
	assert.True(t, errors.Is(err, artifact.ErrCorrupt))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.tbm"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Unwrap(err)) || errors.Is(err, os.ErrNotExist))
}

func TestLoadUnknownTextEncoding(t *testing.T) {
	s, err := schema.New([]schema.FeatureSpec{
		{Name: "review", Kind: schema.KindText, TextEncoding: "bert"},
	}, schema.Task{Type: schema.Regression})
	require.NoError(t, err)
	data, err := artifact.Encode(&artifact.Artifact{
		Schema:    s,
		Predictor: &ml.Linear{Weights: [][]float64{{1}}, Bias: []float64{0}},
	}, artifact.Version1)
	require.NoError(t, err)

	_, err = Load(data)
	assert.True(t, errors.Is(err, artifact.ErrCorrupt))

	m, err := Load(data, features.WithTextEncoder("bert", features.TextEncoderFunc(func(string) float64 { return 2 })))
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.Predict(features.Record{"review": features.String("good")}).Value)
}

func TestConcurrentPredict(t *testing.T) {
	m, err := Load(titanicArtifact(t, "titanic"))
	require.NoError(t, err)
	r := features.Record{"age": features.Number(4), "sex": features.String("male"), "fare": features.Number(16.7)}
	want := m.Predict(r)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got := m.Predict(r)
				if got.ClassName != want.ClassName || got.Probability() != want.Probability() {
					t.Errorf("prediction changed under concurrency: %+v vs %+v", got, want)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestPredictBatch(t *testing.T) {
	m, err := Load(housingArtifact(t))
	require.NoError(t, err)

	records := make([]features.Record, 37)
	for i := range records {
		records[i] = features.Record{"sqft": features.Number(float64(100 + i*2))}
	}
	outputs, err := m.PredictBatch(context.Background(), records, 4)
	require.NoError(t, err)
	require.Len(t, outputs, len(records))
	for i, r := range records {
		assert.Equal(t, m.Predict(r), outputs[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.PredictBatch(ctx, records, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMetadataIsCopied(t *testing.T) {
	m, err := Load(titanicArtifact(t, "titanic"))
	require.NoError(t, err)
	md := m.Metadata()
	md.Metrics["accuracy"] = 0
	assert.Equal(t, 0.8, m.Metadata().Metrics["accuracy"])
	assert.Equal(t, "survived", md.TargetColumn)
}
