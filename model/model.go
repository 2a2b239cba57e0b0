// Package model binds a decoded artifact to a feature encoder and exposes
// the synchronous prediction call.
package model

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"tabmodel/artifact"
	"tabmodel/features"
	"tabmodel/ml"
	"tabmodel/schema"
)

// Model is immutable after Load and safe for concurrent Predict calls.
type Model struct {
	id        string
	metadata  artifact.Metadata
	schema    *schema.Schema
	task      schema.Task
	predictor ml.Predictor
	encoder   *features.Encoder
}

// Load decodes an artifact. Errors are artifact.ErrUnsupportedVersion or
// artifact.ErrCorrupt; an unknown text encoding counts as corrupt.
func Load(data []byte, opts ...features.Option) (*Model, error) {
	a, err := artifact.Decode(data)
	if err != nil {
		return nil, err
	}
	return New(a, data, opts...)
}

// LoadFile reads and loads the artifact at path.
func LoadFile(path string, opts ...features.Option) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", path)
	}
	m, err := Load(data, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "load artifact %s", path)
	}
	return m, nil
}

// New builds a model from an already decoded artifact. raw, when given, is
// used to derive a stable id for artifacts that carry none.
func New(a *artifact.Artifact, raw []byte, opts ...features.Option) (*Model, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	enc, err := features.NewEncoder(a.Schema, opts...)
	if err != nil {
		return nil, artifact.ErrCorrupt.With(err)
	}
	id := a.Metadata.ID
	if id == "" && raw != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, raw).String()
	}
	return &Model{
		id:        id,
		metadata:  a.Metadata,
		schema:    a.Schema,
		task:      a.Schema.Task(),
		predictor: a.Predictor,
		encoder:   enc,
	}, nil
}

func (m *Model) ID() string {
	return m.id
}

func (m *Model) Schema() *schema.Schema {
	return m.schema
}

func (m *Model) Task() schema.Task {
	return m.schema.Task()
}

func (m *Model) Predictor() ml.Predictor {
	return m.predictor
}

func (m *Model) Encoder() *features.Encoder {
	return m.encoder
}

// Metadata returns a copy of the artifact metadata.
func (m *Model) Metadata() artifact.Metadata {
	md := m.metadata
	if m.metadata.Metrics != nil {
		md.Metrics = make(map[string]float64, len(m.metadata.Metrics))
		for k, v := range m.metadata.Metrics {
			md.Metrics[k] = v
		}
	}
	return md
}

// Predict encodes r and runs the predictor. It never fails: missing or
// malformed fields fall back to their documented default encodings.
func (m *Model) Predict(r features.Record) ml.Output {
	return m.PredictVector(m.encoder.Encode(r))
}

// PredictVector scores an already encoded feature vector of length
// Schema().EncodedDimension().
func (m *Model) PredictVector(x []float64) ml.Output {
	return ml.Format(ml.Scores(m.predictor, x, nil), m.task)
}

// PredictBatch predicts records on up to workers goroutines, keeping input
// order. It only fails when ctx is cancelled.
func (m *Model) PredictBatch(ctx context.Context, records []features.Record, workers int) ([]ml.Output, error) {
	if workers <= 0 {
		workers = 1
	}
	outputs := make([]ml.Output, len(records))
	chunk := (len(records) + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(records); start += chunk {
		start, end := start, min(start+chunk, len(records))
		g.Go(func() error {
			x := make([]float64, m.schema.EncodedDimension())
			scores := make([]float64, m.predictor.Outputs())
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				x = m.encoder.EncodeInto(records[i], x)
				scores = ml.Scores(m.predictor, x, scores)
				outputs[i] = ml.Format(scores, m.task)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}
