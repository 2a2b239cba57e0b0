package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tabmodel/artifact"
	"tabmodel/config"
	"tabmodel/ml"
	"tabmodel/schema"
)

func writeModel(t *testing.T, dir string) string {
	t.Helper()
	s, err := schema.New([]schema.FeatureSpec{{Name: "x", Kind: schema.KindNumber}}, schema.Task{Type: schema.Regression})
	require.NoError(t, err)
	data, err := artifact.Encode(&artifact.Artifact{
		Metadata:  artifact.Metadata{ID: "double"},
		Schema:    s,
		Predictor: &ml.Linear{Weights: [][]float64{{2}}, Bias: []float64{0}},
	}, artifact.CurrentVersion)
	require.NoError(t, err)
	path := filepath.Join(dir, "double.tbm")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestSetupAndShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{Path: writeModel(t, dir)}}
	cfg.Database.Path = filepath.Join(dir, "db", "tabmodel.db")
	cfg.Monitoring.URL = "http://127.0.0.1:1"
	cfg.Monitoring.MaxRetries = 0

	a, err := setup(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.flusher)

	_, err = os.Stat(cfg.Database.Path)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the final flush cannot reach the collector; shutdown still releases everything
	_ = a.shutdown(ctx)
}

func TestSetupFailsOnMissingModel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{ID: "gone", Path: filepath.Join(dir, "gone.tbm")}}
	cfg.Database.Path = filepath.Join(dir, "tabmodel.db")

	_, err := setup(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestSetupServesModels(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{ID: "double", Path: writeModel(t, dir)}}
	cfg.Database.Path = filepath.Join(dir, "tabmodel.db")

	a, err := setup(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.shutdown(context.Background())

	srv := httptest.NewServer(a.server.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/models/double")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
