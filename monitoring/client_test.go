package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	return NewClient(ClientConfig{URL: url, Timeout: time.Second, MaxRetries: 3, RetryInterval: time.Millisecond}, nil)
}

func TestClientSendPostsArray(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/track", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := testClient(srv.URL+"/").Send(context.Background(), []byte(`{"type":"prediction"}`), []byte(`{"type":"true_value"}`))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "true_value", got[1]["type"])
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL).Send(context.Background(), []byte(`{}`)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Send(context.Background(), []byte(`{}`))
	var status *StatusError
	require.True(t, errors.As(err, &status), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, status.StatusCode)
	assert.Equal(t, int32(4), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Send(context.Background(), []byte(`{}`))
	var status *StatusError
	require.True(t, errors.As(err, &status), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, status.StatusCode)
	assert.Contains(t, status.Body, "bad event")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientSendNothing(t *testing.T) {
	assert.NoError(t, testClient("http://127.0.0.1:0").Send(context.Background()))
}
