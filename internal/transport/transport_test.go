package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientInferSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		WriteJSON(w, http.StatusOK, InferResponse{RequestID: req.RequestID, NodeID: "n1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultClientConfig())
	resp, err := c.Infer(context.Background(), InferRequest{RequestID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", resp.RequestID)
	assert.Equal(t, "n1", resp.NodeID)
}

func TestClientInferErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusInternalServerError, "boom")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultClientConfig())
	_, err := c.Infer(context.Background(), InferRequest{RequestID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{Healthy: true, NodeID: "n1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultClientConfig())
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
}

func TestClientRespectsReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		WriteJSON(w, http.StatusOK, InferResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, ClientConfig{ConnectTimeout: time.Second, ReadTimeout: 5 * time.Millisecond})
	_, err := c.Infer(context.Background(), InferRequest{RequestID: "x"})
	assert.Error(t, err)
}

func TestWriteJSONSetsContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusTeapot, map[string]string{"a": "b"})
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
