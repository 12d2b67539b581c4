package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaTestServer(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "test-model"})
}

func TestOllamaComplete(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		assert.Equal(t, 0.7, req.Options.Temperature)
		assert.Equal(t, 200, req.Options.NumPredict)

		json.NewEncoder(w).Encode(generateResponse{Response: "hello there", Done: true})
	})

	text, err := client.Complete(context.Background(), "say hi", CompletionOptions{Temperature: 0.7, MaxTokens: 200})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestOllamaComplete_ServerError(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := client.Complete(context.Background(), "say hi", CompletionOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOllamaCompleteStream_ConcatenatesFragments(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		enc := json.NewEncoder(w)
		enc.Encode(generateResponse{Response: "Hello"})
		enc.Encode(generateResponse{Response: ", "})
		enc.Encode(generateResponse{Response: "world"})
		enc.Encode(generateResponse{Done: true})
	})

	var fragments []string
	text, err := client.CompleteStream(context.Background(), "greet", CompletionOptions{}, func(fragment string) {
		fragments = append(fragments, fragment)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, []string{"Hello", ", ", "world"}, fragments, "fragments arrive in stream order")
}

func TestOllamaCompleteStream_NilCallback(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(generateResponse{Response: "buffered"})
		enc.Encode(generateResponse{Done: true})
	})

	text, err := client.CompleteStream(context.Background(), "greet", CompletionOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "buffered", text)
}

func TestOllamaEmbed(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	})

	vec, err := client.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEmbed_EmptyVector(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	})

	_, err := client.Embed(context.Background(), "some text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestOllamaHealthCheck(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/version", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"version": "0.5.0"})
	})

	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestOllamaDefaults(t *testing.T) {
	client := NewOllamaClient(OllamaConfig{})
	assert.Equal(t, "qwen2.5:7b", client.GetModel())
	assert.Equal(t, "http://localhost:11434", client.baseURL)
}
