package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "bogus"})
	assert.Error(t, err)
}

func TestNewDefaultsDimension(t *testing.T) {
	e, err := New(Config{Provider: ProviderOpenAI, APIKey: "k", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIDimension, e.Dimension())

	e, err = New(Config{Provider: ProviderOllama, Host: "http://localhost:11434", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaDimension, e.Dimension())
}

func TestSplitBatchesPreservesOrderAndBound(t *testing.T) {
	texts := []string{strings.Repeat("a", 500_000), strings.Repeat("b", 500_000), "c"}
	batches := splitBatches(texts)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{texts[0]}, batches[0])
	assert.Equal(t, []string{texts[1], "c"}, batches[1])
}

func TestRemoteBatchedEmbedReturnsInOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := openAIEmbedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i), float32(i) + 0.5}, Index: len(req.Input) - 1 - i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	r := newRemoteBatched("key", "model", ts.URL, 2)
	vectors, err := r.Embed(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{2, 2.5}, vectors[0])
	assert.Equal(t, []float32{0, 0.5}, vectors[2])
}

func TestRemoteBatchedPropagatesError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	r := newRemoteBatched("key", "model", ts.URL, 2)
	_, err := r.Embed(context.Background(), []string{"one"})
	assert.Error(t, err)
}

func TestOllamaEmbedsOneRequestPerInput(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 2, 3}})
	}))
	defer ts.Close()

	o := newOllama(ts.URL, "nomic-embed-text", 3)
	vectors, err := o.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, vectors, 3)
	assert.Equal(t, []float32{1, 2, 3}, vectors[0])
}
