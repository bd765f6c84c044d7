package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// localTimeout is the per-request timeout for the local HTTP provider.
const localTimeout = 15 * time.Second

// ollama implements the local embeddings provider: one request per input,
// no batching, since a local model has no cross-request batch endpoint.
type ollama struct {
	host       string
	model      string
	dimension  int
	httpClient *http.Client
}

func newOllama(host, model string, dimension int) *ollama {
	return &ollama{
		host:       strings.TrimSuffix(host, "/"),
		model:      model,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: localTimeout},
	}
}

func (o *ollama) Dimension() int { return o.dimension }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (o *ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := o.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed: ollama input %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (o *ollama) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned %s: %s", resp.Status, raw)
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return parsed.Embedding, nil
}
