// Package embed turns text into vectors for the three providers Memory
// Crystal supports: OpenAI-style remote batched, Ollama local HTTP, and
// Google remote batched. Every provider implements the same narrow
// contract so the ingestion and query engines never branch on which one is
// configured.
package embed

import (
	"context"
	"fmt"
)

// Provider names recognised by the config resolver and New.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGoogle = "google"
)

// Default dimensionalities, used when a config omits one explicitly.
const (
	DefaultOpenAIDimension = 1536
	DefaultOllamaDimension = 768
	DefaultGoogleDimension = 768
)

// maxBatchChars bounds how many characters worth of input go into a single
// request to a large-batch provider.
const maxBatchChars = 800_000

// Embedder turns a batch of texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config describes one provider's connection details. Only the fields the
// selected Provider needs are read.
type Config struct {
	Provider string

	// OpenAI / Google (remote batched)
	APIKey string
	Model  string

	// Ollama (local HTTP)
	Host string

	Dimension int
}

// New constructs the Embedder named by cfg.Provider.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		dim := cfg.Dimension
		if dim == 0 {
			dim = DefaultOpenAIDimension
		}
		return newRemoteBatched(cfg.APIKey, cfg.Model, "https://api.openai.com/v1/embeddings", dim), nil
	case ProviderGoogle:
		dim := cfg.Dimension
		if dim == 0 {
			dim = DefaultGoogleDimension
		}
		return newRemoteBatched(cfg.APIKey, cfg.Model, "https://generativelanguage.googleapis.com/v1beta/models/"+cfg.Model+":batchEmbedContents", dim), nil
	case ProviderOllama:
		dim := cfg.Dimension
		if dim == 0 {
			dim = DefaultOllamaDimension
		}
		return newOllama(cfg.Host, cfg.Model, dim), nil
	default:
		return nil, fmt.Errorf("embed: unknown provider %q", cfg.Provider)
	}
}

// splitBatches groups texts into runs whose combined character count stays
// under maxBatchChars, preserving input order across the concatenation of
// all batches.
func splitBatches(texts []string) [][]string {
	if len(texts) == 0 {
		return nil
	}

	var batches [][]string
	var current []string
	currentChars := 0

	for _, t := range texts {
		if len(current) > 0 && currentChars+len(t) > maxBatchChars {
			batches = append(batches, current)
			current = nil
			currentChars = 0
		}
		current = append(current, t)
		currentChars += len(t)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
