// Package ingest turns candidate chunks into store rows: deduplicating by
// content hash, embedding survivors in one call, and writing chunk and
// vector rows inside a single transaction so a batch either fully commits
// or leaves no trace.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/memorycrystal/crystal/internal/embed"
	"github.com/memorycrystal/crystal/internal/metrics"
	"github.com/memorycrystal/crystal/internal/store"
)

// captureBatchSize is the maximum batch size used by capture adapters'
// retrying ingest path.
const captureBatchSize = 200

// captureMaxRetries is the maximum attempt count for the batched retry path.
const captureMaxRetries = 4

// Candidate is one unvetted chunk offered to the pipeline; IngestBatch
// computes its hash, so callers never need to.
type Candidate struct {
	Text          string
	Role          store.Role
	SourceType    store.SourceType
	SourceID      string
	AgentID       string
	TokenEstimate int
	CreatedAt     time.Time
}

// Pipeline wires a store and an embedder into the dedup-embed-write flow.
type Pipeline struct {
	store    store.Store
	embedder embed.Embedder
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// New constructs a Pipeline. logger and m may be nil.
func New(s store.Store, e embed.Embedder, logger *logrus.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{store: s, embedder: e, logger: logger, metrics: m}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IngestBatch deduplicates candidates by content hash, embeds the
// survivors in one call, and writes them inside one transaction. It returns
// the count actually inserted.
func (p *Pipeline) IngestBatch(ctx context.Context, candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	type survivor struct {
		candidate Candidate
		hash      string
	}

	survivors := make([]survivor, 0, len(candidates))
	deduped := 0
	for _, c := range candidates {
		hash := hashText(c.Text)
		exists, err := p.store.HasHash(ctx, hash)
		if err != nil {
			return 0, fmt.Errorf("ingest: check hash: %w", err)
		}
		if exists {
			deduped++
			continue
		}
		survivors = append(survivors, survivor{candidate: c, hash: hash})
	}
	if p.metrics != nil && deduped > 0 {
		p.metrics.RecordDeduped(deduped)
	}
	if len(survivors) == 0 {
		return 0, nil
	}

	texts := make([]string, len(survivors))
	for i, s := range survivors {
		texts[i] = s.candidate.Text
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("ingest: embed: %w", err)
	}
	if len(vectors) != len(survivors) {
		return 0, fmt.Errorf("ingest: embedder returned %d vectors for %d inputs", len(vectors), len(survivors))
	}

	rows := make([]store.NewChunkRow, len(survivors))
	sourceTypeCounts := map[store.SourceType]int{}
	for i, s := range survivors {
		rows[i] = store.NewChunkRow{
			Text:          s.candidate.Text,
			Role:          s.candidate.Role,
			SourceType:    s.candidate.SourceType,
			SourceID:      s.candidate.SourceID,
			AgentID:       s.candidate.AgentID,
			TokenEstimate: s.candidate.TokenEstimate,
			CreatedAt:     s.candidate.CreatedAt,
		}
		sourceTypeCounts[s.candidate.SourceType]++
	}

	ids, err := p.store.PutChunks(ctx, rows, vectors)
	if err != nil {
		return 0, fmt.Errorf("ingest: put chunks: %w", err)
	}

	if p.metrics != nil {
		for sourceType, n := range sourceTypeCounts {
			p.metrics.RecordIngestedChunks(string(sourceType), n)
		}
	}

	return len(ids), nil
}

// IngestBatchedWithRetry ingests candidates in fixed-size batches, retrying
// each batch with capped exponential backoff. It is the path capture
// adapters use, where a transient embedding-provider failure should not
// drop an entire capture cycle.
func (p *Pipeline) IngestBatchedWithRetry(ctx context.Context, candidates []Candidate) (int, error) {
	total := 0
	for start := 0; start < len(candidates); start += captureBatchSize {
		end := start + captureBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		retrier := backoff.WithMaxRetries(b, captureMaxRetries-1)

		var n int
		operation := func() error {
			inserted, err := p.IngestBatch(ctx, batch)
			if err != nil {
				if p.logger != nil {
					p.logger.WithError(err).Warn("ingest: batch attempt failed, retrying")
				}
				return err
			}
			n = inserted
			return nil
		}

		if err := backoff.Retry(operation, backoff.WithContext(retrier, ctx)); err != nil {
			return total, fmt.Errorf("ingest: batched retry exhausted: %w", err)
		}
		total += n
	}
	return total, nil
}

// Remember inserts an explicit Memory row, then ingests one chunk so the
// fact is retrievable semantically.
func (p *Pipeline) Remember(ctx context.Context, text string, category store.MemoryCategory) (int64, error) {
	now := time.Now().UTC()
	memoryID, err := p.store.CreateMemory(ctx, store.Memory{
		Text:       text,
		Category:   category,
		Confidence: 1.0,
		Status:     store.MemoryActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return 0, fmt.Errorf("ingest: create memory: %w", err)
	}

	_, err = p.IngestBatch(ctx, []Candidate{{
		Text:       text,
		Role:       store.RoleSystem,
		SourceType: store.SourceManual,
		SourceID:   fmt.Sprintf("memory:%d", memoryID),
		AgentID:    "system",
		CreatedAt:  now,
	}})
	if err != nil {
		return memoryID, fmt.Errorf("ingest: ingest memory chunk: %w", err)
	}

	return memoryID, nil
}

// Forget conditionally marks a Memory deprecated, returning whether any row
// changed.
func (p *Pipeline) Forget(ctx context.Context, id int64) (bool, error) {
	changed, err := p.store.UpdateMemoryStatus(ctx, id, store.MemoryActive, store.MemoryDeprecated)
	if err != nil {
		return false, fmt.Errorf("ingest: forget: %w", err)
	}
	return changed, nil
}
