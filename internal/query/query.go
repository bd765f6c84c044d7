// Package query implements the hybrid retrieval engine: vector and lexical
// candidate lists fused with Reciprocal Rank Fusion, then reweighted by
// recency and rescaled into a human-useful 0-1 range.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/memorycrystal/crystal/internal/embed"
	"github.com/memorycrystal/crystal/internal/metrics"
	"github.com/memorycrystal/crystal/internal/store"
)

const (
	rrfK            = 60
	vectorWeight    = 1.0
	lexicalWeight   = 1.0
	dedupKeyRunes   = 200
	minFetchBreadth = 30
	fetchMultiplier = 3

	topRankBonusBest   = 0.05
	topRankBonusNear   = 0.02
	recencyFloor       = 0.5
	recencyDecayPerDay = 0.01
	rescaleFactor      = 8.0

	freshWindowDays  = 3.0
	recentWindowDays = 7.0
	agingWindowDays  = 14.0
)

// Freshness labels assigned from a result's age.
const (
	FreshnessFresh  = "fresh"
	FreshnessRecent = "recent"
	FreshnessAging  = "aging"
	FreshnessStale  = "stale"
)

// Result is one ranked hit returned by Query.
type Result struct {
	Text           string
	Role           store.Role
	SourceType     store.SourceType
	SourceID       string
	AgentID        string
	CreatedAt      time.Time
	Score          float64
	FreshnessLabel string
}

// Engine answers hybrid queries over a store, using an embedder for the
// vector side.
type Engine struct {
	store    store.Store
	embedder embed.Embedder
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New constructs an Engine. m may be nil.
func New(s store.Store, e embed.Embedder, m *metrics.Metrics) *Engine {
	return &Engine{store: s, embedder: e, metrics: m, now: time.Now}
}

type fusedEntry struct {
	chunkID   int64
	chunk     store.Chunk
	rrfScore  float64
	bestRank  int
	dedupKey  string
	insertion int
}

// Query runs the full hybrid retrieval algorithm and returns up to limit
// results ordered by descending score.
func (e *Engine) Query(ctx context.Context, queryText string, limit int, filter store.Filter) ([]Result, error) {
	count, err := e.store.CountChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: count chunks: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	breadth := fetchMultiplier * limit
	if breadth < minFetchBreadth {
		breadth = minFetchBreadth
	}

	vectorStart := e.now()
	vectorIDs, err := e.vectorSide(ctx, queryText, breadth, filter)
	if err != nil {
		return nil, fmt.Errorf("query: vector side: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordQueryStage("vector", e.now().Sub(vectorStart))
	}

	lexicalStart := e.now()
	lexicalIDs, err := e.lexicalSide(ctx, queryText, breadth, filter)
	if err != nil {
		return nil, fmt.Errorf("query: lexical side: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordQueryStage("lexical", e.now().Sub(lexicalStart))
	}

	if len(vectorIDs) == 0 && len(lexicalIDs) == 0 {
		return nil, nil
	}

	allIDs := make([]int64, 0, len(vectorIDs)+len(lexicalIDs))
	allIDs = append(allIDs, vectorIDs...)
	allIDs = append(allIDs, lexicalIDs...)
	chunksByID, err := e.fetchChunksByID(ctx, allIDs)
	if err != nil {
		return nil, fmt.Errorf("query: fetch metadata: %w", err)
	}

	entries := fuse(vectorIDs, lexicalIDs, chunksByID)
	if len(entries) == 0 {
		return nil, nil
	}

	now := e.now()
	results := make([]Result, 0, len(entries))
	for _, entry := range entries {
		score := entry.rrfScore
		switch {
		case entry.bestRank == 0:
			score += topRankBonusBest
		case entry.bestRank <= 2:
			score += topRankBonusNear
		}

		ageDays := now.Sub(entry.chunk.CreatedAt).Hours() / 24
		recency := math.Max(recencyFloor, 1-ageDays*recencyDecayPerDay)
		score *= recency

		score = math.Min(score*rescaleFactor, 1.0)

		results = append(results, Result{
			Text:           entry.chunk.Text,
			Role:           entry.chunk.Role,
			SourceType:     entry.chunk.SourceType,
			SourceID:       entry.chunk.SourceID,
			AgentID:        entry.chunk.AgentID,
			CreatedAt:      entry.chunk.CreatedAt,
			Score:          score,
			FreshnessLabel: freshnessLabel(ageDays),
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func freshnessLabel(ageDays float64) string {
	switch {
	case ageDays < freshWindowDays:
		return FreshnessFresh
	case ageDays < recentWindowDays:
		return FreshnessRecent
	case ageDays < agingWindowDays:
		return FreshnessAging
	default:
		return FreshnessStale
	}
}

// vectorSide embeds the query and returns the top-k chunk ids in rank
// order, filtered by filter against chunk metadata.
func (e *Engine) vectorSide(ctx context.Context, queryText string, k int, filter store.Filter) ([]int64, error) {
	vectors, err := e.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	hits, err := e.store.VectorQuery(ctx, vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ChunkID)
	}
	chunks, err := e.fetchChunksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	filteredIDs := make([]int64, 0, len(hits))
	for _, h := range hits {
		chunk, ok := chunks[h.ChunkID]
		if !ok || !matchesFilter(chunk, filter) {
			continue
		}
		filteredIDs = append(filteredIDs, h.ChunkID)
	}
	return filteredIDs, nil
}

// lexicalSide builds a BM25 expression from queryText and returns the
// top-k chunk ids in rank order. An empty expression (no usable terms)
// yields an empty result, signalling the caller to fall back to
// vector-only results.
func (e *Engine) lexicalSide(ctx context.Context, queryText string, k int, filter store.Filter) ([]int64, error) {
	expr := buildBM25Expression(queryText)
	if expr == "" {
		return nil, nil
	}

	hits, err := e.store.FTSQuery(ctx, expr, k, filter)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ChunkID)
	}
	return ids, nil
}

func (e *Engine) fetchChunksByID(ctx context.Context, ids []int64) (map[int64]store.Chunk, error) {
	if len(ids) == 0 {
		return map[int64]store.Chunk{}, nil
	}
	seen := make(map[int64]bool, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	chunks, err := e.store.GetChunksByID(ctx, unique)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]store.Chunk, len(chunks))
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

func matchesFilter(c store.Chunk, filter store.Filter) bool {
	if filter.AgentID != "" && c.AgentID != filter.AgentID {
		return false
	}
	if filter.SourceType != "" && c.SourceType != filter.SourceType {
		return false
	}
	return true
}

func dedupKey(text string) string {
	runes := []rune(text)
	if len(runes) > dedupKeyRunes {
		runes = runes[:dedupKeyRunes]
	}
	return string(runes)
}

// fuse combines the vector and lexical ranked id lists with Reciprocal
// Rank Fusion, deduplicating entries that share a text prefix and tracking
// each entry's best (minimum) rank across lists.
func fuse(vectorIDs, lexicalIDs []int64, chunksByID map[int64]store.Chunk) []fusedEntry {
	byKey := map[string]*fusedEntry{}
	var order []*fusedEntry
	insertion := 0

	addList := func(ids []int64, weight float64) {
		for rank, id := range ids {
			chunk, ok := chunksByID[id]
			if !ok {
				continue
			}
			key := dedupKey(chunk.Text)
			contribution := weight / float64(rrfK+rank+1)

			entry, exists := byKey[key]
			if !exists {
				entry = &fusedEntry{
					chunkID:   id,
					chunk:     chunk,
					bestRank:  rank,
					dedupKey:  key,
					insertion: insertion,
				}
				insertion++
				byKey[key] = entry
				order = append(order, entry)
			}
			entry.rrfScore += contribution
			if rank < entry.bestRank {
				entry.bestRank = rank
			}
		}
	}

	addList(vectorIDs, vectorWeight)
	addList(lexicalIDs, lexicalWeight)

	out := make([]fusedEntry, 0, len(order))
	for _, e := range order {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].insertion < out[j].insertion })
	return out
}
