package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorycrystal/crystal/internal/config"
	"github.com/memorycrystal/crystal/internal/store"
)

type fakeStore struct {
	chunkCount      int
	activeMemories  int
	sourceFiles     int
	agents          []string
	oldest, newest  time.Time
	captureSessions int
	latestCapture   time.Time
}

func (f *fakeStore) PutChunks(ctx context.Context, rows []store.NewChunkRow, vectors [][]float32) ([]int64, error) {
	return nil, nil
}
func (f *fakeStore) GetChunksByID(ctx context.Context, ids []int64) ([]store.Chunk, error) { return nil, nil }
func (f *fakeStore) HasHash(ctx context.Context, hash string) (bool, error)                { return false, nil }
func (f *fakeStore) VectorQuery(ctx context.Context, q []float32, k int) ([]store.VectorHit, error) {
	return nil, nil
}
func (f *fakeStore) FTSQuery(ctx context.Context, expr string, k int, filter store.Filter) ([]store.FTSHit, error) {
	return nil, nil
}
func (f *fakeStore) Dimension(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) CountChunks(ctx context.Context) (int, error) { return f.chunkCount, nil }
func (f *fakeStore) TimeRange(ctx context.Context) (time.Time, time.Time, error) {
	return f.oldest, f.newest, nil
}
func (f *fakeStore) DistinctAgents(ctx context.Context) ([]string, error) { return f.agents, nil }
func (f *fakeStore) CreateMemory(ctx context.Context, m store.Memory) (int64, error) { return 0, nil }
func (f *fakeStore) UpdateMemoryStatus(ctx context.Context, id int64, from, to store.MemoryStatus) (bool, error) {
	return false, nil
}
func (f *fakeStore) GetMemory(ctx context.Context, id int64) (store.Memory, error) {
	return store.Memory{}, nil
}
func (f *fakeStore) CountActiveMemories(ctx context.Context) (int, error) { return f.activeMemories, nil }
func (f *fakeStore) UpsertCollection(ctx context.Context, c store.Collection) (int64, error) {
	return 0, nil
}
func (f *fakeStore) GetCollectionByName(ctx context.Context, name string) (store.Collection, error) {
	return store.Collection{}, nil
}
func (f *fakeStore) UpdateCollectionCounters(ctx context.Context, id int64, fileCount, chunkCount int, lastSync time.Time) error {
	return nil
}
func (f *fakeStore) CountCollections(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) GetSourceFile(ctx context.Context, collectionID int64, relPath string) (store.SourceFileRow, error) {
	return store.SourceFileRow{}, nil
}
func (f *fakeStore) UpsertSourceFile(ctx context.Context, row store.SourceFileRow) (int64, error) {
	return 0, nil
}
func (f *fakeStore) DeleteSourceFile(ctx context.Context, collectionID int64, relPath string) error {
	return nil
}
func (f *fakeStore) ListSourceFiles(ctx context.Context, collectionID int64) ([]store.SourceFileRow, error) {
	return nil, nil
}
func (f *fakeStore) CountSourceFiles(ctx context.Context) (int, error) { return f.sourceFiles, nil }
func (f *fakeStore) GetCaptureState(ctx context.Context, agentID, sourceID string) (store.CaptureState, error) {
	return store.CaptureState{}, nil
}
func (f *fakeStore) PutCaptureState(ctx context.Context, s store.CaptureState) error { return nil }
func (f *fakeStore) CountCaptureSessions(ctx context.Context) (int, error) {
	return f.captureSessions, nil
}
func (f *fakeStore) LatestCaptureTime(ctx context.Context) (time.Time, error) {
	return f.latestCapture, nil
}
func (f *fakeStore) Snapshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeStore) Close() error                                 { return nil }

func TestCollectAggregatesAllCounters(t *testing.T) {
	oldest := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	latestCapture := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	s := &fakeStore{
		chunkCount:      42,
		activeMemories:  5,
		sourceFiles:     10,
		agents:          []string{"agent-a", "agent-b"},
		oldest:          oldest,
		newest:          newest,
		captureSessions: 3,
		latestCapture:   latestCapture,
	}
	cfg := &config.Config{DataDir: "/tmp/crystal", EmbeddingProvider: config.ProviderOllama}

	snap, err := New(s, cfg).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 42, snap.ChunkCount)
	assert.Equal(t, 5, snap.ActiveMemoryCount)
	assert.Equal(t, 10, snap.SourceFileCount)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, snap.DistinctAgents)
	assert.True(t, oldest.Equal(snap.OldestChunkAt))
	assert.True(t, newest.Equal(snap.NewestChunkAt))
	assert.Equal(t, 3, snap.CapturedSessionCount)
	assert.True(t, latestCapture.Equal(snap.LatestCaptureAt))
	assert.Equal(t, config.ProviderOllama, snap.EmbeddingProvider)
	assert.Equal(t, "/tmp/crystal", snap.DataDir)
}

func TestCollectOnEmptyStore(t *testing.T) {
	s := &fakeStore{}
	cfg := &config.Config{DataDir: "/tmp/crystal", EmbeddingProvider: config.ProviderOpenAI}

	snap, err := New(s, cfg).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, snap.ChunkCount)
	assert.Empty(t, snap.DistinctAgents)
	assert.True(t, snap.OldestChunkAt.IsZero())
	assert.True(t, snap.LatestCaptureAt.IsZero())
}
