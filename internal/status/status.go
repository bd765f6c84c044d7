// Package status aggregates read-only counters describing the current
// state of the store and its runtime configuration, for the home daemon's
// status surface.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/memorycrystal/crystal/internal/config"
	"github.com/memorycrystal/crystal/internal/store"
)

// Snapshot is a point-in-time view over the store and the configuration it
// runs under.
type Snapshot struct {
	ChunkCount           int
	ActiveMemoryCount    int
	SourceFileCount      int
	DistinctAgents       []string
	OldestChunkAt        time.Time
	NewestChunkAt        time.Time
	CapturedSessionCount int
	LatestCaptureAt      time.Time
	EmbeddingProvider    config.Provider
	DataDir              string
}

// Collector builds Snapshots from a store and the config it was opened
// with.
type Collector struct {
	store store.Store
	cfg   *config.Config
}

// New constructs a Collector.
func New(s store.Store, cfg *config.Config) *Collector {
	return &Collector{store: s, cfg: cfg}
}

// Collect queries the store for every counter a Snapshot reports. A store
// with no chunks yet yields zero-value oldest/newest timestamps rather than
// an error.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	snap.EmbeddingProvider = c.cfg.EmbeddingProvider
	snap.DataDir = c.cfg.DataDir

	var err error
	if snap.ChunkCount, err = c.store.CountChunks(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("status: count chunks: %w", err)
	}
	if snap.ActiveMemoryCount, err = c.store.CountActiveMemories(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("status: count active memories: %w", err)
	}
	if snap.SourceFileCount, err = c.store.CountSourceFiles(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("status: count source files: %w", err)
	}
	if snap.DistinctAgents, err = c.store.DistinctAgents(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("status: distinct agents: %w", err)
	}
	if snap.OldestChunkAt, snap.NewestChunkAt, err = c.store.TimeRange(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("status: chunk time range: %w", err)
	}
	if snap.CapturedSessionCount, err = c.store.CountCaptureSessions(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("status: count capture sessions: %w", err)
	}
	if snap.LatestCaptureAt, err = c.store.LatestCaptureTime(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("status: latest capture time: %w", err)
	}

	return snap, nil
}
