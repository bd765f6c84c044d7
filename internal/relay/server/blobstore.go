package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BlobMeta describes one stored blob. The dead drop never looks inside the
// blob itself; this is the only metadata it is allowed to know.
type BlobMeta struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	AgentID   string    `json:"agent_id"`
	DroppedAt time.Time `json:"dropped_at"`
	Size      int64     `json:"size"`
}

// ErrNotFound is returned when a blob id does not exist in a channel.
var ErrNotFound = fmt.Errorf("server: blob not found")

// ErrTooLarge is returned by Put when data exceeds the per-blob limit.
var ErrTooLarge = fmt.Errorf("server: blob exceeds size limit")

// ErrEmpty is returned by Put when data is empty.
var ErrEmpty = fmt.Errorf("server: blob is empty")

// MaxBlobSize is the per-object ceiling the dead drop enforces.
const MaxBlobSize = 100 * 1024 * 1024

// BlobStore is the contract the dead drop needs: addressable, opaque,
// byte-for-byte blob storage keyed by channel and id.
type BlobStore interface {
	Put(ctx context.Context, channel, agentID string, data []byte) (BlobMeta, error)
	List(ctx context.Context, channel string) ([]BlobMeta, error)
	Get(ctx context.Context, channel, id string) ([]byte, error)
	Delete(ctx context.Context, channel, id string) error
	// SweepExpired removes every blob older than ttl across all channels and
	// returns the number of blobs removed.
	SweepExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// FileBlobStore persists blobs as flat files under baseDir/<channel>/<id>.bin
// with a JSON metadata sidecar. An in-memory index avoids re-reading sidecars
// on every list.
type FileBlobStore struct {
	baseDir string

	mu    sync.RWMutex
	index map[string]map[string]BlobMeta // channel -> id -> meta
}

// NewFileBlobStore creates a store rooted at baseDir, creating per-channel
// directories for the given channels and loading any sidecars already there.
func NewFileBlobStore(baseDir string, channels []string) (*FileBlobStore, error) {
	s := &FileBlobStore{baseDir: baseDir, index: make(map[string]map[string]BlobMeta)}
	for _, ch := range channels {
		dir := filepath.Join(baseDir, ch)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("server: create channel dir: %w", err)
		}
		s.index[ch] = make(map[string]BlobMeta)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("server: read channel dir: %w", err)
		}
		for _, e := range entries {
			if filepath.Ext(e.Name()) != ".json" {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			var meta BlobMeta
			if err := json.Unmarshal(raw, &meta); err != nil {
				continue
			}
			s.index[ch][meta.ID] = meta
		}
	}
	return s, nil
}

func (s *FileBlobStore) blobPath(channel, id string) string {
	return filepath.Join(s.baseDir, channel, id+".bin")
}

func (s *FileBlobStore) metaPath(channel, id string) string {
	return filepath.Join(s.baseDir, channel, id+".json")
}

// Put stores data under a freshly assigned uuid and records its metadata.
func (s *FileBlobStore) Put(ctx context.Context, channel, agentID string, data []byte) (BlobMeta, error) {
	if len(data) == 0 {
		return BlobMeta{}, ErrEmpty
	}
	if len(data) > MaxBlobSize {
		return BlobMeta{}, ErrTooLarge
	}

	meta := BlobMeta{
		ID:        uuid.NewString(),
		Channel:   channel,
		AgentID:   agentID,
		DroppedAt: time.Now().UTC(),
		Size:      int64(len(data)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[channel]; !ok {
		return BlobMeta{}, fmt.Errorf("server: unknown channel %q", channel)
	}

	if err := os.WriteFile(s.blobPath(channel, meta.ID), data, 0o644); err != nil {
		return BlobMeta{}, fmt.Errorf("server: write blob: %w", err)
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return BlobMeta{}, fmt.Errorf("server: marshal metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(channel, meta.ID), rawMeta, 0o644); err != nil {
		os.Remove(s.blobPath(channel, meta.ID))
		return BlobMeta{}, fmt.Errorf("server: write metadata: %w", err)
	}

	s.index[channel][meta.ID] = meta
	return meta, nil
}

// List enumerates all blob metadata under a channel.
func (s *FileBlobStore) List(ctx context.Context, channel string) ([]BlobMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blobs, ok := s.index[channel]
	if !ok {
		return nil, fmt.Errorf("server: unknown channel %q", channel)
	}
	out := make([]BlobMeta, 0, len(blobs))
	for _, m := range blobs {
		out = append(out, m)
	}
	return out, nil
}

// Get returns a blob's raw bytes.
func (s *FileBlobStore) Get(ctx context.Context, channel, id string) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.index[channel][id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(s.blobPath(channel, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("server: read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob and its metadata.
func (s *FileBlobStore) Delete(ctx context.Context, channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[channel][id]; !ok {
		return ErrNotFound
	}
	os.Remove(s.blobPath(channel, id))
	os.Remove(s.metaPath(channel, id))
	delete(s.index[channel], id)
	return nil
}

// SweepExpired deletes every blob across all channels older than ttl. It is
// the safety net behind explicit confirm deletion, never the primary path.
func (s *FileBlobStore) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for channel, blobs := range s.index {
		for id, meta := range blobs {
			if meta.DroppedAt.Before(cutoff) {
				os.Remove(s.blobPath(channel, id))
				os.Remove(s.metaPath(channel, id))
				delete(blobs, id)
				removed++
			}
		}
	}
	return removed, nil
}
