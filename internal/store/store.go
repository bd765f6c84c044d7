// Package store implements Memory Crystal's single-file embedded store: one
// SQLite database file holding chunk rows, their vector and full-text
// shadow indices, explicit memories, source collections, and the small
// bookkeeping tables ingestion and capture depend on.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by id-keyed lookups (memory, collection, source
// file) when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrDimensionMismatch is returned by PutChunks when an embedding's
// dimensionality does not match the dimension fixed at first ingest.
var ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

// Role is the speaker of a captured Chunk.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SourceType classifies where a Chunk's text originated.
type SourceType string

const (
	SourceConversation SourceType = "conversation"
	SourceFile         SourceType = "file"
	SourceManual       SourceType = "manual"
)

// Chunk is one immutable, retrievable unit of text.
type Chunk struct {
	ID            int64
	Text          string
	Hash          string
	Role          Role
	SourceType    SourceType
	SourceID      string
	AgentID       string
	TokenEstimate int
	CreatedAt     time.Time
}

// NewChunkRow is the shape callers provide to PutChunks; ID and Hash are
// assigned by the store.
type NewChunkRow struct {
	Text          string
	Role          Role
	SourceType    SourceType
	SourceID      string
	AgentID       string
	TokenEstimate int
	CreatedAt     time.Time
}

// MemoryCategory classifies an explicit Memory.
type MemoryCategory string

const (
	CategoryFact       MemoryCategory = "fact"
	CategoryPreference MemoryCategory = "preference"
	CategoryEvent      MemoryCategory = "event"
	CategoryOpinion    MemoryCategory = "opinion"
	CategorySkill      MemoryCategory = "skill"
)

// MemoryStatus is a Memory row's lifecycle state.
type MemoryStatus string

const (
	MemoryActive     MemoryStatus = "active"
	MemoryDeprecated MemoryStatus = "deprecated"
	MemoryDeleted    MemoryStatus = "deleted"
)

// Memory is an explicit fact deposited by a caller, mirrored into the
// chunk corpus so it participates in search.
type Memory struct {
	ID           int64
	Text         string
	Category     MemoryCategory
	Confidence   float64
	ChunkIDs     []int64
	Status       MemoryStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Collection is a named directory under source-file indexing.
type Collection struct {
	ID           int64
	Name         string
	RootPath     string
	IncludeGlobs []string
	IgnoreGlobs  []string
	FileCount    int
	ChunkCount   int
	LastSyncAt   time.Time
}

// SourceFileRow is one indexed file within a Collection.
type SourceFileRow struct {
	ID            int64
	CollectionID  int64
	RelPath       string
	FileHash      string
	Size          int64
	ChunkCount    int
	LastIndexedAt time.Time
}

// CaptureState is the per (agent, source) progress marker for
// message-count based capture.
type CaptureState struct {
	AgentID          string
	SourceID         string
	LastMessageCount int
	CycleCount       int
	LastCaptureAt    time.Time
}

// VectorHit is one result of a nearest-neighbour vector query: a chunk id
// and its cosine distance to the query vector (lower is closer).
type VectorHit struct {
	ChunkID  int64
	Distance float64
}

// FTSHit is one result of a BM25 full-text query: a chunk id and its raw
// BM25 score (zero or negative; lower is a better match).
type FTSHit struct {
	ChunkID int64
	BM25Raw float64
}

// Filter narrows vector/FTS queries and chunk metadata fetches.
type Filter struct {
	AgentID    string
	SourceType SourceType
}

// Store is the contract the ingestion and query engines are built against.
// Implementations must guarantee that PutChunks is transactional:
// either every row of a batch (chunk + vector + FTS) commits, or none does.
type Store interface {
	// PutChunks inserts rows and their matching vectors in one transaction
	// and returns the assigned chunk ids in input order. len(rows) must
	// equal len(vectors). Returns ErrDimensionMismatch without writing
	// anything if vectors' dimensionality disagrees with the store's fixed
	// dimension.
	PutChunks(ctx context.Context, rows []NewChunkRow, vectors [][]float32) ([]int64, error)

	// GetChunksByID returns the rows for ids, in no particular order.
	GetChunksByID(ctx context.Context, ids []int64) ([]Chunk, error)

	// HasHash reports whether a chunk with the given content hash already
	// exists (the ingestion pipeline's dedup check).
	HasHash(ctx context.Context, hash string) (bool, error)

	// VectorQuery returns up to k nearest neighbours of queryVector by
	// cosine distance. It never joins chunk metadata.
	VectorQuery(ctx context.Context, queryVector []float32, k int) ([]VectorHit, error)

	// FTSQuery returns up to k matches for a pre-built FTS5 match
	// expression, ordered by BM25 ascending (best first), with filter
	// applied inline.
	FTSQuery(ctx context.Context, ftsExpression string, k int, filter Filter) ([]FTSHit, error)

	// Dimension returns the store's fixed embedding dimension, or 0 if no
	// chunk has ever been written.
	Dimension(ctx context.Context) (int, error)

	CountChunks(ctx context.Context) (int, error)
	TimeRange(ctx context.Context) (oldest, newest time.Time, err error)
	DistinctAgents(ctx context.Context) ([]string, error)

	CreateMemory(ctx context.Context, m Memory) (int64, error)
	UpdateMemoryStatus(ctx context.Context, id int64, from, to MemoryStatus) (bool, error)
	GetMemory(ctx context.Context, id int64) (Memory, error)
	CountActiveMemories(ctx context.Context) (int, error)

	UpsertCollection(ctx context.Context, c Collection) (int64, error)
	GetCollectionByName(ctx context.Context, name string) (Collection, error)
	UpdateCollectionCounters(ctx context.Context, id int64, fileCount, chunkCount int, lastSync time.Time) error
	CountCollections(ctx context.Context) (int, error)

	GetSourceFile(ctx context.Context, collectionID int64, relPath string) (SourceFileRow, error)
	UpsertSourceFile(ctx context.Context, f SourceFileRow) (int64, error)
	DeleteSourceFile(ctx context.Context, collectionID int64, relPath string) error
	ListSourceFiles(ctx context.Context, collectionID int64) ([]SourceFileRow, error)
	CountSourceFiles(ctx context.Context) (int, error)

	GetCaptureState(ctx context.Context, agentID, sourceID string) (CaptureState, error)
	PutCaptureState(ctx context.Context, s CaptureState) error
	CountCaptureSessions(ctx context.Context) (int, error)
	LatestCaptureTime(ctx context.Context) (time.Time, error)

	// Snapshot returns the raw bytes of the underlying database file, used
	// by the mirror push path. Implementations must quiesce writes for the
	// duration of the read (e.g. via a checkpoint) so the snapshot is
	// self-consistent.
	Snapshot(ctx context.Context) ([]byte, error)

	Close() error
}
