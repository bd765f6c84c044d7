// Package collection indexes a directory tree of source files into the
// chunk corpus, tracking per-file content hashes so unchanged files are
// never re-embedded and deleted files are pruned from the source table.
package collection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memorycrystal/crystal/internal/chunker"
	"github.com/memorycrystal/crystal/internal/ingest"
	"github.com/memorycrystal/crystal/internal/store"
)

// maxFileSize is the largest file the indexer will read; anything bigger
// is assumed to be generated or binary data, not source text.
const maxFileSize = 500 * 1024

// filesPerIngestBatch bounds how many files' chunks accumulate before a
// batch is flushed to the ingestion pipeline.
const filesPerIngestBatch = 20

// Result summarises one Sync call.
type Result struct {
	Added   int
	Updated int
	Removed int
}

// Indexer walks one Collection's root directory and keeps its source-file
// rows and chunk corpus in sync with what is on disk.
type Indexer struct {
	store    store.Store
	pipeline *ingest.Pipeline
	logger   *logrus.Logger
}

// New constructs an Indexer. logger may be nil.
func New(s store.Store, pipeline *ingest.Pipeline, logger *logrus.Logger) *Indexer {
	return &Indexer{store: s, pipeline: pipeline, logger: logger}
}

type fileCandidate struct {
	relPath    string
	hash       string
	size       int64
	status     string // "added" or "updated"
	chunkCount int
}

// Sync walks coll.RootPath, indexes new and changed files, and removes
// records for files no longer present on disk. In dry-run mode it computes
// the same add/update/remove counts without embedding or writing anything.
func (idx *Indexer) Sync(ctx context.Context, coll store.Collection, dryRun bool) (Result, error) {
	globs := newGlobSet(coll.IncludeGlobs, coll.IgnoreGlobs)

	seenOnDisk := map[string]bool{}
	var candidates []fileCandidate

	err := filepath.WalkDir(coll.RootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == coll.RootPath {
			return nil
		}
		relPath, relErr := filepath.Rel(coll.RootPath, path)
		if relErr != nil {
			return relErr
		}

		if d.IsDir() {
			if globs.ignoredDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}

		if !globs.allowed(relPath) || globs.ignoredFile(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxFileSize {
			return nil
		}

		seenOnDisk[relPath] = true

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", relPath, err)
		}
		hash := hashContent(content)

		existing, err := idx.store.GetSourceFile(ctx, coll.ID, relPath)
		switch {
		case err == store.ErrNotFound:
			candidates = append(candidates, fileCandidate{relPath: relPath, hash: hash, size: info.Size(), status: "added"})
		case err != nil:
			return fmt.Errorf("get source file %s: %w", relPath, err)
		case existing.FileHash != hash:
			candidates = append(candidates, fileCandidate{relPath: relPath, hash: hash, size: info.Size(), status: "updated"})
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("collection: walk %s: %w", coll.RootPath, err)
	}

	previous, err := idx.store.ListSourceFiles(ctx, coll.ID)
	if err != nil {
		return Result{}, fmt.Errorf("collection: list source files: %w", err)
	}
	var removed []store.SourceFileRow
	for _, row := range previous {
		if !seenOnDisk[row.RelPath] {
			removed = append(removed, row)
		}
	}

	result := Result{Added: 0, Updated: 0, Removed: len(removed)}
	for _, c := range candidates {
		if c.status == "added" {
			result.Added++
		} else {
			result.Updated++
		}
	}

	if dryRun {
		return result, nil
	}

	totalChunks, err := idx.reindex(ctx, coll, candidates)
	if err != nil {
		return Result{}, err
	}

	for _, row := range removed {
		if err := idx.store.DeleteSourceFile(ctx, coll.ID, row.RelPath); err != nil {
			return Result{}, fmt.Errorf("collection: delete source file %s: %w", row.RelPath, err)
		}
	}

	remaining := len(previous) - len(removed) + result.Added
	if err := idx.store.UpdateCollectionCounters(ctx, coll.ID, remaining, totalChunks, time.Now().UTC()); err != nil {
		return Result{}, fmt.Errorf("collection: update counters: %w", err)
	}

	return result, nil
}

// reindex re-chunks and ingests every changed file, batching the
// ingestion pipeline call every filesPerIngestBatch files, and upserts
// each file's source row. It returns the total chunk count produced.
func (idx *Indexer) reindex(ctx context.Context, coll store.Collection, candidates []fileCandidate) (int, error) {
	totalChunks := 0
	var batch []ingest.Candidate
	var batchFiles []fileCandidate
	now := time.Now().UTC()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := idx.pipeline.IngestBatch(ctx, batch); err != nil {
			return fmt.Errorf("ingest batch: %w", err)
		}
		for _, f := range batchFiles {
			row := store.SourceFileRow{
				CollectionID:  coll.ID,
				RelPath:       f.relPath,
				FileHash:      f.hash,
				Size:          f.size,
				ChunkCount:    f.chunkCount,
				LastIndexedAt: now,
			}
			if _, err := idx.store.UpsertSourceFile(ctx, row); err != nil {
				return fmt.Errorf("upsert source file %s: %w", f.relPath, err)
			}
		}
		batch = nil
		batchFiles = nil
		return nil
	}

	for _, c := range candidates {
		content, err := os.ReadFile(filepath.Join(coll.RootPath, c.relPath))
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", c.relPath, err)
		}

		text := "File: " + c.relPath + "\n\n" + string(content)
		chunks := chunker.Chunk(text)
		c.chunkCount = len(chunks)
		totalChunks += len(chunks)

		sourceID := fmt.Sprintf("file:%s:%s", coll.Name, c.relPath)
		for _, chunkText := range chunks {
			batch = append(batch, ingest.Candidate{
				Text:       chunkText,
				Role:       store.RoleSystem,
				SourceType: store.SourceFile,
				SourceID:   sourceID,
				AgentID:    "system",
				CreatedAt:  now,
			})
		}
		batchFiles = append(batchFiles, c)

		if len(batchFiles) >= filesPerIngestBatch {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}

	return totalChunks, nil
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
