package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var registerVecOnce sync.Once

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	token_estimate INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	text,
	content='chunks',
	content_rowid='id',
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL,
	category TEXT NOT NULL,
	confidence REAL NOT NULL,
	chunk_ids TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	root_path TEXT NOT NULL,
	include_globs TEXT NOT NULL,
	ignore_globs TEXT NOT NULL,
	file_count INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	last_sync_at TEXT
);

CREATE TABLE IF NOT EXISTS source_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	collection_id INTEGER NOT NULL,
	rel_path TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	last_indexed_at TEXT NOT NULL,
	UNIQUE(collection_id, rel_path)
);

CREATE TABLE IF NOT EXISTS capture_state (
	agent_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	last_message_count INTEGER NOT NULL,
	cycle_count INTEGER NOT NULL,
	last_capture_at TEXT NOT NULL,
	PRIMARY KEY (agent_id, source_id)
);
`

// SQLiteStore is the Store implementation backed by a single SQLite file
// carrying a vec0 nearest-neighbour index and an FTS5 BM25 index alongside
// the relational tables.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger

	mu  sync.Mutex // guards lazy creation of chunks_vec and the cached dim
	dim int        // 0 until fixed
}

// Open initialises (idempotently) the schema at path and returns a ready
// Store. WAL mode is enabled so one writer and many readers can share the
// file across processes.
func Open(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	registerVecOnce.Do(func() { sqlitevec.Auto() })

	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; WAL still allows concurrent external readers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.loadDimension(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) loadDimension() error {
	row := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'vector_dim'`)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("store: load dimension: %w", err)
	}
	var dim int
	if _, err := fmt.Sscanf(v, "%d", &dim); err != nil {
		return fmt.Errorf("store: load dimension: %w", err)
	}
	s.dim = dim
	return nil
}

func (s *SQLiteStore) Dimension(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim, nil
}

// ensureVectorTable creates the vec0 virtual table the first time a
// dimension is fixed. Callers must hold s.mu.
func (s *SQLiteStore) ensureVectorTable(tx *sql.Tx, dim int) error {
	if s.dim != 0 {
		return nil
	}
	ddl := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_vec USING vec0(embedding float[%d] distance_metric=cosine)`,
		dim,
	)
	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("store: create vector table: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO meta(key, value) VALUES('vector_dim', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", dim),
	); err != nil {
		return fmt.Errorf("store: persist dimension: %w", err)
	}
	s.dim = dim
	return nil
}

func (s *SQLiteStore) PutChunks(ctx context.Context, rows []NewChunkRow, vectors [][]float32) ([]int64, error) {
	if len(rows) != len(vectors) {
		return nil, fmt.Errorf("store: put chunks: %d rows but %d vectors", len(rows), len(vectors))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("store: put chunks: inconsistent vector dimensions in batch")
		}
	}
	if s.dim != 0 && dim != s.dim {
		return nil, fmt.Errorf("%w: store fixed at %d, batch has %d", ErrDimensionMismatch, s.dim, dim)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureVectorTable(tx, dim); err != nil {
		return nil, err
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		hash := Hash(row.Text)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chunks(text, hash, role, source_type, source_id, agent_id, token_estimate, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row.Text, hash, string(row.Role), string(row.SourceType), row.SourceID, row.AgentID,
			row.TokenEstimate, row.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return nil, fmt.Errorf("store: insert chunk: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("store: insert chunk: %w", err)
		}

		packed, err := sqlitevec.SerializeFloat32(vectors[i])
		if err != nil {
			return nil, fmt.Errorf("store: serialize vector: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_vec(rowid, embedding) VALUES (?, ?)`, id, packed,
		); err != nil {
			return nil, fmt.Errorf("store: insert vector: %w", err)
		}

		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return ids, nil
}

// Hash is re-exported here (not from the crypto package) to avoid an
// import cycle; ingestion recomputes the same SHA-256 before calling
// HasHash, so this must agree byte-for-byte with crypto.Hash.
func Hash(text string) string {
	return hashText(text)
}

func (s *SQLiteStore) HasHash(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE hash = ?`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has hash: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) GetChunksByID(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT id, text, hash, role, source_type, source_id, agent_id, token_estimate, created_at
		 FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ","),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(rows *sql.Rows) (Chunk, error) {
	var c Chunk
	var role, sourceType, createdAt string
	if err := rows.Scan(&c.ID, &c.Text, &c.Hash, &role, &sourceType, &c.SourceID, &c.AgentID, &c.TokenEstimate, &createdAt); err != nil {
		return Chunk{}, fmt.Errorf("store: scan chunk: %w", err)
	}
	c.Role = Role(role)
	c.SourceType = SourceType(sourceType)
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Chunk{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

// VectorQuery performs the nearest-neighbour MATCH query alone; callers
// join chunk metadata separately rather than in the same statement.
func (s *SQLiteStore) VectorQuery(ctx context.Context, queryVector []float32, k int) ([]VectorHit, error) {
	s.mu.Lock()
	dim := s.dim
	s.mu.Unlock()
	if dim == 0 {
		return nil, nil
	}
	if len(queryVector) != dim {
		return nil, fmt.Errorf("%w: query vector has %d dims, store fixed at %d", ErrDimensionMismatch, len(queryVector), dim)
	}

	packed, err := sqlitevec.SerializeFloat32(queryVector)
	if err != nil {
		return nil, fmt.Errorf("store: serialize query vector: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, distance FROM chunks_vec WHERE embedding MATCH ? AND k = ? ORDER BY distance`,
		packed, k,
	)
	if err != nil {
		return nil, fmt.Errorf("store: vector query: %w", err)
	}
	defer rows.Close()

	var out []VectorHit
	for rows.Next() {
		var hit VectorHit
		if err := rows.Scan(&hit.ChunkID, &hit.Distance); err != nil {
			return nil, fmt.Errorf("store: scan vector hit: %w", err)
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FTSQuery(ctx context.Context, ftsExpression string, k int, filter Filter) ([]FTSHit, error) {
	if ftsExpression == "" {
		return nil, nil
	}

	query := strings.Builder{}
	query.WriteString(`SELECT c.id, bm25(chunks_fts) FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?`)
	args := []interface{}{ftsExpression}

	if filter.AgentID != "" {
		query.WriteString(` AND c.agent_id = ?`)
		args = append(args, filter.AgentID)
	}
	if filter.SourceType != "" {
		query.WriteString(` AND c.source_type = ?`)
		args = append(args, string(filter.SourceType))
	}
	query.WriteString(` ORDER BY bm25(chunks_fts) ASC LIMIT ?`)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("store: fts query: %w", err)
	}
	defer rows.Close()

	var out []FTSHit
	for rows.Next() {
		var hit FTSHit
		if err := rows.Scan(&hit.ChunkID, &hit.BM25Raw); err != nil {
			return nil, fmt.Errorf("store: scan fts hit: %w", err)
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) TimeRange(ctx context.Context) (time.Time, time.Time, error) {
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(created_at) FROM chunks`).Scan(&oldest, &newest)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("store: time range: %w", err)
	}
	if !oldest.Valid || !newest.Valid {
		return time.Time{}, time.Time{}, nil
	}
	o, err := time.Parse(time.RFC3339, oldest.String)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("store: parse oldest: %w", err)
	}
	n, err := time.Parse(time.RFC3339, newest.String)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("store: parse newest: %w", err)
	}
	return o, n, nil
}

func (s *SQLiteStore) DistinctAgents(ctx context.Context) ([]string, error) {
	agents := make(map[string]struct{})

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("store: distinct agents (chunks): %w", err)
	}
	if err := collectDistinct(rows, agents); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM capture_state`)
	if err != nil {
		return nil, fmt.Errorf("store: distinct agents (capture_state): %w", err)
	}
	if err := collectDistinct(rows, agents); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(agents))
	for a := range agents {
		out = append(out, a)
	}
	return out, nil
}

func collectDistinct(rows *sql.Rows, into map[string]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return fmt.Errorf("store: scan distinct agent: %w", err)
		}
		into[a] = struct{}{}
	}
	return rows.Err()
}

func (s *SQLiteStore) CreateMemory(ctx context.Context, m Memory) (int64, error) {
	chunkIDsJSON, err := json.Marshal(m.ChunkIDs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal chunk ids: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories(text, category, confidence, chunk_ids, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Text, string(m.Category), m.Confidence, string(chunkIDsJSON), string(MemoryActive),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create memory: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) UpdateMemoryStatus(ctx context.Context, id int64, from, to MemoryStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("store: update memory status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update memory status: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id int64) (Memory, error) {
	var m Memory
	var category, status, chunkIDsJSON, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, text, category, confidence, chunk_ids, status, created_at, updated_at
		 FROM memories WHERE id = ?`, id,
	).Scan(&m.ID, &m.Text, &category, &m.Confidence, &chunkIDsJSON, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Memory{}, ErrNotFound
	}
	if err != nil {
		return Memory{}, fmt.Errorf("store: get memory: %w", err)
	}
	m.Category = MemoryCategory(category)
	m.Status = MemoryStatus(status)
	if err := json.Unmarshal([]byte(chunkIDsJSON), &m.ChunkIDs); err != nil {
		return Memory{}, fmt.Errorf("store: unmarshal chunk ids: %w", err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Memory{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Memory{}, fmt.Errorf("store: parse updated_at: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) CountActiveMemories(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE status = ?`, string(MemoryActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active memories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpsertCollection(ctx context.Context, c Collection) (int64, error) {
	include, err := json.Marshal(c.IncludeGlobs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal include globs: %w", err)
	}
	ignore, err := json.Marshal(c.IgnoreGlobs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal ignore globs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections(name, root_path, include_globs, ignore_globs)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET root_path = excluded.root_path,
			include_globs = excluded.include_globs, ignore_globs = excluded.ignore_globs`,
		c.Name, c.RootPath, string(include), string(ignore),
	)
	if err != nil {
		return 0, fmt.Errorf("store: upsert collection: %w", err)
	}

	got, err := s.GetCollectionByName(ctx, c.Name)
	if err != nil {
		return 0, err
	}
	return got.ID, nil
}

func (s *SQLiteStore) GetCollectionByName(ctx context.Context, name string) (Collection, error) {
	var c Collection
	var include, ignore string
	var lastSync sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, root_path, include_globs, ignore_globs, file_count, chunk_count, last_sync_at
		 FROM collections WHERE name = ?`, name,
	).Scan(&c.ID, &c.Name, &c.RootPath, &include, &ignore, &c.FileCount, &c.ChunkCount, &lastSync)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	if err != nil {
		return Collection{}, fmt.Errorf("store: get collection: %w", err)
	}
	if err := json.Unmarshal([]byte(include), &c.IncludeGlobs); err != nil {
		return Collection{}, fmt.Errorf("store: unmarshal include globs: %w", err)
	}
	if err := json.Unmarshal([]byte(ignore), &c.IgnoreGlobs); err != nil {
		return Collection{}, fmt.Errorf("store: unmarshal ignore globs: %w", err)
	}
	if lastSync.Valid {
		if c.LastSyncAt, err = time.Parse(time.RFC3339, lastSync.String); err != nil {
			return Collection{}, fmt.Errorf("store: parse last_sync_at: %w", err)
		}
	}
	return c, nil
}

func (s *SQLiteStore) UpdateCollectionCounters(ctx context.Context, id int64, fileCount, chunkCount int, lastSync time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collections SET file_count = ?, chunk_count = ?, last_sync_at = ? WHERE id = ?`,
		fileCount, chunkCount, lastSync.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("store: update collection counters: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountCollections(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count collections: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetSourceFile(ctx context.Context, collectionID int64, relPath string) (SourceFileRow, error) {
	var f SourceFileRow
	var lastIndexed string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, collection_id, rel_path, file_hash, size, chunk_count, last_indexed_at
		 FROM source_files WHERE collection_id = ? AND rel_path = ?`, collectionID, relPath,
	).Scan(&f.ID, &f.CollectionID, &f.RelPath, &f.FileHash, &f.Size, &f.ChunkCount, &lastIndexed)
	if err == sql.ErrNoRows {
		return SourceFileRow{}, ErrNotFound
	}
	if err != nil {
		return SourceFileRow{}, fmt.Errorf("store: get source file: %w", err)
	}
	if f.LastIndexedAt, err = time.Parse(time.RFC3339, lastIndexed); err != nil {
		return SourceFileRow{}, fmt.Errorf("store: parse last_indexed_at: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) UpsertSourceFile(ctx context.Context, f SourceFileRow) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_files(collection_id, rel_path, file_hash, size, chunk_count, last_indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection_id, rel_path) DO UPDATE SET
			file_hash = excluded.file_hash, size = excluded.size,
			chunk_count = excluded.chunk_count, last_indexed_at = excluded.last_indexed_at`,
		f.CollectionID, f.RelPath, f.FileHash, f.Size, f.ChunkCount, f.LastIndexedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("store: upsert source file: %w", err)
	}
	got, err := s.GetSourceFile(ctx, f.CollectionID, f.RelPath)
	if err != nil {
		return 0, err
	}
	return got.ID, nil
}

func (s *SQLiteStore) DeleteSourceFile(ctx context.Context, collectionID int64, relPath string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM source_files WHERE collection_id = ? AND rel_path = ?`, collectionID, relPath,
	)
	if err != nil {
		return fmt.Errorf("store: delete source file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSourceFiles(ctx context.Context, collectionID int64) ([]SourceFileRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection_id, rel_path, file_hash, size, chunk_count, last_indexed_at
		 FROM source_files WHERE collection_id = ?`, collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list source files: %w", err)
	}
	defer rows.Close()

	var out []SourceFileRow
	for rows.Next() {
		var f SourceFileRow
		var lastIndexed string
		if err := rows.Scan(&f.ID, &f.CollectionID, &f.RelPath, &f.FileHash, &f.Size, &f.ChunkCount, &lastIndexed); err != nil {
			return nil, fmt.Errorf("store: scan source file: %w", err)
		}
		if f.LastIndexedAt, err = time.Parse(time.RFC3339, lastIndexed); err != nil {
			return nil, fmt.Errorf("store: parse last_indexed_at: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountSourceFiles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count source files: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetCaptureState(ctx context.Context, agentID, sourceID string) (CaptureState, error) {
	var c CaptureState
	var lastCapture string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, source_id, last_message_count, cycle_count, last_capture_at
		 FROM capture_state WHERE agent_id = ? AND source_id = ?`, agentID, sourceID,
	).Scan(&c.AgentID, &c.SourceID, &c.LastMessageCount, &c.CycleCount, &lastCapture)
	if err == sql.ErrNoRows {
		return CaptureState{}, ErrNotFound
	}
	if err != nil {
		return CaptureState{}, fmt.Errorf("store: get capture state: %w", err)
	}
	if c.LastCaptureAt, err = time.Parse(time.RFC3339, lastCapture); err != nil {
		return CaptureState{}, fmt.Errorf("store: parse last_capture_at: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) PutCaptureState(ctx context.Context, c CaptureState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_state(agent_id, source_id, last_message_count, cycle_count, last_capture_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, source_id) DO UPDATE SET
			last_message_count = excluded.last_message_count,
			cycle_count = excluded.cycle_count,
			last_capture_at = excluded.last_capture_at`,
		c.AgentID, c.SourceID, c.LastMessageCount, c.CycleCount, c.LastCaptureAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: put capture state: %w", err)
	}
	return nil
}

// CountCaptureSessions returns the number of distinct (agent, source) pairs
// ever captured, i.e. the number of rows in capture_state.
func (s *SQLiteStore) CountCaptureSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capture_state`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count capture sessions: %w", err)
	}
	return n, nil
}

// LatestCaptureTime returns the most recent last_capture_at across all
// capture_state rows, or the zero Time if none exist.
func (s *SQLiteStore) LatestCaptureTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(last_capture_at) FROM capture_state`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("store: latest capture time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, latest.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse last_capture_at: %w", err)
	}
	return t, nil
}

// Snapshot checkpoints the WAL into the main file and returns its bytes,
// so a concurrent writer mid-transaction can never produce a torn read.
func (s *SQLiteStore) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return nil, fmt.Errorf("store: checkpoint: %w", err)
	}

	var path string
	if err := s.db.QueryRowContext(ctx, `PRAGMA database_list`).Scan(new(int), new(string), &path); err != nil {
		return nil, fmt.Errorf("store: resolve db path: %w", err)
	}
	return readFile(path)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
