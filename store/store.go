package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Document lifecycle statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Pipeline stages, in processing order.
const (
	StageValidation = "validation"
	StageExtraction = "extraction"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StageIndexing   = "indexing"
	StageDone       = "done"
)

// Document represents a row in the documents table.
type Document struct {
	ID               int64   `json:"id"`
	Filename         string  `json:"filename"`
	Extension        string  `json:"extension"`
	ContentHash      string  `json:"content_hash"`
	SizeBytes        int64   `json:"size_bytes"`
	Category         string  `json:"category,omitempty"`
	UploadedBy       string  `json:"uploaded_by"`
	Status           string  `json:"status"`
	Stage            string  `json:"stage"`
	ExtractionMethod string  `json:"extraction_method,omitempty"`
	HasImages        bool    `json:"has_images"`
	ImageCount       int     `json:"image_count"`
	PageCount        int     `json:"page_count"`
	ChunkCount       int     `json:"chunk_count"`
	ExtractedChars   int     `json:"extracted_chars"`
	RetryCount       int     `json:"retry_count"`
	FailedStage      string  `json:"failed_stage,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ExtractSeconds   float64 `json:"extract_seconds"`
	ChunkSeconds     float64 `json:"chunk_seconds"`
	EmbedSeconds     float64 `json:"embed_seconds"`
	IndexSeconds     float64 `json:"index_seconds"`
	CostUSD          float64 `json:"cost_usd"`
	CostXAF          float64 `json:"cost_xaf"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	ProcessedAt      string  `json:"processed_at,omitempty"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID          int64  `json:"id"`
	DocumentID  int64  `json:"document_id"`
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	TokenCount  int    `json:"token_count"`
	PageNumber  int    `json:"page_number"`
	Heading     string `json:"heading,omitempty"`
	Language    string `json:"language,omitempty"`
	HasTable    bool   `json:"has_table"`
	FromOCR     bool   `json:"from_ocr"`
	VectorID    string `json:"-"`
}

// SearchResult holds a chunk with its retrieval score and document info.
type SearchResult struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading,omitempty"`
	PageNumber int     `json:"page_number"`
	Filename   string  `json:"filename"`
	Category   string  `json:"category,omitempty"`
	Score      float64 `json:"score"`
}

// SearchFilters narrows vector and FTS search to a document subset.
type SearchFilters struct {
	DocumentIDs []int64
	Category    string
}

// Store wraps the SQLite database for all persistence: documents,
// chunks, vectors, FTS, conversations, cache, usage, and settings.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Vector and lexical search ---

// VectorSearch performs a KNN search returning the top-k nearest chunks.
// Only chunks of completed documents are eligible.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int, filters SearchFilters) ([]SearchResult, error) {
	where, args := filterClause(filters)
	query := fmt.Sprintf(`
		SELECT v.chunk_id, v.distance,
			c.content, c.heading, c.page_number, c.chunk_index, c.document_id,
			d.filename, COALESCE(d.category, '')
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ? AND d.status = '%s'%s
		ORDER BY v.distance
	`, StatusCompleted, where)

	qargs := append([]any{serializeFloat32(queryEmbedding), k}, args...)
	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var heading sql.NullString
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance,
			&r.Content, &heading, &r.PageNumber, &r.ChunkIndex, &r.DocumentID,
			&r.Filename, &r.Category); err != nil {
			return nil, err
		}
		r.Heading = heading.String
		// Cosine distance to similarity
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSSearch performs a full-text search using FTS5 BM25 ranking.
// Only chunks of completed documents are eligible.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int, filters SearchFilters) ([]SearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	where, args := filterClause(filters)
	q := fmt.Sprintf(`
		SELECT f.rowid, f.rank,
			c.content, c.heading, c.page_number, c.chunk_index, c.document_id,
			d.filename, COALESCE(d.category, '')
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND d.status = '%s'%s
		ORDER BY f.rank
		LIMIT ?
	`, StatusCompleted, where)

	qargs := append([]any{match}, args...)
	qargs = append(qargs, limit)
	rows, err := s.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var heading sql.NullString
		var rank float64
		if err := rows.Scan(&r.ChunkID, &rank,
			&r.Content, &heading, &r.PageNumber, &r.ChunkIndex, &r.DocumentID,
			&r.Filename, &r.Category); err != nil {
			return nil, err
		}
		r.Heading = heading.String
		// FTS5 rank is negative (lower = better); flip to a positive score
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// filterClause builds the optional AND conditions for search filters.
func filterClause(f SearchFilters) (string, []any) {
	var b strings.Builder
	var args []any
	if len(f.DocumentIDs) > 0 {
		b.WriteString(" AND c.document_id IN (?")
		b.WriteString(repeatPlaceholders(len(f.DocumentIDs) - 1))
		b.WriteString(")")
		for _, id := range f.DocumentIDs {
			args = append(args, id)
		}
	}
	if f.Category != "" {
		b.WriteString(" AND d.category = ?")
		args = append(args, f.Category)
	}
	return b.String(), args
}

// ftsQuery converts free text into a safe FTS5 OR-query. Raw user input
// contains characters FTS5 treats as syntax, so every term is quoted.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'`)
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeFloat32 is the inverse of serializeFloat32.
func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
