package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLeaseHeld is returned by AcquireLease when another worker holds a
// live lease on the document.
var ErrLeaseHeld = errors.New("store: lease held by another worker")

const documentColumns = `id, filename, extension, content_hash, size_bytes,
	COALESCE(category, ''), uploaded_by, status, stage,
	COALESCE(extraction_method, ''), has_images, image_count, page_count,
	chunk_count, extracted_chars, retry_count, COALESCE(failed_stage, ''),
	COALESCE(error_message, ''), extract_seconds, chunk_seconds,
	embed_seconds, index_seconds, cost_usd, cost_xaf,
	created_at, updated_at, COALESCE(processed_at, '')`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	d := &Document{}
	err := row.Scan(&d.ID, &d.Filename, &d.Extension, &d.ContentHash, &d.SizeBytes,
		&d.Category, &d.UploadedBy, &d.Status, &d.Stage,
		&d.ExtractionMethod, &d.HasImages, &d.ImageCount, &d.PageCount,
		&d.ChunkCount, &d.ExtractedChars, &d.RetryCount, &d.FailedStage,
		&d.ErrorMessage, &d.ExtractSeconds, &d.ChunkSeconds,
		&d.EmbedSeconds, &d.IndexSeconds, &d.CostUSD, &d.CostXAF,
		&d.CreatedAt, &d.UpdatedAt, &d.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// InsertDocument registers an accepted upload in status pending.
// The returned ID is committed before any queue publish happens.
func (s *Store) InsertDocument(ctx context.Context, d Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (filename, extension, content_hash, size_bytes, category, uploaded_by, status, stage)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
	`, d.Filename, d.Extension, d.ContentHash, d.SizeBytes, d.Category, d.UploadedBy,
		StatusPending, StageValidation)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	return scanDocument(row)
}

// FindDocumentByHash returns the most recent non-failed document with
// the given content hash, or nil when none exists. Used to warn about
// duplicate uploads.
func (s *Store) FindDocumentByHash(ctx context.Context, hash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+` FROM documents
		 WHERE content_hash = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`, hash, StatusFailed)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListDocumentsOpts narrows and pages ListDocuments.
type ListDocumentsOpts struct {
	Status    string
	Category  string
	FileTypes []string
	DateFrom  string // inclusive, compared against created_at
	DateTo    string
	Search    string // substring match on filename
	Limit     int
	Offset    int
}

// ListDocuments returns documents newest first.
func (s *Store) ListDocuments(ctx context.Context, opts ListDocumentsOpts) ([]Document, error) {
	query := "SELECT " + documentColumns + " FROM documents WHERE 1=1"
	var args []any
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.Category != "" {
		query += " AND category = ?"
		args = append(args, opts.Category)
	}
	if len(opts.FileTypes) > 0 {
		query += " AND extension IN (?" + repeatPlaceholders(len(opts.FileTypes)-1) + ")"
		for _, ft := range opts.FileTypes {
			args = append(args, ft)
		}
	}
	if opts.DateFrom != "" {
		query += " AND created_at >= ?"
		args = append(args, opts.DateFrom)
	}
	if opts.DateTo != "" {
		query += " AND created_at <= ?"
		args = append(args, opts.DateTo)
	}
	if opts.Search != "" {
		query += " AND filename LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(opts.Search)+"%")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus sets status and stage together so readers never
// observe a completed status with a mid-pipeline stage.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status, stage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, stage = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, stage, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailDocument marks a document failed, recording the stage and message.
func (s *Store) FailDocument(ctx context.Context, id int64, stage, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, failed_stage = ?, error_message = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StatusFailed, stage, message, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ResetForRetry clears failure fields and puts a failed document back
// into processing at the given stage. Returns sql.ErrNoRows if the
// document is not failed, which keeps retry conflict detection inside a
// single statement.
func (s *Store) ResetForRetry(ctx context.Context, id int64, stage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, stage = ?, failed_stage = NULL,
			error_message = NULL, retry_count = retry_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`, StatusProcessing, stage, id, StatusFailed)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IncrementRetryCount bumps the retry counter for an in-stage attempt.
func (s *Store) IncrementRetryCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET retry_count = retry_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
	return err
}

// RecordStageSeconds accumulates wall-clock time for one stage.
func (s *Store) RecordStageSeconds(ctx context.Context, id int64, stage string, seconds float64) error {
	var col string
	switch stage {
	case StageExtraction:
		col = "extract_seconds"
	case StageChunking:
		col = "chunk_seconds"
	case StageEmbedding:
		col = "embed_seconds"
	case StageIndexing:
		col = "index_seconds"
	default:
		return fmt.Errorf("store: no duration column for stage %q", stage)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET "+col+" = "+col+" + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		seconds, id)
	return err
}

// AddDocumentCost accumulates processing spend on the document row.
func (s *Store) AddDocumentCost(ctx context.Context, id int64, usd, xaf float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET cost_usd = cost_usd + ?, cost_xaf = cost_xaf + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, usd, xaf, id)
	return err
}

// SetExtractionResult records what the extraction stage learned about
// the document.
func (s *Store) SetExtractionResult(ctx context.Context, id int64, method string, pages, images, chars int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET extraction_method = ?, page_count = ?,
			image_count = ?, has_images = ?, extracted_chars = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, method, pages, images, images > 0, chars, id)
	return err
}

// SetChunkCount records the number of chunks produced for the document.
func (s *Store) SetChunkCount(ctx context.Context, id int64, n int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET chunk_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, n, id)
	return err
}

// CompleteDocument marks the document searchable and stamps processed_at.
func (s *Store) CompleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, stage = ?,
			processed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StatusCompleted, StageDone, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteDocument removes a document and everything derived from it:
// chunks, embeddings, FTS rows, leases, and any cached answers that
// cited it. Cached answers are purged rather than unlinked so a stale
// answer can never be served after its grounding is gone.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM query_cache WHERE id IN (
				SELECT cache_id FROM cache_documents WHERE document_id = ?
			)`, id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}

		// FTS cleanup happens via the chunk triggers
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// --- Stage leases ---

// AcquireLease claims exclusive processing of a document for ttl. A
// lease already held by the same owner is renewed; an expired lease is
// taken over. Returns ErrLeaseHeld when another worker's lease is live.
func (s *Store) AcquireLease(ctx context.Context, docID int64, owner, stage string, ttl time.Duration) error {
	now := time.Now().Unix()
	expires := time.Now().Add(ttl).Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO document_leases (document_id, owner, stage, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			owner = excluded.owner,
			stage = excluded.stage,
			expires_at = excluded.expires_at
		WHERE document_leases.owner = excluded.owner
		   OR document_leases.expires_at < ?
	`, docID, owner, stage, expires, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if it is still owned by owner.
func (s *Store) ReleaseLease(ctx context.Context, docID int64, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM document_leases WHERE document_id = ? AND owner = ?",
		docID, owner)
	return err
}

// OrphanedDocuments returns documents stuck in processing with no live
// lease. The reconciler re-enqueues or fails these.
func (s *Store) OrphanedDocuments(ctx context.Context, limit int) ([]Document, error) {
	now := time.Now().Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents d
		WHERE d.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM document_leases l
			WHERE l.document_id = d.id AND l.expires_at >= ?
		  )
		ORDER BY d.updated_at
		LIMIT ?`, StatusProcessing, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
