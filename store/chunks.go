package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// ReplaceChunks atomically replaces all chunks (and their embeddings)
// for a document. Re-running the chunking stage therefore converges to
// the same rows instead of accumulating duplicates.
func (s *Store) ReplaceChunks(ctx context.Context, docID int64, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, chunk_index, content, content_hash,
				token_count, page_number, heading, language, has_table, from_ocr, vector_id)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''))
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			res, err := stmt.ExecContext(ctx,
				docID, c.ChunkIndex, c.Content, hex.EncodeToString(hash[:]),
				c.TokenCount, c.PageNumber, c.Heading, c.Language,
				c.HasTable, c.FromOCR, c.VectorID)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// GetChunksByDocument returns all chunks for a document in order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, content_hash, token_count,
			page_number, COALESCE(heading, ''), COALESCE(language, ''),
			has_table, from_ocr, COALESCE(vector_id, '')
		FROM chunks WHERE document_id = ? ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.ContentHash, &c.TokenCount, &c.PageNumber, &c.Heading,
			&c.Language, &c.HasTable, &c.FromOCR, &c.VectorID); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UpsertEmbeddings stores vectors for a batch of chunks and records the
// final vector id on each chunk row, all in one transaction.
func (s *Store) UpsertEmbeddings(ctx context.Context, chunkIDs []int64, vectorIDs []string, embeddings [][]float32) error {
	if len(chunkIDs) != len(embeddings) || len(chunkIDs) != len(vectorIDs) {
		return fmt.Errorf("store: mismatched batch sizes: %d ids, %d vector ids, %d embeddings",
			len(chunkIDs), len(vectorIDs), len(embeddings))
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		vecStmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer vecStmt.Close()

		idStmt, err := tx.PrepareContext(ctx,
			"UPDATE chunks SET vector_id = ? WHERE id = ?")
		if err != nil {
			return err
		}
		defer idStmt.Close()

		for i, chunkID := range chunkIDs {
			if len(embeddings[i]) != s.embeddingDim {
				return fmt.Errorf("store: embedding dim %d, want %d", len(embeddings[i]), s.embeddingDim)
			}
			if _, err := vecStmt.ExecContext(ctx, chunkID, serializeFloat32(embeddings[i])); err != nil {
				return err
			}
			if _, err := idStmt.ExecContext(ctx, vectorIDs[i], chunkID); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountEmbeddedChunks reports how many of a document's chunks have a
// stored vector. Used by the indexing stage to verify completeness
// before flipping the document to completed.
func (s *Store) CountEmbeddedChunks(ctx context.Context, docID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE c.document_id = ?`, docID).Scan(&n)
	return n, err
}
