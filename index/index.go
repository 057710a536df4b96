// Package index maintains the vector and lexical indexes over chunks
// and serves fused hybrid search.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/ancrage-ai/ancrage/store"
)

// Candidate is one retrieval result with its fused score in [0,1].
type Candidate struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading,omitempty"`
	Page       int     `json:"page"`
	Title      string  `json:"title"`
	Category   string  `json:"category,omitempty"`
	Score      float64 `json:"score"`
}

// Filters narrows search scope.
type Filters = store.SearchFilters

// Index wraps the store's vec0 and FTS5 tables.
type Index struct {
	store *store.Store
	log   *slog.Logger
}

func New(st *store.Store, log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{store: st, log: log}
}

// EnsureSchema probes the virtual tables so a missing sqlite-vec or
// FTS5 build fails at startup instead of on the first query.
func (ix *Index) EnsureSchema(ctx context.Context) error {
	var n int
	if err := ix.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_chunks").Scan(&n); err != nil {
		return fmt.Errorf("vector table unavailable: %w", err)
	}
	if err := ix.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks_fts").Scan(&n); err != nil {
		return fmt.Errorf("fts table unavailable: %w", err)
	}
	return nil
}

// BatchUpsert writes vectors for the given chunk rows and returns the
// final vector ids, assigned here. Items whose vector has the wrong
// dimension are reported in failed (indices into chunkIDs) and skipped;
// the rest are written in one transaction.
func (ix *Index) BatchUpsert(ctx context.Context, chunkIDs []int64, vectors [][]float32) (failed []int, final []string, err error) {
	if len(chunkIDs) != len(vectors) {
		return nil, nil, fmt.Errorf("index: %d chunk ids for %d vectors", len(chunkIDs), len(vectors))
	}

	dim := ix.store.EmbeddingDim()
	var keepIDs []int64
	var keepVecs [][]float32
	var keepIdx []int
	for i, v := range vectors {
		if len(v) != dim {
			failed = append(failed, i)
			ix.log.Warn("skipping vector with wrong dimension",
				"chunk_id", chunkIDs[i], "got", len(v), "want", dim)
			continue
		}
		keepIDs = append(keepIDs, chunkIDs[i])
		keepVecs = append(keepVecs, v)
		keepIdx = append(keepIdx, i)
	}

	final = make([]string, len(chunkIDs))
	vectorIDs := make([]string, len(keepIDs))
	for i := range keepIDs {
		vectorIDs[i] = uuid.NewString()
		final[keepIdx[i]] = vectorIDs[i]
	}

	if len(keepIDs) > 0 {
		if err := ix.store.UpsertEmbeddings(ctx, keepIDs, vectorIDs, keepVecs); err != nil {
			return nil, nil, err
		}
	}
	return failed, final, nil
}

// DeleteByDocument removes a document's chunks from both indexes.
func (ix *Index) DeleteByDocument(ctx context.Context, docID int64) error {
	_, err := ix.store.ReplaceChunks(ctx, docID, nil)
	return err
}

// HybridSearch fuses dense and lexical retrieval:
// score = alpha*dense + (1-alpha)*lexical, with each component min-max
// normalized to [0,1] over its own result list first. A chunk found by
// only one retriever scores 0 on the other component.
func (ix *Index) HybridSearch(ctx context.Context, vec []float32, text string, f Filters, topK int, alpha float64) ([]Candidate, error) {
	if topK < 1 {
		topK = 10
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	// Over-fetch both lists so fusion has material to reorder.
	fetch := topK * 3

	var dense []store.SearchResult
	if len(vec) > 0 {
		var err error
		dense, err = ix.store.VectorSearch(ctx, vec, fetch, f)
		if err != nil {
			return nil, fmt.Errorf("dense search: %w", err)
		}
	}

	var lexical []store.SearchResult
	if text != "" {
		var err error
		lexical, err = ix.store.FTSSearch(ctx, text, fetch, f)
		if err != nil {
			return nil, fmt.Errorf("lexical search: %w", err)
		}
	}

	denseNorm := normalizeScores(dense)
	lexNorm := normalizeScores(lexical)

	merged := make(map[int64]*Candidate)
	add := func(r store.SearchResult, component float64, weight float64) {
		c, ok := merged[r.ChunkID]
		if !ok {
			c = &Candidate{
				ChunkID:    r.ChunkID,
				DocumentID: r.DocumentID,
				ChunkIndex: r.ChunkIndex,
				Content:    r.Content,
				Heading:    r.Heading,
				Page:       r.PageNumber,
				Title:      r.Filename,
				Category:   r.Category,
			}
			merged[r.ChunkID] = c
		}
		c.Score += weight * component
	}
	for _, r := range dense {
		add(r, denseNorm[r.ChunkID], alpha)
	}
	for _, r := range lexical {
		add(r, lexNorm[r.ChunkID], 1-alpha)
	}

	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// normalizeScores min-max scales one result list's scores to [0,1].
// A single-result list maps to 1.
func normalizeScores(results []store.SearchResult) map[int64]float64 {
	norm := make(map[int64]float64, len(results))
	if len(results) == 0 {
		return norm
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	for _, r := range results {
		if hi == lo {
			norm[r.ChunkID] = 1
		} else {
			norm[r.ChunkID] = (r.Score - lo) / (hi - lo)
		}
	}
	return norm
}
