// Package retrieval finds the chunks most relevant to a query, fusing
// dense and lexical search and optionally reranking with an LLM judge.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ancrage-ai/ancrage/embed"
	"github.com/ancrage-ai/ancrage/index"
	"github.com/ancrage-ai/ancrage/settings"
)

// Retriever runs hybrid retrieval with weights from settings.
type Retriever struct {
	index    *index.Index
	embedder *embed.Embedder
	settings *settings.Resolver
	log      *slog.Logger
}

func NewRetriever(ix *index.Index, em *embed.Embedder, res *settings.Resolver, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{index: ix, embedder: em, settings: res, log: log}
}

// Search embeds the query (unless queryVec is already available, as on
// the cache path) and returns up to topK candidates in descending
// score order, deduplicated by chunk id.
func (r *Retriever) Search(ctx context.Context, query string, queryVec []float32, f index.Filters, topK int) ([]index.Candidate, error) {
	if topK < 1 {
		topK = r.settings.Int(ctx, settings.KeySearchTopK, 10)
	}

	if queryVec == nil {
		vec, _, err := r.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		queryVec = vec
	}

	alpha := r.settings.Float(ctx, settings.KeyHybridAlpha, 0.7)
	cands, err := r.index.HybridSearch(ctx, queryVec, query, f, topK, alpha)
	if err != nil {
		return nil, err
	}

	r.log.Debug("hybrid retrieval complete",
		"query_len", len(query), "candidates", len(cands), "alpha", alpha)
	return cands, nil
}
