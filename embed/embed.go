// Package embed turns chunk and query text into vectors, batching
// requests and accounting for token spend.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ancrage-ai/ancrage/chunker"
	"github.com/ancrage-ai/ancrage/cost"
	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/llm"
	"github.com/ancrage-ai/ancrage/settings"
)

// maxEmbedChars bounds a single input; most embedding models truncate
// around 8k tokens anyway, cutting here keeps the request body sane.
const maxEmbedChars = 24000

const defaultBatchSize = 32

// Embedder batches embedding requests against the configured provider.
type Embedder struct {
	provider llm.Provider
	settings *settings.Resolver
	acct     *cost.Accountant
	model    string
	log      *slog.Logger
}

func New(provider llm.Provider, res *settings.Resolver, acct *cost.Accountant, model string, log *slog.Logger) *Embedder {
	if log == nil {
		log = slog.Default()
	}
	return &Embedder{provider: provider, settings: res, acct: acct, model: model, log: log}
}

// EmbedTexts embeds texts in configured batches, preserving input
// order. A failing batch is retried text by text before giving up.
// The returned int is the estimated token spend, which is also written
// to the usage ledger. docID attributes the spend to a document; pass
// nil for query embeddings.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string, docID *int64) ([][]float32, int, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}

	batchSize := e.settings.Int(ctx, settings.KeyEmbedBatchSize, defaultBatchSize)
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}

	out, tokens, err := e.embedAll(ctx, texts, batchSize)
	if err != nil {
		return nil, 0, err
	}

	if e.acct != nil {
		if _, err := e.acct.Record(ctx, cost.Usage{
			Op:         cost.OpEmbedding,
			Model:      e.model,
			TokensIn:   tokens,
			DocumentID: docID,
		}); err != nil {
			e.log.Warn("embedding usage not recorded", "error", err)
		}
	}
	return out, tokens, nil
}

// embedAll runs the batching loop without touching settings or the
// ledger.
func (e *Embedder) embedAll(ctx context.Context, texts []string, batchSize int) ([][]float32, int, error) {
	prepared := make([]string, len(texts))
	tokens := 0
	for i, t := range texts {
		prepared[i] = truncateForEmbed(t)
		tokens += chunker.EstimateTokens(prepared[i])
	}

	out := make([][]float32, 0, len(prepared))
	for start := 0; start < len(prepared); start += batchSize {
		end := min(start+batchSize, len(prepared))
		batch := prepared[start:end]

		embs, err := e.provider.Embed(ctx, batch)
		if err != nil {
			e.log.Warn("batch embedding failed, falling back to per-text requests",
				"batch_start", start, "batch_size", len(batch), "error", err)
			embs, err = e.embedOneByOne(ctx, batch)
			if err != nil {
				return nil, 0, err
			}
		}
		if len(embs) != len(batch) {
			return nil, 0, apperr.Errorf(apperr.KindPermanent, "embed",
				"%w: provider returned %d vectors for %d texts",
				apperr.ErrEmbeddingFailed, len(embs), len(batch))
		}
		out = append(out, embs...)
	}
	return out, tokens, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, int, error) {
	embs, tokens, err := e.EmbedTexts(ctx, []string{query}, nil)
	if err != nil {
		return nil, 0, err
	}
	return embs[0], tokens, nil
}

func (e *Embedder) embedOneByOne(ctx context.Context, batch []string) ([][]float32, error) {
	out := make([][]float32, 0, len(batch))
	for i, t := range batch {
		embs, err := e.provider.Embed(ctx, []string{t})
		if err != nil {
			kind := apperr.KindPermanent
			if apperr.Retriable(err) {
				kind = apperr.KindTransient
			}
			return nil, apperr.E(kind, "embed",
				fmt.Errorf("%w: text %d: %v", apperr.ErrEmbeddingFailed, i, err))
		}
		if len(embs) != 1 {
			return nil, apperr.Errorf(apperr.KindPermanent, "embed",
				"%w: provider returned %d vectors for one text",
				apperr.ErrEmbeddingFailed, len(embs))
		}
		out = append(out, embs[0])
	}
	return out, nil
}

// truncateForEmbed cuts overlong input at a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := text[:maxEmbedChars]
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}

// NormalizeL2 scales vec to unit length in place and returns it. Zero
// vectors are returned unchanged.
func NormalizeL2(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
