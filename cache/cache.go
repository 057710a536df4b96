// Package cache answers repeated questions from previously generated
// responses, by exact normalized-query hash first and by embedding
// similarity second.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/ancrage-ai/ancrage/embed"
	"github.com/ancrage-ai/ancrage/settings"
	"github.com/ancrage-ai/ancrage/store"
)

// Hit kinds, recorded on the served message.
const (
	HitExact    = "exact"
	HitSemantic = "semantic"
)

// candidateScanLimit bounds the semantic scan. Entries are served most
// recently used first, so the scan covers the hot part of the cache.
const candidateScanLimit = 200

// Hit is a cache answer ready to serve.
type Hit struct {
	Kind       string
	Entry      *store.CacheEntry
	Similarity float64
}

// Cache wraps the query_cache table with normalization, hashing and
// the semantic similarity scan.
type Cache struct {
	store    *store.Store
	settings *settings.Resolver
	log      *slog.Logger

	groundingDrops atomic.Int64
	misses         atomic.Int64
}

func New(st *store.Store, res *settings.Resolver, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{store: st, settings: res, log: log}
}

// Normalize canonicalizes a query for exact matching: NFKC, lowercase,
// whitespace collapsed to single spaces, trimmed.
func Normalize(query string) string {
	s := norm.NFKC.String(query)
	s = strings.ToLower(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// HashQuery returns the cache key for a query.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether caching is turned on in settings.
func (c *Cache) Enabled(ctx context.Context) bool {
	return c.settings.Bool(ctx, settings.KeyCacheEnabled, true)
}

// LookupExact serves a hit whose normalized query matches exactly.
// Returns nil on miss. A served entry gets its hit count and recency
// bumped; the bump failing does not fail the lookup.
func (c *Cache) LookupExact(ctx context.Context, query string) (*Hit, error) {
	if !c.Enabled(ctx) {
		return nil, nil
	}
	entry, err := c.store.GetCacheByHash(ctx, HashQuery(query))
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	c.touch(ctx, entry.ID)
	return &Hit{Kind: HitExact, Entry: entry, Similarity: 1}, nil
}

// LookupSemantic scans recent cached queries for one whose embedding is
// close enough to queryVec (dot product of unit vectors at or above the
// configured threshold). The best similarity wins; on a tie the more
// recently served entry wins. Returns nil on miss.
func (c *Cache) LookupSemantic(ctx context.Context, queryVec []float32) (*Hit, error) {
	if !c.Enabled(ctx) || len(queryVec) == 0 {
		return nil, nil
	}
	threshold := c.settings.Float(ctx, settings.KeyCacheSimilarity, 0.95)

	cands, err := c.store.CacheCandidates(ctx, candidateScanLimit)
	if err != nil {
		return nil, fmt.Errorf("cache candidates: %w", err)
	}
	if len(cands) == 0 {
		c.misses.Add(1)
		return nil, nil
	}

	q := embed.NormalizeL2(append([]float32(nil), queryVec...))

	var best *store.CacheEntry
	var bestSim float64
	for i := range cands {
		e := &cands[i]
		if len(e.Embedding) != len(q) {
			continue
		}
		sim := dot(q, embed.NormalizeL2(e.Embedding))
		// Candidates arrive most recently used first, so a strict
		// comparison keeps the most recent entry on ties.
		if sim >= threshold && sim > bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil {
		c.misses.Add(1)
		return nil, nil
	}
	c.touch(ctx, best.ID)
	return &Hit{Kind: HitSemantic, Entry: best, Similarity: bestSim}, nil
}

// touch records the hit and extends the entry's TTL to the configured
// query TTL.
func (c *Cache) touch(ctx context.Context, id int64) {
	ttl := c.settings.Int(ctx, settings.KeyCacheTTL, 604800)
	if err := c.store.TouchCacheEntry(ctx, id, ttl); err != nil {
		c.log.Warn("cache hit not recorded", "cache_id", id, "error", err)
	}
}

// Entry is a generated answer to write back.
type Entry struct {
	Query        string
	Embedding    []float32
	Response     string
	Sources      string
	Model        string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	CostXAF      float64
}

// Store writes a generated answer back to the cache, linked to the
// documents that grounded it. When one of those documents was deleted
// between retrieval and write-back the entry is dropped without error;
// a cached answer must never cite a document that is gone.
func (c *Cache) Store(ctx context.Context, e Entry, documentIDs []int64) error {
	if !c.Enabled(ctx) {
		return nil
	}
	ttl := c.settings.Int(ctx, settings.KeyCacheTTL, 604800)

	var emb []float32
	if len(e.Embedding) > 0 {
		emb = embed.NormalizeL2(append([]float32(nil), e.Embedding...))
	}

	_, err := c.store.InsertCacheEntry(ctx, store.CacheEntry{
		QueryHash:    HashQuery(e.Query),
		QueryText:    Normalize(e.Query),
		Embedding:    emb,
		Response:     e.Response,
		Sources:      e.Sources,
		ModelUsed:    e.Model,
		TokensInput:  e.TokensInput,
		TokensOutput: e.TokensOutput,
		CostUSD:      e.CostUSD,
		CostXAF:      e.CostXAF,
		TTLSeconds:   ttl,
	}, documentIDs)
	if err == store.ErrCacheGroundingGone {
		c.groundingDrops.Add(1)
		c.log.Info("cache write dropped, cited document deleted",
			"query_hash", HashQuery(e.Query))
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// GroundingDrops reports how many write-backs were dropped because a
// cited document had been deleted.
func (c *Cache) GroundingDrops() int64 {
	return c.groundingDrops.Load()
}

// Sweep deletes expired entries and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	return c.store.PurgeExpiredCache(ctx)
}

// Invalidate removes every cached answer grounded on a document. Called
// when the document is deleted or reprocessed.
func (c *Cache) Invalidate(ctx context.Context, docID int64) (int64, error) {
	return c.store.PurgeCacheForDocument(ctx, docID)
}

// Clear empties the cache.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	return c.store.ClearCache(ctx)
}

// Stats returns cache size, hit and miss totals, and avoided tokens
// and spend. Misses are counted per fully-missed lookup (both levels)
// since process start.
func (c *Cache) Stats(ctx context.Context) (*store.CacheStats, error) {
	st, err := c.store.GetCacheStats(ctx)
	if err != nil {
		return nil, err
	}
	st.Misses = c.misses.Load()
	return st, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
