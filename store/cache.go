package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrCacheGroundingGone is returned by InsertCacheEntry when one of the
// cited documents no longer exists. The caller drops the write; a cache
// entry must never outlive its grounding.
var ErrCacheGroundingGone = errors.New("store: cached answer cites a deleted document")

// CacheEntry represents a row in the query_cache table.
type CacheEntry struct {
	ID             int64     `json:"id"`
	QueryHash      string    `json:"query_hash"`
	QueryText      string    `json:"query_text"`
	Embedding      []float32 `json:"-"`
	Response       string    `json:"response"`
	Sources        string    `json:"sources,omitempty"`
	ModelUsed      string    `json:"model_used,omitempty"`
	TokensInput    int       `json:"tokens_input"`
	TokensOutput   int       `json:"tokens_output"`
	CostUSD        float64   `json:"cost_usd"`
	CostXAF        float64   `json:"cost_xaf"`
	HitCount       int       `json:"hit_count"`
	TTLSeconds     int       `json:"ttl_seconds"`
	CreatedAt      string    `json:"created_at"`
	LastAccessedAt string    `json:"last_accessed_at"`
}

// notExpired filters cache rows whose TTL has elapsed. Expiry is
// measured from the last hit, so a served entry lives on. Expired rows
// stay on disk until the sweeper removes them but are never served.
const notExpired = "(strftime('%s','now') - strftime('%s', last_accessed_at)) < ttl_seconds"

const cacheColumns = `id, query_hash, query_text, embedding, response,
	COALESCE(sources, ''), COALESCE(model_used, ''), tokens_input,
	tokens_output, cost_usd, cost_xaf, hit_count, ttl_seconds,
	created_at, last_accessed_at`

func scanCacheEntry(row interface{ Scan(...any) error }) (*CacheEntry, error) {
	e := &CacheEntry{}
	var emb []byte
	err := row.Scan(&e.ID, &e.QueryHash, &e.QueryText, &emb, &e.Response,
		&e.Sources, &e.ModelUsed, &e.TokensInput,
		&e.TokensOutput, &e.CostUSD, &e.CostXAF, &e.HitCount, &e.TTLSeconds,
		&e.CreatedAt, &e.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	if len(emb) > 0 {
		e.Embedding = deserializeFloat32(emb)
	}
	return e, nil
}

// GetCacheByHash returns the live cache entry for an exact query hash,
// or nil when none exists.
func (s *Store) GetCacheByHash(ctx context.Context, hash string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+cacheColumns+" FROM query_cache WHERE query_hash = ? AND "+notExpired,
		hash)
	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// CacheCandidates returns live entries with embeddings for the semantic
// (L2) similarity scan, most recently used first.
func (s *Store) CacheCandidates(ctx context.Context, limit int) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cacheColumns+` FROM query_cache
		WHERE embedding IS NOT NULL AND `+notExpired+`
		ORDER BY last_accessed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// TouchCacheEntry bumps the hit counter and recency of a served entry
// and extends its TTL to ttlSeconds, the configured query TTL at hit
// time. A non-positive ttlSeconds leaves the stored TTL alone.
func (s *Store) TouchCacheEntry(ctx context.Context, id int64, ttlSeconds int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE query_cache SET hit_count = hit_count + 1,
			last_accessed_at = CURRENT_TIMESTAMP,
			ttl_seconds = CASE WHEN ? > 0 THEN ? ELSE ttl_seconds END
		WHERE id = ?`, ttlSeconds, ttlSeconds, id)
	return err
}

// InsertCacheEntry stores a generated answer keyed by query hash,
// linked to the documents that grounded it. The document links are
// verified inside the transaction: if any cited document has been
// deleted since generation, nothing is written and
// ErrCacheGroundingGone is returned.
func (s *Store) InsertCacheEntry(ctx context.Context, e CacheEntry, documentIDs []int64) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if len(documentIDs) > 0 {
			var n int
			q := "SELECT COUNT(*) FROM documents WHERE id IN (?" +
				repeatPlaceholders(len(documentIDs)-1) + ")"
			args := make([]any, len(documentIDs))
			for i, d := range documentIDs {
				args[i] = d
			}
			if err := tx.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
				return err
			}
			if n != len(documentIDs) {
				return ErrCacheGroundingGone
			}
		}

		var emb any
		if len(e.Embedding) > 0 {
			emb = serializeFloat32(e.Embedding)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO query_cache (query_hash, query_text, embedding, response,
				sources, model_used, tokens_input, tokens_output, cost_usd, cost_xaf, ttl_seconds)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?)
			ON CONFLICT(query_hash) DO UPDATE SET
				embedding = excluded.embedding,
				response = excluded.response,
				sources = excluded.sources,
				model_used = excluded.model_used,
				tokens_input = excluded.tokens_input,
				tokens_output = excluded.tokens_output,
				cost_usd = excluded.cost_usd,
				cost_xaf = excluded.cost_xaf,
				ttl_seconds = excluded.ttl_seconds,
				created_at = CURRENT_TIMESTAMP,
				last_accessed_at = CURRENT_TIMESTAMP
		`, e.QueryHash, e.QueryText, emb, e.Response,
			e.Sources, e.ModelUsed, e.TokensInput, e.TokensOutput,
			e.CostUSD, e.CostXAF, e.TTLSeconds)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if id == 0 {
			row := tx.QueryRowContext(ctx,
				"SELECT id FROM query_cache WHERE query_hash = ?", e.QueryHash)
			if err := row.Scan(&id); err != nil {
				return err
			}
		}

		// Refresh the document links for this entry
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM cache_documents WHERE cache_id = ?", id); err != nil {
			return err
		}
		for _, docID := range documentIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO cache_documents (cache_id, document_id) VALUES (?, ?)",
				id, docID); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// PurgeExpiredCache deletes entries past their TTL. Returns the number
// of rows removed.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM query_cache WHERE NOT "+notExpired)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeCacheForDocument deletes every cached answer grounded on the
// given document.
func (s *Store) PurgeCacheForDocument(ctx context.Context, docID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM query_cache WHERE id IN (
			SELECT cache_id FROM cache_documents WHERE document_id = ?
		)`, docID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearCache removes every cache entry. Admin escape hatch.
func (s *Store) ClearCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM query_cache")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CacheStats summarizes the cache table for the admin stats endpoint.
// Misses are counted in memory by the cache layer, not here.
type CacheStats struct {
	Entries      int     `json:"entries"`
	LiveEntries  int     `json:"live_entries"`
	TotalHits    int     `json:"total_hits"`
	Misses       int64   `json:"misses"`
	TokensSaved  int     `json:"tokens_saved"`
	SavedUSD     float64 `json:"saved_usd"`
	SavedXAF     float64 `json:"saved_xaf"`
	OldestEntry  string  `json:"oldest_entry,omitempty"`
	NewestAccess string  `json:"newest_access,omitempty"`
}

// GetCacheStats aggregates cache size, hits, and the tokens and spend
// those hits avoided (hit_count times the entry's original generation
// cost).
func (s *Store) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	st := &CacheStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN `+notExpired+` THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(hit_count), 0),
			COALESCE(SUM(hit_count * (tokens_input + tokens_output)), 0),
			COALESCE(SUM(hit_count * cost_usd), 0),
			COALESCE(SUM(hit_count * cost_xaf), 0),
			COALESCE(MIN(created_at), ''),
			COALESCE(MAX(last_accessed_at), '')
		FROM query_cache
	`).Scan(&st.Entries, &st.LiveEntries, &st.TotalHits, &st.TokensSaved,
		&st.SavedUSD, &st.SavedXAF, &st.OldestEntry, &st.NewestAccess)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return st, nil
}
